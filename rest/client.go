// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gdamore/watchdog"
)

// DefaultTimeout bounds a request when the caller's context has no
// deadline of its own.
const DefaultTimeout = 3 * time.Minute

// CommError means the manager could not be reached at all, as opposed to a
// manager that answered with a failure.
type CommError struct {
	Err error
}

func (e *CommError) Error() string {
	return "cannot reach watchdog: " + e.Err.Error()
}

func (e *CommError) Unwrap() error { return e.Err }

// IsCommunicationError reports whether err is a CommError.
func IsCommunicationError(err error) bool {
	var ce *CommError
	return errors.As(err, &ce)
}

type Client struct {
	base      string // URI to root of tree on server
	auth      *Authenticator
	client    *http.Client
	transport *http.Transport
	Timeout   time.Duration
}

// Do sends req, filling in its correlation id, and returns the manager's
// response.  A response that reports failure is returned together with an
// *Error carrying the HTTP status.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req.ID = uuid.NewString()
	token, e := c.auth.Sign(req.ID, req.Type)
	if e != nil {
		return nil, e
	}
	body, e := json.Marshal(req)
	if e != nil {
		return nil, errors.Wrap(e, "encode request")
	}
	hreq, e := http.NewRequestWithContext(ctx, "POST", c.base+BasePath+"/"+req.Type, bytes.NewReader(body))
	if e != nil {
		return nil, errors.Wrap(e, "build request")
	}
	hreq.Header.Set("Content-Type", mimeJson)
	hreq.Header.Set("Authorization", "Bearer "+token)

	res, e := c.client.Do(hreq)
	if e != nil {
		return nil, &CommError{Err: e}
	}
	defer res.Body.Close()
	b, e := io.ReadAll(res.Body)
	if e != nil {
		return nil, &CommError{Err: e}
	}

	resp := &Response{}
	if e := json.Unmarshal(b, resp); e != nil {
		return nil, &Error{Code: res.StatusCode, Message: res.Status}
	}
	if res.StatusCode == http.StatusUnauthorized {
		return resp, errors.Wrap(watchdog.ErrAuthentication, "rejected by watchdog")
	}
	if resp.ID != req.ID {
		return nil, errors.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	if res.StatusCode != http.StatusOK || !resp.Success {
		return resp, &Error{Code: res.StatusCode, Message: resp.Message}
	}
	return resp, nil
}

func (c *Client) Status(ctx context.Context) (*Response, error) {
	return c.Do(ctx, &Request{Type: TypeStatus})
}

func (c *Client) Start(ctx context.Context, id string, argv []string) (*Response, error) {
	return c.Do(ctx, &Request{Type: TypeStart, Instance: id, Argv: argv})
}

func (c *Client) Stop(ctx context.Context, id string) (*Response, error) {
	return c.Do(ctx, &Request{Type: TypeStop, Instance: id})
}

func (c *Client) Kill(ctx context.Context, id string) (*Response, error) {
	return c.Do(ctx, &Request{Type: TypeKill, Instance: id})
}

func (c *Client) Restart(ctx context.Context, id string, argv []string) (*Response, error) {
	return c.Do(ctx, &Request{Type: TypeRestart, Instance: id, Argv: argv})
}

func (c *Client) Shutdown(ctx context.Context) (*Response, error) {
	return c.Do(ctx, &Request{Type: TypeShutdown})
}

// Log fetches an instance's retained output newer than since.
func (c *Client) Log(ctx context.Context, id string, since int64) (*Response, error) {
	return c.Do(ctx, &Request{Type: TypeLog, Instance: id, Since: since})
}

// WatchLog is like Log, but the manager holds the request for up to wait
// seconds until there is output newer than since.
func (c *Client) WatchLog(ctx context.Context, id string, since int64, wait int) (*Response, error) {
	return c.Do(ctx, &Request{Type: TypeLog, Instance: id, Since: since, Wait: wait})
}

// NewClient returns a Client handle.  The transport may be nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL of the manager, for example
// http://127.0.0.1:6600.
func NewClient(t *http.Transport, baseURI string, auth *Authenticator) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	return &Client{
		transport: t,
		base:      baseURI,
		auth:      auth,
		client:    &http.Client{Transport: t},
		Timeout:   DefaultTimeout,
	}
}
