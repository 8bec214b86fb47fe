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

// Package rpc implements the link between the watchdog and a running child.
// The child dials back to the port it was given on its command line, and
// both ends then exchange newline delimited JSON frames over the
// connection.  Either side may issue queries, which are answered with a
// result or an error, or send one way messages.
package rpc

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

const (
	KindQuery   = "query"
	KindResult  = "result"
	KindError   = "error"
	KindMessage = "message"
)

// Well known frame types.
const (
	TypeShutdown = "shutdown"
	TypePid      = "pid"
	TypeWarning  = "warning"
)

var (
	ErrClosed    = errors.New("Link closed")
	ErrNoHandler = errors.New("No handler for query")
)

// Frame is the unit on the wire.
type Frame struct {
	ID      uint64          `json:"id,omitempty"`
	Kind    string          `json:"kind"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RemoteError is an error reported by the peer in answer to a query.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Type + ": " + e.Message
}

// QueryFunc answers a query.  The returned value is marshalled as the
// result payload.
type QueryFunc func(payload json.RawMessage) (interface{}, error)

// MessageFunc receives one way messages.
type MessageFunc func(typ string, payload json.RawMessage)

type Link struct {
	conn net.Conn
	enc  *json.Encoder
	wmx  sync.Mutex

	mx        sync.Mutex
	seq       uint64
	pending   map[uint64]chan *Frame
	handlers  map[string]QueryFunc
	onMessage MessageFunc

	closed    chan struct{}
	closeOnce sync.Once
}

func (l *Link) lock() {
	l.mx.Lock()
}

func (l *Link) unlock() {
	l.mx.Unlock()
}

// HandleQuery registers the handler for queries of the given type.
func (l *Link) HandleQuery(typ string, fn QueryFunc) {
	l.lock()
	l.handlers[typ] = fn
	l.unlock()
}

// OnMessage registers the receiver of one way messages.
func (l *Link) OnMessage(fn MessageFunc) {
	l.lock()
	l.onMessage = fn
	l.unlock()
}

func (l *Link) write(f *Frame) error {
	l.wmx.Lock()
	defer l.wmx.Unlock()
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	if e := l.enc.Encode(f); e != nil {
		return errors.Wrap(e, "write frame")
	}
	return nil
}

func (l *Link) answer(f *Frame) {
	l.lock()
	fn := l.handlers[f.Type]
	l.unlock()

	reply := &Frame{ID: f.ID, Kind: KindResult, Type: f.Type}
	if fn == nil {
		reply.Kind = KindError
		reply.Error = ErrNoHandler.Error()
	} else if v, e := fn(f.Payload); e != nil {
		reply.Kind = KindError
		reply.Error = e.Error()
	} else if b, e := json.Marshal(v); e != nil {
		reply.Kind = KindError
		reply.Error = e.Error()
	} else {
		reply.Payload = b
	}
	l.write(reply)
}

// Serve reads frames until the connection fails or is closed, dispatching
// them as they arrive.  The link is closed when Serve returns.
func (l *Link) Serve() error {
	defer l.Close()
	dec := json.NewDecoder(l.conn)
	for {
		f := &Frame{}
		if e := dec.Decode(f); e != nil {
			select {
			case <-l.closed:
				return nil
			default:
			}
			return errors.Wrap(e, "read frame")
		}
		switch f.Kind {
		case KindQuery:
			go l.answer(f)
		case KindResult, KindError:
			l.lock()
			ch := l.pending[f.ID]
			delete(l.pending, f.ID)
			l.unlock()
			if ch != nil {
				ch <- f
			}
		case KindMessage:
			l.lock()
			fn := l.onMessage
			l.unlock()
			if fn != nil {
				fn(f.Type, f.Payload)
			}
		}
	}
}

// Query sends a query and waits for the answer, which is decoded into resp
// (if not nil).
func (l *Link) Query(ctx context.Context, typ string, req interface{}, resp interface{}) error {
	f := &Frame{Kind: KindQuery, Type: typ}
	if req != nil {
		b, e := json.Marshal(req)
		if e != nil {
			return errors.Wrap(e, "encode query")
		}
		f.Payload = b
	}
	ch := make(chan *Frame, 1)
	l.lock()
	l.seq++
	f.ID = l.seq
	l.pending[f.ID] = ch
	l.unlock()

	forget := func() {
		l.lock()
		delete(l.pending, f.ID)
		l.unlock()
	}

	if e := l.write(f); e != nil {
		forget()
		return e
	}
	select {
	case r := <-ch:
		if r.Kind == KindError {
			return &RemoteError{Type: typ, Message: r.Error}
		}
		if resp != nil && len(r.Payload) != 0 {
			return errors.Wrap(json.Unmarshal(r.Payload, resp), "decode result")
		}
		return nil
	case <-l.closed:
		forget()
		return ErrClosed
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// Send sends a one way message.
func (l *Link) Send(typ string, payload interface{}) error {
	f := &Frame{Kind: KindMessage, Type: typ}
	if payload != nil {
		b, e := json.Marshal(payload)
		if e != nil {
			return errors.Wrap(e, "encode message")
		}
		f.Payload = b
	}
	return l.write(f)
}

// Close shuts the connection down.  Outstanding queries fail with ErrClosed.
func (l *Link) Close() error {
	var e error
	l.closeOnce.Do(func() {
		close(l.closed)
		e = l.conn.Close()
	})
	return e
}

// Done is closed once the link has been closed.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// New wraps an established connection.  The caller must run Serve.
func New(conn net.Conn) *Link {
	return &Link{
		conn:     conn,
		enc:      json.NewEncoder(conn),
		pending:  make(map[uint64]chan *Frame),
		handlers: make(map[string]QueryFunc),
		closed:   make(chan struct{}),
	}
}

// Dial is used by children: it connects back to the handshake port on the
// loopback interface.
func Dial(port int) (*Link, error) {
	conn, e := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if e != nil {
		return nil, errors.Wrap(e, "handshake dial")
	}
	return New(conn), nil
}
