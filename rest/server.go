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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gdamore/watchdog"
)

const maxRequestSize = 1 << 20

type ctxKey struct{}

// Handler wraps a Manager, adding http.Handler functionality.
type Handler struct {
	m      *watchdog.Manager
	r      *mux.Router
	auth   *Authenticator
	logger *zap.Logger
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, code int, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(code)
		w.Write(b)
	}
}

func (h *Handler) reply(w http.ResponseWriter, req *Request, res *Response, e error) {
	res.ID = req.ID
	code := http.StatusOK
	if e != nil {
		code = errorCode(e)
		res.Success = false
		res.Message = e.Error()
		h.m.Metrics().Request(req.Type, "failed")
		h.logger.Warn("request failed",
			zap.String("id", req.ID),
			zap.String("type", req.Type),
			zap.Error(e))
	} else {
		res.Success = true
		h.m.Metrics().Request(req.Type, "ok")
	}
	h.writeJson(w, code, res)
}

func errorCode(e error) int {
	switch {
	case errors.Is(e, watchdog.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(e, watchdog.ErrAlreadyRunning):
		return http.StatusConflict
	case watchdog.IsConfigError(e):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// authenticate decodes the request and checks its token.  Nothing past
// this point runs for a request that fails.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &Request{}
		body := http.MaxBytesReader(w, r.Body, maxRequestSize)
		if e := json.NewDecoder(body).Decode(req); e != nil {
			h.writeJson(w, http.StatusBadRequest, &Error{
				Code:    http.StatusBadRequest,
				Message: "malformed request: " + e.Error(),
			})
			return
		}
		typ := mux.Vars(r)["type"]
		if req.Type == "" {
			req.Type = typ
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		e := h.auth.Verify(token, req.ID, req.Type)
		if e == nil && req.Type != typ {
			e = errors.Wrap(watchdog.ErrAuthentication, "request type mismatch")
		}
		if e != nil {
			h.m.Metrics().Request(typ, "unauthorized")
			h.logger.Warn("rejected request",
				zap.String("remote", r.RemoteAddr),
				zap.String("type", typ),
				zap.Error(e))
			h.writeJson(w, http.StatusUnauthorized, &Response{
				ID:      req.ID,
				Message: watchdog.ErrAuthentication.Error(),
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, req)))
	})
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	req := r.Context().Value(ctxKey{}).(*Request)
	res := &Response{}
	var e error

	h.logger.Debug("request",
		zap.String("id", req.ID),
		zap.String("type", req.Type),
		zap.String("instance", req.Instance),
		zap.Strings("argv", req.Argv))

	switch req.Type {
	case TypeStatus:
		res.Status = h.m.Status()
		res.Message = h.m.StatusText()
	case TypeStart:
		var id string
		if id, e = h.m.StartInstance(req.Instance, req.Argv); e == nil {
			res.Message = fmt.Sprintf("started instance '%s'", id)
		}
	case TypeStop:
		if e = h.m.StopInstance(req.Instance); e == nil {
			res.Message = fmt.Sprintf("stopped instance '%s'", req.Instance)
		}
	case TypeKill:
		if e = h.m.KillInstance(req.Instance); e == nil {
			res.Message = fmt.Sprintf("killed instance '%s'", req.Instance)
		}
	case TypeRestart:
		var id string
		if id, e = h.m.RestartInstance(req.Instance, req.Argv); e == nil {
			res.Message = fmt.Sprintf("restarted instance '%s'", id)
		}
	case TypeShutdown:
		h.m.ScheduleShutdown(h.m.Config().Watchdog.ShutdownDelay)
		res.Message = "watchdog shutting down"
	case TypeLog:
		wait := req.Wait
		if wait > MaxLogWait {
			wait = MaxLogWait
		}
		if res.Log, res.LogID, e = h.m.GetLog(req.Instance, req.Since, time.Duration(wait)*time.Second); e == nil {
			res.Message = fmt.Sprintf("%d records", len(res.Log))
		}
	default:
		h.writeJson(w, http.StatusNotFound, &Response{
			ID:      req.ID,
			Message: "unknown request type " + req.Type,
		})
		return
	}
	h.reply(w, req, res, e)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// NewHandler returns the control channel handler for m.  Every request
// under BasePath must carry a token from auth.  Metrics are served,
// unauthenticated, at /metrics.
func NewHandler(m *watchdog.Manager, auth *Authenticator) *Handler {
	r := mux.NewRouter()
	h := &Handler{m: m, r: r, auth: auth, logger: m.Logger().Named("control")}
	s := r.PathPrefix(BasePath).Subrouter()
	s.Use(h.authenticate)
	s.HandleFunc("/{type}", h.dispatch).Methods("POST")
	r.Handle("/metrics", m.Metrics().Handler()).Methods("GET")
	return h
}
