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

// Package rest implements the control channel between the watchdog
// manager and its administrative clients.  Every request is a JSON body
// POSTed to /watchdog/<type>, with a bearer token that binds the request's
// correlation id and type to the shared secret.
package rest

import (
	"github.com/gdamore/watchdog"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// BasePath is where the control requests live.
	BasePath = "/watchdog"

	// MaxLogWait caps the seconds a log request may wait for output.
	MaxLogWait = 60
)

// Request types.
const (
	TypeStatus   = "status"
	TypeStart    = "start"
	TypeStop     = "stop"
	TypeKill     = "kill"
	TypeRestart  = "restart"
	TypeShutdown = "shutdown"
	TypeLog      = "log"
)

// Request is a single control message.
type Request struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Instance string   `json:"instance,omitempty"`
	Argv     []string `json:"argv,omitempty"`
	Since    int64    `json:"since,string,omitempty"`
	Wait     int      `json:"wait,omitempty"` // seconds to long-poll a log
}

// Response answers a Request with the same ID.
type Response struct {
	ID      string               `json:"id"`
	Success bool                 `json:"success"`
	Message string               `json:"message"`
	Status  *watchdog.Status     `json:"status,omitempty"`
	Log     []watchdog.LogRecord `json:"log,omitempty"`
	LogID   int64                `json:"logId,string,omitempty"`
}

// Error is a request the manager received, but refused or failed.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
