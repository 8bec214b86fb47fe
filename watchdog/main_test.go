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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/watchdog"
	"github.com/gdamore/watchdog/rest"
)

func TestExitCode(t *testing.T) {
	Convey("Errors map to exit codes", t, func() {
		So(exitCode(nil), ShouldEqual, 0)
		So(exitCode(errors.New("boom")), ShouldEqual, 1)
		So(exitCode(&rest.Error{Code: 409, Message: "busy"}), ShouldEqual, 1)
		So(exitCode(&rest.Error{Code: 400, Message: "bad"}), ShouldEqual, 2)
		So(exitCode(&watchdog.ConfigError{Err: watchdog.ErrNoInstance}), ShouldEqual, 2)
		So(exitCode(&rest.CommError{Err: errors.New("refused")}), ShouldEqual, 3)
	})
}

func TestCommandTree(t *testing.T) {
	Convey("Every subcommand is present", t, func() {
		root := newCommand()
		for _, name := range []string{"status", "start", "stop", "kill", "restart", "shutdown", "log"} {
			c, _, e := root.Find([]string{name})
			So(e, ShouldBeNil)
			So(c.Name(), ShouldEqual, name)
		}
		logc, _, _ := root.Find([]string{"log"})
		So(logc.Flags().Lookup("follow"), ShouldNotBeNil)
	})
}

func TestFollowLog(t *testing.T) {
	Convey("Following a log long-polls from the last id", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var mx sync.Mutex
		var seen []rest.Request
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := rest.Request{}
			json.NewDecoder(r.Body).Decode(&req)
			mx.Lock()
			seen = append(seen, req)
			n := len(seen)
			mx.Unlock()
			if n > 1 {
				cancel()
				<-r.Context().Done()
				return
			}
			json.NewEncoder(w).Encode(&rest.Response{
				ID:      req.ID,
				Success: true,
				Log:     []watchdog.LogRecord{{ID: 5, Time: time.Now(), Text: "one"}},
				LogID:   5,
			})
		}))
		defer srv.Close()

		auth, e := rest.NewAuthenticator("s3cret")
		So(e, ShouldBeNil)
		c := rest.NewClient(nil, srv.URL, auth)
		So(followLog(ctx, c, "web-a", 0), ShouldBeNil)

		mx.Lock()
		defer mx.Unlock()
		So(len(seen), ShouldEqual, 2)
		So(seen[0].Type, ShouldEqual, rest.TypeLog)
		So(seen[0].Wait, ShouldEqual, followWait)
		So(seen[0].Since, ShouldEqual, 0)
		So(seen[1].Since, ShouldEqual, 5)
	})
}
