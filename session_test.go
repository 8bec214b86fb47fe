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

//go:build unix

package watchdog

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap/zaptest"
)

func logText(l *Log) string {
	recs, _ := l.GetRecords(0)
	lines := []string{}
	for _, r := range recs {
		lines = append(lines, r.Text)
	}
	return strings.Join(lines, "\n")
}

func TestSessionLifecycle(t *testing.T) {
	Convey("Given a child that dials back", t, func() {
		cfg := helperConfig("sess", modeServe)
		cfg.LogPath = filepath.Join(t.TempDir(), "sess.log")
		out := NewLog(0)
		m := NewMetrics()
		active := make(chan struct{})
		s := NewSession(&cfg, PlainSpawner{}, zaptest.NewLogger(t), m, out,
			func() { close(active) })
		So(s.State(), ShouldEqual, SessionCreated)
		So(s.ExitStatus(), ShouldEqual, -1)

		res := make(chan error, 1)
		go func() { res <- s.Run() }()

		select {
		case <-active:
		case <-time.After(10 * time.Second):
			t.Fatal("handshake did not complete")
		}
		So(s.State(), ShouldEqual, SessionRunning)
		So(s.Pid(), ShouldBeGreaterThan, 0)
		So(testutil.ToFloat64(m.starts.WithLabelValues("sess")), ShouldEqual, 1)

		Convey("The handshake listener is closed once the child is in", func() {
			port := int(atomic.LoadInt32(&s.port))
			So(port, ShouldBeGreaterThan, 0)
			_, e := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
			So(e, ShouldNotBeNil)
			s.Kill()
			So(<-res, ShouldBeNil)
		})

		Convey("The child answers queries over the link", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			pid, e := s.QueryPid(ctx)
			So(e, ShouldBeNil)
			So(pid, ShouldEqual, s.Pid())
			s.Kill()
			So(<-res, ShouldBeNil)
		})

		Convey("Stop asks the child to exit", func() {
			s.Stop()
			So(<-res, ShouldBeNil)
			So(s.State(), ShouldEqual, SessionExited)
			So(s.ExitStatus(), ShouldEqual, 0)
			So(testutil.ToFloat64(m.exits.WithLabelValues("sess", "normal exit")), ShouldEqual, 1)

			Convey("Output reached the log and the file", func() {
				So(logText(out), ShouldContainSubstring, "helper serve pid")
				b, e := os.ReadFile(cfg.LogPath)
				So(e, ShouldBeNil)
				So(string(b), ShouldContainSubstring, "helper shutting down")
			})
		})

		Convey("Kill tears it down", func() {
			s.Kill()
			So(<-res, ShouldBeNil)
			So(s.State(), ShouldEqual, SessionKilled)
			So(s.ExitStatus(), ShouldNotEqual, -1)
			So(s.Link(), ShouldNotBeNil)
			select {
			case <-s.Link().Done():
			default:
				t.Error("link still open")
			}
		})
	})
}

func TestSessionHandshakeTimeout(t *testing.T) {
	Convey("A child that never dials back is killed", t, func() {
		cfg := helperConfig("mute", modeSilent)
		cfg.HandshakeTimeout = 300 * time.Millisecond
		m := NewMetrics()
		s := NewSession(&cfg, PlainSpawner{}, zaptest.NewLogger(t), m, nil, nil)

		e := s.Run()
		So(e, ShouldEqual, ErrHandshakeTimeout)
		So(s.State(), ShouldEqual, SessionKilled)
		So(Classify(s.ExitStatus()), ShouldEqual, "SIGKILL")
		So(testutil.ToFloat64(m.handshakeTimeouts.WithLabelValues("mute")), ShouldEqual, 1)
	})
}

func TestSessionChildExit(t *testing.T) {
	Convey("A child that exits early ends the session", t, func() {
		cfg := helperConfig("quitter", modeExit3)
		s := NewSession(&cfg, PlainSpawner{}, zaptest.NewLogger(t), nil, nil, nil)
		So(s.Run(), ShouldBeNil)
		So(s.State(), ShouldEqual, SessionExited)
		So(s.ExitStatus(), ShouldEqual, 3)
		So(Classify(s.ExitStatus()), ShouldEqual, "bind failure")
	})
}

func TestSessionSpawnFailure(t *testing.T) {
	Convey("A missing executable is a spawn error", t, func() {
		cfg := helperConfig("ghost", modeServe)
		cfg.Executable = filepath.Join(t.TempDir(), "no-such-program")
		m := NewMetrics()
		s := NewSession(&cfg, PlainSpawner{}, zaptest.NewLogger(t), m, nil, nil)
		e := s.Run()
		So(e, ShouldNotBeNil)
		So(IsSpawnError(e), ShouldBeTrue)
		So(s.State(), ShouldEqual, SessionCreated)
		So(s.Pid(), ShouldEqual, 0)
		So(testutil.ToFloat64(m.spawnFailures.WithLabelValues("ghost")), ShouldEqual, 1)
	})
}

func TestSessionKilledBeforeRun(t *testing.T) {
	Convey("A session killed before it runs spawns nothing", t, func() {
		cfg := helperConfig("early", modeServe)
		s := NewSession(&cfg, PlainSpawner{}, zaptest.NewLogger(t), nil, nil, nil)
		s.Kill()
		So(s.Run(), ShouldBeNil)
		So(s.Pid(), ShouldEqual, 0)
	})
}
