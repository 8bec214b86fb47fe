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

package watchdog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

const sampleConfig = `
watchdog:
  port: 7700
  secret: hunter2
  root-directory: /srv/game
  check-interval: 30s
instances:
  - id: web-a
    executable: /srv/game/bin/server
    argv: ["-world", "alpha"]
    environment: ["MODE=prod"]
    port: 8000
  - id: web-b
    executable: /srv/game/bin/server
    restart-backoff: 0s
    shutdown-wait-time: 10s
    log-path: /var/log/web-b.log
`

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "watchdog.yaml")
	if e := os.WriteFile(path, []byte(body), 0644); e != nil {
		t.Fatal(e)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	Convey("Given a configuration file", t, func() {
		path := writeConfig(t, sampleConfig)
		cfg, e := LoadConfig(path)
		So(e, ShouldBeNil)
		So(cfg.Path, ShouldEqual, path)

		Convey("Manager settings are read, and defaulted", func() {
			w := cfg.Watchdog
			So(w.Port, ShouldEqual, 7700)
			So(w.Secret, ShouldEqual, "hunter2")
			So(w.Address, ShouldEqual, DefaultAddress)
			So(w.CheckInterval, ShouldEqual, 30*time.Second)
			So(w.ShutdownDelay, ShouldEqual, DefaultShutdownDelay)
			So(w.MaxConnections, ShouldEqual, DefaultMaxConnections)
			So(w.LogDirectory, ShouldEqual, "/srv/game/log")
			So(w.ListenAddress(), ShouldEqual, "127.0.0.1:7700")
		})

		Convey("Instances are read, and defaulted", func() {
			So(cfg.IDs(), ShouldResemble, []string{"web-a", "web-b"})
			a, e := cfg.Instance("web-a")
			So(e, ShouldBeNil)
			So(a.Argv, ShouldResemble, []string{"-world", "alpha"})
			So(a.Port, ShouldEqual, 8000)
			So(a.ShutdownWaitTime, ShouldEqual, DefaultShutdownWait)
			So(a.HandshakeTimeout, ShouldEqual, DefaultHandshakeTimeout)
			So(a.RestartBackoff, ShouldEqual, DefaultRestartBackoff)
			So(a.RestartBackoffMax, ShouldEqual, DefaultRestartMax)
			So(a.LogPath, ShouldEqual, "/srv/game/log/web-a.log")
			So(a.WorkingDirectory, ShouldEqual, "/srv/game")
			So(a.Privileged(), ShouldBeFalse)

			b, e := cfg.Instance("web-b")
			So(e, ShouldBeNil)
			So(b.RestartBackoff, ShouldEqual, 0)
			So(b.ShutdownWaitTime, ShouldEqual, 10*time.Second)
			So(b.LogPath, ShouldEqual, "/var/log/web-b.log")
		})

		Convey("Unknown instances are configuration errors", func() {
			_, e := cfg.Instance("web-z")
			So(IsConfigError(e), ShouldBeTrue)
			So(errors.Is(e, ErrUnknownInstance), ShouldBeTrue)
		})

		Convey("The secret can come from the environment", func() {
			t.Setenv("WATCHDOG_WATCHDOG_SECRET", "from-env")
			cfg, e := LoadConfig(path)
			So(e, ShouldBeNil)
			So(cfg.Watchdog.Secret, ShouldEqual, "from-env")
		})
	})

	Convey("Bad configurations are rejected", t, func() {
		Convey("A missing file", func() {
			_, e := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
			So(IsConfigError(e), ShouldBeTrue)
		})
		Convey("No file at all", func() {
			_, e := LoadConfig("")
			So(IsConfigError(e), ShouldBeTrue)
		})
		Convey("A duplicate id", func() {
			_, e := LoadConfig(writeConfig(t, `
instances:
  - id: x
    executable: /bin/true
  - id: x
    executable: /bin/true
`))
			So(IsConfigError(e), ShouldBeTrue)
		})
		Convey("A missing executable", func() {
			_, e := LoadConfig(writeConfig(t, `
instances:
  - id: x
`))
			So(IsConfigError(e), ShouldBeTrue)
		})
		Convey("A malformed environment", func() {
			_, e := LoadConfig(writeConfig(t, `
instances:
  - id: x
    executable: /bin/true
    environment: ["NOEQUALS"]
`))
			So(IsConfigError(e), ShouldBeTrue)
		})
	})
}

func TestResolveInstance(t *testing.T) {
	Convey("Given two instances", t, func() {
		cfg := &Config{Instances: []InstanceConfig{
			{ID: "web-a", Executable: "x"},
			{ID: "web-b", Executable: "x"},
		}}

		Convey("An explicit id wins", func() {
			id, rest, e := cfg.ResolveInstance("web-b", []string{"--instance", "web-a", "-v"})
			So(e, ShouldBeNil)
			So(id, ShouldEqual, "web-b")
			So(rest, ShouldResemble, []string{"-v"})
		})

		Convey("--instance in argv selects, and is removed", func() {
			id, rest, e := cfg.ResolveInstance("", []string{"-v", "--instance", "web-a", "extra"})
			So(e, ShouldBeNil)
			So(id, ShouldEqual, "web-a")
			So(rest, ShouldResemble, []string{"-v", "extra"})
		})

		Convey("The older -server=id form works", func() {
			id, rest, e := cfg.ResolveInstance("", []string{"-server=web-b"})
			So(e, ShouldBeNil)
			So(id, ShouldEqual, "web-b")
			So(len(rest), ShouldEqual, 0)
		})

		Convey("Without a selection it fails", func() {
			_, _, e := cfg.ResolveInstance("", nil)
			So(IsConfigError(e), ShouldBeTrue)
			So(errors.Is(e, ErrNoInstance), ShouldBeTrue)
		})

		Convey("An unknown id fails", func() {
			_, _, e := cfg.ResolveInstance("web-q", nil)
			So(errors.Is(e, ErrUnknownInstance), ShouldBeTrue)
		})
	})

	Convey("A single instance is selected by default", t, func() {
		cfg := &Config{Instances: []InstanceConfig{{ID: "only", Executable: "x"}}}
		id, _, e := cfg.ResolveInstance("", []string{"-v"})
		So(e, ShouldBeNil)
		So(id, ShouldEqual, "only")
	})
}

func TestWithArgv(t *testing.T) {
	Convey("Extra arguments are appended to a copy", t, func() {
		ic := InstanceConfig{ID: "a", Argv: []string{"-x"}}
		cp := ic.WithArgv([]string{"-y"})
		So(cp.Argv, ShouldResemble, []string{"-x", "-y"})
		So(ic.Argv, ShouldResemble, []string{"-x"})
	})
}
