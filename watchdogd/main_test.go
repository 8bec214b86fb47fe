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
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap/zapcore"

	"github.com/gdamore/watchdog"
)

func TestLock(t *testing.T) {
	Convey("Only one manager holds the lock for a port", t, func() {
		dir := t.TempDir()
		first, e := lock(dir, 6600)
		So(e, ShouldBeNil)
		defer first.Unlock()

		_, e = lock(dir, 6600)
		So(e, ShouldEqual, ErrLockedElsewhere)

		other, e := lock(dir, 6601)
		So(e, ShouldBeNil)
		other.Unlock()
	})
}

func TestExitCode(t *testing.T) {
	Convey("Exit codes", t, func() {
		So(exitCode(nil), ShouldEqual, 0)
		So(exitCode(&exitError{code: 1}), ShouldEqual, 1)
		So(exitCode(&watchdog.ConfigError{Err: watchdog.ErrNoInstance}), ShouldEqual, 2)
		So(parseLevel("debug"), ShouldEqual, zapcore.DebugLevel)
		So(parseLevel(""), ShouldEqual, zapcore.InfoLevel)
	})
}
