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
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestClassify(t *testing.T) {
	Convey("Exit statuses are classified", t, func() {
		So(Classify(0), ShouldEqual, "normal exit")
		So(Classify(1), ShouldEqual, "exit 1")
		So(Classify(3), ShouldEqual, "bind failure")
		So(Classify(11), ShouldEqual, "restart requested")

		Convey("Signals are named", func() {
			So(Classify(137), ShouldEqual, "SIGKILL")
			So(Classify(139), ShouldEqual, "SIGSEGV")
			So(Classify(130), ShouldEqual, "SIGINT")
			So(Classify(143), ShouldEqual, "signal=15")
		})

		Convey("Everything else is unknown", func() {
			So(Classify(12), ShouldEqual, "unknown")
			So(Classify(128), ShouldEqual, "unknown")
			So(Classify(200), ShouldEqual, "unknown")
			So(Classify(-1), ShouldEqual, "unknown")
		})
	})
}
