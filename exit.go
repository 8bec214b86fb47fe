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
	"strconv"
)

// Exit codes a well behaved instance uses to tell us why it left.  The index
// is the process exit code.
var exitReasons = []string{
	"normal exit",
	"exit 1",
	"bad config",
	"bind failure",
	"modified",
	"network failure",
	"watchdog exit",
	"out of memory",
	"thread exhaustion",
	"health failure",
	"user exit",
	"restart requested",
}

var signalNames = map[int]string{
	1:  "SIGHUP",
	2:  "SIGINT",
	3:  "SIGQUIT",
	7:  "SIGBUS",
	9:  "SIGKILL",
	11: "SIGSEGV",
	14: "SIGALRM",
	19: "SIGSTOP",
}

// Classify turns a raw exit status into a short reason.  Statuses above 128
// are taken to be 128 plus the number of the signal that killed the process.
// The result is meant for logs and metrics only.
func Classify(status int) string {
	switch {
	case status == 0:
		return exitReasons[0]
	case status > 0 && status < len(exitReasons):
		return exitReasons[status]
	case status > 128 && status < 128+31:
		sig := status - 128
		if name, ok := signalNames[sig]; ok {
			return name
		}
		return "signal=" + strconv.Itoa(sig)
	}
	return "unknown"
}
