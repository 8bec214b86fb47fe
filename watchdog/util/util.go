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

// Package util is used for internal implementation bits in the CLI.
package util

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/watchdog"
)

// Status is the short lower case label shown for an instance.
func Status(s *watchdog.InstanceStatus) string {
	return strings.ToLower(s.State)
}

func FormatDuration(d time.Duration) string {

	sec := int((d % time.Minute) / time.Second)
	min := int((d % time.Hour) / time.Minute)
	hour := int(d / time.Hour)

	return fmt.Sprintf("%d:%02d:%02d", hour, min, sec)
}

// Uptime is how long the instance has been up since its last start, or
// zero if it is not up.
func Uptime(s *watchdog.InstanceStatus, now time.Time) time.Duration {
	if s.LastStartTime.IsZero() || s.Pid == 0 {
		return 0
	}
	return now.Sub(s.LastStartTime)
}

func rank(state string) int {
	switch state {
	case "ACTIVE":
		return 0
	case "STARTING", "STOPPING":
		return 1
	case "INACTIVE":
		return 2
	}
	return 3
}

type sorted []watchdog.InstanceStatus

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]

	if ra, rb := rank(a.State), rank(b.State); ra != rb {
		// running instances first
		return ra < rb
	}
	return a.ID < b.ID
}

func SortInstances(items []watchdog.InstanceStatus) {
	sort.Sort(sorted(items))
}
