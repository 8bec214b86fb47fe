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
	"bytes"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLog(t *testing.T) {
	Convey("Given a small log", t, func() {
		l := NewLog(3)
		recs, last := l.GetRecords(0)
		So(len(recs), ShouldEqual, 0)

		Convey("Lines become records", func() {
			l.Write([]byte("one\ntwo\r\n"))
			recs, next := l.GetRecords(last)
			So(len(recs), ShouldEqual, 2)
			So(recs[0].Text, ShouldEqual, "one")
			So(recs[1].Text, ShouldEqual, "two")
			So(next, ShouldEqual, recs[1].ID)

			Convey("Nothing new returns nil", func() {
				recs, again := l.GetRecords(next)
				So(recs, ShouldBeNil)
				So(again, ShouldEqual, next)
			})

			Convey("Only newer records are returned", func() {
				l.Write([]byte("three\n"))
				recs, _ := l.GetRecords(next)
				So(len(recs), ShouldEqual, 1)
				So(recs[0].Text, ShouldEqual, "three")
			})
		})

		Convey("Old records are dropped", func() {
			for _, s := range []string{"a", "b", "c", "d", "e"} {
				l.Write([]byte(s + "\n"))
			}
			recs, _ := l.GetRecords(0)
			So(len(recs), ShouldEqual, 3)
			So(recs[0].Text, ShouldEqual, "c")
			So(recs[2].Text, ShouldEqual, "e")
		})

		Convey("Watch wakes on a write", func() {
			go func() {
				time.Sleep(20 * time.Millisecond)
				l.Write([]byte("wake\n"))
			}()
			So(l.Watch(last, 5*time.Second), ShouldNotEqual, last)
		})

		Convey("Watch expires", func() {
			So(l.Watch(last, 20*time.Millisecond), ShouldEqual, last)
		})
	})
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken")
}

func TestMultiWriter(t *testing.T) {
	Convey("Given a multi writer", t, func() {
		a := &bytes.Buffer{}
		b := &bytes.Buffer{}
		m := NewMultiWriter(a, failWriter{}, b)
		So(m.Len(), ShouldEqual, 3)

		Convey("Writes reach every good destination", func() {
			n, e := m.Write([]byte("hello\n"))
			So(e, ShouldBeNil)
			So(n, ShouldEqual, 6)
			So(a.String(), ShouldEqual, "hello\n")
			So(b.String(), ShouldEqual, "hello\n")
		})

		Convey("Writers are added once", func() {
			m.Add(a)
			So(m.Len(), ShouldEqual, 3)
		})

		Convey("Removed writers see nothing more", func() {
			m.Remove(a)
			So(m.Len(), ShouldEqual, 2)
			m.Write([]byte("later\n"))
			So(a.String(), ShouldEqual, "")
			So(b.String(), ShouldEqual, "later\n")
		})
	})
}
