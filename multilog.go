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
	"io"
	"sync"
)

// MultiWriter fans child output out to a changing set of destinations:
// the rotating log file of the current session, the in memory Log, and
// optionally the console.  Destinations are added and removed explicitly,
// and a failing destination does not starve the others.
type MultiWriter struct {
	writers []io.Writer
	lock    sync.Mutex
}

// Write delivers b to every registered writer.  It expects whole lines.
func (m *MultiWriter) Write(b []byte) (int, error) {
	m.lock.Lock()
	for _, w := range m.writers {
		w.Write(b)
	}
	m.lock.Unlock()
	return len(b), nil
}

// Add registers a writer.  A writer can only be added once.
func (m *MultiWriter) Add(w io.Writer) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, x := range m.writers {
		if x == w {
			return
		}
	}
	m.writers = append(m.writers, w)
}

// Remove deregisters a writer.  Once it returns, w receives no more writes.
func (m *MultiWriter) Remove(w io.Writer) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, x := range m.writers {
		if x == w {
			m.writers = append(m.writers[:i:i], m.writers[i+1:]...)
			break
		}
	}
}

func (m *MultiWriter) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.writers)
}

func NewMultiWriter(writers ...io.Writer) *MultiWriter {
	m := &MultiWriter{}
	for _, w := range writers {
		m.Add(w)
	}
	return m
}
