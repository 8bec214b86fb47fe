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
	"strings"
	"sync"
	"time"
)

const (
	MaxLogRecords = 1000
)

type LogRecord struct {
	ID   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log keeps the most recent lines written by an instance's children.  It
// survives restarts, so the output leading up to a crash stays visible.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

func (log *Log) lock() {
	log.mx.Lock()
}

func (log *Log) unlock() {
	log.mx.Unlock()
}

// Write implements io.Writer.  Each line becomes a record.
func (log *Log) Write(b []byte) (int, error) {
	str := strings.TrimRight(string(b), "\r\n")
	log.lock()
	for _, line := range strings.Split(str, "\n") {
		idx := log.numRecords % log.maxRecords
		log.id++
		log.records[idx].Text = strings.TrimRight(line, "\r")
		log.records[idx].ID = log.id
		log.records[idx].Time = time.Now()
		// NB: numRecords may be more than maxRecords.  In that case
		// we have wrapped, and it only tracks the next index.
		log.numRecords++
	}
	for cv := range log.cvs {
		cv.Broadcast()
	}
	log.unlock()
	return len(b), nil
}

// GetRecords returns the records newer than last, as well as the id of the
// newest record.  Passing zero returns everything retained.  If nothing has
// been written since last, it returns nil immediately.  Ids are not unique
// across different Log instances.
func (log *Log) GetRecords(last int64) ([]LogRecord, int64) {
	log.lock()
	defer log.unlock()
	if log.id == last {
		return nil, last
	}
	cnt := log.numRecords
	if cnt > log.maxRecords {
		cnt = log.maxRecords
	}
	recs := make([]LogRecord, 0, cnt)
	index := log.numRecords - cnt
	for j := 0; j < cnt; j++ {
		r := log.records[index%log.maxRecords]
		index++
		if r.ID <= last {
			continue
		}
		recs = append(recs, r)
	}
	return recs, log.id
}

// Watch waits up to expire for the log to move past last, and returns the
// newest id.
func (log *Log) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&log.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			log.lock()
			expired = true
			cv.Broadcast()
			log.unlock()
		})
	} else {
		expired = true
	}

	log.lock()
	log.cvs[cv] = true
	for log.id == last && !expired {
		cv.Wait()
	}
	delete(log.cvs, cv)
	last = log.id
	log.unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}

// NewLog returns a Log holding up to max records; zero selects
// MaxLogRecords.
func NewLog(max int) *Log {
	if max <= 0 {
		max = MaxLogRecords
	}
	return &Log{
		maxRecords: max,
		records:    make([]LogRecord, max),
		id:         time.Now().UnixNano(),
		cvs:        make(map[*sync.Cond]bool),
	}
}
