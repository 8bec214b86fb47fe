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
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// supervisor is the restart loop for one instance.  It keeps launching
// sessions for as long as it is active.  Every supervisor belongs to exactly
// one Instance, which installs and removes it atomically.
type supervisor struct {
	inst *Instance
	cfg  InstanceConfig

	active  atomic.Bool
	running atomic.Bool // handshake done for the current session
	session atomic.Pointer[Session]

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	backoff  time.Duration
}

// newSupervisor returns an active supervisor, so that it counts as an
// owner from the moment it is installed.
func newSupervisor(inst *Instance, cfg InstanceConfig) *supervisor {
	t := &supervisor{
		inst: inst,
		cfg:  cfg,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	t.active.Store(true)
	return t
}

// start records the first launch before returning, so that callers see
// the start count move synchronously.
func (t *supervisor) start() {
	t.inst.recordStart()
	go t.run()
}

func (t *supervisor) isActive() bool {
	return t.active.Load()
}

func (t *supervisor) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *supervisor) run() {
	defer t.inst.taskDone(t)

	logger := t.inst.logger
	for first := true; t.active.Load(); first = false {
		t.running.Store(false)
		if !first {
			t.inst.recordStart()
		}

		s := t.inst.newSession(&t.cfg, func() {
			t.running.Store(true)
			t.inst.changed()
		})
		t.session.Store(s)
		// A stop or kill that missed the store above sees it now.
		if !t.active.Load() {
			break
		}

		began := time.Now()
		e := s.Run()
		t.running.Store(false)
		if e != nil {
			logger.Warn("session failed", zap.Error(e))
		}
		if !t.active.Load() {
			break
		}
		if IsConfigError(e) {
			// Never retried.
			t.interrupt()
			break
		}

		delay := t.nextDelay(time.Since(began))
		t.inst.changed()
		if delay > 0 {
			logger.Info("restarting after delay", zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-t.quit:
			}
		}
	}
}

// nextDelay computes the pause before the next launch.  Sessions that die
// young double the delay, up to the configured maximum; a session that
// lived long enough resets it.  A zero base delay disables backoff.
func (t *supervisor) nextDelay(uptime time.Duration) time.Duration {
	base := t.cfg.RestartBackoff
	if base <= 0 {
		return 0
	}
	if uptime >= DefaultBackoffReset {
		t.backoff = 0
		return 0
	}
	if t.backoff == 0 {
		t.backoff = base
	} else {
		t.backoff *= 2
	}
	if max := t.cfg.RestartBackoffMax; max > 0 && t.backoff > max {
		t.backoff = max
	}
	return t.backoff
}

func (t *supervisor) interrupt() {
	t.active.Store(false)
	t.quitOnce.Do(func() { close(t.quit) })
}

// stop asks the current session to shut down and waits up to wait for the
// loop to finish.
func (t *supervisor) stop(wait time.Duration) error {
	t.interrupt()
	if s := t.session.Load(); s != nil {
		s.Stop()
	}
	if wait <= 0 {
		<-t.done
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-t.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// kill tears the current session down without waiting for it.
func (t *supervisor) kill() {
	t.interrupt()
	if s := t.session.Load(); s != nil {
		go s.Kill()
	}
}
