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
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// recheckDelay lets an editor finish replacing the file before we look.
var recheckDelay = 100 * time.Millisecond

// CheckValid verifies that the configuration file can still be read.
func (m *Manager) CheckValid() error {
	path := m.Config().Path
	if path == "" {
		return nil
	}
	f, e := os.Open(path)
	if e != nil {
		return &ConfigError{Err: errors.Wrap(e, "configuration unreadable")}
	}
	f.Close()
	return nil
}

func (m *Manager) watchConfig() (*fsnotify.Watcher, error) {
	path := m.Config().Path
	if path == "" {
		return nil, nil
	}
	w, e := fsnotify.NewWatcher()
	if e != nil {
		return nil, errors.Wrap(e, "failed to create watcher")
	}
	if e := w.Add(filepath.Dir(path)); e != nil {
		w.Close()
		return nil, errors.Wrap(e, "failed to watch config dir")
	}
	return w, nil
}

// Run performs the periodic self check until ctx is done or the manager
// shuts down.  If the configuration becomes unreadable, the manager shuts
// down with exit code 1.  Removal or renaming of the file is noticed
// immediately; anything else at the next check interval.
func (m *Manager) Run(ctx context.Context) {
	interval := m.Config().Watchdog.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	w, e := m.watchConfig()
	if e != nil {
		m.logger.Warn("not watching configuration", zap.Error(e))
	} else if w != nil {
		defer w.Close()
		events = w.Events
		errs = w.Errors
	}
	name := filepath.Clean(m.Config().Path)

	check := func() bool {
		if e := m.CheckValid(); e != nil {
			m.logger.Error("watchdog is no longer valid; exiting", zap.Error(e))
			m.Fail(1)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			if !check() {
				return
			}
		case ev := <-events:
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			time.Sleep(recheckDelay)
			if !check() {
				return
			}
		case e := <-errs:
			m.logger.Warn("config watch error", zap.Error(e))
		}
	}
}
