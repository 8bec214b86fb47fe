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
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of an instance.
type State int32

const (
	StateInactive State = iota
	StateStarting
	StateActive
	StateStopping
	StateDestroyed
)

var allStates = []State{
	StateInactive,
	StateStarting,
	StateActive,
	StateStopping,
	StateDestroyed,
}

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StateStopping:
		return "STOPPING"
	case StateDestroyed:
		return "DESTROYED"
	}
	return "UNKNOWN"
}

// Instance controls one configured instance.  At most one supervisor is
// alive at any time, including one that is still winding down after a
// stop.  Installing a supervisor is serialized by a short lock; removal is
// an atomic swap, so that Kill never waits for anything the supervisor may
// be doing.
//
// Instances go through the states illustrated below.  The state is derived
// from the installed supervisor, rather than stored, so it cannot disagree
// with what is actually running.
//
//                 +------------+
//                 |            |
//         +------->  Inactive  +-------+
//         |       |            |       |
//         |       +------------+       | Start
//         |                            |
//   +-----+------+               +-----V------+
//   |            |  Stop, Kill   |            <------+
//   |  Stopping  <---------------+  Starting  |      | child exited,
//   |            |               |            |      | relaunch
//   +-----A------+               +-----+------+      |
//         |                            | handshake   |
//         |                      +-----V------+      |
//         |      Stop, Kill      |            |      |
//         +----------------------+   Active   +------+
//                                |            |
//                                +------------+
//
// Destroy moves an instance from any state to Destroyed, from which there
// is no return.
type Instance struct {
	id      string
	spawner Spawner
	logger  *zap.Logger
	metrics *Metrics
	log     *Log
	output  *MultiWriter

	task      atomic.Pointer[supervisor]
	last      atomic.Pointer[supervisor]
	destroyed atomic.Bool
	mx        sync.Mutex // guards installation

	startCount   atomic.Int64
	initialStart atomic.Int64
	lastStart    atomic.Int64
	lastExit     atomic.Pointer[string]
	cfg          atomic.Pointer[InstanceConfig]
}

// InstanceStatus is a snapshot of an instance.
type InstanceStatus struct {
	ID               string    `json:"id" yaml:"id"`
	State            string    `json:"state" yaml:"state"`
	Pid              int       `json:"pid" yaml:"pid"`
	StartCount       int64     `json:"startCount" yaml:"startCount"`
	InitialStartTime time.Time `json:"initialStartTime,omitempty" yaml:"initialStartTime,omitempty"`
	LastStartTime    time.Time `json:"lastStartTime,omitempty" yaml:"lastStartTime,omitempty"`
	LastExit         string    `json:"lastExit,omitempty" yaml:"lastExit,omitempty"`
	Executable       string    `json:"executable,omitempty" yaml:"executable,omitempty"`
	Argv             []string  `json:"argv,omitempty" yaml:"argv,omitempty"`
	User             string    `json:"user,omitempty" yaml:"user,omitempty"`
	Group            string    `json:"group,omitempty" yaml:"group,omitempty"`
	LogPath          string    `json:"logPath,omitempty" yaml:"logPath,omitempty"`
}

// NewInstance creates the controller for id.  Output from its children is
// kept in an in memory Log, and also copied to console when that is not
// nil.
func NewInstance(id string, sp Spawner, logger *zap.Logger, m *Metrics, console io.Writer) *Instance {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sp == nil {
		sp = NewProcessSpawner()
	}
	i := &Instance{
		id:      id,
		spawner: sp,
		logger:  logger.With(zap.String("instance", id)),
		metrics: m,
		log:     NewLog(0),
	}
	i.output = NewMultiWriter(i.log)
	if console != nil {
		i.output.Add(console)
	}
	m.State(id, StateInactive)
	return i
}

func (i *Instance) ID() string {
	return i.id
}

// State derives the current lifecycle state.
func (i *Instance) State() State {
	if i.destroyed.Load() {
		return StateDestroyed
	}
	if t := i.task.Load(); t != nil && t.isActive() {
		if t.running.Load() {
			return StateActive
		}
		return StateStarting
	}
	if t := i.last.Load(); t != nil && !t.finished() {
		return StateStopping
	}
	return StateInactive
}

func (i *Instance) changed() {
	st := i.State()
	i.metrics.State(i.id, st)
	i.logger.Debug("state", zap.Stringer("state", st))
}

func (i *Instance) recordStart() {
	now := time.Now().UnixNano()
	i.initialStart.CompareAndSwap(0, now)
	i.lastStart.Store(now)
	i.startCount.Add(1)
	i.changed()
}

func (i *Instance) newSession(cfg *InstanceConfig, onActive func()) *Session {
	logger := i.logger.With(zap.Int64("attempt", i.startCount.Load()))
	s := NewSession(cfg, i.spawner, logger, i.metrics, i.output, onActive)
	return s
}

// taskDone runs as the supervisor loop ends.  The exit reason is recorded
// before the supervisor is marked finished.
func (i *Instance) taskDone(t *supervisor) {
	i.task.CompareAndSwap(t, nil)
	if s := t.session.Load(); s != nil && s.ExitStatus() >= 0 {
		reason := Classify(s.ExitStatus())
		i.lastExit.Store(&reason)
	}
	close(t.done)
	i.changed()
	i.logger.Info("supervisor finished")
}

// Start launches the instance with cfg.  It fails with ErrAlreadyRunning if
// a supervisor already owns the instance, or a stopped one has not yet
// finished winding down.
func (i *Instance) Start(cfg InstanceConfig) error {
	if i.destroyed.Load() {
		return ErrDestroyed
	}
	if sc, ok := i.spawner.(spawnChecker); ok {
		req := &SpawnRequest{ID: i.id, User: cfg.User, Group: cfg.Group, Prebound: cfg.PreboundPorts}
		if e := sc.Check(req); e != nil {
			return e
		}
	}
	t := newSupervisor(i, cfg)
	i.mx.Lock()
	if i.destroyed.Load() {
		i.mx.Unlock()
		return ErrDestroyed
	}
	// The previous supervisor is the only one that can still be alive.
	if l := i.last.Load(); l != nil && !l.finished() {
		i.mx.Unlock()
		return ErrAlreadyRunning
	}
	i.task.Store(t)
	i.last.Store(t)
	i.cfg.Store(&t.cfg)
	i.mx.Unlock()

	i.logger.Info("starting", zap.Strings("argv", cfg.Argv))
	t.start()
	i.changed()
	return nil
}

// Stop takes the supervisor out of the instance and asks it to stop,
// waiting up to the configured shutdown wait time.  Stopping an inactive
// instance does nothing.
func (i *Instance) Stop() error {
	t := i.task.Swap(nil)
	if t == nil {
		return nil
	}
	i.logger.Info("stopping")
	e := t.stop(t.cfg.ShutdownWaitTime)
	i.changed()
	if e != nil {
		i.logger.Warn("stop timed out", zap.Duration("wait", t.cfg.ShutdownWaitTime))
	}
	return e
}

// Kill takes the supervisor out of the instance and tears its child down.
// It also kills a previously stopped supervisor that is still winding
// down.  It never blocks.
func (i *Instance) Kill() {
	t := i.task.Swap(nil)
	if t != nil {
		i.logger.Info("killing")
		t.kill()
	}
	if l := i.last.Load(); l != nil && l != t && !l.finished() {
		l.kill()
	}
	i.changed()
}

// Destroy kills the instance permanently.
func (i *Instance) Destroy() {
	i.mx.Lock()
	was := i.destroyed.Swap(true)
	i.mx.Unlock()
	if was {
		return
	}
	i.Kill()
	i.changed()
}

// Wait blocks until the most recent supervisor has finished, or ctx is
// done.
func (i *Instance) Wait(ctx context.Context) error {
	t := i.last.Load()
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pid returns the pid of the running child, or 0.  The session's own
// record is used when there is one, otherwise the child is asked over its
// link.
func (i *Instance) Pid() int {
	t := i.last.Load()
	if t == nil || t.finished() {
		return 0
	}
	s := t.session.Load()
	if s == nil {
		return 0
	}
	select {
	case <-s.Exited():
		return 0
	default:
	}
	if pid := s.Pid(); pid > 0 {
		return pid
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if pid, e := s.QueryPid(ctx); e == nil {
		return pid
	}
	return 0
}

func unixTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Status returns a snapshot of the instance.
func (i *Instance) Status() InstanceStatus {
	st := InstanceStatus{
		ID:               i.id,
		State:            i.State().String(),
		Pid:              i.Pid(),
		StartCount:       i.startCount.Load(),
		InitialStartTime: unixTime(i.initialStart.Load()),
		LastStartTime:    unixTime(i.lastStart.Load()),
	}
	if r := i.lastExit.Load(); r != nil {
		st.LastExit = *r
	}
	if cfg := i.cfg.Load(); cfg != nil {
		st.Executable = cfg.Executable
		st.Argv = append([]string{}, cfg.Argv...)
		st.User = cfg.User
		st.Group = cfg.Group
		st.LogPath = cfg.LogPath
	}
	return st
}

// StartCount is the number of child launches so far.
func (i *Instance) StartCount() int64 {
	return i.startCount.Load()
}

// GetLog returns the retained child output newer than last.  With a
// positive wait, it first waits up to that long for such output to arrive.
func (i *Instance) GetLog(last int64, wait time.Duration) ([]LogRecord, int64) {
	if wait > 0 {
		i.log.Watch(last, wait)
	}
	return i.log.GetRecords(last)
}
