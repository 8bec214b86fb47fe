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
	"fmt"
	"io"
	"os"
	"os/user"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Manager is the long lived watchdog.  It holds one Instance per configured
// id, and carries out the commands that arrive over the control channel.
// The registry lock only guards the map itself; commands are carried out
// on the Instance after the lookup, without it.
type Manager struct {
	name      string
	cfg       *Config
	instances map[string]*Instance
	logger    *zap.Logger
	metrics   *Metrics
	spawner   Spawner
	console   io.Writer
	loader    func(path string) (*Config, error)
	mx        sync.Mutex

	createTime   time.Time
	done         chan struct{}
	shutdownOnce sync.Once
	scheduled    atomic.Bool
	exitCode     atomic.Int32
}

// Status is the aggregate answer to a status request.
type Status struct {
	Pid       int              `json:"pid" yaml:"pid"`
	Started   time.Time        `json:"started" yaml:"started"`
	Secret    bool             `json:"secret" yaml:"secret"`
	Instances []InstanceStatus `json:"instances" yaml:"instances"`
}

type Option func(*Manager)

// WithSpawner replaces the process spawner.
func WithSpawner(sp Spawner) Option {
	return func(m *Manager) { m.spawner = sp }
}

// WithMetrics records into m.
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithConsole copies all child output to w as well.
func WithConsole(w io.Writer) Option {
	return func(m *Manager) { m.console = w }
}

// WithLoader replaces the function used to re-read the configuration.
func WithLoader(fn func(path string) (*Config, error)) Option {
	return func(m *Manager) { m.loader = fn }
}

// NewManager creates a manager with one instance per configured id.
// Nothing is started.
func NewManager(cfg *Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		name:       "watchdog",
		cfg:        cfg,
		instances:  make(map[string]*Instance),
		logger:     logger,
		loader:     LoadConfig,
		createTime: time.Now(),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.spawner == nil {
		m.spawner = NewProcessSpawner()
	}
	for _, ic := range cfg.Instances {
		m.addInstance(ic.ID)
	}
	return m
}

func (m *Manager) lock() {
	m.mx.Lock()
}

func (m *Manager) unlock() {
	m.mx.Unlock()
}

func (m *Manager) Name() string {
	return m.name
}

func (m *Manager) Logger() *zap.Logger {
	return m.logger
}

func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Config returns the configuration currently in force.
func (m *Manager) Config() *Config {
	m.lock()
	defer m.unlock()
	return m.cfg
}

// addInstance registers id if needed.  Call without the lock held.
func (m *Manager) addInstance(id string) *Instance {
	m.lock()
	defer m.unlock()
	if inst, ok := m.instances[id]; ok {
		return inst
	}
	inst := NewInstance(id, m.spawner, m.logger.Named("instance"), m.metrics, m.console)
	m.instances[id] = inst
	return inst
}

// Instance looks up an instance by id.
func (m *Manager) Instance(id string) (*Instance, error) {
	m.lock()
	inst, ok := m.instances[id]
	m.unlock()
	if !ok {
		return nil, &ConfigError{Instance: id, Err: ErrUnknownInstance}
	}
	return inst, nil
}

// Instances returns all instances, sorted by id.
func (m *Manager) Instances() []*Instance {
	m.lock()
	rv := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		rv = append(rv, inst)
	}
	m.unlock()
	sort.Slice(rv, func(a, b int) bool { return rv[a].id < rv[b].id })
	return rv
}

func (m *Manager) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// reload re-reads the configuration from its file, so that a start picks
// up edits made since the manager was launched.  Without a file, the
// current configuration stays.
func (m *Manager) reload() (*Config, error) {
	m.lock()
	cur := m.cfg
	m.unlock()
	if cur.Path == "" {
		return cur, nil
	}
	cfg, e := m.loader(cur.Path)
	if e != nil {
		return nil, e
	}
	// The manager's own settings are fixed at startup.
	cfg.Watchdog = cur.Watchdog
	m.lock()
	m.cfg = cfg
	m.unlock()
	return cfg, nil
}

// StartInstance starts an instance.  The configuration is re-read, the
// target is resolved from id or argv, and argv is appended to the
// configured launch arguments.  It returns the id that was started.
func (m *Manager) StartInstance(id string, argv []string) (string, error) {
	if m.closed() {
		return id, ErrDestroyed
	}
	cfg, e := m.reload()
	if e != nil {
		return id, e
	}
	id, rest, e := cfg.ResolveInstance(id, argv)
	if e != nil {
		return id, e
	}
	ic, e := cfg.Instance(id)
	if e != nil {
		return id, e
	}
	inst := m.addInstance(id)
	m.logger.Info("start", zap.String("instance", id), zap.Strings("argv", rest))
	if e := inst.Start(ic.WithArgv(rest)); e != nil {
		if e == ErrAlreadyRunning {
			return id, fmt.Errorf("instance '%s' cannot be started because a running instance already exists: %w", id, e)
		}
		return id, e
	}
	return id, nil
}

// StopInstance stops an instance, waiting up to its shutdown wait time.
func (m *Manager) StopInstance(id string) error {
	inst, e := m.Instance(id)
	if e != nil {
		return e
	}
	m.logger.Info("stop", zap.String("instance", id))
	return inst.Stop()
}

// KillInstance kills an instance.  It does not wait for the child to die.
func (m *Manager) KillInstance(id string) error {
	inst, e := m.Instance(id)
	if e != nil {
		return e
	}
	m.logger.Info("kill", zap.String("instance", id))
	inst.Kill()
	return nil
}

// RestartInstance stops the instance, escalating to a kill if it does not
// stop in time, and then starts it again with argv.
func (m *Manager) RestartInstance(id string, argv []string) (string, error) {
	if m.closed() {
		return id, ErrDestroyed
	}
	cfg := m.Config()
	id, rest, e := cfg.ResolveInstance(id, argv)
	if e != nil {
		return id, e
	}
	if inst, e := m.Instance(id); e == nil {
		if e := inst.Stop(); e == ErrStopTimeout {
			m.logger.Warn("restart: stop timed out, killing", zap.String("instance", id))
			inst.Kill()
			ctx, cancel := context.WithTimeout(context.Background(), 2*killGrace)
			e = inst.Wait(ctx)
			cancel()
			if e != nil {
				m.logger.Error("restart: instance did not die", zap.String("instance", id))
			}
		}
	}
	return m.StartInstance(id, rest)
}

// Status collects the status of every instance.
func (m *Manager) Status() *Status {
	st := &Status{
		Pid:     os.Getpid(),
		Started: m.createTime,
		Secret:  m.Config().Watchdog.Secret != "",
	}
	for _, inst := range m.Instances() {
		st.Instances = append(st.Instances, inst.Status())
	}
	return st
}

// StatusText renders Status for people.
func (m *Manager) StatusText() string {
	st := m.Status()
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "\nwatchdog:\n")
	fmt.Fprintf(sb, "  watchdog-pid: %d", st.Pid)

	who := ""
	if u, e := user.Current(); e == nil {
		who = u.Username
	}
	for _, is := range st.Instances {
		fmt.Fprintf(sb, "\n\n")
		fmt.Fprintf(sb, "server '%s' : %s\n", is.ID, is.State)
		if st.Secret {
			fmt.Fprintf(sb, "  password: ok\n")
		} else {
			fmt.Fprintf(sb, "  password: missing\n")
		}
		u := who
		if is.User != "" {
			u = is.User
		}
		fmt.Fprintf(sb, "  user: %s", u)
		if is.Group != "" {
			fmt.Fprintf(sb, "(%s)", is.Group)
		}
		fmt.Fprintf(sb, "\n")
		if is.StartCount > 0 {
			fmt.Fprintf(sb, "  starts: %d\n", is.StartCount)
		}
		if is.LastExit != "" {
			fmt.Fprintf(sb, "  last-exit: %s\n", is.LastExit)
		}
		if is.Pid > 0 {
			fmt.Fprintf(sb, "  pid: %d", is.Pid)
		}
	}
	return sb.String()
}

// GetLog returns retained child output for an instance newer than last.
// A positive wait makes it a long poll: it returns as soon as there is
// anything new, or once wait has passed.
func (m *Manager) GetLog(id string, last int64, wait time.Duration) ([]LogRecord, int64, error) {
	inst, e := m.Instance(id)
	if e != nil {
		return nil, 0, e
	}
	recs, next := inst.GetLog(last, wait)
	return recs, next, nil
}

// ScheduleShutdown shuts the manager down after delay, giving the reply to
// the requester time to be delivered.
func (m *Manager) ScheduleShutdown(delay time.Duration) {
	if !m.scheduled.CompareAndSwap(false, true) {
		return
	}
	m.logger.Info("shutdown scheduled", zap.Duration("delay", delay))
	time.AfterFunc(delay, m.Shutdown)
}

// Shutdown destroys every instance, waits a bounded time for their
// supervisors to finish, and closes Done.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		insts := m.Instances()
		for _, inst := range insts {
			inst.Destroy()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*killGrace)
		defer cancel()
		for _, inst := range insts {
			if e := inst.Wait(ctx); e != nil {
				m.logger.Error("instance did not finish", zap.String("instance", inst.ID()))
			}
		}
		m.logger.Info("watchdog shut down")
		close(m.done)
	})
}

// Fail shuts down with a non-zero exit code.
func (m *Manager) Fail(code int) {
	m.exitCode.CompareAndSwap(0, int32(code))
	m.Shutdown()
}

// Done is closed once the manager has shut down.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// ExitCode is what the manager process should exit with.
func (m *Manager) ExitCode() int {
	return int(m.exitCode.Load())
}
