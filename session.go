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
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gdamore/watchdog/rpc"
)

// SessionState is the state of one spawn attempt.
type SessionState int32

const (
	SessionCreated SessionState = iota
	SessionRunning
	SessionExited
	SessionKilled
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "CREATED"
	case SessionRunning:
		return "RUNNING"
	case SessionExited:
		return "EXITED"
	case SessionKilled:
		return "KILLED"
	}
	return "UNKNOWN"
}

var (
	// handshakePoll is how often the handshake accept wakes up to look
	// for stop and kill requests.
	handshakePoll = 500 * time.Millisecond

	// killGrace bounds the wait for a destroyed child to be reaped.
	killGrace = 10 * time.Second

	// drainGrace is how long a child may keep running after closing its
	// output before we treat it as broken.
	drainGrace = 5 * time.Second
)

// Session owns a single child process from spawn to teardown.
type Session struct {
	cfg      *InstanceConfig
	spawner  Spawner
	logger   *zap.Logger
	metrics  *Metrics
	output   io.Writer
	onActive func()

	state      int32
	exitStatus int32
	pid        int32
	port       int32 // handshake port

	proc   Process
	link   *rpc.Link
	killed bool
	mx     sync.Mutex

	out     *MultiWriter
	file    *lumberjack.Logger
	logOnce sync.Once

	stopCh   chan struct{}
	stopOnce sync.Once
	killCh   chan struct{}
	killOnce sync.Once
	exited   chan struct{}
	drained  chan struct{}
}

// NewSession prepares a session.  Nothing happens until Run.  Child output
// is copied to output (as well as to the log file named in the
// configuration), and onActive is called once the handshake completes.
func NewSession(cfg *InstanceConfig, sp Spawner, logger *zap.Logger, m *Metrics, output io.Writer, onActive func()) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if output == nil {
		output = io.Discard
	}
	return &Session{
		cfg:        cfg,
		spawner:    sp,
		logger:     logger,
		metrics:    m,
		output:     output,
		onActive:   onActive,
		exitStatus: -1,
		stopCh:     make(chan struct{}),
		killCh:     make(chan struct{}),
		exited:     make(chan struct{}),
		drained:    make(chan struct{}),
	}
}

func (s *Session) lock() {
	s.mx.Lock()
}

func (s *Session) unlock() {
	s.mx.Unlock()
}

func (s *Session) State() SessionState {
	return SessionState(atomic.LoadInt32(&s.state))
}

// ExitStatus is the raw exit status, or -1 while the child lives.
func (s *Session) ExitStatus() int {
	return int(atomic.LoadInt32(&s.exitStatus))
}

// Pid is the pid of the child, or 0 if it has not been spawned.
func (s *Session) Pid() int {
	return int(atomic.LoadInt32(&s.pid))
}

// Link returns the IPC link, or nil before the handshake.
func (s *Session) Link() *rpc.Link {
	s.lock()
	defer s.unlock()
	return s.link
}

// QueryPid asks the child for its pid over the link.
func (s *Session) QueryPid(ctx context.Context) (int, error) {
	link := s.Link()
	if link == nil {
		return 0, rpc.ErrClosed
	}
	var pid int
	if e := link.Query(ctx, rpc.TypePid, nil, &pid); e != nil {
		return 0, e
	}
	return pid, nil
}

func (s *Session) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	case <-s.killCh:
		return true
	default:
		return false
	}
}

// Run spawns the child and blocks until it has exited and been cleaned
// up.  A nil return means the child ran and exited on its own accord (or
// at our request); a killed session returns nil as well.
func (s *Session) Run() error {
	if s.stopping() {
		return nil
	}
	ic := s.cfg
	l, e := net.Listen("tcp", "127.0.0.1:0")
	if e != nil {
		return &SpawnError{Path: ic.Executable, Err: errors.Wrap(e, "handshake listener")}
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port
	atomic.StoreInt32(&s.port, int32(port))

	args := append(append([]string{}, ic.Argv...), "--handshake-port", strconv.Itoa(port))
	req := &SpawnRequest{
		ID:       ic.ID,
		Path:     ic.Executable,
		Args:     args,
		Env:      instanceEnv(ic),
		Dir:      ic.WorkingDirectory,
		User:     ic.User,
		Group:    ic.Group,
		Prebound: ic.PreboundPorts,
	}
	s.logger.Debug("spawning", zap.String("path", req.Path), zap.Strings("args", req.Args))
	proc, e := s.spawner.Spawn(req)
	if e != nil {
		s.metrics.SpawnFailure(ic.ID)
		s.logger.Error("spawn failed", zap.Error(e))
		return e
	}

	s.openLog()
	s.lock()
	s.proc = proc
	killed := s.killed
	s.unlock()
	atomic.StoreInt32(&s.pid, int32(proc.Pid()))
	atomic.CompareAndSwapInt32(&s.state, int32(SessionCreated), int32(SessionRunning))
	s.metrics.Start(ic.ID)
	s.logger.Info("child started", zap.Int("pid", proc.Pid()), zap.Int("handshake-port", port))

	go s.wait(proc)
	go s.drain(proc)

	if killed {
		proc.Destroy()
	}

	conn, e := s.accept(l.(*net.TCPListener))
	// One connection per attempt; later dials are refused.
	l.Close()
	switch {
	case e == ErrHandshakeTimeout:
		s.metrics.HandshakeTimeout(ic.ID)
		s.logger.Warn("child never connected back; killing it",
			zap.Duration("timeout", ic.HandshakeTimeout))
		s.Kill()
		s.finish()
		return e
	case e != nil:
		s.logger.Warn("handshake failed", zap.Error(e))
		s.Kill()
	case conn != nil:
		s.establish(conn)
	}

	<-s.exited
	s.finish()
	return nil
}

// accept waits for the child to dial back.  It returns nil, nil if the
// child exited, or we were asked to stop, before that happened.
func (s *Session) accept(l *net.TCPListener) (net.Conn, error) {
	timeout := s.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		wake := time.Now().Add(handshakePoll)
		if wake.After(deadline) {
			wake = deadline
		}
		l.SetDeadline(wake)
		conn, e := l.Accept()
		if e == nil {
			return conn, nil
		}
		if ne, ok := e.(net.Error); !ok || !ne.Timeout() {
			return nil, errors.Wrap(e, "handshake accept")
		}
		select {
		case <-s.exited:
			return nil, nil
		case <-s.killCh:
			return nil, nil
		case <-s.stopCh:
			// Nothing to ask politely yet.
			s.Kill()
			return nil, nil
		default:
		}
		if !time.Now().Before(deadline) {
			return nil, ErrHandshakeTimeout
		}
	}
}

func (s *Session) establish(conn net.Conn) {
	link := rpc.New(conn)
	link.OnMessage(func(typ string, payload json.RawMessage) {
		switch typ {
		case rpc.TypeWarning:
			var msg string
			if json.Unmarshal(payload, &msg) != nil {
				msg = string(payload)
			}
			s.logger.Warn("child warning", zap.String("message", msg))
		default:
			s.logger.Debug("child message", zap.String("type", typ))
		}
	})
	link.HandleQuery(rpc.TypePid, func(json.RawMessage) (interface{}, error) {
		return s.Pid(), nil
	})

	s.lock()
	if s.killed {
		s.unlock()
		link.Close()
		return
	}
	s.link = link
	s.unlock()

	go func() {
		if e := link.Serve(); e != nil {
			s.logger.Debug("link closed", zap.Error(e))
		}
	}()

	s.logger.Info("child connected", zap.Int("pid", s.Pid()))
	if s.onActive != nil {
		s.onActive()
	}

	// A stop that raced the handshake gets delivered now.
	select {
	case <-s.stopCh:
		s.sendShutdown(link)
	default:
	}
}

func (s *Session) wait(proc Process) {
	status, e := proc.Wait()
	if e != nil {
		s.logger.Warn("wait failed", zap.Error(e))
	}
	atomic.StoreInt32(&s.exitStatus, int32(status))
	close(s.exited)
}

// drain copies child output, line by line, into the logs.  Reaching EOF
// while the child still runs means it can no longer report anything, so it
// is killed.
func (s *Session) drain(proc Process) {
	defer close(s.drained)
	r := bufio.NewReader(proc.Stdout())
	for {
		line, e := r.ReadString('\n')
		if len(line) != 0 {
			s.out.Write([]byte(line))
		}
		if e != nil {
			break
		}
	}
	proc.Stdout().Close()

	select {
	case <-s.exited:
	case <-time.After(drainGrace):
		s.logger.Warn("child closed its output but is still running; killing it")
		s.Kill()
	}
}

func (s *Session) openLog() {
	s.out = NewMultiWriter(s.output)
	if s.cfg.LogPath == "" {
		return
	}
	s.file = &lumberjack.Logger{
		Filename:   s.cfg.LogPath,
		MaxSize:    s.cfg.LogRolloverSize,
		MaxBackups: 5,
	}
	s.out.Add(s.file)
}

func (s *Session) closeLog() {
	s.logOnce.Do(func() {
		if s.file == nil {
			return
		}
		s.out.Remove(s.file)
		if e := s.file.Close(); e != nil {
			s.logger.Warn("closing log", zap.Error(e))
		}
	})
}

func (s *Session) closeLink() {
	s.lock()
	link := s.link
	s.unlock()
	if link != nil {
		link.Close()
	}
}

// finish runs once the child is gone.
func (s *Session) finish() {
	status := s.ExitStatus()
	reason := Classify(status)
	s.metrics.Exit(s.cfg.ID, reason)
	s.logger.Warn("child exited",
		zap.Int("pid", s.Pid()),
		zap.String("reason", reason),
		zap.Int("status", status))

	s.closeLink()
	if p := s.process(); p != nil {
		p.Stdin().Close()
	}
	select {
	case <-s.drained:
	case <-time.After(killGrace):
		s.logger.Warn("output did not drain")
	}
	s.closeLog()
	atomic.CompareAndSwapInt32(&s.state, int32(SessionRunning), int32(SessionExited))
}

func (s *Session) process() Process {
	s.lock()
	defer s.unlock()
	return s.proc
}

func (s *Session) sendShutdown(link *rpc.Link) {
	if e := link.Send(rpc.TypeShutdown, nil); e != nil {
		s.logger.Warn("cannot deliver shutdown; killing", zap.Error(e))
		go s.Kill()
	}
}

// Stop asks the child to shut down.  It does not wait.  A child that has
// not completed its handshake is killed instead.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if link := s.Link(); link != nil {
			s.sendShutdown(link)
		}
	})
}

// Kill tears the child down: it closes the link and the child's stdin,
// destroys the process, waits a bounded time for it to be reaped, and
// closes the log.  It is safe to call more than once, and from any
// goroutine.
func (s *Session) Kill() {
	s.killOnce.Do(func() {
		close(s.killCh)
		s.lock()
		s.killed = true
		proc := s.proc
		link := s.link
		s.unlock()

		atomic.StoreInt32(&s.state, int32(SessionKilled))
		if proc == nil {
			return
		}
		if link != nil {
			link.Close()
		}
		proc.Stdin().Close()
		if e := proc.Destroy(); e != nil {
			s.logger.Warn("destroy failed", zap.Error(e))
		}
		select {
		case <-s.exited:
		case <-time.After(killGrace):
			s.logger.Error("child did not die", zap.Int("pid", s.Pid()))
		}
		s.closeLog()
	})
}

// Exited is closed once the child has been reaped.
func (s *Session) Exited() <-chan struct{} {
	return s.exited
}
