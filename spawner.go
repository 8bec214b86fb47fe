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
)

// Process is a running child, as handed back by a Spawner.
type Process interface {
	// Pid returns the operating system process id.
	Pid() int

	// Stdout is the merged standard output and standard error of the
	// child.  It reaches EOF once the child (and anything that inherited
	// its output) has exited.
	Stdout() io.ReadCloser

	// Stdin is the child's standard input.
	Stdin() io.WriteCloser

	// Wait blocks until the process exits, and returns the raw exit
	// status: the exit code, or 128 plus the signal number if the process
	// was killed by a signal.  It may be called more than once.  The error
	// is only non-nil if the status could not be collected at all.
	Wait() (int, error)

	// Destroy forcibly kills the process, and everything in its process
	// group.  It does not wait.
	Destroy() error
}

// SpawnRequest is everything needed to create one child process.
type SpawnRequest struct {
	ID   string   // instance id, for error reporting
	Path string   // executable
	Args []string // arguments, not including the executable itself
	Env  []string // complete environment, as KEY=VALUE
	Dir  string   // working directory, or empty for ours

	// User and Group, when set, are the credentials the child runs as.
	User  string
	Group string

	// Prebound lists host:port addresses that are bound before the child
	// is created, and handed to it as inherited descriptors.
	Prebound []string
}

func (r *SpawnRequest) privileged() bool {
	return r.User != "" || r.Group != "" || len(r.Prebound) != 0
}

// Spawner creates OS processes.
type Spawner interface {
	Spawn(req *SpawnRequest) (Process, error)
}

// spawnChecker is implemented by spawners that can tell up front whether a
// request is impossible.
type spawnChecker interface {
	Check(req *SpawnRequest) error
}

// ProcessSpawner chooses between an unprivileged spawner and an optional
// privileged helper.  Requests that need to change credentials, or hand
// down prebound sockets, go to the privileged helper; when it is absent
// they fail with a ConfigError.
type ProcessSpawner struct {
	Plain      Spawner
	Privileged Spawner
}

// Check reports, without spawning anything, whether req could be served.
func (s *ProcessSpawner) Check(req *SpawnRequest) error {
	if req.privileged() && s.Privileged == nil {
		return &ConfigError{Instance: req.ID, Err: ErrPrivilegedUnavailable}
	}
	return nil
}

func (s *ProcessSpawner) Spawn(req *SpawnRequest) (Process, error) {
	if e := s.Check(req); e != nil {
		return nil, e
	}
	if req.privileged() {
		return s.Privileged.Spawn(req)
	}
	if s.Plain == nil {
		return PlainSpawner{}.Spawn(req)
	}
	return s.Plain.Spawn(req)
}

// NewProcessSpawner returns the default spawner for this host.  The
// privileged helper is only present when we are able to change credentials.
func NewProcessSpawner() *ProcessSpawner {
	return &ProcessSpawner{
		Plain:      PlainSpawner{},
		Privileged: newPrivilegedSpawner(),
	}
}

// PlainSpawner runs processes as ourself.  It refuses privileged requests.
type PlainSpawner struct{}

func (PlainSpawner) Check(req *SpawnRequest) error {
	if req.privileged() {
		return &ConfigError{Instance: req.ID, Err: ErrPrivilegedUnavailable}
	}
	return nil
}

func (p PlainSpawner) Spawn(req *SpawnRequest) (Process, error) {
	if e := p.Check(req); e != nil {
		return nil, e
	}
	cmd := newCommand(req)
	return startProcess(req, cmd)
}
