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
	"os"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
)

// execProcess is a Process backed by os/exec.
type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stdin  io.WriteCloser

	once   sync.Once
	done   chan struct{}
	status int
	err    error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Stdout() io.ReadCloser {
	return p.stdout
}

func (p *execProcess) Stdin() io.WriteCloser {
	return p.stdin
}

func (p *execProcess) Wait() (int, error) {
	p.once.Do(func() {
		e := p.cmd.Wait()
		if ps := p.cmd.ProcessState; ps != nil {
			p.status = rawStatus(ps)
		} else {
			p.status = -1
			p.err = errors.Wrap(e, "wait")
		}
		close(p.done)
	})
	<-p.done
	return p.status, p.err
}

func (p *execProcess) Destroy() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return killGroup(p.cmd.Process)
}

func newCommand(req *SpawnRequest) *exec.Cmd {
	cmd := exec.Command(req.Path, req.Args...)
	cmd.Env = req.Env
	cmd.Dir = req.Dir
	setProcessGroup(cmd)
	return cmd
}

// startProcess starts cmd with its stdout and stderr merged onto a single
// pipe, the way a terminal would see them.
func startProcess(req *SpawnRequest, cmd *exec.Cmd) (Process, error) {
	pr, pw, e := os.Pipe()
	if e != nil {
		return nil, &SpawnError{Path: req.Path, Err: e}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	stdin, e := cmd.StdinPipe()
	if e != nil {
		pr.Close()
		pw.Close()
		return nil, &SpawnError{Path: req.Path, Err: e}
	}
	if e := cmd.Start(); e != nil {
		pr.Close()
		pw.Close()
		stdin.Close()
		return nil, &SpawnError{Path: req.Path, Err: e}
	}
	// The child has its own copy now; ours would keep the pipe from
	// ever reaching EOF.
	pw.Close()
	return &execProcess{
		cmd:    cmd,
		stdout: pr,
		stdin:  stdin,
		done:   make(chan struct{}),
	}, nil
}
