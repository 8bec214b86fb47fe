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

//go:build unix

package watchdog

import (
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killGroup sends SIGKILL to the whole process group led by proc.
func killGroup(proc *os.Process) error {
	if proc == nil {
		return nil
	}
	e := unix.Kill(-proc.Pid, unix.SIGKILL)
	if e == unix.ESRCH {
		return nil
	}
	if e != nil {
		// Not a group leader after all; fall back to the process.
		if e2 := proc.Kill(); e2 != nil && e2 != os.ErrProcessDone {
			return errors.Wrap(e2, "kill")
		}
	}
	return nil
}

func rawStatus(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

// privilegedSpawner can change credentials and hand bound sockets to the
// child.  It only exists when we run as root.
type privilegedSpawner struct{}

func newPrivilegedSpawner() Spawner {
	if os.Geteuid() != 0 {
		return nil
	}
	return privilegedSpawner{}
}

func lookupCredential(req *SpawnRequest) (*syscall.Credential, error) {
	cred := &syscall.Credential{
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	}
	if req.User != "" {
		u, e := user.Lookup(req.User)
		if e != nil {
			return nil, &ConfigError{Instance: req.ID, Err: e}
		}
		uid, e := parseID(req.ID, "uid", u.Uid)
		if e != nil {
			return nil, e
		}
		gid, e := parseID(req.ID, "gid", u.Gid)
		if e != nil {
			return nil, e
		}
		cred.Uid = uid
		cred.Gid = gid
	}
	if req.Group != "" {
		g, e := user.LookupGroup(req.Group)
		if e != nil {
			return nil, &ConfigError{Instance: req.ID, Err: e}
		}
		gid, e := parseID(req.ID, "gid", g.Gid)
		if e != nil {
			return nil, e
		}
		cred.Gid = gid
	}
	return cred, nil
}

// parseID converts a numeric user or group id.  Anything unparseable is a
// configuration error; it must never fall back to zero.
func parseID(inst, what, s string) (uint32, error) {
	v, e := strconv.ParseUint(s, 10, 32)
	if e != nil {
		return 0, &ConfigError{Instance: inst, Err: errors.Wrapf(e, "bad %s %q", what, s)}
	}
	return uint32(v), nil
}

func (privilegedSpawner) Spawn(req *SpawnRequest) (Process, error) {
	cred, e := lookupCredential(req)
	if e != nil {
		return nil, e
	}

	var files []*os.File
	var args []string
	// Our copies are closed whatever happens; the child holds its own.
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	for _, addr := range req.Prebound {
		l, e := net.Listen("tcp", addr)
		if e != nil {
			return nil, &SpawnError{Path: req.Path, Err: e}
		}
		f, e := l.(*net.TCPListener).File()
		l.Close()
		if e != nil {
			return nil, &SpawnError{Path: req.Path, Err: e}
		}
		files = append(files, f)
		host, port, _ := net.SplitHostPort(addr)
		// ExtraFiles start at descriptor 3.
		fd := 2 + len(files)
		args = append(args, "--port", strconv.Itoa(fd), host, port)
	}

	r := *req
	r.Args = append(append([]string{}, req.Args...), args...)
	cmd := newCommand(&r)
	cmd.ExtraFiles = files
	cmd.SysProcAttr.Credential = cred
	return startProcess(&r, cmd)
}
