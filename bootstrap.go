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
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// AppendEnvPath prepends dirs to the path list variable name in env,
// creating it if needed.  The updated environment is returned.
func AppendEnvPath(env []string, name string, dirs ...string) []string {
	if len(dirs) == 0 {
		return env
	}
	prefix := name + "="
	val := strings.Join(dirs, string(os.PathListSeparator))
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			old := kv[len(prefix):]
			if old != "" {
				val += string(os.PathListSeparator) + old
			}
			env[i] = prefix + val
			return env
		}
	}
	return append(env, prefix+val)
}

// SetEnv replaces or adds one KEY=VALUE entry.
func SetEnv(env []string, kv string) []string {
	key := kv
	if i := strings.IndexByte(kv, '='); i >= 0 {
		key = kv[:i]
	}
	for i, x := range env {
		if strings.HasPrefix(x, key+"=") {
			env[i] = kv
			return env
		}
	}
	return append(env, kv)
}

// searchPathEnv adds the bin and lib directories of a runtime to the
// executable and shared library search paths.
func searchPathEnv(env []string, runtime string) []string {
	if runtime == "" {
		return env
	}
	env = AppendEnvPath(env, "PATH", filepath.Join(runtime, "bin"))
	lib := filepath.Join(runtime, "lib")
	env = AppendEnvPath(env, "LD_LIBRARY_PATH", lib)
	env = AppendEnvPath(env, "DYLD_LIBRARY_PATH", lib)
	return env
}

// instanceEnv builds the complete environment of a child: ours, then the
// runtime search paths, then the configured overrides, then the variables
// that tell the child who it is.
func instanceEnv(ic *InstanceConfig) []string {
	env := append([]string{}, os.Environ()...)
	env = searchPathEnv(env, ic.RuntimePath)
	for _, kv := range ic.Environment {
		env = SetEnv(env, kv)
	}
	env = SetEnv(env, "WATCHDOG_INSTANCE="+ic.ID)
	if ic.ListenAddress != "" {
		env = SetEnv(env, "WATCHDOG_LISTEN_ADDRESS="+ic.ListenAddress)
	}
	if ic.Port > 0 {
		env = SetEnv(env, "WATCHDOG_PORT="+strconv.Itoa(ic.Port))
	}
	return env
}

// Bootstrap launches a fresh manager process when none answers.  The
// manager's output goes to our console, and we do not wait for it.
type Bootstrap struct {
	Path string   // manager executable
	Args []string // arguments
	Dir  string
	// LibraryPath is added to the library search path of the manager.
	LibraryPath string
	Stdout      io.Writer
	Stderr      io.Writer
	// Settle is how long to give the manager before returning.
	Settle time.Duration
}

// Launch starts the manager and returns its pid.
func (b *Bootstrap) Launch() (int, error) {
	if b.Path == "" {
		return 0, &ConfigError{Err: errors.New("no manager executable")}
	}
	cmd := exec.Command(b.Path, b.Args...)
	cmd.Dir = b.Dir
	env := append([]string{}, os.Environ()...)
	if b.LibraryPath != "" {
		env = AppendEnvPath(env, "LD_LIBRARY_PATH", b.LibraryPath)
		env = AppendEnvPath(env, "DYLD_LIBRARY_PATH", b.LibraryPath)
	}
	cmd.Env = env
	cmd.Stdout = b.Stdout
	cmd.Stderr = b.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// The manager outlives us; it must not see our terminal's signals.
	setProcessGroup(cmd)

	stdin, e := cmd.StdinPipe()
	if e != nil {
		return 0, &SpawnError{Path: b.Path, Err: e}
	}
	if e := cmd.Start(); e != nil {
		return 0, &SpawnError{Path: b.Path, Err: e}
	}
	pid := cmd.Process.Pid
	go cmd.Wait()

	if b.Settle > 0 {
		time.Sleep(b.Settle)
	}
	stdin.Close()
	return pid, nil
}

// DefaultManagerPath guesses where the manager executable lives: next to
// the running program, or else on the PATH.
func DefaultManagerPath() string {
	const name = "watchdogd"
	if self, e := os.Executable(); e == nil {
		p := filepath.Join(filepath.Dir(self), name)
		if fi, e := os.Stat(p); e == nil && !fi.IsDir() {
			return p
		}
	}
	if p, e := exec.LookPath(name); e == nil {
		return p
	}
	return name
}
