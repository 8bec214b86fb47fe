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
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnknownInstance       = errors.New("Unknown instance")
	ErrNoInstance            = errors.New("No instance selected")
	ErrAlreadyRunning        = errors.New("Instance is already running")
	ErrHandshakeTimeout      = errors.New("Timed out waiting for child handshake")
	ErrPrivilegedUnavailable = errors.New("Privileged spawn is not available")
	ErrStopTimeout           = errors.New("Timed out waiting for instance to stop")
	ErrDestroyed             = errors.New("Watchdog has been shut down")
	ErrAuthentication        = errors.New("Authentication failed")
)

// ConfigError reports a problem with an instance definition or with the
// configuration source itself.  These are surfaced to the caller and never
// retried.
type ConfigError struct {
	Instance string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Instance == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error for '%s': %v", e.Instance, e.Err)
}

func (e *ConfigError) Cause() error { return e.Err }
func (e *ConfigError) Unwrap() error { return e.Err }

// SpawnError is an OS level failure to create the child process.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Cause() error { return e.Err }
func (e *SpawnError) Unwrap() error { return e.Err }

func configErrorf(id string, format string, v ...interface{}) error {
	return &ConfigError{Instance: id, Err: errors.Errorf(format, v...)}
}

// IsConfigError reports whether any error in the chain is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsSpawnError reports whether any error in the chain is a SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}
