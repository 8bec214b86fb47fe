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
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DefaultAddress          = "127.0.0.1"
	DefaultPort             = 6600
	DefaultCheckInterval    = time.Minute
	DefaultShutdownDelay    = 500 * time.Millisecond
	DefaultShutdownWait     = time.Minute
	DefaultHandshakeTimeout = time.Minute
	DefaultRolloverSize     = 64
	DefaultMaxConnections   = 8
	DefaultRestartBackoff   = time.Second
	DefaultRestartMax       = 30 * time.Second
	DefaultBackoffReset     = time.Minute
)

// Config is the complete watchdog configuration: the manager's own settings
// and the definitions of every instance it supervises.
type Config struct {
	Watchdog  WatchdogConfig   `mapstructure:"watchdog"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Instances []InstanceConfig `mapstructure:"instances"`

	// Path is the file the configuration was read from.
	Path string `mapstructure:"-"`
}

type WatchdogConfig struct {
	Address        string        `mapstructure:"address"`
	Port           int           `mapstructure:"port"`
	Secret         string        `mapstructure:"secret"`
	RootDirectory  string        `mapstructure:"root-directory"`
	LogDirectory   string        `mapstructure:"log-directory"`
	CheckInterval  time.Duration `mapstructure:"check-interval"`
	ShutdownDelay  time.Duration `mapstructure:"shutdown-delay"`
	ManagerPath    string        `mapstructure:"manager-path"`
	MaxConnections int           `mapstructure:"max-connections"`
}

// ListenAddress is the host:port of the control channel.
func (w *WatchdogConfig) ListenAddress() string {
	return net.JoinHostPort(w.Address, strconv.Itoa(w.Port))
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Development bool   `mapstructure:"development"`
}

// InstanceConfig describes how to launch a single supervised instance.
// Once loaded it is treated as immutable; overrides produce copies.
type InstanceConfig struct {
	ID                string        `mapstructure:"id"`
	Executable        string        `mapstructure:"executable"`
	Argv              []string      `mapstructure:"argv"`
	Environment       []string      `mapstructure:"environment"`
	WorkingDirectory  string        `mapstructure:"working-directory"`
	RuntimePath       string        `mapstructure:"runtime-path"`
	User              string        `mapstructure:"user"`
	Group             string        `mapstructure:"group"`
	ListenAddress     string        `mapstructure:"listen-address"`
	Port              int           `mapstructure:"port"`
	LogPath           string        `mapstructure:"log-path"`
	LogRolloverSize   int           `mapstructure:"log-rollover-size"`
	ShutdownWaitTime  time.Duration `mapstructure:"shutdown-wait-time"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake-timeout"`
	PreboundPorts     []string      `mapstructure:"prebound-ports"`
	RestartBackoff    time.Duration `mapstructure:"restart-backoff"`
	RestartBackoffMax time.Duration `mapstructure:"restart-backoff-max"`
}

// Privileged reports whether launching this instance requires the
// privileged spawner.
func (ic *InstanceConfig) Privileged() bool {
	return ic.User != "" || ic.Group != "" || len(ic.PreboundPorts) != 0
}

// WithArgv returns a copy of the instance configuration with the extra
// arguments appended to the configured launch arguments.
func (ic InstanceConfig) WithArgv(argv []string) InstanceConfig {
	args := make([]string, 0, len(ic.Argv)+len(argv))
	args = append(args, ic.Argv...)
	args = append(args, argv...)
	ic.Argv = args
	ic.Environment = append([]string{}, ic.Environment...)
	ic.PreboundPorts = append([]string{}, ic.PreboundPorts...)
	return ic
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}

	v.SetDefault("watchdog.address", DefaultAddress)
	v.SetDefault("watchdog.port", DefaultPort)
	v.SetDefault("watchdog.secret", "")
	v.SetDefault("watchdog.root-directory", "")
	v.SetDefault("watchdog.log-directory", "log")
	v.SetDefault("watchdog.check-interval", DefaultCheckInterval)
	v.SetDefault("watchdog.shutdown-delay", DefaultShutdownDelay)
	v.SetDefault("watchdog.manager-path", "")
	v.SetDefault("watchdog.max-connections", DefaultMaxConnections)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.development", false)

	// WATCHDOG_WATCHDOG_SECRET overrides watchdog.secret, and so forth.
	v.SetEnvPrefix("WATCHDOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads and validates the configuration at path.  All failures
// are reported as a ConfigError.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, configErrorf("", "no configuration file given")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigError{Err: errors.Wrapf(err, "reading %s", path)}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &ConfigError{Err: errors.Wrapf(err, "decoding %s", path)}
	}
	cfg.Path = path
	cfg.applyDefaults()
	cfg.applyBackoffDefaults(v.Get("instances"))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	w := &c.Watchdog
	if w.Address == "" {
		w.Address = DefaultAddress
	}
	if w.LogDirectory == "" {
		w.LogDirectory = "log"
	}
	if w.RootDirectory != "" && !filepath.IsAbs(w.LogDirectory) {
		w.LogDirectory = filepath.Join(w.RootDirectory, w.LogDirectory)
	}
	if w.CheckInterval <= 0 {
		w.CheckInterval = DefaultCheckInterval
	}
	if w.ShutdownDelay <= 0 {
		w.ShutdownDelay = DefaultShutdownDelay
	}
	if w.MaxConnections <= 0 {
		w.MaxConnections = DefaultMaxConnections
	}
	for i := range c.Instances {
		ic := &c.Instances[i]
		if ic.ShutdownWaitTime == 0 {
			ic.ShutdownWaitTime = DefaultShutdownWait
		}
		if ic.HandshakeTimeout == 0 {
			ic.HandshakeTimeout = DefaultHandshakeTimeout
		}
		if ic.LogRolloverSize == 0 {
			ic.LogRolloverSize = DefaultRolloverSize
		}
		if ic.RestartBackoffMax == 0 {
			ic.RestartBackoffMax = DefaultRestartMax
		}
		if ic.LogPath == "" && ic.ID != "" {
			ic.LogPath = filepath.Join(w.LogDirectory, ic.ID+".log")
		}
		if ic.WorkingDirectory == "" {
			ic.WorkingDirectory = w.RootDirectory
		}
	}
}

// applyBackoffDefaults gives instances that do not mention restart-backoff
// the default delay.  An explicit zero keeps restarts undelayed.
func (c *Config) applyBackoffDefaults(raw interface{}) {
	list, _ := raw.([]interface{})
	for i := range c.Instances {
		explicit := false
		if i < len(list) {
			if m, ok := list[i].(map[string]interface{}); ok {
				_, explicit = m["restart-backoff"]
			}
		}
		if !explicit {
			c.Instances[i].RestartBackoff = DefaultRestartBackoff
		}
	}
}

// Validate checks the instance definitions for consistency.
func (c *Config) Validate() error {
	if c.Watchdog.Port < 0 || c.Watchdog.Port > 65535 {
		return configErrorf("", "bad watchdog port %d", c.Watchdog.Port)
	}
	seen := make(map[string]bool)
	for i := range c.Instances {
		ic := &c.Instances[i]
		if ic.ID == "" {
			return configErrorf("", "instance %d has no id", i)
		}
		if seen[ic.ID] {
			return configErrorf(ic.ID, "duplicate instance id")
		}
		seen[ic.ID] = true
		if ic.Executable == "" {
			return configErrorf(ic.ID, "missing executable")
		}
		if ic.ShutdownWaitTime < 0 || ic.HandshakeTimeout < 0 ||
			ic.RestartBackoff < 0 || ic.RestartBackoffMax < 0 {
			return configErrorf(ic.ID, "negative duration")
		}
		for _, env := range ic.Environment {
			if !strings.Contains(env, "=") {
				return configErrorf(ic.ID, "bad environment entry %q", env)
			}
		}
		for _, addr := range ic.PreboundPorts {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return configErrorf(ic.ID, "bad prebound address %q", addr)
			}
		}
	}
	return nil
}

// Instance looks up the definition for id.
func (c *Config) Instance(id string) (*InstanceConfig, error) {
	for i := range c.Instances {
		if c.Instances[i].ID == id {
			return &c.Instances[i], nil
		}
	}
	return nil, &ConfigError{Instance: id, Err: ErrUnknownInstance}
}

// IDs returns the configured instance ids in definition order.
func (c *Config) IDs() []string {
	ids := make([]string, 0, len(c.Instances))
	for _, ic := range c.Instances {
		ids = append(ids, ic.ID)
	}
	return ids
}

// ResolveInstance picks the target instance for a start or restart.  An
// explicit id wins; otherwise an --instance (or the older -server) option in
// argv names it, and is removed from the returned arguments.  With neither,
// a configuration holding exactly one instance selects that one.
func (c *Config) ResolveInstance(id string, argv []string) (string, []string, error) {
	rest := make([]string, 0, len(argv))
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		name := strings.TrimLeft(arg, "-")
		if arg == name {
			rest = append(rest, arg)
			continue
		}
		val := ""
		if j := strings.IndexByte(name, '='); j >= 0 {
			name, val = name[:j], name[j+1:]
		} else if (name == "instance" || name == "server") && i+1 < len(argv) {
			val = argv[i+1]
			i++
		}
		switch name {
		case "instance", "server":
			if id == "" {
				id = val
			}
		default:
			rest = append(rest, arg)
		}
	}
	if id == "" {
		if len(c.Instances) != 1 {
			return "", nil, &ConfigError{Err: ErrNoInstance}
		}
		id = c.Instances[0].ID
	}
	if _, err := c.Instance(id); err != nil {
		return "", nil, err
	}
	return id, rest, nil
}
