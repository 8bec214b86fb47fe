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

// Command watchdogd is the watchdog manager.  It supervises the instances
// named in its configuration, and answers the control channel on the
// configured address.
//
//	watchdogd --conf watchdog.yaml [--start <id>] [--console] [-- args...]
//
// Arguments after -- are passed to the instances started with --start.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/lumberjack"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/net/netutil"

	"github.com/gdamore/watchdog"
	"github.com/gdamore/watchdog/rest"
)

var (
	confPath string
	logDir   string
	port     int
	startIDs []string
	console  bool
)

var ErrLockedElsewhere = errors.New("another watchdog holds the lock")

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// newLogger writes JSON records to a rotating file, and in console mode
// readable ones to stderr as well.
func newLogger(cfg *watchdog.Config, path string) *zap.Logger {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Logging.Level))
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    watchdog.DefaultRolloverSize,
		MaxBackups: 5,
		MaxAge:     28,
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Logging.Format == "console" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(file), level)
	if console {
		cons := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
		core = zapcore.NewTee(core, cons)
	}
	opts := []zap.Option{}
	if cfg.Logging.Development {
		opts = append(opts, zap.Development(), zap.AddCaller())
	}
	return zap.New(core, opts...)
}

func lock(dir string, port int) (*flock.Flock, error) {
	l := flock.New(filepath.Join(dir, fmt.Sprintf("watchdog-%d.lock", port)))
	locked, e := l.TryLock()
	if e != nil {
		return nil, errors.Wrap(e, "failed to acquire lock")
	}
	if !locked {
		return nil, ErrLockedElsewhere
	}
	return l, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, e := watchdog.LoadConfig(confPath)
	if e != nil {
		return e
	}
	if cmd.Flags().Changed("log-directory") {
		cfg.Watchdog.LogDirectory = logDir
	}
	if cmd.Flags().Changed("watchdog-port") {
		cfg.Watchdog.Port = port
	}
	auth, e := rest.NewAuthenticator(cfg.Watchdog.Secret)
	if e != nil {
		return e
	}
	dir := cfg.Watchdog.LogDirectory
	if e := os.MkdirAll(dir, 0755); e != nil {
		return &watchdog.ConfigError{Err: errors.Wrap(e, "log directory")}
	}

	fl, e := lock(dir, cfg.Watchdog.Port)
	if e != nil {
		return e
	}
	defer fl.Unlock()

	logger := newLogger(cfg, filepath.Join(dir, "watchdog-manager.log"))
	defer logger.Sync()
	logger.Info("watchdog starting",
		zap.Int("pid", os.Getpid()),
		zap.String("conf", cfg.Path),
		zap.String("address", cfg.Watchdog.ListenAddress()),
		zap.Strings("instances", cfg.IDs()))
	logger.Debug("arguments", zap.Strings("argv", os.Args))

	opts := []watchdog.Option{watchdog.WithMetrics(watchdog.NewMetrics())}
	if console {
		opts = append(opts, watchdog.WithConsole(os.Stderr))
	}
	m := watchdog.NewManager(cfg, logger, opts...)

	ln, e := net.Listen("tcp", cfg.Watchdog.ListenAddress())
	if e != nil {
		return errors.Wrap(e, "control listener")
	}
	ln = netutil.LimitListener(ln, cfg.Watchdog.MaxConnections)
	srv := &http.Server{
		Handler:           rest.NewHandler(m, auth),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if e := srv.Serve(ln); e != nil && e != http.ErrServerClosed {
			logger.Error("control channel failed", zap.Error(e))
			m.Fail(1)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()
	go m.Run(ctx)

	for _, id := range startIDs {
		if _, e := m.StartInstance(id, args); e != nil {
			logger.Error("initial start failed", zap.String("instance", id), zap.Error(e))
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("signalled; shutting down")
		m.Shutdown()
	case <-m.Done():
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	srv.Shutdown(sctx)

	if code := m.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func exitCode(e error) int {
	var ee *exitError
	switch {
	case e == nil:
		return 0
	case errors.As(e, &ee):
		return ee.code
	case watchdog.IsConfigError(e):
		return 2
	}
	return 1
}

func main() {
	cmd := &cobra.Command{
		Use:           "watchdogd [flags] [-- args...]",
		Short:         "Supervise configured instances",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	f := cmd.Flags()
	f.StringVarP(&confPath, "conf", "c", "watchdog.yaml", "configuration file")
	f.StringVar(&logDir, "log-directory", "", "directory for logs and the lock file")
	f.IntVar(&port, "watchdog-port", watchdog.DefaultPort, "control channel port")
	f.StringArrayVar(&startIDs, "start", nil, "instance to start immediately (repeatable)")
	f.BoolVar(&console, "console", false, "also log to the console")

	if e := cmd.Execute(); e != nil {
		var ee *exitError
		if !errors.As(e, &ee) {
			fmt.Fprintf(os.Stderr, "watchdogd: %v\n", e)
		}
		os.Exit(exitCode(e))
	}
}
