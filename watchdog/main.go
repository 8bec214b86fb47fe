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

// Command watchdog implements a client application that communicates with
// watchdogd.  It uses subcommands.
//
// The flags are
//
//	--conf <file>     - configuration file, default watchdog.yaml
//	--address <addr>  - manager address, overriding the configuration
//	--port <port>     - manager port, overriding the configuration
//
// Subcommands are
//
//	status [--format text|table|json|yaml]   - show manager status
//	start [--instance <id>] [-- args...]      - start an instance
//	stop --instance <id>                      - stop an instance
//	kill --instance <id>                      - kill an instance
//	restart [--instance <id>] [-- args...]    - restart an instance
//	shutdown                                  - shut the manager down
//	log --instance <id> [--since <n>] [-f]    - show retained output
//
// If no manager answers a start or restart, one is launched.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gdamore/watchdog"
	"github.com/gdamore/watchdog/rest"
	"github.com/gdamore/watchdog/watchdog/util"
)

var (
	confPath string
	address  string
	port     int
	instance string
	format   string
	since    int64
	follow   bool
)

// followWait is how many seconds each log request in follow mode may be
// held by the manager.
const followWait = 30

const settleTime = time.Second

func loadConfig(cmd *cobra.Command) (*watchdog.Config, error) {
	cfg, e := watchdog.LoadConfig(confPath)
	if e != nil {
		return nil, e
	}
	if f := cmd.Flags(); f.Changed("address") {
		cfg.Watchdog.Address = address
	}
	if f := cmd.Flags(); f.Changed("port") {
		cfg.Watchdog.Port = port
	}
	return cfg, nil
}

func newClient(cfg *watchdog.Config) (*rest.Client, error) {
	auth, e := rest.NewAuthenticator(cfg.Watchdog.Secret)
	if e != nil {
		return nil, e
	}
	base := "http://" + net.JoinHostPort(cfg.Watchdog.Address, strconv.Itoa(cfg.Watchdog.Port))
	return rest.NewClient(nil, base, auth), nil
}

func connect(cmd *cobra.Command) (*watchdog.Config, *rest.Client, error) {
	cfg, e := loadConfig(cmd)
	if e != nil {
		return nil, nil, e
	}
	c, e := newClient(cfg)
	if e != nil {
		return nil, nil, e
	}
	return cfg, c, nil
}

func report(res *rest.Response, e error) error {
	if res != nil && res.Message != "" {
		fmt.Println(res.Message)
	}
	return e
}

// bootstrap launches a manager that starts the instance itself.
func bootstrap(cfg *watchdog.Config, id string, argv []string) error {
	id, extra, e := cfg.ResolveInstance(id, argv)
	if e != nil {
		return e
	}
	path := cfg.Watchdog.ManagerPath
	if path == "" {
		path = watchdog.DefaultManagerPath()
	}
	args := []string{"--conf", cfg.Path, "--start", id}
	if len(extra) > 0 {
		args = append(args, "--")
		args = append(args, extra...)
	}
	b := &watchdog.Bootstrap{
		Path:   path,
		Args:   args,
		Dir:    cfg.Watchdog.RootDirectory,
		Settle: settleTime,
	}
	if ic, e := cfg.Instance(id); e == nil && ic.RuntimePath != "" {
		b.LibraryPath = ic.RuntimePath
	}
	pid, e := b.Launch()
	if e != nil {
		return e
	}
	fmt.Printf("launched watchdog (pid %d) to start instance '%s'\n", pid, id)
	return nil
}

func showTable(st *watchdog.Status) {
	now := time.Now()
	items := append([]watchdog.InstanceStatus{}, st.Instances...)
	util.SortInstances(items)
	for i := range items {
		s := &items[i]
		fmt.Printf("%-16s %-10s %7d %6d %10s %s\n", s.ID,
			util.Status(s), s.Pid, s.StartCount,
			util.FormatDuration(util.Uptime(s, now)), s.LastExit)
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	_, c, e := connect(cmd)
	if e != nil {
		return e
	}
	res, e := c.Status(cmd.Context())
	if e != nil {
		return report(res, e)
	}
	switch format {
	case "json":
		b, e := json.MarshalIndent(res.Status, "", "  ")
		if e != nil {
			return e
		}
		fmt.Println(string(b))
	case "yaml":
		b, e := yaml.Marshal(res.Status)
		if e != nil {
			return e
		}
		fmt.Print(string(b))
	case "table":
		showTable(res.Status)
	default:
		fmt.Println(res.Message)
	}
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, c, e := connect(cmd)
	if e != nil {
		return e
	}
	res, e := c.Start(cmd.Context(), instance, args)
	if rest.IsCommunicationError(e) {
		return bootstrap(cfg, instance, args)
	}
	return report(res, e)
}

func runRestart(cmd *cobra.Command, args []string) error {
	cfg, c, e := connect(cmd)
	if e != nil {
		return e
	}
	res, e := c.Restart(cmd.Context(), instance, args)
	if rest.IsCommunicationError(e) {
		return bootstrap(cfg, instance, args)
	}
	return report(res, e)
}

func runStop(cmd *cobra.Command, _ []string) error {
	_, c, e := connect(cmd)
	if e != nil {
		return e
	}
	return report(c.Stop(cmd.Context(), instance))
}

func runKill(cmd *cobra.Command, _ []string) error {
	_, c, e := connect(cmd)
	if e != nil {
		return e
	}
	return report(c.Kill(cmd.Context(), instance))
}

func runShutdown(cmd *cobra.Command, _ []string) error {
	_, c, e := connect(cmd)
	if e != nil {
		return e
	}
	return report(c.Shutdown(cmd.Context()))
}

func printLog(recs []watchdog.LogRecord) {
	for _, r := range recs {
		fmt.Printf("%s %s\n", r.Time.Format(time.RFC3339), r.Text)
	}
}

func runLog(cmd *cobra.Command, _ []string) error {
	_, c, e := connect(cmd)
	if e != nil {
		return e
	}
	if !follow {
		res, e := c.Log(cmd.Context(), instance, since)
		if e != nil {
			return report(res, e)
		}
		printLog(res.Log)
		return nil
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	return followLog(ctx, c, instance, since)
}

// followLog long-polls the manager for new output until ctx is done.
func followLog(ctx context.Context, c *rest.Client, id string, last int64) error {
	for {
		res, e := c.WatchLog(ctx, id, last, followWait)
		if ctx.Err() != nil {
			return nil
		}
		if e != nil {
			return report(res, e)
		}
		printLog(res.Log)
		if res.LogID != 0 {
			last = res.LogID
		}
	}
}

// exitCode maps an error to the documented exit status.
func exitCode(e error) int {
	var re *rest.Error
	switch {
	case e == nil:
		return 0
	case rest.IsCommunicationError(e):
		return 3
	case watchdog.IsConfigError(e):
		return 2
	case errors.As(e, &re) && re.Code == 400:
		return 2
	}
	return 1
}

func newCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "watchdog",
		Short:         "Control a watchdog manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&confPath, "conf", "c", "watchdog.yaml", "configuration file")
	pf.StringVar(&address, "address", watchdog.DefaultAddress, "manager address")
	pf.IntVar(&port, "port", watchdog.DefaultPort, "manager port")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show manager and instance status",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	status.Flags().StringVarP(&format, "format", "f", "text", "output format: text, table, json or yaml")

	start := &cobra.Command{
		Use:   "start [--instance <id>] [-- args...]",
		Short: "Start an instance",
		RunE:  runStart,
	}
	restart := &cobra.Command{
		Use:   "restart [--instance <id>] [-- args...]",
		Short: "Stop and start an instance",
		RunE:  runRestart,
	}
	stop := &cobra.Command{
		Use:   "stop --instance <id>",
		Short: "Stop an instance gracefully",
		Args:  cobra.NoArgs,
		RunE:  runStop,
	}
	kill := &cobra.Command{
		Use:   "kill --instance <id>",
		Short: "Kill an instance",
		Args:  cobra.NoArgs,
		RunE:  runKill,
	}
	logc := &cobra.Command{
		Use:   "log --instance <id>",
		Short: "Show retained instance output",
		Args:  cobra.NoArgs,
		RunE:  runLog,
	}
	logc.Flags().Int64Var(&since, "since", 0, "only records after this id")
	logc.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new output")
	shutdown := &cobra.Command{
		Use:   "shutdown",
		Short: "Shut the manager down",
		Args:  cobra.NoArgs,
		RunE:  runShutdown,
	}

	for _, c := range []*cobra.Command{start, restart} {
		c.Flags().StringVarP(&instance, "instance", "i", "", "instance id")
	}
	for _, c := range []*cobra.Command{stop, kill, logc} {
		c.Flags().StringVarP(&instance, "instance", "i", "", "instance id")
		c.MarkFlagRequired("instance")
	}
	root.AddCommand(status, start, restart, stop, kill, logc, shutdown)
	return root
}

func main() {
	cmd := newCommand()
	if e := cmd.ExecuteContext(context.Background()); e != nil {
		fmt.Fprintf(os.Stderr, "watchdog: %v\n", e)
		os.Exit(exitCode(e))
	}
}
