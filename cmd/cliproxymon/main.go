package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/cliproxymon/internal/config"
	"github.com/janekbaraniewski/cliproxymon/internal/daemon"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	socketPath string
	instance   string
	verbose    bool
	jsonOutput bool
}

func (o *rootOptions) resolvedConfigPath() string {
	if p := strings.TrimSpace(o.configPath); p != "" {
		return p
	}
	return config.ConfigPath()
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	path := o.resolvedConfigPath()
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func (o *rootOptions) resolvedSocketPath() string {
	if p := strings.TrimSpace(o.socketPath); p != "" {
		return p
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return config.DefaultConfig().SocketPath
	}
	return cfg.SocketPath
}

func (o *rootOptions) client() *daemon.Client {
	return daemon.NewClient(o.resolvedSocketPath())
}

func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "cliproxymon",
		Short:         "cliproxymon monitors and controls CLIProxyAPI instances through their management API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			daemon.ConfigureLogging("", opts.verbose)
			if !opts.verbose && os.Getenv("CLIPROXYMON_DEBUG") == "" {
				log.SetLevel(log.WarnLevel)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to settings file (default "+config.ConfigPath()+")")
	flags.StringVar(&opts.socketPath, "socket-path", "", "daemon unix socket (default from config)")
	flags.StringVarP(&opts.instance, "instance", "i", "", "instance id (optional with a single instance)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logs")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print raw JSON")

	root.AddCommand(
		newDaemonCommand(opts),
		newStatusCommand(opts),
		newEntitiesCommand(opts),
		newSnapshotCommand(opts),
		newRefreshCommand(opts),
		newSetCommand(opts),
		newPressCommand(opts),
		newHistoryCommand(opts),
		newDiagnosticsCommand(opts),
		newWatchCommand(opts),
		newProbeCommand(opts),
		newInstanceCommand(opts),
		newVersionCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
