package main

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/cliproxymon/internal/daemon"
)

func newDaemonCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or manage the background poller",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(_ *cobra.Command, _ []string) error {
			return daemon.RunServer(daemon.Config{
				ConfigPath: opts.resolvedConfigPath(),
				SocketPath: strings.TrimSpace(opts.socketPath),
				Verbose:    opts.verbose,
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install the daemon as a launchd agent or systemd user service",
		RunE: func(c *cobra.Command, _ []string) error {
			manager, err := newDaemonServiceManager(opts.configPath, opts.socketPath)
			if err != nil {
				return err
			}
			if !manager.isSupported() {
				return fmt.Errorf("daemon service install is unsupported on %s", runtime.GOOS)
			}
			if err := manager.install(); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "daemon service installed (%s)\n", manager.kind)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the daemon service",
		RunE: func(c *cobra.Command, _ []string) error {
			manager, err := newDaemonServiceManager(opts.configPath, opts.socketPath)
			if err != nil {
				return err
			}
			if !manager.isSupported() {
				return fmt.Errorf("daemon service uninstall is unsupported on %s", runtime.GOOS)
			}
			if err := manager.uninstall(); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "daemon service uninstalled (%s)\n", manager.kind)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is installed and answering",
		RunE: func(c *cobra.Command, _ []string) error {
			socketPath := opts.resolvedSocketPath()
			manager, err := newDaemonServiceManager(opts.configPath, socketPath)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(c, 2*time.Second)
			defer cancel()
			health, healthErr := daemon.NewClient(socketPath).Health(ctx)

			out := c.OutOrStdout()
			fmt.Fprintf(out, "daemon kind=%s installed=%t running=%t socket=%s\n",
				manager.kind, manager.isInstalled(), healthErr == nil, socketPath)
			if healthErr != nil {
				fmt.Fprintf(out, "daemon health_error=%v\n", healthErr)
				if hint := manager.statusHint(); hint != "" {
					fmt.Fprintf(out, "hint: %s\n", hint)
				}
				return nil
			}
			fmt.Fprintf(out, "daemon version=%s api=%s instances=%d\n",
				strings.TrimSpace(health.DaemonVersion), strings.TrimSpace(health.APIVersion), health.Instances)
			return nil
		},
	})

	return cmd
}
