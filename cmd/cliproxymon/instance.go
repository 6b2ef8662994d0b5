package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/cliproxymon/internal/config"
	"github.com/janekbaraniewski/cliproxymon/internal/core"
	"github.com/janekbaraniewski/cliproxymon/internal/management"
)

func newInstanceCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage configured proxy instances and their management keys",
	}
	cmd.AddCommand(newInstanceAddCommand(opts), newInstanceListCommand(opts), newKeyCommand())
	return cmd
}

func newInstanceAddCommand(opts *rootOptions) *cobra.Command {
	var inst config.InstanceConfig
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or replace an instance in the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			inst.ID = strings.TrimSpace(args[0])
			normalized, err := management.NormalizeBaseURL(inst.BaseURL)
			if err != nil {
				return err
			}
			inst.BaseURL = normalized
			if err := core.CheckPollInterval(inst.PollInterval()); err != nil {
				return err
			}
			path := opts.resolvedConfigPath()
			if err := config.SaveInstanceTo(path, inst); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "instance %s saved to %s\n", inst.ID, path)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&inst.BaseURL, "base-url", management.DefaultBaseURL, "proxy base URL")
	f.StringVar(&inst.ManagementKeyEnv, "key-env", "", "environment variable holding the management key")
	f.IntVar(&inst.PollIntervalSeconds, "interval", config.DefaultPollIntervalSeconds, "poll interval in seconds (5-300)")
	f.BoolVar(&inst.EnableLogDiagnostics, "log-diagnostics", false, "fetch server logs when logging to file is on")
	f.BoolVar(&inst.EnableRequestErrorLogs, "request-error-logs", false, "list request error log files")
	f.StringVar(&inst.UsageMode, "usage-mode", "", "cumulative (default) or incremental")
	f.IntVar(&inst.FailureThreshold, "failure-threshold", config.DefaultFailureThreshold, "consecutive failures before entities go stale")
	return cmd
}

func newInstanceListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured instances",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			creds, err := config.LoadCredentials()
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			for _, inst := range cfg.Instances {
				_, keyErr := config.ResolveManagementKey(inst, creds)
				fmt.Fprintf(out, "%s\t%s\tinterval=%ds\tkey=%t\n", inst.ID, inst.BaseURL, inst.PollIntervalSeconds, keyErr == nil)
			}
			return nil
		},
	}
}

func newKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Store or remove a management key in the credentials file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <id>",
		Short: "Read a management key from stdin and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			key, err := readKey(c.InOrStdin())
			if err != nil {
				return err
			}
			if err := config.SaveCredentialTo(config.CredentialsPath(), strings.TrimSpace(args[0]), key); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "management key stored for %s\n", strings.TrimSpace(args[0]))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a stored management key",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if err := config.DeleteCredentialFrom(config.CredentialsPath(), strings.TrimSpace(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "management key removed for %s\n", strings.TrimSpace(args[0]))
			return nil
		},
	})
	return cmd
}

func readKey(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read management key: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", fmt.Errorf("management key is empty")
	}
	return key, nil
}
