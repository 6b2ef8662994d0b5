package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/cliproxymon/internal/appupdate"
	"github.com/janekbaraniewski/cliproxymon/internal/version"
)

type updateCheckFunc func(context.Context, appupdate.CheckOptions) (appupdate.Result, error)

func newVersionCommand() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(c *cobra.Command, _ []string) error {
			fmt.Fprintln(c.OutOrStdout(), "cliproxymon "+version.String())
			if !check {
				return nil
			}
			ctx, cancel := commandContext(c, 5*time.Second)
			defer cancel()
			return printUpdateCheck(ctx, c.OutOrStdout(), version.Version, appupdate.Check)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "look up the latest release")
	return cmd
}

func printUpdateCheck(ctx context.Context, out io.Writer, current string, check updateCheckFunc) error {
	result, err := check(ctx, appupdate.CheckOptions{
		CurrentVersion: strings.TrimSpace(current),
		Timeout:        3 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("update check: %w", err)
	}
	switch {
	case result.CurrentVersion == "":
		fmt.Fprintln(out, "development build; update check skipped")
	case result.UpdateAvailable:
		fmt.Fprintf(out, "update available: %s -> %s\n", result.CurrentVersion, result.LatestVersion)
		if result.UpgradeHint != "" {
			fmt.Fprintf(out, "upgrade with: %s\n", result.UpgradeHint)
		}
	default:
		fmt.Fprintf(out, "up to date (%s)\n", result.CurrentVersion)
	}
	return nil
}
