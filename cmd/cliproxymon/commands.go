package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/cliproxymon/internal/daemon"
	"github.com/janekbaraniewski/cliproxymon/internal/entity"
	"github.com/janekbaraniewski/cliproxymon/internal/history"
	"github.com/janekbaraniewski/cliproxymon/internal/tui"
)

const daemonRequestTimeout = 30 * time.Second

var tableBorderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#585B70"))

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(tableBorderStyle).
		Headers(headers...)
}

func renderInstances(instances []daemon.InstanceStatus) string {
	rows := lo.Map(instances, func(inst daemon.InstanceStatus, _ int) []string {
		state := "ok"
		switch {
		case !inst.Available:
			state = "waiting"
		case inst.Stale:
			state = "stale"
		case inst.ConsecutiveFailures > 0:
			state = "retrying"
		}
		last := "-"
		if !inst.LastSuccess.IsZero() {
			last = inst.LastSuccess.Local().Format(time.DateTime)
		}
		return []string{inst.ID, inst.BaseURL, inst.PollInterval, state, strconv.Itoa(inst.ConsecutiveFailures), last, inst.LastError}
	})
	return newTable("INSTANCE", "BASE URL", "INTERVAL", "STATE", "FAILURES", "LAST SUCCESS", "LAST ERROR").Rows(rows...).String()
}

func renderEntities(states []entity.State) string {
	rows := lo.Map(states, func(st entity.State, _ int) []string {
		value := "unavailable"
		if st.Available {
			value = tui.FormatState(st.State)
			if st.Unit != "" {
				value += " " + st.Unit
			}
		}
		return []string{string(st.Kind), st.UniqueID, value}
	})
	return newTable("KIND", "ENTITY", "STATE").Rows(rows...).String()
}

func renderHistory(samples []history.Sample) string {
	rows := lo.Map(samples, func(s history.Sample, _ int) []string {
		return []string{
			s.CapturedAt.Local().Format(time.DateTime),
			strconv.FormatInt(s.Requests, 10),
			strconv.FormatInt(s.Success, 10),
			strconv.FormatInt(s.Failed, 10),
			strconv.FormatInt(s.Tokens, 10),
		}
	})
	return newTable("CAPTURED", "REQUESTS", "SUCCESS", "FAILED", "TOKENS").Rows(rows...).String()
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every instance the daemon polls",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(c, daemonRequestTimeout)
			defer cancel()
			instances, err := opts.client().Instances(ctx)
			if err != nil {
				return fmt.Errorf("query daemon: %w", err)
			}
			if opts.jsonOutput {
				return printJSON(c.OutOrStdout(), instances)
			}
			if len(instances) == 0 {
				fmt.Fprintln(c.OutOrStdout(), "no instances configured")
				return nil
			}
			fmt.Fprintln(c.OutOrStdout(), renderInstances(instances))
			return nil
		},
	}
}

func newEntitiesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List the sensors, switches, numbers and buttons of an instance",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(c, daemonRequestTimeout)
			defer cancel()
			resp, err := opts.client().Entities(ctx, opts.instance)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(c.OutOrStdout(), resp)
			}
			fmt.Fprintln(c.OutOrStdout(), renderEntities(resp.Entities))
			return nil
		},
	}
}

// newSnapshotCommand prints the last published snapshot as JSON; it does
// not trigger a poll.
func newSnapshotCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the last published snapshot of an instance",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(c, daemonRequestTimeout)
			defer cancel()
			resp, err := opts.client().Snapshot(ctx, opts.instance)
			if err != nil {
				return err
			}
			return printJSON(c.OutOrStdout(), resp)
		},
	}
}

func newRefreshCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Poll an instance now",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(c, daemonRequestTimeout)
			defer cancel()
			resp, err := opts.client().Refresh(ctx, opts.instance)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(c.OutOrStdout(), resp)
			}
			snap := resp.View.Snapshot
			fmt.Fprintf(c.OutOrStdout(), "%s: requests=%d failed=%d tokens=%d keys=%d\n",
				resp.Instance, snap.Usage.TotalRequests, snap.Usage.FailedRequests, snap.Usage.TotalTokens, snap.TrackedKeys)
			return nil
		},
	}
}

func newSetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <setting> <value>",
		Short: "Change one runtime setting (debug, request-retry, ws-auth, ...)",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ctx, cancel := commandContext(c, daemonRequestTimeout)
			defer cancel()
			resp, err := opts.client().SetSetting(ctx, opts.instance, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "%s: %s = %s\n", resp.Instance, strings.TrimSpace(args[0]), strings.TrimSpace(args[1]))
			return nil
		},
	}
}

func newPressCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "press <refresh|clear_logs>",
		Short:     "Press a button entity",
		Args:      cobra.ExactArgs(1),
		ValidArgs: lo.Map(entity.Buttons, func(b entity.ButtonDescription, _ int) string { return b.Key }),
		RunE: func(c *cobra.Command, args []string) error {
			ctx, cancel := commandContext(c, daemonRequestTimeout)
			defer cancel()
			resp, err := opts.client().Press(ctx, opts.instance, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "%s: %s %s\n", resp.Instance, resp.Action, resp.Status)
			return nil
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <auth-index>",
		Short: "Show recorded per-key usage samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			authIndex, err := strconv.Atoi(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("auth index %q is not an integer", args[0])
			}
			ctx, cancel := commandContext(c, daemonRequestTimeout)
			defer cancel()
			resp, err := opts.client().History(ctx, opts.instance, authIndex, limit)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(c.OutOrStdout(), resp)
			}
			if len(resp.Samples) == 0 {
				fmt.Fprintf(c.OutOrStdout(), "%s: no samples for key %d\n", resp.Instance, authIndex)
				return nil
			}
			fmt.Fprintln(c.OutOrStdout(), renderHistory(resp.Samples))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of samples")
	return cmd
}

func newDiagnosticsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Dump redacted instance config and state",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(c, daemonRequestTimeout)
			defer cancel()
			out, err := opts.client().Diagnostics(ctx, opts.instance)
			if err != nil {
				return err
			}
			return printJSON(c.OutOrStdout(), out)
		},
	}
}
