package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/cliproxymon/internal/config"
	"github.com/janekbaraniewski/cliproxymon/internal/coordinator"
	"github.com/janekbaraniewski/cliproxymon/internal/entity"
	"github.com/janekbaraniewski/cliproxymon/internal/management"
	"github.com/janekbaraniewski/cliproxymon/internal/usage"
)

// newProbeCommand polls one instance directly, without the daemon. Useful to
// check a base URL and key before adding them to the config.
func newProbeCommand(opts *rootOptions) *cobra.Command {
	var (
		baseURL    string
		keyEnv     string
		validate   bool
		timeout    time.Duration
		reqTimeout time.Duration
		diagnostic bool
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Poll an instance once without the daemon",
		RunE: func(c *cobra.Command, _ []string) error {
			inst, err := probeInstance(opts, baseURL, keyEnv)
			if err != nil {
				return err
			}
			inst.EnableLogDiagnostics = inst.EnableLogDiagnostics || diagnostic
			inst.EnableRequestErrorLogs = inst.EnableRequestErrorLogs || diagnostic

			ctx, cancel := commandContext(c, timeout)
			defer cancel()
			return runProbe(ctx, c.OutOrStdout(), opts, inst, probeOptions{validateOnly: validate, requestTimeout: reqTimeout})
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "proxy base URL (overrides the configured instance)")
	cmd.Flags().StringVar(&keyEnv, "key-env", "", "environment variable holding the management key")
	cmd.Flags().BoolVar(&validate, "validate", false, "only check that the management key is accepted")
	cmd.Flags().BoolVar(&diagnostic, "diagnostics", false, "also fetch logs and request error logs")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "overall timeout")
	cmd.Flags().DurationVar(&reqTimeout, "request-timeout", coordinator.DefaultRequestTimeout, "timeout per management API request")
	return cmd
}

func probeInstance(opts *rootOptions, baseURL, keyEnv string) (config.InstanceConfig, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return config.InstanceConfig{}, err
	}
	var inst config.InstanceConfig
	id := strings.TrimSpace(opts.instance)
	switch {
	case id != "":
		found, ok := cfg.Instance(id)
		if !ok {
			return config.InstanceConfig{}, fmt.Errorf("instance %q not in %s", id, opts.resolvedConfigPath())
		}
		inst = found
	case len(cfg.Instances) == 1 && baseURL == "":
		inst = cfg.Instances[0]
	default:
		inst = config.InstanceConfig{ID: config.DefaultInstanceID, BaseURL: management.DefaultBaseURL}
	}
	if s := strings.TrimSpace(baseURL); s != "" {
		inst.BaseURL = s
	}
	if s := strings.TrimSpace(keyEnv); s != "" {
		inst.ManagementKeyEnv = s
		inst.ManagementKey = ""
	}
	return inst, nil
}

type probeOptions struct {
	validateOnly   bool
	requestTimeout time.Duration
}

func runProbe(ctx context.Context, out io.Writer, opts *rootOptions, inst config.InstanceConfig, po probeOptions) error {
	if err := config.LoadDotEnv(filepath.Join(filepath.Dir(opts.resolvedConfigPath()), ".env"), ".env"); err != nil {
		return err
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}
	key, err := config.ResolveManagementKey(inst, creds)
	if err != nil {
		return err
	}
	api, err := management.New(inst.BaseURL, key, management.WithTimeout(po.requestTimeout))
	if err != nil {
		return err
	}

	if po.validateOnly {
		if err := api.Validate(ctx); err != nil {
			return fmt.Errorf("management key rejected by %s: %w", api.BaseURL(), err)
		}
		fmt.Fprintf(out, "%s: management key accepted (server %s)\n", api.BaseURL(), api.ServerVersion())
		return nil
	}

	coord, err := coordinator.New(api, coordinator.Options{
		Mode:           usage.Mode(inst.UsageMode),
		Diagnostics:    inst.Diagnostics(),
		RequestTimeout: po.requestTimeout,
		Logger:         log.WithField("instance", inst.ID),
	})
	if err != nil {
		return err
	}
	if _, err := coord.RefreshNow(ctx); err != nil {
		return fmt.Errorf("poll %s: %w", api.BaseURL(), err)
	}

	view := coord.View()
	if opts.jsonOutput {
		return printJSON(out, view)
	}
	fmt.Fprintf(out, "%s (%s) server=%s\n", inst.ID, api.BaseURL(), view.Snapshot.ServerVersion)
	fmt.Fprintln(out, renderEntities(entity.Render(inst.ID, view, nil)))
	return nil
}
