package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/cliproxymon/internal/daemon"
	"github.com/janekbaraniewski/cliproxymon/internal/tui"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live terminal view of every instance",
		RunE: func(c *cobra.Command, _ []string) error {
			return runWatch(c.Context(), opts.client(), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "how often to re-read the daemon")
	return cmd
}

func runWatch(parent context.Context, client *daemon.Client, interval time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	if interval < time.Second {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	healthCtx, healthCancel := context.WithTimeout(ctx, 3*time.Second)
	_, err := client.WaitForHealth(healthCtx)
	healthCancel()
	if err != nil {
		return fmt.Errorf("%w (start it with: cliproxymon daemon run)", err)
	}

	listCtx, listCancel := context.WithTimeout(ctx, daemonRequestTimeout)
	instances, err := client.Instances(listCtx)
	listCancel()
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}

	model := tui.NewModel(ids)
	var program *tea.Program

	fetch := func(id string) {
		reqCtx, reqCancel := context.WithTimeout(ctx, daemonRequestTimeout)
		defer reqCancel()
		resp, err := client.Entities(reqCtx, id)
		program.Send(tui.EntitiesMsg{Instance: id, Entities: resp.Entities, Err: err, At: time.Now()})
	}
	fetchAll := func() {
		for _, id := range ids {
			fetch(id)
		}
	}

	model.SetOnRefresh(func(id string) {
		go func() {
			reqCtx, reqCancel := context.WithTimeout(ctx, daemonRequestTimeout)
			_, err := client.Refresh(reqCtx, id)
			reqCancel()
			if err != nil {
				program.Send(tui.ActionResultMsg{Instance: id, Action: "refresh", Err: err})
			}
			fetch(id)
		}()
	})
	model.SetOnPress(func(id, button string) {
		go func() {
			reqCtx, reqCancel := context.WithTimeout(ctx, daemonRequestTimeout)
			_, err := client.Press(reqCtx, id, button)
			reqCancel()
			program.Send(tui.ActionResultMsg{Instance: id, Action: button, Err: err})
			fetch(id)
		}()
	})

	program = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		fetchAll()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fetchAll()
			}
		}
	}()

	_, err = program.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
