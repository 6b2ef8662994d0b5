package coordinator

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/janekbaraniewski/cliproxymon/internal/core"
	"github.com/janekbaraniewski/cliproxymon/internal/usage"
)

// cycle is one poll. It runs on a context detached from any caller so
// that cancelling a waiter or stopping the loop never aborts it halfway;
// every request is bounded by RequestTimeout instead.
func (c *Coordinator) cycle() (core.Snapshot, error) {
	started := c.opts.Now()

	c.mu.Lock()
	c.status = core.StatusPolling
	c.lastAttempt = started
	prevKeys := c.keys
	prevLogs := c.logs
	prevLatest := c.snapshot.LatestVersion
	c.mu.Unlock()

	ctx := context.Background()

	var raw []byte
	if err := c.call(ctx, func(ctx context.Context) (err error) {
		raw, err = c.api.Usage(ctx)
		return err
	}); err != nil {
		return core.Snapshot{}, c.fail(err)
	}
	payload, err := usage.Decode(raw)
	if err != nil {
		return core.Snapshot{}, c.fail(err)
	}
	keys, summary := usage.Aggregate(payload, prevKeys, c.opts.Mode)
	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()
	if summary.Skipped > 0 {
		c.log.WithFields(log.Fields{
			"event":   "usage_details_skipped",
			"skipped": summary.Skipped,
			"sample":  summary.Diagnostics,
		}).Debug("skipped malformed usage details")
	}

	runtime := core.RuntimeState{Toggles: map[core.Setting]bool{}, Numbers: map[core.Setting]int{}}
	for _, s := range core.AllSettings() {
		var v core.SettingValue
		if err := c.call(ctx, func(ctx context.Context) (err error) {
			v, err = c.api.Setting(ctx, s)
			return err
		}); err != nil {
			return core.Snapshot{}, c.fail(err)
		}
		switch s.Kind() {
		case core.KindBool:
			runtime.Toggles[s] = v.BoolValue()
		case core.KindInt:
			runtime.Numbers[s] = v.IntValue()
		}
	}

	latest := prevLatest
	if err := c.call(ctx, func(ctx context.Context) error {
		v, err := c.api.LatestVersion(ctx)
		if err == nil {
			latest = v
		}
		return err
	}); err != nil {
		c.diagnosticFailed("latest_version", err)
	}

	logs := prevLogs
	if c.opts.Diagnostics.LogDiagnostics && runtime.Toggles[core.SettingLoggingToFile] {
		if err := c.call(ctx, func(ctx context.Context) error {
			v, err := c.api.Logs(ctx, prevLogs.LatestTimestamp)
			if err == nil {
				logs = v
			}
			return err
		}); err != nil {
			c.diagnosticFailed("logs", err)
		}
	}

	var errorLogs []string
	if c.opts.Diagnostics.RequestErrorLogs {
		if err := c.call(ctx, func(ctx context.Context) error {
			v, err := c.api.RequestErrorLogs(ctx)
			if err == nil {
				errorLogs = v
			}
			return err
		}); err != nil {
			c.diagnosticFailed("request_error_logs", err)
		}
	}

	snap := core.Snapshot{
		Usage:            payload.Totals,
		Keys:             map[int]core.KeyUsage(keys),
		Models:           usage.ModelTokens(payload),
		Runtime:          runtime,
		TrackedKeys:      summary.Tracked,
		SkippedDetails:   summary.Skipped,
		LatestVersion:    latest,
		ServerVersion:    c.api.ServerVersion(),
		Logs:             logs,
		RequestErrorLogs: errorLogs,
		Diagnostics:      c.opts.Diagnostics,
		Timestamp:        c.opts.Now(),
	}
	c.publish(snap, started)
	return snap, nil
}

func (c *Coordinator) call(ctx context.Context, fn func(context.Context) error) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	return fn(reqCtx)
}

func (c *Coordinator) publish(snap core.Snapshot, started time.Time) {
	c.mu.Lock()
	c.snapshot = snap.Clone()
	c.published = true
	c.logs = snap.Logs
	c.lastSuccess = snap.Timestamp
	c.failures = 0
	c.lastErr = ""
	c.status = core.StatusIdle
	view := c.viewLocked()
	listeners := append([]func(core.View){}, c.listeners...)
	c.mu.Unlock()

	c.log.WithFields(log.Fields{
		"event":       "poll_published",
		"keys":        snap.TrackedKeys,
		"requests":    snap.Usage.TotalRequests,
		"duration_ms": c.opts.Now().Sub(started).Milliseconds(),
	}).Debug("snapshot published")
	c.notify(view, listeners)
}

// fail records a failed cycle. The last snapshot stays in place; the view
// turns stale once the failure count reaches the threshold.
func (c *Coordinator) fail(err error) error {
	c.mu.Lock()
	c.failures++
	c.lastErr = err.Error()
	c.status = core.StatusIdle
	failures := c.failures
	view := c.viewLocked()
	listeners := append([]func(core.View){}, c.listeners...)
	c.mu.Unlock()

	entry := c.log.WithFields(log.Fields{"event": "poll_failed", "consecutive": failures, "error": err})
	switch {
	case failures == c.opts.FailureThreshold:
		entry.Warn("poll failed; marking entities stale")
	case failures == 1:
		entry.Warn("poll failed")
	default:
		entry.Debug("poll failed")
	}
	c.notify(view, listeners)
	return err
}

func (c *Coordinator) diagnosticFailed(source string, err error) {
	c.log.WithFields(log.Fields{"event": "diagnostics_fetch_failed", "source": source, "error": err}).Debug("optional fetch failed")
}
