// Package coordinator polls one CLIProxyAPI instance, publishes immutable
// snapshots and routes setting writes back to the management API.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/janekbaraniewski/cliproxymon/internal/core"
	"github.com/janekbaraniewski/cliproxymon/internal/usage"
)

const (
	DefaultFailureThreshold = 3
	DefaultRequestTimeout   = 15 * time.Second

	pollKey = "poll"
)

// API is the part of the management client the coordinator uses.
type API interface {
	Usage(ctx context.Context) ([]byte, error)
	LatestVersion(ctx context.Context) (string, error)
	Setting(ctx context.Context, s core.Setting) (core.SettingValue, error)
	PutSetting(ctx context.Context, s core.Setting, v core.SettingValue) error
	Logs(ctx context.Context, after int64) (core.LogsSummary, error)
	RequestErrorLogs(ctx context.Context) ([]string, error)
	ClearLogs(ctx context.Context) error
	ServerVersion() string
}

type Options struct {
	Mode             usage.Mode
	FailureThreshold int
	RequestTimeout   time.Duration
	Diagnostics      core.DiagnosticsFlags
	Logger           *log.Entry
	Now              func() time.Time
}

type Coordinator struct {
	api  API
	opts Options
	log  *log.Entry

	mu          sync.RWMutex
	snapshot    core.Snapshot
	published   bool
	keys        usage.State
	logs        core.LogsSummary
	lastSuccess time.Time
	lastAttempt time.Time
	failures    int
	lastErr     string
	status      core.Status
	listeners   []func(core.View)

	group    singleflight.Group
	inflight sync.WaitGroup

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(api API, opts Options) (*Coordinator, error) {
	if api == nil {
		return nil, errors.New("coordinator: nil management api")
	}
	mode, err := usage.ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	opts.Mode = mode
	if opts.FailureThreshold < 0 {
		return nil, &core.ConfigurationError{Field: "failure_threshold", Reason: "must be >= 1"}
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &Coordinator{
		api:    api,
		opts:   opts,
		log:    logger.WithField("component", "coordinator"),
		keys:   usage.State{},
		status: core.StatusIdle,
	}, nil
}

// Start validates the interval and launches the poll loop. The first poll
// runs immediately.
func (c *Coordinator) Start(ctx context.Context, interval time.Duration) error {
	if err := core.CheckPollInterval(interval); err != nil {
		return err
	}

	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.cancel != nil {
		return errors.New("coordinator: already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx, interval, c.done)
	return nil
}

// Stop ends the poll loop and waits for an in-flight poll to finish. A
// stopped coordinator can be started again.
func (c *Coordinator) Stop() {
	c.loopMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.inflight.Wait()
}

func (c *Coordinator) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	c.log.WithFields(log.Fields{"event": "poll_loop_start", "interval": interval}).Debug("poll loop started")
	_, _ = c.RefreshNow(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.WithFields(log.Fields{"event": "poll_loop_stop", "reason": "context_done"}).Debug("poll loop stopped")
			return
		case <-ticker.C:
			_, _ = c.RefreshNow(ctx)
		}
	}
}

// RefreshNow runs a poll, or joins the one already in flight. Every caller
// that joins receives the same outcome. ctx bounds only the wait; the poll
// itself always runs to completion.
func (c *Coordinator) RefreshNow(ctx context.Context) (core.Snapshot, error) {
	c.inflight.Add(1)
	shared := c.group.DoChan(pollKey, func() (any, error) {
		return c.cycle()
	})
	result := make(chan singleflight.Result, 1)
	go func() {
		defer c.inflight.Done()
		result <- <-shared
	}()

	select {
	case <-ctx.Done():
		return core.Snapshot{}, ctx.Err()
	case r := <-result:
		if r.Err != nil {
			return core.Snapshot{}, r.Err
		}
		return r.Val.(core.Snapshot).Clone(), nil
	}
}

// Snapshot returns the last published snapshot. ok is false until the first
// successful poll.
func (c *Coordinator) Snapshot() (core.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.published {
		return core.Snapshot{}, false
	}
	return c.snapshot.Clone(), true
}

func (c *Coordinator) View() core.View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewLocked()
}

func (c *Coordinator) viewLocked() core.View {
	v := core.View{
		Available:           c.published,
		Stale:               c.failures >= c.opts.FailureThreshold,
		LastSuccess:         c.lastSuccess,
		LastAttempt:         c.lastAttempt,
		ConsecutiveFailures: c.failures,
		LastError:           c.lastErr,
		Status:              c.status,
	}
	if c.published {
		v.Snapshot = c.snapshot.Clone()
	}
	return v
}

// OnUpdate registers fn to be called after every poll cycle, published or
// failed. Listeners run on the polling goroutine and must not block.
func (c *Coordinator) OnUpdate(fn func(core.View)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// ApplySetting writes one setting and refreshes. A failed write changes
// nothing locally.
func (c *Coordinator) ApplySetting(ctx context.Context, s core.Setting, v core.SettingValue) error {
	if err := s.Check(v); err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	err := c.api.PutSetting(reqCtx, s, v)
	cancel()
	if err != nil {
		c.log.WithFields(log.Fields{"event": "setting_write_failed", "setting": s.String(), "error": err}).Warn("setting write failed")
		return err
	}
	c.log.WithFields(log.Fields{"event": "setting_applied", "setting": s.String(), "value": v.String()}).Info("setting applied")

	if _, err := c.RefreshNow(ctx); err != nil {
		c.log.WithFields(log.Fields{"event": "post_write_refresh_failed", "error": err}).Debug("refresh after write failed")
	}
	return nil
}

// ApplySettingByName parses a user-supplied name and value, then applies it.
func (c *Coordinator) ApplySettingByName(ctx context.Context, name, raw string) error {
	s, err := core.ParseSetting(name)
	if err != nil {
		return err
	}
	v, err := core.ParseSettingValue(s, raw)
	if err != nil {
		return err
	}
	return c.ApplySetting(ctx, s, v)
}

func (c *Coordinator) PressButton(ctx context.Context, b core.Button) error {
	switch b {
	case core.ButtonRefresh:
		_, err := c.RefreshNow(ctx)
		return err
	case core.ButtonClearLogs:
		reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		err := c.api.ClearLogs(reqCtx)
		cancel()
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.logs = core.LogsSummary{}
		c.mu.Unlock()
		c.log.WithField("event", "logs_cleared").Info("server logs cleared")
		if _, err := c.RefreshNow(ctx); err != nil {
			c.log.WithFields(log.Fields{"event": "post_clear_refresh_failed", "error": err}).Debug("refresh after clear failed")
		}
		return nil
	default:
		return &core.ScopeViolationError{Name: string(b)}
	}
}

func (c *Coordinator) notify(view core.View, listeners []func(core.View)) {
	for _, fn := range listeners {
		fn(view)
	}
}
