package daemon

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/janekbaraniewski/cliproxymon/internal/config"
	"github.com/janekbaraniewski/cliproxymon/internal/coordinator"
	"github.com/janekbaraniewski/cliproxymon/internal/core"
	"github.com/janekbaraniewski/cliproxymon/internal/entity"
	"github.com/janekbaraniewski/cliproxymon/internal/history"
	"github.com/janekbaraniewski/cliproxymon/internal/management"
	"github.com/janekbaraniewski/cliproxymon/internal/usage"
)

// instance is one monitored proxy: its client, coordinator and the per-key
// entity registry.
type instance struct {
	cfg   config.InstanceConfig
	api   *management.Client
	coord *coordinator.Coordinator
	keys  *entity.KeyTracker
}

// Service owns every configured instance plus the history store.
type Service struct {
	appCfg  config.Config
	creds   config.Credentials
	history *history.Store
	log     *log.Entry

	mu        sync.RWMutex
	instances map[string]*instance
	runCtx    context.Context

	logMu     sync.Mutex
	lastLogAt map[string]time.Time
}

func NewService(appCfg config.Config, creds config.Credentials, store *history.Store) (*Service, error) {
	if err := appCfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		appCfg:    appCfg,
		creds:     creds,
		history:   store,
		log:       log.WithField("component", "daemon"),
		instances: map[string]*instance{},
		lastLogAt: map[string]time.Time{},
	}
	return s, nil
}

// Start builds and starts a coordinator per instance. Instances whose key
// cannot be resolved are skipped with a warning so one bad entry does not
// take the daemon down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	cfg := s.appCfg
	s.mu.Unlock()

	started := 0
	for _, instCfg := range cfg.Instances {
		if err := s.startInstance(ctx, instCfg); err != nil {
			s.warnf("instance_start_error", "instance=%s error=%v", instCfg.ID, err)
			continue
		}
		started++
	}
	s.infof("daemon_instances_started", "started=%d configured=%d", started, len(cfg.Instances))

	if s.history != nil {
		go s.runRetentionLoop(ctx)
	}
	return nil
}

func (s *Service) startInstance(ctx context.Context, instCfg config.InstanceConfig) error {
	inst, err := s.buildInstance(instCfg)
	if err != nil {
		return err
	}
	if err := inst.coord.Start(ctx, instCfg.PollInterval()); err != nil {
		return err
	}
	s.mu.Lock()
	s.instances[instCfg.ID] = inst
	s.mu.Unlock()
	s.infof("instance_start", "instance=%s base_url=%s interval=%s mode=%s", instCfg.ID, inst.api.BaseURL(), instCfg.PollInterval(), instCfg.UsageMode)
	return nil
}

func (s *Service) buildInstance(instCfg config.InstanceConfig) (*instance, error) {
	key, err := config.ResolveManagementKey(instCfg, s.creds)
	if err != nil {
		return nil, err
	}
	api, err := management.New(instCfg.BaseURL, key)
	if err != nil {
		return nil, err
	}
	coord, err := coordinator.New(api, coordinator.Options{
		Mode:             usage.Mode(instCfg.UsageMode),
		FailureThreshold: instCfg.FailureThreshold,
		Diagnostics:      instCfg.Diagnostics(),
		Logger:           s.log.WithField("instance", instCfg.ID),
	})
	if err != nil {
		return nil, err
	}

	inst := &instance{cfg: instCfg, api: api, coord: coord, keys: entity.NewKeyTracker()}
	coord.OnUpdate(func(v core.View) { s.observe(inst, v) })
	return inst, nil
}

// observe runs after every poll cycle of an instance.
func (s *Service) observe(inst *instance, v core.View) {
	if !v.Available {
		return
	}
	if added := inst.keys.Observe(v.Snapshot); len(added) > 0 {
		s.infof("key_entities_added", "instance=%s auth_indices=%v", inst.cfg.ID, added)
	}
	if v.Stale {
		if s.shouldLog("instance_stale_"+inst.cfg.ID, time.Minute) {
			s.warnf("instance_stale", "instance=%s failures=%d error=%q", inst.cfg.ID, v.ConsecutiveFailures, v.LastError)
		}
		return
	}
	if v.ConsecutiveFailures > 0 || s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.history.Record(ctx, inst.cfg.ID, v.Snapshot); err != nil && s.shouldLog("history_record_error", 30*time.Second) {
		s.warnf("history_record_error", "instance=%s error=%v", inst.cfg.ID, err)
	}
}

// Reload applies a new config: removed or changed instances are stopped,
// new or changed ones started. Unchanged instances keep running and keep
// their accumulated state.
func (s *Service) Reload(next config.Config) {
	s.mu.Lock()
	ctx := s.runCtx
	current := s.instances
	s.appCfg = next
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	wanted := map[string]config.InstanceConfig{}
	for _, inst := range next.Instances {
		wanted[inst.ID] = inst
	}

	var stop []*instance
	s.mu.Lock()
	for id, inst := range current {
		if cfg, ok := wanted[id]; !ok || !reflect.DeepEqual(cfg, inst.cfg) {
			stop = append(stop, inst)
			delete(s.instances, id)
		}
	}
	s.mu.Unlock()
	for _, inst := range stop {
		inst.coord.Stop()
		s.infof("instance_stop", "instance=%s reason=config_reload", inst.cfg.ID)
	}

	for _, instCfg := range next.Instances {
		if _, ok := s.lookup(instCfg.ID); ok {
			continue
		}
		if err := s.startInstance(ctx, instCfg); err != nil {
			s.warnf("instance_start_error", "instance=%s error=%v", instCfg.ID, err)
		}
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	instances := s.instances
	s.instances = map[string]*instance{}
	s.mu.Unlock()

	for _, inst := range instances {
		inst.coord.Stop()
	}
	if s.history != nil {
		return s.history.Close()
	}
	return nil
}

func (s *Service) lookup(id string) (*instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// resolve picks the instance named in a request. An empty name is allowed
// while exactly one instance runs.
func (s *Service) resolve(id string) (*instance, error) {
	id = strings.TrimSpace(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == "" {
		if len(s.instances) == 1 {
			for _, inst := range s.instances {
				return inst, nil
			}
		}
		return nil, &core.ValidationError{Field: "instance", Reason: fmt.Sprintf("required when %d instances are running", len(s.instances))}
	}
	inst, ok := s.instances[id]
	if !ok {
		return nil, errUnknownInstance{id: id}
	}
	return inst, nil
}

func (s *Service) instanceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

type errUnknownInstance struct{ id string }

func (e errUnknownInstance) Error() string { return fmt.Sprintf("unknown instance %q", e.id) }

func (s *Service) runRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	s.pruneHistory(ctx)
	for {
		select {
		case <-ctx.Done():
			s.infof("retention_loop_stop", "reason=context_done")
			return
		case <-ticker.C:
			s.pruneHistory(ctx)
		}
	}
}

func (s *Service) pruneHistory(ctx context.Context) {
	s.mu.RLock()
	days := s.appCfg.HistoryRetentionDays
	s.mu.RUnlock()

	deleted, err := s.history.Prune(ctx, days)
	if err != nil {
		if s.shouldLog("retention_prune_error", 30*time.Second) {
			s.warnf("retention_prune_error", "error=%v", err)
		}
		return
	}
	if deleted > 0 {
		s.infof("retention_prune", "deleted=%d retention_days=%d", deleted, days)
	}
}

// --- Logging ---

func (s *Service) infof(event, format string, args ...any) {
	if s == nil {
		return
	}
	s.log.WithField("event", event).Infof(format, args...)
}

func (s *Service) warnf(event, format string, args ...any) {
	if s == nil {
		return
	}
	s.log.WithField("event", event).Warnf(format, args...)
}

func (s *Service) shouldLog(key string, interval time.Duration) bool {
	if s == nil {
		return false
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	now := time.Now()
	if interval > 0 {
		if last, ok := s.lastLogAt[key]; ok && now.Sub(last) < interval {
			return false
		}
	}
	s.lastLogAt[key] = now
	return true
}
