package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/janekbaraniewski/cliproxymon/internal/config"
	"github.com/janekbaraniewski/cliproxymon/internal/core"
	"github.com/janekbaraniewski/cliproxymon/internal/entity"
	"github.com/janekbaraniewski/cliproxymon/internal/history"
	"github.com/janekbaraniewski/cliproxymon/internal/version"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	redactedValue       = "**REDACTED**"
)

// RunServer runs the daemon until SIGINT or SIGTERM.
func RunServer(cfg Config) error {
	configPath := strings.TrimSpace(cfg.ConfigPath)
	if configPath == "" {
		configPath = config.ConfigPath()
	}
	if err := config.LoadDotEnv(filepath.Join(filepath.Dir(configPath), ".env"), ".env"); err != nil {
		return err
	}
	appCfg, err := config.LoadFrom(configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.SocketPath) != "" {
		appCfg.SocketPath = cfg.SocketPath
	}

	closer := ConfigureLogging(appCfg.LogFile, cfg.Verbose || appCfg.Verbose)
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := startService(ctx, appCfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	go func() {
		if err := config.Watch(ctx, configPath, svc.Reload); err != nil {
			svc.warnf("config_watch_error", "path=%s error=%v", configPath, err)
		}
	}()

	<-ctx.Done()
	svc.infof("daemon_stop", "reason=signal")
	return nil
}

func startService(ctx context.Context, appCfg config.Config) (*Service, error) {
	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, err
	}
	store, err := history.OpenStore(appCfg.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	svc, err := NewService(appCfg, creds, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	svc.infof("daemon_start", "socket=%s history=%s instances=%d", appCfg.SocketPath, appCfg.HistoryDB, len(appCfg.Instances))

	if err := svc.startSocketServer(ctx, appCfg.SocketPath); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}

func (s *Service) startSocketServer(ctx context.Context, socketPath string) error {
	if strings.TrimSpace(socketPath) == "" {
		return fmt.Errorf("daemon socket path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create daemon socket dir: %w", err)
	}
	if err := EnsureSocketPathAvailable(socketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen daemon socket: %w", err)
	}
	_ = os.Chmod(socketPath, 0o660)
	s.infof("socket_listening", "path=%s", socketPath)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       20 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.infof("socket_shutdown", "reason=context_done")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.warnf("socket_server_error", "error=%v", err)
		}
	}()

	return nil
}

func EnsureSocketPathAvailable(socketPath string) error {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		return fmt.Errorf("socket path is empty")
	}

	info, err := os.Stat(socketPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket path %s: %w", socketPath, err)
	}

	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path %s already exists and is not a socket", socketPath)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 450*time.Millisecond)
	defer cancel()
	dialer := net.Dialer{Timeout: 450 * time.Millisecond}
	conn, dialErr := dialer.DialContext(dialCtx, "unix", socketPath)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("daemon already running on socket %s", socketPath)
	}

	if err := os.Remove(socketPath); err != nil {
		return fmt.Errorf("remove stale daemon socket %s: %w", socketPath, err)
	}
	return nil
}

// Handler exposes the daemon API. It is served on the unix socket and used
// directly by tests.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/instances", s.handleInstances)
	mux.HandleFunc("GET /v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /v1/entities", s.handleEntities)
	mux.HandleFunc("POST /v1/refresh", s.handleRefresh)
	mux.HandleFunc("PUT /v1/settings/{name}", s.handleSetting)
	mux.HandleFunc("POST /v1/buttons/{name}", s.handleButton)
	mux.HandleFunc("GET /v1/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		DaemonVersion: strings.TrimSpace(version.Version),
		APIVersion:    APIVersion,
		Instances:     len(s.instanceIDs()),
	})
}

func (s *Service) handleInstances(w http.ResponseWriter, _ *http.Request) {
	out := InstancesResponse{Instances: []InstanceStatus{}}
	for _, id := range s.instanceIDs() {
		inst, ok := s.lookup(id)
		if !ok {
			continue
		}
		view := inst.coord.View()
		out.Instances = append(out.Instances, InstanceStatus{
			ID:                  id,
			BaseURL:             inst.api.BaseURL(),
			PollInterval:        inst.cfg.PollInterval().String(),
			Available:           view.Available,
			Stale:               view.Stale,
			Status:              view.Status,
			LastSuccess:         view.LastSuccess,
			ConsecutiveFailures: view.ConsecutiveFailures,
			LastError:           view.LastError,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	inst, err := s.resolve(r.URL.Query().Get("instance"))
	if err != nil {
		writeError(w, err)
		return
	}
	view := inst.coord.View()
	if !view.Available {
		writeError(w, core.ErrUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotResponse{Instance: inst.cfg.ID, View: view})
}

func (s *Service) handleEntities(w http.ResponseWriter, r *http.Request) {
	inst, err := s.resolve(r.URL.Query().Get("instance"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EntitiesResponse{
		Instance: inst.cfg.ID,
		Entities: entity.Render(inst.cfg.ID, inst.coord.View(), inst.keys),
	})
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	inst, err := s.resolve(r.URL.Query().Get("instance"))
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := inst.coord.RefreshNow(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotResponse{Instance: inst.cfg.ID, View: inst.coord.View()})
}

type settingRequest struct {
	Value json.RawMessage `json:"value"`
}

func (s *Service) handleSetting(w http.ResponseWriter, r *http.Request) {
	inst, err := s.resolve(r.URL.Query().Get("instance"))
	if err != nil {
		writeError(w, err)
		return
	}
	name := r.PathValue("name")

	var req settingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if len(req.Value) == 0 {
		writeJSONError(w, http.StatusBadRequest, "missing value")
		return
	}
	raw := string(req.Value)
	var quoted string
	if json.Unmarshal(req.Value, &quoted) == nil {
		raw = quoted
	}

	if err := entity.Apply(r.Context(), inst.coord, name, raw); err != nil {
		if core.IsScopeViolation(err) {
			s.warnf("setting_rejected", "instance=%s name=%q", inst.cfg.ID, name)
		}
		writeError(w, err)
		return
	}
	s.infof("setting_applied", "instance=%s name=%s", inst.cfg.ID, name)
	writeJSON(w, http.StatusOK, ActionResponse{Instance: inst.cfg.ID, Action: name, Status: "ok"})
}

func (s *Service) handleButton(w http.ResponseWriter, r *http.Request) {
	inst, err := s.resolve(r.URL.Query().Get("instance"))
	if err != nil {
		writeError(w, err)
		return
	}
	name := r.PathValue("name")
	if err := entity.Press(r.Context(), inst.coord, name); err != nil {
		writeError(w, err)
		return
	}
	s.infof("button_pressed", "instance=%s name=%s", inst.cfg.ID, name)
	writeJSON(w, http.StatusOK, ActionResponse{Instance: inst.cfg.ID, Action: name, Status: "ok"})
}

// handleDiagnostics dumps the instance config and current view with every
// credential-looking field replaced.
func (s *Service) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	inst, err := s.resolve(r.URL.Query().Get("instance"))
	if err != nil {
		writeError(w, err)
		return
	}
	payload := map[string]any{
		"instance":       inst.cfg.ID,
		"config":         inst.cfg,
		"base_url":       inst.api.BaseURL(),
		"server_version": inst.api.ServerVersion(),
		"tracked_keys":   inst.keys.Indices(),
		"view":           inst.coord.View(),
	}
	redacted, err := redact(payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, redacted)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	inst, err := s.resolve(r.URL.Query().Get("instance"))
	if err != nil {
		writeError(w, err)
		return
	}
	if s.history == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "history store disabled")
		return
	}
	q := r.URL.Query()
	authIndex, err := strconv.Atoi(strings.TrimSpace(q.Get("auth_index")))
	if err != nil {
		writeError(w, &core.ValidationError{Field: "auth_index", Reason: "must be an integer"})
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, &core.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
	}
	limit = min(limit, maxHistoryLimit)

	samples, err := s.history.Recent(r.Context(), inst.cfg.ID, authIndex, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if samples == nil {
		samples = []history.Sample{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Instance: inst.cfg.ID, AuthIndex: authIndex, Samples: samples})
}

var sensitiveKeys = map[string]bool{
	"management_key":   true,
	"authorization":    true,
	"x-management-key": true,
	"api-key":          true,
	"api_key":          true,
	"cookie":           true,
}

func redact(payload any) (any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode diagnostics: %w", err)
	}
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode diagnostics: %w", err)
	}
	return redactValue(tree), nil
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if sensitiveKeys[strings.ToLower(k)] {
				t[k] = redactedValue
				continue
			}
			t[k] = redactValue(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = redactValue(child)
		}
		return t
	default:
		return v
	}
}

func statusForError(err error) int {
	var unknown errUnknownInstance
	switch {
	case core.IsScopeViolation(err):
		return http.StatusForbidden
	case core.IsValidation(err), core.IsConfiguration(err):
		return http.StatusBadRequest
	case errors.As(err, &unknown):
		return http.StatusNotFound
	case errors.Is(err, core.ErrUnavailable):
		return http.StatusServiceUnavailable
	case core.IsTransport(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusForError(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
