package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/janekbaraniewski/cliproxymon/internal/config"
	"github.com/janekbaraniewski/cliproxymon/internal/core"
	"github.com/janekbaraniewski/cliproxymon/internal/history"
	"github.com/janekbaraniewski/cliproxymon/internal/management"
)

const testManagementKey = "mgmt-secret-123"

const usageBody = `{"usage":{"total_requests":3,"success_count":2,"failure_count":1,"total_tokens":18,
	"apis":{"openai":{"models":{"gpt-4o":{"details":[
		{"auth_index":1,"tokens":10,"success":true},
		{"auth_index":1,"tokens":5,"success":false},
		{"auth_index":2,"tokens":3,"success":true}]}}}}}}`

// fakeManagement serves the endpoints a poll cycle reads and records writes.
type fakeManagement struct {
	mu      sync.Mutex
	patches []string
	failAll bool
}

func (f *fakeManagement) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	failAll := f.failAll
	f.mu.Unlock()
	if failAll {
		http.Error(w, `{"error":"down"}`, http.StatusInternalServerError)
		return
	}

	endpoint := strings.TrimPrefix(r.URL.Path, management.APIBasePath)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-CPA-VERSION", "v6.3.1")

	if r.Method == http.MethodPatch {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.patches = append(f.patches, endpoint+" "+strings.TrimSpace(string(body)))
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"status":"ok"}`)
		return
	}

	switch endpoint {
	case "/usage":
		_, _ = io.WriteString(w, usageBody)
		return
	case "/latest-version":
		_, _ = io.WriteString(w, `{"latest-version":"v6.4.0"}`)
		return
	}
	for _, s := range core.AllSettings() {
		if s.Endpoint() != endpoint {
			continue
		}
		value := "false"
		if s.Kind() == core.KindInt {
			value = "2"
		}
		_, _ = fmt.Fprintf(w, `{%q:%s}`, s.Field(), value)
		return
	}
	http.NotFound(w, r)
}

func (f *fakeManagement) recordedPatches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.patches...)
}

func quietLogs(t *testing.T) {
	t.Helper()
	prev := log.StandardLogger().Out
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(prev) })
}

func newTestService(t *testing.T, instanceIDs ...string) (*Service, *fakeManagement, *httptest.Server) {
	t.Helper()
	quietLogs(t)

	fake := &fakeManagement{}
	proxy := httptest.NewServer(fake)
	t.Cleanup(proxy.Close)

	if len(instanceIDs) == 0 {
		instanceIDs = []string{"home"}
	}
	cfg := config.Config{HistoryRetentionDays: 30}
	for _, id := range instanceIDs {
		cfg.Instances = append(cfg.Instances, config.InstanceConfig{
			ID:                  id,
			BaseURL:             proxy.URL,
			ManagementKey:       testManagementKey,
			PollIntervalSeconds: 300,
			FailureThreshold:    1,
		})
	}

	store, err := history.OpenStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenStore() error: %v", err)
	}
	svc, err := NewService(cfg, config.Credentials{}, store)
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = svc.Close()
	})
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	api := httptest.NewServer(svc.Handler())
	t.Cleanup(api.Close)
	return svc, fake, api
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, url, err, data)
		}
	}
	return resp.StatusCode
}

func TestHandler_RefreshThenSnapshotAndEntities(t *testing.T) {
	_, _, api := newTestService(t)

	var refreshed SnapshotResponse
	if status := doJSON(t, http.MethodPost, api.URL+"/v1/refresh", "", &refreshed); status != http.StatusOK {
		t.Fatalf("refresh status = %d", status)
	}
	if refreshed.Instance != "home" || !refreshed.View.Healthy() {
		t.Fatalf("refresh = %+v, want healthy home view", refreshed)
	}

	var snap SnapshotResponse
	if status := doJSON(t, http.MethodGet, api.URL+"/v1/snapshot", "", &snap); status != http.StatusOK {
		t.Fatalf("snapshot status = %d", status)
	}
	if snap.View.Snapshot.Usage.TotalRequests != 3 || snap.View.Snapshot.TrackedKeys != 2 {
		t.Fatalf("snapshot usage = %+v keys=%d", snap.View.Snapshot.Usage, snap.View.Snapshot.TrackedKeys)
	}
	if snap.View.Snapshot.ServerVersion != "v6.3.1" || snap.View.Snapshot.LatestVersion != "v6.4.0" {
		t.Fatalf("versions = %q / %q", snap.View.Snapshot.ServerVersion, snap.View.Snapshot.LatestVersion)
	}

	var ents EntitiesResponse
	if status := doJSON(t, http.MethodGet, api.URL+"/v1/entities?instance=home", "", &ents); status != http.StatusOK {
		t.Fatalf("entities status = %d", status)
	}
	byID := map[string]bool{}
	for _, e := range ents.Entities {
		byID[e.UniqueID] = e.Available
	}
	for _, id := range []string{"home_reachable", "home_total_requests", "home_key_usage_1_requests", "home_key_usage_2_requests", "home_debug", "home_request_retry"} {
		if available, ok := byID[id]; !ok || !available {
			t.Fatalf("entity %s present=%v available=%v", id, ok, available)
		}
	}
}

func TestHandler_HistoryRecordedAfterPoll(t *testing.T) {
	_, _, api := newTestService(t)
	if status := doJSON(t, http.MethodPost, api.URL+"/v1/refresh", "", nil); status != http.StatusOK {
		t.Fatalf("refresh status = %d", status)
	}

	var hist HistoryResponse
	if status := doJSON(t, http.MethodGet, api.URL+"/v1/history?auth_index=1&limit=5", "", &hist); status != http.StatusOK {
		t.Fatalf("history status = %d", status)
	}
	if len(hist.Samples) == 0 {
		t.Fatal("history has no samples after a successful poll")
	}
	if got := hist.Samples[0]; got.AuthIndex != 1 || got.Requests != 2 || got.Tokens != 15 {
		t.Fatalf("latest sample = %+v", got)
	}

	if status := doJSON(t, http.MethodGet, api.URL+"/v1/history?auth_index=abc", "", nil); status != http.StatusBadRequest {
		t.Fatalf("bad auth_index status = %d, want 400", status)
	}
}

func TestHandler_SettingWritesOneValue(t *testing.T) {
	_, fake, api := newTestService(t)

	var resp ActionResponse
	if status := doJSON(t, http.MethodPut, api.URL+"/v1/settings/request-retry", `{"value":4}`, &resp); status != http.StatusOK {
		t.Fatalf("number status = %d", status)
	}
	if status := doJSON(t, http.MethodPut, api.URL+"/v1/settings/debug", `{"value":"on"}`, nil); status != http.StatusOK {
		t.Fatalf("switch status = %d", status)
	}

	want := []string{`/request-retry {"value":4}`, `/debug {"value":true}`}
	got := fake.recordedPatches()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("patches = %v, want %v", got, want)
	}
}

func TestHandler_RejectsOutOfScopeAndInvalidWrites(t *testing.T) {
	_, fake, api := newTestService(t)

	tests := []struct {
		path   string
		body   string
		status int
	}{
		{path: "/v1/settings/management-key", body: `{"value":"x"}`, status: http.StatusForbidden},
		{path: "/v1/settings/request_retry", body: `{"value":25}`, status: http.StatusBadRequest},
		{path: "/v1/settings/debug", body: `{"value":"maybe"}`, status: http.StatusBadRequest},
		{path: "/v1/settings/debug", body: `{}`, status: http.StatusBadRequest},
		{path: "/v1/settings/debug?instance=nope", body: `{"value":true}`, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		if status := doJSON(t, http.MethodPut, api.URL+tt.path, tt.body, nil); status != tt.status {
			t.Fatalf("PUT %s %s status = %d, want %d", tt.path, tt.body, status, tt.status)
		}
	}
	if status := doJSON(t, http.MethodPost, api.URL+"/v1/buttons/restart", "", nil); status != http.StatusForbidden {
		t.Fatalf("unknown button status = %d, want 403", status)
	}
	if got := fake.recordedPatches(); len(got) != 0 {
		t.Fatalf("rejected writes reached the proxy: %v", got)
	}
}

func TestHandler_DiagnosticsRedactsKey(t *testing.T) {
	_, _, api := newTestService(t)
	if status := doJSON(t, http.MethodPost, api.URL+"/v1/refresh", "", nil); status != http.StatusOK {
		t.Fatalf("refresh status = %d", status)
	}

	resp, err := http.Get(api.URL + "/v1/diagnostics")
	if err != nil {
		t.Fatalf("GET diagnostics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("diagnostics status = %d: %s", resp.StatusCode, body)
	}
	if strings.Contains(string(body), testManagementKey) {
		t.Fatalf("diagnostics leaked the management key: %s", body)
	}
	if !strings.Contains(string(body), redactedValue) {
		t.Fatalf("diagnostics has no redacted marker: %s", body)
	}
}

func TestHandler_InstanceRequiredWithSeveralInstances(t *testing.T) {
	_, _, api := newTestService(t, "a", "b")

	if status := doJSON(t, http.MethodGet, api.URL+"/v1/entities", "", nil); status != http.StatusBadRequest {
		t.Fatalf("entities without instance status = %d, want 400", status)
	}
	var list InstancesResponse
	if status := doJSON(t, http.MethodGet, api.URL+"/v1/instances", "", &list); status != http.StatusOK {
		t.Fatalf("instances status = %d", status)
	}
	if len(list.Instances) != 2 || list.Instances[0].ID != "a" || list.Instances[1].ID != "b" {
		t.Fatalf("instances = %+v", list.Instances)
	}
}

func TestHandler_UnreachableProxyMarksStale(t *testing.T) {
	_, fake, api := newTestService(t)
	if status := doJSON(t, http.MethodPost, api.URL+"/v1/refresh", "", nil); status != http.StatusOK {
		t.Fatalf("first refresh status = %d", status)
	}

	fake.mu.Lock()
	fake.failAll = true
	fake.mu.Unlock()

	// A refresh can join a poll that started before the proxy went down.
	status := 0
	for range 3 {
		if status = doJSON(t, http.MethodPost, api.URL+"/v1/refresh", "", nil); status == http.StatusBadGateway {
			break
		}
	}
	if status != http.StatusBadGateway {
		t.Fatalf("failing refresh status = %d, want 502", status)
	}
	var ents EntitiesResponse
	doJSON(t, http.MethodGet, api.URL+"/v1/entities", "", &ents)
	for _, e := range ents.Entities {
		switch e.Key {
		case "reachable":
			if e.State != false {
				t.Fatalf("reachable = %v, want false", e.State)
			}
		case "refresh":
		default:
			if e.Available {
				t.Fatalf("%s still available after the proxy went down", e.UniqueID)
			}
		}
	}
}

func TestRedactValue_Nested(t *testing.T) {
	in := map[string]any{
		"Authorization": "Bearer x",
		"nested":        []any{map[string]any{"X-Management-Key": "y", "keep": "z"}},
	}
	out := redactValue(in).(map[string]any)
	if out["Authorization"] != redactedValue {
		t.Fatalf("Authorization = %v", out["Authorization"])
	}
	item := out["nested"].([]any)[0].(map[string]any)
	if item["X-Management-Key"] != redactedValue || item["keep"] != "z" {
		t.Fatalf("nested = %v", item)
	}
}

func TestClient_OverUnixSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets are not supported in this test")
	}
	svc, _, _ := newTestService(t)

	socketPath := shortSocketPath(t, "client")
	t.Cleanup(func() { _ = os.Remove(socketPath) })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := svc.startSocketServer(ctx, socketPath); err != nil {
		t.Fatalf("startSocketServer() error: %v", err)
	}

	client := NewClient(socketPath)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	health, err := client.WaitForHealth(waitCtx)
	if err != nil {
		t.Fatalf("WaitForHealth() error: %v", err)
	}
	if health.Status != "ok" || health.APIVersion != APIVersion || health.Instances != 1 {
		t.Fatalf("health = %+v", health)
	}

	if _, err := client.Refresh(waitCtx, ""); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if _, err := client.SetSetting(waitCtx, "home", "ws_auth", "true"); err != nil {
		t.Fatalf("SetSetting() error: %v", err)
	}
	_, err = client.SetSetting(waitCtx, "home", "api-keys", "x")
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Status != http.StatusForbidden {
		t.Fatalf("SetSetting(api-keys) error = %v, want 403 APIError", err)
	}
	if _, err := client.Press(waitCtx, "home", "refresh"); err != nil {
		t.Fatalf("Press() error: %v", err)
	}
}

func shortSocketPath(t *testing.T, suffix string) string {
	t.Helper()
	return fmt.Sprintf("/tmp/cliproxymon-%d-%s.sock", time.Now().UnixNano(), strings.TrimSpace(suffix))
}

func TestEnsureSocketPathAvailable_ActiveSocketReturnsError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets are not supported in this test")
	}

	socketPath := shortSocketPath(t, "active")
	_ = os.Remove(socketPath)
	t.Cleanup(func() { _ = os.Remove(socketPath) })
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen unix socket: %v", err)
	}
	defer listener.Close()

	err = EnsureSocketPathAvailable(socketPath)
	if err == nil {
		t.Fatal("expected error for active daemon socket")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "already running") {
		t.Fatalf("error = %q, want already running message", err)
	}
}

func TestEnsureSocketPathAvailable_RemovesStaleSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets are not supported in this test")
	}

	socketPath := shortSocketPath(t, "stale")
	_ = os.Remove(socketPath)
	t.Cleanup(func() { _ = os.Remove(socketPath) })
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen unix socket: %v", err)
	}
	if ul, ok := listener.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	if err := listener.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}

	if err := EnsureSocketPathAvailable(socketPath); err != nil {
		t.Fatalf("ensure socket path available: %v", err)
	}

	if _, statErr := os.Stat(socketPath); !os.IsNotExist(statErr) {
		t.Fatalf("expected stale socket to be removed, stat err = %v", statErr)
	}
}

func TestEnsureSocketPathAvailable_RejectsRegularFile(t *testing.T) {
	socketPath := shortSocketPath(t, "file")
	_ = os.Remove(socketPath)
	t.Cleanup(func() { _ = os.Remove(socketPath) })
	if err := os.WriteFile(socketPath, []byte("not-a-socket"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	err := EnsureSocketPathAvailable(socketPath)
	if err == nil {
		t.Fatal("expected error for regular file at socket path")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "not a socket") {
		t.Fatalf("error = %q, want not a socket message", err)
	}
}
