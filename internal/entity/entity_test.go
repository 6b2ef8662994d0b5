package entity

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/janekbaraniewski/cliproxymon/internal/core"
)

type recordingController struct {
	settings []core.Setting
	values   []core.SettingValue
	buttons  []core.Button
}

func (r *recordingController) ApplySetting(_ context.Context, s core.Setting, v core.SettingValue) error {
	r.settings = append(r.settings, s)
	r.values = append(r.values, v)
	return nil
}

func (r *recordingController) PressButton(_ context.Context, b core.Button) error {
	r.buttons = append(r.buttons, b)
	return nil
}

func healthyView(keys map[int]core.KeyUsage) core.View {
	return core.View{
		Available: true,
		Status:    core.StatusIdle,
		Snapshot: core.Snapshot{
			Usage: core.UsageTotals{TotalRequests: 4, FailureCount: 1, TotalTokens: 40},
			Keys:  keys,
			Runtime: core.RuntimeState{
				Toggles: map[core.Setting]bool{core.SettingDebug: true},
				Numbers: map[core.Setting]int{core.SettingRequestRetry: 3},
			},
			TrackedKeys:   len(keys),
			LatestVersion: "v6.4.0",
			ServerVersion: "v6.3.1",
			Timestamp:     time.Unix(1700000000, 0),
		},
	}
}

func byID(states []State) map[string]State {
	out := make(map[string]State, len(states))
	for _, st := range states {
		out[st.UniqueID] = st
	}
	return out
}

func TestRender_HealthyView(t *testing.T) {
	view := healthyView(map[int]core.KeyUsage{
		1: {AuthIndex: 1, Tokens: 15, SuccessRequests: 1, FailedRequests: 1},
	})

	states := byID(Render("home", view, NewKeyTracker()))

	if st := states["home_error_rate"]; !st.Available || st.State != 25.0 {
		t.Fatalf("error_rate = %+v, want 25", st)
	}
	if st := states["home_reachable"]; st.State != true {
		t.Fatalf("reachable = %+v, want true", st)
	}
	key := states["home_key_usage_1_requests"]
	if key.State != int64(2) {
		t.Fatalf("key sensor state = %v, want 2", key.State)
	}
	wantAttrs := map[string]any{"auth_index": 1, "tokens": int64(15), "failed_requests": int64(1), "success_requests": int64(1)}
	if diff := cmp.Diff(wantAttrs, key.Attributes); diff != "" {
		t.Fatalf("key attributes (-want +got):\n%s", diff)
	}
	if st := states["home_latest_version"]; st.Attributes["update_available"] != true {
		t.Fatalf("latest_version attributes = %v", st.Attributes)
	}
	if st := states["home_debug"]; !st.Available || st.State != true {
		t.Fatalf("debug switch = %+v", st)
	}
	if st := states["home_ws_auth"]; st.Available {
		t.Fatalf("switch with no runtime value should be unavailable: %+v", st)
	}
	if st := states["home_request_retry"]; st.State != 3 {
		t.Fatalf("request_retry = %+v", st)
	}
	if st := states["home_log_line_count"]; st.Available {
		t.Fatal("log sensor available with log diagnostics disabled")
	}
}

func TestRender_StaleViewKeepsEntitiesButMarksThemUnavailable(t *testing.T) {
	tracker := NewKeyTracker()
	view := healthyView(map[int]core.KeyUsage{2: {AuthIndex: 2, SuccessRequests: 1}})
	Render("home", view, tracker)

	view.Stale = true
	view.ConsecutiveFailures = 3
	states := Render("home", view, tracker)

	for _, st := range states {
		switch st.Key {
		case "reachable":
			if !st.Available || st.State != false {
				t.Fatalf("reachable = %+v, want available and false", st)
			}
		case "refresh":
			if !st.Available {
				t.Fatal("refresh button should stay available")
			}
		default:
			if st.Available {
				t.Fatalf("%s available on stale view", st.UniqueID)
			}
		}
	}
	if _, ok := byID(states)["home_key_usage_2_requests"]; !ok {
		t.Fatal("per-key sensor disappeared while stale")
	}
}

func TestKeyTracker_NeverForgets(t *testing.T) {
	tracker := NewKeyTracker()
	added := tracker.Observe(core.Snapshot{Keys: map[int]core.KeyUsage{3: {}, 1: {}}})
	if diff := cmp.Diff([]int{1, 3}, added); diff != "" {
		t.Fatalf("first Observe (-want +got):\n%s", diff)
	}
	added = tracker.Observe(core.Snapshot{Keys: map[int]core.KeyUsage{2: {}}})
	if diff := cmp.Diff([]int{2}, added); diff != "" {
		t.Fatalf("second Observe (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, tracker.Indices()); diff != "" {
		t.Fatalf("Indices (-want +got):\n%s", diff)
	}
}

func TestRender_DescriptionsCoverEverySetting(t *testing.T) {
	covered := map[core.Setting]bool{}
	for _, d := range Switches {
		covered[d.Setting] = true
		if d.Setting.Kind() != core.KindBool || d.Key != d.Setting.Key() {
			t.Fatalf("switch %s maps to %s", d.Key, d.Setting)
		}
	}
	for _, d := range Numbers {
		covered[d.Setting] = true
		if d.Setting.Kind() != core.KindInt || d.Key != d.Setting.Key() {
			t.Fatalf("number %s maps to %s", d.Key, d.Setting)
		}
	}
	if len(covered) != len(core.AllSettings()) {
		t.Fatalf("entities cover %d settings, want %d", len(covered), len(core.AllSettings()))
	}
}

func TestSetNumber_EnforcesRange(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		key   string
		value float64
		ok    bool
	}{
		{key: "request_retry", value: 0, ok: true},
		{key: "request_retry", value: 10, ok: true},
		{key: "request_retry", value: 11},
		{key: "request_retry", value: 2.5},
		{key: "max_retry_interval", value: 0},
		{key: "max-retry-interval", value: 600, ok: true},
		{key: "max_retry_interval", value: 601},
	}

	for _, tt := range tests {
		ctrl := &recordingController{}
		err := SetNumber(ctx, ctrl, tt.key, tt.value)
		if tt.ok {
			if err != nil {
				t.Fatalf("SetNumber(%s, %v) error: %v", tt.key, tt.value, err)
			}
			if len(ctrl.settings) != 1 {
				t.Fatalf("SetNumber(%s, %v) writes = %d, want 1", tt.key, tt.value, len(ctrl.settings))
			}
			continue
		}
		if !core.IsValidation(err) {
			t.Fatalf("SetNumber(%s, %v) error = %v, want ValidationError", tt.key, tt.value, err)
		}
		if len(ctrl.settings) != 0 {
			t.Fatalf("SetNumber(%s, %v) reached the controller", tt.key, tt.value)
		}
	}
}

func TestApply_RoutesByKind(t *testing.T) {
	ctx := context.Background()
	ctrl := &recordingController{}

	if err := Apply(ctx, ctrl, "quota-exceeded/switch-project", "on"); err != nil {
		t.Fatalf("Apply(switch) error: %v", err)
	}
	if err := Apply(ctx, ctrl, "request-retry", "4"); err != nil {
		t.Fatalf("Apply(number) error: %v", err)
	}
	want := []core.Setting{core.SettingSwitchProject, core.SettingRequestRetry}
	if diff := cmp.Diff(want, ctrl.settings); diff != "" {
		t.Fatalf("settings (-want +got):\n%s", diff)
	}
	if ctrl.values[0] != core.Bool(true) || ctrl.values[1] != core.Int(4) {
		t.Fatalf("values = %v", ctrl.values)
	}

	for _, key := range []string{"refresh", "provider_key", "management_key"} {
		if err := Apply(ctx, ctrl, key, "1"); !core.IsScopeViolation(err) {
			t.Fatalf("Apply(%s) error = %v, want ScopeViolationError", key, err)
		}
	}
}

func TestPress(t *testing.T) {
	ctrl := &recordingController{}
	for _, key := range []string{"refresh", "clear_logs", "clear-logs"} {
		if err := Press(context.Background(), ctrl, key); err != nil {
			t.Fatalf("Press(%s) error: %v", key, err)
		}
	}
	want := []core.Button{core.ButtonRefresh, core.ButtonClearLogs, core.ButtonClearLogs}
	if diff := cmp.Diff(want, ctrl.buttons); diff != "" {
		t.Fatalf("buttons (-want +got):\n%s", diff)
	}
	if err := Press(context.Background(), ctrl, "restart"); !core.IsScopeViolation(err) {
		t.Fatalf("Press(restart) error = %v, want ScopeViolationError", err)
	}
}
