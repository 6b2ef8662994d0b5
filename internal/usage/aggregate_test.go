package usage

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/janekbaraniewski/cliproxymon/internal/core"
)

func payloadWithDetails(details ...string) []byte {
	return []byte(`{"usage":{"total_requests":3,"apis":{"openai":{"models":{"gpt-4o":{"details":[` +
		strings.Join(details, ",") + `]}}}}}}`)
}

func mustDecode(t *testing.T, raw []byte) Payload {
	t.Helper()
	p, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	return p
}

func TestAggregate_MixedSuccessAndFailure(t *testing.T) {
	p := mustDecode(t, payloadWithDetails(
		`{"auth_index":1,"tokens":10,"success":true}`,
		`{"auth_index":1,"tokens":5,"success":false}`,
		`{"auth_index":2,"tokens":3,"success":true}`,
	))

	state, summary := Aggregate(p, nil, ModeCumulative)

	want := State{
		1: {AuthIndex: 1, Tokens: 15, SuccessRequests: 1, FailedRequests: 1},
		2: {AuthIndex: 2, Tokens: 3, SuccessRequests: 1},
	}
	if diff := cmp.Diff(want, state); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
	if state[1].RequestCount() != 2 || state[2].RequestCount() != 1 {
		t.Fatalf("request counts = %d, %d, want 2, 1", state[1].RequestCount(), state[2].RequestCount())
	}
	if summary.Tracked != 2 || summary.Seen != 2 || summary.Skipped != 0 {
		t.Fatalf("summary = %+v, want tracked=2 seen=2 skipped=0", summary)
	}
}

func TestAggregate_CumulativeIsIdempotent(t *testing.T) {
	p := mustDecode(t, payloadWithDetails(
		`{"auth_index":1,"tokens":{"input_tokens":4,"output_tokens":6,"total_tokens":10}}`,
		`{"auth_index":3,"tokens":7,"failed":true}`,
	))

	first, _ := Aggregate(p, nil, ModeCumulative)
	second, _ := Aggregate(p, first, ModeCumulative)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("re-aggregating the same cumulative payload changed state (-first +second):\n%s", diff)
	}
}

func TestAggregate_IncrementalAddsOntoPrevious(t *testing.T) {
	p := mustDecode(t, payloadWithDetails(`{"auth_index":1,"tokens":10}`))

	first, _ := Aggregate(p, nil, ModeIncremental)
	second, _ := Aggregate(p, first, ModeIncremental)

	got := second[1]
	if got.Tokens != 20 || got.SuccessRequests != 2 {
		t.Fatalf("incremental second pass = %+v, want tokens=20 success=2", got)
	}
	if first[1].Tokens != 10 {
		t.Fatalf("previous state was mutated: %+v", first[1])
	}
}

func TestAggregate_OrderIndependent(t *testing.T) {
	items := []string{
		`{"auth_index":1,"tokens":10}`,
		`{"auth_index":2,"tokens":3,"failed":true}`,
		`{"auth_index":1,"tokens":5,"error":"upstream 500"}`,
		`{"auth_index":"4","tokens":{"total_tokens":8,"cached_tokens":2}}`,
		`{"tokens":99}`,
		`{"auth_index":2,"tokens":1}`,
	}
	base, _ := Aggregate(mustDecode(t, payloadWithDetails(items...)), nil, ModeCumulative)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]string(nil), items...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, _ := Aggregate(mustDecode(t, payloadWithDetails(shuffled...)), nil, ModeCumulative)
		if diff := cmp.Diff(base, got); diff != "" {
			t.Fatalf("permutation %d changed totals (-base +got):\n%s", i, diff)
		}
	}
}

func TestAggregate_KeysAreNeverEvicted(t *testing.T) {
	first, _ := Aggregate(mustDecode(t, payloadWithDetails(
		`{"auth_index":1,"tokens":10}`,
		`{"auth_index":2,"tokens":20}`,
	)), nil, ModeCumulative)

	second, summary := Aggregate(mustDecode(t, payloadWithDetails(
		`{"auth_index":2,"tokens":25}`,
	)), first, ModeCumulative)

	if summary.Tracked != 2 || summary.Seen != 1 {
		t.Fatalf("summary = %+v, want tracked=2 seen=1", summary)
	}
	if second[1].Tokens != 10 {
		t.Fatalf("absent key lost its last value: %+v", second[1])
	}
	if second[2].Tokens != 25 {
		t.Fatalf("present key = %+v, want tokens=25", second[2])
	}
	for _, idx := range first.Indices() {
		if _, ok := second[idx]; !ok {
			t.Fatalf("key %d evicted", idx)
		}
	}
}

func TestAggregate_SkipsMalformedWithoutAborting(t *testing.T) {
	p := mustDecode(t, payloadWithDetails(
		`{"auth_index":"abc","tokens":5}`,
		`{"auth_index":1.5,"tokens":5}`,
		`{"auth_index":{"x":1},"tokens":5}`,
		`{"auth_index":5}`,
		`{"auth_index":6,"tokens":"lots"}`,
		`"not an object"`,
		`{"auth_index":7,"tokens":4}`,
		`{"model":"no index","tokens":4}`,
	))

	state, summary := Aggregate(p, nil, ModeCumulative)

	if summary.Skipped != 6 {
		t.Fatalf("Skipped = %d, want 6 (diagnostics: %v)", summary.Skipped, summary.Diagnostics)
	}
	if len(summary.Diagnostics) != 6 {
		t.Fatalf("Diagnostics = %v, want 6 entries", summary.Diagnostics)
	}
	for _, d := range summary.Diagnostics {
		if !strings.HasPrefix(d, "usage.apis.openai.models.gpt-4o.details[") {
			t.Fatalf("diagnostic %q lacks JSON path", d)
		}
	}
	want := State{7: {AuthIndex: 7, Tokens: 4, SuccessRequests: 1}}
	if diff := cmp.Diff(want, state); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregate_DiagnosticsAreCapped(t *testing.T) {
	var items []string
	for i := 0; i < 20; i++ {
		items = append(items, fmt.Sprintf(`{"auth_index":%d}`, i))
	}
	_, summary := Aggregate(mustDecode(t, payloadWithDetails(items...)), nil, ModeCumulative)
	if summary.Skipped != 20 {
		t.Fatalf("Skipped = %d, want 20", summary.Skipped)
	}
	if len(summary.Diagnostics) != maxDiagnostics {
		t.Fatalf("len(Diagnostics) = %d, want %d", len(summary.Diagnostics), maxDiagnostics)
	}
}

func TestAggregate_AcrossAPIsAndModels(t *testing.T) {
	raw := []byte(`{
		"failed_requests": 4,
		"usage": {
			"total_requests": 3,
			"success_count": 2,
			"failure_count": 1,
			"total_tokens": 60,
			"apis": {
				"openai": {"models": {
					"gpt-4o": {"details": [{"auth_index": 1, "tokens": {"input_tokens": 10, "output_tokens": 20}}]},
					"gpt-4o-mini": {"details": [{"auth_index": 2, "tokens": {"total_tokens": 5}, "failed": true}]}
				}},
				"claude": {"models": {
					"gpt-4o": {"details": [{"auth_index": 1, "tokens": 25}]}
				}}
			}
		}
	}`)
	p := mustDecode(t, raw)

	if p.Totals.TotalRequests != 3 || p.Totals.FailedRequests != 4 || p.Totals.TotalTokens != 60 {
		t.Fatalf("Totals = %+v", p.Totals)
	}

	state, _ := Aggregate(p, nil, ModeCumulative)
	want := State{
		1: {AuthIndex: 1, Tokens: 55, InputTokens: 10, OutputTokens: 20, SuccessRequests: 2},
		2: {AuthIndex: 2, Tokens: 5, FailedRequests: 1},
	}
	if diff := cmp.Diff(want, state); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}

	models := ModelTokens(p)
	wantModels := map[string]core.ModelUsage{
		"gpt-4o":      {InputTokens: 10, OutputTokens: 20, TotalTokens: 55, Requests: 2},
		"gpt-4o-mini": {TotalTokens: 5, Requests: 1},
	}
	if diff := cmp.Diff(wantModels, models); diff != "" {
		t.Fatalf("model tokens mismatch (-want +got):\n%s", diff)
	}
	if got := state.TotalTokens(); got != 60 {
		t.Fatalf("TotalTokens() = %d, want 60", got)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeCumulative {
		t.Fatalf("ParseMode(\"\") = %q, %v", m, err)
	}
	if m, err := ParseMode("Incremental"); err != nil || m != ModeIncremental {
		t.Fatalf("ParseMode(Incremental) = %q, %v", m, err)
	}
	if _, err := ParseMode("auto"); !core.IsConfiguration(err) {
		t.Fatalf("ParseMode(auto) error = %v, want ConfigurationError", err)
	}
}
