package core

import (
	"maps"
	"math"
	"slices"
	"time"
)

type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusPolling Status = "POLLING"
)

// UsageTotals mirrors the top-level counters of the /usage payload.
type UsageTotals struct {
	TotalRequests  int64 `json:"total_requests"`
	SuccessCount   int64 `json:"success_count"`
	FailureCount   int64 `json:"failure_count"`
	TotalTokens    int64 `json:"total_tokens"`
	FailedRequests int64 `json:"failed_requests"`
}

// ErrorRate returns the failure percentage rounded to two decimals.
func (u UsageTotals) ErrorRate() float64 {
	if u.TotalRequests <= 0 || u.FailureCount < 0 {
		return 0
	}
	return math.Round(float64(u.FailureCount)/float64(u.TotalRequests)*10000) / 100
}

// KeyUsage is the accumulated usage for one backing credential.
type KeyUsage struct {
	AuthIndex       int   `json:"auth_index"`
	Tokens          int64 `json:"tokens"`
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CachedTokens    int64 `json:"cached_tokens"`
	FailedRequests  int64 `json:"failed_requests"`
	SuccessRequests int64 `json:"success_requests"`
}

func (k KeyUsage) RequestCount() int64 {
	return k.FailedRequests + k.SuccessRequests
}

// Add returns the field-wise sum of k and o. The auth index of k is kept.
func (k KeyUsage) Add(o KeyUsage) KeyUsage {
	k.Tokens += o.Tokens
	k.InputTokens += o.InputTokens
	k.OutputTokens += o.OutputTokens
	k.CachedTokens += o.CachedTokens
	k.FailedRequests += o.FailedRequests
	k.SuccessRequests += o.SuccessRequests
	return k
}

type ModelUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
	Requests     int64 `json:"requests"`
}

type LogsSummary struct {
	Lines           []string `json:"lines,omitempty"`
	LineCount       int      `json:"line_count"`
	LatestTimestamp int64    `json:"latest_timestamp"`
}

type DiagnosticsFlags struct {
	LogDiagnostics   bool `json:"log_diagnostics"`
	RequestErrorLogs bool `json:"request_error_logs"`
}

// RuntimeState holds the current value of every writable setting.
type RuntimeState struct {
	Toggles map[Setting]bool `json:"toggles"`
	Numbers map[Setting]int  `json:"numbers"`
}

func (r RuntimeState) Value(s Setting) (SettingValue, bool) {
	switch s.Kind() {
	case KindBool:
		v, ok := r.Toggles[s]
		return Bool(v), ok
	case KindInt:
		v, ok := r.Numbers[s]
		return Int(v), ok
	}
	return SettingValue{}, false
}

// Snapshot is the result of one successful poll cycle. It is never mutated
// after publication; readers receive clones.
type Snapshot struct {
	Usage            UsageTotals           `json:"usage"`
	Keys             map[int]KeyUsage      `json:"keys"`
	Models           map[string]ModelUsage `json:"models"`
	Runtime          RuntimeState          `json:"runtime"`
	TrackedKeys      int                   `json:"tracked_keys"`
	SkippedDetails   int                   `json:"skipped_details"`
	LatestVersion    string                `json:"latest_version,omitempty"`
	ServerVersion    string                `json:"server_version,omitempty"`
	Logs             LogsSummary           `json:"logs"`
	RequestErrorLogs []string              `json:"request_error_logs"`
	Diagnostics      DiagnosticsFlags      `json:"diagnostics"`
	Timestamp        time.Time             `json:"timestamp"`
}

func (s Snapshot) Clone() Snapshot {
	out := s
	out.Keys = maps.Clone(s.Keys)
	out.Models = maps.Clone(s.Models)
	out.Runtime = RuntimeState{
		Toggles: maps.Clone(s.Runtime.Toggles),
		Numbers: maps.Clone(s.Runtime.Numbers),
	}
	out.Logs.Lines = slices.Clone(s.Logs.Lines)
	out.RequestErrorLogs = slices.Clone(s.RequestErrorLogs)
	return out
}

// AuthIndices returns the tracked credential indices in ascending order.
func (s Snapshot) AuthIndices() []int {
	return slices.Sorted(maps.Keys(s.Keys))
}

// View is what entity adapters observe: the last good snapshot plus the
// coordinator's health around it.
type View struct {
	Snapshot            Snapshot  `json:"snapshot"`
	Available           bool      `json:"available"`
	Stale               bool      `json:"stale"`
	LastSuccess         time.Time `json:"last_success"`
	LastAttempt         time.Time `json:"last_attempt"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Status              Status    `json:"status"`
}

// Healthy reports whether adapters should render the snapshot as current.
func (v View) Healthy() bool {
	return v.Available && !v.Stale
}
