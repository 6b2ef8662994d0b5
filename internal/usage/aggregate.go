package usage

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/janekbaraniewski/cliproxymon/internal/core"
)

// Mode says how the backend reports details. It is chosen once from
// configuration and never inferred from a payload.
type Mode string

const (
	// ModeCumulative: every poll carries the full history since backend start,
	// so a key's totals are recomputed and replaced on each poll.
	ModeCumulative Mode = "cumulative"
	// ModeIncremental: every poll carries only new events, so totals are
	// added onto the previous state.
	ModeIncremental Mode = "incremental"
)

func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeCumulative:
		return ModeCumulative, nil
	case ModeIncremental:
		return ModeIncremental, nil
	default:
		return "", &core.ConfigurationError{Field: "usage_mode", Reason: fmt.Sprintf("unknown mode %q (want cumulative or incremental)", value)}
	}
}

// State is the accumulated usage keyed by auth index.
type State map[int]core.KeyUsage

func (s State) Indices() []int {
	keys := lo.Keys(s)
	slices.Sort(keys)
	return keys
}

func (s State) TotalTokens() int64 {
	return lo.SumBy(lo.Values(s), func(k core.KeyUsage) int64 { return k.Tokens })
}

const maxDiagnostics = 8

// Summary describes one aggregation pass.
type Summary struct {
	Tracked     int      // distinct indices in the resulting state
	Seen        int      // distinct indices present in this payload
	Skipped     int      // malformed details ignored
	Diagnostics []string // first few skip reasons, path-qualified
}

// Aggregate folds the payload's details into prev and returns the new state.
// prev is not modified. Keys missing from the payload keep their previous
// values; no key is ever removed.
func Aggregate(p Payload, prev State, mode Mode) (State, Summary) {
	poll, summary := collect(p)

	next := make(State, len(prev)+len(poll))
	maps.Copy(next, prev)
	for idx, ku := range poll {
		if mode == ModeIncremental {
			if existing, ok := next[idx]; ok {
				next[idx] = existing.Add(ku)
				continue
			}
		}
		next[idx] = ku
	}

	summary.Tracked = len(next)
	summary.Seen = len(poll)
	return next, summary
}

// collect sums the payload's details per auth index. Addition is the only
// operation, so the result does not depend on detail order.
func collect(p Payload) (State, Summary) {
	var summary Summary
	poll := State{}
	for _, d := range details(p) {
		if d.Malformed != "" {
			summary.Skipped++
			summary.Diagnostics = append(summary.Diagnostics, d.Path+": "+d.Malformed)
			continue
		}
		if !d.HasAuthIndex {
			continue
		}

		entry := poll[d.AuthIndex]
		entry.AuthIndex = d.AuthIndex
		entry = entry.Add(keyUsageFromDetail(d))
		poll[d.AuthIndex] = entry
	}
	slices.Sort(summary.Diagnostics)
	if len(summary.Diagnostics) > maxDiagnostics {
		summary.Diagnostics = summary.Diagnostics[:maxDiagnostics]
	}
	return poll, summary
}

func keyUsageFromDetail(d Detail) core.KeyUsage {
	ku := core.KeyUsage{
		AuthIndex:    d.AuthIndex,
		Tokens:       d.Tokens.Total,
		InputTokens:  d.Tokens.Input,
		OutputTokens: d.Tokens.Output,
		CachedTokens: d.Tokens.Cached,
	}
	if d.Failed {
		ku.FailedRequests = 1
	} else {
		ku.SuccessRequests = 1
	}
	return ku
}

// ModelTokens sums token usage per model name across all APIs. Details
// without a tokens field are not counted.
func ModelTokens(p Payload) map[string]core.ModelUsage {
	out := map[string]core.ModelUsage{}
	for _, api := range p.APIs {
		for name, model := range api.Models {
			entry := out[name]
			for _, d := range model.Details {
				if d.Malformed != "" || !d.HasTokens {
					continue
				}
				entry.InputTokens += d.Tokens.Input
				entry.OutputTokens += d.Tokens.Output
				entry.CachedTokens += d.Tokens.Cached
				entry.TotalTokens += d.Tokens.Total
				entry.Requests++
			}
			out[name] = entry
		}
	}
	return out
}

func details(p Payload) []Detail {
	var out []Detail
	for _, api := range p.APIs {
		for _, model := range api.Models {
			out = append(out, model.Details...)
		}
	}
	return out
}
