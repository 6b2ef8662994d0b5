package entity

import (
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/janekbaraniewski/cliproxymon/internal/core"
)

// State is one rendered entity.
type State struct {
	UniqueID   string         `json:"unique_id"`
	Kind       Kind           `json:"kind"`
	Key        string         `json:"key"`
	Name       string         `json:"name"`
	State      any            `json:"state"`
	Unit       string         `json:"unit,omitempty"`
	Available  bool           `json:"available"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func UniqueID(instance, key string) string {
	return instance + "_" + key
}

func KeyUniqueID(instance string, authIndex int) string {
	return fmt.Sprintf("%s_key_usage_%d_requests", instance, authIndex)
}

// KeyTracker remembers every auth index ever observed so per-key entities
// are created once and never removed, even while the proxy is unreachable.
type KeyTracker struct {
	mu   sync.Mutex
	seen map[int]struct{}
}

func NewKeyTracker() *KeyTracker {
	return &KeyTracker{seen: map[int]struct{}{}}
}

// Observe records the snapshot's auth indices and returns the new ones in
// ascending order.
func (t *KeyTracker) Observe(snap core.Snapshot) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var added []int
	for _, idx := range snap.AuthIndices() {
		if _, ok := t.seen[idx]; ok {
			continue
		}
		t.seen[idx] = struct{}{}
		added = append(added, idx)
	}
	return added
}

func (t *KeyTracker) Indices() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := lo.Keys(t.seen)
	slices.Sort(out)
	return out
}

// Render produces the full entity set for one instance. Everything except
// the reachability sensor and the refresh button is unavailable while the
// view is stale or no snapshot has been published.
func Render(instance string, view core.View, tracker *KeyTracker) []State {
	healthy := view.Healthy()
	snap := view.Snapshot
	if tracker == nil {
		tracker = NewKeyTracker()
	}
	if view.Available {
		tracker.Observe(snap)
	}

	states := make([]State, 0, len(Sensors)+len(Switches)+len(Numbers)+len(Buttons)+8)
	states = append(states, State{
		UniqueID:  UniqueID(instance, "reachable"),
		Kind:      KindBinarySensor,
		Key:       "reachable",
		Name:      "Reachable",
		State:     view.Available && view.ConsecutiveFailures == 0,
		Available: true,
		Attributes: map[string]any{
			"consecutive_failures": view.ConsecutiveFailures,
			"last_error":           view.LastError,
			"last_success":         view.LastSuccess,
		},
	})

	for _, d := range Sensors {
		st := State{
			UniqueID:  UniqueID(instance, d.Key),
			Kind:      KindSensor,
			Key:       d.Key,
			Name:      d.Name,
			Unit:      d.Unit,
			Available: healthy && (d.Available == nil || d.Available(view)),
		}
		if st.Available {
			st.State = d.Value(snap)
			if d.Attributes != nil {
				st.Attributes = d.Attributes(snap)
			}
		}
		states = append(states, st)
	}

	for _, idx := range tracker.Indices() {
		st := State{
			UniqueID:  KeyUniqueID(instance, idx),
			Kind:      KindSensor,
			Key:       fmt.Sprintf("key_usage_%d_requests", idx),
			Name:      fmt.Sprintf("Key %d requests", idx),
			Unit:      "requests",
			Available: healthy,
		}
		if ku, ok := snap.Keys[idx]; ok && healthy {
			st.State = ku.RequestCount()
			st.Attributes = map[string]any{
				"auth_index":       ku.AuthIndex,
				"tokens":           ku.Tokens,
				"failed_requests":  ku.FailedRequests,
				"success_requests": ku.SuccessRequests,
			}
		}
		states = append(states, st)
	}

	for _, d := range Switches {
		st := State{
			UniqueID: UniqueID(instance, d.Key),
			Kind:     KindSwitch,
			Key:      d.Key,
			Name:     d.Name,
		}
		if v, ok := snap.Runtime.Toggles[d.Setting]; ok && healthy {
			st.State = v
			st.Available = true
		}
		states = append(states, st)
	}

	for _, d := range Numbers {
		st := State{
			UniqueID: UniqueID(instance, d.Key),
			Kind:     KindNumber,
			Key:      d.Key,
			Name:     d.Name,
			Unit:     d.Unit,
			Attributes: map[string]any{
				"min":  d.Min,
				"max":  d.Max,
				"step": d.Step,
			},
		}
		if v, ok := snap.Runtime.Numbers[d.Setting]; ok && healthy {
			st.State = v
			st.Available = true
		}
		states = append(states, st)
	}

	for _, d := range Buttons {
		states = append(states, State{
			UniqueID:  UniqueID(instance, d.Key),
			Kind:      KindButton,
			Key:       d.Key,
			Name:      d.Name,
			Available: d.Button == core.ButtonRefresh || healthy,
		})
	}
	return states
}
