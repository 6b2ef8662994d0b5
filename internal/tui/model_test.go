package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"github.com/janekbaraniewski/cliproxymon/internal/entity"
)

func sampleEntities(reachable, available bool) []entity.State {
	return []entity.State{
		{UniqueID: "home_reachable", Kind: entity.KindBinarySensor, Key: "reachable", Name: "Reachable", State: reachable, Available: true},
		{UniqueID: "home_total_requests", Kind: entity.KindSensor, Key: "total_requests", Name: "Total requests", Unit: "requests", State: float64(42), Available: available},
		{UniqueID: "home_debug", Kind: entity.KindSwitch, Key: "debug", Name: "Debug mode", State: true, Available: available},
	}
}

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func TestUpdate_EntitiesMsgStoresStates(t *testing.T) {
	m := NewModel([]string{"home"})
	updated, _ := m.Update(EntitiesMsg{Instance: "home", Entities: sampleEntities(true, true), At: time.Now()})
	got := updated.(Model)

	if len(got.entities["home"]) != 3 {
		t.Fatalf("entities = %d, want 3", len(got.entities["home"]))
	}
	view := got.View()
	for _, want := range []string{"Total requests", "42 requests", "OK", "on"} {
		if !strings.Contains(view, want) {
			t.Fatalf("View() missing %q:\n%s", want, view)
		}
	}
}

func TestUpdate_FetchErrorKeepsPreviousEntities(t *testing.T) {
	m := NewModel([]string{"home"})
	next, _ := m.Update(EntitiesMsg{Instance: "home", Entities: sampleEntities(true, true)})
	next, _ = next.(Model).Update(EntitiesMsg{Instance: "home", Err: errors.New("connection refused")})
	got := next.(Model)

	if len(got.entities["home"]) != 3 {
		t.Fatal("fetch error dropped the previous entities")
	}
	if !strings.Contains(got.View(), "connection refused") {
		t.Fatal("fetch error not shown")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		states []entity.State
		want   Health
	}{
		{name: "no data", want: HealthUnknown},
		{name: "reachable", states: sampleEntities(true, true), want: HealthOK},
		{name: "failing below threshold", states: sampleEntities(false, true), want: HealthDegraded},
		{name: "stale", states: sampleEntities(false, false), want: HealthStale},
	}
	for _, tt := range tests {
		if got := health(tt.states); got != tt.want {
			t.Fatalf("%s: health = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestHandleKey_RefreshPressAndTabs(t *testing.T) {
	m := NewModel([]string{"a", "b"})
	var refreshed, pressed []string
	m.SetOnRefresh(func(instance string) { refreshed = append(refreshed, instance) })
	m.SetOnPress(func(instance, button string) { pressed = append(pressed, instance+":"+button) })

	next, _ := m.Update(keyMsg("r"))
	next, _ = next.(Model).Update(keyMsg("tab"))
	next, _ = next.(Model).Update(keyMsg("c"))
	got := next.(Model)

	if got.Current() != "b" {
		t.Fatalf("Current() = %q, want b", got.Current())
	}
	if len(refreshed) != 1 || refreshed[0] != "a" {
		t.Fatalf("refresh calls = %v, want [a]", refreshed)
	}
	if len(pressed) != 1 || pressed[0] != "b:clear_logs" {
		t.Fatalf("press calls = %v, want [b:clear_logs]", pressed)
	}

	next, _ = got.Update(keyMsg("tab"))
	if next.(Model).Current() != "a" {
		t.Fatal("tab did not wrap around")
	}
}

func TestView_TruncatesToWidth(t *testing.T) {
	m := NewModel([]string{"home"})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 20, Height: 10})
	next, _ = next.(Model).Update(EntitiesMsg{Instance: "home", Entities: sampleEntities(true, true)})
	for _, line := range strings.Split(next.(Model).View(), "\n") {
		if w := ansi.StringWidth(line); w > 20 {
			t.Fatalf("line width %d > 20: %q", w, line)
		}
	}
}

func TestFormatState(t *testing.T) {
	tests := map[string]any{
		"-":     nil,
		"on":    true,
		"off":   false,
		"12":    float64(12),
		"33.33": 33.333,
		"v6.4":  "v6.4",
	}
	for want, in := range tests {
		if got := FormatState(in); got != want {
			t.Fatalf("FormatState(%v) = %q, want %q", in, got, want)
		}
	}
}
