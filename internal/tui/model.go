// Package tui is the terminal watch view: one tab per proxy instance showing
// its rendered entities, refreshed by the caller.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/janekbaraniewski/cliproxymon/internal/entity"
)

// EntitiesMsg carries a fresh entity set for one instance. Err is set when
// the fetch failed; the previous entities stay on screen.
type EntitiesMsg struct {
	Instance string
	Entities []entity.State
	Err      error
	At       time.Time
}

// ActionResultMsg reports the outcome of a button press.
type ActionResultMsg struct {
	Instance string
	Action   string
	Err      error
}

type Model struct {
	instances []string
	current   int

	entities map[string][]entity.State
	errs     map[string]string
	updated  map[string]time.Time

	status     string
	refreshing bool
	width      int
	height     int

	onRefresh func(instance string)
	onPress   func(instance, button string)
}

func NewModel(instances []string) Model {
	return Model{
		instances: instances,
		entities:  map[string][]entity.State{},
		errs:      map[string]string{},
		updated:   map[string]time.Time{},
	}
}

func (m *Model) SetOnRefresh(fn func(instance string)) {
	m.onRefresh = fn
}

func (m *Model) SetOnPress(fn func(instance, button string)) {
	m.onPress = fn
}

// Current returns the instance shown in the active tab.
func (m Model) Current() string {
	if len(m.instances) == 0 {
		return ""
	}
	return m.instances[m.current]
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case EntitiesMsg:
		m.refreshing = false
		if !m.known(msg.Instance) {
			m.instances = append(m.instances, msg.Instance)
		}
		if msg.Err != nil {
			m.errs[msg.Instance] = msg.Err.Error()
			return m, nil
		}
		delete(m.errs, msg.Instance)
		m.entities[msg.Instance] = msg.Entities
		m.updated[msg.Instance] = msg.At
		return m, nil

	case ActionResultMsg:
		if msg.Err != nil {
			m.status = msg.Action + " failed: " + msg.Err.Error()
		} else {
			m.status = msg.Action + " done"
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "r":
		return m.requestRefresh(), nil
	case "c":
		return m.press("clear_logs"), nil
	case "tab", "right", "l":
		m.current = m.step(1)
	case "shift+tab", "left", "h":
		m.current = m.step(-1)
	}
	return m, nil
}

func (m Model) step(delta int) int {
	n := len(m.instances)
	if n == 0 {
		return 0
	}
	return ((m.current+delta)%n + n) % n
}

func (m Model) known(id string) bool {
	for _, inst := range m.instances {
		if inst == id {
			return true
		}
	}
	return false
}

func (m Model) requestRefresh() Model {
	m.refreshing = true
	if m.onRefresh != nil {
		m.onRefresh(m.Current())
	}
	return m
}

func (m Model) press(button string) Model {
	m.status = button + "..."
	if m.onPress != nil {
		m.onPress(m.Current(), button)
	}
	return m
}

// health derives the header state from the reachability sensor and whether
// the data entities are still available.
func health(states []entity.State) Health {
	if len(states) == 0 {
		return HealthUnknown
	}
	reachable, dataAvailable := false, false
	for _, st := range states {
		switch st.Key {
		case "reachable":
			reachable, _ = st.State.(bool)
		case "total_requests":
			dataAvailable = st.Available
		}
	}
	switch {
	case reachable:
		return HealthOK
	case dataAvailable:
		return HealthDegraded
	default:
		return HealthStale
	}
}
