package tui

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/samber/lo"

	"github.com/janekbaraniewski/cliproxymon/internal/entity"
)

const (
	defaultWidth = 80
	labelWidth   = 30
)

func (m Model) View() string {
	width := m.width
	if width <= 0 {
		width = defaultWidth
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	id := m.Current()
	states := m.entities[id]
	if errMsg, ok := m.errs[id]; ok {
		b.WriteString(errorStyle.Render("fetch failed: "+errMsg) + "\n\n")
	}
	if len(states) == 0 {
		b.WriteString(dimStyle.Render("waiting for first snapshot") + "\n")
	} else {
		for _, kind := range []entity.Kind{entity.KindSensor, entity.KindSwitch, entity.KindNumber} {
			section := lo.Filter(states, func(st entity.State, _ int) bool {
				return st.Kind == kind || (kind == entity.KindSensor && st.Kind == entity.KindBinarySensor)
			})
			if len(section) == 0 {
				continue
			}
			b.WriteString(cardStyle.Render(renderSection(sectionTitle(kind), section)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n" + m.renderFooter())

	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = ansi.Truncate(line, width, "…")
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderHeader() string {
	parts := []string{headerBrandStyle.Render("cliproxymon")}
	for i, id := range m.instances {
		style := tabInactiveStyle
		if i == m.current {
			style = tabActiveStyle
		}
		parts = append(parts, style.Render(id))
	}
	parts = append(parts, HealthPill(health(m.entities[m.Current()])))
	if at, ok := m.updated[m.Current()]; ok && !at.IsZero() {
		parts = append(parts, dimStyle.Render("updated "+at.Format("15:04:05")))
	}
	if m.refreshing {
		parts = append(parts, dimStyle.Render("refreshing"))
	}
	return lipgloss.JoinHorizontal(lipgloss.Center, withSpaces(parts)...)
}

func withSpaces(parts []string) []string {
	out := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			out = append(out, " ")
		}
		out = append(out, p)
	}
	return out
}

func (m Model) renderFooter() string {
	keys := [][2]string{{"r", "refresh"}, {"c", "clear logs"}, {"tab", "next instance"}, {"q", "quit"}}
	parts := lo.Map(keys, func(k [2]string, _ int) string {
		return helpKeyStyle.Render(k[0]) + " " + helpStyle.Render(k[1])
	})
	footer := strings.Join(parts, helpStyle.Render("  ·  "))
	if m.status != "" {
		footer += "\n" + labelStyle.Render(m.status)
	}
	return footer
}

func sectionTitle(kind entity.Kind) string {
	switch kind {
	case entity.KindSwitch:
		return "Switches"
	case entity.KindNumber:
		return "Numbers"
	default:
		return "Sensors"
	}
}

func renderSection(title string, states []entity.State) string {
	var b strings.Builder
	b.WriteString(sectionHeaderStyle.Render(title))
	for _, st := range states {
		b.WriteString("\n")
		label := labelStyle.Width(labelWidth).Render(st.Name)
		if !st.Available {
			b.WriteString(label + dimStyle.Render("unavailable"))
			continue
		}
		value := FormatState(st.State)
		if st.Unit != "" {
			value += " " + st.Unit
		}
		style := valueStyle
		if st.Kind == entity.KindSensor {
			style = metricValueStyle
		}
		b.WriteString(label + style.Render(value))
	}
	return b.String()
}

// FormatState renders an entity state for display. Numbers decoded from
// JSON arrive as float64; whole values print without decimals.
func FormatState(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case bool:
		if t {
			return "on"
		}
		return "off"
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%.2f", t)
	case string:
		if t == "" {
			return "-"
		}
		return t
	default:
		return fmt.Sprint(t)
	}
}
