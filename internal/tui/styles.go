package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// ─── Color Palette (Catppuccin Mocha) ───────────────────────────────────────

var (
	colorMantle   = lipgloss.Color("#181825") // deeper bg
	colorSurface0 = lipgloss.Color("#313244") // card bg
	colorSurface1 = lipgloss.Color("#45475A") // lighter surface
	colorText     = lipgloss.Color("#CDD6F4") // primary text
	colorSubtext  = lipgloss.Color("#A6ADC8") // secondary text
	colorDim      = lipgloss.Color("#585B70") // muted, borders

	colorAccent    = lipgloss.Color("#CBA6F7") // mauve – primary accent
	colorBlue      = lipgloss.Color("#89B4FA") // section headers
	colorSapphire  = lipgloss.Color("#74C7EC") // links, secondary accent
	colorGreen     = lipgloss.Color("#A6E3A1") // OK / healthy
	colorYellow    = lipgloss.Color("#F9E2AF") // warning
	colorRed       = lipgloss.Color("#F38BA8") // error / critical
	colorRosewater = lipgloss.Color("#F5E0DC") // hover
	colorLavender  = lipgloss.Color("#B4BEFE") // titles
)

// ─── Reusable Styles ────────────────────────────────────────────────────────

var (
	headerBrandStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorAccent)

	sectionHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorBlue)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(colorSapphire).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorSubtext)

	valueStyle = lipgloss.NewStyle().
			Foreground(colorText)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	metricValueStyle = lipgloss.NewStyle().
				Foreground(colorRosewater).
				Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	statusPillOKStyle = lipgloss.NewStyle().
				Foreground(colorMantle).
				Background(colorGreen).
				Bold(true).
				Padding(0, 1)

	statusPillWarnStyle = lipgloss.NewStyle().
				Foreground(colorMantle).
				Background(colorYellow).
				Bold(true).
				Padding(0, 1)

	statusPillCritStyle = lipgloss.NewStyle().
				Foreground(colorMantle).
				Background(colorRed).
				Bold(true).
				Padding(0, 1)

	statusPillDimStyle = lipgloss.NewStyle().
				Foreground(colorText).
				Background(colorSurface1).
				Padding(0, 1)

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorLavender).
			Background(colorSurface0).
			Padding(0, 1)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(colorDim).
				Padding(0, 1)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorSurface1).
			Padding(0, 1)
)

// Health is the coarse state of one instance as shown in the header pill.
type Health int

const (
	HealthUnknown Health = iota
	HealthOK
	HealthDegraded
	HealthStale
)

// HealthPill returns a filled badge for the instance header.
func HealthPill(h Health) string {
	switch h {
	case HealthOK:
		return statusPillOKStyle.Render("OK")
	case HealthDegraded:
		return statusPillWarnStyle.Render("RETRYING")
	case HealthStale:
		return statusPillCritStyle.Render("STALE")
	default:
		return statusPillDimStyle.Render("WAITING")
	}
}
