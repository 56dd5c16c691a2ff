package theme

import "github.com/charmbracelet/lipgloss"

// Color palette - dark theme inspired by Catppuccin Mocha
var (
	ColorBase     = lipgloss.Color("#1e1e2e")
	ColorSurface0 = lipgloss.Color("#313244")
	ColorSurface1 = lipgloss.Color("#45475a")
	ColorOverlay0 = lipgloss.Color("#6c7086")
	ColorText     = lipgloss.Color("#cdd6f4")
	ColorSubtext0 = lipgloss.Color("#a6adc8")

	ColorRed      = lipgloss.Color("#f38ba8")
	ColorGreen    = lipgloss.Color("#a6e3a1")
	ColorYellow   = lipgloss.Color("#f9e2af")
	ColorBlue     = lipgloss.Color("#89b4fa")
	ColorMauve    = lipgloss.Color("#cba6f7")
	ColorTeal     = lipgloss.Color("#94e2d5")
	ColorPeach    = lipgloss.Color("#fab387")
	ColorLavender = lipgloss.Color("#b4befe")
)

// Worker liveness indicators.
var (
	StatusRunning = lipgloss.NewStyle().Foreground(ColorGreen).Bold(true).SetString("●")
	StatusStopped = lipgloss.NewStyle().Foreground(ColorOverlay0).SetString("○")
)

// LivenessIndicator returns the styled marker for a worker's running state.
func LivenessIndicator(running bool) string {
	if running {
		return StatusRunning.String()
	}
	return StatusStopped.String()
}

// RoleStyle colors a role tag consistently across the TUI.
func RoleStyle(role string) lipgloss.Style {
	var c lipgloss.Color
	switch role {
	case "coord":
		c = ColorMauve
	case "admin":
		c = ColorBlue
	case "review":
		c = ColorTeal
	case "test":
		c = ColorPeach
	default:
		c = ColorSubtext0
	}
	return lipgloss.NewStyle().Foreground(c)
}
