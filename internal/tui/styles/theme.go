package styles

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha palette, the subset the monitor uses
var (
	Base     = lipgloss.Color("#1e1e2e")
	Surface0 = lipgloss.Color("#313244")
	Surface1 = lipgloss.Color("#45475a")
	Surface2 = lipgloss.Color("#585b70")
	Overlay0 = lipgloss.Color("#6c7086")
	Subtext0 = lipgloss.Color("#a6adc8")
	Text     = lipgloss.Color("#cdd6f4")

	Blue   = lipgloss.Color("#89b4fa")
	Green  = lipgloss.Color("#a6e3a1")
	Yellow = lipgloss.Color("#f9e2af")
	Peach  = lipgloss.Color("#fab387")
	Red    = lipgloss.Color("#f38ba8")
	Mauve  = lipgloss.Color("#cba6f7")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Mauve).
			Padding(0, 1)

	ContentBorderStyle = lipgloss.NewStyle().
				BorderTop(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderForeground(Surface1)

	TimestampStyle = lipgloss.NewStyle().
			Foreground(Overlay0)

	ErrorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Red)

	InfoStyle = lipgloss.NewStyle().
			Foreground(Mauve)
)

// LogLevelStyle colours ESP-IDF log lines by their level prefix ("E (123) tag: ...")
func LogLevelStyle(line string) (lipgloss.Style, bool) {
	if len(line) < 2 || line[1] != ' ' {
		return lipgloss.Style{}, false
	}
	switch line[0] {
	case 'E':
		return lipgloss.NewStyle().Foreground(Red), true
	case 'W':
		return lipgloss.NewStyle().Foreground(Yellow), true
	case 'I':
		return lipgloss.NewStyle().Foreground(Green), true
	case 'D', 'V':
		return lipgloss.NewStyle().Foreground(Subtext0), true
	}
	return lipgloss.Style{}, false
}

// StateColor maps an exclusive session state name to a badge colour
func StateColor(state string) lipgloss.Color {
	switch state {
	case "idle", "resumed":
		return Green
	case "suspended", "restoring":
		return Yellow
	case "connected", "stub_active", "resetting":
		return Peach
	default:
		return Blue
	}
}
