package components

import (
	"fmt"

	"github.com/allbin/go-espserial/internal/tui/styles"
	"github.com/charmbracelet/lipgloss"
)

// SessionStateMsg reports an exclusive session transition on the port
type SessionStateMsg struct {
	Port     string
	From, To string
}

// DeviceInfo describes the bound device
type DeviceInfo struct {
	Port     string
	Target   string
	ChipName string
	Baud     int
	Loader   string
}

type StatusBar struct {
	device *DeviceInfo
	status string
	state  string
	err    error
	resets int
	follow bool
	width  int
}

func NewStatusBar() *StatusBar {
	return &StatusBar{status: "Detecting...", state: "idle", follow: true}
}

func (sb *StatusBar) SetWidth(width int) { sb.width = width }

func (sb *StatusBar) SetDevice(info *DeviceInfo) {
	sb.device = info
	sb.status = "Monitoring"
	sb.err = nil
}

func (sb *StatusBar) SetState(state string) { sb.state = state }

func (sb *StatusBar) SetFollow(follow bool) { sb.follow = follow }

func (sb *StatusBar) SetStatus(status string, err error) {
	sb.status = status
	sb.err = err
}

func (sb *StatusBar) ResetDone() {
	sb.resets++
	sb.status = "Monitoring"
	sb.err = nil
}

// View renders the bar: state badge, port and chip on the left, link
// parameters and counters on the right
func (sb *StatusBar) View(timestamp string) string {
	width := sb.width
	if width <= 0 {
		width = 80
	}

	badge := lipgloss.NewStyle().
		Foreground(styles.Base).
		Background(styles.StateColor(sb.state)).
		Bold(true).
		Padding(0, 1).
		Render(sb.state)

	port := "no device"
	chip := ""
	details := "⚡ serial"
	if sb.device != nil {
		port = sb.device.Port
		chip = fmt.Sprintf("%s (%s)", sb.device.ChipName, sb.device.Target)
		details = fmt.Sprintf("⚡ %d baud, loader %s", sb.device.Baud, sb.device.Loader)
	}
	portView := styles.TitleStyle.Render(port)
	chipView := lipgloss.NewStyle().Foreground(styles.Peach).Padding(0, 1).Render(chip)

	var indicator string
	switch {
	case sb.err != nil:
		indicator = lipgloss.NewStyle().Foreground(styles.Red).Render("✗ " + sb.status)
	case sb.device != nil:
		indicator = lipgloss.NewStyle().Foreground(styles.Green).Render("● " + sb.status)
	default:
		indicator = lipgloss.NewStyle().Foreground(styles.Yellow).Render("○ " + sb.status)
	}

	follow := "follow"
	if !sb.follow {
		follow = "paused"
	}
	divider := lipgloss.NewStyle().Foreground(styles.Surface2).Padding(0, 1).Render("│")
	muted := lipgloss.NewStyle().Foreground(styles.Subtext0).Padding(0, 1)

	left := lipgloss.JoinHorizontal(lipgloss.Left, badge, portView, chipView, indicator, divider)
	right := lipgloss.JoinHorizontal(lipgloss.Left,
		muted.Render(details), divider,
		muted.Render(fmt.Sprintf("resets %d", sb.resets)), divider,
		muted.Render(follow), divider,
		muted.Render(timestamp))

	spacer := width - lipgloss.Width(left) - lipgloss.Width(right)
	if spacer < 1 {
		spacer = 1
	}

	return lipgloss.NewStyle().
		Foreground(styles.Text).
		Background(styles.Surface0).
		Width(width).
		Render(lipgloss.JoinHorizontal(lipgloss.Left, left, lipgloss.NewStyle().Width(spacer).Render(""), right))
}
