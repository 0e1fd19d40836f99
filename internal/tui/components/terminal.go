package components

import (
	"strings"
	"time"

	"github.com/allbin/go-espserial/internal/tui/styles"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// DefaultMaxLines bounds the scrollback kept by a Terminal
const DefaultMaxLines = 5000

// LogLineMsg carries one line forwarded from the chip
type LogLineMsg struct {
	Timestamp time.Time
	Line      string
}

// Terminal is a scrolling view of forwarded log lines
type Terminal struct {
	viewport   viewport.Model
	lines      []LogLineMsg
	maxLines   int
	follow     bool
	timestamps bool
}

func NewTerminal(width, height int) *Terminal {
	return &Terminal{
		viewport: viewport.New(width, height),
		maxLines: DefaultMaxLines,
		follow:   true,
	}
}

func (t *Terminal) SetSize(width, height int) {
	t.viewport.Width = width
	t.viewport.Height = height
	t.refresh()
}

func (t *Terminal) Width() int { return t.viewport.Width }

// AddLine appends a line, dropping the oldest beyond the scrollback limit
func (t *Terminal) AddLine(msg LogLineMsg) {
	t.lines = append(t.lines, msg)
	if over := len(t.lines) - t.maxLines; over > 0 {
		t.lines = append(t.lines[:0], t.lines[over:]...)
	}
	t.refresh()
}

// AddNotice appends a line produced by the monitor itself
func (t *Terminal) AddNotice(text string) {
	t.AddLine(LogLineMsg{Timestamp: time.Now(), Line: styles.InfoStyle.Render("-- " + text + " --")})
}

func (t *Terminal) Lines() int { return len(t.lines) }

func (t *Terminal) Clear() {
	t.lines = nil
	t.viewport.SetContent("")
}

func (t *Terminal) ToggleFollow() bool {
	t.follow = !t.follow
	if t.follow {
		t.viewport.GotoBottom()
	}
	return t.follow
}

func (t *Terminal) Following() bool { return t.follow }

func (t *Terminal) ToggleTimestamps() {
	t.timestamps = !t.timestamps
	t.refresh()
}

func (t *Terminal) ScrollUp() {
	t.follow = false
	t.viewport.ScrollUp(1)
}

func (t *Terminal) ScrollDown() {
	t.viewport.ScrollDown(1)
}

func (t *Terminal) GotoTop() {
	t.follow = false
	t.viewport.GotoTop()
}

func (t *Terminal) GotoBottom() {
	t.follow = true
	t.viewport.GotoBottom()
}

func (t *Terminal) refresh() {
	var b strings.Builder
	for i, l := range t.lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.format(l))
	}
	t.viewport.SetContent(b.String())
	if t.follow {
		t.viewport.GotoBottom()
	}
}

func (t *Terminal) format(l LogLineMsg) string {
	line := l.Line
	if style, ok := styles.LogLevelStyle(line); ok {
		line = style.Render(line)
	}
	if t.timestamps {
		return styles.TimestampStyle.Render(l.Timestamp.Format("15:04:05.000")) + " " + line
	}
	return line
}

func (t *Terminal) Update(msg tea.Msg) (viewport.Model, tea.Cmd) {
	// keep key messages away from the viewport's own bindings
	switch msg.(type) {
	case tea.WindowSizeMsg, tea.MouseMsg:
		var cmd tea.Cmd
		t.viewport, cmd = t.viewport.Update(msg)
		return t.viewport, cmd
	default:
		return t.viewport, nil
	}
}

func (t *Terminal) View() string {
	return t.viewport.View()
}
