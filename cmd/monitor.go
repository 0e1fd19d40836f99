/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	espserial "github.com/allbin/go-espserial"
	"github.com/allbin/go-espserial/internal/tui/components"
	"github.com/allbin/go-espserial/internal/tui/keys"
	"github.com/allbin/go-espserial/internal/tui/models"
	"github.com/allbin/go-espserial/internal/tui/styles"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Bind to an Espressif chip and follow its log output",
	Long: `Discover an Espressif chip, claim its port and follow the lines it prints.

The interactive view shows the bound port, chip and the state of any
exclusive session. Press r to hard reset the chip; the log session is
suspended during the reset and resumes on the same port afterwards.

Use --plain to write the log to stdout instead, e.g. when piping.

Examples:
  espserial monitor
  espserial monitor --target esp32c3 --reset-on-start=false
  espserial monitor --plain --capture boot.log`,
	Run: func(cmd *cobra.Command, args []string) {
		plain, _ := cmd.Flags().GetBool("plain")
		capturePath, _ := cmd.Flags().GetString("capture")
		resetOnStart, _ := cmd.Flags().GetBool("reset-on-start")

		logger := newLogger()
		opts, err := deviceOptions(logger)
		exitOnError(err)
		opts = append(opts, espserial.WithHardResetOnStart(resetOnStart))

		var capture io.Writer
		if capturePath != "" {
			f, err := os.Create(capturePath)
			exitOnError(err)
			defer f.Close()
			capture = f
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if plain {
			err = runMonitorPlain(ctx, opts, capture)
		} else {
			err = runMonitorTUI(ctx, opts, capture)
		}
		exitOnError(err)
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().Bool("plain", false, "Write log lines to stdout instead of the interactive view")
	monitorCmd.Flags().StringP("capture", "c", "", "Also write log lines to this file")
	monitorCmd.Flags().Bool("reset-on-start", true, "Hard reset the chip once after binding")
}

func runMonitorPlain(ctx context.Context, opts []espserial.DeviceOption, capture io.Writer) error {
	var out io.Writer = os.Stdout
	if capture != nil {
		out = io.MultiWriter(os.Stdout, capture)
	}

	dev, err := espserial.NewDevice(ctx, append(opts, espserial.WithOutput(out))...)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Monitoring %s on %s. Press Ctrl+C to exit.\n", dev.ChipName(), dev.Port())
	<-ctx.Done()
	return dev.Close()
}

// lineSender turns forwarded output into LogLineMsgs for the program
type lineSender struct {
	program *tea.Program
	capture io.Writer
}

func (s *lineSender) Write(b []byte) (int, error) {
	if s.capture != nil {
		if _, err := s.capture.Write(b); err != nil {
			return 0, err
		}
	}
	now := time.Now()
	for _, line := range strings.Split(strings.TrimSuffix(string(b), "\n"), "\n") {
		s.program.Send(components.LogLineMsg{Timestamp: now, Line: line})
	}
	return len(b), nil
}

type tickMsg time.Time

// monitorModel represents the Bubble Tea model for the monitor command
type monitorModel struct {
	*models.MonitorModel
	opts      []espserial.DeviceOption
	terminal  *components.Terminal
	statusBar *components.StatusBar
	help      help.Model
	keys      keys.MonitorKeys
	width     int
	height    int
}

func runMonitorTUI(ctx context.Context, opts []espserial.DeviceOption, capture io.Writer) error {
	sender := &lineSender{capture: capture}

	m := &monitorModel{
		MonitorModel: models.NewMonitorModel(ctx),
		terminal:     components.NewTerminal(0, 0), // sized by WindowSizeMsg
		statusBar:    components.NewStatusBar(),
		help:         help.New(),
		keys:         keys.NewMonitorKeys(),
	}

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	sender.program = p

	m.opts = append(opts,
		espserial.WithOutput(sender),
		espserial.WithObserver(func(port string, from, to espserial.SessionState) {
			p.Send(components.SessionStateMsg{Port: port, From: from.String(), To: to.String()})
		}),
	)

	_, runErr := p.Run()
	if err := m.Cleanup(); err != nil {
		return err
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return m.Err()
}

func (m *monitorModel) Init() tea.Cmd {
	return tea.Batch(m.bind(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// bind resolves and claims the device off the UI loop
func (m *monitorModel) bind() tea.Cmd {
	ctx := m.Context()
	opts := m.opts
	return func() tea.Msg {
		dev, err := espserial.NewDevice(ctx, opts...)
		if err != nil {
			return models.DeviceReadyMsg{Err: err}
		}
		if !m.AttachDevice(dev) {
			dev.Close()
			return models.DeviceReadyMsg{Err: ctx.Err()}
		}
		return models.DeviceReadyMsg{Device: dev}
	}
}

func (m *monitorModel) hardReset() tea.Cmd {
	dev := m.Device()
	ctx := m.Context()
	return func() tea.Msg {
		return models.ResetDoneMsg{Err: dev.HardReset(ctx)}
	}
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		m.SetReady(true)

	case tickMsg:
		return m, tick()

	case models.DeviceReadyMsg:
		if msg.Err != nil {
			m.SetErr(msg.Err)
			m.statusBar.SetStatus("Detection failed", msg.Err)
			m.terminal.AddNotice(fmt.Sprintf("error: %v", msg.Err))
			return m, nil
		}
		dev := msg.Device
		m.statusBar.SetDevice(&components.DeviceInfo{
			Port:     dev.Port(),
			Target:   dev.Target(),
			ChipName: dev.ChipName(),
			Baud:     dev.Baud(),
			Loader:   viper.GetString("loader"),
		})
		m.terminal.AddNotice(fmt.Sprintf("bound to %s on %s", dev.ChipName(), dev.Port()))

	case components.LogLineMsg:
		m.terminal.AddLine(msg)

	case components.SessionStateMsg:
		m.statusBar.SetState(msg.To)

	case models.ResetDoneMsg:
		m.SetResetting(false)
		if msg.Err != nil {
			m.statusBar.SetStatus("Reset failed", msg.Err)
			m.terminal.AddNotice(fmt.Sprintf("reset failed: %v", msg.Err))
			return m, nil
		}
		m.statusBar.ResetDone()
		m.terminal.AddNotice("hard reset")

	case tea.MouseMsg:
		m.terminal.Update(msg)

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keys.Reset):
			if m.Device() == nil || m.Resetting() {
				return m, nil
			}
			m.SetResetting(true)
			m.statusBar.SetStatus("Resetting...", nil)
			return m, m.hardReset()

		case key.Matches(msg, m.keys.Clear):
			m.terminal.Clear()

		case key.Matches(msg, m.keys.Follow):
			m.statusBar.SetFollow(m.terminal.ToggleFollow())

		case key.Matches(msg, m.keys.ToggleTimestamp):
			m.terminal.ToggleTimestamps()

		case key.Matches(msg, m.keys.Up):
			m.terminal.ScrollUp()
			m.statusBar.SetFollow(m.terminal.Following())

		case key.Matches(msg, m.keys.Down):
			m.terminal.ScrollDown()

		case key.Matches(msg, m.keys.GotoTop):
			m.terminal.GotoTop()
			m.statusBar.SetFollow(false)

		case key.Matches(msg, m.keys.GotoBottom):
			m.terminal.GotoBottom()
			m.statusBar.SetFollow(true)

		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			m.layout()
		}
	}

	return m, nil
}

// layout sizes the log view to what the border, help and status bar leave
func (m *monitorModel) layout() {
	m.help.Width = m.width
	m.statusBar.SetWidth(m.width)

	reserved := 1 + 1 + lipgloss.Height(m.help.View(m.keys))
	height := m.height - reserved
	if height < 1 {
		height = 1
	}
	m.terminal.SetSize(m.width, height)
}

func (m *monitorModel) View() string {
	content := "Initializing..."
	if m.IsReady() {
		content = m.terminal.View()
	}
	if m.Device() == nil && m.Err() == nil {
		content = styles.InfoStyle.Render("Searching for a chip...")
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		styles.ContentBorderStyle.Render(content),
		m.help.View(m.keys),
		m.statusBar.View(time.Now().Format("15:04:05")),
	)
}
