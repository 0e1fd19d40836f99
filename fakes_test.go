package espserial

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// fakeLine is the state of one host serial line. Settings survive close and
// reopen, like a real tty.
type fakeLine struct {
	mu       sync.Mutex
	settings Settings
	open     int
	opens    int
	target   string // chip behind the line, empty for none
	data     chan []byte
}

// fakeHost is a set of fake serial lines
type fakeHost struct {
	mu      sync.Mutex
	lines   map[string]*fakeLine
	openErr map[string]error
}

func newFakeHost() *fakeHost {
	return &fakeHost{lines: make(map[string]*fakeLine), openErr: make(map[string]error)}
}

func (h *fakeHost) add(name, target string) *fakeLine {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := &fakeLine{
		target: target,
		data:   make(chan []byte, 16),
		settings: Settings{
			BaudRate: 115200, DataBits: 8, StopBits: 1,
			ReadTimeout: 100 * time.Millisecond,
		},
	}
	h.lines[name] = l
	return l
}

func (h *fakeHost) line(name string) *fakeLine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lines[name]
}

func (h *fakeHost) ports() ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.lines))
	for n := range h.lines {
		names = append(names, n)
	}
	return names, nil
}

func (h *fakeHost) Open(device string, config Config) (Port, error) {
	h.mu.Lock()
	l, ok := h.lines[device]
	err := h.openErr[device]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("failed to open %s: %w", device, ErrDeviceNotFound)
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open > 0 {
		return nil, fmt.Errorf("failed to open %s: %w", device, ErrDeviceInUse)
	}
	l.open++
	l.opens++
	l.settings.BaudRate = config.BaudRate
	return &fakePort{name: device, line: l, data: l.data}, nil
}

func (l *fakeLine) snapshot() Settings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings
}

// feed queues bytes for whichever port reads the line next
func (l *fakeLine) feed(s string) {
	l.data <- []byte(s)
}

func (l *fakeLine) isOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open > 0
}

// fakePort implements Port over a fakeLine
type fakePort struct {
	name     string
	line     *fakeLine
	mu       sync.Mutex
	closed   bool
	data     chan []byte
	applyErr error
	closeErr error
}

func (p *fakePort) Name() string { return p.name }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPortClosed
	}
	p.closed = true
	p.line.mu.Lock()
	p.line.open--
	p.line.mu.Unlock()
	return p.closeErr
}

func (p *fakePort) Read([]byte) (int, error)      { return 0, nil }
func (p *fakePort) Write(b []byte) (int, error)   { return len(b), nil }
func (p *fakePort) Drain() error                  { return nil }
func (p *fakePort) FlushInput() error             { return nil }
func (p *fakePort) FlushOutput() error            { return nil }
func (p *fakePort) SetDTR(bool) error             { return nil }
func (p *fakePort) SetRTS(bool) error             { return nil }
func (p *fakePort) GetModemSignals() (ModemSignals, error) {
	return ModemSignals{}, nil
}

func (p *fakePort) ReadContext(ctx context.Context, buf []byte) (int, error) {
	select {
	case b := <-p.data:
		return copy(buf, b), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *fakePort) Settings() (Settings, error) {
	return p.line.snapshot(), nil
}

func (p *fakePort) ApplySettings(s Settings) error {
	if p.applyErr != nil {
		return p.applyErr
	}
	p.line.mu.Lock()
	defer p.line.mu.Unlock()
	p.line.settings = s
	return nil
}

func (p *fakePort) SetBaudRate(rate int) error {
	p.line.mu.Lock()
	defer p.line.mu.Unlock()
	p.line.settings.BaudRate = rate
	return nil
}

func (p *fakePort) SetReadTimeout(timeout time.Duration) error {
	p.line.mu.Lock()
	defer p.line.mu.Unlock()
	p.line.settings.ReadTimeout = timeout
	return nil
}

// fakeProtocol is a ChipProtocol over a fakeHost. Detection on a raw
// connection switches the line to the loader baud rate, as a real loader
// does.
type fakeProtocol struct {
	host    *fakeHost
	version string
	targets []string

	mu         sync.Mutex
	detections int
	stubs      []*fakeStub
	resetErr   error
}

func newFakeProtocol(host *fakeHost) *fakeProtocol {
	return &fakeProtocol{
		host:    host,
		version: "v4",
		targets: []string{"esp32", "esp32s3", "esp32c3"},
	}
}

func (p *fakeProtocol) LoaderVersion() string        { return p.version }
func (p *fakeProtocol) SupportedTargets() []string   { return p.targets }
func (p *fakeProtocol) ListPorts() ([]string, error) { return p.host.ports() }

func (p *fakeProtocol) DetectChip(ctx context.Context, req DetectRequest) (ChipHandle, error) {
	p.mu.Lock()
	p.detections++
	p.mu.Unlock()

	ports := req.Candidates
	if req.Port != "" {
		ports = []string{req.Port}
	}
	for _, name := range ports {
		l := p.host.line(name)
		if l == nil || l.target == "" {
			continue
		}
		if req.Target != "" && req.Target != TargetAuto && l.target != req.Target {
			continue
		}
		return &fakeChip{name: chipNames[l.target], target: l.target, port: name, proto: p}, nil
	}
	return nil, nil
}

func (p *fakeProtocol) DetectOn(ctx context.Context, conn Port, baud int) (ChipHandle, error) {
	l := p.host.line(conn.Name())
	if l == nil || l.target == "" {
		return nil, fmt.Errorf("no chip on %s", conn.Name())
	}
	if err := conn.SetBaudRate(460800); err != nil {
		return nil, err
	}
	return &fakeChip{name: chipNames[l.target], target: l.target, port: conn.Name(), proto: p}, nil
}

func (p *fakeProtocol) stubCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stubs)
}

var chipNames = map[string]string{
	"esp32":   "ESP32",
	"esp32s3": "ESP32-S3",
	"esp32c3": "ESP32-C3",
}

type fakeChip struct {
	name   string
	target string
	port   string
	proto  *fakeProtocol
	closed bool
}

func (c *fakeChip) ChipName() string                          { return c.name }
func (c *fakeChip) Target() string                            { return c.target }
func (c *fakeChip) PortName() string                          { return c.port }
func (c *fakeChip) Connect(context.Context, ResetMode) error { return nil }

func (c *fakeChip) RunStub(context.Context) (StubHandle, error) {
	c.proto.mu.Lock()
	defer c.proto.mu.Unlock()
	s := &fakeStub{err: c.proto.resetErr}
	c.proto.stubs = append(c.proto.stubs, s)
	return s, nil
}

func (c *fakeChip) Close() error {
	c.closed = true
	return nil
}

type fakeStub struct {
	mu     sync.Mutex
	resets int
	err    error
}

func (s *fakeStub) IsStub() bool { return true }

func (s *fakeStub) HardReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return s.err
}

// mockProtocol is a testify mock of ChipProtocol
type mockProtocol struct {
	mock.Mock
}

func (m *mockProtocol) LoaderVersion() string {
	return m.Called().String(0)
}

func (m *mockProtocol) SupportedTargets() []string {
	return m.Called().Get(0).([]string)
}

func (m *mockProtocol) ListPorts() ([]string, error) {
	args := m.Called()
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockProtocol) DetectChip(ctx context.Context, req DetectRequest) (ChipHandle, error) {
	args := m.Called(ctx, req)
	chip, _ := args.Get(0).(ChipHandle)
	return chip, args.Error(1)
}

func (m *mockProtocol) DetectOn(ctx context.Context, conn Port, baud int) (ChipHandle, error) {
	args := m.Called(ctx, conn, baud)
	chip, _ := args.Get(0).(ChipHandle)
	return chip, args.Error(1)
}

// staticLister returns a fixed port list
type staticLister []string

func (l staticLister) List() ([]string, error) { return append([]string(nil), l...), nil }

// recordingSession is a LogSession that logs its calls
type recordingSession struct {
	mu       sync.Mutex
	port     string
	running  bool
	events   []string
	startErr error
	stopErr  error
}

func (s *recordingSession) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "start")
	if s.startErr != nil {
		return s.startErr
	}
	if s.running {
		return ErrSessionRunning
	}
	s.running = true
	return nil
}

func (s *recordingSession) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "stop")
	if s.stopErr != nil {
		return s.stopErr
	}
	if !s.running {
		return ErrSessionStopped
	}
	s.running = false
	return nil
}

func (s *recordingSession) Port() string       { return s.port }
func (s *recordingSession) BaudRate() int      { return 115200 }
func (s *recordingSession) PortConfig() Config { return DefaultConfig() }

func (s *recordingSession) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *recordingSession) log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}
