package espserial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// LogSession forwards a device's serial output while the port is not under
// exclusive control
type LogSession interface {
	// Start opens the port and begins forwarding
	Start(ctx context.Context) error

	// Stop ends forwarding and returns once the port is closed
	Stop(ctx context.Context) error

	Port() string
	BaudRate() int
	PortConfig() Config
	Running() bool
}

// SessionStatus is the lifecycle state of a Forwarder
type SessionStatus int

const (
	SessionStopped SessionStatus = iota
	SessionRunning
	SessionFailed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionStopped:
		return "stopped"
	case SessionRunning:
		return "running"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ForwarderConfig configures a Forwarder
type ForwarderConfig struct {
	Port   string
	Config Config

	// Output receives every line read from the port. Nil discards.
	Output io.Writer

	// OnConnect runs once, after the first successful open
	OnConnect func(port string)

	// Open defaults to OpenConfig
	Open func(device string, config Config) (Port, error)

	Logger *slog.Logger
}

// Forwarder is a LogSession that copies the port's output, line by line,
// to a writer and the logger from a background goroutine.
type Forwarder struct {
	cfg ForwarderConfig

	mu      sync.Mutex
	status  SessionStatus
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}

	connectOnce sync.Once
}

var _ LogSession = (*Forwarder)(nil)

// NewForwarder creates a stopped forwarder
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.Open == nil {
		cfg.Open = OpenConfig
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger
	}
	return &Forwarder{cfg: cfg}
}

func (f *Forwarder) Port() string       { return f.cfg.Port }
func (f *Forwarder) BaudRate() int      { return f.cfg.Config.BaudRate }
func (f *Forwarder) PortConfig() Config { return f.cfg.Config }

// Running reports whether the forwarding goroutine is active
func (f *Forwarder) Running() bool {
	return f.Status() == SessionRunning
}

// Status returns the current lifecycle state
func (f *Forwarder) Status() SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Err returns the error that ended the last run, if any
func (f *Forwarder) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// Start opens the port and launches the forwarding goroutine. The goroutine
// outlives ctx cancellation; use Stop to end it.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status == SessionRunning {
		return ErrSessionRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := f.cfg.Open(f.cfg.Port, f.cfg.Config)
	if err != nil {
		f.status = SessionFailed
		f.lastErr = err
		return err
	}

	if f.cfg.OnConnect != nil {
		f.connectOnce.Do(func() { f.cfg.OnConnect(f.cfg.Port) })
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	f.done = make(chan struct{})
	f.status = SessionRunning
	f.lastErr = nil

	f.cfg.Logger.Debug("log session started", "port", f.cfg.Port, "baud", f.cfg.Config.BaudRate)
	go f.run(runCtx, conn, f.done)
	return nil
}

// Stop cancels the forwarding goroutine and waits until it has closed the
// port. Stopping a session whose goroutine already failed succeeds. The wait
// ignores ctx: once cancelled the goroutine exits within one poll interval,
// and returning earlier would leave the port open with the status unknown.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	if f.status == SessionStopped || f.done == nil {
		f.mu.Unlock()
		return ErrSessionStopped
	}
	cancel, done := f.cancel, f.done
	f.mu.Unlock()

	cancel()
	<-done

	f.mu.Lock()
	f.status = SessionStopped
	f.done = nil
	f.mu.Unlock()

	f.cfg.Logger.Debug("log session stopped", "port", f.cfg.Port)
	return nil
}

func (f *Forwarder) run(ctx context.Context, conn Port, done chan<- struct{}) {
	defer close(done)

	var pending []byte
	buf := make([]byte, 1024)

	err := func() error {
		for {
			n, err := conn.ReadContext(ctx, buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
				pending = f.emitLines(pending)
			}
			if err != nil {
				return err
			}
		}
	}()

	if len(pending) > 0 {
		f.emit(pending)
	}
	if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, ErrPortClosed) {
		f.cfg.Logger.Warn("failed to close port", "port", f.cfg.Port, "error", cerr)
	}

	if errors.Is(err, context.Canceled) {
		return
	}

	f.cfg.Logger.Error("log session failed", "port", f.cfg.Port, "error", err)
	f.mu.Lock()
	f.status = SessionFailed
	f.lastErr = err
	f.mu.Unlock()
}

// emitLines writes every complete line in data and returns the remainder
func (f *Forwarder) emitLines(data []byte) []byte {
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return data
		}
		f.emit(data[:i])
		data = data[i+1:]
	}
}

func (f *Forwarder) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	f.cfg.Logger.Debug("serial", "port", f.cfg.Port, "line", string(line))
	if _, err := f.cfg.Output.Write(append(append([]byte(nil), line...), '\n')); err != nil {
		f.cfg.Logger.Warn("failed to forward line", "port", f.cfg.Port, "error", err)
	}
}
