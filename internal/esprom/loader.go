package esprom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	defaultAttempts    = 3
	syncRetries        = 5
	syncTimeout        = 100 * time.Millisecond
	commandTimeout     = 3 * time.Second
	memEndTimeout      = 200 * time.Millisecond
	stubStartTimeout   = 3 * time.Second
	drainTimeout       = 50 * time.Millisecond
	defaultInitialBaud = 115200
)

var (
	ErrNoChip         = errors.New("no chip answered")
	ErrUnknownChip    = errors.New("unknown chip")
	ErrStubNotStarted = errors.New("stub did not start")
)

// Conn is the serial line the loader talks over
type Conn interface {
	io.ReadWriter
	SetDTR(bool) error
	SetRTS(bool) error
	SetBaudRate(int) error
	SetReadTimeout(time.Duration) error
	FlushInput() error
}

// Transport is a Conn the loader opened itself and must close
type Transport interface {
	Conn
	io.Closer
}

// ResetMode selects how the chip enters its bootloader
type ResetMode int

const (
	ResetDefault ResetMode = iota
	ResetHard
	ResetNone
	ResetNoSync
)

// Loader finds and drives Espressif ROM loaders
type Loader struct {
	Profile Profile

	// Open opens a port at baud. Defaults to go.bug.st/serial.
	Open func(name string, baud int) (Transport, error)

	// List enumerates host ports. Defaults to go.bug.st/serial.
	List func() ([]string, error)

	// Stubs provides stub images. Nil runs without a stub.
	Stubs StubSource

	Logger *slog.Logger

	// sleep is swapped out in tests
	sleep func(time.Duration)
}

// NewLoader creates a loader for profile with the default transport
func NewLoader(profile Profile, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{
		Profile: profile,
		Open:    OpenSerial,
		List:    ListSerial,
		Logger:  logger,
	}
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.Logger
}

func (l *Loader) pause(d time.Duration) {
	if l.sleep != nil {
		l.sleep(d)
		return
	}
	time.Sleep(d)
}

// ListPorts enumerates host serial ports
func (l *Loader) ListPorts() ([]string, error) {
	if l.List == nil {
		return ListSerial()
	}
	return l.List()
}

// DetectOptions parameters for Detect
type DetectOptions struct {
	Candidates  []string
	Port        string // only this port when set
	Attempts    int
	InitialBaud int
	Target      string // expected target id, empty or "auto" for any
}

// Detect tries each candidate in order and returns the first chip that
// answers and matches opts.Target. The returned chip owns its transport.
// When nothing answers the error wraps ErrNoChip.
func (l *Loader) Detect(ctx context.Context, opts DetectOptions) (*Chip, error) {
	ports := opts.Candidates
	if opts.Port != "" {
		ports = []string{opts.Port}
	}
	baud := opts.InitialBaud
	if baud <= 0 {
		baud = defaultInitialBaud
	}

	open := l.Open
	if open == nil {
		open = OpenSerial
	}

	log := l.logger()
	var errs []error
	for _, name := range ports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		log.Debug("probing port", "port", name, "baud", baud)
		t, err := open(name, baud)
		if err != nil {
			log.Debug("open failed", "port", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		chip, err := l.identify(ctx, t, name, baud, opts.Attempts)
		if err != nil {
			_ = t.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Debug("no loader answered", "port", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		if opts.Target != "" && opts.Target != "auto" && chip.target.ID != opts.Target {
			_ = t.Close()
			log.Info("skipping port with other chip", "port", name, "chip", chip.target.ChipName, "want", opts.Target)
			errs = append(errs, fmt.Errorf("%s: found %s, want %s", name, chip.target.ID, opts.Target))
			continue
		}

		chip.closer = t
		log.Info("chip detected", "port", name, "chip", chip.target.ChipName)
		return chip, nil
	}

	if len(errs) == 0 {
		return nil, ErrNoChip
	}
	return nil, fmt.Errorf("%w: %w", ErrNoChip, errors.Join(errs...))
}

// DetectOn identifies the chip behind conn. The chip does not own conn.
func (l *Loader) DetectOn(ctx context.Context, conn Conn, name string, baud int) (*Chip, error) {
	if baud <= 0 {
		baud = defaultInitialBaud
	}
	return l.identify(ctx, conn, name, baud, 0)
}

func (l *Loader) identify(ctx context.Context, conn Conn, name string, baud, attempts int) (*Chip, error) {
	if err := conn.SetBaudRate(baud); err != nil {
		return nil, err
	}
	if err := conn.SetReadTimeout(syncTimeout); err != nil {
		return nil, err
	}

	c := &Chip{
		loader: l,
		conn:   conn,
		reader: newFrameReader(conn),
		port:   name,
	}
	if err := c.connect(ctx, ResetDefault, attempts); err != nil {
		return nil, err
	}

	magic, err := c.readReg(ctx, chipDetectMagicRegAddr)
	if err != nil {
		return nil, err
	}
	target, ok := l.Profile.ByMagic(magic)
	if !ok {
		return nil, fmt.Errorf("%w: magic 0x%08x not in loader %s", ErrUnknownChip, magic, l.Profile.Version)
	}
	c.target = target
	return c, nil
}

// Chip is a detected chip with its loader in sync
type Chip struct {
	loader *Loader
	conn   Conn
	reader *frameReader
	closer io.Closer
	port   string
	target Target
}

func (c *Chip) Target() Target   { return c.target }
func (c *Chip) PortName() string { return c.port }

// Connect resets into the bootloader per mode and syncs
func (c *Chip) Connect(ctx context.Context, mode ResetMode) error {
	return c.connect(ctx, mode, 0)
}

func (c *Chip) connect(ctx context.Context, mode ResetMode, attempts int) error {
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.enterBootloader(mode); err != nil {
			return err
		}
		if mode == ResetNoSync {
			return nil
		}
		if last = c.sync(ctx); last == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", attempts, last)
}

func (c *Chip) sync(ctx context.Context) error {
	if err := c.conn.FlushInput(); err != nil {
		return err
	}
	c.reader.reset()

	var last error
	for i := 0; i < syncRetries; i++ {
		if _, last = c.command(ctx, opSync, syncPayload, 0, syncTimeout); last == nil {
			// the ROM answers a SYNC several times
			c.drain(ctx)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return last
}

func (c *Chip) drain(ctx context.Context) {
	deadline := time.Now().Add(drainTimeout)
	for {
		if _, err := c.reader.readFrame(ctx, deadline); err != nil {
			return
		}
	}
}

func (c *Chip) readReg(ctx context.Context, addr uint32) (uint32, error) {
	resp, err := c.command(ctx, opReadReg, le32(addr), 0, commandTimeout)
	if err != nil {
		return 0, err
	}
	return resp.value, nil
}

// command sends one request and waits for the matching response
func (c *Chip) command(ctx context.Context, op byte, data []byte, chk uint32, timeout time.Duration) (response, error) {
	if _, err := c.conn.Write(slipEncode(encodeCommand(op, data, chk))); err != nil {
		return response{}, err
	}

	deadline := time.Now().Add(timeout)
	for {
		frame, err := c.reader.readFrame(ctx, deadline)
		if err != nil {
			return response{}, err
		}
		resp, err := decodeResponse(frame)
		if err != nil || resp.op != op {
			continue
		}
		if err := resp.status(); err != nil {
			return resp, err
		}
		return resp, nil
	}
}

// Close closes the transport when the chip owns it
func (c *Chip) Close() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}
