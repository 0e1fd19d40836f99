package espserial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Port represents a raw serial port connection
type Port interface {
	Name() string
	Close() error
	Read(buf []byte) (int, error)
	Write(data []byte) (int, error)
	ReadContext(ctx context.Context, buf []byte) (int, error)
	Drain() error
	FlushInput() error
	FlushOutput() error

	// Line settings
	Settings() (Settings, error)
	ApplySettings(s Settings) error
	SetBaudRate(rate int) error
	SetReadTimeout(timeout time.Duration) error

	// Modem signal control, used by the chip loader for reset sequences
	GetModemSignals() (ModemSignals, error)
	SetDTR(state bool) error
	SetRTS(state bool) error
}

// port is the concrete implementation of the Port interface
type port struct {
	mu     sync.RWMutex
	fd     int
	name   string
	closed bool
}

// Ensure port implements Port interface at compile time
var _ Port = (*port)(nil)

// FlowControl represents the flow control mode
type FlowControl int

const (
	FlowControlNone FlowControl = iota
	FlowControlRTSCTS
)

// Parity represents the parity mode
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// ModemSignals represents modem control signal states
type ModemSignals struct {
	CTS bool // Clear To Send
	DSR bool // Data Set Ready
	RI  bool // Ring Indicator
	DCD bool // Data Carrier Detect
	RTS bool // Request To Send
	DTR bool // Data Terminal Ready
}

// Settings is a snapshot of a port's line configuration. It is taken with
// Port.Settings and reapplied verbatim with Port.ApplySettings.
type Settings struct {
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      Parity
	FlowControl FlowControl
	ReadTimeout time.Duration

	termios unix.Termios
}

// Equal reports whether two snapshots describe the same line configuration
func (s Settings) Equal(o Settings) bool {
	return s == o
}

// pollInterval bounds how long ReadContext waits before rechecking its context
const pollInterval = 100 * time.Millisecond

var baudRates = map[int]uint32{
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1152000: unix.B1152000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	2500000: unix.B2500000,
	3000000: unix.B3000000,
	3500000: unix.B3500000,
	4000000: unix.B4000000,
}

// getBaudRate converts an integer baud rate to the unix constant
func getBaudRate(rate int) (uint32, error) {
	if b, ok := baudRates[rate]; ok {
		return b, nil
	}
	return 0, ErrInvalidBaudRate
}

// baudRateOf converts a termios speed constant back to an integer rate
func baudRateOf(speed uint32) int {
	for rate, b := range baudRates {
		if b == speed {
			return rate
		}
	}
	return 0
}

// Open opens a serial port with the given device path and options
func Open(device string, opts ...Option) (Port, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&config); err != nil {
			return nil, err
		}
	}
	return OpenConfig(device, config)
}

// OpenConfig opens a serial port with a complete configuration
func OpenConfig(device string, config Config) (Port, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Non-blocking open so a missing carrier cannot hang us, blocking afterwards
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, openError(device, err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set blocking mode on %s: %w", device, err)
	}

	if err := configurePort(fd, config); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if config.InitialDTR != nil {
		if err := setModemLine(fd, unix.TIOCM_DTR, *config.InitialDTR); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to set initial DTR: %w", err)
		}
	}
	if config.InitialRTS != nil {
		if err := setModemLine(fd, unix.TIOCM_RTS, *config.InitialRTS); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to set initial RTS: %w", err)
		}
	}

	return &port{fd: fd, name: device}, nil
}

func openError(device string, err error) error {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENXIO), errors.Is(err, unix.ENODEV):
		return fmt.Errorf("failed to open %s: %w (%v)", device, ErrDeviceNotFound, err)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("failed to open %s: %w (%v)", device, ErrPermissionDenied, err)
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("failed to open %s: %w (%v)", device, ErrDeviceInUse, err)
	default:
		return fmt.Errorf("failed to open %s: %w", device, err)
	}
}

// configurePort puts the port in raw mode with the requested line settings
func configurePort(fd int, config Config) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("failed to get termios: %w", err)
	}

	baudRate, err := getBaudRate(config.BaudRate)
	if err != nil {
		return err
	}

	termios.Cflag = unix.CREAD | unix.CLOCAL | baudRate
	termios.Iflag = 0
	termios.Oflag = 0
	termios.Lflag = 0
	termios.Ispeed = baudRate
	termios.Ospeed = baudRate

	switch config.DataBits {
	case 5:
		termios.Cflag |= unix.CS5
	case 6:
		termios.Cflag |= unix.CS6
	case 7:
		termios.Cflag |= unix.CS7
	default:
		termios.Cflag |= unix.CS8
	}

	if config.StopBits == 2 {
		termios.Cflag |= unix.CSTOPB
	}

	switch config.Parity {
	case ParityOdd:
		termios.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		termios.Cflag |= unix.PARENB
	}

	if config.FlowControl == FlowControlRTSCTS {
		termios.Cflag |= unix.CRTSCTS
	}

	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = vtime(config.ReadTimeout)

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("failed to set termios: %w", err)
	}
	return nil
}

// decodeSettings builds a Settings snapshot from raw termios
func decodeSettings(t *unix.Termios) Settings {
	s := Settings{
		BaudRate:    baudRateOf(t.Cflag & unix.CBAUD),
		StopBits:    1,
		Parity:      ParityNone,
		FlowControl: FlowControlNone,
		ReadTimeout: time.Duration(t.Cc[unix.VTIME]) * 100 * time.Millisecond,
		termios:     *t,
	}

	switch t.Cflag & unix.CSIZE {
	case unix.CS5:
		s.DataBits = 5
	case unix.CS6:
		s.DataBits = 6
	case unix.CS7:
		s.DataBits = 7
	default:
		s.DataBits = 8
	}

	if t.Cflag&unix.CSTOPB != 0 {
		s.StopBits = 2
	}

	if t.Cflag&unix.PARENB != 0 {
		if t.Cflag&unix.PARODD != 0 {
			s.Parity = ParityOdd
		} else {
			s.Parity = ParityEven
		}
	}

	if t.Cflag&unix.CRTSCTS != 0 {
		s.FlowControl = FlowControlRTSCTS
	}
	return s
}

// setModemLine raises or drops a single modem control line
func setModemLine(fd int, line int, state bool) error {
	if state {
		return unix.IoctlSetPointerInt(fd, unix.TIOCMBIS, line)
	}
	return unix.IoctlSetPointerInt(fd, unix.TIOCMBIC, line)
}

// getModemStatus retrieves modem control signals using unix package
func getModemStatus(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.TIOCMGET)
}

// withFD runs fn against the open descriptor while holding the read lock
func (p *port) withFD(fn func(fd int) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPortClosed
	}
	return fn(p.fd)
}

// updateTermios applies fn to the current termios and writes it back
func (p *port) updateTermios(fn func(t *unix.Termios) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPortClosed
	}

	termios, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("failed to get termios: %w", err)
	}
	if err := fn(termios); err != nil {
		return err
	}
	if err := unix.IoctlSetTermios(p.fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("failed to set termios: %w", err)
	}
	return nil
}

// Name returns the device path the port was opened with
func (p *port) Name() string {
	return p.name
}

// Close closes the serial port
func (p *port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPortClosed
	}

	err := unix.Close(p.fd)
	p.closed = true
	return err
}

// Read reads data from the serial port. It returns 0, nil when the read
// timeout elapses without data.
func (p *port) Read(buf []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0, ErrPortClosed
	}

	return unix.Read(p.fd, buf)
}

// Write writes data to the serial port
func (p *port) Write(data []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0, ErrPortClosed
	}

	return unix.Write(p.fd, data)
}

// ReadContext waits for data with poll and returns as soon as some bytes
// are available or ctx is done
func (p *port) ReadContext(ctx context.Context, buf []byte) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		var ready bool
		err := p.withFD(func(fd int) error {
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			if fds[0].Revents&unix.POLLIN == 0 && fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				return io.EOF
			}
			ready = true
			return nil
		})
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if ready {
			return p.Read(buf)
		}
	}
}

// Settings captures the current line configuration
func (p *port) Settings() (Settings, error) {
	var s Settings
	err := p.withFD(func(fd int) error {
		termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
		if err != nil {
			return fmt.Errorf("failed to get termios: %w", err)
		}
		s = decodeSettings(termios)
		return nil
	})
	return s, err
}

// ApplySettings reapplies a snapshot taken with Settings
func (p *port) ApplySettings(s Settings) error {
	return p.withFD(func(fd int) error {
		termios := s.termios
		if err := unix.IoctlSetTermios(fd, unix.TCSETS, &termios); err != nil {
			return fmt.Errorf("failed to restore termios: %w", err)
		}
		return nil
	})
}

// SetBaudRate changes the line speed of an open port
func (p *port) SetBaudRate(rate int) error {
	baud, err := getBaudRate(rate)
	if err != nil {
		return err
	}
	return p.updateTermios(func(t *unix.Termios) error {
		t.Cflag = (t.Cflag &^ unix.CBAUD) | baud
		t.Ispeed = baud
		t.Ospeed = baud
		return nil
	})
}

// SetReadTimeout changes VTIME of an open port
func (p *port) SetReadTimeout(timeout time.Duration) error {
	if err := validateReadTimeout(timeout); err != nil {
		return err
	}
	return p.updateTermios(func(t *unix.Termios) error {
		t.Cc[unix.VMIN] = 0
		t.Cc[unix.VTIME] = vtime(timeout)
		return nil
	})
}

// GetModemSignals returns current state of all modem control signals
func (p *port) GetModemSignals() (ModemSignals, error) {
	var signals ModemSignals
	err := p.withFD(func(fd int) error {
		status, err := getModemStatus(fd)
		if err != nil {
			return err
		}
		signals = ModemSignals{
			CTS: status&unix.TIOCM_CTS != 0,
			DSR: status&unix.TIOCM_DSR != 0,
			RI:  status&unix.TIOCM_RI != 0,
			DCD: status&unix.TIOCM_CAR != 0,
			RTS: status&unix.TIOCM_RTS != 0,
			DTR: status&unix.TIOCM_DTR != 0,
		}
		return nil
	})
	return signals, err
}

// SetDTR sets DTR signal state. On Espressif boards DTR drives GPIO0
// through the auto-program circuit.
func (p *port) SetDTR(state bool) error {
	return p.withFD(func(fd int) error {
		return setModemLine(fd, unix.TIOCM_DTR, state)
	})
}

// SetRTS sets RTS signal state. On Espressif boards RTS drives EN (reset).
func (p *port) SetRTS(state bool) error {
	return p.withFD(func(fd int) error {
		return setModemLine(fd, unix.TIOCM_RTS, state)
	})
}

// Drain waits until all output written to the port has been transmitted
func (p *port) Drain() error {
	return p.withFD(func(fd int) error {
		return unix.IoctlSetInt(fd, unix.TCSBRK, 1)
	})
}

// FlushInput discards any unread input data
func (p *port) FlushInput() error {
	return p.withFD(func(fd int) error {
		return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)
	})
}

// FlushOutput discards any unwritten output data
func (p *port) FlushOutput() error {
	return p.withFD(func(fd int) error {
		return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCOFLUSH)
	})
}
