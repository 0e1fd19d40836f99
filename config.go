package espserial

import "time"

// Config holds the line configuration used to open a serial port
type Config struct {
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      Parity
	FlowControl FlowControl
	ReadTimeout time.Duration // VTIME, multiple of 100ms, 0 (non-blocking) to 25.5s
	InitialDTR  *bool         // nil leaves the line as the driver opened it
	InitialRTS  *bool
}

// Option is a functional option for configuring a serial port
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults.
// DTR and RTS are released on open so that opening the port does not hold
// an Espressif board in reset or bootloader mode.
func DefaultConfig() Config {
	released := false
	return Config{
		BaudRate:    115200,
		DataBits:    8,
		StopBits:    1,
		Parity:      ParityNone,
		FlowControl: FlowControlNone,
		ReadTimeout: 100 * time.Millisecond,
		InitialDTR:  &released,
		InitialRTS:  &released,
	}
}

// Validate checks the configuration values
func (c Config) Validate() error {
	if _, err := getBaudRate(c.BaudRate); err != nil {
		return err
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return ErrInvalidConfig
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return ErrInvalidConfig
	}
	return validateReadTimeout(c.ReadTimeout)
}

// WithConfig replaces the whole configuration
func WithConfig(cfg Config) Option {
	return func(c *Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		*c = cfg
		return nil
	}
}

// WithBaudRate sets the baud rate
func WithBaudRate(rate int) Option {
	return func(c *Config) error {
		if _, err := getBaudRate(rate); err != nil {
			return err
		}
		c.BaudRate = rate
		return nil
	}
}

// WithDataBits sets the number of data bits (5, 6, 7, or 8)
func WithDataBits(bits int) Option {
	return func(c *Config) error {
		if bits < 5 || bits > 8 {
			return ErrInvalidConfig
		}
		c.DataBits = bits
		return nil
	}
}

// WithStopBits sets the number of stop bits (1 or 2)
func WithStopBits(bits int) Option {
	return func(c *Config) error {
		if bits != 1 && bits != 2 {
			return ErrInvalidConfig
		}
		c.StopBits = bits
		return nil
	}
}

// WithParity sets the parity mode
func WithParity(parity Parity) Option {
	return func(c *Config) error {
		c.Parity = parity
		return nil
	}
}

// WithFlowControl sets the flow control mode
func WithFlowControl(fc FlowControl) Option {
	return func(c *Config) error {
		c.FlowControl = fc
		return nil
	}
}

// WithReadTimeout sets the read timeout (VTIME). Must be a multiple of 100ms.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if err := validateReadTimeout(timeout); err != nil {
			return err
		}
		c.ReadTimeout = timeout
		return nil
	}
}

// WithInitialDTR sets the DTR line state applied right after open
func WithInitialDTR(state bool) Option {
	return func(c *Config) error {
		c.InitialDTR = &state
		return nil
	}
}

// WithInitialRTS sets the RTS line state applied right after open
func WithInitialRTS(state bool) Option {
	return func(c *Config) error {
		c.InitialRTS = &state
		return nil
	}
}

func validateReadTimeout(timeout time.Duration) error {
	if timeout < 0 || timeout > 25500*time.Millisecond {
		return ErrInvalidConfig
	}
	if timeout%(100*time.Millisecond) != 0 {
		return ErrInvalidConfig
	}
	return nil
}

// vtime converts the read timeout to deciseconds
func vtime(timeout time.Duration) uint8 {
	return uint8(timeout / (100 * time.Millisecond))
}
