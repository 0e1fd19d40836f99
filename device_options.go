package espserial

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DeviceConfig holds the settings NewDevice builds a Device from
type DeviceConfig struct {
	Target        string // chip target, "auto" for any
	BetaTarget    string // overrides Target when set
	Port          string // explicit port, empty to discover
	Baud          int
	EsptoolBaud   int
	SkipAutoflash bool
	EraseAll      bool

	Cache    *AffinityCache
	Registry *PortRegistry
	Locks    *PortLocks
	Protocol ChipProtocol
	Lister   PortLister

	PortConfig      Config
	ConnectAttempts int
	SessionTimeout  time.Duration

	Output           io.Writer
	Logger           *slog.Logger
	Observer         Observer
	SessionFactory   func(ForwarderConfig) LogSession
	Open             func(device string, config Config) (Port, error)
	HardResetOnStart bool
}

// DeviceOption is a functional option for NewDevice
type DeviceOption func(*DeviceConfig) error

// DefaultDeviceConfig returns the device defaults: automatic target and
// port, 115200 baud for the log session and 921600 for the loader.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Target:          TargetAuto,
		Baud:            115200,
		EsptoolBaud:     921600,
		Registry:        DefaultRegistry(),
		Locks:           DefaultPortLocks(),
		PortConfig:      DefaultConfig(),
		ConnectAttempts: defaultConnectAttempts,
		Output:          io.Discard,
		Logger:          discardLogger,
		SessionFactory: func(cfg ForwarderConfig) LogSession {
			return NewForwarder(cfg)
		},
		Open: OpenConfig,
	}
}

// WithTarget sets the expected chip target ("esp32s3", "auto")
func WithTarget(target string) DeviceOption {
	return func(c *DeviceConfig) error {
		c.Target = target
		return nil
	}
}

// WithBetaTarget selects a beta chip target, taking precedence over WithTarget
func WithBetaTarget(target string) DeviceOption {
	return func(c *DeviceConfig) error {
		c.BetaTarget = target
		return nil
	}
}

// WithPort binds to port instead of discovering one
func WithPort(port string) DeviceOption {
	return func(c *DeviceConfig) error {
		c.Port = port
		return nil
	}
}

// WithBaud sets the baud rate of the log session and chip detection
func WithBaud(rate int) DeviceOption {
	return func(c *DeviceConfig) error {
		if _, err := getBaudRate(rate); err != nil {
			return err
		}
		c.Baud = rate
		return nil
	}
}

// WithEsptoolBaud sets the baud rate used by the flashing tool
func WithEsptoolBaud(rate int) DeviceOption {
	return func(c *DeviceConfig) error {
		if rate <= 0 {
			return ErrInvalidBaudRate
		}
		c.EsptoolBaud = rate
		return nil
	}
}

// WithSkipAutoflash records that firmware is not flashed before a run
func WithSkipAutoflash(skip bool) DeviceOption {
	return func(c *DeviceConfig) error {
		c.SkipAutoflash = skip
		return nil
	}
}

// WithEraseAll records that the whole flash is erased before flashing
func WithEraseAll(erase bool) DeviceOption {
	return func(c *DeviceConfig) error {
		c.EraseAll = erase
		return nil
	}
}

// WithPortTargetCache shares an affinity cache between devices
func WithPortTargetCache(cache *AffinityCache) DeviceOption {
	return func(c *DeviceConfig) error {
		c.Cache = cache
		return nil
	}
}

// WithRegistry replaces the process-wide occupied ports registry
func WithRegistry(registry *PortRegistry) DeviceOption {
	return func(c *DeviceConfig) error {
		if registry == nil {
			return fmt.Errorf("%w: nil registry", ErrInvalidConfig)
		}
		c.Registry = registry
		return nil
	}
}

// WithPortLocks replaces the process-wide exclusive session locks
func WithPortLocks(locks *PortLocks) DeviceOption {
	return func(c *DeviceConfig) error {
		if locks == nil {
			return fmt.Errorf("%w: nil port locks", ErrInvalidConfig)
		}
		c.Locks = locks
		return nil
	}
}

// WithProtocol sets the chip protocol. Defaults to NewProtocol(LoaderV4).
func WithProtocol(proto ChipProtocol) DeviceOption {
	return func(c *DeviceConfig) error {
		c.Protocol = proto
		return nil
	}
}

// WithPortLister replaces the candidate port source
func WithPortLister(lister PortLister) DeviceOption {
	return func(c *DeviceConfig) error {
		c.Lister = lister
		return nil
	}
}

// WithPortConfig sets the line configuration of the log session. Its baud
// rate is overridden by WithBaud.
func WithPortConfig(cfg Config) DeviceOption {
	return func(c *DeviceConfig) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		c.PortConfig = cfg
		return nil
	}
}

// WithConnectAttempts sets the connect attempts per candidate port
func WithConnectAttempts(n int) DeviceOption {
	return func(c *DeviceConfig) error {
		if n < 1 {
			return fmt.Errorf("%w: connect attempts must be positive", ErrInvalidConfig)
		}
		c.ConnectAttempts = n
		return nil
	}
}

// WithSessionTimeout bounds every exclusive session
func WithSessionTimeout(timeout time.Duration) DeviceOption {
	return func(c *DeviceConfig) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative session timeout", ErrInvalidConfig)
		}
		c.SessionTimeout = timeout
		return nil
	}
}

// WithOutput sets where forwarded serial lines are written
func WithOutput(w io.Writer) DeviceOption {
	return func(c *DeviceConfig) error {
		if w == nil {
			w = io.Discard
		}
		c.Output = w
		return nil
	}
}

// WithLogger sets the logger for discovery, sessions and cleanup
func WithLogger(logger *slog.Logger) DeviceOption {
	return func(c *DeviceConfig) error {
		if logger == nil {
			logger = discardLogger
		}
		c.Logger = logger
		return nil
	}
}

// WithObserver reports exclusive session state transitions
func WithObserver(observer Observer) DeviceOption {
	return func(c *DeviceConfig) error {
		c.Observer = observer
		return nil
	}
}

// WithSessionFactory replaces the log session implementation
func WithSessionFactory(factory func(ForwarderConfig) LogSession) DeviceOption {
	return func(c *DeviceConfig) error {
		if factory == nil {
			return fmt.Errorf("%w: nil session factory", ErrInvalidConfig)
		}
		c.SessionFactory = factory
		return nil
	}
}

// WithPortOpener replaces OpenConfig for every raw port the device opens
func WithPortOpener(open func(device string, config Config) (Port, error)) DeviceOption {
	return func(c *DeviceConfig) error {
		if open == nil {
			return fmt.Errorf("%w: nil port opener", ErrInvalidConfig)
		}
		c.Open = open
		return nil
	}
}

// WithHardResetOnStart reboots the chip once the log session is running so
// the log starts from boot
func WithHardResetOnStart(enable bool) DeviceOption {
	return func(c *DeviceConfig) error {
		c.HardResetOnStart = enable
		return nil
	}
}
