package espserial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Device is an Espressif chip bound to a serial port. While idle its output
// is forwarded by a LogSession; chip-level operations take the port over
// through an exclusive session.
type Device struct {
	cfg      DeviceConfig
	port     string
	target   string
	chipName string
	session  LogSession
	log      *slog.Logger

	mu       sync.Mutex
	lastChip ChipHandle
	lastStub StubHandle
	closed   bool
}

// NewDevice finds the chip, claims its port and starts forwarding its log.
// Anything acquired is released again when a later step fails.
func NewDevice(ctx context.Context, opts ...DeviceOption) (*Device, error) {
	cfg := DefaultDeviceConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Protocol == nil {
		proto, err := NewProtocol(LoaderV4, WithProtocolLogger(cfg.Logger))
		if err != nil {
			return nil, err
		}
		cfg.Protocol = proto
	}

	target := cfg.Target
	if cfg.BetaTarget != "" {
		target = cfg.BetaTarget
	}
	target = NormalizeTarget(target)
	if err := ValidateTarget(cfg.Protocol, target); err != nil {
		return nil, err
	}

	lister := cfg.Lister
	if lister == nil {
		lister = &HostPortLister{Source: cfg.Protocol.ListPorts, Registry: cfg.Registry}
	}
	resolver := &Resolver{
		Protocol: cfg.Protocol,
		Lister:   lister,
		Cache:    cfg.Cache,
		Attempts: cfg.ConnectAttempts,
		Logger:   cfg.Logger,
	}
	res, err := resolveAndClaim(ctx, resolver, cfg, ResolveRequest{
		Port:        cfg.Port,
		Target:      target,
		InitialBaud: cfg.Baud,
	})
	if err != nil {
		return nil, err
	}

	d := &Device{
		cfg:      cfg,
		port:     res.Port,
		target:   res.Target,
		chipName: res.ChipName,
		log:      cfg.Logger.With("port", res.Port, "target", res.Target),
		lastChip: res.Chip,
	}

	portCfg := cfg.PortConfig
	portCfg.BaudRate = cfg.Baud
	d.session = cfg.SessionFactory(ForwarderConfig{
		Port:      res.Port,
		Config:    portCfg,
		Output:    cfg.Output,
		Open:      cfg.Open,
		Logger:    cfg.Logger,
		OnConnect: d.recordAffinity,
	})

	if err := d.session.Start(ctx); err != nil {
		cfg.Registry.Release(res.Port)
		return nil, fmt.Errorf("failed to start log session on %s: %w", res.Port, err)
	}

	if cfg.HardResetOnStart {
		if err := d.HardReset(ctx); err != nil {
			return nil, errors.Join(err, d.Close())
		}
	}

	d.log.Info("device ready", "chip", res.ChipName)
	return d, nil
}

// resolveAndClaim resolves a port and claims it. When another device claims
// a discovered port between probing and claiming, discovery runs again; the
// lister no longer offers the claimed port.
func resolveAndClaim(ctx context.Context, resolver *Resolver, cfg DeviceConfig, req ResolveRequest) (*Resolution, error) {
	for tries := 0; ; tries++ {
		res, err := resolver.Resolve(ctx, req)
		if err != nil {
			return nil, err
		}

		err = cfg.Registry.Claim(res.Port)
		if err == nil {
			return res, nil
		}
		if req.Port != "" || !errors.Is(err, ErrDeviceInUse) || tries >= len(res.Candidates) {
			return nil, err
		}
		cfg.Logger.Debug("port claimed concurrently, searching again", "port", res.Port)
	}
}

// recordAffinity runs once the log session first opened the port
func (d *Device) recordAffinity(port string) {
	if d.cfg.Cache == nil {
		return
	}
	d.cfg.Cache.Set(port, d.target)
	d.log.Debug("affinity cache updated", "cache_size", d.cfg.Cache.Len())
}

func (d *Device) Port() string         { return d.port }
func (d *Device) Target() string       { return d.target }
func (d *Device) ChipName() string     { return d.chipName }
func (d *Device) Baud() int            { return d.cfg.Baud }
func (d *Device) EsptoolBaud() int     { return d.cfg.EsptoolBaud }
func (d *Device) SkipAutoflash() bool  { return d.cfg.SkipAutoflash }
func (d *Device) EraseAll() bool       { return d.cfg.EraseAll }
func (d *Device) Session() LogSession  { return d.session }
func (d *Device) Config() DeviceConfig { return d.cfg }

// LastChip returns the chip handle of the most recent exclusive session
func (d *Device) LastChip() ChipHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastChip
}

// LastStub returns the stub of the most recent exclusive session
func (d *Device) LastStub() StubHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastStub
}

func (d *Device) acquired(chip ChipHandle, stub StubHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastChip = chip
	d.lastStub = stub
}

func (d *Device) exclusiveRequest() (ExclusiveRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ExclusiveRequest{}, ErrDeviceClosed
	}

	portCfg := d.cfg.PortConfig
	portCfg.BaudRate = d.cfg.Baud
	return ExclusiveRequest{
		Port:       d.port,
		Baud:       d.cfg.Baud,
		PortConfig: portCfg,
		Protocol:   d.cfg.Protocol,
		Session:    d.session,
		Open:       d.cfg.Open,
		Locks:      d.cfg.Locks,
		Timeout:    d.cfg.SessionTimeout,
		Logger:     d.cfg.Logger,
		Observer:   d.cfg.Observer,
		OnAcquire:  d.acquired,
		Admit:      d.checkOpen,
	}, nil
}

// checkOpen rejects exclusive sessions that got the port lock after Close
// began, so their cleanup cannot restart the log session
func (d *Device) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	return nil
}

// Exclusive runs op with the chip's stub while the log session is suspended
func (d *Device) Exclusive(ctx context.Context, op func(ctx context.Context, stub StubHandle) error) error {
	_, err := RunExclusive(ctx, d, func(ctx context.Context, stub StubHandle) (struct{}, error) {
		return struct{}{}, op(ctx, stub)
	})
	return err
}

// RunExclusive is Device.Exclusive for operations that produce a value
func RunExclusive[R any](ctx context.Context, d *Device, op func(ctx context.Context, stub StubHandle) (R, error)) (R, error) {
	req, err := d.exclusiveRequest()
	if err != nil {
		var zero R
		return zero, err
	}
	return WithExclusiveControl(ctx, req, op)
}

// HardReset reboots the chip into its application. The log session keeps
// running afterwards.
func (d *Device) HardReset(ctx context.Context) error {
	d.log.Info("hard resetting chip")
	return d.Exclusive(ctx, func(context.Context, StubHandle) error { return nil })
}

// Close stops the log session and releases the port. It is safe to call
// more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	defer d.cfg.Registry.Release(d.port)

	// stop may wait on an exclusive session still restoring the port
	unlock, err := d.cfg.Locks.Lock(context.Background(), d.port)
	if err != nil {
		return err
	}
	defer unlock()

	if err := d.session.Stop(context.Background()); err != nil && !errors.Is(err, ErrSessionStopped) {
		return fmt.Errorf("failed to stop log session on %s: %w", d.port, err)
	}
	return nil
}
