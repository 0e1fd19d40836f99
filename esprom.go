package espserial

import (
	"context"
	"log/slog"

	"github.com/allbin/go-espserial/internal/esprom"
)

// Loader generations understood by NewProtocol
const (
	LoaderV3 = "v3"
	LoaderV4 = "v4"
)

// ProtocolOption configures a ROMProtocol
type ProtocolOption func(*ROMProtocol)

// WithStubDir loads flasher stubs (stub_flasher_<chip>.json) from dir.
// Without it the ROM loader stands in for the stub.
func WithStubDir(dir string) ProtocolOption {
	return func(p *ROMProtocol) {
		p.loader.Stubs = esprom.DirStubSource{Dir: dir}
	}
}

// WithProtocolLogger routes loader progress messages to logger
func WithProtocolLogger(logger *slog.Logger) ProtocolOption {
	return func(p *ROMProtocol) {
		if logger != nil {
			p.loader.Logger = logger
		}
	}
}

// ROMProtocol implements ChipProtocol over the Espressif ROM serial loader
type ROMProtocol struct {
	loader *esprom.Loader
}

var _ ChipProtocol = (*ROMProtocol)(nil)

// NewProtocol creates the chip protocol for a loader generation (LoaderV3,
// LoaderV4). An empty version selects the newest one.
func NewProtocol(version string, opts ...ProtocolOption) (*ROMProtocol, error) {
	profile, err := esprom.ProfileFor(version)
	if err != nil {
		return nil, err
	}
	p := &ROMProtocol{loader: esprom.NewLoader(profile, nil)}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *ROMProtocol) LoaderVersion() string {
	return p.loader.Profile.Version
}

func (p *ROMProtocol) SupportedTargets() []string {
	return p.loader.Profile.IDs()
}

func (p *ROMProtocol) ListPorts() ([]string, error) {
	return p.loader.ListPorts()
}

// DetectChip returns a nil handle and an error wrapping the per-port
// failures when no candidate answered
func (p *ROMProtocol) DetectChip(ctx context.Context, req DetectRequest) (ChipHandle, error) {
	chip, err := p.loader.Detect(ctx, esprom.DetectOptions{
		Candidates:  req.Candidates,
		Port:        req.Port,
		Attempts:    req.Attempts,
		InitialBaud: req.InitialBaud,
		Target:      req.Target,
	})
	if err != nil {
		return nil, err
	}
	return &romChip{chip: chip}, nil
}

// DetectOn identifies the chip on conn, which stays owned by the caller
func (p *ROMProtocol) DetectOn(ctx context.Context, conn Port, baud int) (ChipHandle, error) {
	chip, err := p.loader.DetectOn(ctx, conn, conn.Name(), baud)
	if err != nil {
		return nil, err
	}
	return &romChip{chip: chip}, nil
}

type romChip struct {
	chip *esprom.Chip
}

func (c *romChip) ChipName() string { return c.chip.Target().ChipName }
func (c *romChip) Target() string   { return c.chip.Target().ID }
func (c *romChip) PortName() string { return c.chip.PortName() }
func (c *romChip) Close() error     { return c.chip.Close() }

func (c *romChip) Connect(ctx context.Context, mode ResetMode) error {
	return c.chip.Connect(ctx, romResetMode(mode))
}

func (c *romChip) RunStub(ctx context.Context) (StubHandle, error) {
	stub, err := c.chip.RunStub(ctx)
	if err != nil {
		return nil, err
	}
	return stub, nil
}

func romResetMode(m ResetMode) esprom.ResetMode {
	switch m {
	case ResetHard:
		return esprom.ResetHard
	case ResetNone:
		return esprom.ResetNone
	case ResetNoSync:
		return esprom.ResetNoSync
	default:
		return esprom.ResetDefault
	}
}
