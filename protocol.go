package espserial

import (
	"context"
	"strings"
)

// TargetAuto lets the loader accept whatever chip answers
const TargetAuto = "auto"

// ResetMode selects how the chip is put into its bootloader before syncing
type ResetMode int

const (
	// ResetDefault uses the classic DTR/RTS bootloader entry sequence
	ResetDefault ResetMode = iota
	// ResetHard pulses EN first, then enters the bootloader and syncs
	ResetHard
	// ResetNone syncs without touching the control lines
	ResetNone
	// ResetNoSync neither resets nor syncs
	ResetNoSync
)

func (m ResetMode) String() string {
	switch m {
	case ResetDefault:
		return "default_reset"
	case ResetHard:
		return "hard_reset"
	case ResetNone:
		return "no_reset"
	case ResetNoSync:
		return "no_reset_no_sync"
	default:
		return "unknown"
	}
}

// ChipProtocol is the chip-level capability the device needs from an
// Espressif serial loader implementation.
type ChipProtocol interface {
	// LoaderVersion identifies the loader generation, used in error messages
	LoaderVersion() string

	// SupportedTargets lists the target identifiers the loader can talk to
	SupportedTargets() []string

	// ListPorts enumerates host serial ports the way the loader does
	ListPorts() ([]string, error)

	// DetectChip tries the candidate ports in order and returns the first
	// chip that answers, or a nil handle when none did
	DetectChip(ctx context.Context, req DetectRequest) (ChipHandle, error)

	// DetectOn identifies the chip behind an already open connection
	DetectOn(ctx context.Context, conn Port, baud int) (ChipHandle, error)
}

// DetectRequest parameters for ChipProtocol.DetectChip
type DetectRequest struct {
	Candidates  []string
	Port        string // explicit port, empty when discovering
	Attempts    int    // connect attempts per candidate
	InitialBaud int
	Target      string // empty or TargetAuto accepts any chip
}

// ChipHandle is a detected chip. It is single-use: obtain one per
// resolution or privileged session and drop it afterwards.
type ChipHandle interface {
	ChipName() string
	Target() string
	PortName() string
	Connect(ctx context.Context, mode ResetMode) error
	RunStub(ctx context.Context) (StubHandle, error)

	// Close releases the transport the handle opened itself. Handles built
	// on a caller-owned connection leave it open.
	Close() error
}

// StubHandle is the loader running on the chip after RunStub
type StubHandle interface {
	HardReset() error
	IsStub() bool // false when the ROM loader stands in for the stub
}

// NormalizeTarget converts a chip name such as "ESP32-S3" to a target
// identifier ("esp32s3")
func NormalizeTarget(chipName string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ', '(', ')':
			return -1
		}
		return r
	}, strings.ToLower(chipName))
}

// isSupportedTarget reports whether target is empty, auto, or in supported
func isSupportedTarget(target string, supported []string) bool {
	if target == "" || target == TargetAuto {
		return true
	}
	for _, s := range supported {
		if s == target {
			return true
		}
	}
	return false
}

// ValidateTarget checks target against the loader's supported list
func ValidateTarget(proto ChipProtocol, target string) error {
	supported := proto.SupportedTargets()
	if isSupportedTarget(target, supported) {
		return nil
	}
	return &UnsupportedTargetError{
		Target:        target,
		Supported:     supported,
		LoaderVersion: proto.LoaderVersion(),
	}
}
