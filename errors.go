package espserial

import (
	"errors"
	"fmt"
	"strings"
)

// Predefined error types for robust error handling
var (
	ErrDeviceNotFound   = errors.New("espressif device not found")
	ErrPermissionDenied = errors.New("permission denied accessing serial device")
	ErrDeviceInUse      = errors.New("serial device already in use")
	ErrInvalidBaudRate  = errors.New("invalid baud rate")
	ErrInvalidConfig    = errors.New("invalid serial configuration")
	ErrPortClosed       = errors.New("serial port is closed")
	ErrReadTimeout      = errors.New("read operation timed out")

	// Chip and session errors
	ErrUnsupportedTarget = errors.New("unsupported target")
	ErrSessionRunning    = errors.New("log session already running")
	ErrSessionStopped    = errors.New("log session is not running")
	ErrDeviceClosed      = errors.New("device is closed")
)

// UnsupportedTargetError reports a target the chip loader does not know.
type UnsupportedTargetError struct {
	Target        string
	Supported     []string
	LoaderVersion string
}

func (e *UnsupportedTargetError) Error() string {
	return fmt.Sprintf("loader %s does not support target %q (supported targets: auto, %s)",
		e.LoaderVersion, e.Target, strings.Join(e.Supported, ", "))
}

func (e *UnsupportedTargetError) Is(target error) bool {
	return target == ErrUnsupportedTarget
}

// DeviceNotFoundError is returned when no candidate port answered as an
// Espressif chip. Candidates lists the ports that were tried, in order.
type DeviceNotFoundError struct {
	Candidates []string
	Target     string
	Err        error
}

func (e *DeviceNotFoundError) Error() string {
	var b strings.Builder
	b.WriteString("couldn't auto detect chip")
	if e.Target != "" && e.Target != TargetAuto {
		fmt.Fprintf(&b, " of target %s", e.Target)
	}
	if len(e.Candidates) == 0 {
		b.WriteString(": no candidate serial ports")
	} else {
		fmt.Fprintf(&b, " on ports [%s]", strings.Join(e.Candidates, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	b.WriteString(`; specify the port manually with "--port"`)
	return b.String()
}

func (e *DeviceNotFoundError) Unwrap() error { return e.Err }

func (e *DeviceNotFoundError) Is(target error) bool {
	return target == ErrDeviceNotFound
}

// PrivilegedOperationError wraps the failure of the caller supplied
// operation run under exclusive control.
type PrivilegedOperationError struct {
	Port string
	Err  error
}

func (e *PrivilegedOperationError) Error() string {
	return fmt.Sprintf("privileged operation on %s failed: %v", e.Port, e.Err)
}

func (e *PrivilegedOperationError) Unwrap() error { return e.Err }

// CleanupStep names the restoration step of an exclusive session.
type CleanupStep int

const (
	StepHardReset CleanupStep = iota
	StepRestoreSettings
	StepClose
	StepResume
)

func (s CleanupStep) String() string {
	switch s {
	case StepHardReset:
		return "hard reset"
	case StepRestoreSettings:
		return "restore port settings"
	case StepClose:
		return "close raw connection"
	case StepResume:
		return "resume log session"
	default:
		return "unknown"
	}
}

// CleanupError reports a failed restoration step. It is always surfaced,
// even when the privileged operation itself succeeded.
type CleanupError struct {
	Port string
	Step CleanupStep
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup on %s failed at step %q: %v", e.Port, e.Step, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
