package espserial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is a step of an exclusive control session
type SessionState int

const (
	StateIdle SessionState = iota
	StateSuspended
	StateConnected
	StateStubActive
	StateResetting
	StateRestoring
	StateResumed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSuspended:
		return "suspended"
	case StateConnected:
		return "connected"
	case StateStubActive:
		return "stub_active"
	case StateResetting:
		return "resetting"
	case StateRestoring:
		return "restoring"
	case StateResumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// Observer is told about every state transition of an exclusive session
type Observer func(port string, from, to SessionState)

// PortLocks serializes exclusive sessions per port. Sessions on different
// ports never wait on each other.
type PortLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

var defaultPortLocks = NewPortLocks()

// DefaultPortLocks returns the process-wide lock set
func DefaultPortLocks() *PortLocks {
	return defaultPortLocks
}

// NewPortLocks creates an empty lock set
func NewPortLocks() *PortLocks {
	return &PortLocks{locks: make(map[string]chan struct{})}
}

// Lock blocks until port is free or ctx is done
func (l *PortLocks) Lock(ctx context.Context, port string) (unlock func(), err error) {
	l.mu.Lock()
	ch, ok := l.locks[port]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[port] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExclusiveRequest describes the port an exclusive session takes over and
// the collaborators it drives
type ExclusiveRequest struct {
	Port       string
	Baud       int
	PortConfig Config
	Protocol   ChipProtocol
	Session    LogSession // suspended for the duration, may be nil

	// Open defaults to OpenConfig
	Open func(device string, config Config) (Port, error)

	// Locks defaults to DefaultPortLocks
	Locks *PortLocks

	// Timeout bounds the whole session when positive. Cleanup always runs.
	Timeout time.Duration

	Logger   *slog.Logger
	Observer Observer

	// OnAcquire receives the chip and stub before the operation runs
	OnAcquire func(chip ChipHandle, stub StubHandle)

	// Admit runs once the port lock is held. An error ends the session
	// before the log session or the port is touched.
	Admit func() error
}

// WithExclusiveControl suspends the log session on req.Port, connects to the
// chip over a raw connection, starts the stub and runs op with it. Whatever
// happens, the chip is hard reset when a stub was obtained, the port
// settings captured at open are restored, the raw connection is closed and
// the log session is resumed exactly once.
//
// Cleanup failures are joined ahead of the operation's error and never
// dropped. On any error the zero R is returned.
func WithExclusiveControl[R any](ctx context.Context, req ExclusiveRequest, op func(ctx context.Context, stub StubHandle) (R, error)) (R, error) {
	var zero R

	if req.Protocol == nil {
		return zero, fmt.Errorf("%w: exclusive session needs a chip protocol", ErrInvalidConfig)
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	locks := req.Locks
	if locks == nil {
		locks = DefaultPortLocks()
	}
	unlock, err := locks.Lock(ctx, req.Port)
	if err != nil {
		return zero, fmt.Errorf("failed to acquire %s: %w", req.Port, err)
	}
	defer unlock()

	if req.Admit != nil {
		if err := req.Admit(); err != nil {
			return zero, err
		}
	}

	s := newExclusiveSession(req)
	s.log.Debug("exclusive session started")

	var result R
	opErr := s.run(ctx, func(ctx context.Context, stub StubHandle) error {
		r, err := op(ctx, stub)
		if err != nil {
			return &PrivilegedOperationError{Port: req.Port, Err: err}
		}
		result = r
		return nil
	})
	cleanupErrs := s.cleanup(ctx)

	if len(cleanupErrs) > 0 || opErr != nil {
		return zero, errors.Join(append(cleanupErrs, opErr)...)
	}
	return result, nil
}

type exclusiveSession struct {
	req   ExclusiveRequest
	log   *slog.Logger
	state SessionState

	raw      Port
	snapshot *Settings
	stub     StubHandle
}

func newExclusiveSession(req ExclusiveRequest) *exclusiveSession {
	if req.Open == nil {
		req.Open = OpenConfig
	}
	if req.PortConfig.BaudRate == 0 {
		req.PortConfig = DefaultConfig()
	}
	if req.Baud <= 0 {
		req.Baud = req.PortConfig.BaudRate
	}
	logger := req.Logger
	if logger == nil {
		logger = discardLogger
	}
	return &exclusiveSession{
		req: req,
		log: logger.With("session", uuid.NewString(), "port", req.Port),
	}
}

func (s *exclusiveSession) transition(to SessionState) {
	from := s.state
	s.state = to
	s.log.Debug("exclusive session transition", "from", from.String(), "to", to.String())
	if s.req.Observer != nil {
		s.req.Observer(s.req.Port, from, to)
	}
}

// run performs the steps up to and including the operation. Anything it
// acquired is recorded on s for cleanup.
func (s *exclusiveSession) run(ctx context.Context, op func(context.Context, StubHandle) error) error {
	s.transition(StateSuspended)
	if s.req.Session != nil {
		if err := s.req.Session.Stop(ctx); err != nil && !errors.Is(err, ErrSessionStopped) {
			return fmt.Errorf("failed to suspend log session: %w", err)
		}
	}

	raw, err := s.req.Open(s.req.Port, s.req.PortConfig)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.req.Port, err)
	}
	s.raw = raw

	snapshot, err := raw.Settings()
	if err != nil {
		return fmt.Errorf("failed to read port settings: %w", err)
	}
	s.snapshot = &snapshot

	chip, err := s.req.Protocol.DetectOn(ctx, raw, s.req.Baud)
	if err != nil {
		return fmt.Errorf("failed to detect chip on %s: %w", s.req.Port, err)
	}
	if err := chip.Connect(ctx, ResetHard); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", chip.ChipName(), err)
	}
	s.transition(StateConnected)

	stub, err := chip.RunStub(ctx)
	if err != nil {
		return fmt.Errorf("failed to run stub on %s: %w", chip.ChipName(), err)
	}
	s.stub = stub
	s.transition(StateStubActive)
	s.log.Debug("stub active", "chip", chip.ChipName(), "stub", stub.IsStub())

	if s.req.OnAcquire != nil {
		s.req.OnAcquire(chip, stub)
	}
	return op(ctx, stub)
}

// cleanup restores the port and resumes the log session. Every step runs
// regardless of earlier failures.
func (s *exclusiveSession) cleanup(ctx context.Context) []error {
	var errs []error
	fail := func(step CleanupStep, err error) {
		s.log.Error("exclusive session cleanup failed", "step", step.String(), "error", err)
		errs = append(errs, &CleanupError{Port: s.req.Port, Step: step, Err: err})
	}

	if s.stub != nil {
		s.transition(StateResetting)
		if err := s.stub.HardReset(); err != nil {
			fail(StepHardReset, err)
		}
	}

	s.transition(StateRestoring)
	if s.raw != nil {
		if s.snapshot != nil {
			if err := s.raw.ApplySettings(*s.snapshot); err != nil {
				fail(StepRestoreSettings, err)
			}
		}
		if err := s.raw.Close(); err != nil {
			fail(StepClose, err)
		}
	}

	if s.req.Session != nil {
		// the caller's deadline may already have passed
		if err := s.req.Session.Start(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrSessionRunning) {
			fail(StepResume, err)
		}
	}
	s.transition(StateResumed)
	return errs
}
