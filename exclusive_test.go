package espserial

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateLog struct {
	mu     sync.Mutex
	states []SessionState
}

func (l *stateLog) observe(_ string, _, to SessionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, to)
}

func (l *stateLog) get() []SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SessionState(nil), l.states...)
}

func exclusiveFixture(t *testing.T) (*fakeHost, *fakeProtocol, *recordingSession, *stateLog, ExclusiveRequest) {
	t.Helper()
	host := newFakeHost()
	host.add("/dev/ttyUSB0", "esp32s3")
	proto := newFakeProtocol(host)
	session := &recordingSession{port: "/dev/ttyUSB0", running: true}
	states := &stateLog{}

	return host, proto, session, states, ExclusiveRequest{
		Port:       "/dev/ttyUSB0",
		Baud:       115200,
		PortConfig: DefaultConfig(),
		Protocol:   proto,
		Session:    session,
		Open:       host.Open,
		Locks:      NewPortLocks(),
		Observer:   states.observe,
	}
}

var fullCycle = []SessionState{
	StateSuspended, StateConnected, StateStubActive, StateResetting, StateRestoring, StateResumed,
}

func TestExclusiveControlSuccess(t *testing.T) {
	host, proto, session, states, req := exclusiveFixture(t)
	before := host.line("/dev/ttyUSB0").snapshot()

	var acquired StubHandle
	req.OnAcquire = func(_ ChipHandle, stub StubHandle) { acquired = stub }

	got, err := WithExclusiveControl(context.Background(), req, func(ctx context.Context, stub StubHandle) (int, error) {
		assert.False(t, session.Running(), "log session must be suspended")
		assert.Equal(t, 460800, host.line("/dev/ttyUSB0").snapshot().BaudRate)
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	assert.Equal(t, fullCycle, states.get())
	assert.Equal(t, []string{"stop", "start"}, session.log())
	assert.True(t, session.Running())

	require.Equal(t, 1, proto.stubCount())
	assert.Same(t, proto.stubs[0], acquired)
	assert.Equal(t, 1, proto.stubs[0].resets)

	line := host.line("/dev/ttyUSB0")
	assert.False(t, line.isOpen(), "raw connection must be closed")
	assert.True(t, line.snapshot().Equal(before), "port settings must be restored")
}

func TestExclusiveControlOperationFailure(t *testing.T) {
	host, proto, session, states, req := exclusiveFixture(t)
	before := host.line("/dev/ttyUSB0").snapshot()
	cause := errors.New("flash write failed")

	got, err := WithExclusiveControl(context.Background(), req, func(context.Context, StubHandle) (string, error) {
		return "partial", cause
	})

	var opErr *PrivilegedOperationError
	require.ErrorAs(t, err, &opErr)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "/dev/ttyUSB0", opErr.Port)
	assert.Empty(t, got)

	var cleanupErr *CleanupError
	assert.False(t, errors.As(err, &cleanupErr))

	// resumed exactly once
	assert.Equal(t, []string{"stop", "start"}, session.log())
	assert.Equal(t, fullCycle, states.get())
	assert.Equal(t, 1, proto.stubs[0].resets)
	assert.True(t, host.line("/dev/ttyUSB0").snapshot().Equal(before))
}

func TestExclusiveControlCleanupFailureSurfaced(t *testing.T) {
	_, proto, session, _, req := exclusiveFixture(t)
	proto.resetErr = errors.New("RTS ioctl failed")

	got, err := WithExclusiveControl(context.Background(), req, func(context.Context, StubHandle) (int, error) {
		return 7, nil
	})

	var cleanupErr *CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	assert.Equal(t, StepHardReset, cleanupErr.Step)
	assert.ErrorIs(t, err, proto.resetErr)
	assert.Zero(t, got, "no result alongside an error")
	assert.Equal(t, []string{"stop", "start"}, session.log())
}

func TestExclusiveControlCleanupAndOperationFailure(t *testing.T) {
	_, proto, session, _, req := exclusiveFixture(t)
	proto.resetErr = errors.New("RTS ioctl failed")
	cause := errors.New("verify failed")

	_, err := WithExclusiveControl(context.Background(), req, func(context.Context, StubHandle) (struct{}, error) {
		return struct{}{}, cause
	})

	var cleanupErr *CleanupError
	var opErr *PrivilegedOperationError
	require.ErrorAs(t, err, &cleanupErr)
	require.ErrorAs(t, err, &opErr)
	assert.ErrorIs(t, err, cause)

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	errs := joined.Unwrap()
	require.Len(t, errs, 2)
	assert.IsType(t, &CleanupError{}, errs[0], "cleanup failures come first")
	assert.IsType(t, &PrivilegedOperationError{}, errs[1])

	assert.Equal(t, []string{"stop", "start"}, session.log())
}

func TestExclusiveControlOpenFailure(t *testing.T) {
	host, proto, session, states, req := exclusiveFixture(t)
	host.openErr["/dev/ttyUSB0"] = ErrPermissionDenied

	called := false
	_, err := WithExclusiveControl(context.Background(), req, func(context.Context, StubHandle) (int, error) {
		called = true
		return 0, nil
	})

	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, called)
	assert.Zero(t, proto.stubCount())
	assert.Equal(t, []SessionState{StateSuspended, StateRestoring, StateResumed}, states.get())
	assert.Equal(t, []string{"stop", "start"}, session.log())
}

func TestExclusiveControlRestoreAndCloseFailures(t *testing.T) {
	host, _, session, _, req := exclusiveFixture(t)
	applyErr := errors.New("tcsets failed")
	closeErr := errors.New("close failed")
	req.Open = func(device string, config Config) (Port, error) {
		p, err := host.Open(device, config)
		if err != nil {
			return nil, err
		}
		fp := p.(*fakePort)
		fp.applyErr = applyErr
		fp.closeErr = closeErr
		return fp, nil
	}

	_, err := WithExclusiveControl(context.Background(), req, func(context.Context, StubHandle) (int, error) {
		return 1, nil
	})

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	var steps []CleanupStep
	for _, e := range joined.Unwrap() {
		var ce *CleanupError
		require.ErrorAs(t, e, &ce)
		steps = append(steps, ce.Step)
	}
	assert.Equal(t, []CleanupStep{StepRestoreSettings, StepClose}, steps)
	assert.Equal(t, []string{"stop", "start"}, session.log(), "resume still attempted")
}

func TestExclusiveControlResumeFailure(t *testing.T) {
	_, _, session, _, req := exclusiveFixture(t)
	session.startErr = ErrDeviceNotFound

	_, err := WithExclusiveControl(context.Background(), req, func(context.Context, StubHandle) (int, error) {
		return 1, nil
	})

	var cleanupErr *CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	assert.Equal(t, StepResume, cleanupErr.Step)
	assert.Contains(t, err.Error(), "resume log session")
}

func TestExclusiveControlTimeout(t *testing.T) {
	_, _, session, _, req := exclusiveFixture(t)
	req.Timeout = 50 * time.Millisecond

	_, err := WithExclusiveControl(context.Background(), req, func(ctx context.Context, _ StubHandle) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	var opErr *PrivilegedOperationError
	require.ErrorAs(t, err, &opErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, session.Running(), "session resumes after the deadline")
}

func TestExclusiveControlResumesAfterSuspendDeadline(t *testing.T) {
	host, _, _, _, req := exclusiveFixture(t)
	line := host.line("/dev/ttyUSB0")
	out := &syncBuffer{}
	fwd := NewForwarder(ForwarderConfig{Port: "/dev/ttyUSB0", Config: DefaultConfig(), Output: out, Open: host.Open})
	require.NoError(t, fwd.Start(context.Background()))
	t.Cleanup(func() { fwd.Stop(context.Background()) })

	// the caller's ctx ends right as the log session is being suspended
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req.Session = fwd
	req.Observer = func(_ string, _, to SessionState) {
		if to == StateSuspended {
			cancel()
		}
	}

	WithExclusiveControl(ctx, req, func(ctx context.Context, _ StubHandle) (int, error) {
		return 0, ctx.Err()
	})

	assert.True(t, fwd.Running(), "log session resumed")
	assert.True(t, line.isOpen(), "log session holds the port again")

	line.feed("rst:0xc (SW_CPU_RESET)\n")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "rst:0xc (SW_CPU_RESET)\n")
	}, time.Second, 10*time.Millisecond)
}

func TestExclusiveControlSamePortSerialized(t *testing.T) {
	host, proto, _, _, req := exclusiveFixture(t)
	req.Session = nil
	req.Observer = nil

	var active, maxActive int32
	op := func(context.Context, StubHandle) (int, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return 0, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := WithExclusiveControl(context.Background(), req, op)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), maxActive)
	assert.Equal(t, 4, proto.stubCount())
	assert.False(t, host.line("/dev/ttyUSB0").isOpen())
}

func TestExclusiveControlDistinctPortsOverlap(t *testing.T) {
	host := newFakeHost()
	host.add("/dev/ttyUSB0", "esp32")
	host.add("/dev/ttyUSB1", "esp32c3")
	proto := newFakeProtocol(host)
	locks := NewPortLocks()

	var arrived sync.WaitGroup
	arrived.Add(2)
	bothInside := make(chan struct{})
	go func() {
		arrived.Wait()
		close(bothInside)
	}()

	op := func(ctx context.Context, _ StubHandle) (int, error) {
		arrived.Done()
		select {
		case <-bothInside:
			return 1, nil
		case <-time.After(2 * time.Second):
			return 0, errors.New("sessions on distinct ports did not overlap")
		}
	}

	var wg sync.WaitGroup
	for _, port := range []string{"/dev/ttyUSB0", "/dev/ttyUSB1"} {
		wg.Add(1)
		go func(port string) {
			defer wg.Done()
			_, err := WithExclusiveControl(context.Background(), ExclusiveRequest{
				Port:     port,
				Protocol: proto,
				Open:     host.Open,
				Locks:    locks,
			}, op)
			assert.NoError(t, err)
		}(port)
	}
	wg.Wait()
}

func TestPortLocksRespectContext(t *testing.T) {
	locks := NewPortLocks()

	unlock, err := locks.Lock(context.Background(), "/dev/ttyUSB0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "/dev/ttyUSB0")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locks.Lock(context.Background(), "/dev/ttyUSB1")
	require.NoError(t, err)
	other()

	unlock()
	unlock() // idempotent
	again, err := locks.Lock(context.Background(), "/dev/ttyUSB0")
	require.NoError(t, err)
	again()
}

func TestSessionStateString(t *testing.T) {
	names := make([]string, 0, len(fullCycle)+1)
	for _, s := range append([]SessionState{StateIdle}, fullCycle...) {
		names = append(names, s.String())
	}
	assert.Equal(t, []string{"idle", "suspended", "connected", "stub_active", "resetting", "restoring", "resumed"}, names)
}
