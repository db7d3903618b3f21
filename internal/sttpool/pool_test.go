package sttpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dialvox/dialvox/pkg/provider/stt"
	"github.com/dialvox/dialvox/pkg/types"
)

// fakeHandle is a minimal stt.SessionHandle that records Close calls.
type fakeHandle struct {
	mu     sync.Mutex
	closed bool
}

func (h *fakeHandle) SendAudio([]byte) error            { return nil }
func (h *fakeHandle) Partials() <-chan types.Transcript { return nil }
func (h *fakeHandle) Finals() <-chan types.Transcript   { return nil }
func (h *fakeHandle) Events() <-chan types.VADEvent     { return nil }

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// fakeProvider hands out fakeHandles and can be told to fail dials.
type fakeProvider struct {
	mu       sync.Mutex
	started  int
	failNext int
}

func (f *fakeProvider) StartStream(_ context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("provider unavailable")
	}
	f.started++
	return &fakeHandle{}, nil
}

func (f *fakeProvider) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestAcquire_IdempotentPerClient(t *testing.T) {
	t.Parallel()

	p := New(&fakeProvider{})
	t.Cleanup(func() { _ = p.Close() })

	first, err := p.Acquire(t.Context(), "call-1", stt.StreamConfig{Language: "en"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := p.Acquire(t.Context(), "call-1", stt.StreamConfig{Language: "hi"})
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if first != second {
		t.Error("re-acquire returned a different session")
	}

	m := p.Metrics()
	if m.Active != 1 || m.TotalAcquired != 1 {
		t.Errorf("metrics = %+v, want 1 active / 1 acquired", m)
	}
}

func TestAcquire_QueuesAtCapacity(t *testing.T) {
	t.Parallel()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(&fakeProvider{}, WithMaxConns(2))
	t.Cleanup(func() { _ = p.Close() })

	if _, err := p.Acquire(t.Context(), "call-1", stt.StreamConfig{}); err != nil {
		t.Fatalf("Acquire call-1: %v", err)
	}
	if _, err := p.Acquire(t.Context(), "call-2", stt.StreamConfig{}); err != nil {
		t.Fatalf("Acquire call-2: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "call-3", stt.StreamConfig{})
		got <- err
	}()

	waitFor(t, func() bool { return p.Metrics().Queued == 1 }, "call-3 queued")

	if err := p.Release("call-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := <-got; err != nil {
		t.Fatalf("queued Acquire: %v", err)
	}

	m := p.Metrics()
	if m.Active != 2 || m.Queued != 0 {
		t.Errorf("metrics = %+v, want 2 active / 0 queued", m)
	}
	if m.TotalAcquired != 3 || m.TotalReleased != 1 {
		t.Errorf("metrics = %+v, want 3 acquired / 1 released", m)
	}
}

func TestAcquire_Timeout(t *testing.T) {
	t.Parallel()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(&fakeProvider{}, WithMaxConns(1), WithAcquireTimeout(30*time.Millisecond))
	t.Cleanup(func() { _ = p.Close() })

	if _, err := p.Acquire(t.Context(), "call-1", stt.StreamConfig{}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err := p.Acquire(t.Context(), "call-2", stt.StreamConfig{})
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("err = %v, want ErrAcquireTimeout", err)
	}

	m := p.Metrics()
	if m.TotalTimeouts != 1 || m.Queued != 0 {
		t.Errorf("metrics = %+v, want 1 timeout / 0 queued", m)
	}

	// The timed-out waiter must not hold capacity hostage.
	if err := p.Release("call-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := p.Acquire(t.Context(), "call-3", stt.StreamConfig{}); err != nil {
		t.Fatalf("Acquire after timeout: %v", err)
	}
}

func TestAcquire_QueueFull(t *testing.T) {
	t.Parallel()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(&fakeProvider{}, WithMaxConns(1), WithQueueCap(1))
	t.Cleanup(func() { _ = p.Close() })

	if _, err := p.Acquire(t.Context(), "call-1", stt.StreamConfig{}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "call-2", stt.StreamConfig{})
		got <- err
	}()
	waitFor(t, func() bool { return p.Metrics().Queued == 1 }, "call-2 queued")

	_, err := p.Acquire(t.Context(), "call-3", stt.StreamConfig{})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if m := p.Metrics(); m.TotalFailed != 1 {
		t.Errorf("metrics = %+v, want 1 failed", m)
	}

	if err := p.Release("call-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := <-got; err != nil {
		t.Fatalf("queued Acquire: %v", err)
	}
}

func TestAcquire_ContextCanceled(t *testing.T) {
	t.Parallel()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(&fakeProvider{}, WithMaxConns(1))
	t.Cleanup(func() { _ = p.Close() })

	if _, err := p.Acquire(t.Context(), "call-1", stt.StreamConfig{}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	got := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "call-2", stt.StreamConfig{})
		got <- err
	}()
	waitFor(t, func() bool { return p.Metrics().Queued == 1 }, "call-2 queued")

	cancel()
	if err := <-got; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if m := p.Metrics(); m.Queued != 0 {
		t.Errorf("queued = %d after cancel, want 0", m.Queued)
	}
}

func TestAcquire_DialFailureFreesCapacity(t *testing.T) {
	t.Parallel()

	p := New(&fakeProvider{failNext: 1}, WithMaxConns(1))
	t.Cleanup(func() { _ = p.Close() })

	if _, err := p.Acquire(t.Context(), "call-1", stt.StreamConfig{}); err == nil {
		t.Fatal("Acquire succeeded with failing provider")
	}
	if m := p.Metrics(); m.TotalFailed != 1 || m.Active != 0 {
		t.Errorf("metrics = %+v, want 1 failed / 0 active", m)
	}

	// The failed dial must not leak its reservation.
	if _, err := p.Acquire(t.Context(), "call-2", stt.StreamConfig{}); err != nil {
		t.Fatalf("Acquire after failure: %v", err)
	}
}

func TestClose_DrainsSessionsAndFailsWaiters(t *testing.T) {
	t.Parallel()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(&fakeProvider{}, WithMaxConns(1))

	h, err := p.Acquire(t.Context(), "call-1", stt.StreamConfig{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "call-2", stt.StreamConfig{})
		got <- err
	}()
	waitFor(t, func() bool { return p.Metrics().Queued == 1 }, "call-2 queued")

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-got; !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("waiter err = %v, want ErrPoolClosed", err)
	}
	if !h.(*fakeHandle).isClosed() {
		t.Error("active session not closed on drain")
	}

	if _, err := p.Acquire(t.Context(), "call-3", stt.StreamConfig{}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Acquire after Close = %v, want ErrPoolClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRelease_UnknownClientIsNoop(t *testing.T) {
	t.Parallel()

	fp := &fakeProvider{}
	p := New(fp)
	t.Cleanup(func() { _ = p.Close() })

	if err := p.Release("never-acquired"); err != nil {
		t.Fatalf("Release unknown: %v", err)
	}

	if _, err := p.Acquire(t.Context(), "call-1", stt.StreamConfig{}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p.Release("call-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := p.Release("call-1"); err != nil {
		t.Fatalf("double Release: %v", err)
	}
	if m := p.Metrics(); m.TotalReleased != 1 {
		t.Errorf("TotalReleased = %d, want 1", m.TotalReleased)
	}
	if fp.startedCount() != 1 {
		t.Errorf("provider dials = %d, want 1", fp.startedCount())
	}
}
