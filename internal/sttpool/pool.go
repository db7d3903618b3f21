// Package sttpool bounds the number of concurrent streaming STT sessions a
// process holds open. Deepgram caps an account at 20 simultaneous streams;
// opening a 21st fails the whole call, so every live call acquires its
// session through this pool instead of dialing the provider directly.
//
// Acquisition is FIFO-fair: when the pool is at capacity, callers queue (up
// to a cap) and are granted capacity in arrival order as sessions are
// released. Acquire is idempotent per client — re-acquiring for a client that
// already holds a session returns the existing handle, so a retried call
// setup never burns a second slot.
package sttpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dialvox/dialvox/pkg/provider/stt"
)

// Defaults sized for Deepgram's account-level stream ceiling.
const (
	DefaultMaxConns       = 20
	DefaultQueueCap       = 50
	DefaultAcquireTimeout = 30 * time.Second
)

var (
	// ErrPoolClosed is returned by Acquire after Close has been called.
	ErrPoolClosed = errors.New("sttpool: pool is closed")

	// ErrQueueFull is returned when the pool is at capacity and the waiter
	// queue has reached its cap.
	ErrQueueFull = errors.New("sttpool: acquire queue is full")

	// ErrAcquireTimeout is returned when a queued acquire is not granted
	// capacity within the acquire timeout.
	ErrAcquireTimeout = errors.New("sttpool: acquire timed out")
)

// Metrics is a point-in-time snapshot of pool state and lifetime counters.
type Metrics struct {
	// Active is the number of sessions currently held by clients.
	Active int

	// Queued is the number of acquires currently waiting for capacity.
	Queued int

	// TotalAcquired counts sessions handed out. Idempotent re-acquires of an
	// existing session do not count.
	TotalAcquired int64

	// TotalReleased counts explicit releases. Sessions drained by Close do
	// not count.
	TotalReleased int64

	// TotalTimeouts counts queued acquires that hit the acquire timeout.
	TotalTimeouts int64

	// TotalFailed counts acquires rejected for queue overflow and provider
	// dial failures. Timeouts are counted separately.
	TotalFailed int64
}

// waiter is a queued acquire. ready receives nil when capacity has been
// reserved for the waiter, or a terminal error when the pool closes.
type waiter struct {
	clientID string
	ready    chan error
}

// Pool is a process-wide cap on concurrent streaming STT sessions.
// All methods are safe for concurrent use; a single mutex guards all state.
type Pool struct {
	provider stt.Provider
	maxConns int
	queueCap int
	timeout  time.Duration

	mu       sync.Mutex
	closed   bool
	active   map[string]stt.SessionHandle
	reserved int // capacity held by in-flight dials and granted waiters
	waiters  []*waiter

	totalAcquired int64
	totalReleased int64
	totalTimeouts int64
	totalFailed   int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxConns overrides the concurrent-session ceiling.
func WithMaxConns(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxConns = n
		}
	}
}

// WithQueueCap overrides the waiter queue cap.
func WithQueueCap(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queueCap = n
		}
	}
}

// WithAcquireTimeout overrides how long a queued acquire waits for capacity.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// New creates a Pool that opens sessions on the given provider.
func New(provider stt.Provider, opts ...Option) *Pool {
	p := &Pool{
		provider: provider,
		maxConns: DefaultMaxConns,
		queueCap: DefaultQueueCap,
		timeout:  DefaultAcquireTimeout,
		active:   make(map[string]stt.SessionHandle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns a streaming session for the given client, opening one if
// the client does not already hold one. If the pool is at capacity the call
// queues FIFO and blocks until capacity is granted, ctx is done, or the
// acquire timeout elapses.
//
// For a client that already holds a session, the existing handle is returned
// and cfg is ignored: the configuration of the first acquisition wins.
func (p *Pool) Acquire(ctx context.Context, clientID string, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if h, ok := p.active[clientID]; ok {
		p.mu.Unlock()
		return h, nil
	}
	if len(p.active)+p.reserved < p.maxConns {
		p.reserved++
		p.mu.Unlock()
		return p.dial(ctx, clientID, cfg)
	}
	if len(p.waiters) >= p.queueCap {
		p.totalFailed++
		p.mu.Unlock()
		return nil, fmt.Errorf("sttpool: acquire for %s: %w", clientID, ErrQueueFull)
	}

	w := &waiter{clientID: clientID, ready: make(chan error, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case err := <-w.ready:
		if err != nil {
			return nil, err
		}
		return p.dial(ctx, clientID, cfg)
	case <-timer.C:
		p.mu.Lock()
		p.totalTimeouts++
		p.settleAbandoned(w)
		p.mu.Unlock()
		return nil, fmt.Errorf("sttpool: acquire for %s after %s: %w", clientID, p.timeout, ErrAcquireTimeout)
	case <-ctx.Done():
		p.mu.Lock()
		p.settleAbandoned(w)
		p.mu.Unlock()
		return nil, fmt.Errorf("sttpool: acquire for %s: %w", clientID, ctx.Err())
	}
}

// Release closes and returns the client's session to the pool, granting the
// freed capacity to the oldest queued waiter. Releasing a client that holds
// no session is a no-op.
func (p *Pool) Release(clientID string) error {
	p.mu.Lock()
	h, ok := p.active[clientID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.active, clientID)
	p.totalReleased++
	p.grantLocked()
	p.mu.Unlock()

	if err := h.Close(); err != nil {
		return fmt.Errorf("sttpool: close session for %s: %w", clientID, err)
	}
	return nil
}

// Metrics returns a snapshot of current pool state.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Metrics{
		Active:        len(p.active),
		Queued:        len(p.waiters),
		TotalAcquired: p.totalAcquired,
		TotalReleased: p.totalReleased,
		TotalTimeouts: p.totalTimeouts,
		TotalFailed:   p.totalFailed,
	}
}

// Close fails all queued waiters with ErrPoolClosed and closes every active
// session. Subsequent Acquire calls fail; Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, w := range p.waiters {
		w.ready <- ErrPoolClosed
	}
	p.waiters = nil
	handles := make(map[string]stt.SessionHandle, len(p.active))
	for id, h := range p.active {
		handles[id] = h
	}
	p.active = map[string]stt.SessionHandle{}
	p.mu.Unlock()

	var errs []error
	for id, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session for %s: %w", id, err))
		}
	}
	slog.Info("stt pool closed", "drained", len(handles))
	if len(errs) > 0 {
		return fmt.Errorf("sttpool: %w", errors.Join(errs...))
	}
	return nil
}

// dial opens a provider stream with a slot already reserved for the caller.
// The reservation converts into an active entry on success and is handed to
// the next waiter on failure.
func (p *Pool) dial(ctx context.Context, clientID string, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, err := p.provider.StartStream(ctx, cfg)

	p.mu.Lock()
	p.reserved--
	if err != nil {
		p.totalFailed++
		p.grantLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("sttpool: start stream for %s: %w", clientID, err)
	}
	if p.closed {
		p.mu.Unlock()
		_ = h.Close()
		return nil, ErrPoolClosed
	}
	if existing, ok := p.active[clientID]; ok {
		// A concurrent acquire for the same client won the registration.
		p.grantLocked()
		p.mu.Unlock()
		_ = h.Close()
		return existing, nil
	}
	p.active[clientID] = h
	p.totalAcquired++
	p.mu.Unlock()

	slog.Debug("stt session acquired", "client_id", clientID, "language", cfg.Language)
	return h, nil
}

// grantLocked reserves freed capacity for the oldest queued waiter.
// Caller must hold mu.
func (p *Pool) grantLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.reserved++
	w.ready <- nil
}

// settleAbandoned removes a waiter that gave up. If a grant raced the
// abandonment the reserved slot is taken back and passed on.
// Caller must hold mu.
func (p *Pool) settleAbandoned(w *waiter) {
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	// Not queued: the grant fired first and reserved capacity for us.
	if err := <-w.ready; err == nil {
		p.reserved--
		p.grantLocked()
	}
}
