// Package reconcile runs the background repair loops that keep the
// coordination store, the database and the campaign counters consistent.
// Crashed processes leak leases, liveness markers and ledger reservations;
// dropped webhooks leave calls dangling in a non-terminal status. Each loop
// sweeps on its own ticker and repairs what it finds; all of them stop
// together when the context ends.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/internal/slot"
	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/waitlist"
)

// Defaults for the sweep cadence and cutoffs.
const (
	// DefaultSweepInterval paces the lease janitor, the invariant monitor
	// and the stuck-call monitor.
	DefaultSweepInterval = time.Minute

	// DefaultWaitlistInterval paces the queued-contact scan. It is the
	// slowest loop: lost entries stall a contact, they do not corrupt
	// anything.
	DefaultWaitlistInterval = 5 * time.Minute

	// DefaultLedgerInterval paces the reserved-ledger scan. Orphaned
	// reservations hold no slot but block their job, so the scan runs at
	// the same order as the pre-dial TTL.
	DefaultLedgerInterval = 30 * time.Second

	// DefaultMaxCallAge is how long a lease or a non-terminal session may
	// live before it is treated as leaked. No legitimate call runs this
	// long.
	DefaultMaxCallAge = 2 * time.Hour

	// DefaultScanLimit caps the queued contacts verified per campaign per
	// waitlist pass.
	DefaultScanLimit = 500
)

// CallEnder applies a terminal status to a call session and runs the
// release-and-settle side effects. Implemented by the dialer orchestrator.
type CallEnder interface {
	MarkEnded(ctx context.Context, sessionID string, status store.SessionStatus, reason string) (bool, error)
}

// StreamCloser shuts down a live voice stream. Implemented by the session
// registry in internal/app.
type StreamCloser interface {
	CloseSession(ctx context.Context, sessionID, reason string) error
}

// Deps are the collaborators a [Runner] needs.
type Deps struct {
	Campaigns store.CampaignStore
	Contacts  store.ContactStore
	Sessions  store.SessionStore
	Slots     *slot.Manager
	Waitlist  *waitlist.Waitlist

	// Calls settles stuck sessions. Nil disables the stuck-call monitor.
	Calls CallEnder

	// Streams closes the voice stream of a stuck call before it is
	// failed. Nil skips the close.
	Streams StreamCloser

	// Metrics receives repair and violation counts. Nil uses
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// Option configures a [Runner].
type Option func(*Runner)

// WithSweepInterval overrides [DefaultSweepInterval].
func WithSweepInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.sweepEvery = d
		}
	}
}

// WithWaitlistInterval overrides [DefaultWaitlistInterval].
func WithWaitlistInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.waitlistEvery = d
		}
	}
}

// WithLedgerInterval overrides [DefaultLedgerInterval].
func WithLedgerInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.ledgerEvery = d
		}
	}
}

// WithMaxCallAge overrides [DefaultMaxCallAge] for the lease janitor and,
// unless [WithStuckThreshold] is also given, the stuck-call monitor.
func WithMaxCallAge(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.maxCallAge = d
		}
	}
}

// WithStuckThreshold sets the stuck-call cutoff independently of the lease
// janitor's maximum call age.
func WithStuckThreshold(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.stuckAfter = d
		}
	}
}

// WithPreDialTTL sets the reservation age after which the ledger reconciler
// treats the promoter as dead. Must match the slot manager's pre-dial TTL.
func WithPreDialTTL(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.preDialTTL = d
		}
	}
}

// WithScanLimit overrides [DefaultScanLimit].
func WithScanLimit(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.scanLimit = n
		}
	}
}

// Runner owns the five reconciliation loops.
type Runner struct {
	campaigns store.CampaignStore
	contacts  store.ContactStore
	sessions  store.SessionStore
	slots     *slot.Manager
	wl        *waitlist.Waitlist
	calls     CallEnder
	streams   StreamCloser
	metrics   *observe.Metrics
	logger    *slog.Logger

	sweepEvery    time.Duration
	waitlistEvery time.Duration
	ledgerEvery   time.Duration
	maxCallAge    time.Duration
	stuckAfter    time.Duration
	preDialTTL    time.Duration
	scanLimit     int

	// lastStatus is the invariant monitor's memory of campaign statuses,
	// owned by its loop goroutine.
	lastStatus map[string]store.CampaignStatus
}

// NewRunner creates the reconciler.
func NewRunner(deps Deps, opts ...Option) *Runner {
	r := &Runner{
		campaigns: deps.Campaigns,
		contacts:  deps.Contacts,
		sessions:  deps.Sessions,
		slots:     deps.Slots,
		wl:        deps.Waitlist,
		calls:     deps.Calls,
		streams:   deps.Streams,
		metrics:   deps.Metrics,
		logger:    deps.Logger,

		sweepEvery:    DefaultSweepInterval,
		waitlistEvery: DefaultWaitlistInterval,
		ledgerEvery:   DefaultLedgerInterval,
		maxCallAge:    DefaultMaxCallAge,
		preDialTTL:    slot.DefaultPreDialTTL,
		scanLimit:     DefaultScanLimit,

		lastStatus: make(map[string]store.CampaignStatus),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.stuckAfter <= 0 {
		r.stuckAfter = r.maxCallAge
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "reconcile")
	return r
}

// Run starts the loops and blocks until ctx ends. Each loop runs one pass
// immediately, so a restart repairs whatever the previous process leaked
// without waiting out a full interval.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.loop(ctx, "lease_janitor", r.sweepEvery, r.sweepLeases) })
	g.Go(func() error { return r.loop(ctx, "waitlist", r.waitlistEvery, r.sweepWaitlists) })
	g.Go(func() error { return r.loop(ctx, "ledger", r.ledgerEvery, r.sweepLedgers) })
	g.Go(func() error { return r.loop(ctx, "invariants", r.sweepEvery, r.checkInvariants) })
	if r.calls != nil {
		g.Go(func() error { return r.loop(ctx, "stuck_calls", r.sweepEvery, r.sweepStuckCalls) })
	}

	return g.Wait()
}

// loop runs pass now and on every tick. A failed pass is logged, never
// fatal: the next tick retries against whatever state is reachable.
func (r *Runner) loop(ctx context.Context, name string, every time.Duration, pass func(context.Context) error) error {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		if err := pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("reconcile pass failed", "loop", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// runningCampaigns lists the campaigns that may own coordination state:
// active ones and paused ones, whose in-flight calls keep dialing down.
func (r *Runner) runningCampaigns(ctx context.Context) ([]*store.Campaign, error) {
	return r.campaigns.ListCampaignsByStatus(ctx, store.CampaignActive, store.CampaignPaused)
}
