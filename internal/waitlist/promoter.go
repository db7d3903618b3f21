package waitlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dialvox/dialvox/internal/coord"
	"github.com/dialvox/dialvox/internal/slot"
)

// Defaults for the promotion engine.
const (
	// DefaultMutexTTL bounds how long a crashed promoter can block a
	// campaign's promotions.
	DefaultMutexTTL = 10 * time.Second

	// DefaultPromoteTick is the safety-net interval: pub/sub is
	// fire-and-forget, so a missed slot-available event is repaired by the
	// next tick rather than stalling the campaign.
	DefaultPromoteTick = 30 * time.Second

	// DefaultPausedTTL is the lifetime of the pause flag. The dispatcher
	// re-asserts it on its scheduler tick while a campaign stays paused.
	DefaultPausedTTL = 6 * time.Hour
)

// unlockScript releases the promote mutex only when the caller still owns it.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Dispatch hands a promoted job to the dispatcher. Implementations must not
// block: the promoter calls it from inside the promotion loop.
type Dispatch func(campaignID, jobID, preToken string, origin Priority)

// CampaignSpec carries the queue discipline the promoter needs per campaign.
type CampaignSpec struct {
	ID   string
	Mode Mode

	// FairEvery makes every N-th pop read the normal list even when high is
	// non-empty. Zero means strict priority (high starves normal).
	FairEvery int
}

// Promoter moves waitlisted jobs into pre-dial leases. One promotion run per
// campaign executes at a time, serialized by a short-TTL mutex key, so
// concurrent processes never double-promote. Different campaigns promote
// independently.
type Promoter struct {
	wl       *Waitlist
	slots    *slot.Manager
	dispatch Dispatch
	logger   *slog.Logger
	rdb      *redis.Client

	mutexTTL  time.Duration
	pausedTTL time.Duration
	tick      time.Duration

	mu      sync.Mutex
	watched map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// PromoterOption configures a [Promoter].
type PromoterOption func(*Promoter)

// WithMutexTTL overrides [DefaultMutexTTL].
func WithMutexTTL(d time.Duration) PromoterOption {
	return func(p *Promoter) {
		if d > 0 {
			p.mutexTTL = d
		}
	}
}

// WithPromoteTick overrides [DefaultPromoteTick].
func WithPromoteTick(d time.Duration) PromoterOption {
	return func(p *Promoter) {
		if d > 0 {
			p.tick = d
		}
	}
}

// WithPausedTTL overrides [DefaultPausedTTL].
func WithPausedTTL(d time.Duration) PromoterOption {
	return func(p *Promoter) {
		if d > 0 {
			p.pausedTTL = d
		}
	}
}

// WithPromoterLogger sets the logger. Defaults to [slog.Default].
func WithPromoterLogger(l *slog.Logger) PromoterOption {
	return func(p *Promoter) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPromoter wires a promoter to the waitlist, the slot manager, and the
// dispatcher's process entry point.
func NewPromoter(rdb *redis.Client, wl *Waitlist, slots *slot.Manager, dispatch Dispatch, opts ...PromoterOption) *Promoter {
	p := &Promoter{
		wl:        wl,
		slots:     slots,
		dispatch:  dispatch,
		rdb:       rdb,
		logger:    slog.Default(),
		mutexTTL:  DefaultMutexTTL,
		pausedTTL: DefaultPausedTTL,
		tick:      DefaultPromoteTick,
		watched:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "promoter")
	return p
}

// Promote runs one promotion pass for the campaign: pop → reserve → acquire →
// dispatch, until the waitlist empties or an acquire is denied. Returns the
// number of jobs dispatched.
//
// When another process holds the promote mutex the pass is skipped; the
// holder will drain whatever this caller would have.
func (p *Promoter) Promote(ctx context.Context, spec CampaignSpec) (int, error) {
	keys := coord.ForCampaign(spec.ID)
	mutexToken := uuid.NewString()

	locked, err := p.rdb.SetNX(ctx, keys.PromoteMutex(), mutexToken, p.mutexTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("waitlist: promote mutex %s: %w", spec.ID, err)
	}
	if !locked {
		return 0, nil
	}
	defer func() {
		// Best effort; the TTL reclaims an unlock we fail to deliver.
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(unlockCtx, p.rdb, []string{keys.PromoteMutex()}, mutexToken).Err(); err != nil && !errors.Is(err, redis.Nil) {
			p.logger.Warn("promote mutex unlock failed", "campaign", spec.ID, "error", err)
		}
	}()

	paused, err := p.IsPaused(ctx, spec.ID)
	if err != nil {
		return 0, err
	}
	if paused {
		return 0, nil
	}

	limit, err := p.slots.GetLimit(ctx, spec.ID)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, nil
	}

	promoted := 0
	for {
		jobID, origin, ok, err := p.wl.Pop(ctx, spec.ID, spec.Mode, spec.FairEvery)
		if err != nil {
			return promoted, err
		}
		if !ok {
			return promoted, nil
		}

		acq, err := p.slots.AcquirePreDial(ctx, spec.ID, jobID, limit)
		if err != nil {
			// Coordination store trouble: put the job back and halt this pass.
			if rqErr := p.wl.Requeue(ctx, spec.ID, jobID, origin); rqErr != nil {
				p.logger.Error("requeue after acquire failure also failed",
					"campaign", spec.ID, "job", jobID, "error", rqErr)
			}
			return promoted, err
		}
		if !acq.OK {
			if err := p.wl.Requeue(ctx, spec.ID, jobID, origin); err != nil {
				return promoted, err
			}
			return promoted, nil
		}

		if err := p.wl.Ack(ctx, spec.ID, jobID, origin); err != nil {
			p.logger.Warn("reservation ack failed; ledger reconciler will skip it",
				"campaign", spec.ID, "job", jobID, "error", err)
		}
		p.dispatch(spec.ID, jobID, acq.Token, origin)
		promoted++
	}
}

// Watch subscribes to the campaign's slot-available events and promotes on
// each one, plus on a slow safety tick. Idempotent per campaign id. The
// subscription ends when ctx is cancelled, [Promoter.Unwatch] is called, or
// [Promoter.Close] runs.
func (p *Promoter) Watch(ctx context.Context, spec CampaignSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watched[spec.ID]; ok {
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)
	p.watched[spec.ID] = cancel
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.Unwatch(spec.ID)
		p.run(watchCtx, spec)
	}()
}

func (p *Promoter) run(ctx context.Context, spec CampaignSpec) {
	sub := p.slots.Subscribe(ctx, spec.ID)
	defer sub.Close()

	events := sub.Channel()
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	p.logger.Info("watching campaign", "campaign", spec.ID, "mode", spec.Mode)

	// Drain whatever queued up before the subscription existed.
	if _, err := p.Promote(ctx, spec); err != nil && ctx.Err() == nil {
		p.logger.Error("initial promotion pass failed", "campaign", spec.ID, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-ticker.C:
		}

		if n, err := p.Promote(ctx, spec); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("promotion pass failed", "campaign", spec.ID, "error", err)
		} else if n > 0 {
			p.logger.Debug("promoted jobs", "campaign", spec.ID, "count", n)
		}
	}
}

// Unwatch stops the campaign's event subscription.
func (p *Promoter) Unwatch(campaignID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.watched[campaignID]; ok {
		cancel()
		delete(p.watched, campaignID)
	}
}

// Watching reports whether the campaign currently has an event subscription.
func (p *Promoter) Watching(campaignID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.watched[campaignID]
	return ok
}

// WatchCount reports how many campaigns currently have event subscriptions.
func (p *Promoter) WatchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watched)
}

// Close stops all subscriptions and waits for their goroutines.
func (p *Promoter) Close() {
	p.mu.Lock()
	for id, cancel := range p.watched {
		cancel()
		delete(p.watched, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// SetPaused raises or clears the campaign's pause flag. The flag carries a
// TTL; the dispatcher re-asserts it periodically while the campaign stays
// paused.
func (p *Promoter) SetPaused(ctx context.Context, campaignID string, paused bool) error {
	keys := coord.ForCampaign(campaignID)
	var err error
	if paused {
		err = p.rdb.Set(ctx, keys.Paused(), "1", p.pausedTTL).Err()
	} else {
		err = p.rdb.Del(ctx, keys.Paused()).Err()
	}
	if err != nil {
		return fmt.Errorf("waitlist: set paused %s: %w", campaignID, err)
	}
	return nil
}

// IsPaused reports whether the campaign's pause flag is set.
func (p *Promoter) IsPaused(ctx context.Context, campaignID string) (bool, error) {
	n, err := p.rdb.Exists(ctx, coord.ForCampaign(campaignID).Paused()).Result()
	if err != nil {
		return false, fmt.Errorf("waitlist: paused %s: %w", campaignID, err)
	}
	return n == 1, nil
}
