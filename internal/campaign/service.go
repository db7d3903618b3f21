// Package campaign implements the dispatcher: campaign lifecycle
// (create/start/pause/resume/cancel/purge), contact enqueueing, the retry
// policy, and the promoter hand-off that turns a waitlisted contact into a
// dialed call.
//
// The dispatcher owns campaign rows and contact rows in the persistence
// store, and the limit/paused keys in the coordination store. It never
// touches lease internals directly: slots are claimed and released through
// the slot manager, and dialing is delegated to the orchestrator behind the
// [Dialer] interface.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/dialvox/dialvox/internal/slot"
	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/waitlist"
)

// Defaults for the dispatcher.
const (
	// DefaultDialRate is the per-campaign pacing between dials.
	DefaultDialRate = rate.Limit(1)

	// DefaultJobTimeout bounds one promoted job end to end. It matches the
	// pre-dial lease TTL: past that point the slot is gone anyway.
	DefaultJobTimeout = 60 * time.Second

	// DefaultPurgeGrace is how long purge waits between pausing the
	// campaign and force-releasing its leases.
	DefaultPurgeGrace = 3 * time.Second

	// DefaultFairEvery routes every 4th pop to the normal queue when fair
	// dispatch is on.
	DefaultFairEvery = 4

	// enqueueBatch is how many pending contacts one enqueue pass moves.
	enqueueBatch = 500
)

// ErrNearSaturation rejects a concurrency limit change that would land under
// the current live load. The API maps it to 429.
var ErrNearSaturation = errors.New("campaign: new limit too close to active call count")

// ValidationError marks a request the caller can fix. The API maps it to 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Dialer places one call for a promoted contact. Implemented by the
// orchestrator in internal/dialer; on failure the orchestrator has already
// failed the session record and force-released the pre-dial lease.
type Dialer interface {
	Dial(ctx context.Context, c *store.Campaign, contact *store.Contact, preToken string) (*store.CallSession, error)
}

// SessionCloser shuts down a live voice session. Implemented by the session
// registry in internal/app; purge uses it to end streams as user-ended.
type SessionCloser interface {
	CloseSession(ctx context.Context, sessionID, reason string) error
}

// Deps are the collaborators a [Service] needs.
type Deps struct {
	Campaigns store.CampaignStore
	Contacts  store.ContactStore
	Sessions  store.SessionStore
	Agents    store.AgentStore
	Phones    store.PhoneStore

	Slots    *slot.Manager
	Waitlist *waitlist.Waitlist
	Promoter *waitlist.Promoter
	Redis    *redis.Client

	// Dialer is a getter because the orchestrator is constructed after the
	// dispatcher (it needs the dispatcher as its outcome policy).
	Dialer func() Dialer

	// Registry may be nil; purge then skips closing live streams.
	Registry SessionCloser

	Logger *slog.Logger

	// DialRate overrides [DefaultDialRate] when > 0.
	DialRate rate.Limit

	// JobTimeout overrides [DefaultJobTimeout] when > 0.
	JobTimeout time.Duration

	// PurgeGrace overrides [DefaultPurgeGrace] when > 0.
	PurgeGrace time.Duration
}

// Service is the campaign dispatcher. Safe for concurrent use.
type Service struct {
	campaigns store.CampaignStore
	contacts  store.ContactStore
	sessions  store.SessionStore
	agents    store.AgentStore
	phones    store.PhoneStore

	slots    *slot.Manager
	wl       *waitlist.Waitlist
	promoter *waitlist.Promoter
	rdb      *redis.Client

	dialer   func() Dialer
	registry SessionCloser
	logger   *slog.Logger

	dialRate   rate.Limit
	jobTimeout time.Duration
	purgeGrace time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	backoffs map[string]*dialBackoff

	jobs sync.WaitGroup
}

// NewService creates the dispatcher.
func NewService(deps Deps) *Service {
	s := &Service{
		campaigns:  deps.Campaigns,
		contacts:   deps.Contacts,
		sessions:   deps.Sessions,
		agents:     deps.Agents,
		phones:     deps.Phones,
		slots:      deps.Slots,
		wl:         deps.Waitlist,
		promoter:   deps.Promoter,
		rdb:        deps.Redis,
		dialer:     deps.Dialer,
		registry:   deps.Registry,
		logger:     deps.Logger,
		dialRate:   deps.DialRate,
		jobTimeout: deps.JobTimeout,
		purgeGrace: deps.PurgeGrace,
		limiters:   make(map[string]*rate.Limiter),
		backoffs:   make(map[string]*dialBackoff),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "campaign")
	if s.dialRate <= 0 {
		s.dialRate = DefaultDialRate
	}
	if s.jobTimeout <= 0 {
		s.jobTimeout = DefaultJobTimeout
	}
	if s.purgeGrace <= 0 {
		s.purgeGrace = DefaultPurgeGrace
	}
	return s
}

// SetDialRate updates the dial pace. Cached per-campaign limiters are
// dropped so every campaign picks the new rate up on its next dial;
// in-flight waits finish at the old pace.
func (s *Service) SetDialRate(r rate.Limit) {
	if r <= 0 {
		r = DefaultDialRate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == s.dialRate {
		return
	}
	s.dialRate = r
	s.limiters = make(map[string]*rate.Limiter)
}

// ─────────────────────────────────────────────────────────────────────────────
// CRUD
// ─────────────────────────────────────────────────────────────────────────────

// CreateInput is the user-supplied part of a new campaign.
type CreateInput struct {
	Name        string
	AgentID     string
	PhoneID     string
	ScheduledAt *time.Time
	Settings    store.CampaignSettings
	Metadata    map[string]any
}

// UpdateInput is the PATCH surface: nil fields are left unchanged.
type UpdateInput struct {
	Name        *string
	ScheduledAt *time.Time
	Settings    *store.CampaignSettings
	Metadata    map[string]any
}

// Create validates agent and phone ownership, applies setting defaults, and
// inserts the campaign as draft (or scheduled when ScheduledAt is set).
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*store.Campaign, error) {
	if in.Name == "" {
		return nil, invalidf("campaign name is required")
	}

	agent, err := s.agents.GetAgent(ctx, in.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalidf("agent %s does not exist", in.AgentID)
		}
		return nil, err
	}
	if agent.UserID != userID {
		return nil, fmt.Errorf("agent %s: %w", in.AgentID, store.ErrNotOwner)
	}

	if in.PhoneID != "" {
		phone, err := s.phones.GetPhone(ctx, in.PhoneID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, invalidf("phone %s does not exist", in.PhoneID)
			}
			return nil, err
		}
		if phone.UserID != userID {
			return nil, fmt.Errorf("phone %s: %w", in.PhoneID, store.ErrNotOwner)
		}
		if !phone.Active {
			return nil, invalidf("phone %s is not active", in.PhoneID)
		}
	}

	status := store.CampaignDraft
	if in.ScheduledAt != nil {
		if in.ScheduledAt.Before(time.Now()) {
			return nil, invalidf("scheduledAt is in the past")
		}
		status = store.CampaignScheduled
	}

	in.Settings.ApplyDefaults()
	if err := in.Settings.Validate(); err != nil {
		return nil, invalidf("settings: %v", err)
	}

	c := &store.Campaign{
		ID:          uuid.NewString(),
		UserID:      userID,
		AgentID:     in.AgentID,
		PhoneID:     in.PhoneID,
		Name:        in.Name,
		Status:      status,
		ScheduledAt: in.ScheduledAt,
		Settings:    in.Settings,
		Metadata:    in.Metadata,
	}
	if err := s.campaigns.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("campaign created", "campaign", c.ID, "user", userID, "status", c.Status)
	return c, nil
}

// Get returns the campaign after an ownership check.
func (s *Service) Get(ctx context.Context, userID, id string) (*store.Campaign, error) {
	return s.load(ctx, userID, id)
}

// List returns the user's campaigns, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]*store.Campaign, error) {
	return s.campaigns.ListCampaigns(ctx, userID)
}

// Update patches the mutable fields. Settings cannot change on a frozen
// campaign.
func (s *Service) Update(ctx context.Context, userID, id string, in UpdateInput) (*store.Campaign, error) {
	c, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Frozen() {
		return nil, invalidf("campaign %s is %s and cannot be updated", id, c.Status)
	}

	if in.Name != nil {
		if *in.Name == "" {
			return nil, invalidf("campaign name is required")
		}
		c.Name = *in.Name
	}
	if in.ScheduledAt != nil {
		c.ScheduledAt = in.ScheduledAt
	}
	if in.Settings != nil {
		c.Settings = *in.Settings
		c.Settings.ApplyDefaults()
		if err := c.Settings.Validate(); err != nil {
			return nil, invalidf("settings: %v", err)
		}
	}
	if in.Metadata != nil {
		c.Metadata = in.Metadata
	}

	if err := s.campaigns.UpdateCampaign(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes a campaign that is not running. Active campaigns must be
// cancelled or purged instead.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	c, err := s.load(ctx, userID, id)
	if err != nil {
		return err
	}
	if c.Status == store.CampaignActive || c.Status == store.CampaignPaused {
		return invalidf("campaign %s is %s; cancel or purge it first", id, c.Status)
	}
	if err := s.campaigns.DeleteCampaign(ctx, id); err != nil {
		return err
	}
	s.logger.Info("campaign deleted", "campaign", id)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// Start moves a draft, scheduled or paused campaign to active: it writes the
// concurrency limit key, enqueues every dialable contact, and begins watching
// slot-available events.
func (s *Service) Start(ctx context.Context, userID, id string) error {
	c, err := s.load(ctx, userID, id)
	if err != nil {
		return err
	}

	counts, err := s.contacts.ContactStatusCounts(ctx, id)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return invalidf("campaign %s has no contacts", id)
	}
	if _, err := s.agents.GetAgent(ctx, c.AgentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invalidf("agent %s no longer exists", c.AgentID)
		}
		return err
	}

	ok, err := s.campaigns.TransitionCampaign(ctx, id, store.CampaignActive,
		store.CampaignDraft, store.CampaignScheduled, store.CampaignPaused)
	if err != nil {
		return err
	}
	if !ok {
		return invalidf("campaign %s cannot start from status %s", id, c.Status)
	}

	return s.activate(ctx, c)
}

// activate is the shared tail of Start, Resume and the scheduler tick. The
// campaign row is already active when it runs.
func (s *Service) activate(ctx context.Context, c *store.Campaign) error {
	if err := s.slots.SetLimit(ctx, c.ID, c.Settings.ConcurrentLimit); err != nil {
		return err
	}
	if err := s.promoter.SetPaused(ctx, c.ID, false); err != nil {
		return err
	}

	pushed, err := s.enqueuePending(ctx, c)
	if err != nil {
		return err
	}
	s.watch(c)

	if _, err := s.promoter.Promote(ctx, watchSpec(c)); err != nil {
		s.logger.Warn("initial promotion failed; the watch tick will retry",
			"campaign", c.ID, "error", err)
	}

	s.logger.Info("campaign active", "campaign", c.ID, "enqueued", pushed,
		"limit", c.Settings.ConcurrentLimit)
	return nil
}

// Pause stops new promotions. Queued jobs stay queued; live calls finish
// naturally.
func (s *Service) Pause(ctx context.Context, userID, id string) error {
	if _, err := s.load(ctx, userID, id); err != nil {
		return err
	}
	ok, err := s.campaigns.TransitionCampaign(ctx, id, store.CampaignPaused, store.CampaignActive)
	if err != nil {
		return err
	}
	if !ok {
		return invalidf("campaign %s is not active", id)
	}
	if err := s.promoter.SetPaused(ctx, id, true); err != nil {
		return err
	}
	s.logger.Info("campaign paused", "campaign", id)
	return nil
}

// Resume reactivates a paused campaign.
func (s *Service) Resume(ctx context.Context, userID, id string) error {
	c, err := s.load(ctx, userID, id)
	if err != nil {
		return err
	}
	ok, err := s.campaigns.TransitionCampaign(ctx, id, store.CampaignActive, store.CampaignPaused)
	if err != nil {
		return err
	}
	if !ok {
		return invalidf("campaign %s is not paused", id)
	}
	c.Status = store.CampaignActive
	return s.activate(ctx, c)
}

// Cancel stops the campaign for good: promotions end, queued jobs are
// removed, unsettled contacts are skipped. Live calls finish naturally and
// settle through their webhooks; the campaign stays cancelled.
//
// Counters freeze at the moment of cancellation. The per-status contact
// aggregates in Stats remain exact.
func (s *Service) Cancel(ctx context.Context, userID, id string) error {
	if _, err := s.load(ctx, userID, id); err != nil {
		return err
	}
	ok, err := s.campaigns.TransitionCampaign(ctx, id, store.CampaignCancelled,
		store.CampaignDraft, store.CampaignScheduled, store.CampaignActive, store.CampaignPaused)
	if err != nil {
		return err
	}
	if !ok {
		return invalidf("campaign %s is already settled", id)
	}

	s.promoter.Unwatch(id)
	if err := s.promoter.SetPaused(ctx, id, true); err != nil {
		s.logger.Warn("pause flag after cancel failed", "campaign", id, "error", err)
	}
	if err := s.wl.Clear(ctx, id); err != nil {
		return err
	}
	skipped, err := s.contacts.SkipUnsettled(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Info("campaign cancelled", "campaign", id, "skipped_contacts", skipped)
	return nil
}

// SetConcurrentLimit changes the campaign's max simultaneous calls. Lowering
// it under 110% of the live call count is rejected with [ErrNearSaturation];
// raising it publishes a slot-available event so promotions resume at once.
func (s *Service) SetConcurrentLimit(ctx context.Context, userID, id string, n int) error {
	c, err := s.load(ctx, userID, id)
	if err != nil {
		return err
	}
	if n < 1 || n > 100 {
		return invalidf("concurrent limit must be within [1,100], got %d", n)
	}

	active, err := s.slots.ActiveCount(ctx, id)
	if err != nil {
		return err
	}
	if float64(active) > 0.9*float64(n) {
		return fmt.Errorf("%w: %d active against requested %d", ErrNearSaturation, active, n)
	}

	if err := s.slots.SetLimit(ctx, id, n); err != nil {
		return err
	}
	c.Settings.ConcurrentLimit = n
	if err := s.campaigns.UpdateCampaignSettings(ctx, id, c.Settings); err != nil {
		return err
	}
	if err := s.slots.PublishSlotAvailable(ctx, id); err != nil {
		s.logger.Warn("slot-available publish failed; the promote tick will catch up",
			"campaign", id, "error", err)
	}
	s.logger.Info("concurrency limit changed", "campaign", id, "limit", n, "active", active)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// stats
// ─────────────────────────────────────────────────────────────────────────────

// Stats is the live campaign picture: persisted counters, per-status contact
// aggregates and the current lease tally.
type Stats struct {
	Campaign *store.Campaign
	Contacts map[store.ContactStatus]int
	Leases   slot.Counts
}

// Progress condenses Stats into a completion percentage.
type Progress struct {
	Total    int
	Settled  int
	Percent  float64
	Counters store.CampaignCounters
	Contacts map[store.ContactStatus]int
}

// Stats returns the live campaign picture.
func (s *Service) Stats(ctx context.Context, userID, id string) (Stats, error) {
	c, err := s.load(ctx, userID, id)
	if err != nil {
		return Stats{}, err
	}
	counts, err := s.contacts.ContactStatusCounts(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	leases, err := s.slots.Counts(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Campaign: c, Contacts: counts, Leases: leases}, nil
}

// Progress returns completion percentage and per-status aggregates.
func (s *Service) Progress(ctx context.Context, userID, id string) (Progress, error) {
	c, err := s.load(ctx, userID, id)
	if err != nil {
		return Progress{}, err
	}
	counts, err := s.contacts.ContactStatusCounts(ctx, id)
	if err != nil {
		return Progress{}, err
	}

	total, settled := 0, 0
	for status, n := range counts {
		total += n
		if status.Settled() {
			settled += n
		}
	}
	p := Progress{
		Total:    total,
		Settled:  settled,
		Counters: c.Counters,
		Contacts: counts,
	}
	if total > 0 {
		p.Percent = 100 * float64(settled) / float64(total)
	}
	return p, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// scheduler
// ─────────────────────────────────────────────────────────────────────────────

// Bootstrap restores dispatcher state after a restart: active campaigns are
// watched again and paused campaigns get their pause flag re-asserted. Call
// it once before serving traffic.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.tick(ctx); err != nil {
		return fmt.Errorf("campaign: bootstrap: %w", err)
	}
	return nil
}

// RunScheduler drives the dispatcher tick until ctx is cancelled: it starts
// scheduled campaigns whose time arrived, re-enqueues retry contacts that
// became due, and keeps pause flags alive.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	var errs []error

	due, err := s.campaigns.DueScheduledCampaigns(ctx, time.Now())
	if err != nil {
		errs = append(errs, err)
	}
	for _, c := range due {
		ok, err := s.campaigns.TransitionCampaign(ctx, c.ID, store.CampaignActive, store.CampaignScheduled)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue // another process won the start
		}
		c.Status = store.CampaignActive
		s.logger.Info("scheduled campaign starting", "campaign", c.ID)
		if err := s.activate(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}

	active, err := s.campaigns.ListCampaignsByStatus(ctx, store.CampaignActive)
	if err != nil {
		errs = append(errs, err)
	}
	for _, c := range active {
		s.watch(c)
		pushed, err := s.enqueuePending(ctx, c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if pushed > 0 {
			if _, err := s.promoter.Promote(ctx, watchSpec(c)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	paused, err := s.campaigns.ListCampaignsByStatus(ctx, store.CampaignPaused)
	if err != nil {
		errs = append(errs, err)
	}
	for _, c := range paused {
		if err := s.promoter.SetPaused(ctx, c.ID, true); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Drain waits for in-flight promoted jobs to finish dialing. Called during
// graceful shutdown after the promoter stopped.
func (s *Service) Drain() {
	s.jobs.Wait()
}

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

// load fetches the campaign and verifies ownership. An empty userID skips the
// ownership check; internal callers use that.
func (s *Service) load(ctx context.Context, userID, id string) (*store.Campaign, error) {
	c, err := s.campaigns.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && c.UserID != userID {
		return nil, fmt.Errorf("campaign %s: %w", id, store.ErrNotOwner)
	}
	return c, nil
}

// watch subscribes the promoter to the campaign's slot events. Idempotent.
// The subscription's lifetime is owned by the promoter: Close tears all of
// them down at shutdown.
func (s *Service) watch(c *store.Campaign) {
	s.promoter.Watch(context.Background(), watchSpec(c))
}

func watchSpec(c *store.Campaign) waitlist.CampaignSpec {
	spec := waitlist.CampaignSpec{ID: c.ID, Mode: queueMode(c.Settings.PriorityMode)}
	if c.Settings.FairDispatch {
		spec.FairEvery = DefaultFairEvery
	}
	return spec
}

func queueMode(m store.PriorityMode) waitlist.Mode {
	switch m {
	case store.PriorityLIFO:
		return waitlist.ModeLIFO
	case store.PriorityCustom:
		return waitlist.ModePriority
	default:
		return waitlist.ModeFIFO
	}
}
