package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/telephony"
	"github.com/dialvox/dialvox/internal/waitlist"
)

// ContactRow is one uploaded contact before validation.
type ContactRow struct {
	Phone    string
	Name     string
	Email    string
	Priority int
	Custom   map[string]any
}

// AddResult reports a bulk contact upload. Rows that failed validation are
// listed in Errors and were not inserted.
type AddResult struct {
	Added      int
	Duplicates int
	Errors     []string
}

// AddContacts validates and inserts the rows, bumps the campaign counters,
// and — when the campaign is already running — enqueues the new contacts
// immediately.
func (s *Service) AddContacts(ctx context.Context, userID, id string, rows []ContactRow) (AddResult, error) {
	c, err := s.load(ctx, userID, id)
	if err != nil {
		return AddResult{}, err
	}
	if c.Status.Frozen() {
		return AddResult{}, invalidf("campaign %s is %s and no longer accepts contacts", id, c.Status)
	}
	if len(rows) == 0 {
		return AddResult{}, invalidf("no contacts supplied")
	}

	var res AddResult
	contacts := make([]*store.Contact, 0, len(rows))
	for i, row := range rows {
		contact := &store.Contact{
			ID:         uuid.NewString(),
			CampaignID: id,
			Phone:      row.Phone,
			Name:       row.Name,
			Email:      row.Email,
			Custom:     row.Custom,
			Status:     store.ContactPending,
			Priority:   row.Priority,
		}
		if err := contact.Validate(); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: %v", i+1, err))
			continue
		}
		contacts = append(contacts, contact)
	}

	if len(contacts) > 0 {
		added, duplicates, err := s.contacts.AddContacts(ctx, contacts)
		if err != nil {
			return res, err
		}
		res.Added, res.Duplicates = added, duplicates
	}
	if res.Added == 0 {
		return res, nil
	}

	delta := store.CounterDelta{TotalContacts: res.Added, QueuedCalls: res.Added}
	if err := s.campaigns.AdjustCounters(ctx, id, delta); err != nil {
		return res, err
	}

	if c.Status == store.CampaignActive {
		if _, err := s.enqueuePending(ctx, c); err != nil {
			return res, err
		}
		if _, err := s.promoter.Promote(ctx, watchSpec(c)); err != nil {
			s.logger.Warn("promotion after contact upload failed",
				"campaign", id, "error", err)
		}
	}

	s.logger.Info("contacts added", "campaign", id,
		"added", res.Added, "duplicates", res.Duplicates, "rejected", len(res.Errors))
	return res, nil
}

// enqueuePending moves every dialable contact onto the waitlist in batches:
// each batch flips pending→queued in the store, then pushes the waitlist
// entries. A crash between the two leaves queued rows without entries; the
// waitlist reconciler re-pushes those from their missing liveness markers.
func (s *Service) enqueuePending(ctx context.Context, c *store.Campaign) (int, error) {
	total := 0
	for {
		batch, err := s.contacts.PendingContacts(ctx, c.ID, c.Settings.PriorityMode, enqueueBatch)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		ids := make([]string, len(batch))
		for i, contact := range batch {
			ids[i] = contact.ID
		}
		if _, err := s.contacts.MarkContactsQueued(ctx, ids); err != nil {
			return total, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for _, contact := range batch {
			g.Go(func() error {
				return s.wl.Push(gctx, c.ID, contact.ID, contactPriority(c, contact))
			})
		}
		if err := g.Wait(); err != nil {
			return total, err
		}
		total += len(batch)

		if len(batch) < enqueueBatch {
			return total, nil
		}
	}
}

// contactPriority maps a contact to its waitlist tier. Only custom priority
// mode uses the high tier; FIFO and LIFO campaigns treat every contact the
// same.
func contactPriority(c *store.Campaign, contact *store.Contact) waitlist.Priority {
	if c.Settings.PriorityMode == store.PriorityCustom && contact.Priority > 0 {
		return waitlist.PriorityHigh
	}
	return waitlist.PriorityNormal
}

// ─────────────────────────────────────────────────────────────────────────────
// job processing
// ─────────────────────────────────────────────────────────────────────────────

// Dispatch is the promoter's hand-off. It never blocks: the job runs on its
// own goroutine under a fresh timeout-bound context so a slow dial cannot
// stall the promotion loop.
func (s *Service) Dispatch(campaignID, jobID, preToken string, origin waitlist.Priority) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
		defer cancel()
		if err := s.processJob(ctx, campaignID, jobID, preToken, origin); err != nil {
			s.logger.Error("dial job failed",
				"campaign", campaignID, "contact", jobID, "error", err)
		}
	}()
}

// processJob turns one promoted waitlist job into a placed call. Every early
// exit accounts for the pre-dial lease: hand the slot on (publish) when the
// job is consumed, keep quiet (no publish) when the job goes back on the
// queue, so the promoter does not spin on the same head entry.
func (s *Service) processJob(ctx context.Context, campaignID, jobID, preToken string, origin waitlist.Priority) error {
	c, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_, relErr := s.slots.Release(ctx, campaignID, jobID, preToken, true, false)
			return relErr
		}
		return err
	}
	if c.Status != store.CampaignActive {
		// Paused or cancelled between pop and dispatch. Hand the job back
		// for a later resume; a cancel clears the queue anyway.
		pushErr := s.wl.Push(ctx, campaignID, jobID, origin)
		_, relErr := s.slots.Release(ctx, campaignID, jobID, preToken, true, false)
		return errors.Join(pushErr, relErr)
	}

	contact, err := s.contacts.GetContact(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_, relErr := s.slots.Release(ctx, campaignID, jobID, preToken, true, true)
			return relErr
		}
		return err
	}
	if contact.Status != store.ContactQueued {
		// Duplicate waitlist entry, or a settle raced the pop.
		_, relErr := s.slots.Release(ctx, campaignID, jobID, preToken, true, true)
		return relErr
	}
	if contact.NextRetryAt != nil && contact.NextRetryAt.After(time.Now()) {
		// Retry not due yet.
		pushErr := s.wl.Push(ctx, campaignID, jobID, origin)
		_, relErr := s.slots.Release(ctx, campaignID, jobID, preToken, true, false)
		return errors.Join(pushErr, relErr)
	}

	if err := s.pace(ctx, campaignID); err != nil {
		// Job timeout hit while pacing; the lease would expire under us
		// anyway. Re-queue off the dying context.
		ctx := context.WithoutCancel(ctx)
		pushErr := s.wl.Push(ctx, campaignID, jobID, origin)
		_, relErr := s.slots.Release(ctx, campaignID, jobID, preToken, true, false)
		return errors.Join(err, pushErr, relErr)
	}

	ok, err := s.contacts.MarkContactCalling(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		_, relErr := s.slots.Release(ctx, campaignID, jobID, preToken, true, true)
		return relErr
	}

	sess, err := s.dialer().Dial(ctx, c, contact, preToken)
	if err != nil {
		// The orchestrator already failed the session record and freed the
		// slot; what is left is the contact and the retry policy.
		var de *telephony.DialError
		if errors.As(err, &de) && de.Temporary() {
			s.noteDialFailure(campaignID)
		}
		return s.settleDialFailure(ctx, c, contact, err)
	}
	s.resetDialFailures(campaignID)

	s.logger.Info("call placed",
		"campaign", campaignID, "contact", jobID, "session", sess.ID)
	return nil
}

// pace enforces the gateway failure backoff, then the steady per-campaign
// dial rate.
func (s *Service) pace(ctx context.Context, campaignID string) error {
	if wait := s.backoffFor(campaignID).delay(); wait > 0 {
		s.logger.Debug("gateway backoff", "campaign", campaignID, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return s.limiterFor(campaignID).Wait(ctx)
}

func (s *Service) limiterFor(campaignID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[campaignID]
	if !ok {
		lim = rate.NewLimiter(s.dialRate, 1)
		s.limiters[campaignID] = lim
	}
	return lim
}

func (s *Service) backoffFor(campaignID string) *dialBackoff {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backoffs[campaignID]
	if !ok {
		b = &dialBackoff{}
		s.backoffs[campaignID] = b
	}
	return b
}

func (s *Service) noteDialFailure(campaignID string) {
	s.backoffFor(campaignID).note()
}

func (s *Service) resetDialFailures(campaignID string) {
	s.backoffFor(campaignID).reset()
}

// dialBackoff slows a campaign down while its telephony gateway returns
// temporary errors: 1s, 2s, 4s, capped at 5s, cleared by the first success.
type dialBackoff struct {
	mu       sync.Mutex
	failures int
}

const maxDialBackoff = 5 * time.Second

func (b *dialBackoff) note() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < 4 {
		b.failures++
	}
}

func (b *dialBackoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

func (b *dialBackoff) delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures == 0 {
		return 0
	}
	d := time.Second << (b.failures - 1)
	if d > maxDialBackoff {
		d = maxDialBackoff
	}
	return d
}
