package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/dialvox/dialvox/internal/store"
)

// ApplyOutcome applies a terminal call outcome to the contact and the
// campaign counters, enforcing the retry policy:
//
//   - completed (including user/agent ended) → contact completed
//   - voicemail with excludeVoicemail, or out of retries → contact voicemail
//   - voicemail without excludeVoicemail → retried after retryDelayMinutes
//   - failed / no-answer / busy with retryFailed and retries left → retried
//   - anything else, canceled included → contact failed, no retry
//
// Idempotent per attempt: the settlement applies only while the contact is
// still in flight, so a redelivered webhook changes nothing. Sessions without
// campaign linkage are ignored.
func (s *Service) ApplyOutcome(ctx context.Context, sess *store.CallSession) error {
	if sess == nil || sess.CampaignID == "" || sess.ContactID == "" {
		return nil
	}

	c, err := s.campaigns.GetCampaign(ctx, sess.CampaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	contact, err := s.contacts.GetContact(ctx, sess.ContactID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	set := s.outcomeSettlement(c, contact, sess)
	res, err := s.contacts.SettleContact(ctx, c.ID, contact.ID, set)
	if err != nil {
		return err
	}
	if !res.Applied {
		return nil
	}
	s.logger.Info("contact settled",
		"campaign", c.ID, "contact", contact.ID, "session", sess.ID,
		"status", set.Status, "reason", set.FailureReason)
	return s.maybeComplete(ctx, c.ID, res)
}

// RetryFailed flips failed contacts with retries remaining back to pending
// and moves them from the failed counter back into the queued pool. The next
// scheduler tick re-enqueues them once the retry delay elapses.
func (s *Service) RetryFailed(ctx context.Context, userID, id string) (int, error) {
	c, err := s.load(ctx, userID, id)
	if err != nil {
		return 0, err
	}
	if c.Status.Frozen() {
		return 0, invalidf("campaign %s is %s; failed contacts cannot be retried", id, c.Status)
	}

	delay := time.Duration(c.Settings.RetryDelayMinutes) * time.Minute
	n, err := s.contacts.RequeueFailed(ctx, id, c.Settings.MaxRetries, delay)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.campaigns.AdjustCounters(ctx, id, store.CounterDelta{FailedCalls: -n, QueuedCalls: n}); err != nil {
		return n, err
	}
	s.logger.Info("failed contacts requeued", "campaign", id, "count", n, "delay", delay)
	return n, nil
}

// settleDialFailure settles the contact after a dial that never launched.
// The orchestrator has already failed the session and freed the slot; no
// webhook will follow, so the contact settles here.
func (s *Service) settleDialFailure(ctx context.Context, c *store.Campaign, contact *store.Contact, dialErr error) error {
	set := s.failureSettlement(c, contact, dialErr.Error(), false)
	res, err := s.contacts.SettleContact(ctx, c.ID, contact.ID, set)
	if err != nil {
		return err
	}
	if !res.Applied {
		return nil
	}
	s.logger.Warn("dial failed",
		"campaign", c.ID, "contact", contact.ID,
		"status", set.Status, "error", dialErr)
	return s.maybeComplete(ctx, c.ID, res)
}

// maybeComplete closes out the campaign when the last contact settled and no
// call remains in flight.
func (s *Service) maybeComplete(ctx context.Context, campaignID string, res store.SettleResult) error {
	if res.Unsettled > 0 {
		return nil
	}
	active, err := s.slots.ActiveCount(ctx, campaignID)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}

	ok, err := s.campaigns.TransitionCampaign(ctx, campaignID, store.CampaignCompleted, store.CampaignActive)
	if err != nil {
		return err
	}
	if !ok {
		return nil // paused or cancelled meanwhile
	}

	s.promoter.Unwatch(campaignID)
	if err := s.wl.Clear(ctx, campaignID); err != nil {
		s.logger.Warn("waitlist clear after completion failed", "campaign", campaignID, "error", err)
	}
	s.logger.Info("campaign completed", "campaign", campaignID)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// settlement construction
// ─────────────────────────────────────────────────────────────────────────────

// outcomeSettlement maps one terminal session onto a contact settlement.
// Voicemail is checked first: the session may have ended as completed or
// agent-ended after the detector spoke its hangup line.
func (s *Service) outcomeSettlement(c *store.Campaign, contact *store.Contact, sess *store.CallSession) store.Settlement {
	connected := sess.StartedAt != nil
	voicemail := sess.OutboundStatus == store.OutboundVoicemail || sess.FailureReason == "voicemail"

	switch {
	case voicemail:
		return s.voicemailSettlement(c, contact, connected)

	case sess.Status == store.SessionCompleted,
		sess.Status == store.SessionUserEnded,
		sess.Status == store.SessionAgentEnded,
		sess.Status == store.SessionInProgress:
		set := store.Settlement{Status: store.ContactCompleted, Counters: settledDelta(connected)}
		set.Counters.CompletedCalls = 1
		return set

	case sess.Status == store.SessionFailed,
		sess.Status == store.SessionNoAnswer,
		sess.Status == store.SessionBusy:
		return s.failureSettlement(c, contact, failReason(sess), connected)

	default:
		set := store.Settlement{
			Status:        store.ContactFailed,
			FailureReason: failReason(sess),
			Counters:      settledDelta(connected),
		}
		set.Counters.FailedCalls = 1
		return set
	}
}

func (s *Service) voicemailSettlement(c *store.Campaign, contact *store.Contact, connected bool) store.Settlement {
	if !c.Settings.ExcludeVoicemail && contact.RetryCount < c.Settings.MaxRetries {
		return s.retrySettlement(c, "voicemail", connected)
	}
	set := store.Settlement{
		Status:        store.ContactVoicemail,
		FailureReason: "voicemail",
		Counters:      settledDelta(connected),
	}
	set.Counters.VoicemailCalls = 1
	return set
}

func (s *Service) failureSettlement(c *store.Campaign, contact *store.Contact, reason string, connected bool) store.Settlement {
	if c.Settings.RetryFailed && contact.RetryCount < c.Settings.MaxRetries {
		return s.retrySettlement(c, reason, connected)
	}
	set := store.Settlement{
		Status:        store.ContactFailed,
		FailureReason: reason,
		Counters:      settledDelta(connected),
	}
	set.Counters.FailedCalls = 1
	return set
}

// retrySettlement re-queues the contact. The attempt is not settled, so the
// contact stays in the queued pool; only the active counter unwinds.
func (s *Service) retrySettlement(c *store.Campaign, reason string, connected bool) store.Settlement {
	next := time.Now().Add(time.Duration(c.Settings.RetryDelayMinutes) * time.Minute)
	set := store.Settlement{
		Status:         store.ContactPending,
		FailureReason:  reason,
		IncrementRetry: true,
		NextRetryAt:    &next,
	}
	if connected {
		set.Counters.ActiveCalls = -1
	}
	return set
}

// settledDelta is the counter movement shared by every permanent settlement:
// the contact leaves the queued pool, and the active pool if the call had
// connected.
func settledDelta(connected bool) store.CounterDelta {
	d := store.CounterDelta{QueuedCalls: -1}
	if connected {
		d.ActiveCalls = -1
	}
	return d
}

func failReason(sess *store.CallSession) string {
	if sess.FailureReason != "" {
		return sess.FailureReason
	}
	return string(sess.Status)
}
