package dialer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dialvox/dialvox/internal/coord"
	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/telephony"
)

// WebhookResult reports what one status delivery changed.
type WebhookResult struct {
	SessionID string

	// Status is the session status the delivery mapped to.
	Status store.SessionStatus

	// Applied is false when the delivery was a duplicate or arrived after
	// the session already took the transition; nothing changed then.
	Applied bool
}

// OnStatusWebhook applies one gateway status delivery. Deliveries may be
// duplicated, reordered, or missing entirely; every transition is guarded in
// the store so redeliveries fall out as Applied=false, and the side effects
// of an edge (lease upgrade, lease release, contact settlement) run exactly
// once, on the delivery that won the transition.
func (o *Orchestrator) OnStatusWebhook(ctx context.Context, ev *telephony.StatusEvent) (WebhookResult, error) {
	sess, err := o.resolveSession(ctx, ev)
	if err != nil {
		return WebhookResult{}, err
	}

	switch ev.Status {
	case telephony.StatusQueued, telephony.StatusRinging:
		return o.markRinging(ctx, sess, ev)
	case telephony.StatusInProgress:
		return o.markConnected(ctx, sess, ev)
	}
	if ev.Terminal() {
		return o.finish(ctx, sess, ev)
	}

	o.logger.Warn("unknown call status ignored",
		"session_id", sess.ID, "status", ev.Status)
	return WebhookResult{SessionID: sess.ID, Status: sess.Status}, nil
}

// resolveSession finds the session a webhook refers to: by the provider call
// id, then by the echoed custom field, then by the dialed number pair within
// the resolve window.
func (o *Orchestrator) resolveSession(ctx context.Context, ev *telephony.StatusEvent) (*store.CallSession, error) {
	if ev.CallSID != "" {
		sess, err := o.sessions.GetSessionByExternalID(ctx, ev.CallSID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if ev.CustomField != "" {
		sess, err := o.sessions.GetSession(ctx, ev.CustomField)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if ev.From != "" && ev.To != "" {
		return o.sessions.FindRecentSession(ctx, ev.From, ev.To, time.Now().Add(-o.window))
	}
	return nil, fmt.Errorf("dialer: webhook for call %q: %w", ev.CallSID, store.ErrNotFound)
}

func (o *Orchestrator) markRinging(ctx context.Context, sess *store.CallSession, ev *telephony.StatusEvent) (WebhookResult, error) {
	// A webhook resolved by custom field may carry no call sid; keep the
	// one the dial stored rather than blanking it.
	externalID := ev.CallSID
	if externalID == "" {
		externalID = sess.ExternalCallID
	}

	applied, err := o.sessions.MarkRinging(ctx, sess.ID, externalID)
	if err != nil {
		return WebhookResult{}, err
	}
	return WebhookResult{SessionID: sess.ID, Status: store.SessionRinging, Applied: applied}, nil
}

// markConnected takes the answer edge: in-progress status, started_at, the
// pre-dial to active lease upgrade, and the active-calls counter. The store
// guard makes the edge single-shot, so a redelivered answer upgrades nothing.
func (o *Orchestrator) markConnected(ctx context.Context, sess *store.CallSession, ev *telephony.StatusEvent) (WebhookResult, error) {
	startedAt := ev.StartTime
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	applied, err := o.sessions.MarkConnected(ctx, sess.ID, startedAt)
	if err != nil {
		return WebhookResult{}, err
	}
	res := WebhookResult{SessionID: sess.ID, Status: store.SessionInProgress, Applied: applied}
	if !applied {
		return res, nil
	}

	o.logger.Info("call answered", "session_id", sess.ID, "campaign_id", sess.CampaignID)
	if sess.CampaignID == "" {
		return res, nil
	}

	o.upgradeLease(ctx, sess)
	if err := o.campaigns.AdjustCounters(ctx, sess.CampaignID, store.CounterDelta{ActiveCalls: 1}); err != nil {
		o.logger.Error("failed to bump active counter",
			"session_id", sess.ID, "campaign_id", sess.CampaignID, "error", err)
	}
	return res, nil
}

// upgradeLease swaps the pre-dial lease for an active one so the slot stops
// expiring under a live call, and stores the active token on the session.
func (o *Orchestrator) upgradeLease(ctx context.Context, sess *store.CallSession) {
	pre := metaString(sess.Metadata, MetaPreToken)
	if pre == "" {
		o.logger.Warn("session carries no pre-dial token", "session_id", sess.ID)
		return
	}

	active, err := o.slots.Upgrade(ctx, sess.CampaignID, sess.ContactID, pre)
	if err != nil {
		// The pre-dial lease expired before the answer, or a janitor got
		// here first. The call runs unleased until the next reconcile.
		o.logger.Warn("pre-dial lease upgrade failed",
			"session_id", sess.ID, "campaign_id", sess.CampaignID, "error", err)
		return
	}
	if err := o.sessions.SetSessionMeta(ctx, sess.ID, MetaActiveToken, active); err != nil {
		o.logger.Error("failed to store active lease token",
			"session_id", sess.ID, "error", err)
	}
}

// finish takes the terminal edge for a webhook-reported end of call.
func (o *Orchestrator) finish(ctx context.Context, sess *store.CallSession, ev *telephony.StatusEvent) (WebhookResult, error) {
	fin := store.SessionFinish{
		Status:         statusFromGateway(ev.Status),
		OutboundStatus: outboundFromGateway(ev.Status),
		RecordingURL:   ev.RecordingURL,
		DurationSec:    ev.Duration,
		EndedAt:        ev.EndTime,
	}

	applied, err := o.sessions.FinishSession(ctx, sess.ID, fin)
	if err != nil {
		return WebhookResult{}, err
	}
	res := WebhookResult{SessionID: sess.ID, Status: fin.Status, Applied: applied}
	if applied {
		o.afterFinish(ctx, sess.ID)
	}
	return res, nil
}

// afterFinish runs the side effects of a won terminal transition: free the
// lease, settle the contact, hand the call to the summarizer. It re-reads
// the session so the outcome policy sees the terminal row, not the snapshot
// the webhook resolved.
func (o *Orchestrator) afterFinish(ctx context.Context, sessionID string) {
	sess, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		o.logger.Error("finished session vanished", "session_id", sessionID, "error", err)
		return
	}

	o.logger.Info("call finished",
		"session_id", sess.ID, "campaign_id", sess.CampaignID,
		"status", sess.Status, "duration_sec", sess.DurationSec)

	if sess.CampaignID != "" {
		// Release before settling: completion detection inside the outcome
		// policy counts live leases.
		o.releaseSlot(ctx, sess)
		if o.outcomes != nil {
			if err := o.outcomes.ApplyOutcome(ctx, sess); err != nil {
				o.logger.Error("failed to settle contact",
					"session_id", sess.ID, "campaign_id", sess.CampaignID, "error", err)
			}
		}
	}
	o.enqueueSummary(ctx, sess.ID)
}

// releaseSlot frees the concurrency lease behind a finished session: the
// active token first, the pre-dial token when the call never connected, and
// a force release when neither matches. Token mismatches mean someone else
// already freed the slot, which is fine.
func (o *Orchestrator) releaseSlot(ctx context.Context, sess *store.CallSession) {
	if tok := metaString(sess.Metadata, MetaActiveToken); tok != "" {
		ok, err := o.slots.Release(ctx, sess.CampaignID, sess.ContactID, tok, false, true)
		if err != nil {
			o.logger.Error("active lease release failed", "session_id", sess.ID, "error", err)
		}
		if ok {
			return
		}
	}
	if tok := metaString(sess.Metadata, MetaPreToken); tok != "" {
		ok, err := o.slots.Release(ctx, sess.CampaignID, sess.ContactID, tok, true, true)
		if err != nil {
			o.logger.Error("pre-dial lease release failed", "session_id", sess.ID, "error", err)
		}
		if ok {
			return
		}
	}
	if _, err := o.slots.ForceRelease(ctx, sess.CampaignID, sess.ContactID, true); err != nil {
		o.logger.Error("force release failed",
			"session_id", sess.ID, "campaign_id", sess.CampaignID, "error", err)
	}
}

// enqueueSummary hands the finished call to the post-processing consumer.
func (o *Orchestrator) enqueueSummary(ctx context.Context, sessionID string) {
	if o.rdb == nil {
		return
	}
	if err := o.rdb.LPush(ctx, coord.SummarizeQueueKey, sessionID).Err(); err != nil {
		o.logger.Error("failed to enqueue summarize job", "session_id", sessionID, "error", err)
	}
}
