package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/dialvox/dialvox/internal/store"
)

// checkInvariants cross-checks the coordination store against campaign
// records and alerts on states the protocol makes impossible: more live
// leases than the concurrency limit, counters exceeding the contact total,
// counters gone negative, or activity left behind by a campaign that reached
// a terminal status. Alerts are logged and counted; repairs stay with the
// other loops.
func (r *Runner) checkInvariants(ctx context.Context) error {
	camps, err := r.runningCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list campaigns: %w", err)
	}

	current := make(map[string]store.CampaignStatus, len(camps))
	for _, c := range camps {
		current[c.ID] = c.Status

		if last, seen := r.lastStatus[c.ID]; seen && terminalCampaign(last) {
			r.alert(ctx, "terminal_regression",
				"campaign", c.ID, "was", last, "now", c.Status)
		}

		r.checkLeaseBound(ctx, c)
		r.checkCounters(ctx, c)
	}

	// Campaigns that left the running set since the last pass must have
	// drained. The check runs once per transition; terminal statuses are
	// remembered so a later reappearance still alerts.
	for id, last := range r.lastStatus {
		if _, running := current[id]; running {
			continue
		}
		if terminalCampaign(last) {
			current[id] = last
			continue
		}

		c, err := r.campaigns.GetCampaign(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			r.logger.Error("campaign lookup failed", "campaign", id, "error", err)
			current[id] = last
			continue
		}
		current[id] = c.Status
		if terminalCampaign(c.Status) {
			r.checkDrained(ctx, c)
		}
	}

	r.lastStatus = current
	return nil
}

// checkLeaseBound verifies the campaign holds no more live leases than its
// concurrency limit allows.
func (r *Runner) checkLeaseBound(ctx context.Context, c *store.Campaign) {
	counts, err := r.slots.Counts(ctx, c.ID)
	if err != nil {
		r.logger.Error("lease count failed", "campaign", c.ID, "error", err)
		return
	}

	limit, err := r.slots.GetLimit(ctx, c.ID)
	if err != nil {
		r.logger.Error("limit read failed", "campaign", c.ID, "error", err)
		return
	}
	if limit <= 0 {
		limit = c.Settings.ConcurrentLimit
	}

	if limit > 0 && counts.Total() > limit {
		r.alert(ctx, "leases_over_limit",
			"campaign", c.ID, "active", counts.Active,
			"pre_dial", counts.PreDial, "limit", limit)
	}
}

// checkCounters verifies the campaign counters stay inside the contact total
// and never go negative.
func (r *Runner) checkCounters(ctx context.Context, c *store.Campaign) {
	n := c.Counters
	sum := n.QueuedCalls + n.ActiveCalls + n.CompletedCalls + n.FailedCalls + n.VoicemailCalls
	if sum > n.TotalContacts {
		r.alert(ctx, "counter_overflow",
			"campaign", c.ID, "sum", sum, "total_contacts", n.TotalContacts)
	}
	if n.QueuedCalls < 0 || n.ActiveCalls < 0 || n.CompletedCalls < 0 ||
		n.FailedCalls < 0 || n.VoicemailCalls < 0 {
		r.alert(ctx, "counter_negative",
			"campaign", c.ID, "counters", fmt.Sprintf("%+v", n))
	}
}

// checkDrained verifies a freshly terminal campaign left no leases and no
// queue behind.
func (r *Runner) checkDrained(ctx context.Context, c *store.Campaign) {
	counts, err := r.slots.Counts(ctx, c.ID)
	if err != nil {
		r.logger.Error("lease count failed", "campaign", c.ID, "error", err)
		return
	}
	high, normal, err := r.wl.Len(ctx, c.ID)
	if err != nil {
		r.logger.Error("waitlist length failed", "campaign", c.ID, "error", err)
		return
	}

	if counts.Total() > 0 || high+normal > 0 {
		r.alert(ctx, "terminal_activity",
			"campaign", c.ID, "status", c.Status,
			"leases", counts.Total(), "queued", high+normal)
	}
}

// alert logs one violation and bumps its counter.
func (r *Runner) alert(ctx context.Context, check string, args ...any) {
	r.metrics.RecordViolation(ctx, check)
	r.logger.Error("invariant violated", append([]any{"check", check}, args...)...)
}

// terminalCampaign reports whether the status ends the campaign lifecycle.
func terminalCampaign(s store.CampaignStatus) bool {
	return s.Frozen() || s == store.CampaignFailed
}
