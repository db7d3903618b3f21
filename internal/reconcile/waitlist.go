package reconcile

import (
	"context"
	"fmt"

	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/waitlist"
)

// sweepWaitlists re-pushes queued contacts whose liveness marker vanished.
// The dispatcher flips contacts to queued in the database before pushing
// their waitlist entries; a crash between the two, or a lost coordination
// key, strands a contact the promoter will never see. Re-pushing an entry
// that still exists is harmless: the dispatcher drops jobs whose contact is
// no longer queued when they reach the front.
func (r *Runner) sweepWaitlists(ctx context.Context) error {
	camps, err := r.campaigns.ListCampaignsByStatus(ctx, store.CampaignActive)
	if err != nil {
		return fmt.Errorf("reconcile: list campaigns: %w", err)
	}

	for _, c := range camps {
		contacts, err := r.contacts.QueuedContacts(ctx, c.ID, r.scanLimit)
		if err != nil {
			r.logger.Error("queued contact scan failed", "campaign", c.ID, "error", err)
			continue
		}
		for _, contact := range contacts {
			alive, err := r.wl.HasMarker(ctx, c.ID, contact.ID)
			if err != nil {
				r.logger.Error("marker check failed",
					"campaign", c.ID, "contact", contact.ID, "error", err)
				continue
			}
			if alive {
				continue
			}

			if err := r.wl.Push(ctx, c.ID, contact.ID, queueTier(c, contact)); err != nil {
				r.logger.Error("re-push failed",
					"campaign", c.ID, "contact", contact.ID, "error", err)
				continue
			}

			r.metrics.RecordRepair(ctx, "waitlist")
			r.logger.Warn("re-pushed lost waitlist entry",
				"campaign", c.ID, "contact", contact.ID)
		}
	}
	return nil
}

// queueTier mirrors the dispatcher's priority mapping: only custom priority
// mode uses the high tier.
func queueTier(c *store.Campaign, contact *store.Contact) waitlist.Priority {
	if c.Settings.PriorityMode == store.PriorityCustom && contact.Priority > 0 {
		return waitlist.PriorityHigh
	}
	return waitlist.PriorityNormal
}
