package reconcile

import (
	"context"
	"fmt"
	"time"
)

// sweepLedgers repairs reservations that never became leases. The promoter
// records a popped job in the reserved ledger before acquiring its pre-dial
// slot; a crash in between strands the job outside both the queue and the
// lease set. Entries older than the pre-dial TTL cannot still be mid-flight,
// so they go back to the head of their origin list.
func (r *Runner) sweepLedgers(ctx context.Context) error {
	camps, err := r.runningCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list campaigns: %w", err)
	}

	cutoff := time.Now().Add(-r.preDialTTL)
	for _, c := range camps {
		entries, err := r.wl.LedgerEntries(ctx, c.ID, cutoff)
		if err != nil {
			r.logger.Error("ledger scan failed", "campaign", c.ID, "error", err)
			continue
		}
		for _, e := range entries {
			repaired, err := r.wl.RequeueLedger(ctx, c.ID, e)
			if err != nil {
				r.logger.Error("ledger requeue failed",
					"campaign", c.ID, "contact", e.JobID, "error", err)
				continue
			}
			if !repaired {
				// The promoter resolved it after the scan.
				continue
			}

			r.metrics.RecordRepair(ctx, "ledger")
			r.logger.Warn("requeued orphaned reservation",
				"campaign", c.ID, "contact", e.JobID,
				"reserved_at", e.ReservedAt, "origin", e.Origin)
		}
	}
	return nil
}
