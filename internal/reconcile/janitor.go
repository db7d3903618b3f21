package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/dialvox/dialvox/internal/slot"
)

// sweepLeases force-releases leases older than the maximum call age. A call
// normally frees its lease on the terminal webhook or when the voice stream
// closes; a crashed process, or a gateway that never reports, leaves the slot
// occupied and pins the campaign at its concurrency limit.
func (r *Runner) sweepLeases(ctx context.Context) error {
	camps, err := r.runningCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list campaigns: %w", err)
	}

	cutoff := time.Now().Add(-r.maxCallAge)
	for _, c := range camps {
		leases, err := r.slots.Leases(ctx, c.ID)
		if err != nil {
			r.logger.Error("lease scan failed", "campaign", c.ID, "error", err)
			continue
		}
		for _, l := range leases {
			if l.AcquiredAt.IsZero() || !l.AcquiredAt.Before(cutoff) {
				continue
			}

			kind, err := r.slots.ForceRelease(ctx, c.ID, l.CallID, true)
			if err != nil {
				r.logger.Error("lease release failed",
					"campaign", c.ID, "call", l.CallID, "error", err)
				continue
			}
			if kind == slot.ReleasedNone {
				// Released by its owner between scan and repair.
				continue
			}

			r.metrics.RecordRepair(ctx, "lease_janitor")
			r.logger.Warn("released expired lease",
				"campaign", c.ID, "call", l.CallID, "kind", l.Kind,
				"held", time.Since(l.AcquiredAt).Round(time.Second))
		}
	}
	return nil
}
