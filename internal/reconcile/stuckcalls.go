package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/dialvox/dialvox/internal/store"
)

// sweepStuckCalls fails non-terminal sessions whose last transition is older
// than the stuck threshold. The usual cause is a dropped terminal webhook:
// the call ended at the gateway but nothing here heard about it, so the
// session, its contact and its lease all stay occupied. MarkEnded runs the
// full teardown, so the slot is freed and the contact settles under the
// campaign's retry policy.
func (r *Runner) sweepStuckCalls(ctx context.Context) error {
	cutoff := time.Now().Add(-r.stuckAfter)
	sessions, err := r.sessions.ListStuckSessions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("reconcile: list stuck sessions: %w", err)
	}

	for _, sess := range sessions {
		if r.streams != nil {
			// Best effort: most stuck calls have no live stream left.
			if err := r.streams.CloseSession(ctx, sess.ID, "call exceeded maximum age"); err != nil {
				r.logger.Debug("no stream to close", "session", sess.ID, "error", err)
			}
		}

		applied, err := r.calls.MarkEnded(ctx, sess.ID, store.SessionFailed, "no terminal status received")
		if err != nil {
			r.logger.Error("failed to settle stuck call", "session", sess.ID, "error", err)
			continue
		}
		if !applied {
			// Settled by a late webhook between scan and repair.
			continue
		}

		r.metrics.RecordRepair(ctx, "stuck_calls")
		r.logger.Warn("failed stuck call",
			"session", sess.ID, "campaign", sess.CampaignID,
			"was", sess.Status, "stale_for", time.Since(sess.UpdatedAt).Round(time.Second))
	}
	return nil
}
