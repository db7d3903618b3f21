package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dialvox/dialvox/internal/coord"
	"github.com/dialvox/dialvox/internal/store"
)

// Purge tears a campaign down completely: promotions stop, live calls are
// closed, every lease is forced, every coordination key is deleted, and
// finally the campaign row and its contacts are removed. Historical call
// sessions are kept.
func (s *Service) Purge(ctx context.Context, userID, id string) error {
	c, err := s.load(ctx, userID, id)
	if err != nil {
		return err
	}

	s.promoter.Unwatch(id)
	if err := s.promoter.SetPaused(ctx, id, true); err != nil {
		s.logger.Warn("purge: pause flag failed", "campaign", id, "error", err)
	}

	if c.Status == store.CampaignActive || c.Status == store.CampaignPaused {
		if _, err := s.campaigns.TransitionCampaign(ctx, id, store.CampaignCancelled,
			store.CampaignActive, store.CampaignPaused); err != nil {
			return err
		}
		// Let in-flight jobs observe the cancel before their leases go.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.purgeGrace):
		}
	}

	if err := s.closeLiveSessions(ctx, id); err != nil {
		s.logger.Warn("purge: closing live sessions failed", "campaign", id, "error", err)
	}

	leases, err := s.slots.Leases(ctx, id)
	if err != nil {
		return err
	}
	for _, l := range leases {
		if _, err := s.slots.ForceRelease(ctx, id, l.CallID, false); err != nil {
			s.logger.Warn("purge: force release failed",
				"campaign", id, "call", l.CallID, "error", err)
		}
	}

	if err := s.wl.Clear(ctx, id); err != nil {
		return err
	}
	if err := s.deleteCampaignKeys(ctx, id); err != nil {
		return err
	}
	if err := s.campaigns.DeleteCampaign(ctx, id); err != nil {
		return err
	}

	s.logger.Info("campaign purged", "campaign", id, "leases_released", len(leases))
	return nil
}

// closeLiveSessions ends the campaign's in-flight calls as user-ended so
// their audio streams shut down before the leases are forced.
func (s *Service) closeLiveSessions(ctx context.Context, id string) error {
	if s.registry == nil {
		return nil
	}
	sessions, err := s.sessions.ListActiveSessions(ctx, id)
	if err != nil {
		return err
	}
	var errs []error
	for _, sess := range sessions {
		if err := s.registry.CloseSession(ctx, sess.ID, "campaign purged"); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
		}
	}
	return errors.Join(errs...)
}

// deleteCampaignKeys removes every coordination key under the campaign's
// hash tag. SCAN keeps the pass incremental on large keyspaces, and the hash
// tag pins all of a campaign's keys to one cluster slot so the batched DELs
// stay valid there.
func (s *Service) deleteCampaignKeys(ctx context.Context, id string) error {
	const batchSize = 128

	iter := s.rdb.Scan(ctx, 0, coord.ForCampaign(id).Pattern(), batchSize).Iterator()
	batch := make([]string, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("campaign: purge delete: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("campaign: purge scan: %w", err)
	}
	return flush()
}
