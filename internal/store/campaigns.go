package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const campaignColumns = `id, user_id, agent_id, phone_id, name, status, scheduled_at,
       total_contacts, queued_calls, active_calls, completed_calls, failed_calls, voicemail_calls,
       settings, metadata, created_at, updated_at`

// CreateCampaign validates and inserts the campaign.
func (p *Postgres) CreateCampaign(ctx context.Context, c *Campaign) error {
	c.Settings.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}

	settingsJSON, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("store: marshal settings: %w", err)
	}
	metaJSON, err := json.Marshal(emptyMap(c.Metadata))
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}

	const query = `
		INSERT INTO campaigns (id, user_id, agent_id, phone_id, name, status, scheduled_at, settings, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`

	err = p.pool.QueryRow(ctx, query,
		c.ID, c.UserID, c.AgentID, c.PhoneID, c.Name, c.Status, c.ScheduledAt,
		settingsJSON, metaJSON,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: campaign %q already exists", c.ID)
		}
		return fmt.Errorf("store: create campaign: %w", err)
	}
	return nil
}

// GetCampaign returns the campaign or [ErrNotFound].
func (p *Postgres) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	const query = `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(p.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: campaign %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get campaign %q: %w", id, err)
	}
	return c, nil
}

// ListCampaigns returns all campaigns owned by userID, newest first.
func (p *Postgres) ListCampaigns(ctx context.Context, userID string) ([]*Campaign, error) {
	const query = `SELECT ` + campaignColumns + `
		FROM campaigns WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := p.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list campaigns: %w", err)
	}
	return collectCampaigns(rows)
}

// ListCampaignsByStatus returns all campaigns in any of the given statuses.
func (p *Postgres) ListCampaignsByStatus(ctx context.Context, statuses ...CampaignStatus) ([]*Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	const query = `SELECT ` + campaignColumns + `
		FROM campaigns WHERE status = ANY($1) ORDER BY created_at`

	in := make([]string, len(statuses))
	for i, st := range statuses {
		in[i] = string(st)
	}
	rows, err := p.pool.Query(ctx, query, in)
	if err != nil {
		return nil, fmt.Errorf("store: list campaigns by status: %w", err)
	}
	return collectCampaigns(rows)
}

// UpdateCampaign rewrites the mutable fields of an existing campaign.
func (p *Postgres) UpdateCampaign(ctx context.Context, c *Campaign) error {
	if err := c.Settings.Validate(); err != nil {
		return err
	}

	settingsJSON, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("store: marshal settings: %w", err)
	}
	metaJSON, err := json.Marshal(emptyMap(c.Metadata))
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}

	const query = `
		UPDATE campaigns SET
			name = $2, scheduled_at = $3, settings = $4, metadata = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err = p.pool.QueryRow(ctx, query, c.ID, c.Name, c.ScheduledAt, settingsJSON, metaJSON).
		Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store: campaign %q: %w", c.ID, ErrNotFound)
		}
		return fmt.Errorf("store: update campaign: %w", err)
	}
	return nil
}

// DeleteCampaign removes the campaign and its contacts in one transaction,
// contacts first.
func (p *Postgres) DeleteCampaign(ctx context.Context, id string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: delete campaign: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM campaign_contacts WHERE campaign_id = $1`, id); err != nil {
		return fmt.Errorf("store: delete contacts of %q: %w", id, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete campaign %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: campaign %q: %w", id, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: delete campaign: commit: %w", err)
	}
	return nil
}

// TransitionCampaign moves the campaign to status to when its current status
// is one of from. The conditional WHERE makes concurrent transitions (API
// call racing the scheduler tick) apply at most once.
func (p *Postgres) TransitionCampaign(ctx context.Context, id string, to CampaignStatus, from ...CampaignStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("store: transition requires at least one source status")
	}

	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	const query = `
		UPDATE campaigns SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`

	tag, err := p.pool.Exec(ctx, query, id, to, fromStrs)
	if err != nil {
		return false, fmt.Errorf("store: transition campaign %q to %s: %w", id, to, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateCampaignSettings rewrites the settings document.
func (p *Postgres) UpdateCampaignSettings(ctx context.Context, id string, s CampaignSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	settingsJSON, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("store: marshal settings: %w", err)
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE campaigns SET settings = $2, updated_at = now() WHERE id = $1`,
		id, settingsJSON)
	if err != nil {
		return fmt.Errorf("store: update settings of %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: campaign %q: %w", id, ErrNotFound)
	}
	return nil
}

// AdjustCounters applies the delta to the campaign's counters. Frozen
// campaigns (completed/cancelled) are left untouched so that late webhook
// deliveries cannot move settled numbers.
func (p *Postgres) AdjustCounters(ctx context.Context, id string, d CounterDelta) error {
	if d.Zero() {
		return nil
	}

	const query = `
		UPDATE campaigns SET
			total_contacts  = total_contacts  + $2,
			queued_calls    = queued_calls    + $3,
			active_calls    = active_calls    + $4,
			completed_calls = completed_calls + $5,
			failed_calls    = failed_calls    + $6,
			voicemail_calls = voicemail_calls + $7,
			updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled')`

	_, err := p.pool.Exec(ctx, query, id,
		d.TotalContacts, d.QueuedCalls, d.ActiveCalls,
		d.CompletedCalls, d.FailedCalls, d.VoicemailCalls)
	if err != nil {
		return fmt.Errorf("store: adjust counters of %q: %w", id, err)
	}
	return nil
}

// DueScheduledCampaigns returns scheduled campaigns whose start time has
// passed, oldest first.
func (p *Postgres) DueScheduledCampaigns(ctx context.Context, now time.Time) ([]*Campaign, error) {
	const query = `SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at`

	rows, err := p.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("store: due campaigns: %w", err)
	}
	return collectCampaigns(rows)
}

// ─────────────────────────────────────────────────────────────────────────────
// scanning
// ─────────────────────────────────────────────────────────────────────────────

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var (
		c                      Campaign
		settingsJSON, metaJSON []byte
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.AgentID, &c.PhoneID, &c.Name, &c.Status, &c.ScheduledAt,
		&c.Counters.TotalContacts, &c.Counters.QueuedCalls, &c.Counters.ActiveCalls,
		&c.Counters.CompletedCalls, &c.Counters.FailedCalls, &c.Counters.VoicemailCalls,
		&settingsJSON, &metaJSON, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settingsJSON, &c.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &c.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &c, nil
}

func collectCampaigns(rows pgx.Rows) ([]*Campaign, error) {
	campaigns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Campaign, error) {
		return scanCampaign(row)
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan campaigns: %w", err)
	}
	return campaigns, nil
}

// emptyMap substitutes an empty map for nil so that JSONB columns never hold
// SQL NULL.
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
