package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const contactColumns = `id, campaign_id, phone, name, email, custom, status,
       retry_count, next_retry_at, last_attempt_at, failure_reason, priority,
       created_at, updated_at`

// AddContact inserts one contact. A phone number already present in the
// campaign yields [ErrDuplicatePhone].
func (p *Postgres) AddContact(ctx context.Context, c *Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = ContactPending
	}

	customJSON, err := json.Marshal(emptyMap(c.Custom))
	if err != nil {
		return fmt.Errorf("store: marshal custom: %w", err)
	}

	const query = `
		INSERT INTO campaign_contacts (id, campaign_id, phone, name, email, custom, status, priority)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`

	err = p.pool.QueryRow(ctx, query,
		c.ID, c.CampaignID, c.Phone, c.Name, c.Email, customJSON, c.Status, c.Priority,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: %s in campaign %s: %w", c.Phone, c.CampaignID, ErrDuplicatePhone)
		}
		return fmt.Errorf("store: add contact: %w", err)
	}
	return nil
}

// AddContacts bulk-inserts contacts, counting duplicates instead of failing
// on them. Rows that fail validation abort the batch.
func (p *Postgres) AddContacts(ctx context.Context, contacts []*Contact) (added, duplicates int, err error) {
	for _, c := range contacts {
		switch err := p.AddContact(ctx, c); {
		case err == nil:
			added++
		case errors.Is(err, ErrDuplicatePhone):
			duplicates++
		default:
			return added, duplicates, err
		}
	}
	return added, duplicates, nil
}

// GetContact returns the contact or [ErrNotFound].
func (p *Postgres) GetContact(ctx context.Context, id string) (*Contact, error) {
	const query = `SELECT ` + contactColumns + ` FROM campaign_contacts WHERE id = $1`

	c, err := scanContact(p.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: contact %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get contact %q: %w", id, err)
	}
	return c, nil
}

// PendingContacts returns dialable contacts — pending, with any retry delay
// elapsed — ordered per mode, up to limit (0 = no limit).
func (p *Postgres) PendingContacts(ctx context.Context, campaignID string, mode PriorityMode, limit int) ([]*Contact, error) {
	var order string
	switch mode {
	case PriorityLIFO:
		order = "created_at DESC, id DESC"
	case PriorityCustom:
		order = "priority DESC, created_at, id"
	default:
		order = "created_at, id"
	}

	query := `SELECT ` + contactColumns + `
		FROM campaign_contacts
		WHERE campaign_id = $1 AND status = 'pending'
		  AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY ` + order

	args := []any{campaignID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: pending contacts: %w", err)
	}
	return collectContacts(rows)
}

// MarkContactsQueued flips pending contacts to queued. Contacts no longer
// pending (raced by cancel) are skipped; the count reflects actual flips.
func (p *Postgres) MarkContactsQueued(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	const query = `
		UPDATE campaign_contacts SET status = 'queued', updated_at = now()
		WHERE id = ANY($1) AND status = 'pending'`

	tag, err := p.pool.Exec(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("store: mark queued: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// QueuedContacts returns contacts sitting in queued status, oldest flip
// first, up to limit (0 = no limit). The waitlist reconciler scans these
// against the coordination store.
func (p *Postgres) QueuedContacts(ctx context.Context, campaignID string, limit int) ([]*Contact, error) {
	query := `SELECT ` + contactColumns + `
		FROM campaign_contacts
		WHERE campaign_id = $1 AND status = 'queued'
		ORDER BY updated_at, id`

	args := []any{campaignID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: queued contacts: %w", err)
	}
	return collectContacts(rows)
}

// MarkContactCalling flips one queued contact to calling and stamps the
// attempt time. False means the contact was not queued anymore.
func (p *Postgres) MarkContactCalling(ctx context.Context, id string) (bool, error) {
	const query = `
		UPDATE campaign_contacts
		SET status = 'calling', last_attempt_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'queued'`

	tag, err := p.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("store: mark calling %q: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SettleContact applies a call outcome to the contact and the campaign
// counters in one transaction. The contact UPDATE is guarded on the in-flight
// statuses, so a redelivered webhook settles nothing and leaves the counters
// alone.
func (p *Postgres) SettleContact(ctx context.Context, campaignID, contactID string, s Settlement) (SettleResult, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return SettleResult{}, fmt.Errorf("store: settle: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	retryInc := 0
	if s.IncrementRetry {
		retryInc = 1
	}

	const update = `
		UPDATE campaign_contacts SET
			status = $3,
			failure_reason = $4,
			retry_count = retry_count + $5,
			next_retry_at = $6,
			updated_at = now()
		WHERE campaign_id = $1 AND id = $2 AND status IN ('queued', 'calling')`

	tag, err := tx.Exec(ctx, update,
		campaignID, contactID, s.Status, s.FailureReason, retryInc, s.NextRetryAt)
	if err != nil {
		return SettleResult{}, fmt.Errorf("store: settle contact %q: %w", contactID, err)
	}
	res := SettleResult{Applied: tag.RowsAffected() > 0}

	if res.Applied && !s.Counters.Zero() {
		const counters = `
			UPDATE campaigns SET
				total_contacts  = total_contacts  + $2,
				queued_calls    = queued_calls    + $3,
				active_calls    = active_calls    + $4,
				completed_calls = completed_calls + $5,
				failed_calls    = failed_calls    + $6,
				voicemail_calls = voicemail_calls + $7,
				updated_at = now()
			WHERE id = $1 AND status NOT IN ('completed', 'cancelled')`

		d := s.Counters
		if _, err := tx.Exec(ctx, counters, campaignID,
			d.TotalContacts, d.QueuedCalls, d.ActiveCalls,
			d.CompletedCalls, d.FailedCalls, d.VoicemailCalls); err != nil {
			return SettleResult{}, fmt.Errorf("store: settle counters: %w", err)
		}
	}

	const unsettled = `
		SELECT count(*) FROM campaign_contacts
		WHERE campaign_id = $1 AND status IN ('pending', 'queued', 'calling')`

	if err := tx.QueryRow(ctx, unsettled, campaignID).Scan(&res.Unsettled); err != nil {
		return SettleResult{}, fmt.Errorf("store: settle count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return SettleResult{}, fmt.Errorf("store: settle: commit: %w", err)
	}
	return res, nil
}

// RequeueFailed flips failed contacts with retries remaining back to pending,
// delayed by delay from now.
func (p *Postgres) RequeueFailed(ctx context.Context, campaignID string, maxRetries int, delay time.Duration) (int, error) {
	const query = `
		UPDATE campaign_contacts
		SET status = 'pending', next_retry_at = $3, failure_reason = '', updated_at = now()
		WHERE campaign_id = $1 AND status = 'failed' AND retry_count < $2`

	tag, err := p.pool.Exec(ctx, query, campaignID, maxRetries, time.Now().Add(delay))
	if err != nil {
		return 0, fmt.Errorf("store: requeue failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SkipUnsettled marks every pending and queued contact skipped. Calling
// contacts are left to settle through their webhook.
func (p *Postgres) SkipUnsettled(ctx context.Context, campaignID string) (int, error) {
	const query = `
		UPDATE campaign_contacts SET status = 'skipped', updated_at = now()
		WHERE campaign_id = $1 AND status IN ('pending', 'queued')`

	tag, err := p.pool.Exec(ctx, query, campaignID)
	if err != nil {
		return 0, fmt.Errorf("store: skip unsettled: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ContactStatusCounts aggregates the campaign's contacts by status.
func (p *Postgres) ContactStatusCounts(ctx context.Context, campaignID string) (map[ContactStatus]int, error) {
	const query = `
		SELECT status, count(*) FROM campaign_contacts
		WHERE campaign_id = $1 GROUP BY status`

	rows, err := p.pool.Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("store: status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[ContactStatus]int)
	for rows.Next() {
		var (
			status ContactStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: status counts scan: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: status counts: %w", err)
	}
	return counts, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// scanning
// ─────────────────────────────────────────────────────────────────────────────

func scanContact(row pgx.Row) (*Contact, error) {
	var (
		c          Contact
		customJSON []byte
	)
	err := row.Scan(
		&c.ID, &c.CampaignID, &c.Phone, &c.Name, &c.Email, &customJSON, &c.Status,
		&c.RetryCount, &c.NextRetryAt, &c.LastAttemptAt, &c.FailureReason, &c.Priority,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(customJSON, &c.Custom); err != nil {
		return nil, fmt.Errorf("unmarshal custom: %w", err)
	}
	return &c, nil
}

func collectContacts(rows pgx.Rows) ([]*Contact, error) {
	contacts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Contact, error) {
		return scanContact(row)
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan contacts: %w", err)
	}
	return contacts, nil
}
