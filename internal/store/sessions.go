package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dialvox/dialvox/pkg/types"
)

const sessionColumns = `id, user_id, campaign_id, contact_id, agent_id, phone_id,
       direction, status, outbound_status, from_number, to_number,
       created_at, initiated_at, started_at, ended_at, duration_sec,
       external_call_id, recording_url, language_switches, cost,
       retry_of, failure_reason, metadata, updated_at`

// CreateSession inserts the session. Status defaults to initiated.
func (p *Postgres) CreateSession(ctx context.Context, s *CallSession) error {
	if s.ID == "" {
		return errors.New("store: session id is required")
	}
	if s.Status == "" {
		s.Status = SessionInitiated
	}
	if s.OutboundStatus == "" {
		s.OutboundStatus = OutboundQueued
	}
	if s.Direction == "" {
		s.Direction = DirectionOutbound
	}

	metaJSON, err := json.Marshal(emptyMap(s.Metadata))
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}

	const query = `
		INSERT INTO call_sessions (
			id, user_id, campaign_id, contact_id, agent_id, phone_id,
			direction, status, outbound_status, from_number, to_number,
			retry_of, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`

	err = p.pool.QueryRow(ctx, query,
		s.ID, s.UserID, s.CampaignID, s.ContactID, s.AgentID, s.PhoneID,
		s.Direction, s.Status, s.OutboundStatus, s.FromNumber, s.ToNumber,
		s.RetryOf, metaJSON,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: session %q already exists", s.ID)
		}
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// GetSession returns the session or [ErrNotFound].
func (p *Postgres) GetSession(ctx context.Context, id string) (*CallSession, error) {
	const query = `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1`

	s, err := scanSession(p.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: session %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get session %q: %w", id, err)
	}
	return s, nil
}

// GetSessionByExternalID resolves a session by the provider-assigned call id.
func (p *Postgres) GetSessionByExternalID(ctx context.Context, externalID string) (*CallSession, error) {
	if externalID == "" {
		return nil, fmt.Errorf("store: empty external call id: %w", ErrNotFound)
	}
	const query = `SELECT ` + sessionColumns + `
		FROM call_sessions WHERE external_call_id = $1
		ORDER BY created_at DESC LIMIT 1`

	s, err := scanSession(p.pool.QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: session with call id %q: %w", externalID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get session by call id %q: %w", externalID, err)
	}
	return s, nil
}

// FindRecentSession resolves the newest session dialed from → to since the
// given time, preferring one still in flight. Last rung of the webhook
// resolution ladder, for providers that omit both the call id and the
// custom field.
func (p *Postgres) FindRecentSession(ctx context.Context, from, to string, since time.Time) (*CallSession, error) {
	const query = `SELECT ` + sessionColumns + `
		FROM call_sessions
		WHERE from_number = $1 AND to_number = $2 AND created_at >= $3
		ORDER BY (status IN ('initiated','ringing','in-progress')) DESC, created_at DESC
		LIMIT 1`

	s, err := scanSession(p.pool.QueryRow(ctx, query, from, to, since))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: session %s→%s: %w", from, to, ErrNotFound)
		}
		return nil, fmt.Errorf("store: find session %s→%s: %w", from, to, err)
	}
	return s, nil
}

// MarkRinging stores the provider call id and moves initiated → ringing.
func (p *Postgres) MarkRinging(ctx context.Context, id, externalID string) (bool, error) {
	const query = `
		UPDATE call_sessions SET
			status = 'ringing', outbound_status = 'ringing',
			external_call_id = $2,
			initiated_at = COALESCE(initiated_at, now()),
			updated_at = now()
		WHERE id = $1 AND status = 'initiated'`

	tag, err := p.pool.Exec(ctx, query, id, externalID)
	if err != nil {
		return false, fmt.Errorf("store: mark ringing %q: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkConnected moves the session to in-progress and stamps started_at.
// The status guard makes redelivered answer webhooks report false, which is
// what keeps the pre-dial → active lease upgrade single-shot.
func (p *Postgres) MarkConnected(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	const query = `
		UPDATE call_sessions SET
			status = 'in-progress', outbound_status = 'connected',
			started_at = $2, updated_at = now()
		WHERE id = $1 AND status IN ('initiated', 'ringing')`

	tag, err := p.pool.Exec(ctx, query, id, startedAt)
	if err != nil {
		return false, fmt.Errorf("store: mark connected %q: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinishSession applies the terminal transition. The status guard means a
// session finishes exactly once; late or duplicate deliveries keep the first
// outcome. When the provider reported no duration it is computed from
// started_at, and stays zero for calls that never connected.
func (p *Postgres) FinishSession(ctx context.Context, id string, fin SessionFinish) (bool, error) {
	if !fin.Status.Terminal() {
		return false, fmt.Errorf("store: finish session %q: %s is not terminal", id, fin.Status)
	}
	endedAt := fin.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	const query = `
		UPDATE call_sessions SET
			status = $2,
			outbound_status = CASE WHEN $3 = '' THEN outbound_status ELSE $3 END,
			failure_reason  = CASE WHEN $4 = '' THEN failure_reason  ELSE $4 END,
			recording_url   = CASE WHEN $5 = '' THEN recording_url   ELSE $5 END,
			ended_at = $6,
			duration_sec = COALESCE($7, CASE
				WHEN started_at IS NOT NULL
				THEN GREATEST(0, EXTRACT(EPOCH FROM ($6::timestamptz - started_at))::int)
				ELSE 0 END),
			updated_at = now()
		WHERE id = $1 AND status IN ('initiated', 'ringing', 'in-progress')`

	tag, err := p.pool.Exec(ctx, query, id,
		fin.Status, fin.OutboundStatus, fin.FailureReason, fin.RecordingURL,
		endedAt, fin.DurationSec)
	if err != nil {
		return false, fmt.Errorf("store: finish session %q: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetSessionMeta stores one metadata key. Used for the concurrency lease
// tokens (preToken at dial, activeToken at upgrade).
func (p *Postgres) SetSessionMeta(ctx context.Context, id, key, value string) error {
	const query = `
		UPDATE call_sessions SET
			metadata = jsonb_set(metadata, ARRAY[$2], to_jsonb($3::text), true),
			updated_at = now()
		WHERE id = $1`

	tag, err := p.pool.Exec(ctx, query, id, key, value)
	if err != nil {
		return fmt.Errorf("store: set meta %q on %q: %w", key, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: session %q: %w", id, ErrNotFound)
	}
	return nil
}

// AppendLanguageSwitch journals one mid-call language change.
func (p *Postgres) AppendLanguageSwitch(ctx context.Context, id string, sw types.LanguageSwitch) error {
	swJSON, err := json.Marshal(sw)
	if err != nil {
		return fmt.Errorf("store: marshal language switch: %w", err)
	}

	const query = `
		UPDATE call_sessions SET
			language_switches = language_switches || $2::jsonb,
			updated_at = now()
		WHERE id = $1`

	tag, err := p.pool.Exec(ctx, query, id, swJSON)
	if err != nil {
		return fmt.Errorf("store: append language switch on %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: session %q: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateSessionCost rewrites the accumulated cost breakdown.
func (p *Postgres) UpdateSessionCost(ctx context.Context, id string, cost types.CostBreakdown) error {
	costJSON, err := json.Marshal(cost)
	if err != nil {
		return fmt.Errorf("store: marshal cost: %w", err)
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE call_sessions SET cost = $2, updated_at = now() WHERE id = $1`,
		id, costJSON)
	if err != nil {
		return fmt.Errorf("store: update cost of %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: session %q: %w", id, ErrNotFound)
	}
	return nil
}

// AppendTranscript appends entries. The (session_id, seq) key plus
// ON CONFLICT DO NOTHING make a retried flush idempotent.
func (p *Postgres) AppendTranscript(ctx context.Context, sessionID string, entries []types.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: append transcript: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `
		INSERT INTO call_transcripts (session_id, seq, speaker, text, language, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id, seq) DO NOTHING`

	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := tx.Exec(ctx, query, sessionID, e.Seq, e.Speaker, e.Text, e.Language, ts); err != nil {
			return fmt.Errorf("store: append transcript seq %d: %w", e.Seq, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: append transcript: commit: %w", err)
	}
	return nil
}

// ListTranscript returns the transcript ordered by seq.
func (p *Postgres) ListTranscript(ctx context.Context, sessionID string) ([]types.TranscriptEntry, error) {
	const query = `
		SELECT seq, speaker, text, language, created_at
		FROM call_transcripts WHERE session_id = $1 ORDER BY seq`

	rows, err := p.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list transcript: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TranscriptEntry, error) {
		var e types.TranscriptEntry
		err := row.Scan(&e.Seq, &e.Speaker, &e.Text, &e.Language, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan transcript: %w", err)
	}
	return entries, nil
}

// ListActiveSessions returns the campaign's non-terminal sessions.
func (p *Postgres) ListActiveSessions(ctx context.Context, campaignID string) ([]*CallSession, error) {
	const query = `SELECT ` + sessionColumns + `
		FROM call_sessions
		WHERE campaign_id = $1 AND status IN ('initiated', 'ringing', 'in-progress')
		ORDER BY created_at`

	rows, err := p.pool.Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("store: active sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListStuckSessions returns non-terminal sessions not updated since the given
// time, oldest first.
func (p *Postgres) ListStuckSessions(ctx context.Context, updatedBefore time.Time) ([]*CallSession, error) {
	const query = `SELECT ` + sessionColumns + `
		FROM call_sessions
		WHERE status IN ('initiated', 'ringing', 'in-progress') AND updated_at < $1
		ORDER BY updated_at`

	rows, err := p.pool.Query(ctx, query, updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("store: stuck sessions: %w", err)
	}
	return collectSessions(rows)
}

// ─────────────────────────────────────────────────────────────────────────────
// scanning
// ─────────────────────────────────────────────────────────────────────────────

func scanSession(row pgx.Row) (*CallSession, error) {
	var (
		s                                CallSession
		switchesJSON, costJSON, metaJSON []byte
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.CampaignID, &s.ContactID, &s.AgentID, &s.PhoneID,
		&s.Direction, &s.Status, &s.OutboundStatus, &s.FromNumber, &s.ToNumber,
		&s.CreatedAt, &s.InitiatedAt, &s.StartedAt, &s.EndedAt, &s.DurationSec,
		&s.ExternalCallID, &s.RecordingURL, &switchesJSON, &costJSON,
		&s.RetryOf, &s.FailureReason, &metaJSON, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(switchesJSON, &s.LanguageSwitches); err != nil {
		return nil, fmt.Errorf("unmarshal language switches: %w", err)
	}
	if err := json.Unmarshal(costJSON, &s.Cost); err != nil {
		return nil, fmt.Errorf("unmarshal cost: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &s.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]*CallSession, error) {
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*CallSession, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan sessions: %w", err)
	}
	return sessions, nil
}
