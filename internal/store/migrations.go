package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Campaigns + contacts
// ─────────────────────────────────────────────────────────────────────────────

const ddlCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id               TEXT         PRIMARY KEY,
    user_id          TEXT         NOT NULL,
    agent_id         TEXT         NOT NULL,
    phone_id         TEXT         NOT NULL DEFAULT '',
    name             TEXT         NOT NULL,
    status           TEXT         NOT NULL DEFAULT 'draft',
    scheduled_at     TIMESTAMPTZ,
    total_contacts   INTEGER      NOT NULL DEFAULT 0,
    queued_calls     INTEGER      NOT NULL DEFAULT 0,
    active_calls     INTEGER      NOT NULL DEFAULT 0,
    completed_calls  INTEGER      NOT NULL DEFAULT 0,
    failed_calls     INTEGER      NOT NULL DEFAULT 0,
    voicemail_calls  INTEGER      NOT NULL DEFAULT 0,
    settings         JSONB        NOT NULL DEFAULT '{}',
    metadata         JSONB        NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_campaigns_user
    ON campaigns (user_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_campaigns_scheduled
    ON campaigns (scheduled_at)
    WHERE status = 'scheduled';
`

const ddlContacts = `
CREATE TABLE IF NOT EXISTS campaign_contacts (
    id              TEXT         PRIMARY KEY,
    campaign_id     TEXT         NOT NULL,
    phone           TEXT         NOT NULL,
    name            TEXT         NOT NULL DEFAULT '',
    email           TEXT         NOT NULL DEFAULT '',
    custom          JSONB        NOT NULL DEFAULT '{}',
    status          TEXT         NOT NULL DEFAULT 'pending',
    retry_count     INTEGER      NOT NULL DEFAULT 0,
    next_retry_at   TIMESTAMPTZ,
    last_attempt_at TIMESTAMPTZ,
    failure_reason  TEXT         NOT NULL DEFAULT '',
    priority        INTEGER      NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (campaign_id, phone)
);

CREATE INDEX IF NOT EXISTS idx_contacts_campaign_status
    ON campaign_contacts (campaign_id, status);

CREATE INDEX IF NOT EXISTS idx_contacts_dialable
    ON campaign_contacts (campaign_id, next_retry_at)
    WHERE status = 'pending';
`

// ─────────────────────────────────────────────────────────────────────────────
// Call sessions + transcripts
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS call_sessions (
    id                TEXT         PRIMARY KEY,
    user_id           TEXT         NOT NULL DEFAULT '',
    campaign_id       TEXT         NOT NULL DEFAULT '',
    contact_id        TEXT         NOT NULL DEFAULT '',
    agent_id          TEXT         NOT NULL DEFAULT '',
    phone_id          TEXT         NOT NULL DEFAULT '',
    direction         TEXT         NOT NULL DEFAULT 'outbound',
    status            TEXT         NOT NULL DEFAULT 'initiated',
    outbound_status   TEXT         NOT NULL DEFAULT 'queued',
    from_number       TEXT         NOT NULL DEFAULT '',
    to_number         TEXT         NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    initiated_at      TIMESTAMPTZ,
    started_at        TIMESTAMPTZ,
    ended_at          TIMESTAMPTZ,
    duration_sec      INTEGER      NOT NULL DEFAULT 0,
    external_call_id  TEXT         NOT NULL DEFAULT '',
    recording_url     TEXT         NOT NULL DEFAULT '',
    language_switches JSONB        NOT NULL DEFAULT '[]',
    cost              JSONB        NOT NULL DEFAULT '{}',
    retry_of          TEXT         NOT NULL DEFAULT '',
    failure_reason    TEXT         NOT NULL DEFAULT '',
    metadata          JSONB        NOT NULL DEFAULT '{}',
    updated_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_external
    ON call_sessions (external_call_id)
    WHERE external_call_id <> '';

CREATE INDEX IF NOT EXISTS idx_sessions_campaign
    ON call_sessions (campaign_id, status);

CREATE INDEX IF NOT EXISTS idx_sessions_dial
    ON call_sessions (from_number, to_number, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_sessions_stuck
    ON call_sessions (updated_at)
    WHERE status IN ('initiated', 'ringing', 'in-progress');
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS call_transcripts (
    session_id  TEXT         NOT NULL,
    seq         INTEGER      NOT NULL,
    speaker     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    language    TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, seq)
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Read-side tables (written by the management plane)
// ─────────────────────────────────────────────────────────────────────────────

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agents (
    id                  TEXT         PRIMARY KEY,
    user_id             TEXT         NOT NULL,
    name                TEXT         NOT NULL,
    prompt              TEXT         NOT NULL DEFAULT '',
    first_message       TEXT         NOT NULL DEFAULT '',
    language            TEXT         NOT NULL DEFAULT 'en',
    auto_detect_language BOOLEAN     NOT NULL DEFAULT false,
    stt_provider        TEXT         NOT NULL DEFAULT 'deepgram',
    voice               JSONB        NOT NULL DEFAULT '{}',
    voices_by_language  JSONB        NOT NULL DEFAULT '{}',
    llm                 JSONB        NOT NULL DEFAULT '{}',
    end_call_phrases    JSONB        NOT NULL DEFAULT '[]',
    voicemail           JSONB        NOT NULL DEFAULT '{}',
    rag_enabled         BOOLEAN      NOT NULL DEFAULT false,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlPhones = `
CREATE TABLE IF NOT EXISTS phones (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    number      TEXT         NOT NULL,
    provider    TEXT         NOT NULL DEFAULT 'exotel',
    credentials JSONB        NOT NULL DEFAULT '{}',
    active      BOOLEAN      NOT NULL DEFAULT true,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_phones_number ON phones (number);
`

// Migrate creates or ensures all dialer tables exist. It is idempotent
// (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and safe to call
// on every application start. The knowledge_chunks table is owned by
// pkg/knowledge/postgres and migrated there.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlCampaigns,
		ddlContacts,
		ddlSessions,
		ddlTranscripts,
		ddlAgents,
		ddlPhones,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
