package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface checks.
var (
	_ CampaignStore = (*Postgres)(nil)
	_ ContactStore  = (*Postgres)(nil)
	_ SessionStore  = (*Postgres)(nil)
	_ AgentStore    = (*Postgres)(nil)
	_ PhoneStore    = (*Postgres)(nil)
)

// Postgres implements every store interface over a single [pgxpool.Pool].
// Structured sub-fields (settings, voice, metadata, cost) are serialised as
// JSONB. All operations are safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a Postgres store, establishes a connection pool to the database
// at dsn, and runs [Migrate] to ensure all tables exist.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// NewWithPool wraps an existing pool without migrating. The caller is
// responsible for the schema.
func NewWithPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases all connections held by the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping verifies the database is reachable. Used by readiness probes.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// isDuplicateKeyError reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
