package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetPhone returns the phone trunk or [ErrNotFound]. Credential fields stay
// sealed; internal/telephony decrypts them at dial time.
func (p *Postgres) GetPhone(ctx context.Context, id string) (*Phone, error) {
	const query = `
		SELECT id, user_id, number, provider, credentials, active, created_at, updated_at
		FROM phones WHERE id = $1`

	var (
		ph        Phone
		credsJSON []byte
	)
	err := p.pool.QueryRow(ctx, query, id).Scan(
		&ph.ID, &ph.UserID, &ph.Number, &ph.Provider, &credsJSON, &ph.Active,
		&ph.CreatedAt, &ph.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: phone %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get phone %q: %w", id, err)
	}

	if err := json.Unmarshal(credsJSON, &ph.Credentials); err != nil {
		return nil, fmt.Errorf("store: unmarshal credentials: %w", err)
	}
	return &ph, nil
}
