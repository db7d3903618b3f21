// Package postgres provides the pgvector-backed knowledge store. The
// knowledge_chunks table is written by the external ingestion pipeline;
// this store migrates the schema and serves cosine-distance searches.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/dialvox/dialvox/pkg/knowledge"
)

// Compile-time interface check.
var _ knowledge.Searcher = (*Store)(nil)

// ddlChunks returns the knowledge DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_chunks (
    id          TEXT         PRIMARY KEY,
    agent_id    TEXT         NOT NULL,
    source      TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_agent
    ON knowledge_chunks (agent_id);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_embedding
    ON knowledge_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Store serves nearest-neighbour searches over knowledge_chunks.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, registers
// pgvector types on every connection, and runs [Migrate].
//
// embeddingDimensions must match the embedding model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing it
// after the first migration requires a manual schema update.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge store: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates or ensures the knowledge_chunks table, the vector extension
// and the HNSW index exist. Idempotent, safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlChunks(embeddingDimensions)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Search returns the topK chunks of the agent closest to the query embedding
// by cosine distance, most similar first. Scores are similarities (1 −
// distance), so callers can threshold without knowing the distance metric.
func (s *Store) Search(ctx context.Context, agentID string, embedding []float32, topK int) ([]knowledge.Result, error) {
	if topK <= 0 {
		topK = knowledge.DefaultTopK
	}

	const q = `
		SELECT id, agent_id, source, content, embedding,
		       embedding <=> $1 AS distance
		FROM   knowledge_chunks
		WHERE  agent_id = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), agentID, topK)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Result, error) {
		var (
			res      knowledge.Result
			vec      pgvector.Vector
			distance float64
		)
		if err := row.Scan(
			&res.ID,
			&res.AgentID,
			&res.Source,
			&res.Content,
			&vec,
			&distance,
		); err != nil {
			return knowledge.Result{}, err
		}
		res.Embedding = vec.Slice()
		res.Score = 1 - distance
		return res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge store: scan rows: %w", err)
	}
	if results == nil {
		results = []knowledge.Result{}
	}
	return results, nil
}
