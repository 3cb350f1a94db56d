package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlUtterances = `
CREATE TABLE IF NOT EXISTS utterances (
    id          UUID         PRIMARY KEY,
    room        TEXT         NOT NULL,
    speaker     TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    raw_text    TEXT         NOT NULL DEFAULT '',
    sentences   JSONB        NOT NULL DEFAULT '[]',
    duration_ns BIGINT       NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    embedding   vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_utterances_room_created
    ON utterances (room, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_utterances_fts
    ON utterances USING GIN (to_tsvector('english', text));
`

const ddlEmbeddingIndex = `
CREATE INDEX IF NOT EXISTS idx_utterances_embedding
    ON utterances USING hnsw (embedding vector_cosine_ops);
`

// Migrate ensures the pgvector extension, the utterances table, and its
// indexes exist. embeddingDimensions must match the embedding provider;
// changing it after the first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("archive: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("archive: create vector extension: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlUtterances, embeddingDimensions)); err != nil {
		return fmt.Errorf("archive: create utterances table: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlEmbeddingIndex); err != nil {
		return fmt.Errorf("archive: create embedding index: %w", err)
	}
	return nil
}
