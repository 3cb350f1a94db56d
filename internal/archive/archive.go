// Package archive persists finished captions to PostgreSQL so rooms can
// search and replay their transcript history. Each utterance row carries the
// display text, its sentence annotations, and an optional embedding vector
// for similarity search via pgvector.
//
// Archival is strictly downstream of the live caption path: a failing
// database degrades history, never captioning.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxsub/voxsub/internal/postprocess"
	"github.com/voxsub/voxsub/pkg/embed"
)

// Entry is one archived utterance.
type Entry struct {
	ID        uuid.UUID
	Room      string
	Speaker   string
	Text      string
	RawText   string
	Sentences []postprocess.Sentence
	Duration  time.Duration
	CreatedAt time.Time
}

// Store is the PostgreSQL-backed transcript archive. All operations are safe
// for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embed.Provider
	log      *slog.Logger
}

// NewStore connects to the database at dsn, registers pgvector types on
// every connection, and migrates the schema. embedder may be nil, in which
// case rows are stored without vectors and SearchSimilar returns an error.
func NewStore(ctx context.Context, dsn string, embedder embed.Provider, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	dims := 1536
	if embedder != nil {
		dims = embedder.Dimensions()
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder, log: log}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports database reachability, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save archives one caption. Embedding is best-effort: if the embedder
// fails, the row is stored without a vector and a warning is logged.
func (s *Store) Save(ctx context.Context, c postprocess.Caption) error {
	sentences, err := json.Marshal(c.Sentences)
	if err != nil {
		return fmt.Errorf("archive: encode sentences: %w", err)
	}

	var vec *pgvector.Vector
	if s.embedder != nil && c.Display != "" {
		if v, err := s.embedder.Embed(ctx, c.Display); err != nil {
			s.log.Warn("archive embedding failed", "block", c.BlockID, "error", err)
		} else {
			pv := pgvector.NewVector(v)
			vec = &pv
		}
	}

	var duration time.Duration
	if c.SampleRate > 0 {
		var samples int
		for _, span := range c.Audio {
			samples += len(span)
		}
		duration = time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO utterances (id, room, speaker, text, raw_text, sentences, duration_ns, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), c.Room, c.Speaker, c.Display, c.Text, sentences, duration.Nanoseconds(), vec)
	if err != nil {
		return fmt.Errorf("archive: insert utterance: %w", err)
	}
	return nil
}

// Recent returns the newest archived utterances for a room, newest first.
func (s *Store) Recent(ctx context.Context, room string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, room, speaker, text, raw_text, sentences, duration_ns, created_at
		FROM utterances
		WHERE room = $1
		ORDER BY created_at DESC
		LIMIT $2`, room, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// SearchSimilar embeds the query and returns the closest archived
// utterances for a room by cosine distance.
func (s *Store) SearchSimilar(ctx context.Context, room, query string, limit int) ([]Entry, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("archive: similarity search requires an embedding provider")
	}
	if limit <= 0 {
		limit = 10
	}
	v, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("archive: embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, room, speaker, text, raw_text, sentences, duration_ns, created_at
		FROM utterances
		WHERE room = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3`, room, pgvector.NewVector(v), limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query similar: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			sentences  []byte
			durationNs int64
		)
		if err := rows.Scan(&e.ID, &e.Room, &e.Speaker, &e.Text, &e.RawText, &sentences, &durationNs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("archive: scan utterance: %w", err)
		}
		if len(sentences) > 0 {
			if err := json.Unmarshal(sentences, &e.Sentences); err != nil {
				return nil, fmt.Errorf("archive: decode sentences: %w", err)
			}
		}
		e.Duration = time.Duration(durationNs)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate utterances: %w", err)
	}
	return out, nil
}
