package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PGVectorStore persists embedding records in Postgres via the pgvector
// extension. It is the managed/remote counterpart to HNSWStore; both satisfy
// the same VectorStore contract so the indexer and searcher never need to
// know which one they're talking to.
type PGVectorStore struct {
	mu        sync.RWMutex
	pool      *pgxpool.Pool
	dimension int
	closed    bool
}

var _ VectorStore = (*PGVectorStore)(nil)

// NewPGVectorStore connects to Postgres and ensures the embedding_records
// table and its ivfflat index exist.
func NewPGVectorStore(ctx context.Context, dsn string, maxConns int, dimension int) (*PGVectorStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s := &PGVectorStore{pool: pool, dimension: dimension}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGVectorStore) ensureSchema(ctx context.Context) error {
	statements := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS embedding_records (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	note_id TEXT NOT NULL,
	chunk_idx INT NOT NULL,
	content TEXT NOT NULL,
	dimension INT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	note_updated_at TIMESTAMPTZ NOT NULL,
	note_title TEXT NOT NULL DEFAULT '',
	note_tags TEXT NOT NULL DEFAULT '[]',
	note_summary TEXT NOT NULL DEFAULT '',
	embedding vector(%[1]d) NOT NULL
);

CREATE INDEX IF NOT EXISTS embedding_records_owner_idx ON embedding_records (owner_id);
CREATE INDEX IF NOT EXISTS embedding_records_note_idx ON embedding_records (owner_id, note_id);

DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_indexes
		WHERE schemaname = current_schema() AND indexname = 'embedding_records_embedding_idx'
	) THEN
		EXECUTE 'CREATE INDEX embedding_records_embedding_idx ON embedding_records USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);';
	END IF;
END
$$;
`, s.dimension)

	_, err := s.pool.Exec(ctx, statements)
	if err != nil && strings.Contains(err.Error(), "ivfflat") {
		// ivfflat needs a minimum row count to build; ignore and retry on a
		// later compaction/restart once there's enough data.
		err = nil
	}
	return err
}

// UpsertBatch inserts or replaces embedding records.
func (s *PGVectorStore) UpsertBatch(ctx context.Context, records []*EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, r := range records {
		if len(r.Vector) != s.dimension {
			return ErrDimensionMismatch{Expected: s.dimension, Got: len(r.Vector)}
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range records {
		tags, err := json.Marshal(r.NoteTags)
		if err != nil {
			return fmt.Errorf("marshal note tags for %s: %w", r.ID, err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO embedding_records (id, owner_id, note_id, chunk_idx, content, dimension,
				provider, model, created_at, note_updated_at, note_title, note_tags, note_summary, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				owner_id = excluded.owner_id,
				note_id = excluded.note_id,
				chunk_idx = excluded.chunk_idx,
				content = excluded.content,
				dimension = excluded.dimension,
				provider = excluded.provider,
				model = excluded.model,
				created_at = excluded.created_at,
				note_updated_at = excluded.note_updated_at,
				note_title = excluded.note_title,
				note_tags = excluded.note_tags,
				note_summary = excluded.note_summary,
				embedding = excluded.embedding
		`, r.ID, r.OwnerID, r.NoteID, r.ChunkIdx, r.Content, r.Dimension, r.Provider, r.Model,
			r.CreatedAt, r.NoteUpdatedAt, r.NoteTitle, string(tags), r.NoteSummary,
			pgvector.NewVector(r.Vector)); err != nil {
			return fmt.Errorf("upsert record %s: %w", r.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// DeleteByNote removes every embedding record belonging to noteID.
func (s *PGVectorStore) DeleteByNote(ctx context.Context, ownerID, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.pool.Exec(ctx,
		`DELETE FROM embedding_records WHERE owner_id = $1 AND note_id = $2`, ownerID, noteID)
	if err != nil {
		return fmt.Errorf("delete by note %s: %w", noteID, err)
	}
	return nil
}

// KNN returns the k nearest neighbors to query, scoped to ownerID.
func (s *PGVectorStore) KNN(ctx context.Context, ownerID string, query []float32, k int, minCosine float32, filter VectorStoreFilter) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if len(query) != s.dimension {
		return nil, ErrDimensionMismatch{Expected: s.dimension, Got: len(query)}
	}

	sql := `
		SELECT id, 1 - (embedding <=> $1) AS score
		FROM embedding_records
		WHERE owner_id = $2
	`
	args := []any{pgvector.NewVector(query), ownerID}
	if filter.Dimensions > 0 {
		sql += fmt.Sprintf(" AND dimension = $%d", len(args)+1)
		args = append(args, filter.Dimensions)
	}
	sql += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", len(args)+1)
	args = append(args, k)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("knn query: %w", err)
	}
	defer rows.Close()

	var results []*VectorResult
	for rows.Next() {
		var id string
		var score float32
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("scan knn row: %w", err)
		}
		if score < minCosine {
			continue
		}
		results = append(results, &VectorResult{
			ID:       id,
			Score:    score,
			Distance: 1 - score,
		})
	}
	return results, rows.Err()
}

// IndexedNoteIDs returns every note id with at least one embedding record for
// this owner.
func (s *PGVectorStore) IndexedNoteIDs(ctx context.Context, ownerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT note_id FROM embedding_records WHERE owner_id = $1`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query indexed note ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan note id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NoteUpdatedAt returns the note-updated-at watermark recorded on the note's
// embedding records, or the zero time if the note isn't indexed.
func (s *PGVectorStore) NoteUpdatedAt(ctx context.Context, noteID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return time.Time{}, fmt.Errorf("store is closed")
	}

	var updatedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT note_updated_at FROM embedding_records WHERE note_id = $1 LIMIT 1`, noteID).
		Scan(&updatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("query note updated_at: %w", err)
	}
	return updatedAt, nil
}

// Stats reports index statistics scoped to ownerID. Postgres holds no
// orphaned vectors the way the lazily-deleting HNSW backend can: deletes are
// real row deletes, so Orphans is always 0.
func (s *PGVectorStore) Stats(ctx context.Context, ownerID string) (*VectorStoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	stats := &VectorStoreStats{}
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT note_id) FROM embedding_records WHERE owner_id = $1`, ownerID).
		Scan(&stats.RecordCount, &stats.NoteCount); err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return stats, nil
}

// Save is a no-op: Postgres persists every write immediately.
func (s *PGVectorStore) Save(path string) error { return nil }

// Load is a no-op: there is no local snapshot to reload from.
func (s *PGVectorStore) Load(path string) error { return nil }

// Close releases the connection pool.
func (s *PGVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.pool.Close()
	return nil
}
