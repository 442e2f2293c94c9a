package store

import (
	"context"
	"fmt"
	"time"
)

// CompositeVectorStore fans writes out to two backends and serves reads from
// a single configurable primary. It is how an owner's index gets migrated
// from the embedded HNSW graph to managed Postgres (or kept on both during a
// rollout) without the indexer or searcher ever being aware two stores exist.
type CompositeVectorStore struct {
	embedded VectorStore
	postgres VectorStore
	primary  VectorStore
}

var _ VectorStore = (*CompositeVectorStore)(nil)

// NewCompositeVectorStore builds a composite over embedded and postgres,
// reading from whichever one readPrimary names ("embedded" or "postgres").
func NewCompositeVectorStore(embedded, postgres VectorStore, readPrimary string) (*CompositeVectorStore, error) {
	var primary VectorStore
	switch readPrimary {
	case "embedded":
		primary = embedded
	case "postgres":
		primary = postgres
	default:
		return nil, fmt.Errorf("unknown read_primary %q: must be \"embedded\" or \"postgres\"", readPrimary)
	}
	return &CompositeVectorStore{embedded: embedded, postgres: postgres, primary: primary}, nil
}

// UpsertBatch writes to both backends. If the embedded write fails, the
// postgres write is still attempted and its error joined, so a transient
// local-disk problem doesn't silently drop the managed copy.
func (c *CompositeVectorStore) UpsertBatch(ctx context.Context, records []*EmbeddingRecord) error {
	errEmbedded := c.embedded.UpsertBatch(ctx, records)
	errPostgres := c.postgres.UpsertBatch(ctx, records)
	return joinErrors(errEmbedded, errPostgres)
}

// DeleteByNote deletes from both backends.
func (c *CompositeVectorStore) DeleteByNote(ctx context.Context, ownerID, noteID string) error {
	errEmbedded := c.embedded.DeleteByNote(ctx, ownerID, noteID)
	errPostgres := c.postgres.DeleteByNote(ctx, ownerID, noteID)
	return joinErrors(errEmbedded, errPostgres)
}

// SetReadPrimary switches which backend KNN/IndexedNoteIDs/NoteUpdatedAt/Stats
// read from. Used by the retrieval orchestrator to honor a per-call
// vector_store_provider override without rebuilding the composite.
func (c *CompositeVectorStore) SetReadPrimary(name string) error {
	switch name {
	case "embedded":
		c.primary = c.embedded
	case "postgres":
		c.primary = c.postgres
	default:
		return fmt.Errorf("unknown read_primary %q: must be \"embedded\" or \"postgres\"", name)
	}
	return nil
}

// KNN reads from the configured primary only.
func (c *CompositeVectorStore) KNN(ctx context.Context, ownerID string, query []float32, k int, minCosine float32, filter VectorStoreFilter) ([]*VectorResult, error) {
	return c.primary.KNN(ctx, ownerID, query, k, minCosine, filter)
}

// IndexedNoteIDs reads from the configured primary only.
func (c *CompositeVectorStore) IndexedNoteIDs(ctx context.Context, ownerID string) ([]string, error) {
	return c.primary.IndexedNoteIDs(ctx, ownerID)
}

// NoteUpdatedAt reads from the configured primary only.
func (c *CompositeVectorStore) NoteUpdatedAt(ctx context.Context, noteID string) (time.Time, error) {
	return c.primary.NoteUpdatedAt(ctx, noteID)
}

// Stats reads from the configured primary only.
func (c *CompositeVectorStore) Stats(ctx context.Context, ownerID string) (*VectorStoreStats, error) {
	return c.primary.Stats(ctx, ownerID)
}

// Save delegates to both backends (the postgres backend's Save is a no-op).
func (c *CompositeVectorStore) Save(path string) error {
	errEmbedded := c.embedded.Save(path)
	errPostgres := c.postgres.Save(path)
	return joinErrors(errEmbedded, errPostgres)
}

// Load delegates to both backends (the postgres backend's Load is a no-op).
func (c *CompositeVectorStore) Load(path string) error {
	errEmbedded := c.embedded.Load(path)
	errPostgres := c.postgres.Load(path)
	return joinErrors(errEmbedded, errPostgres)
}

// Close closes both backends.
func (c *CompositeVectorStore) Close() error {
	errEmbedded := c.embedded.Close()
	errPostgres := c.postgres.Close()
	return joinErrors(errEmbedded, errPostgres)
}

func joinErrors(a, b error) error {
	if a != nil && b != nil {
		return fmt.Errorf("embedded backend: %w; postgres backend: %v", a, b)
	}
	if a != nil {
		return fmt.Errorf("embedded backend: %w", a)
	}
	if b != nil {
		return fmt.Errorf("postgres backend: %w", b)
	}
	return nil
}
