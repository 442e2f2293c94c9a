package index

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ananyateklu/ragcore/internal/store"
)

// Stats summarizes one owner's index for the index_stats(owner_id) port: how
// many notes/chunks are tracked in metadata versus how many are actually
// reachable through the vector store and the lexical index.
type Stats struct {
	OwnerID       string
	NoteCount     int
	ChunkCount    int
	VectorCount   int
	BM25Count     int
	OrphanVectors []string // note ids present in the vector store but not among OwnerID's current notes
}

// Consistent reports whether every note the vector store knows about for
// OwnerID still exists. The chunk, vector and BM25 counts are not compared.
func (s *Stats) Consistent() bool {
	return len(s.OrphanVectors) == 0
}

// ConsistencyChecker computes index Stats and repairs orphaned vector store
// entries left behind by a note that was deleted out from under a completed
// index (the background loop in indexer.go already does this as part of its
// own run; ConsistencyChecker exposes the same check as a standalone,
// on-demand diagnostic).
type ConsistencyChecker struct {
	metadata store.MetadataStore
	vector   store.VectorStore
	bm25     store.BM25Index
	notes    NoteSource
}

// NewConsistencyChecker creates a checker over the given collaborators.
func NewConsistencyChecker(metadata store.MetadataStore, vector store.VectorStore, bm25 store.BM25Index, notes NoteSource) *ConsistencyChecker {
	return &ConsistencyChecker{metadata: metadata, vector: vector, bm25: bm25, notes: notes}
}

// Check computes Stats for ownerID.
func (c *ConsistencyChecker) Check(ctx context.Context, ownerID string) (*Stats, error) {
	notes, err := c.notes.ListNotes(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	current := make(map[string]bool, len(notes))
	for _, n := range notes {
		current[n.ID] = true
	}

	indexedIDs, err := c.vector.IndexedNoteIDs(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list indexed note ids: %w", err)
	}

	var orphans []string
	for _, id := range indexedIDs {
		if !current[id] {
			orphans = append(orphans, id)
		}
	}

	var chunkCount int
	for _, n := range notes {
		chunks, err := c.metadata.GetChunksByNote(ctx, n.ID)
		if err != nil {
			return nil, fmt.Errorf("get chunks for note %s: %w", n.ID, err)
		}
		chunkCount += len(chunks)
	}

	vectorStats, err := c.vector.Stats(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("vector stats: %w", err)
	}
	bm25Stats := c.bm25.Stats()
	bm25Count := 0
	if bm25Stats != nil {
		bm25Count = bm25Stats.DocumentCount
	}

	return &Stats{
		OwnerID:       ownerID,
		NoteCount:     len(notes),
		ChunkCount:    chunkCount,
		VectorCount:   vectorStats.RecordCount,
		BM25Count:     bm25Count,
		OrphanVectors: orphans,
	}, nil
}

// Repair deletes every orphaned note's embeddings from the vector store.
func (c *ConsistencyChecker) Repair(ctx context.Context, ownerID string, stats *Stats) error {
	for _, noteID := range stats.OrphanVectors {
		if err := c.vector.DeleteByNote(ctx, ownerID, noteID); err != nil {
			slog.Warn("consistency_repair_delete_failed",
				slog.String("owner_id", ownerID), slog.String("note_id", noteID), slog.String("error", err.Error()))
			continue
		}
		slog.Info("consistency_repair_deleted_orphan", slog.String("owner_id", ownerID), slog.String("note_id", noteID))
	}
	return nil
}
