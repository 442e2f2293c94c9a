// Package index runs background indexing jobs: embedding an owner's notes
// into the vector store and lexical index, and keeping both in step with
// note updates and deletions.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ananyateklu/ragcore/internal/chunk"
	"github.com/ananyateklu/ragcore/internal/embed"
	ragerrors "github.com/ananyateklu/ragcore/internal/errors"
	"github.com/ananyateklu/ragcore/internal/store"
)

// NoteSource is the read-only collaborator boundary the indexer pulls notes
// from. Notes, including their image descriptions, are owned and mutated
// elsewhere; the core never writes them back.
type NoteSource interface {
	ListNotes(ctx context.Context, ownerID string) ([]*store.Note, error)
}

// Dependencies bundles the collaborators an Indexer needs.
type Dependencies struct {
	Notes    NoteSource
	Metadata store.MetadataStore
	Vector   store.VectorStore
	BM25     store.BM25Index
	Embedder embed.Embedder
	Chunker  chunk.Chunker

	// FixedDimension is the managed vector store's fixed embedding
	// dimension, or 0 when the target accepts any dimension (embedded
	// HNSW, freshly created).
	FixedDimension int

	// Logger receives the indexer's structured events, including the
	// rag_index_run_complete event emitted at the end of every run. A nil
	// Logger falls back to slog.Default(), which a caller sets up with
	// logging.Setup.
	Logger *slog.Logger
}

// StartRequest parameterizes a Start call. Provider/Model/VectorStore are
// recorded on the job for diagnostics; the embedder itself is fixed at
// Indexer construction time.
type StartRequest struct {
	OwnerID     string
	Provider    string
	Model       string
	VectorStore string
	Dimensions  int
}

// Indexer runs background indexing jobs against one owner's notes.
type Indexer struct {
	deps Dependencies

	mu   sync.Mutex
	jobs map[string]context.CancelFunc
}

// NewIndexer creates an Indexer over the given dependencies.
func NewIndexer(deps Dependencies) *Indexer {
	return &Indexer{
		deps: deps,
		jobs: make(map[string]context.CancelFunc),
	}
}

// Start validates the request, creates a Pending job row, and launches the
// background indexing loop. It returns as soon as the job is persisted; the
// loop itself runs on a detached context so it survives the caller's request
// lifetime, and is only stopped by Cancel or completion.
func (idx *Indexer) Start(ctx context.Context, req StartRequest) (*store.IndexJob, error) {
	if idx.deps.FixedDimension > 0 && req.Dimensions > 0 && req.Dimensions != idx.deps.FixedDimension {
		return nil, ragerrors.DimensionMismatchError(idx.deps.FixedDimension, req.Dimensions)
	}

	job := &store.IndexJob{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		Status:      store.JobPending,
		Provider:    req.Provider,
		Model:       req.Model,
		VectorStore: req.VectorStore,
		CreatedAt:   time.Now().UTC(),
	}
	if err := idx.deps.Metadata.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("index: save job: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	idx.mu.Lock()
	idx.jobs[job.ID] = cancel
	idx.mu.Unlock()

	go idx.run(runCtx, job.ID, req.OwnerID)

	return job, nil
}

// logger returns the configured Logger, or slog.Default() when none was set.
func (idx *Indexer) logger() *slog.Logger {
	if idx.deps.Logger != nil {
		return idx.deps.Logger
	}
	return slog.Default()
}

// GetStatus returns the current row for jobID.
func (idx *Indexer) GetStatus(ctx context.Context, jobID string) (*store.IndexJob, error) {
	return idx.deps.Metadata.GetJob(ctx, jobID)
}

// Cancel marks jobID Cancelled. The running loop observes this between notes
// and exits cleanly, keeping whatever embeddings it already wrote.
func (idx *Indexer) Cancel(ctx context.Context, jobID string) error {
	idx.mu.Lock()
	cancel, ok := idx.jobs[jobID]
	idx.mu.Unlock()
	if ok {
		cancel()
	}
	return idx.deps.Metadata.UpdateJobStatus(ctx, jobID, store.JobCancelled)
}

// ReindexNote re-embeds a single note outside of a full job, for hot
// updates. It reuses the per-note path the background loop itself runs.
func (idx *Indexer) ReindexNote(ctx context.Context, ownerID, noteID string) error {
	note, err := idx.deps.Metadata.GetNote(ctx, ownerID, noteID)
	if err != nil {
		return fmt.Errorf("index: get note %s: %w", noteID, err)
	}
	_, err = idx.indexNote(ctx, note)
	return err
}

func (idx *Indexer) run(ctx context.Context, jobID, ownerID string) {
	start := time.Now()
	defer func() {
		idx.mu.Lock()
		delete(idx.jobs, jobID)
		idx.mu.Unlock()
	}()

	if err := idx.deps.Metadata.UpdateJobStatus(ctx, jobID, store.JobRunning); err != nil {
		idx.logger().Error("index_job_start_failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}

	status, err := idx.runLoop(ctx, jobID, ownerID)
	if err != nil {
		idx.logger().Error("index_job_failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		_ = idx.deps.Metadata.AppendJobError(ctx, jobID, err.Error())
		status = store.JobFailed
	}

	if updErr := idx.deps.Metadata.UpdateJobStatus(ctx, jobID, status); updErr != nil {
		idx.logger().Error("index_job_finalize_failed", slog.String("job_id", jobID), slog.String("error", updErr.Error()))
	}

	job, jobErr := idx.deps.Metadata.GetJob(ctx, jobID)
	attrs := []slog.Attr{
		slog.String("job_id", jobID),
		slog.String("owner_id", ownerID),
		slog.String("status", string(status)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if jobErr == nil {
		attrs = append(attrs,
			slog.Int("total_to_index", job.TotalToIndex),
			slog.Int("processed", job.Processed),
			slog.Int("skipped", job.Skipped),
			slog.Int("deleted", job.Deleted),
		)
	}
	idx.logger().LogAttrs(ctx, slog.LevelInfo, "rag_index_run_complete", attrs...)
}

// runLoop implements the background indexing loop described in §4.6: sync
// deletions, partition notes into to-index/skipped, then index one note at a
// time so progress and cancellation are both visible mid-run.
func (idx *Indexer) runLoop(ctx context.Context, jobID, ownerID string) (store.JobStatus, error) {
	notes, err := idx.deps.Notes.ListNotes(ctx, ownerID)
	if err != nil {
		return store.JobFailed, fmt.Errorf("list notes: %w", err)
	}

	current := make(map[string]*store.Note, len(notes))
	for _, n := range notes {
		current[n.ID] = n
	}

	indexed, err := idx.deps.Vector.IndexedNoteIDs(ctx, ownerID)
	if err != nil {
		return store.JobFailed, fmt.Errorf("list indexed note ids: %w", err)
	}

	deleted := 0
	for _, id := range indexed {
		if _, ok := current[id]; ok {
			continue
		}
		if err := idx.deleteNote(ctx, ownerID, id); err != nil {
			idx.logger().Warn("index_delete_stale_note_failed", slog.String("note_id", id), slog.String("error", err.Error()))
			continue
		}
		deleted++
	}

	var toIndex, skipped []*store.Note
	for _, n := range notes {
		watermark, err := idx.deps.Vector.NoteUpdatedAt(ctx, n.ID)
		if err != nil {
			return store.JobFailed, fmt.Errorf("note watermark for %s: %w", n.ID, err)
		}
		if watermark.IsZero() || n.UpdatedAt.After(watermark) {
			toIndex = append(toIndex, n)
		} else {
			skipped = append(skipped, n)
		}
	}

	job, err := idx.deps.Metadata.GetJob(ctx, jobID)
	if err != nil {
		return store.JobFailed, fmt.Errorf("reload job: %w", err)
	}
	job.TotalToIndex = len(toIndex)
	job.Skipped = len(skipped)
	job.Deleted = deleted
	if err := idx.deps.Metadata.SaveJob(ctx, job); err != nil {
		idx.logger().Warn("index_job_progress_save_failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}

	var errCount int
	for _, note := range toIndex {
		current, err := idx.deps.Metadata.GetJob(ctx, jobID)
		if err != nil {
			return store.JobFailed, fmt.Errorf("poll job status: %w", err)
		}
		if current.Status == store.JobCancelled {
			return store.JobCancelled, nil
		}

		noteErrs, err := idx.indexNote(ctx, note)
		if err != nil {
			return store.JobFailed, fmt.Errorf("index note %s: %w", note.ID, err)
		}
		errCount += noteErrs

		job.Processed++
		if err := idx.deps.Metadata.SaveJob(ctx, job); err != nil {
			idx.logger().Warn("index_job_progress_save_failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
	}

	if errCount > 0 {
		return store.JobPartiallyCompleted, nil
	}
	return store.JobCompleted, nil
}

// indexNote deletes a note's existing embeddings, chunks it, embeds every
// chunk, and upserts the successful ones in a single batch. It returns the
// number of chunks that failed to embed; each failure is logged at debug
// level and is not added to the job's error list.
func (idx *Indexer) indexNote(ctx context.Context, note *store.Note) (int, error) {
	if err := idx.deps.Vector.DeleteByNote(ctx, note.OwnerID, note.ID); err != nil {
		return 0, ragerrors.StoreError("delete existing embeddings", err)
	}

	chunks, err := idx.deps.Chunker.Chunk(&chunk.NoteInput{
		NoteID:    note.ID,
		Title:     note.Title,
		Body:      note.Body,
		Tags:      note.Tags,
		CreatedAt: note.CreatedAt.Format("2006-01-02"),
		UpdatedAt: note.UpdatedAt.Format("2006-01-02"),
	})
	if err != nil {
		return 0, fmt.Errorf("chunk note: %w", err)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	noteUpdatedAt := note.UpdatedAt
	modelName := idx.deps.Embedder.ModelName()
	dimensions := idx.deps.Embedder.Dimensions()

	records := make([]*store.EmbeddingRecord, 0, len(chunks))
	storeChunks := make([]*store.Chunk, 0, len(chunks))
	docs := make([]*store.Document, 0, len(chunks))
	var errCount int

	for _, c := range chunks {
		storeChunks = append(storeChunks, &store.Chunk{
			NoteID:       note.ID,
			Index:        c.Index,
			Content:      c.Content,
			SectionTitle: c.SectionTitle,
			TokenCount:   c.TokenCount,
			StartOffset:  c.StartOffset,
			EndOffset:    c.EndOffset,
		})

		vector, err := idx.deps.Embedder.Embed(ctx, c.Content)
		if err != nil {
			errCount++
			idx.logger().Debug("index_chunk_embed_failed",
				slog.String("note_id", note.ID), slog.Int("chunk_index", c.Index), slog.String("error", err.Error()))
			continue
		}

		id := fmt.Sprintf("%s#chunk#%d", note.ID, c.Index)
		records = append(records, &store.EmbeddingRecord{
			ID:            id,
			NoteID:        note.ID,
			OwnerID:       note.OwnerID,
			ChunkIdx:      c.Index,
			Content:       c.Content,
			Vector:        vector,
			Dimension:     dimensions,
			Provider:      string(embed.GetInfo(ctx, idx.deps.Embedder).Provider),
			Model:         modelName,
			CreatedAt:     time.Now().UTC(),
			NoteUpdatedAt: noteUpdatedAt,
			NoteTitle:     note.Title,
			NoteTags:      note.Tags,
			NoteSummary:   note.Summary,
		})
		docs = append(docs, &store.Document{
			ID:      id,
			NoteID:  note.ID,
			Title:   note.Title,
			Content: c.Content,
		})
	}

	if err := idx.deps.Metadata.SaveChunks(ctx, note.ID, storeChunks); err != nil {
		idx.logger().Warn("index_save_chunks_failed", slog.String("note_id", note.ID), slog.String("error", err.Error()))
	}

	if len(records) > 0 {
		if err := idx.deps.Vector.UpsertBatch(ctx, records); err != nil {
			return errCount, ragerrors.StoreError("upsert embeddings", err)
		}
	}
	if len(docs) > 0 {
		if err := idx.deps.BM25.Index(ctx, docs); err != nil {
			return errCount, ragerrors.StoreError("index in bm25", err)
		}
	}

	return errCount, nil
}

func (idx *Indexer) deleteNote(ctx context.Context, ownerID, noteID string) error {
	if err := idx.deps.Vector.DeleteByNote(ctx, ownerID, noteID); err != nil {
		return err
	}
	ids, err := idx.deps.Metadata.GetChunksByNote(ctx, noteID)
	if err != nil {
		return err
	}
	docIDs := make([]string, len(ids))
	for i, c := range ids {
		docIDs[i] = fmt.Sprintf("%s#chunk#%d", noteID, c.Index)
	}
	if len(docIDs) > 0 {
		if err := idx.deps.BM25.Delete(ctx, docIDs); err != nil {
			idx.logger().Warn("index_delete_bm25_failed", slog.String("note_id", noteID), slog.String("error", err.Error()))
		}
	}
	return idx.deps.Metadata.DeleteChunksByNote(ctx, noteID)
}
