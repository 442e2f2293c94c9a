// Package store provides vector storage (embedded HNSW or pgvector), a BM25
// lexical index, and metadata persistence (SQLite) for the retrieval core.
package store

import (
	"context"
	"fmt"
	"time"
)

// JobStatus is the state of a background indexing job.
type JobStatus string

const (
	JobPending            JobStatus = "pending"
	JobRunning            JobStatus = "running"
	JobCompleted          JobStatus = "completed"
	JobPartiallyCompleted JobStatus = "partially_completed"
	JobFailed             JobStatus = "failed"
	JobCancelled          JobStatus = "cancelled"
)

// State keys for metadata store.
const (
	// StateKeyIndexDimension stores the embedding dimension used for the index.
	StateKeyIndexDimension = "index_embedding_dimension"
	// StateKeyIndexModel stores the embedding model name used for the index.
	StateKeyIndexModel = "index_embedding_model"
)

// Note is a unit of retrievable knowledge supplied by an external note
// source. Notes own their chunks and embedding records.
type Note struct {
	ID        string // Stable id, unique within OwnerID
	OwnerID   string
	Title     string
	Body      string
	Tags      []string
	Summary   string
	Images    []string // Image descriptions attached to the note
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chunk is a derived, transient unit produced by the chunker from a Note.
type Chunk struct {
	NoteID       string
	Index        int // 0-based, contiguous within the note
	Content      string
	SectionTitle string
	TokenCount   int
	StartOffset  int
	EndOffset    int
}

// ID is the synthetic, globally unique embedding-record id for this chunk.
func (c *Chunk) ID() string {
	return fmt.Sprintf("%s#chunk#%d", c.NoteID, c.Index)
}

// EmbeddingRecord is one embedded chunk, denormalized with enough of its
// parent note to serve retrieval without a join.
type EmbeddingRecord struct {
	ID        string // "{note_id}#chunk#{index}"
	NoteID    string
	OwnerID   string
	ChunkIdx  int
	Content   string
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
	CreatedAt time.Time

	// NoteUpdatedAt is the note's updated-at at the moment this record was
	// produced; used as the watermark for incremental indexing.
	NoteUpdatedAt time.Time

	// Denormalized note fields, included in retrieval results without a join.
	NoteTitle   string
	NoteTags    []string
	NoteSummary string
}

// IndexJob tracks a background indexing run for one owner.
type IndexJob struct {
	ID          string
	OwnerID     string
	Status      JobStatus
	Provider    string
	Model       string
	VectorStore string // configured backend name, or "both"

	TotalToIndex int
	Processed    int
	Skipped      int
	Deleted      int
	Errors       []string // "{note_id}:{chunk_index}: message"

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// MetadataStore persists notes, chunks, jobs, and runtime state in SQLite.
type MetadataStore interface {
	// Note operations
	SaveNote(ctx context.Context, note *Note) error
	GetNote(ctx context.Context, ownerID, noteID string) (*Note, error)
	DeleteNote(ctx context.Context, ownerID, noteID string) error

	// Chunk operations
	SaveChunks(ctx context.Context, noteID string, chunks []*Chunk) error
	GetChunksByNote(ctx context.Context, noteID string) ([]*Chunk, error)
	DeleteChunksByNote(ctx context.Context, noteID string) error

	// Indexing job operations
	SaveJob(ctx context.Context, job *IndexJob) error
	GetJob(ctx context.Context, jobID string) (*IndexJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error
	AppendJobError(ctx context.Context, jobID, message string) error

	// State operations (key-value store for runtime state)
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

// IndexInfo summarizes an owner's index for inspection/diagnostics.
type IndexInfo struct {
	OwnerID string

	IndexModel      string // Model name used to build the index
	IndexBackend    string // "embedded", "postgres", or "composite"
	IndexDimensions int

	NoteCount  int
	ChunkCount int

	CreatedAt time.Time
	UpdatedAt time.Time

	CurrentModel      string
	CurrentBackend    string
	CurrentDimensions int
	Compatible        bool
}

// CurrentSchemaVersion is the current database schema version.
const CurrentSchemaVersion = 1

// Document represents a chunk's text content to be indexed in BM25. Title is
// indexed as a separate, more heavily weighted field than Content.
type Document struct {
	ID      string // Embedding-record id ("{note_id}#chunk#{index}")
	NoteID  string
	Title   string
	Content string
}

// BM25Result represents a single BM25 search result.
type BM25Result struct {
	DocID        string
	NoteID       string
	Title        string
	Content      string
	Score        float64
	MatchedTerms []string
}

// IndexStats provides statistics about the BM25 index.
type IndexStats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

// BM25Index provides keyword search using the BM25 algorithm, scoped to a
// single owner's documents.
type BM25Index interface {
	// Index adds documents to the index.
	Index(ctx context.Context, docs []*Document) error

	// Search returns documents matching query, scored by BM25.
	Search(ctx context.Context, query string, limit int) ([]*BM25Result, error)

	// Delete removes documents from the index.
	Delete(ctx context.Context, docIDs []string) error

	// AllIDs returns all document IDs in the index (for consistency checks).
	AllIDs() ([]string, error)

	// Stats returns index statistics.
	Stats() *IndexStats

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// BM25Config configures the BM25 index.
type BM25Config struct {
	// K1 is the term frequency saturation parameter (default: 1.2).
	K1 float64

	// B is the length normalization parameter (default: 0.75).
	B float64

	// StopWords is a list of words to filter out during tokenization.
	StopWords []string

	// MinTokenLength is minimum token length to index (default: 2).
	MinTokenLength int

	// TitleWeight scales the contribution of the denormalized note title
	// relative to body content (default: 3).
	TitleWeight float64
}

// DefaultBM25Config returns default BM25 configuration calibrated for
// natural-language notes rather than source code.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:             1.2,
		B:              0.75,
		StopWords:      DefaultNoteStopWords,
		MinTokenLength: 2,
		TitleWeight:    3,
	}
}

// DefaultNoteStopWords contains common English stop words to filter out of
// note bodies during tokenization.
var DefaultNoteStopWords = []string{
	"the", "a", "an", "and", "or", "but", "is", "are", "was", "were",
	"this", "that", "these", "those", "to", "of", "in", "on", "at", "for",
	"with", "as", "it", "its", "be", "by", "from",
}

// VectorResult represents a single vector search result.
type VectorResult struct {
	ID       string  // Embedding-record id
	Distance float32 // Lower is more similar (0-2 for cosine)
	Score    float32 // Normalized cosine similarity (0-1)
}

// VectorStoreConfig configures the embedded vector store backend.
type VectorStoreConfig struct {
	// Dimensions is the vector dimension.
	Dimensions int

	// Quantization is the vector precision: "f32", "f16", "i8" (default: "f16").
	Quantization string

	// Metric is the distance metric: "cos" (cosine), "l2" (euclidean) (default: "cos").
	Metric string

	// M is HNSW max connections per layer (default: 32).
	M int

	// EfConstruction is HNSW build-time search width (default: 128).
	EfConstruction int

	// EfSearch is HNSW query-time search width (default: 64).
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible defaults for the vector store.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions:     dimensions,
		Quantization:   "f16",
		Metric:         "cos",
		M:              32,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

// VectorStoreFilter narrows a knn query beyond owner id.
type VectorStoreFilter struct {
	// Dimensions restricts results to records stamped with this dimension,
	// so a query vector is never compared against incompatible vectors.
	Dimensions int
}

// VectorStore provides owner-scoped semantic search and the note-watermark
// bookkeeping the indexer needs for incremental runs. Two concrete backends
// exist: an embedded in-process HNSW graph and a remote pgvector store. Both
// satisfy this same contract; a composite variant fans writes to both and
// reads from a configurable primary.
type VectorStore interface {
	// UpsertBatch inserts or replaces embedding records.
	UpsertBatch(ctx context.Context, records []*EmbeddingRecord) error

	// DeleteByNote removes every embedding record belonging to noteID.
	DeleteByNote(ctx context.Context, ownerID, noteID string) error

	// KNN returns the k nearest neighbors to query, filtered by owner id and
	// score, and restricted to filter.Dimensions when set.
	KNN(ctx context.Context, ownerID string, query []float32, k int, minCosine float32, filter VectorStoreFilter) ([]*VectorResult, error)

	// IndexedNoteIDs returns every note id with at least one embedding record
	// for this owner.
	IndexedNoteIDs(ctx context.Context, ownerID string) ([]string, error)

	// NoteUpdatedAt returns the note-updated-at watermark recorded on the
	// note's embedding records, or the zero time if the note isn't indexed.
	NoteUpdatedAt(ctx context.Context, noteID string) (time.Time, error)

	// Stats reports index statistics scoped to ownerID.
	Stats(ctx context.Context, ownerID string) (*VectorStoreStats, error)

	// Persistence (embedded backend only; remote backends are no-ops)
	Save(path string) error
	Load(path string) error
	Close() error
}

// VectorStoreStats summarizes an owner's vector index.
type VectorStoreStats struct {
	RecordCount int
	NoteCount   int
	Orphans     int // graph nodes left by lazy deletes and replaced records (HNSW); always 0 for pgvector
}

// ErrDimensionMismatch indicates vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (run reindex to rebuild)", e.Expected, e.Got)
}
