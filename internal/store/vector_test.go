package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRecord(id, ownerID, noteID string, chunkIdx int, vector []float32) *EmbeddingRecord {
	return &EmbeddingRecord{
		ID:            id,
		NoteID:        noteID,
		OwnerID:       ownerID,
		ChunkIdx:      chunkIdx,
		Content:       "content for " + id,
		Vector:        vector,
		Dimension:     len(vector),
		Provider:      "ollama",
		Model:         "test-model",
		CreatedAt:     time.Now(),
		NoteUpdatedAt: time.Now(),
		NoteTitle:     "Title for " + noteID,
	}
}

func TestHNSWStore_UpsertAndKNN(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	records := []*EmbeddingRecord{
		makeRecord("n1#chunk#0", "owner-1", "n1", 0, []float32{1, 0, 0, 0}),
		makeRecord("n2#chunk#0", "owner-1", "n2", 0, []float32{0, 1, 0, 0}),
		makeRecord("n3#chunk#0", "owner-1", "n3", 0, []float32{0.9, 0.1, 0, 0}),
	}
	require.NoError(t, s.UpsertBatch(context.Background(), records))

	results, err := s.KNN(context.Background(), "owner-1", []float32{1, 0, 0, 0}, 2, 0, VectorStoreFilter{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "n1#chunk#0", results[0].ID)
	assert.Equal(t, "n3#chunk#0", results[1].ID)
	assert.Greater(t, results[0].Score, float32(0.99))
}

func TestHNSWStore_KNN_FiltersByOwner(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	records := []*EmbeddingRecord{
		makeRecord("a#chunk#0", "owner-a", "a", 0, []float32{1, 0, 0, 0}),
		makeRecord("b#chunk#0", "owner-b", "b", 0, []float32{1, 0, 0, 0}),
	}
	require.NoError(t, s.UpsertBatch(context.Background(), records))

	results, err := s.KNN(context.Background(), "owner-a", []float32{1, 0, 0, 0}, 10, 0, VectorStoreFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a#chunk#0", results[0].ID)
}

func TestHNSWStore_KNN_MinCosineExcludesWeakMatches(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	records := []*EmbeddingRecord{
		makeRecord("a#chunk#0", "owner-1", "a", 0, []float32{1, 0, 0, 0}),
		makeRecord("b#chunk#0", "owner-1", "b", 0, []float32{0, 0, 1, 0}), // orthogonal, score ~0.5
	}
	require.NoError(t, s.UpsertBatch(context.Background(), records))

	results, err := s.KNN(context.Background(), "owner-1", []float32{1, 0, 0, 0}, 10, 0.9, VectorStoreFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a#chunk#0", results[0].ID)
}

func TestHNSWStore_KNN_FiltersByDimension(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	rec := makeRecord("a#chunk#0", "owner-1", "a", 0, []float32{1, 0, 0, 0})
	rec.Dimension = 768
	require.NoError(t, s.UpsertBatch(context.Background(), []*EmbeddingRecord{rec}))

	results, err := s.KNN(context.Background(), "owner-1", []float32{1, 0, 0, 0}, 10, 0, VectorStoreFilter{Dimensions: 384})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = s.KNN(context.Background(), "owner-1", []float32{1, 0, 0, 0}, 10, 0, VectorStoreFilter{Dimensions: 768})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestHNSWStore_DeleteByNote(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	records := []*EmbeddingRecord{
		makeRecord("n1#chunk#0", "owner-1", "n1", 0, []float32{1, 0, 0, 0}),
		makeRecord("n1#chunk#1", "owner-1", "n1", 1, []float32{0, 1, 0, 0}),
		makeRecord("n2#chunk#0", "owner-1", "n2", 0, []float32{0, 0, 1, 0}),
	}
	require.NoError(t, s.UpsertBatch(context.Background(), records))

	require.NoError(t, s.DeleteByNote(context.Background(), "owner-1", "n1"))

	noteIDs, err := s.IndexedNoteIDs(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, noteIDs)

	stats, err := s.Stats(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordCount)
	assert.Equal(t, 2, stats.Orphans) // the two deleted n1 chunks remain as graph orphans
}

func TestHNSWStore_Upsert_ReplacesExistingRecord(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.UpsertBatch(context.Background(), []*EmbeddingRecord{
		makeRecord("a#chunk#0", "owner-1", "a", 0, []float32{1, 0, 0, 0}),
	}))
	require.NoError(t, s.UpsertBatch(context.Background(), []*EmbeddingRecord{
		makeRecord("a#chunk#0", "owner-1", "a", 0, []float32{0, 1, 0, 0}),
	}))

	stats, err := s.Stats(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordCount)

	results, err := s.KNN(context.Background(), "owner-1", []float32{0, 1, 0, 0}, 1, 0, VectorStoreFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Greater(t, results[0].Score, float32(0.99))
}

func TestHNSWStore_IndexedNoteIDs_AndNoteUpdatedAt(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	watermark := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := makeRecord("n1#chunk#0", "owner-1", "n1", 0, []float32{1, 0, 0, 0})
	rec.NoteUpdatedAt = watermark
	require.NoError(t, s.UpsertBatch(context.Background(), []*EmbeddingRecord{rec}))

	got, err := s.NoteUpdatedAt(context.Background(), "n1")
	require.NoError(t, err)
	assert.True(t, watermark.Equal(got))

	missing, err := s.NoteUpdatedAt(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.True(t, missing.IsZero())
}

func TestHNSWStore_UpsertBatch_DimensionMismatch(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	rec := makeRecord("a#chunk#0", "owner-1", "a", 0, []float32{1, 0, 0})
	err = s.UpsertBatch(context.Background(), []*EmbeddingRecord{rec})
	require.Error(t, err)
	var dimErr ErrDimensionMismatch
	assert.ErrorAs(t, err, &dimErr)
}

func TestHNSWStore_KNN_DimensionMismatch(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.KNN(context.Background(), "owner-1", []float32{1, 0}, 10, 0, VectorStoreFilter{})
	require.Error(t, err)
}

func TestHNSWStore_UpsertBatch_Empty(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.NoError(t, s.UpsertBatch(context.Background(), nil))
}

func TestHNSWStore_KNN_EmptyStoreReturnsEmpty(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	results, err := s.KNN(context.Background(), "owner-1", []float32{1, 0, 0, 0}, 10, 0, VectorStoreFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHNSWStore_CloseIdempotent(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestHNSWStore_OperationsAfterClose(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.UpsertBatch(context.Background(), []*EmbeddingRecord{makeRecord("a#chunk#0", "o", "a", 0, []float32{1, 0, 0, 0})})
	assert.Error(t, err)

	_, err = s.KNN(context.Background(), "o", []float32{1, 0, 0, 0}, 1, 0, VectorStoreFilter{})
	assert.Error(t, err)

	_, err = s.Stats(context.Background(), "o")
	assert.Error(t, err)
}

func TestHNSWStore_Persistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")

	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)

	records := []*EmbeddingRecord{
		makeRecord("a#chunk#0", "owner-1", "a", 0, []float32{1, 0, 0, 0}),
		makeRecord("b#chunk#0", "owner-1", "b", 0, []float32{0, 1, 0, 0}),
	}
	require.NoError(t, s.UpsertBatch(context.Background(), records))
	require.NoError(t, s.Save(path))
	require.NoError(t, s.Close())

	reloaded, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = reloaded.Close() }()
	require.NoError(t, reloaded.Load(path))

	stats, err := reloaded.Stats(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RecordCount)

	results, err := reloaded.KNN(context.Background(), "owner-1", []float32{1, 0, 0, 0}, 1, 0, VectorStoreFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a#chunk#0", results[0].ID)
}

func TestHNSWStore_CompactEligible(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.False(t, s.CompactEligible(0.2, 2))

	records := make([]*EmbeddingRecord, 0, 10)
	for i := 0; i < 10; i++ {
		id := "n" + string(rune('a'+i)) + "#chunk#0"
		records = append(records, makeRecord(id, "owner-1", "n"+string(rune('a'+i)), 0, []float32{1, 0, 0, 0}))
	}
	require.NoError(t, s.UpsertBatch(context.Background(), records))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.DeleteByNote(context.Background(), "owner-1", "n"+string(rune('a'+i))))
	}

	assert.True(t, s.CompactEligible(0.2, 2))
	assert.False(t, s.CompactEligible(0.2, 100))
}

func TestHNSWStore_Compact_RemovesOrphansKeepsLive(t *testing.T) {
	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	records := []*EmbeddingRecord{
		makeRecord("a#chunk#0", "owner-1", "a", 0, []float32{1, 0, 0, 0}),
		makeRecord("b#chunk#0", "owner-1", "b", 0, []float32{0, 1, 0, 0}),
	}
	require.NoError(t, s.UpsertBatch(context.Background(), records))
	require.NoError(t, s.DeleteByNote(context.Background(), "owner-1", "a"))

	statsBefore, err := s.Stats(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, statsBefore.Orphans)

	require.NoError(t, s.Compact(context.Background()))

	statsAfter, err := s.Stats(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 0, statsAfter.Orphans)
	assert.Equal(t, 1, statsAfter.RecordCount)

	results, err := s.KNN(context.Background(), "owner-1", []float32{0, 1, 0, 0}, 1, 0, VectorStoreFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b#chunk#0", results[0].ID)
}

func TestNormalizeVectorInPlace_NormalVector(t *testing.T) {
	v := []float32{3, 4, 0, 0}
	normalizeVectorInPlace(v)
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	assert.InDelta(t, 1.0, sumSquares, 0.0001)
}

func TestNormalizeVectorInPlace_ZeroVector(t *testing.T) {
	v := []float32{0, 0, 0, 0}
	normalizeVectorInPlace(v)
	assert.Equal(t, []float32{0, 0, 0, 0}, v)
}

func TestDistanceToScore_Cosine(t *testing.T) {
	assert.InDelta(t, 1.0, distanceToScore(0, "cos"), 0.0001)
	assert.InDelta(t, 0.0, distanceToScore(2, "cos"), 0.0001)
}

func TestDistanceToScore_L2(t *testing.T) {
	assert.InDelta(t, 1.0, distanceToScore(0, "l2"), 0.0001)
	assert.Less(t, distanceToScore(10, "l2"), distanceToScore(1, "l2"))
}

func TestReadHNSWStoreDimensions_NonexistentFile(t *testing.T) {
	dims, err := ReadHNSWStoreDimensions(filepath.Join(t.TempDir(), "missing.hnsw"))
	require.NoError(t, err)
	assert.Equal(t, 0, dims)
}

func TestReadHNSWStoreDimensions_AfterSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")

	cfg := DefaultVectorStoreConfig(6)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	require.NoError(t, s.UpsertBatch(context.Background(), []*EmbeddingRecord{
		makeRecord("a#chunk#0", "owner-1", "a", 0, []float32{1, 0, 0, 0, 0, 0}),
	}))
	require.NoError(t, s.Save(path))
	require.NoError(t, s.Close())

	dims, err := ReadHNSWStoreDimensions(path)
	require.NoError(t, err)
	assert.Equal(t, 6, dims)
}

func TestHNSWStore_Save_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "subdir")
	path := filepath.Join(dir, "vectors.hnsw")

	cfg := DefaultVectorStoreConfig(4)
	s, err := NewHNSWStore(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Save(path))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
