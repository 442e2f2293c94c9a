package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ananyateklu/ragcore/internal/embed"
	"github.com/ananyateklu/ragcore/internal/store"
)

func newTestHybridSearcher(t *testing.T) (*HybridSearcher, *embed.StaticEmbedder) {
	t.Helper()

	vec, err := store.NewHNSWStore(store.VectorStoreConfig{Dimensions: embed.StaticDimensions, Metric: "cos"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vec.Close() })

	bm25, err := store.NewBleveBM25Index("", store.DefaultBM25Config())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm25.Close() })

	embedder := embed.NewStaticEmbedder()
	ctx := context.Background()

	docs := []struct {
		noteID, content string
	}{
		{"note-1", "Espresso extraction depends on grind size and water temperature."},
		{"note-2", "Sourdough starters need regular feeding with flour and water."},
		{"note-3", "Pour-over brewing uses a slow, controlled water pour over grounds."},
	}

	for i, d := range docs {
		vector, embedErr := embedder.Embed(ctx, d.content)
		require.NoError(t, embedErr)
		chunkID := d.noteID + "#chunk#0"
		require.NoError(t, vec.UpsertBatch(ctx, []*store.EmbeddingRecord{{
			ID: chunkID, NoteID: d.noteID, OwnerID: "owner-1", ChunkIdx: 0,
			Content: d.content, Vector: vector, Dimension: len(vector),
		}}))
		require.NoError(t, bm25.Index(ctx, []*store.Document{{
			ID: chunkID, NoteID: d.noteID, Title: d.noteID, Content: d.content,
		}}))
		_ = i
	}

	return NewHybridSearcher(vec, bm25), embedder
}

func TestHybridSearcher_Search_DisabledReturnsVectorOnly(t *testing.T) {
	searcher, embedder := newTestHybridSearcher(t)
	ctx := context.Background()

	qVector, err := embedder.Embed(ctx, "espresso grind size")
	require.NoError(t, err)

	outcome, err := searcher.Search(ctx, "owner-1", "espresso grind size", qVector, HybridOptions{Enabled: false, K: 3})
	require.NoError(t, err)

	require.NotEmpty(t, outcome.Results)
	for _, r := range outcome.Results {
		assert.True(t, r.FoundInVector)
		assert.False(t, r.FoundInBM25)
	}
	assert.Zero(t, outcome.LexicalMs)
}

func TestHybridSearcher_Search_EnabledFusesBothSources(t *testing.T) {
	searcher, embedder := newTestHybridSearcher(t)
	ctx := context.Background()

	qVector, err := embedder.Embed(ctx, "espresso extraction grind water temperature")
	require.NoError(t, err)

	outcome, err := searcher.Search(ctx, "owner-1", "espresso extraction grind water temperature", qVector, HybridOptions{
		Enabled:      true,
		K:            3,
		VectorWeight: 0.5,
		BM25Weight:   0.5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, outcome.Results)

	top := outcome.Results[0]
	assert.Equal(t, "note-1#chunk#0", top.ChunkID)
	assert.True(t, top.FoundInVector)
	assert.True(t, top.FoundInBM25)
	assert.LessOrEqual(t, top.FusedScore, 1.0)

	for i := 1; i < len(outcome.Results); i++ {
		assert.LessOrEqual(t, outcome.Results[i].FusedScore, outcome.Results[i-1].FusedScore)
	}
}

func TestFuse_MissingFromOneListStillScored(t *testing.T) {
	vec := []*store.VectorResult{{ID: "a#chunk#0", Score: 0.9}}
	bm25 := []*store.BM25Result{{DocID: "b#chunk#0", NoteID: "b", Score: 5.0}}

	results := fuse(vec, bm25, HybridOptions{VectorWeight: 1, BM25Weight: 1, RRFConstant: 60})
	require.Len(t, results, 2)

	byID := map[string]*FusedResult{}
	for _, r := range results {
		byID[r.ChunkID] = r
	}

	assert.True(t, byID["a#chunk#0"].FoundInVector)
	assert.False(t, byID["a#chunk#0"].FoundInBM25)
	assert.True(t, byID["b#chunk#0"].FoundInBM25)
	assert.False(t, byID["b#chunk#0"].FoundInVector)

	// Absent from a list means no contribution from that list at all, not a
	// penalized rank past the end of the list.
	assert.InDelta(t, 1.0/61.0, byID["a#chunk#0"].FusedScore, 1e-9)
	assert.InDelta(t, 1.0/61.0, byID["b#chunk#0"].FusedScore, 1e-9)
}

func TestFuse_ScoreMatchesRawRRFFormula(t *testing.T) {
	// Mirrors the worked example: vector rank 3 (cosine 0.42), lexical rank 1
	// (BM25 14.0), vector_weight=bm25_weight=1.0, rrf_constant=60.
	vec := []*store.VectorResult{
		{ID: "x#chunk#0", Score: 0.9},
		{ID: "y#chunk#0", Score: 0.5},
		{ID: "n2#chunk#0", Score: 0.42},
	}
	bm25 := []*store.BM25Result{
		{DocID: "n2#chunk#0", NoteID: "n2", Score: 14.0},
	}

	results := fuse(vec, bm25, HybridOptions{VectorWeight: 1, BM25Weight: 1, RRFConstant: 60})

	var n2 *FusedResult
	for _, r := range results {
		if r.ChunkID == "n2#chunk#0" {
			n2 = r
		}
	}
	require.NotNil(t, n2)
	assert.InDelta(t, 1.0/63.0+1.0/61.0, n2.FusedScore, 1e-9)
	assert.InDelta(t, 0.03226, n2.FusedScore, 1e-4)
}

func TestMergeBoosted_KeepsMaxAcrossSetsAndAppliesBoost(t *testing.T) {
	setA := []*FusedResult{{ChunkID: "x", FusedScore: 0.4}}
	setB := []*FusedResult{{ChunkID: "x", FusedScore: 0.5}}

	merged := mergeBoosted([][]*FusedResult{setA, setB}, []float64{1.0, 1.1})
	require.Len(t, merged, 1)
	assert.InDelta(t, 0.55, merged[0].FusedScore, 1e-9)
}

func TestNoteIDFromChunkID(t *testing.T) {
	assert.Equal(t, "note-1", noteIDFromChunkID("note-1#chunk#3"))
	assert.Equal(t, "bare-id", noteIDFromChunkID("bare-id"))
}
