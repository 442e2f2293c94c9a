package rag

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ananyateklu/ragcore/internal/complete"
	"github.com/ananyateklu/ragcore/internal/config"
	"github.com/ananyateklu/ragcore/internal/embed"
	ragerrors "github.com/ananyateklu/ragcore/internal/errors"
	"github.com/ananyateklu/ragcore/internal/store"
)

type fakeNoteSource struct {
	notes map[string][]*store.Note
}

func (f *fakeNoteSource) ListNotes(_ context.Context, ownerID string) ([]*store.Note, error) {
	return f.notes[ownerID], nil
}

type fakeAnalyticsSink struct {
	logged []QueryMetrics
	logID  string
}

func (f *fakeAnalyticsSink) Log(_ context.Context, metrics QueryMetrics) (string, error) {
	f.logged = append(f.logged, metrics)
	return f.logID, nil
}

func baseRAGConfig() *config.RAGConfig {
	return &config.RAGConfig{
		Retrieval: config.RetrievalConfig{
			TopK:                  2,
			SimilarityThreshold:   0,
			InitialRetrievalCount: 0,
			MaxContextLength:      0,
		},
		Hybrid: config.HybridConfig{
			Enabled:      true,
			VectorWeight: 0.5,
			BM25Weight:   0.5,
			RRFConstant:  60,
		},
		Expansion: config.ExpansionConfig{},
		Reranking: config.RerankingConfig{Enabled: false},
		Analytics: config.AnalyticsConfig{Enabled: true},
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.RAGConfig, completer complete.Completer, analytics AnalyticsSink) (*Orchestrator, *embed.StaticEmbedder) {
	t.Helper()

	meta, err := store.NewSQLiteMetadataStore(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	vec, err := store.NewHNSWStore(store.VectorStoreConfig{Dimensions: embed.StaticDimensions, Metric: "cos"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vec.Close() })

	bm25, err := store.NewBleveBM25Index("", store.DefaultBM25Config())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm25.Close() })

	embedder := embed.NewStaticEmbedder()
	ctx := context.Background()

	notes := []*store.Note{
		{
			ID: "note-1", OwnerID: "owner-1", Title: "Espresso Basics", Tags: []string{"coffee"},
			Summary: "how grind size and temperature affect extraction",
			Body:    "Espresso extraction depends on grind size and water temperature.",
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		},
		{
			ID: "note-2", OwnerID: "owner-1", Title: "Sourdough Feeding", Tags: []string{"baking"},
			Summary: "feeding schedule for a sourdough starter",
			Body:    "Sourdough starters need regular feeding with flour and water.",
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		},
	}

	for _, n := range notes {
		require.NoError(t, meta.SaveNote(ctx, n))

		chunks := []*store.Chunk{{NoteID: n.ID, Index: 0, Content: n.Body}}
		require.NoError(t, meta.SaveChunks(ctx, n.ID, chunks))

		vector, embedErr := embedder.Embed(ctx, n.Body)
		require.NoError(t, embedErr)
		chunkID := chunks[0].ID()
		require.NoError(t, vec.UpsertBatch(ctx, []*store.EmbeddingRecord{{
			ID: chunkID, NoteID: n.ID, OwnerID: n.OwnerID, ChunkIdx: 0,
			Content: n.Body, Vector: vector, Dimension: len(vector),
		}}))
		require.NoError(t, bm25.Index(ctx, []*store.Document{{
			ID: chunkID, NoteID: n.ID, Title: n.Title, Content: n.Body,
		}}))
	}

	notesByOwner := map[string][]*store.Note{"owner-1": notes}
	notesSource := &fakeNoteSource{notes: notesByOwner}

	expander := NewExpander(embedder, completer, complete.Options{})
	hybrid := NewHybridSearcher(vec, bm25)
	reranker := NewReranker(completer, complete.Options{})

	return NewOrchestrator(cfg, expander, hybrid, reranker, meta, vec, notesSource, analytics), embedder
}

func TestOrchestrator_Retrieve_ReturnsEnrichedResultsAndLogsAnalytics(t *testing.T) {
	analytics := &fakeAnalyticsSink{logID: "log-1"}
	orch, _ := newTestOrchestrator(t, baseRAGConfig(), nil, analytics)

	result, err := orch.Retrieve(context.Background(), "owner-1", "espresso grind size and water temperature", Options{})
	require.NoError(t, err)

	require.NotEmpty(t, result.Results)
	assert.Equal(t, "note-1", result.Results[0].NoteID)
	assert.Contains(t, result.FormattedContext, "Espresso Basics")
	assert.Equal(t, "log-1", result.RAGLogID)
	require.Len(t, analytics.logged, 1)
	assert.Equal(t, "owner-1", analytics.logged[0].OwnerID)
	assert.NotZero(t, analytics.logged[0].ResultCount)
}

func TestOrchestrator_Retrieve_SkipsAnalyticsWhenDisabledByOption(t *testing.T) {
	analytics := &fakeAnalyticsSink{logID: "log-1"}
	orch, _ := newTestOrchestrator(t, baseRAGConfig(), nil, analytics)

	disabled := false
	result, err := orch.Retrieve(context.Background(), "owner-1", "sourdough starter feeding", Options{EnableAnalytics: &disabled})
	require.NoError(t, err)

	assert.Empty(t, result.RAGLogID)
	assert.Empty(t, analytics.logged)
}

func TestOrchestrator_Retrieve_RerankingReordersByLLMScore(t *testing.T) {
	cfg := baseRAGConfig()
	cfg.Reranking.Enabled = true
	cfg.Reranking.MinRerankScore = 0

	completer := &fakeCompleter{structuredOK: true, structuredOut: rerankScoreResponse{Score: 9}}
	orch, _ := newTestOrchestrator(t, cfg, completer, &fakeAnalyticsSink{logID: "log-1"})

	result, err := orch.Retrieve(context.Background(), "owner-1", "espresso grind size", Options{})
	require.NoError(t, err)

	require.NotEmpty(t, result.Results)
	for _, c := range result.Results {
		assert.True(t, c.Reranked)
		assert.Equal(t, 9.0, c.RelevanceScore)
	}
}

func TestOrchestrator_Retrieve_TopKOverrideNarrowsResults(t *testing.T) {
	orch, _ := newTestOrchestrator(t, baseRAGConfig(), nil, nil)

	topK := 1
	result, err := orch.Retrieve(context.Background(), "owner-1", "espresso grind size water", Options{TopK: &topK})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(result.Results), 1)
}

func TestOrchestrator_Retrieve_RejectsEmptyQuery(t *testing.T) {
	orch, _ := newTestOrchestrator(t, baseRAGConfig(), nil, nil)

	_, err := orch.Retrieve(context.Background(), "owner-1", "   ", Options{})
	require.Error(t, err)
	assert.Equal(t, ragerrors.ErrCodeQueryEmpty, ragerrors.GetCode(err))
}

func TestOrchestrator_Retrieve_RejectsBlankOwnerID(t *testing.T) {
	orch, _ := newTestOrchestrator(t, baseRAGConfig(), nil, nil)

	_, err := orch.Retrieve(context.Background(), "  ", "espresso grind size", Options{})
	require.Error(t, err)
	assert.Equal(t, ragerrors.ErrCodeInvalidOwner, ragerrors.GetCode(err))
}

func TestOrchestrator_Retrieve_RejectsNegativeTopK(t *testing.T) {
	orch, _ := newTestOrchestrator(t, baseRAGConfig(), nil, nil)

	topK := -1
	_, err := orch.Retrieve(context.Background(), "owner-1", "espresso grind size", Options{TopK: &topK})
	require.Error(t, err)
	assert.Equal(t, ragerrors.ErrCodeInvalidInput, ragerrors.GetCode(err))
}

func TestEnhancePrompt_EmptyContextUsesNoContextTemplate(t *testing.T) {
	prompt := EnhancePrompt("what's in my notes about tea?", "")
	assert.Contains(t, prompt, "No relevant context was retrieved")
	assert.Contains(t, prompt, "what's in my notes about tea?")
}

func TestEnhancePrompt_PopulatedContextCitesSources(t *testing.T) {
	prompt := EnhancePrompt("how is espresso made?", "## Espresso Basics\n\nGrind size matters.")
	assert.Contains(t, prompt, "Cite sources inline")
	assert.Contains(t, prompt, "## Espresso Basics")
}
