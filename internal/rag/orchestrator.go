package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ananyateklu/ragcore/internal/config"
	ragerrors "github.com/ananyateklu/ragcore/internal/errors"
	"github.com/ananyateklu/ragcore/internal/index"
	"github.com/ananyateklu/ragcore/internal/store"
)

const hydeBoost = 1.1

// emptyContextTemplate and populatedContextTemplate are the two fixed
// prompts enhance_prompt chooses between. Both instruct the model to cite
// sources as "[Note Title]", refuse to fabricate when context is missing,
// and respect dates found in metadata lines.
const emptyContextTemplate = `You are answering a question with no supporting notes found in the user's knowledge base.

Question: %s

No relevant context was retrieved. Answer only from general knowledge, and say plainly that nothing relevant was found in the user's notes. Do not fabricate a citation — only cite a note as "[Note Title]" if it was actually provided as context. Do not invent dates; only state dates that appear in the provided metadata.`

const populatedContextTemplate = `You are answering a question using the following notes as context. Cite sources inline as "[Note Title]" whenever you use information from a note. If the context doesn't contain the answer, say so rather than fabricating one. Only state dates that appear in the metadata lines below — never invent one.

Context:
%s

Question: %s`

// QueryMetrics is the row C11 (the analytics sink) persists for one
// retrieval call.
type QueryMetrics struct {
	OwnerID        string
	Query          string
	EmbeddingMs    int64
	VectorMs       int64
	LexicalMs      int64
	RerankMs       int64
	TotalMs        int64
	ResultCount    int
	TopFusedScore  float64
	TopRerankScore float64
	Errors         []string
}

// AnalyticsSink is the C11 port: log(metrics) -> log_id.
type AnalyticsSink interface {
	Log(ctx context.Context, metrics QueryMetrics) (string, error)
}

// Options overrides the orchestrator's configured defaults for one call.
// Unset (nil) fields fall through to config.RAGConfig.
type Options struct {
	TopK                *int
	MinCosine           *float32
	VectorStoreProvider string
	EnableHyDE          *bool
	EnableMultiQuery    *bool
	MultiQueryCount     *int
	EnableHybrid        *bool
	EnableReranking     *bool
	MinRerankScore      *float64
	MaxContextLength    *int
	EnableAnalytics     *bool
}

type resolvedOptions struct {
	topK                  int
	minCosine             float32
	vectorStoreProvider   string
	enableHyDE            bool
	enableMultiQuery      bool
	multiQueryCount       int
	enableHybrid          bool
	enableReranking       bool
	minRerankScore        float64
	maxContextLength      int
	enableAnalytics       bool
	initialRetrievalCount int
	vectorWeight          float64
	bm25Weight            float64
	rrfConstant           int
}

// readPrimarySwitcher is implemented by store.CompositeVectorStore; the
// orchestrator type-asserts for it to honor a per-call backend override.
type readPrimarySwitcher interface {
	SetReadPrimary(name string) error
}

// Result is what Retrieve returns: the surviving candidates, the assembled
// prompt context, the total token spend across expansion, and the
// analytics log id when analytics is enabled.
type Result struct {
	Results          []*Candidate
	FormattedContext string
	TotalTokens      int
	RAGLogID         string
}

// Orchestrator implements the retrieve(query, owner_id, options) pipeline:
// expand, hybrid-search per variation, rerank, assemble, log.
type Orchestrator struct {
	config    *config.RAGConfig
	expander  *Expander
	hybrid    *HybridSearcher
	reranker  *Reranker
	metadata  store.MetadataStore
	vector    store.VectorStore
	notes     index.NoteSource
	analytics AnalyticsSink
	logger    *slog.Logger
}

// SetLogger attaches a logger for rag_retrieve_complete events. A nil or
// never-set logger falls back to slog.Default().
func (o *Orchestrator) SetLogger(logger *slog.Logger) {
	o.logger = logger
}

func (o *Orchestrator) log() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return slog.Default()
}

// NewOrchestrator builds an Orchestrator. analytics may be nil, in which
// case analytics logging is always skipped regardless of configuration.
func NewOrchestrator(
	cfg *config.RAGConfig,
	expander *Expander,
	hybrid *HybridSearcher,
	reranker *Reranker,
	metadata store.MetadataStore,
	vector store.VectorStore,
	notes index.NoteSource,
	analytics AnalyticsSink,
) *Orchestrator {
	return &Orchestrator{
		config:    cfg,
		expander:  expander,
		hybrid:    hybrid,
		reranker:  reranker,
		metadata:  metadata,
		vector:    vector,
		notes:     notes,
		analytics: analytics,
	}
}

// Retrieve runs the full pipeline for one query.
func (o *Orchestrator) Retrieve(ctx context.Context, ownerID, query string, opts Options) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ragerrors.New(ragerrors.ErrCodeQueryEmpty, "query must not be empty", nil)
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidOwner, "owner_id must not be empty", nil)
	}
	if opts.TopK != nil && *opts.TopK < 0 {
		return nil, ragerrors.InputError("top_k must not be negative", nil)
	}
	if ctx.Err() != nil {
		return nil, ragerrors.CancelledError("retrieve cancelled before start")
	}

	start := time.Now()
	resolved := o.resolve(opts)
	metrics := QueryMetrics{OwnerID: ownerID, Query: query}

	if resolved.vectorStoreProvider != "" {
		if switcher, ok := o.vector.(readPrimarySwitcher); ok {
			if err := switcher.SetReadPrimary(resolved.vectorStoreProvider); err != nil {
				metrics.Errors = append(metrics.Errors, fmt.Sprintf("vector_store_provider override: %s", err))
			}
		}
	}

	embedStart := time.Now()
	expansion, err := o.expander.Expand(ctx, query, ExpandOptions{
		EnableHyDE:       resolved.enableHyDE,
		EnableMultiQuery: resolved.enableMultiQuery,
		MultiQueryCount:  resolved.multiQueryCount,
	})
	metrics.EmbeddingMs = time.Since(embedStart).Milliseconds()
	if err != nil {
		return nil, err
	}

	hybridOpts := HybridOptions{
		Enabled:               resolved.enableHybrid,
		K:                     resolved.topK,
		MinCosine:             resolved.minCosine,
		InitialRetrievalCount: resolved.initialRetrievalCount,
		VectorWeight:          resolved.vectorWeight,
		BM25Weight:            resolved.bm25Weight,
		RRFConstant:           resolved.rrfConstant,
	}

	sets := make([][]*FusedResult, 0, 2+len(expansion.VariationVectors))
	boosts := make([]float64, 0, 2+len(expansion.VariationVectors))

	vectors := [][]float32{expansion.OriginalVector}
	varBoosts := []float64{1.0}
	if expansion.HydeVector != nil {
		vectors = append(vectors, expansion.HydeVector)
		varBoosts = append(varBoosts, hydeBoost)
	}
	for _, v := range expansion.VariationVectors {
		vectors = append(vectors, v)
		varBoosts = append(varBoosts, 1.0)
	}

	for i, v := range vectors {
		outcome, err := o.hybrid.Search(ctx, ownerID, query, v, hybridOpts)
		if err != nil {
			storeErr := ragerrors.StoreError("hybrid search", err)
			metrics.Errors = append(metrics.Errors, storeErr.Error())
			continue
		}
		metrics.VectorMs += outcome.VectorMs.Milliseconds()
		metrics.LexicalMs += outcome.LexicalMs.Milliseconds()
		sets = append(sets, outcome.Results)
		boosts = append(boosts, varBoosts[i])
	}

	kPrime := hybridOpts.K * 3
	if hybridOpts.InitialRetrievalCount > kPrime {
		kPrime = hybridOpts.InitialRetrievalCount
	}
	merged := mergeBoosted(sets, boosts)
	if len(merged) > kPrime {
		merged = merged[:kPrime]
	}

	result := &Result{TotalTokens: expansion.TotalTokens}

	if len(merged) == 0 {
		o.logAnalytics(ctx, resolved, metrics, start, result)
		o.logRetrieveComplete(ctx, ownerID, metrics, start)
		return result, nil
	}

	candidates, err := o.enrich(ctx, ownerID, merged)
	if err != nil {
		return nil, err
	}

	rerankStart := time.Now()
	reranked := o.reranker.Rerank(ctx, query, candidates, RerankOptions{
		Enabled:        resolved.enableReranking,
		TopK:           resolved.topK,
		MinRerankScore: resolved.minRerankScore,
	})
	metrics.RerankMs = time.Since(rerankStart).Milliseconds()

	result.Results = reranked
	result.FormattedContext = assemblePrompt(reranked, resolved.maxContextLength)

	if len(reranked) > 0 {
		metrics.TopFusedScore = reranked[0].FusedScore
		metrics.TopRerankScore = reranked[0].RelevanceScore
	}
	metrics.ResultCount = len(reranked)

	o.logAnalytics(ctx, resolved, metrics, start, result)
	o.logRetrieveComplete(ctx, ownerID, metrics, start)
	return result, nil
}

// logRetrieveComplete emits the rag_retrieve_complete stage-boundary event.
func (o *Orchestrator) logRetrieveComplete(ctx context.Context, ownerID string, metrics QueryMetrics, start time.Time) {
	o.log().LogAttrs(ctx, slog.LevelInfo, "rag_retrieve_complete",
		slog.String("owner_id", ownerID),
		slog.Int("query_len", len(metrics.Query)),
		slog.Int("result_count", metrics.ResultCount),
		slog.Int64("embedding_ms", metrics.EmbeddingMs),
		slog.Int64("vector_ms", metrics.VectorMs),
		slog.Int64("lexical_ms", metrics.LexicalMs),
		slog.Int64("rerank_ms", metrics.RerankMs),
		slog.Int64("total_ms", time.Since(start).Milliseconds()),
		slog.Float64("top_fused_score", metrics.TopFusedScore),
		slog.Float64("top_rerank_score", metrics.TopRerankScore),
		slog.Int("error_count", len(metrics.Errors)),
	)
}

func (o *Orchestrator) logAnalytics(ctx context.Context, resolved resolvedOptions, metrics QueryMetrics, start time.Time, result *Result) {
	if !resolved.enableAnalytics || o.analytics == nil {
		return
	}
	metrics.TotalMs = time.Since(start).Milliseconds()
	logID, err := o.analytics.Log(ctx, metrics)
	if err != nil {
		return
	}
	result.RAGLogID = logID
}

// enrich fetches chunk content and note metadata for every fused candidate,
// grouping metadata lookups by note so a result set spanning many chunks of
// the same note only costs one GetChunksByNote/ListNotes round trip each.
func (o *Orchestrator) enrich(ctx context.Context, ownerID string, fused []*FusedResult) ([]*Candidate, error) {
	noteIDs := make(map[string]bool, len(fused))
	for _, f := range fused {
		noteIDs[f.NoteID] = true
	}

	chunksByNote := make(map[string][]*store.Chunk, len(noteIDs))
	for noteID := range noteIDs {
		chunks, err := o.metadata.GetChunksByNote(ctx, noteID)
		if err != nil {
			return nil, ragerrors.StoreError(fmt.Sprintf("get chunks for note %s", noteID), err)
		}
		chunksByNote[noteID] = chunks
	}

	allNotes, err := o.notes.ListNotes(ctx, ownerID)
	if err != nil {
		return nil, ragerrors.StoreError("list notes", err)
	}
	notes := make(map[string]*store.Note, len(noteIDs))
	for _, n := range allNotes {
		if noteIDs[n.ID] {
			notes[n.ID] = n
		}
	}

	return enrichCandidates(fused, chunksByNote, notes), nil
}

func (o *Orchestrator) resolve(opts Options) resolvedOptions {
	cfg := o.config

	r := resolvedOptions{
		topK:                  cfg.Retrieval.TopK,
		minCosine:             float32(cfg.Retrieval.SimilarityThreshold),
		initialRetrievalCount: cfg.Retrieval.InitialRetrievalCount,
		maxContextLength:      cfg.Retrieval.MaxContextLength,
		enableHyDE:            cfg.Expansion.EnableHyDE,
		enableMultiQuery:      cfg.Expansion.EnableQueryExpand,
		multiQueryCount:       cfg.Expansion.MultiQueryCount,
		enableHybrid:          cfg.Hybrid.Enabled,
		vectorWeight:          cfg.Hybrid.VectorWeight,
		bm25Weight:            cfg.Hybrid.BM25Weight,
		rrfConstant:           cfg.Hybrid.RRFConstant,
		enableReranking:       cfg.Reranking.Enabled,
		minRerankScore:        cfg.Reranking.MinRerankScore,
		enableAnalytics:       cfg.Analytics.Enabled,
	}

	if opts.TopK != nil {
		r.topK = *opts.TopK
	}
	if opts.MinCosine != nil {
		r.minCosine = *opts.MinCosine
	}
	if opts.VectorStoreProvider != "" {
		r.vectorStoreProvider = opts.VectorStoreProvider
	}
	if opts.EnableHyDE != nil {
		r.enableHyDE = *opts.EnableHyDE
	}
	if opts.EnableMultiQuery != nil {
		r.enableMultiQuery = *opts.EnableMultiQuery
	}
	if opts.MultiQueryCount != nil {
		r.multiQueryCount = *opts.MultiQueryCount
	}
	if opts.EnableHybrid != nil {
		r.enableHybrid = *opts.EnableHybrid
	}
	if opts.EnableReranking != nil {
		r.enableReranking = *opts.EnableReranking
	}
	if opts.MinRerankScore != nil {
		r.minRerankScore = *opts.MinRerankScore
	}
	if opts.MaxContextLength != nil {
		r.maxContextLength = *opts.MaxContextLength
	}
	if opts.EnableAnalytics != nil {
		r.enableAnalytics = *opts.EnableAnalytics
	}

	return r
}

// assemblePrompt groups candidates by note, keeping the chunks of each note
// in ascending chunk-index order, and stops adding notes once maxChars would
// be exceeded.
func assemblePrompt(candidates []*Candidate, maxChars int) string {
	if len(candidates) == 0 {
		return ""
	}

	type noteGroup struct {
		noteID  string
		title   string
		tags    []string
		summary string
		best    *Candidate
		chunks  []*Candidate
	}

	groups := make(map[string]*noteGroup)
	order := make([]string, 0)
	for _, c := range candidates {
		g, ok := groups[c.NoteID]
		if !ok {
			g = &noteGroup{noteID: c.NoteID, title: c.NoteTitle, tags: c.NoteTags, summary: c.NoteSummary}
			groups[c.NoteID] = g
			order = append(order, c.NoteID)
		}
		g.chunks = append(g.chunks, c)
		if g.best == nil || rankScore(c) > rankScore(g.best) {
			g.best = c
		}
	}

	var b strings.Builder
	var total int
	for _, noteID := range order {
		g := groups[noteID]
		sort.Slice(g.chunks, func(i, j int) bool { return g.chunks[i].ChunkIndex < g.chunks[j].ChunkIndex })

		var body strings.Builder
		for i, c := range g.chunks {
			if i > 0 {
				body.WriteString("\n\n")
			}
			body.WriteString(c.Content)
		}
		content := body.String()
		if content == "" {
			content = "(No content available for this note)"
		} else if maxChars > 0 {
			content = truncateContent(content, maxChars)
		}

		var block strings.Builder
		fmt.Fprintf(&block, "## %s\n", g.title)
		if len(g.tags) > 0 {
			fmt.Fprintf(&block, "Tags: %s\n", strings.Join(g.tags, ", "))
		}
		if g.summary != "" {
			fmt.Fprintf(&block, "Summary: %s\n", g.summary)
		}
		if g.best.Reranked {
			fmt.Fprintf(&block, "Relevance: %.0f/10, Semantic: %.2f\n", g.best.RelevanceScore, g.best.VectorScore)
		} else {
			fmt.Fprintf(&block, "Relevance Score: %.2f\n", g.best.FinalScore)
		}
		if len(g.chunks) > 1 {
			fmt.Fprintf(&block, "(%d chunks from this note)\n", len(g.chunks))
		}
		block.WriteString("\n")
		block.WriteString(content)

		blockStr := block.String()
		if maxChars > 0 && total+len(blockStr) > maxChars {
			break
		}
		if total > 0 {
			b.WriteString("\n\n---\n\n")
		}
		b.WriteString(blockStr)
		total += len(blockStr)
	}

	return b.String()
}

func rankScore(c *Candidate) float64 {
	if c.Reranked {
		return c.RelevanceScore
	}
	return c.FusedScore
}

// EnhancePrompt wraps userPrompt in one of two fixed templates depending on
// whether any context was retrieved.
func EnhancePrompt(userPrompt, context string) string {
	if strings.TrimSpace(context) == "" {
		return fmt.Sprintf(emptyContextTemplate, userPrompt)
	}
	return fmt.Sprintf(populatedContextTemplate, context, userPrompt)
}
