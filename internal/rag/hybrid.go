package rag

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ananyateklu/ragcore/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing parameter (k=60, the
// value used by Azure AI Search and OpenSearch's hybrid rankers).
const DefaultRRFConstant = 60

// FusedResult is one chunk's combined ranking after hybrid search, before
// any reranking or content enrichment.
type FusedResult struct {
	ChunkID       string
	NoteID        string
	FusedScore    float64
	VectorScore   float64
	BM25Score     float64
	VectorRank    int // 1-based, 0 if absent from the vector list
	BM25Rank      int // 1-based, 0 if absent from the lexical list
	FoundInVector bool
	FoundInBM25   bool
	MatchedTerms  []string
}

// HybridOptions configures one hybrid search call.
type HybridOptions struct {
	Enabled               bool
	K                     int
	MinCosine             float32
	InitialRetrievalCount int
	VectorWeight          float64
	BM25Weight            float64
	RRFConstant           int
}

// HybridSearcher runs vector k-NN and then lexical search, one after the
// other, and combines the two candidate lists with Reciprocal Rank Fusion.
type HybridSearcher struct {
	vector store.VectorStore
	bm25   store.BM25Index
}

// NewHybridSearcher builds a HybridSearcher over the given vector and
// lexical backends.
func NewHybridSearcher(vector store.VectorStore, bm25 store.BM25Index) *HybridSearcher {
	return &HybridSearcher{vector: vector, bm25: bm25}
}

// SearchOutcome carries fused results plus the time spent in each backend,
// so the orchestrator can report vector_ms/lexical_ms without instrumenting
// the backends itself.
type SearchOutcome struct {
	Results   []*FusedResult
	VectorMs  time.Duration
	LexicalMs time.Duration
}

// Search returns fused candidates for one (query text, query vector) pair.
func (h *HybridSearcher) Search(ctx context.Context, ownerID, queryText string, queryVector []float32, opts HybridOptions) (*SearchOutcome, error) {
	if !opts.Enabled {
		start := time.Now()
		vecResults, err := h.vector.KNN(ctx, ownerID, queryVector, opts.K, opts.MinCosine, store.VectorStoreFilter{Dimensions: len(queryVector)})
		elapsed := time.Since(start)
		if err != nil {
			return nil, err
		}
		return &SearchOutcome{Results: rewrapVectorOnly(vecResults), VectorMs: elapsed}, nil
	}

	kPrime := opts.K * 3
	if opts.InitialRetrievalCount > kPrime {
		kPrime = opts.InitialRetrievalCount
	}

	vecStart := time.Now()
	vecResults, vecErr := h.vector.KNN(ctx, ownerID, queryVector, kPrime, opts.MinCosine, store.VectorStoreFilter{Dimensions: len(queryVector)})
	vecElapsed := time.Since(vecStart)

	lexStart := time.Now()
	bm25Results, bm25Err := h.bm25.Search(ctx, queryText, kPrime)
	lexElapsed := time.Since(lexStart)

	if vecErr != nil && bm25Err != nil {
		return nil, errors.Join(vecErr, bm25Err)
	}

	fused := fuse(vecResults, bm25Results, opts)
	if len(fused) > kPrime {
		fused = fused[:kPrime]
	}
	return &SearchOutcome{Results: fused, VectorMs: vecElapsed, LexicalMs: lexElapsed}, nil
}

func rewrapVectorOnly(results []*store.VectorResult) []*FusedResult {
	fused := make([]*FusedResult, len(results))
	for i, r := range results {
		fused[i] = &FusedResult{
			ChunkID:       r.ID,
			NoteID:        noteIDFromChunkID(r.ID),
			FusedScore:    float64(r.Score),
			VectorScore:   float64(r.Score),
			VectorRank:    i + 1,
			FoundInVector: true,
		}
	}
	return fused
}

// fuse implements RRF over one vector list and one lexical list: for every
// record present at rank r (1-based) in either list, 1/(K+r) is contributed
// to its fused score, scaled by the source's weight. A record absent from a
// list contributes nothing for that list — it is never charged a penalty for
// the rank it would have held.
func fuse(vec []*store.VectorResult, bm25 []*store.BM25Result, opts HybridOptions) []*FusedResult {
	k := opts.RRFConstant
	if k <= 0 {
		k = DefaultRRFConstant
	}

	byID := make(map[string]*FusedResult, len(vec)+len(bm25))
	getOrCreate := func(id, noteID string) *FusedResult {
		if r, ok := byID[id]; ok {
			return r
		}
		r := &FusedResult{ChunkID: id, NoteID: noteID}
		byID[id] = r
		return r
	}

	for rank, r := range vec {
		fr := getOrCreate(r.ID, noteIDFromChunkID(r.ID))
		fr.VectorScore = float64(r.Score)
		fr.VectorRank = rank + 1
		fr.FoundInVector = true
		fr.FusedScore += opts.VectorWeight / float64(k+rank+1)
	}

	for rank, r := range bm25 {
		fr := getOrCreate(r.DocID, r.NoteID)
		fr.BM25Score = r.Score
		fr.BM25Rank = rank + 1
		fr.FoundInBM25 = true
		fr.MatchedTerms = r.MatchedTerms
		fr.FusedScore += opts.BM25Weight / float64(k+rank+1)
	}

	results := make([]*FusedResult, 0, len(byID))
	for _, r := range byID {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return compareFused(results[i], results[j]) })
	return results
}

// compareFused orders fused results by fused score, then found-in-both, then
// BM25 score, then chunk id — the same tie-break chain the teacher repo's
// RRF fuser used, so results stay deterministic across runs.
func compareFused(a, b *FusedResult) bool {
	if a.FusedScore != b.FusedScore {
		return a.FusedScore > b.FusedScore
	}
	aBoth := a.FoundInVector && a.FoundInBM25
	bBoth := b.FoundInVector && b.FoundInBM25
	if aBoth != bBoth {
		return aBoth
	}
	if a.BM25Score != b.BM25Score {
		return a.BM25Score > b.BM25Score
	}
	return a.ChunkID < b.ChunkID
}

// noteIDFromChunkID extracts the note id from a "{note_id}#chunk#{index}"
// embedding-record id.
func noteIDFromChunkID(chunkID string) string {
	if idx := strings.Index(chunkID, "#chunk#"); idx >= 0 {
		return chunkID[:idx]
	}
	return chunkID
}

// mergeBoosted merges multiple fused-result sets (one per query variation)
// into a single deduplicated-by-chunk-id set, applying a per-set score boost
// before taking the max across sets. Used by the orchestrator to combine
// the original query's candidates with HyDE's (boost 1.1) and each
// paraphrase's (boost 1.0).
func mergeBoosted(sets [][]*FusedResult, boosts []float64) []*FusedResult {
	merged := make(map[string]*FusedResult)
	for i, set := range sets {
		boost := 1.0
		if i < len(boosts) {
			boost = boosts[i]
		}
		for _, r := range set {
			boosted := *r
			boosted.FusedScore *= boost
			existing, ok := merged[r.ChunkID]
			if !ok || boosted.FusedScore > existing.FusedScore {
				merged[r.ChunkID] = &boosted
			}
		}
	}

	results := make([]*FusedResult, 0, len(merged))
	for _, r := range merged {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return compareFused(results[i], results[j]) })
	return results
}
