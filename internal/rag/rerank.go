package rag

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ananyateklu/ragcore/internal/complete"
	ragerrors "github.com/ananyateklu/ragcore/internal/errors"
)

const (
	rerankBatchSize  = 5
	rerankMaxContent = 1500
	neutralRelevance = 5.0
)

var rerankScoreSchema = []byte(`{
	"type": "object",
	"properties": {
		"score": {"type": "integer"},
		"reasoning": {"type": "string"}
	},
	"required": ["score"]
}`)

var numberPattern = regexp.MustCompile(`\d+(\.\d+)?`)

type rerankScoreResponse struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// RerankOptions configures a reranking pass.
type RerankOptions struct {
	Enabled        bool
	TopK           int
	MinRerankScore float64
}

// Reranker scores candidates against the query using the completion port,
// processing batches of at most rerankBatchSize concurrently.
type Reranker struct {
	completer      complete.Completer
	completionOpts complete.Options
	logger         *slog.Logger
	breaker        *ragerrors.CircuitBreaker
}

// NewReranker builds a Reranker over the given completion port. A
// CircuitBreaker guards the completion calls scoreCandidate makes per
// candidate: once the completer fails rerankBatchSize times in a row the
// breaker opens and remaining candidates in the batch fall back to
// neutralRelevance instead of each paying the completer's timeout.
func NewReranker(completer complete.Completer, completionOpts complete.Options) *Reranker {
	return &Reranker{
		completer:      completer,
		completionOpts: completionOpts.WithDefaults(),
		breaker:        ragerrors.NewCircuitBreaker("reranker_completer", ragerrors.WithMaxFailures(rerankBatchSize)),
	}
}

// SetLogger attaches a logger for rag_rerank_batch_complete events. A nil or
// never-set logger falls back to slog.Default().
func (rr *Reranker) SetLogger(logger *slog.Logger) {
	rr.logger = logger
}

func (rr *Reranker) log() *slog.Logger {
	if rr.logger != nil {
		return rr.logger
	}
	return slog.Default()
}

// Rerank scores, filters, sorts, and truncates candidates. When reranking is
// disabled it passes the top TopK through unchanged with FinalScore set to
// VectorScore.
func (rr *Reranker) Rerank(ctx context.Context, query string, candidates []*Candidate, opts RerankOptions) []*Candidate {
	if !opts.Enabled || rr.completer == nil {
		for _, c := range candidates {
			c.FinalScore = c.VectorScore
			c.Reranked = false
		}
		return truncateCandidates(candidates, opts.TopK)
	}

	batchStart := time.Now()
	rr.scoreAll(ctx, query, candidates)

	filtered := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.RelevanceScore >= opts.MinRerankScore {
			filtered = append(filtered, c)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].RelevanceScore != filtered[j].RelevanceScore {
			return filtered[i].RelevanceScore > filtered[j].RelevanceScore
		}
		return filtered[i].FusedScore > filtered[j].FusedScore
	})

	filtered = truncateCandidates(filtered, opts.TopK)
	for _, c := range filtered {
		c.Reranked = true
		c.FinalScore = 0.7*(c.RelevanceScore/10) + 0.3*c.VectorScore
	}

	rr.log().LogAttrs(ctx, slog.LevelInfo, "rag_rerank_batch_complete",
		slog.Int("candidate_count", len(candidates)),
		slog.Int("filtered_count", len(filtered)),
		slog.Int("top_k", opts.TopK),
		slog.Float64("min_rerank_score", opts.MinRerankScore),
		slog.Int64("duration_ms", time.Since(batchStart).Milliseconds()),
	)
	return filtered
}

// scoreAll scores every candidate concurrently, rerankBatchSize at a time.
func (rr *Reranker) scoreAll(ctx context.Context, query string, candidates []*Candidate) {
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, rerankBatchSize)

	for _, c := range candidates {
		c := c
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				c.RelevanceScore = neutralRelevance
				return nil
			}
			c.RelevanceScore = rr.scoreCandidate(gctx, query, c.Content)
			return nil
		})
	}
	_ = g.Wait()
}

func (rr *Reranker) scoreCandidate(ctx context.Context, query, content string) float64 {
	if !rr.breaker.Allow() {
		return neutralRelevance
	}

	if len(content) > rerankMaxContent {
		content = content[:rerankMaxContent] + "..."
	}

	prompt := "Rate the relevance of the following passage to the query on a scale of 0 to 10.\n\n" +
		"Query: " + query + "\n\nPassage:\n" + content

	var structured rerankScoreResponse
	if ok, err := rr.completer.CompleteStructured(ctx, prompt, rerankScoreSchema, &structured, rr.completionOpts); err == nil && ok {
		rr.breaker.RecordSuccess()
		return clampScore(structured.Score)
	}

	text, err := rr.completer.Complete(ctx, prompt, rr.completionOpts)
	if err != nil {
		rr.breaker.RecordFailure()
		return neutralRelevance
	}
	rr.breaker.RecordSuccess()

	if match := numberPattern.FindString(text); match != "" {
		if value, parseErr := strconv.ParseFloat(match, 64); parseErr == nil {
			return clampScore(value)
		}
	}

	return neutralRelevance
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

func truncateCandidates(c []*Candidate, topK int) []*Candidate {
	if topK > 0 && len(c) > topK {
		return c[:topK]
	}
	return c
}

// truncateContent is exposed for the prompt-assembly step (C10), which
// truncates on full note bodies rather than single chunks.
func truncateContent(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}
