// Package rag implements the retrieval pipeline that sits between the raw
// storage ports (embed, complete, store) and a caller asking a question:
// query expansion, hybrid search, reranking, and prompt assembly.
package rag

import (
	"context"
	"fmt"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ananyateklu/ragcore/internal/chunk"
	"github.com/ananyateklu/ragcore/internal/complete"
	"github.com/ananyateklu/ragcore/internal/embed"
	ragerrors "github.com/ananyateklu/ragcore/internal/errors"
)

const expanderParallelism = 4

var hydeSchema = []byte(`{
	"type": "object",
	"properties": {
		"document": {"type": "string"},
		"key_concepts": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["document"]
}`)

var variationsSchema = []byte(`{
	"type": "object",
	"properties": {
		"queries": {"type": "array", "items": {"type": "string"}},
		"explanation": {"type": "string"}
	},
	"required": ["queries"]
}`)

type hydeResponse struct {
	Document    string   `json:"document"`
	KeyConcepts []string `json:"key_concepts"`
}

type variationsResponse struct {
	Queries     []string `json:"queries"`
	Explanation string   `json:"explanation"`
}

// ExpandOptions controls which optional expansion steps run.
type ExpandOptions struct {
	EnableHyDE       bool
	EnableMultiQuery bool
	MultiQueryCount  int
}

// ExpandResult carries every vector and piece of generated text produced by
// a single expansion pass, ready to drive one or more hybrid searches.
type ExpandResult struct {
	OriginalVector       []float32
	HydeVector           []float32
	VariationVectors     [][]float32
	VariationsText       []string
	HypotheticalDocument string
	TotalTokens          int
	Dimension            int
}

// Expander generates a hypothetical-document vector and alternative query
// phrasings to widen recall beyond a single embedding of the literal query.
type Expander struct {
	embedder       embed.Embedder
	completer      complete.Completer
	completionOpts complete.Options
}

// NewExpander builds an Expander over the given embedding and completion
// ports. completer may be nil, in which case HyDE and multi-query are always
// skipped regardless of ExpandOptions (the caller degrades to vector-only
// expansion rather than failing).
func NewExpander(embedder embed.Embedder, completer complete.Completer, completionOpts complete.Options) *Expander {
	return &Expander{embedder: embedder, completer: completer, completionOpts: completionOpts.WithDefaults()}
}

// Expand embeds query and, when requested and available, augments the
// result with a HyDE vector and paraphrase vectors. Every optional step
// degrades silently on failure; only the original embedding call can abort
// the pipeline.
func (x *Expander) Expand(ctx context.Context, query string, opts ExpandOptions) (*ExpandResult, error) {
	originalVector, err := ragerrors.RetryWithResult(ctx, ragerrors.DefaultRetryConfig(), func() ([]float32, error) {
		return x.embedder.Embed(ctx, query)
	})
	if err != nil {
		return nil, ragerrors.ProviderError("embed query", err)
	}

	result := &ExpandResult{
		OriginalVector: originalVector,
		Dimension:      len(originalVector),
		TotalTokens:    estimateTokens(query),
	}

	if opts.EnableHyDE && x.completer != nil {
		x.addHyde(ctx, query, result)
	}

	if opts.EnableMultiQuery && opts.MultiQueryCount > 1 && x.completer != nil {
		x.addVariations(ctx, query, opts.MultiQueryCount-1, result)
	}

	return result, nil
}

func (x *Expander) addHyde(ctx context.Context, query string, result *ExpandResult) {
	doc, tokens, ok := x.generateHyde(ctx, query)
	if !ok {
		return
	}
	vector, err := x.embedder.Embed(ctx, doc)
	if err != nil {
		return
	}
	result.HypotheticalDocument = doc
	result.HydeVector = vector
	result.TotalTokens += tokens + estimateTokens(doc)
}

func (x *Expander) generateHyde(ctx context.Context, query string) (document string, promptTokens int, ok bool) {
	prompt := fmt.Sprintf(
		"Generate a paragraph as if from a document that answers this question.\n\nQuestion: %s",
		query,
	)
	promptTokens = estimateTokens(prompt)

	var structured hydeResponse
	if ok, err := x.completer.CompleteStructured(ctx, prompt, hydeSchema, &structured, x.completionOpts); err == nil && ok {
		if doc := strings.TrimSpace(structured.Document); doc != "" {
			return doc, promptTokens, true
		}
	}

	text, err := x.completer.Complete(ctx, prompt, x.completionOpts)
	if err != nil {
		return "", 0, false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", 0, false
	}
	return text, promptTokens, true
}

func (x *Expander) addVariations(ctx context.Context, query string, count int, result *ExpandResult) {
	variations, promptTokens := x.generateVariations(ctx, query, count)
	if len(variations) == 0 {
		return
	}

	vectors, err := x.embedVariations(ctx, variations)
	if err != nil {
		return
	}

	result.VariationsText = variations
	result.VariationVectors = vectors
	result.TotalTokens += promptTokens
	for _, v := range variations {
		result.TotalTokens += estimateTokens(v)
	}
}

func (x *Expander) generateVariations(ctx context.Context, query string, count int) ([]string, int) {
	prompt := fmt.Sprintf(
		"Generate %d alternative phrasings of this search query, one per line, no numbering.\n\nQuery: %s",
		count, query,
	)
	promptTokens := estimateTokens(prompt)

	var structured variationsResponse
	if ok, err := x.completer.CompleteStructured(ctx, prompt, variationsSchema, &structured, x.completionOpts); err == nil && ok && len(structured.Queries) > 0 {
		return truncateStrings(structured.Queries, count), promptTokens
	}

	text, err := x.completer.Complete(ctx, prompt, x.completionOpts)
	if err != nil {
		return nil, 0
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) > 5 {
			lines = append(lines, line)
		}
	}
	return truncateStrings(lines, count), promptTokens
}

// embedVariations embeds each variation concurrently, bounded by
// expanderParallelism, preserving input order in the returned slice.
func (x *Expander) embedVariations(ctx context.Context, variations []string) ([][]float32, error) {
	vectors := make([][]float32, len(variations))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, expanderParallelism)

	for i, v := range variations {
		i, v := i, v
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}
			vector, err := x.embedder.Embed(gctx, v)
			if err != nil {
				return err
			}
			vectors[i] = vector
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func truncateStrings(s []string, n int) []string {
	if n < 0 {
		n = 0
	}
	if len(s) > n {
		return s[:n]
	}
	return s
}

// estimateTokens applies the same chars-per-token heuristic the chunker
// uses, so token accounting stays consistent across the pipeline.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / chunk.TokensPerChar))
}
