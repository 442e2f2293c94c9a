package rag

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ananyateklu/ragcore/internal/logging"
)

// TestOrchestrator_Retrieve_EmitsRetrieveCompleteEvent exercises the
// retrieval pipeline with a logging.Setup-provided logger and asserts the
// rag_retrieve_complete and rag_rerank_batch_complete stage-boundary events
// land in the log file, not just a default-logger call nobody configured.
func TestOrchestrator_Retrieve_EmitsRetrieveCompleteEvent(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "retrieve.log")
	logger, cleanup, err := logging.Setup(logging.Config{
		Level:     "info",
		FilePath:  logPath,
		MaxSizeMB: 1,
		MaxFiles:  1,
	})
	require.NoError(t, err)
	defer cleanup()

	cfg := baseRAGConfig()
	cfg.Reranking.Enabled = true
	cfg.Reranking.MinRerankScore = 0

	completer := &fakeCompleter{structuredOK: true, structuredOut: rerankScoreResponse{Score: 8}}
	orch, _ := newTestOrchestrator(t, cfg, completer, &fakeAnalyticsSink{logID: "log-1"})
	orch.SetLogger(logger)
	orch.reranker.SetLogger(logger)

	_, err = orch.Retrieve(context.Background(), "owner-1", "espresso grind size", Options{})
	require.NoError(t, err)

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "rag_retrieve_complete")
	assert.Contains(t, string(content), "rag_rerank_batch_complete")
}
