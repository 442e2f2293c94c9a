package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonMarshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Edge case tests - these exercise scenarios that could cause silent
// failures or unexpected behavior in the merge/validate pipeline.

// =============================================================================
// Config merge edge cases
// =============================================================================

// TestLoad_ZeroValuesNotMerged tests that explicit zero values in config
// don't override defaults.
func TestLoad_ZeroValuesNotMerged(t *testing.T) {
	tmpDir := t.TempDir()
	configContent := `
version: 1
retrieval:
  top_k: 0
chunking:
  chunk_size: 0
embeddings:
  provider: ollama
`
	err := os.WriteFile(filepath.Join(tmpDir, ".ragcore.yaml"), []byte(configContent), 0o644)
	require.NoError(t, err)

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Retrieval.TopK, "Zero should not override default top_k")
	assert.Equal(t, 500, cfg.Chunking.ChunkSize, "Zero should not override default chunk_size")
}

// TestLoad_NegativeWeights_Validated tests that negative hybrid weights are
// rejected by validation.
func TestLoad_NegativeWeights_Validated(t *testing.T) {
	cfg := NewRAGConfig()
	cfg.Hybrid.VectorWeight = -0.5

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector_weight must be non-negative")
}

// TestLoad_ChunkSizeBounds_Validated tests that min_chunk_size greater than
// max_chunk_size is rejected.
func TestLoad_ChunkSizeBounds_Validated(t *testing.T) {
	cfg := NewRAGConfig()
	cfg.Chunking.MinChunkSize = 900
	cfg.Chunking.MaxChunkSize = 200

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_chunk_size")
}

// TestLoad_SimilarityThresholdOutOfRange_Validated tests that a similarity
// threshold outside [0, 1] is rejected.
func TestLoad_SimilarityThresholdOutOfRange_Validated(t *testing.T) {
	cfg := NewRAGConfig()
	cfg.Retrieval.SimilarityThreshold = 1.5

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "similarity_threshold")
}

// =============================================================================
// Config file permission edge cases
// =============================================================================

// TestLoad_UnreadableConfigFile_ReturnsError tests that unreadable config
// files return an error.
func TestLoad_UnreadableConfigFile_ReturnsError(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("Test requires non-root user")
	}

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, ".ragcore.yaml")
	err := os.WriteFile(configPath, []byte("version: 1"), 0o000)
	require.NoError(t, err)
	defer func() { _ = os.Chmod(configPath, 0o644) }()

	cfg, err := Load(tmpDir)

	require.Error(t, err, "Load should fail for unreadable config file")
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "read", "Error should mention read failure")
}

// =============================================================================
// Config JSON marshaling edge cases
// =============================================================================

// TestRAGConfig_JSON_RoundTrip tests that config can be marshaled to JSON
// and back without data loss.
func TestRAGConfig_JSON_RoundTrip(t *testing.T) {
	cfg := NewRAGConfig()
	cfg.Chunking.ChunkSize = 2000
	cfg.Hybrid.VectorWeight = 0.4
	cfg.Hybrid.BM25Weight = 0.6
	cfg.Hybrid.RRFConstant = 100
	cfg.Embeddings.Provider = "static"

	data, err := jsonMarshal(cfg)
	require.NoError(t, err)

	var parsed RAGConfig
	err = jsonUnmarshal(data, &parsed)
	require.NoError(t, err)

	assert.Equal(t, 2000, parsed.Chunking.ChunkSize)
	assert.Equal(t, "static", parsed.Embeddings.Provider)
	assert.Equal(t, 0.4, parsed.Hybrid.VectorWeight)
	assert.Equal(t, 0.6, parsed.Hybrid.BM25Weight)
	assert.Equal(t, 100, parsed.Hybrid.RRFConstant)
}

// TestRAGConfig_UnmarshalJSON_InvalidJSON_ReturnsError tests that invalid
// JSON returns an error.
func TestRAGConfig_UnmarshalJSON_InvalidJSON_ReturnsError(t *testing.T) {
	invalidJSON := []byte("{invalid json")

	var cfg RAGConfig
	err := jsonUnmarshal(invalidJSON, &cfg)

	require.Error(t, err, "Unmarshal should fail for invalid JSON")
}

// =============================================================================
// Embeddings/Completion/VectorStore provider validation
// =============================================================================

func TestRAGConfig_EmbeddingsProvider_DefaultsToAutoDetect(t *testing.T) {
	cfg := NewRAGConfig()

	assert.Equal(t, "", cfg.Embeddings.Provider)
	require.NoError(t, cfg.Validate())
}

func TestRAGConfig_InvalidCompletionProvider_FailsValidation(t *testing.T) {
	cfg := NewRAGConfig()
	cfg.Completion.Provider = "gemini"

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "completion.provider")
}

func TestRAGConfig_OrphanThresholdOutOfRange_FailsValidation(t *testing.T) {
	cfg := NewRAGConfig()
	cfg.VectorStore.OrphanThreshold = 1.5

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "orphan_threshold")
}

func TestRAGConfig_InvalidLogLevel_FailsValidation(t *testing.T) {
	cfg := NewRAGConfig()
	cfg.LogLevel = "trace"

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}
