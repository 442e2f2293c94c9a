package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RAGConfig is the complete retrieval-core configuration. It mirrors the
// recognized fields enumerated in the external-interfaces section of the
// specification: chunking, retrieval, hybrid fusion, expansion, reranking,
// analytics, and the provider/model selectors for each stage.
type RAGConfig struct {
	Version     int               `yaml:"version" json:"version"`
	Chunking    ChunkingConfig    `yaml:"chunking" json:"chunking"`
	Retrieval   RetrievalConfig   `yaml:"retrieval" json:"retrieval"`
	Hybrid      HybridConfig      `yaml:"hybrid" json:"hybrid"`
	Expansion   ExpansionConfig   `yaml:"expansion" json:"expansion"`
	Reranking   RerankingConfig   `yaml:"reranking" json:"reranking"`
	Analytics   AnalyticsConfig   `yaml:"analytics" json:"analytics"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings" json:"embeddings"`
	Completion  CompletionConfig  `yaml:"completion" json:"completion"`
	VectorStore VectorStoreConfig `yaml:"vector_store" json:"vector_store"`
	LogLevel    string            `yaml:"log_level" json:"log_level"`
}

// ChunkingConfig configures the semantic chunker (C5).
type ChunkingConfig struct {
	Enabled           bool `yaml:"enable_chunking" json:"enable_chunking"`
	SemanticChunking  bool `yaml:"enable_semantic_chunking" json:"enable_semantic_chunking"`
	ChunkSize         int  `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap      int  `yaml:"chunk_overlap" json:"chunk_overlap"`
	MinChunkSize      int  `yaml:"min_chunk_size" json:"min_chunk_size"`
	MaxChunkSize      int  `yaml:"max_chunk_size" json:"max_chunk_size"`
}

// RetrievalConfig configures the base retrieval parameters shared by every
// stage of the pipeline.
type RetrievalConfig struct {
	TopK                   int     `yaml:"top_k" json:"top_k"`
	SimilarityThreshold    float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	InitialRetrievalCount  int     `yaml:"initial_retrieval_count" json:"initial_retrieval_count"`
	MaxContextLength       int     `yaml:"max_context_length" json:"max_context_length"`
}

// HybridConfig configures C8's fusion of vector and lexical search.
type HybridConfig struct {
	Enabled       bool    `yaml:"enable_hybrid_search" json:"enable_hybrid_search"`
	NativeHybrid  bool    `yaml:"enable_native_hybrid_search" json:"enable_native_hybrid_search"`
	VectorWeight  float64 `yaml:"vector_weight" json:"vector_weight"`
	BM25Weight    float64 `yaml:"bm25_weight" json:"bm25_weight"`
	RRFConstant   int     `yaml:"rrf_constant" json:"rrf_constant"`
}

// ExpansionConfig configures C7's HyDE and multi-query expansion.
type ExpansionConfig struct {
	EnableHyDE         bool   `yaml:"enable_hyde" json:"enable_hyde"`
	EnableQueryExpand  bool   `yaml:"enable_query_expansion" json:"enable_query_expansion"`
	MultiQueryCount    int    `yaml:"multi_query_count" json:"multi_query_count"`
	Provider           string `yaml:"provider" json:"provider"`
	Model              string `yaml:"model" json:"model"`
	HydeProvider       string `yaml:"hyde_provider" json:"hyde_provider"`
	HydeModel          string `yaml:"hyde_model" json:"hyde_model"`
}

// RerankingConfig configures C9's LLM reranker.
type RerankingConfig struct {
	Enabled        bool    `yaml:"enable_reranking" json:"enable_reranking"`
	MinRerankScore float64 `yaml:"min_rerank_score" json:"min_rerank_score"`
	Provider       string  `yaml:"provider" json:"provider"`
	Model          string  `yaml:"model" json:"model"`
}

// AnalyticsConfig configures C11's analytics sink.
type AnalyticsConfig struct {
	Enabled            bool `yaml:"enable_analytics" json:"enable_analytics"`
	LogDetailedMetrics bool `yaml:"log_detailed_metrics" json:"log_detailed_metrics"`
}

// EmbeddingsConfig configures C1's embedding port.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider" json:"provider"`
	Model      string `yaml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size"`
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`
	CacheSize  int    `yaml:"cache_size" json:"cache_size"`
}

// CompletionConfig configures C2's completion port.
type CompletionConfig struct {
	Provider           string  `yaml:"provider" json:"provider"`
	Model              string  `yaml:"model" json:"model"`
	MaxTokens          int     `yaml:"max_tokens" json:"max_tokens"`
	Temperature        float64 `yaml:"temperature" json:"temperature"`
	OllamaHost         string  `yaml:"ollama_host" json:"ollama_host"`
	AnthropicAPIKeyEnv string  `yaml:"anthropic_api_key_env" json:"anthropic_api_key_env"`
}

// VectorStoreConfig configures C3's vector store target.
type VectorStoreConfig struct {
	// Provider selects the backend: "embedded" (coder/hnsw, in-process),
	// "postgres" (pgvector), or "composite" (fan-out write, selectable read).
	Provider    string `yaml:"provider" json:"provider"`
	Dimensions  int    `yaml:"dimensions" json:"dimensions"`
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
	ReadPrimary string `yaml:"read_primary" json:"read_primary"`

	// CompactionEnabled turns on background orphan compaction for the
	// embedded HNSW backend.
	CompactionEnabled bool `yaml:"compaction_enabled" json:"compaction_enabled"`
	// OrphanThreshold is the orphan ratio that makes the index eligible for
	// compaction. Range 0.0-1.0.
	OrphanThreshold float64 `yaml:"orphan_threshold" json:"orphan_threshold"`
	// MinOrphanCount is the minimum number of orphans before compaction is
	// considered, so small indexes with a high ratio don't thrash.
	MinOrphanCount int `yaml:"min_orphan_count" json:"min_orphan_count"`
}

// NewRAGConfig creates a new RAGConfig with sensible defaults, following the
// constant choices the spec pins down exactly (RRF constant 60, BM25
// k1=1.2/b=0.75 is the lexical index's own default, not this config's).
func NewRAGConfig() *RAGConfig {
	return &RAGConfig{
		Version: 1,
		Chunking: ChunkingConfig{
			Enabled:          true,
			SemanticChunking: true,
			ChunkSize:        500,
			ChunkOverlap:     50,
			MinChunkSize:     100,
			MaxChunkSize:     800,
		},
		Retrieval: RetrievalConfig{
			TopK:                  10,
			SimilarityThreshold:   0.5,
			InitialRetrievalCount: 30,
			MaxContextLength:      8000,
		},
		Hybrid: HybridConfig{
			Enabled:      true,
			NativeHybrid: false,
			VectorWeight: 1.0,
			BM25Weight:   1.0,
			RRFConstant:  60,
		},
		Expansion: ExpansionConfig{
			EnableHyDE:        true,
			EnableQueryExpand: true,
			MultiQueryCount:   3,
			Provider:          "ollama",
			Model:             "qwen3:0.6b",
			HydeProvider:      "ollama",
			HydeModel:         "qwen3:0.6b",
		},
		Reranking: RerankingConfig{
			Enabled:        true,
			MinRerankScore: 3.0,
			Provider:       "ollama",
			Model:          "qwen3:0.6b",
		},
		Analytics: AnalyticsConfig{
			Enabled:            true,
			LogDetailedMetrics: false,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "",
			Model:      "qwen3-embedding:8b",
			Dimensions: 0,
			BatchSize:  32,
			OllamaHost: "",
			CacheSize:  1000,
		},
		Completion: CompletionConfig{
			Provider:           "ollama",
			Model:              "qwen3:0.6b",
			MaxTokens:          1024,
			Temperature:        0.3,
			OllamaHost:         "",
			AnthropicAPIKeyEnv: "ANTHROPIC_API_KEY",
		},
		VectorStore: VectorStoreConfig{
			Provider:          "embedded",
			Dimensions:        0,
			PostgresDSN:       "",
			ReadPrimary:       "embedded",
			CompactionEnabled: true,
			OrphanThreshold:   0.2,
			MinOrphanCount:    100,
		},
		LogLevel: "info",
	}
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows the XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/ragcore/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/ragcore/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ragcore", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "ragcore", "config.yaml")
	}
	return filepath.Join(home, ".config", "ragcore", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

func loadUserConfig() (*RAGConfig, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	cfg := NewRAGConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// LoadUserConfig loads the user configuration file. Returns nil config and
// nil error if the file doesn't exist.
func LoadUserConfig() (*RAGConfig, error) {
	return loadUserConfig()
}

// Load loads configuration from the specified directory, applying overrides
// in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/ragcore/config.yaml)
//  3. Project config (.ragcore.yaml in dir)
//  4. Environment variables (RAGCORE_*)
func Load(dir string) (*RAGConfig, error) {
	cfg := NewRAGConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *RAGConfig) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, ".ragcore.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, ".ragcore.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}

	return nil
}

func (c *RAGConfig) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed RAGConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero numeric and non-empty string values from other
// into c. Boolean fields are not merged, so a config file cannot change them.
func (c *RAGConfig) mergeWith(other *RAGConfig) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Chunking.ChunkSize != 0 {
		c.Chunking.ChunkSize = other.Chunking.ChunkSize
	}
	if other.Chunking.ChunkOverlap != 0 {
		c.Chunking.ChunkOverlap = other.Chunking.ChunkOverlap
	}
	if other.Chunking.MinChunkSize != 0 {
		c.Chunking.MinChunkSize = other.Chunking.MinChunkSize
	}
	if other.Chunking.MaxChunkSize != 0 {
		c.Chunking.MaxChunkSize = other.Chunking.MaxChunkSize
	}

	if other.Retrieval.TopK != 0 {
		c.Retrieval.TopK = other.Retrieval.TopK
	}
	if other.Retrieval.SimilarityThreshold != 0 {
		c.Retrieval.SimilarityThreshold = other.Retrieval.SimilarityThreshold
	}
	if other.Retrieval.InitialRetrievalCount != 0 {
		c.Retrieval.InitialRetrievalCount = other.Retrieval.InitialRetrievalCount
	}
	if other.Retrieval.MaxContextLength != 0 {
		c.Retrieval.MaxContextLength = other.Retrieval.MaxContextLength
	}

	if other.Hybrid.VectorWeight != 0 {
		c.Hybrid.VectorWeight = other.Hybrid.VectorWeight
	}
	if other.Hybrid.BM25Weight != 0 {
		c.Hybrid.BM25Weight = other.Hybrid.BM25Weight
	}
	if other.Hybrid.RRFConstant != 0 {
		c.Hybrid.RRFConstant = other.Hybrid.RRFConstant
	}

	if other.Expansion.MultiQueryCount != 0 {
		c.Expansion.MultiQueryCount = other.Expansion.MultiQueryCount
	}
	if other.Expansion.Provider != "" {
		c.Expansion.Provider = other.Expansion.Provider
	}
	if other.Expansion.Model != "" {
		c.Expansion.Model = other.Expansion.Model
	}
	if other.Expansion.HydeProvider != "" {
		c.Expansion.HydeProvider = other.Expansion.HydeProvider
	}
	if other.Expansion.HydeModel != "" {
		c.Expansion.HydeModel = other.Expansion.HydeModel
	}

	if other.Reranking.MinRerankScore != 0 {
		c.Reranking.MinRerankScore = other.Reranking.MinRerankScore
	}
	if other.Reranking.Provider != "" {
		c.Reranking.Provider = other.Reranking.Provider
	}
	if other.Reranking.Model != "" {
		c.Reranking.Model = other.Reranking.Model
	}

	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.Dimensions != 0 {
		c.Embeddings.Dimensions = other.Embeddings.Dimensions
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.OllamaHost != "" {
		c.Embeddings.OllamaHost = other.Embeddings.OllamaHost
	}
	if other.Embeddings.CacheSize != 0 {
		c.Embeddings.CacheSize = other.Embeddings.CacheSize
	}

	if other.Completion.Provider != "" {
		c.Completion.Provider = other.Completion.Provider
	}
	if other.Completion.Model != "" {
		c.Completion.Model = other.Completion.Model
	}
	if other.Completion.MaxTokens != 0 {
		c.Completion.MaxTokens = other.Completion.MaxTokens
	}
	if other.Completion.Temperature != 0 {
		c.Completion.Temperature = other.Completion.Temperature
	}
	if other.Completion.OllamaHost != "" {
		c.Completion.OllamaHost = other.Completion.OllamaHost
	}

	if other.VectorStore.Provider != "" {
		c.VectorStore.Provider = other.VectorStore.Provider
	}
	if other.VectorStore.Dimensions != 0 {
		c.VectorStore.Dimensions = other.VectorStore.Dimensions
	}
	if other.VectorStore.PostgresDSN != "" {
		c.VectorStore.PostgresDSN = other.VectorStore.PostgresDSN
	}
	if other.VectorStore.ReadPrimary != "" {
		c.VectorStore.ReadPrimary = other.VectorStore.ReadPrimary
	}
	if other.VectorStore.OrphanThreshold != 0 {
		c.VectorStore.OrphanThreshold = other.VectorStore.OrphanThreshold
	}
	if other.VectorStore.MinOrphanCount != 0 {
		c.VectorStore.MinOrphanCount = other.VectorStore.MinOrphanCount
	}

	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}

// applyEnvOverrides applies RAGCORE_* environment variable overrides.
func (c *RAGConfig) applyEnvOverrides() {
	if v := os.Getenv("RAGCORE_VECTOR_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 {
			c.Hybrid.VectorWeight = w
		}
	}
	if v := os.Getenv("RAGCORE_BM25_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 {
			c.Hybrid.BM25Weight = w
		}
	}
	if v := os.Getenv("RAGCORE_RRF_CONSTANT"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Hybrid.RRFConstant = k
		}
	}
	if v := os.Getenv("RAGCORE_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("RAGCORE_EMBEDDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("RAGCORE_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("RAGCORE_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
		c.Completion.OllamaHost = v
	}
	if v := os.Getenv("RAGCORE_COMPLETION_PROVIDER"); v != "" {
		c.Completion.Provider = v
	}
	if v := os.Getenv("RAGCORE_VECTOR_STORE_PROVIDER"); v != "" {
		c.VectorStore.Provider = v
	}
	if v := os.Getenv("RAGCORE_POSTGRES_DSN"); v != "" {
		c.VectorStore.PostgresDSN = v
	}
	if v := os.Getenv("RAGCORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("RAGCORE_ENABLE_ANALYTICS"); v != "" {
		c.Analytics.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
}

func parseFloat64(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &f)
	return f, err
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// Validate validates the configuration and returns an error if invalid.
func (c *RAGConfig) Validate() error {
	if c.Hybrid.VectorWeight < 0 {
		return fmt.Errorf("hybrid.vector_weight must be non-negative, got %f", c.Hybrid.VectorWeight)
	}
	if c.Hybrid.BM25Weight < 0 {
		return fmt.Errorf("hybrid.bm25_weight must be non-negative, got %f", c.Hybrid.BM25Weight)
	}
	if c.Hybrid.RRFConstant <= 0 {
		return fmt.Errorf("hybrid.rrf_constant must be positive, got %d", c.Hybrid.RRFConstant)
	}

	if c.Retrieval.TopK < 0 {
		return fmt.Errorf("retrieval.top_k must be non-negative, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("retrieval.similarity_threshold must be between 0 and 1, got %f", c.Retrieval.SimilarityThreshold)
	}
	if c.Chunking.ChunkSize < 0 {
		return fmt.Errorf("chunking.chunk_size must be non-negative, got %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.MinChunkSize > 0 && c.Chunking.MaxChunkSize > 0 && c.Chunking.MinChunkSize > c.Chunking.MaxChunkSize {
		return fmt.Errorf("chunking.min_chunk_size (%d) must not exceed max_chunk_size (%d)", c.Chunking.MinChunkSize, c.Chunking.MaxChunkSize)
	}

	if c.Reranking.MinRerankScore < 0 || c.Reranking.MinRerankScore > 10 {
		return fmt.Errorf("reranking.min_rerank_score must be between 0 and 10, got %f", c.Reranking.MinRerankScore)
	}

	validEmbedProviders := map[string]bool{"": true, "static": true, "ollama": true}
	if !validEmbedProviders[strings.ToLower(c.Embeddings.Provider)] {
		return fmt.Errorf("embeddings.provider must be 'static', 'ollama', or empty (auto-detect), got %s", c.Embeddings.Provider)
	}

	validCompletionProviders := map[string]bool{"ollama": true, "anthropic": true}
	if !validCompletionProviders[strings.ToLower(c.Completion.Provider)] {
		return fmt.Errorf("completion.provider must be 'ollama' or 'anthropic', got %s", c.Completion.Provider)
	}

	validStoreProviders := map[string]bool{"embedded": true, "postgres": true, "composite": true}
	if !validStoreProviders[strings.ToLower(c.VectorStore.Provider)] {
		return fmt.Errorf("vector_store.provider must be 'embedded', 'postgres', or 'composite', got %s", c.VectorStore.Provider)
	}
	if c.VectorStore.OrphanThreshold < 0 || c.VectorStore.OrphanThreshold > 1 {
		return fmt.Errorf("vector_store.orphan_threshold must be between 0 and 1, got %f", c.VectorStore.OrphanThreshold)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *RAGConfig) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeNewDefaults adds new default fields while preserving existing values.
// Returns the field names that were added, so an upgrading caller can surface
// what changed.
func (c *RAGConfig) MergeNewDefaults() []string {
	defaults := NewRAGConfig()
	var added []string

	if c.Hybrid.RRFConstant == 0 {
		c.Hybrid.RRFConstant = defaults.Hybrid.RRFConstant
		added = append(added, "hybrid.rrf_constant")
	}
	if c.Hybrid.VectorWeight == 0 {
		c.Hybrid.VectorWeight = defaults.Hybrid.VectorWeight
		added = append(added, "hybrid.vector_weight")
	}
	if c.Hybrid.BM25Weight == 0 {
		c.Hybrid.BM25Weight = defaults.Hybrid.BM25Weight
		added = append(added, "hybrid.bm25_weight")
	}
	if c.Retrieval.MaxContextLength == 0 {
		c.Retrieval.MaxContextLength = defaults.Retrieval.MaxContextLength
		added = append(added, "retrieval.max_context_length")
	}
	if c.Embeddings.CacheSize == 0 {
		c.Embeddings.CacheSize = defaults.Embeddings.CacheSize
		added = append(added, "embeddings.cache_size")
	}

	return added
}
