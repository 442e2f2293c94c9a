package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// PerformanceStats summarizes retrieval quality and feedback for one owner
// over some time window, the result of C11's performance_stats operation.
type PerformanceStats struct {
	Totals                    int
	AvgLatencyMs              float64
	PositiveRate              *float64
	CosinePositiveCorrelation *float64
	RerankPositiveCorrelation *float64
}

// AnalyticsStore persists per-query metrics and feedback in SQLite and mirrors
// query volume and latency into OpenTelemetry metrics. It implements
// AnalyticsSink.
type AnalyticsStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool

	queryCounter     metric.Int64Counter
	latencyHistogram metric.Float64Histogram
	feedbackCounter  metric.Int64Counter
}

var _ AnalyticsSink = (*AnalyticsStore)(nil)

// NewAnalyticsStore opens (creating if needed) an analytics database at
// path. An empty path opens an in-memory database for testing.
func NewAnalyticsStore(path string) (*AnalyticsStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create analytics schema: %w", err)
	}

	meter := otel.Meter("ragcore/rag")
	queryCounter, err := meter.Int64Counter("rag_queries_total", metric.WithDescription("Number of retrieve() calls logged"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create rag_queries_total counter: %w", err)
	}
	latencyHistogram, err := meter.Float64Histogram("rag_query_latency_ms", metric.WithDescription("End-to-end retrieve() latency in milliseconds"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create rag_query_latency_ms histogram: %w", err)
	}
	feedbackCounter, err := meter.Int64Counter("rag_feedback_total", metric.WithDescription("Feedback verdicts recorded, labeled by verdict"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create rag_feedback_total counter: %w", err)
	}

	return &AnalyticsStore{
		db:               db,
		queryCounter:     queryCounter,
		latencyHistogram: latencyHistogram,
		feedbackCounter:  feedbackCounter,
	}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS rag_query_log (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	query            TEXT NOT NULL,
	embedding_ms     INTEGER NOT NULL DEFAULT 0,
	vector_ms        INTEGER NOT NULL DEFAULT 0,
	lexical_ms       INTEGER NOT NULL DEFAULT 0,
	rerank_ms        INTEGER NOT NULL DEFAULT 0,
	total_ms         INTEGER NOT NULL DEFAULT 0,
	result_count     INTEGER NOT NULL DEFAULT 0,
	top_fused_score  REAL NOT NULL DEFAULT 0,
	top_rerank_score REAL NOT NULL DEFAULT 0,
	errors           TEXT,
	verdict          TEXT,
	category         TEXT,
	comment          TEXT,
	created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rag_query_log_owner_created ON rag_query_log(owner_id, created_at);
`

// Log inserts one query log row and returns its id. Part of the AnalyticsSink
// port.
func (s *AnalyticsStore) Log(ctx context.Context, metrics QueryMetrics) (string, error) {
	errorsJSON, err := json.Marshal(metrics.Errors)
	if err != nil {
		return "", fmt.Errorf("marshal errors: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rag_query_log (
			id, owner_id, query, embedding_ms, vector_ms, lexical_ms, rerank_ms,
			total_ms, result_count, top_fused_score, top_rerank_score, errors, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, metrics.OwnerID, metrics.Query, metrics.EmbeddingMs, metrics.VectorMs,
		metrics.LexicalMs, metrics.RerankMs, metrics.TotalMs, metrics.ResultCount,
		metrics.TopFusedScore, metrics.TopRerankScore, string(errorsJSON), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert query log: %w", err)
	}

	s.queryCounter.Add(ctx, 1)
	s.latencyHistogram.Record(ctx, float64(metrics.TotalMs))

	return id, nil
}

// UpdateFeedback records (or overwrites) the verdict, category, and comment
// for one log id. Idempotent: a second call for the same id replaces the
// first, matching the sink's last-write-wins feedback contract.
func (s *AnalyticsStore) UpdateFeedback(ctx context.Context, logID, verdict string, category, comment *string) error {
	if verdict != "positive" && verdict != "negative" {
		return fmt.Errorf("invalid verdict %q: must be \"positive\" or \"negative\"", verdict)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE rag_query_log SET verdict = ?, category = ?, comment = ? WHERE id = ?
	`, verdict, category, comment, logID)
	if err != nil {
		return fmt.Errorf("update feedback: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check update feedback result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no query log with id %q", logID)
	}

	s.feedbackCounter.Add(ctx, 1)
	return nil
}

// PerformanceStats aggregates totals, average latency, positive-feedback
// rate, and the Pearson correlation between feedback (0/1-encoded) and each
// of cosine (top fused score) and rerank (top rerank score). Correlations
// are nil when fewer than 10 feedback rows exist or the correlation's
// denominator is zero.
func (s *AnalyticsStore) PerformanceStats(ctx context.Context, ownerID string, since *time.Time) (*PerformanceStats, error) {
	query := `SELECT total_ms, top_fused_score, top_rerank_score, verdict FROM rag_query_log WHERE owner_id = ?`
	args := []any{ownerID}
	if since != nil {
		query += ` AND created_at >= ?`
		args = append(args, since.UTC())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query performance stats: %w", err)
	}
	defer rows.Close()

	var (
		totals     int
		latencySum float64
		cosines    []float64
		reranks    []float64
		verdicts   []float64
		positiveN  int
		feedbackN  int
	)

	for rows.Next() {
		var totalMs int64
		var fusedScore, rerankScore float64
		var verdict sql.NullString
		if err := rows.Scan(&totalMs, &fusedScore, &rerankScore, &verdict); err != nil {
			return nil, fmt.Errorf("scan performance row: %w", err)
		}
		totals++
		latencySum += float64(totalMs)

		if verdict.Valid && (verdict.String == "positive" || verdict.String == "negative") {
			v := 0.0
			if verdict.String == "positive" {
				v = 1.0
				positiveN++
			}
			feedbackN++
			verdicts = append(verdicts, v)
			cosines = append(cosines, fusedScore)
			reranks = append(reranks, rerankScore)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate performance rows: %w", err)
	}

	stats := &PerformanceStats{Totals: totals}
	if totals > 0 {
		stats.AvgLatencyMs = latencySum / float64(totals)
	}
	if feedbackN > 0 {
		rate := float64(positiveN) / float64(feedbackN)
		stats.PositiveRate = &rate
	}
	stats.CosinePositiveCorrelation = pearson(cosines, verdicts)
	stats.RerankPositiveCorrelation = pearson(reranks, verdicts)

	return stats, nil
}

// pearson computes the Pearson correlation coefficient between x and y,
// returning nil when the sample is smaller than 10 or the denominator is
// zero (a constant series), per the analytics sink's null-correlation rule.
func pearson(x, y []float64) *float64 {
	n := len(x)
	if n < 10 || len(y) != n {
		return nil
	}

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var numerator, sumSqX, sumSqY float64
	for i := 0; i < n; i++ {
		dx := x[i] - meanX
		dy := y[i] - meanY
		numerator += dx * dy
		sumSqX += dx * dx
		sumSqY += dy * dy
	}

	denominator := math.Sqrt(sumSqX * sumSqY)
	if denominator == 0 {
		return nil
	}

	r := numerator / denominator
	return &r
}

// Close releases the underlying database handle.
func (s *AnalyticsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
