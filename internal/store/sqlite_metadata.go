package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteMetadataStore implements MetadataStore over a local SQLite database.
// It uses WAL mode so it can be opened alongside the SQLite FTS5 lexical
// index without lock contention, matching the concurrency posture of
// SQLiteBM25Index.
type SQLiteMetadataStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteMetadataStore)(nil)

// NewSQLiteMetadataStore opens (creating if needed) a metadata database at
// path. An empty path opens an in-memory database for testing.
func NewSQLiteMetadataStore(path string) (*SQLiteMetadataStore, error) {
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
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteMetadataStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteMetadataStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS notes (
		id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		summary TEXT NOT NULL DEFAULT '',
		images TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (owner_id, id)
	);

	CREATE TABLE IF NOT EXISTS chunks (
		note_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		content TEXT NOT NULL,
		section_title TEXT NOT NULL DEFAULT '',
		token_count INTEGER NOT NULL DEFAULT 0,
		start_offset INTEGER NOT NULL DEFAULT 0,
		end_offset INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (note_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_note_id ON chunks(note_id);

	CREATE TABLE IF NOT EXISTS index_jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		vector_store TEXT NOT NULL DEFAULT '',
		total_to_index INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		errors TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_index_jobs_owner_id ON index_jobs(owner_id);

	CREATE TABLE IF NOT EXISTS kv_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveNote inserts or replaces a note.
func (s *SQLiteMetadataStore) SaveNote(ctx context.Context, note *Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tags, err := json.Marshal(note.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	images, err := json.Marshal(note.Images)
	if err != nil {
		return fmt.Errorf("failed to marshal images: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notes (id, owner_id, title, body, tags, summary, images, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			tags = excluded.tags,
			summary = excluded.summary,
			images = excluded.images,
			updated_at = excluded.updated_at
	`, note.ID, note.OwnerID, note.Title, note.Body, string(tags), note.Summary, string(images),
		note.CreatedAt, note.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save note %s: %w", note.ID, err)
	}
	return nil
}

// GetNote retrieves a note by owner and id. Returns nil, nil if not found.
func (s *SQLiteMetadataStore) GetNote(ctx context.Context, ownerID, noteID string) (*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, body, tags, summary, images, created_at, updated_at
		FROM notes WHERE owner_id = ? AND id = ?
	`, ownerID, noteID)

	note, err := scanNote(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get note %s: %w", noteID, err)
	}
	return note, nil
}

// DeleteNote removes a note. It does not cascade to chunks or embeddings;
// callers are expected to call DeleteChunksByNote and the vector store's
// DeleteByNote as part of the same operation.
func (s *SQLiteMetadataStore) DeleteNote(ctx context.Context, ownerID, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE owner_id = ? AND id = ?`, ownerID, noteID)
	if err != nil {
		return fmt.Errorf("failed to delete note %s: %w", noteID, err)
	}
	return nil
}

func scanNote(row *sql.Row) (*Note, error) {
	var n Note
	var tags, images string
	if err := row.Scan(&n.ID, &n.OwnerID, &n.Title, &n.Body, &tags, &n.Summary, &images,
		&n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(images), &n.Images); err != nil {
		return nil, fmt.Errorf("failed to unmarshal images: %w", err)
	}
	return &n, nil
}

// SaveChunks replaces every chunk belonging to noteID with chunks.
func (s *SQLiteMetadataStore) SaveChunks(ctx context.Context, noteID string, chunks []*Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE note_id = ?`, noteID); err != nil {
		return fmt.Errorf("failed to clear existing chunks for %s: %w", noteID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (note_id, idx, content, section_title, token_count, start_offset, end_offset)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.NoteID, c.Index, c.Content, c.SectionTitle,
			c.TokenCount, c.StartOffset, c.EndOffset); err != nil {
			return fmt.Errorf("failed to save chunk %d for %s: %w", c.Index, noteID, err)
		}
	}

	return tx.Commit()
}

// GetChunksByNote returns every chunk for noteID, ordered by index.
func (s *SQLiteMetadataStore) GetChunksByNote(ctx context.Context, noteID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT note_id, idx, content, section_title, token_count, start_offset, end_offset
		FROM chunks WHERE note_id = ? ORDER BY idx
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks for %s: %w", noteID, err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.NoteID, &c.Index, &c.Content, &c.SectionTitle,
			&c.TokenCount, &c.StartOffset, &c.EndOffset); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// DeleteChunksByNote removes every chunk belonging to noteID.
func (s *SQLiteMetadataStore) DeleteChunksByNote(ctx context.Context, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE note_id = ?`, noteID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks for %s: %w", noteID, err)
	}
	return nil
}

// SaveJob inserts or replaces an indexing job row.
func (s *SQLiteMetadataStore) SaveJob(ctx context.Context, job *IndexJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	errs, err := json.Marshal(job.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal job errors: %w", err)
	}

	startedAt := nullTime(job.StartedAt)
	completedAt := nullTime(job.CompletedAt)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO index_jobs (id, owner_id, status, provider, model, vector_store,
			total_to_index, processed, skipped, deleted, errors, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			total_to_index = excluded.total_to_index,
			processed = excluded.processed,
			skipped = excluded.skipped,
			deleted = excluded.deleted,
			errors = excluded.errors,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, job.ID, job.OwnerID, string(job.Status), job.Provider, job.Model, job.VectorStore,
		job.TotalToIndex, job.Processed, job.Skipped, job.Deleted, string(errs),
		job.CreatedAt, startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by id. Returns nil, nil if not found.
func (s *SQLiteMetadataStore) GetJob(ctx context.Context, jobID string) (*IndexJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, status, provider, model, vector_store,
			total_to_index, processed, skipped, deleted, errors, created_at, started_at, completed_at
		FROM index_jobs WHERE id = ?
	`, jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// UpdateJobStatus transitions a job's status. It also stamps started_at or
// completed_at when the status implies the job entered that phase.
func (s *SQLiteMetadataStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	switch status {
	case JobRunning:
		_, err := s.db.ExecContext(ctx,
			`UPDATE index_jobs SET status = ?, started_at = ? WHERE id = ?`,
			string(status), time.Now().UTC(), jobID)
		return err
	case JobCompleted, JobPartiallyCompleted, JobFailed, JobCancelled:
		_, err := s.db.ExecContext(ctx,
			`UPDATE index_jobs SET status = ?, completed_at = ? WHERE id = ?`,
			string(status), time.Now().UTC(), jobID)
		return err
	default:
		_, err := s.db.ExecContext(ctx, `UPDATE index_jobs SET status = ? WHERE id = ?`, string(status), jobID)
		return err
	}
}

// AppendJobError appends one "{note_id}:{chunk_index}: message"-shaped error
// line to a job's error list.
func (s *SQLiteMetadataStore) AppendJobError(ctx context.Context, jobID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	var raw string
	if err := s.db.QueryRowContext(ctx, `SELECT errors FROM index_jobs WHERE id = ?`, jobID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("job %s not found", jobID)
		}
		return fmt.Errorf("failed to load job errors for %s: %w", jobID, err)
	}

	var errs []string
	if err := json.Unmarshal([]byte(raw), &errs); err != nil {
		return fmt.Errorf("failed to unmarshal job errors: %w", err)
	}
	errs = append(errs, message)

	updated, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to marshal job errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE index_jobs SET errors = ? WHERE id = ?`, string(updated), jobID)
	if err != nil {
		return fmt.Errorf("failed to append job error for %s: %w", jobID, err)
	}
	return nil
}

func scanJob(row *sql.Row) (*IndexJob, error) {
	var j IndexJob
	var status, errs string
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&j.ID, &j.OwnerID, &status, &j.Provider, &j.Model, &j.VectorStore,
		&j.TotalToIndex, &j.Processed, &j.Skipped, &j.Deleted, &errs,
		&j.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	if err := json.Unmarshal([]byte(errs), &j.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job errors: %w", err)
	}
	if startedAt.Valid {
		j.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = completedAt.Time
	}
	return &j, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// GetState returns the value stored under key, or "" if unset.
func (s *SQLiteMetadataStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", fmt.Errorf("store is closed")
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, nil
}

// SetState upserts a key-value pair in the runtime state table.
func (s *SQLiteMetadataStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database connection, checkpointing WAL first.
func (s *SQLiteMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}

// GetIndexInfo summarizes ownerID's index for inspection. currentModel and
// currentDimensions are compared against the model and dimension recorded in
// kv_state to determine Compatible; currentBackend is reported as
// IndexBackend and is not compared.
func (s *SQLiteMetadataStore) GetIndexInfo(ctx context.Context, ownerID, currentModel, currentBackend string, currentDimensions int) (*IndexInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	info := &IndexInfo{
		OwnerID:           ownerID,
		CurrentModel:      currentModel,
		CurrentBackend:    currentBackend,
		CurrentDimensions: currentDimensions,
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE owner_id = ?`, ownerID).
		Scan(&info.NoteCount); err != nil {
		return nil, fmt.Errorf("failed to count notes: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunks WHERE note_id IN (SELECT id FROM notes WHERE owner_id = ?)
	`, ownerID).Scan(&info.ChunkCount); err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(created_at), MAX(updated_at) FROM notes WHERE owner_id = ?
	`, ownerID).Scan(&info.CreatedAt, &info.UpdatedAt); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read note timestamps: %w", err)
	}

	model, err := s.getStateLocked(ctx, StateKeyIndexModel)
	if err != nil {
		return nil, err
	}
	dimStr, err := s.getStateLocked(ctx, StateKeyIndexDimension)
	if err != nil {
		return nil, err
	}

	info.IndexModel = model
	info.IndexBackend = currentBackend
	if dimStr != "" {
		var dims int
		if _, err := fmt.Sscanf(dimStr, "%d", &dims); err == nil {
			info.IndexDimensions = dims
		}
	}

	info.Compatible = info.IndexModel == "" ||
		(info.IndexModel == currentModel && info.IndexDimensions == currentDimensions)

	return info, nil
}

// getStateLocked is GetState without re-acquiring s.mu; callers must already
// hold at least a read lock.
func (s *SQLiteMetadataStore) getStateLocked(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, nil
}

// FormatBytes renders a byte count in the largest unit that keeps the
// mantissa readable (B, KB, MB, GB), matching the single-decimal style used
// elsewhere in the project's status reporting.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatTime renders t in "YYYY-MM-DD HH:MM:SS" form, or "unknown" for the
// zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04:05")
}

// containsAny reports whether s contains any of substrs.
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
