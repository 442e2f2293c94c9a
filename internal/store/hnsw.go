package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// HNSWStore implements VectorStore using coder/hnsw, a pure Go HNSW
// implementation, embedded in-process. It is the default backend for
// single-tenant and small-team deployments; PGVectorStore and CompositeVectorStore
// serve the remote and fan-out cases.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	idMap   map[string]uint64 // embedding record id -> internal key
	keyMap  map[uint64]string // internal key -> embedding record id
	nextKey uint64

	// records holds the denormalized metadata for each embedding record.
	// Vectors live only in the graph; this map carries everything KNN/
	// IndexedNoteIDs/NoteUpdatedAt need without touching the graph.
	records map[string]*recordMeta

	closed bool
}

// recordMeta is an EmbeddingRecord's denormalized fields plus a copy of its
// vector. The vector is kept here (not read back out of the graph, which has
// no lookup-by-key) so Compact can rebuild the graph from scratch.
type recordMeta struct {
	NoteID        string
	OwnerID       string
	ChunkIdx      int
	Content       string
	Vector        []float32
	Dimension     int
	Provider      string
	Model         string
	CreatedAt     time.Time
	NoteUpdatedAt time.Time
	NoteTitle     string
	NoteTags      []string
	NoteSummary   string
}

// hnswMetadata stores ID mappings and record metadata for persistence.
type hnswMetadata struct {
	IDMap   map[string]uint64
	Records map[string]*recordMeta
	NextKey uint64
	Config  VectorStoreConfig
}

// NewHNSWStore creates a new HNSW-based vector store.
func NewHNSWStore(cfg VectorStoreConfig) (*HNSWStore, error) {
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()

	switch cfg.Metric {
	case "cos":
		graph.Distance = hnsw.CosineDistance
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}

	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWStore{
		graph:   graph,
		config:  cfg,
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
		records: make(map[string]*recordMeta),
		nextKey: 0,
	}, nil
}

// UpsertBatch inserts or replaces embedding records. If a record's ID exists,
// its old graph entry is lazily orphaned and a fresh node is added.
func (s *HNSWStore) UpsertBatch(ctx context.Context, records []*EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, rec := range records {
		if len(rec.Vector) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(rec.Vector)}
		}
	}

	for _, rec := range records {
		if existingKey, exists := s.idMap[rec.ID]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, rec.ID)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(rec.Vector))
		copy(vec, rec.Vector)
		if s.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}

		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[rec.ID] = key
		s.keyMap[key] = rec.ID
		s.records[rec.ID] = &recordMeta{
			NoteID:        rec.NoteID,
			OwnerID:       rec.OwnerID,
			ChunkIdx:      rec.ChunkIdx,
			Content:       rec.Content,
			Vector:        vec,
			Dimension:     rec.Dimension,
			Provider:      rec.Provider,
			Model:         rec.Model,
			CreatedAt:     rec.CreatedAt,
			NoteUpdatedAt: rec.NoteUpdatedAt,
			NoteTitle:     rec.NoteTitle,
			NoteTags:      rec.NoteTags,
			NoteSummary:   rec.NoteSummary,
		}
	}

	return nil
}

// DeleteByNote removes every embedding record belonging to noteID under
// ownerID, using the same lazy-deletion scheme as single-record deletes.
func (s *HNSWStore) DeleteByNote(ctx context.Context, ownerID, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for id, meta := range s.records {
		if meta.OwnerID != ownerID || meta.NoteID != noteID {
			continue
		}
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
		delete(s.records, id)
	}

	return nil
}

// knnOverfetchMultiplier is the factor by which KNN over-fetches candidates
// from the graph (k * 5) before owner/dimension/score filtering, since the
// graph has no notion of owner.
const knnOverfetchMultiplier = 5

// KNN returns the k nearest neighbors to query, filtered by owner id, the
// optional dimension filter, and minCosine.
func (s *HNSWStore) KNN(ctx context.Context, ownerID string, query []float32, k int, minCosine float32, filter VectorStoreFilter) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if s.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}

	normalizedQuery := make([]float32, len(query))
	copy(normalizedQuery, query)
	if s.config.Metric == "cos" {
		normalizeVectorInPlace(normalizedQuery)
	}

	fetch := k * knnOverfetchMultiplier
	if fetch < k {
		fetch = k // guard against overflow for large k
	}
	if fetch > s.graph.Len() {
		fetch = s.graph.Len()
	}

	nodes := s.graph.Search(normalizedQuery, fetch)

	results := make([]*VectorResult, 0, k)
	for _, node := range nodes {
		if len(results) >= k {
			break
		}
		id, exists := s.keyMap[node.Key]
		if !exists {
			continue
		}
		meta, exists := s.records[id]
		if !exists || meta.OwnerID != ownerID {
			continue
		}
		if filter.Dimensions > 0 && meta.Dimension != filter.Dimensions {
			continue
		}

		distance := s.graph.Distance(normalizedQuery, node.Value)
		score := distanceToScore(distance, s.config.Metric)
		if score < minCosine {
			continue
		}

		results = append(results, &VectorResult{ID: id, Distance: distance, Score: score})
	}

	return results, nil
}

// IndexedNoteIDs returns every note id with at least one embedding record for
// ownerID.
func (s *HNSWStore) IndexedNoteIDs(ctx context.Context, ownerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	seen := make(map[string]bool)
	for _, meta := range s.records {
		if meta.OwnerID == ownerID {
			seen[meta.NoteID] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// NoteUpdatedAt returns the note-updated-at watermark recorded on noteID's
// embedding records, or the zero time if the note has no records.
func (s *HNSWStore) NoteUpdatedAt(ctx context.Context, noteID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return time.Time{}, fmt.Errorf("store is closed")
	}

	for _, meta := range s.records {
		if meta.NoteID == noteID {
			return meta.NoteUpdatedAt, nil
		}
	}
	return time.Time{}, nil
}

// Stats reports record/note counts scoped to ownerID. Orphans are reported
// index-wide (lazy-deleted graph nodes), since the graph itself carries no
// owner dimension.
func (s *HNSWStore) Stats(ctx context.Context, ownerID string) (*VectorStoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	notes := make(map[string]bool)
	recordCount := 0
	for _, meta := range s.records {
		if meta.OwnerID != ownerID {
			continue
		}
		recordCount++
		notes[meta.NoteID] = true
	}

	return &VectorStoreStats{
		RecordCount: recordCount,
		NoteCount:   len(notes),
		Orphans:     s.graph.Len() - len(s.idMap),
	}, nil
}

// CompactEligible reports whether the orphan ratio exceeds orphanThreshold
// and there are at least minOrphanCount orphans.
func (s *HNSWStore) CompactEligible(orphanThreshold float64, minOrphanCount int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || s.graph.Len() == 0 {
		return false
	}

	orphans := s.graph.Len() - len(s.idMap)
	if orphans < minOrphanCount {
		return false
	}
	return float64(orphans)/float64(s.graph.Len()) > orphanThreshold
}

// Compact rebuilds the graph from only the live (non-orphaned) records,
// reclaiming the space held by lazily-deleted nodes. No re-embedding is
// needed: each record's vector is already held in its metadata.
func (s *HNSWStore) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	fresh := hnsw.NewGraph[uint64]()
	fresh.Distance = s.graph.Distance
	fresh.M = s.config.M
	fresh.EfSearch = s.config.EfSearch
	fresh.Ml = 0.25

	newIDMap := make(map[string]uint64, len(s.idMap))
	newKeyMap := make(map[uint64]string, len(s.idMap))
	var nextKey uint64

	for id := range s.idMap {
		meta, found := s.records[id]
		if !found {
			continue
		}
		key := nextKey
		nextKey++
		fresh.Add(hnsw.MakeNode(key, meta.Vector))
		newIDMap[id] = key
		newKeyMap[key] = id
	}

	s.graph = fresh
	s.idMap = newIDMap
	s.keyMap = newKeyMap
	s.nextKey = nextKey

	return nil
}

// Save persists the index to disk using an atomic temp-file-then-rename.
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpIndexPath := path + ".tmp"
	file, err := os.Create(tmpIndexPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}

	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}

	if err := os.Rename(tmpIndexPath, path); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	metaPath := path + ".meta"
	if err := s.saveMetadata(metaPath); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}

	return nil
}

func (s *HNSWStore) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := hnswMetadata{
		IDMap:   s.idMap,
		Records: s.records,
		NextKey: s.nextKey,
		Config:  s.config,
	}

	encoder := gob.NewEncoder(file)
	if err := encoder.Encode(meta); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Load loads the index from disk.
func (s *HNSWStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	metaPath := path + ".meta"
	if err := s.loadMetadata(metaPath); err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	if err := s.graph.Import(reader); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	return nil
}

func (s *HNSWStore) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta hnswMetadata

	decoder := gob.NewDecoder(file)
	if err := decoder.Decode(&meta); err != nil {
		return fmt.Errorf("decode hnsw metadata: %w", err)
	}

	s.idMap = meta.IDMap
	s.records = meta.Records
	s.keyMap = make(map[uint64]string)
	s.nextKey = meta.NextKey
	s.config = meta.Config

	for id, key := range s.idMap {
		s.keyMap[key] = id
	}

	return nil
}

// Close releases resources.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.graph = nil

	return nil
}

// ReadHNSWStoreDimensions reads the dimensions from an existing HNSW store's
// metadata. Returns 0 if the metadata file doesn't exist (fresh start).
func ReadHNSWStoreDimensions(vectorPath string) (int, error) {
	metaPath := vectorPath + ".meta"

	file, err := os.Open(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open hnsw metadata: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close hnsw metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta hnswMetadata
	decoder := gob.NewDecoder(file)
	if err := decoder.Decode(&meta); err != nil {
		return 0, fmt.Errorf("failed to decode hnsw metadata: %w", err)
	}

	return meta.Config.Dimensions, nil
}

// Verify interface implementation
var _ VectorStore = (*HNSWStore)(nil)

func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore converts a distance value to a similarity score.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "cos":
		return 1.0 - distance/2.0
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		return 1.0 - distance/2.0
	}
}
