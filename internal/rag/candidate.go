package rag

import "github.com/ananyateklu/ragcore/internal/store"

// Candidate is a fused search hit enriched with enough chunk and note data
// to be reranked, assembled into a prompt, and logged. It is the unit of
// work for C9 and C10.
type Candidate struct {
	ChunkID     string
	NoteID      string
	ChunkIndex  int
	Content     string
	NoteTitle   string
	NoteTags    []string
	NoteSummary string

	VectorScore float64
	BM25Score   float64
	FusedScore  float64

	RelevanceScore float64 // 0-10, set by the reranker
	FinalScore     float64
	Reranked       bool
}

// enrichCandidates turns fused results into Candidates by fetching each
// referenced note's chunks once and looking up content by chunk index, since
// the metadata store only exposes chunk retrieval grouped by note.
func enrichCandidates(fused []*FusedResult, chunksByNote map[string][]*store.Chunk, notes map[string]*store.Note) []*Candidate {
	candidates := make([]*Candidate, 0, len(fused))
	for _, f := range fused {
		chunks := chunksByNote[f.NoteID]
		var content string
		var chunkIndex int
		for _, c := range chunks {
			if c.ID() == f.ChunkID {
				content = c.Content
				chunkIndex = c.Index
				break
			}
		}

		candidate := &Candidate{
			ChunkID:     f.ChunkID,
			NoteID:      f.NoteID,
			ChunkIndex:  chunkIndex,
			Content:     content,
			VectorScore: f.VectorScore,
			BM25Score:   f.BM25Score,
			FusedScore:  f.FusedScore,
		}

		if note, ok := notes[f.NoteID]; ok {
			candidate.NoteTitle = note.Title
			candidate.NoteTags = note.Tags
			candidate.NoteSummary = note.Summary
		}

		candidates = append(candidates, candidate)
	}
	return candidates
}
