package chunk

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// NoteChunkerOptions configures NoteChunker's behavior. Zero values fall back
// to the package defaults, which mirror config.ChunkingConfig's defaults.
type NoteChunkerOptions struct {
	MaxTokens     int  // MAX_TOKENS (default: DefaultMaxChunkTokens)
	OverlapTokens int  // OVERLAP (default: DefaultOverlapTokens)
	MinTokens     int  // MIN_TOKENS (default: DefaultMinChunkTokens)
	Disabled      bool // when true, always emit a single enriched-content chunk
}

// NoteChunker implements the header-based Markdown chunking algorithm used
// to split a note's enriched content into embeddable pieces.
type NoteChunker struct {
	options NoteChunkerOptions
}

var (
	// headerPattern matches ATX headers: # Title, ## Title, etc.
	headerPattern = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)

	// codeBlockPattern matches fenced code blocks, including metadata.
	codeBlockPattern = regexp.MustCompile("(?s)```.*?```")

	// listLinePattern matches a single ordered or unordered list item line.
	listLinePattern = regexp.MustCompile(`^\s*([-*+]|\d+[.)])\s+`)

	// sentenceBoundaryPattern matches ". ", "! ", "? " and the same before a
	// newline.
	sentenceBoundaryPattern = regexp.MustCompile(`[.!?](\s+|\n)`)
)

// NewNoteChunker creates a chunker with default options.
func NewNoteChunker() *NoteChunker {
	return NewNoteChunkerWithOptions(NoteChunkerOptions{})
}

// NewNoteChunkerWithOptions creates a chunker with custom options.
func NewNoteChunkerWithOptions(opts NoteChunkerOptions) *NoteChunker {
	if opts.MaxTokens == 0 {
		opts.MaxTokens = DefaultMaxChunkTokens
	}
	if opts.OverlapTokens == 0 {
		opts.OverlapTokens = DefaultOverlapTokens
	}
	if opts.MinTokens == 0 {
		opts.MinTokens = DefaultMinChunkTokens
	}
	return &NoteChunker{options: opts}
}

// estimateTokens approximates a token count from character length. The
// chunker never uses a real tokenizer; 3.5 chars/token is the contract.
func estimateTokens(s string) int {
	return int(math.Ceil(float64(len(s)) / TokensPerChar))
}

// buildEnrichedContent prepends denormalized note fields to the body so the
// embedded/indexed text carries title, tags, and dates without a join.
func buildEnrichedContent(note *NoteInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", note.Title)
	fmt.Fprintf(&b, "Tags: %s\n", strings.Join(note.Tags, ", "))
	fmt.Fprintf(&b, "Created: %s\n", note.CreatedAt)
	fmt.Fprintf(&b, "Last Updated: %s\n", note.UpdatedAt)
	b.WriteString("\nContent:\n")
	b.WriteString(note.Body)
	return b.String()
}

func noteIsEntirelyEmpty(note *NoteInput) bool {
	return note.Title == "" && note.Body == "" && len(note.Tags) == 0 &&
		note.CreatedAt == "" && note.UpdatedAt == ""
}

func singleChunk(noteID, content string) *Chunk {
	return &Chunk{
		NoteID:      noteID,
		Index:       0,
		Content:     content,
		TokenCount:  estimateTokens(content),
		StartOffset: 0,
		EndOffset:   len(content),
	}
}

// Chunk splits note into an ordered, contiguously indexed sequence of
// chunks.
func (c *NoteChunker) Chunk(note *NoteInput) ([]*Chunk, error) {
	if noteIsEntirelyEmpty(note) {
		return nil, nil
	}

	enriched := buildEnrichedContent(note)

	if c.options.Disabled || note.Body == "" {
		return []*Chunk{singleChunk(note.NoteID, enriched)}, nil
	}

	if estimateTokens(enriched) <= c.options.MaxTokens {
		return []*Chunk{singleChunk(note.NoteID, enriched)}, nil
	}

	sections := parseSections(enriched, note.Title)

	var chunks []*Chunk
	offset := 0
	for _, sec := range sections {
		secChunks := c.chunkSection(sec, offset)
		chunks = append(chunks, secChunks...)
		offset += len(sec.content)
	}

	chunks = reindex(note.NoteID, chunks)
	chunks = c.postMergeUndersized(note.NoteID, chunks)

	return chunks, nil
}

// section is one Markdown-header-delimited region of the enriched content.
type section struct {
	level       int
	header      string
	parent      string
	content     string // body following the header line (or the whole region for level 0)
	startOffset int
}

// parseSections splits content into sections by ATX header, tracking each
// section's nearest-shallower-level header as its parent. Content preceding
// the first header becomes a single level-0 section named after the note's
// title.
func parseSections(content, noteTitle string) []*section {
	matches := headerPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return []*section{{level: 0, header: noteTitle, content: content, startOffset: 0}}
	}

	var sections []*section
	var stack []string // stack[i] = most recent header text at level i+1

	if matches[0][0] > 0 {
		sections = append(sections, &section{
			level:       0,
			header:      noteTitle,
			content:     content[:matches[0][0]],
			startOffset: 0,
		})
	}

	for i, m := range matches {
		level := m[3] - m[2]
		header := strings.TrimSpace(content[m[4]:m[5]])

		end := len(content)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		body := content[m[1]:end]

		for len(stack) < level {
			stack = append(stack, "")
		}
		stack = stack[:level]
		parent := ""
		if level > 1 {
			parent = stack[level-2]
		}
		if level >= 1 {
			if len(stack) < level {
				stack = append(stack, header)
			} else {
				stack[level-1] = header
			}
		}

		sections = append(sections, &section{
			level:       level,
			header:      header,
			parent:      parent,
			content:     body,
			startOffset: m[0],
		})
	}

	return sections
}

// contextHeader synthesizes the "Section: <parent>\n\n<#…#> <header>" prefix
// that gives a split-out chunk the surrounding context it lost.
func contextHeader(sec *section) string {
	if sec.level == 0 {
		return fmt.Sprintf("Section: %s\n\n%s", sec.parent, sec.header)
	}
	return fmt.Sprintf("Section: %s\n\n%s %s", sec.parent, strings.Repeat("#", sec.level), sec.header)
}

func (c *NoteChunker) chunkSection(sec *section, baseOffset int) []*Chunk {
	ctxHeader := contextHeader(sec)
	combined := ctxHeader + "\n\n" + sec.content

	if estimateTokens(combined) <= c.options.MaxTokens {
		return []*Chunk{{
			Content:      combined,
			SectionTitle: sec.header,
			TokenCount:   estimateTokens(combined),
			StartOffset:  baseOffset + sec.startOffset,
			EndOffset:    baseOffset + sec.startOffset + len(sec.content),
		}}
	}

	budget := c.options.MaxTokens - estimateTokens(ctxHeader) - 10
	if budget < 1 {
		budget = 1
	}

	units := splitIntoUnits(sec.content)

	var chunks []*Chunk
	var current []string
	currentTokens := 0
	chunkStart := baseOffset + sec.startOffset

	flush := func() {
		if len(current) == 0 {
			return
		}
		body := strings.Join(current, "\n\n")
		chunks = append(chunks, &Chunk{
			Content:      ctxHeader + "\n\n" + body,
			SectionTitle: sec.header,
			TokenCount:   estimateTokens(ctxHeader) + estimateTokens(body),
			StartOffset:  chunkStart,
			EndOffset:    chunkStart + len(body),
		})
	}

	for _, unit := range units {
		unitTokens := estimateTokens(unit)

		if unitTokens > budget {
			// A single unit alone exceeds the budget: flush what we have,
			// then sentence-split the oversized unit and pack those pieces.
			flush()
			current = nil
			currentTokens = 0

			for _, piece := range packBySentence(unit, budget) {
				chunks = append(chunks, &Chunk{
					Content:      ctxHeader + "\n\n" + piece,
					SectionTitle: sec.header,
					TokenCount:   estimateTokens(ctxHeader) + estimateTokens(piece),
					StartOffset:  chunkStart,
					EndOffset:    chunkStart + len(piece),
				})
			}
			continue
		}

		if currentTokens+unitTokens > budget && len(current) > 0 {
			flush()
			current = overlapSeed(current, c.options.OverlapTokens)
			currentTokens = 0
			for _, u := range current {
				currentTokens += estimateTokens(u)
			}
		}

		current = append(current, unit)
		currentTokens += unitTokens
	}
	flush()

	return chunks
}

// overlapSeed returns the trailing units of a just-emitted chunk whose
// combined token count is at most overlapTokens, to seed the next chunk with
// continuity.
func overlapSeed(units []string, overlapTokens int) []string {
	if overlapTokens <= 0 {
		return nil
	}
	var seed []string
	total := 0
	for i := len(units) - 1; i >= 0; i-- {
		t := estimateTokens(units[i])
		if total+t > overlapTokens && len(seed) > 0 {
			break
		}
		seed = append([]string{units[i]}, seed...)
		total += t
	}
	return seed
}

// splitIntoUnits breaks section content into semantic units: fenced code
// blocks are first extracted and replaced with opaque placeholders so they
// are never split, list paragraphs (>50% of lines look like a list item) are
// kept whole, everything else is split on blank-line paragraph breaks.
func splitIntoUnits(content string) []string {
	var codeBlocks []string
	withPlaceholders := codeBlockPattern.ReplaceAllStringFunc(content, func(block string) string {
		idx := len(codeBlocks)
		codeBlocks = append(codeBlocks, block)
		return fmt.Sprintf("\x00CODEBLOCK%d\x00", idx)
	})

	raw := strings.Split(withPlaceholders, "\n\n")
	var parts []string
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		for i, block := range codeBlocks {
			trimmed = strings.ReplaceAll(trimmed, fmt.Sprintf("\x00CODEBLOCK%d\x00", i), block)
		}
		parts = append(parts, trimmed)
	}

	// A "loose" Markdown list has blank lines between items, which the split
	// above just broke apart. Re-merge adjacent list-paragraph parts back
	// into a single unit so a list is never split across chunks.
	var units []string
	for _, part := range parts {
		if len(units) > 0 && isListParagraph(units[len(units)-1]) && isListParagraph(part) {
			units[len(units)-1] = units[len(units)-1] + "\n\n" + part
			continue
		}
		units = append(units, part)
	}
	return units
}

// isListParagraph reports whether more than half of unit's non-blank lines
// look like an ordered or unordered list item.
func isListParagraph(unit string) bool {
	lines := strings.Split(unit, "\n")
	var total, listLines int
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		total++
		if listLinePattern.MatchString(line) {
			listLines++
		}
	}
	return total > 0 && listLines*2 > total
}

// packBySentence splits an over-budget unit on sentence boundaries and packs
// the resulting sentences into pieces bounded by budget tokens. If no
// sentence boundary exists, the unit is returned whole.
func packBySentence(unit string, budget int) []string {
	locs := sentenceBoundaryPattern.FindAllStringIndex(unit, -1)
	if len(locs) == 0 {
		return []string{unit}
	}

	var sentences []string
	last := 0
	for _, loc := range locs {
		sentences = append(sentences, unit[last:loc[1]])
		last = loc[1]
	}
	if last < len(unit) {
		sentences = append(sentences, unit[last:])
	}

	var pieces []string
	var current strings.Builder
	currentTokens := 0
	for _, s := range sentences {
		t := estimateTokens(s)
		if currentTokens > 0 && currentTokens+t > budget {
			pieces = append(pieces, strings.TrimSpace(current.String()))
			current.Reset()
			currentTokens = 0
		}
		current.WriteString(s)
		currentTokens += t
	}
	if current.Len() > 0 {
		pieces = append(pieces, strings.TrimSpace(current.String()))
	}
	return pieces
}

// reindex stamps NoteID and 0-based contiguous Index on each chunk.
func reindex(noteID string, chunks []*Chunk) []*Chunk {
	for i, ch := range chunks {
		ch.NoteID = noteID
		ch.Index = i
	}
	return chunks
}

// postMergeUndersized scans the chunk list once, merging any chunk whose
// token count is below MinTokens into its successor when the combined count
// still fits within MaxTokens.
func (c *NoteChunker) postMergeUndersized(noteID string, chunks []*Chunk) []*Chunk {
	if len(chunks) < 2 {
		return chunks
	}

	var merged []*Chunk
	i := 0
	for i < len(chunks) {
		cur := chunks[i]
		if i+1 < len(chunks) && cur.TokenCount < c.options.MinTokens {
			next := chunks[i+1]
			combinedContent := cur.Content + "\n\n" + next.Content
			combinedTokens := estimateTokens(combinedContent)
			if combinedTokens <= c.options.MaxTokens {
				merged = append(merged, &Chunk{
					Content:      combinedContent,
					SectionTitle: cur.SectionTitle,
					TokenCount:   combinedTokens,
					StartOffset:  cur.StartOffset,
					EndOffset:    next.EndOffset,
				})
				i += 2
				continue
			}
		}
		merged = append(merged, cur)
		i++
	}

	return reindex(noteID, merged)
}
