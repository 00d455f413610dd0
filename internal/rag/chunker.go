package rag

import (
	"strings"
	"unicode"
)

// Chunker splits document text into overlapping, token-bounded chunks.
// Chunking is deterministic: identical text with identical options always
// produces identical boundaries, ordinals and token counts, which is what
// makes re-ingestion idempotent.
//
// A token is a maximal run of non-space characters. Offsets are byte
// offsets into the original text.
type Chunker struct {
	opts Options
}

// NewChunker creates a Chunker with the given options (normalized).
func NewChunker(opts Options) *Chunker {
	return &Chunker{opts: opts.Normalize()}
}

// tokenSpan is one token's byte range within the source text.
type tokenSpan struct {
	start int
	end   int
}

// Split chunks text for the given document ID. Empty or whitespace-only
// spans are dropped. Consecutive chunks re-include up to ChunkOverlap
// trailing tokens of the previous chunk; ordinals increase monotonically.
func (c *Chunker) Split(documentID, text string) []Chunk {
	tokens := scanTokens(text)
	if len(tokens) == 0 {
		return nil
	}

	size := c.opts.ChunkSize
	overlap := c.opts.ChunkOverlap

	var chunks []Chunk
	ordinal := 0

	for i := 0; i < len(tokens); {
		end := i + size
		if end > len(tokens) {
			end = len(tokens)
		}

		// Prefer closing at a sentence boundary at or before the hard
		// limit, but never shrink the chunk to nothing.
		if *c.opts.UseSentenceBoundary && end < len(tokens) {
			if b := lastSentenceEnd(text, tokens, i, end); b > i {
				end = b
			}
		}

		start := tokens[i].start
		stop := tokens[end-1].end
		chunkText := text[start:stop]

		if strings.TrimSpace(chunkText) != "" {
			chunks = append(chunks, Chunk{
				ID:          chunkID(documentID, ordinal, chunkText),
				DocumentID:  documentID,
				Ordinal:     ordinal,
				StartOffset: start,
				EndOffset:   stop,
				Text:        chunkText,
				TokenCount:  end - i,
			})
			ordinal++
		}

		if end == len(tokens) {
			break
		}

		// Start the next chunk `overlap` tokens before the close point,
		// always making forward progress.
		next := end - overlap
		if next <= i {
			next = i + 1
		}
		i = next
	}

	return chunks
}

// scanTokens finds the byte spans of all whitespace-delimited tokens.
func scanTokens(text string) []tokenSpan {
	var spans []tokenSpan
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, tokenSpan{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, tokenSpan{start: start, end: len(text)})
	}
	return spans
}

// lastSentenceEnd returns the token count (exclusive end index) of the
// nearest sentence boundary in (lo, hi], or lo if none exists. A token
// ends a sentence when it finishes with '.', '!' or '?', optionally
// followed by a closing quote, bracket or parenthesis.
func lastSentenceEnd(text string, tokens []tokenSpan, lo, hi int) int {
	for j := hi; j > lo; j-- {
		if endsSentence(text[tokens[j-1].start:tokens[j-1].end]) {
			return j
		}
	}
	return lo
}

// endsSentence reports whether a token terminates a sentence.
func endsSentence(token string) bool {
	// Strip trailing closers so `word.")` still counts.
	token = strings.TrimRight(token, `"')]}`)
	if token == "" {
		return false
	}
	switch token[len(token)-1] {
	case '.', '!', '?':
	default:
		return false
	}
	// Bare punctuation (e.g. an ellipsis line "...") does not close a
	// sentence on its own; require at least one word character.
	trimmed := strings.TrimRight(token, ".!?")
	return trimmed != ""
}

// EstimateTokens provides a rough token count for budget accounting where
// exact tokenization is unavailable (assembled prompts, model output).
// Counts whitespace-delimited words, matching the chunker's token model.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}
