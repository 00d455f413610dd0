package rag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/koopa0/grounded/internal/log"
)

// DefaultPromptTemplate is the citation-constrained prompt used when the
// caller supplies none. Placeholders: {context} and {query}.
const DefaultPromptTemplate = `Answer the question using ONLY the sources below. ` +
	`Reference sources by their bracketed index, e.g. [1]. ` +
	`If the sources do not contain the answer, say so explicitly instead of guessing.

Sources:
{context}

Question: {query}`

// previewLength bounds the citation content preview.
const previewLength = 160

// Assembler packs ranked chunks into a token-budgeted prompt with
// citation bookkeeping.
type Assembler struct {
	template string
	logger   log.Logger
}

// NewAssembler creates an Assembler. template may be empty to use
// DefaultPromptTemplate; it must contain {context} and {query}
// placeholders.
func NewAssembler(template string, logger log.Logger) *Assembler {
	if template == "" {
		template = DefaultPromptTemplate
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Assembler{template: template, logger: logger}
}

// Assemble orders candidates per opts.ContextOrdering and greedily packs
// them into the token budget. Every included chunk receives the next
// sequential citation index (starting at 1); chunks that do not fit are
// recorded in ExcludedChunks rather than silently dropped.
//
// The budget is tight: any excluded chunk would overflow the budget if
// re-added. If not even the single highest-ranked chunk fits, Assemble
// fails with CONTEXT_OVERFLOW rather than emitting an empty context.
func (a *Assembler) Assemble(query string, ranked []RankedCandidate, opts Options) (*AssembledContext, error) {
	opts = opts.Normalize()

	if len(ranked) == 0 {
		return nil, newError(StageAssemble, CodeInsufficientContext, fmt.Errorf("no candidates to assemble"))
	}

	ordered := orderCandidates(ranked, opts.ContextOrdering)

	var (
		included  []RankedCandidate
		excluded  []string
		citations []Citation
		total     int
	)

	for _, c := range ordered {
		if total+c.Chunk.TokenCount > opts.MaxContextTokens {
			excluded = append(excluded, c.Chunk.ID)
			continue
		}
		total += c.Chunk.TokenCount
		included = append(included, c)
		citations = append(citations, Citation{
			Index:      len(included),
			ChunkID:    c.Chunk.ID,
			SourceID:   c.DataSourceID,
			SourceName: c.SourceName,
			Preview:    preview(c.Chunk.Text),
			Relevance:  c.RerankScore,
		})
	}

	if len(included) == 0 {
		return nil, newError(StageAssemble, CodeContextOverflow,
			fmt.Errorf("budget of %d tokens cannot fit the highest-ranked chunk (%d tokens)",
				opts.MaxContextTokens, ordered[0].Chunk.TokenCount))
	}

	var sb strings.Builder
	for i, c := range included {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%d] (%s)\n%s", i+1, c.SourceName, c.Chunk.Text)
	}

	prompt := strings.ReplaceAll(a.template, "{context}", sb.String())
	prompt = strings.ReplaceAll(prompt, "{query}", query)

	a.logger.Debug("context assembled",
		"included", len(included),
		"excluded", len(excluded),
		"tokens", total,
		"budget", opts.MaxContextTokens,
	)

	return &AssembledContext{
		Prompt:         prompt,
		Citations:      citations,
		TokenCount:     total,
		ExcludedChunks: excluded,
	}, nil
}

// orderCandidates applies the context ordering strategy without mutating
// the input slice.
func orderCandidates(ranked []RankedCandidate, ordering string) []RankedCandidate {
	out := make([]RankedCandidate, len(ranked))
	copy(out, ranked)

	switch ordering {
	case OrderScoreAsc:
		// Best candidates last, closest to the question.
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	case OrderPosition:
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Chunk.DocumentID != out[j].Chunk.DocumentID {
				return out[i].Chunk.DocumentID < out[j].Chunk.DocumentID
			}
			return out[i].Chunk.Ordinal < out[j].Chunk.Ordinal
		})
	default: // OrderScoreDesc: ranked order as given
	}
	return out
}

// preview returns the first previewLength runes of text on one line.
func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= previewLength {
		return text
	}
	return string(runes[:previewLength]) + "…"
}
