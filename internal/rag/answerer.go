package rag

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/koopa0/grounded/internal/log"
)

// Generator produces the final answer text from a fully assembled prompt.
// When stream is non-nil it must be called with each output delta as it
// arrives; the complete text is still returned at the end. A stream
// callback error aborts generation.
type Generator interface {
	Generate(ctx context.Context, prompt string, stream func(context.Context, string) error) (string, error)
}

// insufficientContextDirective is prepended to the prompt when advisory
// grounding judged the context insufficient.
const insufficientContextDirective = `NOTE: The provided sources were judged insufficient to fully answer the question. If they do not contain the answer, say that the available sources do not provide enough information. Do not guess.

`

var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

// Answerer runs the generation stage and verifies citation usage.
type Answerer struct {
	generator Generator
	logger    log.Logger
}

// NewAnswerer creates an Answerer backed by the given generator.
func NewAnswerer(generator Generator, logger log.Logger) *Answerer {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Answerer{generator: generator, logger: logger}
}

// Answer generates the final answer from the assembled context.
//
// Citations referenced in the output (by their [n] markers) are
// intersected with the assembled citation list; markers pointing at
// nonexistent indices are ignored. An answer that cites nothing despite
// available context carries a context_ignored warning. The verdict may
// be nil when the grounding stage was skipped.
func (a *Answerer) Answer(ctx context.Context, query string, assembled *AssembledContext, verdict *GroundingVerdict, stream StreamFunc) (*Answer, error) {
	prompt := assembled.Prompt
	if verdict != nil && !verdict.Groundable {
		prompt = insufficientContextDirective + prompt
	}

	var streamFn func(context.Context, string) error
	if stream != nil {
		streamFn = func(_ context.Context, delta string) error {
			return stream(delta)
		}
	}

	text, err := a.generator.Generate(ctx, prompt, streamFn)
	if err != nil {
		return nil, newError(StageAnswer, CodeGenerationFailed,
			fmt.Errorf("generate answer: %w", err))
	}

	used := citedIndices(text, assembled.Citations)
	answer := &Answer{
		Text:          text,
		CitationsUsed: used,
	}
	if verdict != nil {
		answer.Confidence = verdict.Score
	}

	if len(assembled.Citations) > 0 && len(used) == 0 {
		a.logger.Warn("answer cites no context", "query", query, "citations_available", len(assembled.Citations))
		answer.Warnings = append(answer.Warnings, Warning{
			Stage:  StageAnswer,
			Code:   WarnContextIgnored,
			Detail: "answer references none of the supplied citations",
		})
	}

	return answer, nil
}

// citedIndices extracts the citation indices the answer text actually
// references, restricted to indices that exist in the assembled list.
// The result is sorted ascending with duplicates removed.
func citedIndices(text string, citations []Citation) []int {
	valid := make(map[int]bool, len(citations))
	for _, c := range citations {
		valid[c.Index] = true
	}

	seen := make(map[int]bool)
	var used []int
	for _, m := range citationMarker.FindAllStringSubmatch(text, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || !valid[idx] || seen[idx] {
			continue
		}
		seen[idx] = true
		used = append(used, idx)
	}
	sort.Ints(used)
	return used
}
