package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/koopa0/grounded/internal/log"
	"github.com/koopa0/grounded/internal/rag"
)

const rerankPromptTemplate = `Score each passage for how well it answers the query. Respond with ONLY a JSON array, one object per passage: [{"id": "<passage id>", "score": <0.0-1.0>}]. Omit passages you cannot score.

Query: %s

Passages:
%s`

// RerankScorer scores retrieval candidates with a lightweight Gemini
// model in a single batched call.
type RerankScorer struct {
	client *genai.Client
	model  string
	logger log.Logger
}

// NewRerankScorer creates a RerankScorer.
func NewRerankScorer(client *genai.Client, model string, logger log.Logger) *RerankScorer {
	if logger == nil {
		logger = log.NewNop()
	}
	return &RerankScorer{client: client, model: model, logger: logger}
}

// ModelName identifies the scoring model.
func (r *RerankScorer) ModelName() string { return r.model }

// Rerank scores candidates against the query. Results cover the subset
// of candidates the model scored; unknown IDs and out-of-range scores
// are discarded so a confused response degrades to a partial fallback
// instead of corrupting the ranking.
func (r *RerankScorer) Rerank(ctx context.Context, query string, candidates []rag.RerankCandidate) ([]rag.RerankResult, error) {
	var sb strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&sb, "id=%s\n%s\n\n", c.ID, c.Content)
	}
	prompt := fmt.Sprintf(rerankPromptTemplate, query, sb.String())

	resp, err := r.client.Models.GenerateContent(ctx, r.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}}, nil)
	if err != nil {
		return nil, fmt.Errorf("rerank with %s: %w", r.model, err)
	}

	results, err := parseRerankScores(resp.Text(), candidates)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("rerank scored", "model", r.model, "candidates", len(candidates), "scored", len(results))
	return results, nil
}

// parseRerankScores extracts valid (known id, in-range score) pairs from
// the model output.
func parseRerankScores(text string, candidates []rag.RerankCandidate) ([]rag.RerankResult, error) {
	text = stripCodeFences(strings.TrimSpace(text))

	var raw []struct {
		ID    string  `json:"id"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parsing rerank response: %w", err)
	}

	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.ID] = true
	}

	seen := make(map[string]bool, len(raw))
	var results []rag.RerankResult
	for _, item := range raw {
		if !known[item.ID] || seen[item.ID] || item.Score < 0 || item.Score > 1 {
			continue
		}
		seen[item.ID] = true
		results = append(results, rag.RerankResult{ID: item.ID, Score: item.Score})
	}
	return results, nil
}

// stripCodeFences removes a surrounding markdown code fence, which
// models add even when told not to.
func stripCodeFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
