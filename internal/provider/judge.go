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

const judgePromptTemplate = `Judge whether the passages below contain enough information to answer the query. Respond with ONLY a JSON object:
{"score": <0.0-1.0 overall support>, "relevant": ["<ids of passages that support an answer>"], "gaps": ["<information the query needs that no passage provides>"]}

Query: %s

Passages:
%s`

// Judge evaluates assembled context against a query with a lightweight
// Gemini model.
type Judge struct {
	client *genai.Client
	model  string
	logger log.Logger
}

// NewJudge creates a Judge.
func NewJudge(client *genai.Client, model string, logger log.Logger) *Judge {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Judge{client: client, model: model, logger: logger}
}

// Evaluate implements rag.GroundingJudge.
func (j *Judge) Evaluate(ctx context.Context, query string, passages []rag.JudgePassage) (*rag.JudgeResult, error) {
	var sb strings.Builder
	for _, p := range passages {
		fmt.Fprintf(&sb, "id=%s\n%s\n\n", p.ChunkID, p.Text)
	}
	prompt := fmt.Sprintf(judgePromptTemplate, query, sb.String())

	resp, err := j.client.Models.GenerateContent(ctx, j.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}}, nil)
	if err != nil {
		return nil, fmt.Errorf("grounding judgment with %s: %w", j.model, err)
	}

	result, err := parseJudgeResult(resp.Text(), passages)
	if err != nil {
		return nil, err
	}
	j.logger.Debug("grounding judged", "model", j.model, "score", result.Score, "gaps", len(result.Gaps))
	return result, nil
}

// parseJudgeResult decodes the judgment, keeping only relevant IDs that
// name real passages.
func parseJudgeResult(text string, passages []rag.JudgePassage) (*rag.JudgeResult, error) {
	text = stripCodeFences(strings.TrimSpace(text))

	var raw struct {
		Score    float64  `json:"score"`
		Relevant []string `json:"relevant"`
		Gaps     []string `json:"gaps"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parsing grounding judgment: %w", err)
	}

	known := make(map[string]bool, len(passages))
	for _, p := range passages {
		known[p.ChunkID] = true
	}
	var relevant []string
	for _, id := range raw.Relevant {
		if known[id] {
			relevant = append(relevant, id)
		}
	}

	return &rag.JudgeResult{Score: raw.Score, Relevant: relevant, Gaps: raw.Gaps}, nil
}
