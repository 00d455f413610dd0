package rag

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/koopa0/grounded/internal/log"
)

// RerankCandidate is one document candidate submitted for cross-encoder
// style relevance scoring.
type RerankCandidate struct {
	// ID is the chunk ID, used to map results back.
	ID string
	// Content is the text scored against the query.
	Content string
	// Score is the fused retrieval score (for debugging and fallback).
	Score float64
}

// RerankResult is a scored candidate. Candidates absent from the result
// slice are treated as failed and fall back to their fused score.
type RerankResult struct {
	ID    string
	Score float64
}

// RerankScorer scores candidates against a query with a relevance model.
// Implementations may batch all candidates into one external call.
type RerankScorer interface {
	// Rerank returns relevance scores in [0,1]. A partially failed batch
	// returns results for the items that succeeded; the rest fall back.
	Rerank(ctx context.Context, query string, candidates []RerankCandidate) ([]RerankResult, error)

	// ModelName identifies the model for logging.
	ModelName() string
}

// DefaultRerankTimeout bounds the external rerank call. On expiry the
// stage falls back to fused scores rather than failing the pipeline.
const DefaultRerankTimeout = 10 * time.Second

// Reranker re-scores retrieval candidates with a precision-oriented model
// and truncates to the rerank topK. The stage is degradable: it never
// fails the pipeline, only attaches warnings.
type Reranker struct {
	scorer  RerankScorer
	timeout time.Duration
	logger  log.Logger
}

// NewReranker creates a Reranker. scorer may be nil, in which case every
// candidate falls back to its fused score (reranking disabled).
func NewReranker(scorer RerankScorer, timeout time.Duration, logger log.Logger) *Reranker {
	if timeout <= 0 {
		timeout = DefaultRerankTimeout
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Reranker{scorer: scorer, timeout: timeout, logger: logger}
}

// Rerank runs the rerank stage. It returns the ranked candidates and any
// non-fatal warnings; it never returns an error.
//
// Ordering: rerank score strictly determines final order; ties break by
// fused score, then chunk ID. Candidates below opts.RerankMinScore are
// dropped only when their score came from the reranker; a fallback
// never silently discards retrieval results.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []RetrievalCandidate, opts Options) ([]RankedCandidate, []Warning) {
	opts = opts.Normalize()

	if len(candidates) == 0 {
		return nil, nil
	}

	var warnings []Warning
	scores := make(map[string]float64)

	if *opts.RerankEnabled && r.scorer != nil {
		rerankCtx, cancel := context.WithTimeout(ctx, r.timeout)
		results, err := r.scorer.Rerank(rerankCtx, query, toRerankCandidates(candidates))
		cancel()

		switch {
		case err != nil:
			// Whole-batch failure: every candidate falls back.
			r.logger.Warn("rerank failed, falling back to fused scores",
				"model", r.scorer.ModelName(), "error", err)
			warnings = append(warnings, Warning{
				Stage:  StageRerank,
				Code:   WarnRerankFallback,
				Detail: fmt.Sprintf("rerank unavailable: %v", err),
			})
		default:
			for _, res := range results {
				scores[res.ID] = res.Score
			}
			if missing := len(candidates) - len(scores); missing > 0 {
				// Partial failure: only the failed items fall back.
				r.logger.Warn("rerank scored a subset of candidates",
					"model", r.scorer.ModelName(), "missing", missing)
				warnings = append(warnings, Warning{
					Stage:  StageRerank,
					Code:   WarnRerankFallback,
					Detail: fmt.Sprintf("%d of %d candidates not scored, using fused scores", missing, len(candidates)),
				})
			}
		}
	}

	ranked := make([]RankedCandidate, 0, len(candidates))
	for _, c := range candidates {
		score, scored := scores[c.Chunk.ID]
		if scored && score < opts.RerankMinScore {
			continue
		}
		if !scored {
			score = c.FusedScore
		}
		ranked = append(ranked, RankedCandidate{
			RetrievalCandidate: c,
			RerankScore:        score,
			FusedFallback:      !scored,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].RerankScore != ranked[j].RerankScore {
			return ranked[i].RerankScore > ranked[j].RerankScore
		}
		if ranked[i].FusedScore != ranked[j].FusedScore {
			return ranked[i].FusedScore > ranked[j].FusedScore
		}
		return ranked[i].Chunk.ID < ranked[j].Chunk.ID
	})

	if len(ranked) > opts.RerankTopK {
		ranked = ranked[:opts.RerankTopK]
	}

	return ranked, warnings
}

func toRerankCandidates(candidates []RetrievalCandidate) []RerankCandidate {
	out := make([]RerankCandidate, len(candidates))
	for i, c := range candidates {
		out[i] = RerankCandidate{
			ID:      c.Chunk.ID,
			Content: c.Chunk.Text,
			Score:   c.FusedScore,
		}
	}
	return out
}
