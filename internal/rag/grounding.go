package rag

import (
	"context"
	"fmt"

	"github.com/koopa0/grounded/internal/log"
)

// JudgePassage is one assembled-context passage submitted for grounding
// judgment.
type JudgePassage struct {
	ChunkID string
	Text    string
}

// JudgeResult is the external judge's contract: an overall support score
// in [0,1], the subset of passages that plausibly support an answer, and
// a free-text list of unmet information needs.
type JudgeResult struct {
	Score    float64
	Relevant []string
	Gaps     []string
}

// GroundingJudge evaluates whether context passages can support answering
// the query. The judgment itself is an external capability (relevance /
// entailment model); this package only defines the contract.
type GroundingJudge interface {
	Evaluate(ctx context.Context, query string, passages []JudgePassage) (*JudgeResult, error)
}

// Checker verifies the assembled context before generation is paid for.
type Checker struct {
	judge  GroundingJudge
	logger log.Logger
}

// NewChecker creates a grounding Checker.
func NewChecker(judge GroundingJudge, logger log.Logger) *Checker {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Checker{judge: judge, logger: logger}
}

// Check runs the grounding stage.
//
// The verdict is groundable iff the score meets opts.GroundingThreshold
// and, in strict mode, no gaps remain. In strict mode an ungroundable
// (or unverifiable) context fails with INSUFFICIENT_CONTEXT so the
// pipeline stops before generation. In advisory mode failures degrade to
// a warning: the verdict still flows to the answerer, which is
// instructed to answer "insufficient information" rather than hallucinate.
func (c *Checker) Check(ctx context.Context, query string, passages []JudgePassage, opts Options) (*GroundingVerdict, []Warning, error) {
	opts = opts.Normalize()

	result, err := c.judge.Evaluate(ctx, query, passages)
	if err != nil {
		if *opts.StrictGrounding {
			return nil, nil, newError(StageGround, CodeInsufficientContext,
				fmt.Errorf("grounding judge unavailable, cannot verify context: %w", err))
		}
		c.logger.Warn("grounding judge unavailable, proceeding unverified", "error", err)
		warning := Warning{
			Stage:  StageGround,
			Code:   WarnGroundingAdvisory,
			Detail: fmt.Sprintf("grounding judge unavailable: %v", err),
		}
		// Unverifiable in advisory mode: let the answerer proceed.
		return &GroundingVerdict{Groundable: true, Score: 0}, []Warning{warning}, nil
	}

	score := clamp01(result.Score)
	verdict := &GroundingVerdict{
		Score:          score,
		RelevantChunks: result.Relevant,
		Gaps:           result.Gaps,
	}
	verdict.Groundable = score >= opts.GroundingThreshold
	if *opts.StrictGrounding && len(result.Gaps) > 0 {
		verdict.Groundable = false
	}

	c.logger.Debug("grounding evaluated",
		"score", score,
		"groundable", verdict.Groundable,
		"gaps", len(result.Gaps),
		"strict", *opts.StrictGrounding,
	)

	if verdict.Groundable {
		return verdict, nil, nil
	}

	if *opts.StrictGrounding {
		if score >= opts.GroundingThreshold {
			return verdict, nil, newError(StageGround, CodeInsufficientContext,
				fmt.Errorf("context leaves %d information gaps unresolved (score %.2f)",
					len(result.Gaps), score))
		}
		return verdict, nil, newError(StageGround, CodeInsufficientContext,
			fmt.Errorf("grounding score %.2f below threshold %.2f (gaps: %d)",
				score, opts.GroundingThreshold, len(result.Gaps)))
	}

	warning := Warning{
		Stage:  StageGround,
		Code:   WarnGroundingAdvisory,
		Detail: fmt.Sprintf("grounding score %.2f below threshold %.2f", score, opts.GroundingThreshold),
	}
	return verdict, []Warning{warning}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
