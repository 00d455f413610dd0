package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeJudge struct {
	result      *JudgeResult
	err         error
	calls       int
	gotQuery    string
	gotPassages []JudgePassage
}

func (f *fakeJudge) Evaluate(ctx context.Context, query string, passages []JudgePassage) (*JudgeResult, error) {
	f.calls++
	f.gotQuery = query
	f.gotPassages = passages
	return f.result, f.err
}

func strictOpts(strict bool) Options {
	o := DefaultOptions()
	o.StrictGrounding = Bool(strict)
	o.GroundingThreshold = 0.5
	return o
}

func TestCheckGroundable(t *testing.T) {
	judge := &fakeJudge{result: &JudgeResult{Score: 0.8, Relevant: []string{"c1"}}}
	c := NewChecker(judge, nil)

	passages := []JudgePassage{{ChunkID: "c1", Text: "relevant text"}}
	verdict, warnings, err := c.Check(context.Background(), "q", passages, strictOpts(false))
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Groundable || verdict.Score != 0.8 {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings %v", warnings)
	}
	if judge.gotQuery != "q" || len(judge.gotPassages) != 1 {
		t.Errorf("judge saw query=%q passages=%d", judge.gotQuery, len(judge.gotPassages))
	}
}

func TestCheckAdvisoryBelowThreshold(t *testing.T) {
	judge := &fakeJudge{result: &JudgeResult{Score: 0.2, Gaps: []string{"no pricing data"}}}
	c := NewChecker(judge, nil)

	verdict, warnings, err := c.Check(context.Background(), "q", nil, strictOpts(false))
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Groundable {
		t.Error("verdict should not be groundable at score 0.2")
	}
	if len(warnings) != 1 || warnings[0].Code != WarnGroundingAdvisory {
		t.Fatalf("expected grounding_advisory warning, got %v", warnings)
	}
}

func TestCheckStrictBelowThreshold(t *testing.T) {
	judge := &fakeJudge{result: &JudgeResult{Score: 0.2}}
	c := NewChecker(judge, nil)

	_, _, err := c.Check(context.Background(), "q", nil, strictOpts(true))
	if !IsCode(err, CodeInsufficientContext) {
		t.Fatalf("expected INSUFFICIENT_CONTEXT, got %v", err)
	}
}

func TestCheckStrictGapsBlock(t *testing.T) {
	// Score clears the threshold but strict mode requires zero gaps.
	judge := &fakeJudge{result: &JudgeResult{Score: 0.9, Gaps: []string{"missing date"}}}
	c := NewChecker(judge, nil)

	_, _, err := c.Check(context.Background(), "q", nil, strictOpts(true))
	if !IsCode(err, CodeInsufficientContext) {
		t.Fatalf("expected INSUFFICIENT_CONTEXT, got %v", err)
	}
	// The message must name the actual cause: gaps, not the score.
	if msg := err.Error(); !strings.Contains(msg, "gaps") || strings.Contains(msg, "below threshold") {
		t.Errorf("error should report the unresolved gaps: %q", msg)
	}
}

func TestCheckAdvisoryGapsAllowed(t *testing.T) {
	judge := &fakeJudge{result: &JudgeResult{Score: 0.9, Gaps: []string{"missing date"}}}
	c := NewChecker(judge, nil)

	verdict, warnings, err := c.Check(context.Background(), "q", nil, strictOpts(false))
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Groundable {
		t.Error("advisory mode should pass above-threshold scores despite gaps")
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings %v", warnings)
	}
}

func TestCheckJudgeUnavailable(t *testing.T) {
	t.Run("strict", func(t *testing.T) {
		c := NewChecker(&fakeJudge{err: errors.New("judge down")}, nil)
		_, _, err := c.Check(context.Background(), "q", nil, strictOpts(true))
		if !IsCode(err, CodeInsufficientContext) {
			t.Fatalf("expected INSUFFICIENT_CONTEXT, got %v", err)
		}
	})
	t.Run("advisory", func(t *testing.T) {
		c := NewChecker(&fakeJudge{err: errors.New("judge down")}, nil)
		verdict, warnings, err := c.Check(context.Background(), "q", nil, strictOpts(false))
		if err != nil {
			t.Fatal(err)
		}
		if !verdict.Groundable {
			t.Error("advisory mode should proceed when the judge is unavailable")
		}
		if len(warnings) != 1 || warnings[0].Code != WarnGroundingAdvisory {
			t.Fatalf("expected grounding_advisory warning, got %v", warnings)
		}
	})
}

func TestCheckClampsScore(t *testing.T) {
	judge := &fakeJudge{result: &JudgeResult{Score: 1.7}}
	c := NewChecker(judge, nil)

	verdict, _, err := c.Check(context.Background(), "q", nil, strictOpts(false))
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Score != 1 {
		t.Errorf("Score = %v, want 1", verdict.Score)
	}
}
