package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeGenerator struct {
	text      string
	err       error
	calls     int
	gotPrompt string
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, stream func(context.Context, string) error) (string, error) {
	f.calls++
	f.gotPrompt = prompt
	if f.err != nil {
		return "", f.err
	}
	if stream != nil {
		// Deliver the text as two deltas, like a streaming provider.
		mid := len(f.text) / 2
		for _, delta := range []string{f.text[:mid], f.text[mid:]} {
			if err := stream(ctx, delta); err != nil {
				return "", err
			}
		}
	}
	return f.text, nil
}

func assembledWith(citations ...int) *AssembledContext {
	ctx := &AssembledContext{Prompt: "Sources...\nQuestion: q"}
	for _, i := range citations {
		ctx.Citations = append(ctx.Citations, Citation{Index: i, ChunkID: "c", SourceID: "src-1"})
	}
	return ctx
}

func TestAnswerCitationsUsed(t *testing.T) {
	gen := &fakeGenerator{text: "Per [1], retries help. See also [3] and again [1]. [9] is bogus."}
	a := NewAnswerer(gen, nil)

	answer, err := a.Answer(context.Background(), "q", assembledWith(1, 2, 3), &GroundingVerdict{Groundable: true, Score: 0.8}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(answer.CitationsUsed) != 2 || answer.CitationsUsed[0] != 1 || answer.CitationsUsed[1] != 3 {
		t.Fatalf("CitationsUsed = %v, want [1 3]", answer.CitationsUsed)
	}
	if answer.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want 0.8", answer.Confidence)
	}
	if len(answer.Warnings) != 0 {
		t.Errorf("unexpected warnings %v", answer.Warnings)
	}
}

func TestAnswerContextIgnored(t *testing.T) {
	gen := &fakeGenerator{text: "An answer citing nothing at all."}
	a := NewAnswerer(gen, nil)

	answer, err := a.Answer(context.Background(), "q", assembledWith(1, 2), &GroundingVerdict{Groundable: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(answer.Warnings) != 1 || answer.Warnings[0].Code != WarnContextIgnored {
		t.Fatalf("expected context_ignored warning, got %v", answer.Warnings)
	}
}

func TestAnswerGenerationFailed(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("provider 500")}
	a := NewAnswerer(gen, nil)

	_, err := a.Answer(context.Background(), "q", assembledWith(1), nil, nil)
	if !IsCode(err, CodeGenerationFailed) {
		t.Fatalf("expected GENERATION_FAILED, got %v", err)
	}
}

func TestAnswerStreaming(t *testing.T) {
	gen := &fakeGenerator{text: "streamed answer [1]"}
	a := NewAnswerer(gen, nil)

	var got strings.Builder
	answer, err := a.Answer(context.Background(), "q", assembledWith(1), nil, func(delta string) error {
		got.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != answer.Text {
		t.Errorf("streamed %q, final text %q", got.String(), answer.Text)
	}
}

func TestAnswerStreamAbort(t *testing.T) {
	gen := &fakeGenerator{text: "some text"}
	a := NewAnswerer(gen, nil)

	_, err := a.Answer(context.Background(), "q", assembledWith(1), nil, func(string) error {
		return errors.New("client went away")
	})
	if !IsCode(err, CodeGenerationFailed) {
		t.Fatalf("expected GENERATION_FAILED, got %v", err)
	}
}

func TestAnswerInsufficientContextDirective(t *testing.T) {
	gen := &fakeGenerator{text: "not enough information"}
	a := NewAnswerer(gen, nil)

	verdict := &GroundingVerdict{Groundable: false, Score: 0.1}
	if _, err := a.Answer(context.Background(), "q", assembledWith(1), verdict, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(gen.gotPrompt, insufficientContextDirective) {
		t.Error("ungroundable verdict should prepend the insufficient-context directive")
	}

	gen2 := &fakeGenerator{text: "ok [1]"}
	a2 := NewAnswerer(gen2, nil)
	if _, err := a2.Answer(context.Background(), "q", assembledWith(1), &GroundingVerdict{Groundable: true}, nil); err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(gen2.gotPrompt, insufficientContextDirective) {
		t.Error("groundable verdict must not prepend the directive")
	}
}

func TestCitedIndices(t *testing.T) {
	citations := []Citation{{Index: 1}, {Index: 2}, {Index: 3}}
	tests := []struct {
		name string
		text string
		want []int
	}{
		{"none", "no markers here", nil},
		{"ordered", "[1] then [2]", []int{1, 2}},
		{"dedup and sort", "[3] [1] [3] [1]", []int{1, 3}},
		{"out of range ignored", "[4] [0] [2]", []int{2}},
		{"embedded", "fact[1].", []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := citedIndices(tt.text, citations)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}
