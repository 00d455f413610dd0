package rag

import (
	"errors"
	"fmt"
)

// Stage identifies the pipeline stage that produced a failure or warning.
type Stage string

// Pipeline stages. The query path walks Retrieving → Reranking →
// Assembling → Grounding → Answering; any stage may transition to a
// terminal failure. Ingestion is its own offline stage.
const (
	StageIngest   Stage = "ingest"
	StageRetrieve Stage = "retrieve"
	StageRerank   Stage = "rerank"
	StageAssemble Stage = "assemble"
	StageGround   Stage = "ground"
	StageAnswer   Stage = "answer"
)

// Code classifies a pipeline failure for callers.
type Code string

const (
	// CodeIndexUnavailable: the vector index is unreachable. Retrieval
	// has no degraded fallback; lexical-only results would silently
	// change semantics.
	CodeIndexUnavailable Code = "INDEX_UNAVAILABLE"

	// CodeNoAccessibleSources: zero candidates passed access filtering.
	CodeNoAccessibleSources Code = "NO_ACCESSIBLE_SOURCES"

	// CodeEmbeddingFailed: the query (or a document) produced no usable
	// embedding.
	CodeEmbeddingFailed Code = "EMBEDDING_FAILED"

	// CodeContextOverflow: not even the single highest-ranked chunk fits
	// the token budget.
	CodeContextOverflow Code = "CONTEXT_OVERFLOW"

	// CodeInsufficientContext: strict-mode grounding rejected the context
	// before generation.
	CodeInsufficientContext Code = "INSUFFICIENT_CONTEXT"

	// CodeGenerationFailed: the generation provider errored or timed out.
	CodeGenerationFailed Code = "GENERATION_FAILED"

	// CodeConflict: a concurrent ingestion job already holds the lock for
	// the same document.
	CodeConflict Code = "CONFLICT"

	// CodeUnsupportedFormat: the document format cannot be chunked.
	// Input error: fails fast, never retried.
	CodeUnsupportedFormat Code = "UNSUPPORTED_FORMAT"

	// CodeInvalidInput: malformed request (empty query, no documents).
	CodeInvalidInput Code = "INVALID_INPUT"
)

// Error is a typed pipeline failure carrying the stage and failure code,
// with enough structure for callers to decide on retry/backoff themselves.
type Error struct {
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match on (Stage, Code) pairs, ignoring the wrapped
// cause. A zero Stage or Code in the target acts as a wildcard.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Stage != "" && t.Stage != e.Stage {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// newError builds a stage failure wrapping cause.
func newError(stage Stage, code Code, cause error) *Error {
	return &Error{Stage: stage, Code: code, Err: cause}
}

// ErrorCode extracts the failure code from err, or "" if err is not a
// pipeline error.
func ErrorCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err is a pipeline error with the given code.
func IsCode(err error, code Code) bool {
	return ErrorCode(err) == code
}

// Warning codes for degradable failures absorbed by the pipeline.
const (
	// WarnRerankFallback: the reranker was unavailable (fully or for a
	// subset of candidates); fused retrieval scores were used instead.
	WarnRerankFallback = "rerank_fallback"

	// WarnGroundingAdvisory: advisory-mode grounding judged the context
	// insufficient; the answerer was instructed to say so rather than
	// hallucinate.
	WarnGroundingAdvisory = "grounding_advisory"

	// WarnContextIgnored: the model produced an answer referencing zero
	// citations from a non-empty grounded set. Observability only.
	WarnContextIgnored = "context_ignored"
)

// Warning is a non-fatal condition attached to a response instead of
// failing the pipeline.
type Warning struct {
	Stage  Stage  `json:"stage"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}
