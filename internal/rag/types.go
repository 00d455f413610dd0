package rag

import "time"

// Document format identifiers accepted by ingestion.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// Document is an immutable source unit. Created by ingestion, never
// mutated; deletion cascades to its chunks.
type Document struct {
	ID           string
	DataSourceID string
	OwnerID      string
	Visibility   string
	Name         string
	Format       string
	Content      string
	IngestedAt   time.Time
}

// Chunk is a contiguous span of a document's text with its own embedding.
// Chunks of one document have strictly increasing ordinals; raw character
// offsets may overlap by up to the configured chunk overlap.
type Chunk struct {
	ID          string
	DocumentID  string
	Ordinal     int
	StartOffset int
	EndOffset   int
	Text        string
	TokenCount  int
}

// Ingestion job states.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// IngestionJob tracks progress of chunking and embedding for one batch.
type IngestionJob struct {
	ID               string
	DataSourceID     string
	State            string
	DocumentsIndexed int
	ChunksCreated    int
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RetrievalCandidate is an ephemeral per-query scoring record. Candidates
// only ever reference chunks whose data source passed the access filter;
// filtering happens before scoring so relevance never leaks for
// inaccessible content.
type RetrievalCandidate struct {
	Chunk        Chunk
	DataSourceID string
	SourceName   string
	LexicalScore float64
	VectorScore  float64
	FusedScore   float64
}

// RankedCandidate is a RetrievalCandidate plus its rerank score.
// RerankScore strictly determines final order; ties break by fused score,
// then chunk ID. FusedFallback marks candidates whose rerank score fell
// back to the fused retrieval score.
type RankedCandidate struct {
	RetrievalCandidate
	RerankScore   float64
	FusedFallback bool
}

// RetrievalResult is the Retriever's output: up to topK candidates plus
// the count before truncation.
type RetrievalResult struct {
	Candidates []RetrievalCandidate
	TotalFound int
}

// Citation identifies one source chunk within an assembled context.
// Indices form a strictly increasing sequence starting at 1.
type Citation struct {
	Index      int     `json:"index"`
	ChunkID    string  `json:"chunk_id"`
	SourceID   string  `json:"source_id"`
	SourceName string  `json:"source_name"`
	Preview    string  `json:"preview"`
	Relevance  float64 `json:"relevance"`
}

// AssembledContext is the token-budgeted prompt with citation bookkeeping.
// TokenCount never exceeds the configured budget. ExcludedChunks records
// candidates dropped for budget reasons so callers can detect truncation.
type AssembledContext struct {
	Prompt         string
	Citations      []Citation
	TokenCount     int
	ExcludedChunks []string
}

// GroundingVerdict is the Grounding Checker's judgment of whether the
// assembled context can support an answer.
type GroundingVerdict struct {
	Groundable     bool     `json:"groundable"`
	Score          float64  `json:"score"`
	RelevantChunks []string `json:"relevant_chunks,omitempty"`
	Gaps           []string `json:"gaps,omitempty"`
}

// Answer is the final generation result. CitationsUsed is the set of
// citation indices that actually appear in the answer text.
type Answer struct {
	Text          string    `json:"text"`
	CitationsUsed []int     `json:"citations_used"`
	Confidence    float64   `json:"confidence"`
	Warnings      []Warning `json:"warnings,omitempty"`
}

// StreamFunc receives incremental answer text deltas. Returning an error
// aborts the stream. A nil StreamFunc disables streaming.
type StreamFunc func(delta string) error
