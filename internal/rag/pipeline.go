package rag

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/koopa0/grounded/internal/log"
)

// State is the query path's position in the pipeline state machine.
// Queries walk Retrieving → Reranking → Assembling → Grounding →
// Answering → Done; any stage may transition directly to Failed. There
// is no retry-in-place: retrieval is deterministic given the same index
// state and access set, so callers retry by resubmitting the query.
type State string

const (
	StateRetrieving State = "retrieving"
	StateReranking  State = "reranking"
	StateAssembling State = "assembling"
	StateGrounding  State = "grounding"
	StateAnswering  State = "answering"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// JobStore reads ingestion job state and handles retention deletes.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*IngestionJob, error)
	ListJobs(ctx context.Context, dataSourceID string, limit int) ([]IngestionJob, error)

	// DeleteDocument removes a document and cascades to its chunks.
	DeleteDocument(ctx context.Context, documentID string) error
}

// QueryRequest is one query-path invocation.
type QueryRequest struct {
	Query string

	// AccessibleSources is the caller's authoritative access set, already
	// filtered by the access-control collaborator. The pipeline never
	// evaluates visibility rules itself.
	AccessibleSources []string

	Options Options
}

// QueryResult is the retrieve-only response: ranked candidates with
// citation bookkeeping, without grounding or generation.
type QueryResult struct {
	State      State              `json:"state"`
	Candidates []RankedCandidate  `json:"-"`
	Citations  []Citation         `json:"citations"`
	TotalFound int                `json:"total_found"`
	Warnings   []Warning          `json:"warnings,omitempty"`
}

// AnswerResult is the full-path response.
type AnswerResult struct {
	State    State             `json:"state"`
	Answer   *Answer           `json:"answer"`
	Verdict  *GroundingVerdict `json:"verdict,omitempty"`
	Context  *AssembledContext `json:"-"`
	Warnings []Warning         `json:"warnings,omitempty"`
}

// Pipeline wires the stages together. All stage collaborators are
// injected; the pipeline itself holds no storage and no ambient state.
type Pipeline struct {
	indexer   *Indexer
	retriever *Retriever
	reranker  *Reranker
	assembler *Assembler
	checker   *Checker
	answerer  *Answerer
	jobs      JobStore
	defaults  Options
	logger    log.Logger
	tracer    trace.Tracer
}

// NewPipeline assembles the pipeline from its stages. defaults apply
// when a request leaves Options zero-valued.
func NewPipeline(
	indexer *Indexer,
	retriever *Retriever,
	reranker *Reranker,
	assembler *Assembler,
	checker *Checker,
	answerer *Answerer,
	jobs JobStore,
	defaults Options,
	logger log.Logger,
) *Pipeline {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pipeline{
		indexer:   indexer,
		retriever: retriever,
		reranker:  reranker,
		assembler: assembler,
		checker:   checker,
		answerer:  answerer,
		jobs:      jobs,
		defaults:  defaults.Normalize(),
		logger:    logger,
		tracer:    otel.Tracer("github.com/koopa0/grounded/internal/rag"),
	}
}

// Ingest validates the batch, records a queued job and processes it
// asynchronously. The returned job reflects the queued state; callers
// poll JobStatus for progress. Processing survives cancellation of the
// submitting request.
func (p *Pipeline) Ingest(ctx context.Context, dataSourceID string, inputs []IngestInput, opts Options) (*IngestionJob, error) {
	opts = p.resolve(opts)
	job, err := p.indexer.CreateJob(ctx, dataSourceID, inputs)
	if err != nil {
		return nil, err
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		if err := p.indexer.Process(bg, job, inputs, opts); err != nil {
			p.logger.Warn("ingestion failed", "job_id", job.ID, "error", err)
		}
	}()

	return job, nil
}

// IngestSync runs an ingestion job to completion before returning. Used
// by the CLI, where there is no server to poll.
func (p *Pipeline) IngestSync(ctx context.Context, dataSourceID string, inputs []IngestInput, opts Options) (*IngestionJob, error) {
	opts = p.resolve(opts)
	job, err := p.indexer.CreateJob(ctx, dataSourceID, inputs)
	if err != nil {
		return nil, err
	}
	if err := p.indexer.Process(ctx, job, inputs, opts); err != nil {
		return job, err
	}
	return job, nil
}

// JobStatus returns the current state of an ingestion job.
func (p *Pipeline) JobStatus(ctx context.Context, jobID string) (*IngestionJob, error) {
	return p.jobs.GetJob(ctx, jobID)
}

// ListJobs returns recent ingestion jobs for a data source.
func (p *Pipeline) ListJobs(ctx context.Context, dataSourceID string, limit int) ([]IngestionJob, error) {
	return p.jobs.ListJobs(ctx, dataSourceID, limit)
}

// DeleteDocument removes a document and its chunks (retention delete).
func (p *Pipeline) DeleteDocument(ctx context.Context, documentID string) error {
	return p.jobs.DeleteDocument(ctx, documentID)
}

// Query runs the retrieve half of the query path: retrieval, reranking
// and context assembly, without grounding or generation.
func (p *Pipeline) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	ctx, span := p.tracer.Start(ctx, "rag.query",
		trace.WithAttributes(attribute.Int("sources", len(req.AccessibleSources))))
	defer span.End()

	opts := p.resolve(req.Options)
	ranked, citations, warnings, err := p.retrieveAndAssemble(ctx, req, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &QueryResult{State: StateFailed}, err
	}

	span.SetAttributes(attribute.Int("citations", len(citations.Citations)))
	return &QueryResult{
		State:      StateDone,
		Candidates: ranked,
		Citations:  citations.Citations,
		TotalFound: citations.totalFound,
		Warnings:   warnings,
	}, nil
}

// Answer runs the full query path. stream, when non-nil, receives
// generation deltas as they arrive; the complete answer is returned
// either way.
func (p *Pipeline) Answer(ctx context.Context, req QueryRequest, stream StreamFunc) (*AnswerResult, error) {
	ctx, span := p.tracer.Start(ctx, "rag.answer",
		trace.WithAttributes(attribute.Int("sources", len(req.AccessibleSources))))
	defer span.End()

	opts := p.resolve(req.Options)

	ranked, assembled, warnings, err := p.retrieveAndAssemble(ctx, req, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &AnswerResult{State: StateFailed}, err
	}

	// Grounding.
	verdict, groundWarnings, err := p.runGrounding(ctx, req.Query, ranked, assembled.AssembledContext, opts)
	warnings = append(warnings, groundWarnings...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &AnswerResult{State: StateFailed, Verdict: verdict, Warnings: warnings}, err
	}

	// Answering.
	answer, err := func() (*Answer, error) {
		ctx, span := p.tracer.Start(ctx, "rag.stage.answer")
		defer span.End()
		return p.answerer.Answer(ctx, req.Query, assembled.AssembledContext, verdict, stream)
	}()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &AnswerResult{State: StateFailed, Verdict: verdict, Warnings: warnings}, err
	}
	warnings = append(warnings, answer.Warnings...)
	answer.Warnings = warnings

	span.SetAttributes(
		attribute.Float64("grounding_score", verdict.Score),
		attribute.Int("citations_used", len(answer.CitationsUsed)),
	)
	return &AnswerResult{
		State:    StateDone,
		Answer:   answer,
		Verdict:  verdict,
		Context:  assembled.AssembledContext,
		Warnings: warnings,
	}, nil
}

// assembledWithTotal carries retrieval's pre-truncation count alongside
// the assembled context.
type assembledWithTotal struct {
	*AssembledContext
	totalFound int
}

// retrieveAndAssemble runs Retrieving → Reranking → Assembling.
func (p *Pipeline) retrieveAndAssemble(ctx context.Context, req QueryRequest, opts Options) ([]RankedCandidate, *assembledWithTotal, []Warning, error) {
	if req.Query == "" {
		return nil, nil, nil, newError(StageRetrieve, CodeInvalidInput, errors.New("query is empty"))
	}

	// Retrieving.
	retrieved, err := func() (*RetrievalResult, error) {
		ctx, span := p.tracer.Start(ctx, "rag.stage.retrieve")
		defer span.End()
		return p.retriever.Retrieve(ctx, req.Query, req.AccessibleSources, opts)
	}()
	if err != nil {
		return nil, nil, nil, err
	}

	// Reranking. Never fails; degradation surfaces as warnings.
	ranked, warnings := func() ([]RankedCandidate, []Warning) {
		ctx, span := p.tracer.Start(ctx, "rag.stage.rerank")
		defer span.End()
		return p.reranker.Rerank(ctx, req.Query, retrieved.Candidates, opts)
	}()

	// Assembling.
	assembled, err := func() (*AssembledContext, error) {
		_, span := p.tracer.Start(ctx, "rag.stage.assemble")
		defer span.End()
		return p.assembler.Assemble(req.Query, ranked, opts)
	}()
	if err != nil {
		return nil, nil, warnings, err
	}

	return ranked, &assembledWithTotal{AssembledContext: assembled, totalFound: retrieved.TotalFound}, warnings, nil
}

// runGrounding maps the assembled citations back to their chunk texts
// and invokes the checker.
func (p *Pipeline) runGrounding(ctx context.Context, query string, ranked []RankedCandidate, assembled *AssembledContext, opts Options) (*GroundingVerdict, []Warning, error) {
	ctx, span := p.tracer.Start(ctx, "rag.stage.ground")
	defer span.End()

	texts := make(map[string]string, len(ranked))
	for _, rc := range ranked {
		texts[rc.Chunk.ID] = rc.Chunk.Text
	}
	passages := make([]JudgePassage, 0, len(assembled.Citations))
	for _, c := range assembled.Citations {
		text, ok := texts[c.ChunkID]
		if !ok {
			return nil, nil, fmt.Errorf("citation %d references unknown chunk %s", c.Index, c.ChunkID)
		}
		passages = append(passages, JudgePassage{ChunkID: c.ChunkID, Text: text})
	}

	return p.checker.Check(ctx, query, passages, opts)
}

// resolve overlays request options onto the pipeline defaults, field by
// field. Zero-valued numeric and string fields and nil flags inherit the
// default; a request that tunes one knob keeps every other default
// intact.
func (p *Pipeline) resolve(opts Options) Options {
	merged := p.defaults

	if opts.ChunkSize > 0 {
		merged.ChunkSize = opts.ChunkSize
	}
	if opts.ChunkOverlap > 0 {
		merged.ChunkOverlap = opts.ChunkOverlap
	}
	if opts.UseSentenceBoundary != nil {
		merged.UseSentenceBoundary = opts.UseSentenceBoundary
	}
	if opts.TopK > 0 {
		merged.TopK = opts.TopK
	}
	if opts.UseHybridSearch != nil {
		merged.UseHybridSearch = opts.UseHybridSearch
	}
	if opts.BM25Weight > 0 {
		merged.BM25Weight = opts.BM25Weight
	}
	if opts.RerankEnabled != nil {
		merged.RerankEnabled = opts.RerankEnabled
	}
	if opts.RerankTopK > 0 {
		merged.RerankTopK = opts.RerankTopK
	}
	if opts.RerankMinScore > 0 {
		merged.RerankMinScore = opts.RerankMinScore
	}
	if opts.MaxContextTokens > 0 {
		merged.MaxContextTokens = opts.MaxContextTokens
	}
	if opts.ContextOrdering != "" {
		merged.ContextOrdering = opts.ContextOrdering
	}
	if opts.GroundingThreshold > 0 {
		merged.GroundingThreshold = opts.GroundingThreshold
	}
	if opts.StrictGrounding != nil {
		merged.StrictGrounding = opts.StrictGrounding
	}

	return merged.Normalize()
}
