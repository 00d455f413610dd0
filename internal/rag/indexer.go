package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/grounded/internal/log"
)

// ErrDocumentLocked is returned by IndexerStore.WithDocumentLock when a
// concurrent ingestion already holds the lock for the same document.
var ErrDocumentLocked = errors.New("document ingestion already in progress")

// ErrNotFound marks lookups for documents or jobs that do not exist.
// Stores wrap it so callers can branch with errors.Is.
var ErrNotFound = errors.New("not found")

// Embedder produces fixed-dimension vectors for a batch of texts. A nil
// entry marks a per-item failure; a non-nil error fails the whole batch.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// TextExtractor turns raw document content into plain text for chunking.
type TextExtractor interface {
	Extract(format string, raw []byte) (string, error)
}

// IndexerStore persists documents, chunks, vectors and job state. Chunks
// become visible to retrieval only after SaveDocument returns, so a
// query never observes a half-written document.
type IndexerStore interface {
	CreateJob(ctx context.Context, job *IngestionJob) error
	UpdateJob(ctx context.Context, job *IngestionJob) error

	// SaveDocument atomically replaces the document and all of its chunks.
	// vectors[i] is the embedding for chunks[i].
	SaveDocument(ctx context.Context, doc *Document, chunks []Chunk, vectors [][]float32) error

	// WithDocumentLock runs fn while holding an exclusive per-document
	// lock, returning ErrDocumentLocked without waiting when another
	// ingestion holds it.
	WithDocumentLock(ctx context.Context, documentID string, fn func(context.Context) error) error
}

// IngestInput is one raw document submitted for ingestion.
type IngestInput struct {
	// ID is optional; when empty a deterministic ID is derived from the
	// data source and name so re-ingesting the same document replaces it.
	ID         string
	Name       string
	Format     string
	Visibility string
	OwnerID    string
	Content    []byte
}

const (
	embedRetries      = 3
	embedRetryBackoff = 500 * time.Millisecond
)

// Indexer runs the offline half of the pipeline: extract, chunk, embed,
// persist. One Indexer serves all jobs; per-document serialization is
// delegated to the store's lock.
type Indexer struct {
	store     IndexerStore
	embedder  Embedder
	extractor TextExtractor
	logger    log.Logger
}

// NewIndexer creates an Indexer.
func NewIndexer(store IndexerStore, embedder Embedder, extractor TextExtractor, logger log.Logger) *Indexer {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Indexer{store: store, embedder: embedder, extractor: extractor, logger: logger}
}

// CreateJob validates the batch and records a queued ingestion job.
// Processing happens in a separate Process call so callers can run it
// asynchronously and return the job ID immediately.
func (ix *Indexer) CreateJob(ctx context.Context, dataSourceID string, inputs []IngestInput) (*IngestionJob, error) {
	if dataSourceID == "" {
		return nil, newError(StageIngest, CodeInvalidInput, errors.New("data source id is required"))
	}
	if len(inputs) == 0 {
		return nil, newError(StageIngest, CodeInvalidInput, errors.New("no documents to ingest"))
	}
	for i, in := range inputs {
		if !supportedFormat(in.Format) {
			return nil, newError(StageIngest, CodeUnsupportedFormat,
				fmt.Errorf("document %d (%s): unsupported format %q", i, in.Name, in.Format))
		}
	}

	now := time.Now().UTC()
	job := &IngestionJob{
		ID:           uuid.NewString(),
		DataSourceID: dataSourceID,
		State:        JobQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := ix.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create ingestion job: %w", err)
	}
	return job, nil
}

// Process executes a queued job: every input is extracted, chunked,
// embedded and persisted under the per-document lock. An embedding
// failure for one chunk drops that chunk but not the batch; a document
// where zero chunks survive, an extraction error, or a lock conflict
// fails the job. Job state and counters are persisted as processing
// advances.
func (ix *Indexer) Process(ctx context.Context, job *IngestionJob, inputs []IngestInput, opts Options) error {
	opts = opts.Normalize()

	job.State = JobProcessing
	job.UpdatedAt = time.Now().UTC()
	if err := ix.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update ingestion job: %w", err)
	}

	chunker := NewChunker(opts)
	for _, in := range inputs {
		chunks, err := ix.indexDocument(ctx, job, in, chunker)
		if err != nil {
			return ix.failJob(ctx, job, err)
		}
		job.DocumentsIndexed++
		job.ChunksCreated += chunks
		job.UpdatedAt = time.Now().UTC()
		if err := ix.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("update ingestion job: %w", err)
		}
	}

	job.State = JobCompleted
	job.UpdatedAt = time.Now().UTC()
	if err := ix.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update ingestion job: %w", err)
	}
	ix.logger.Info("ingestion job completed",
		"job_id", job.ID,
		"documents", job.DocumentsIndexed,
		"chunks", job.ChunksCreated,
	)
	return nil
}

// indexDocument returns the number of chunks written.
func (ix *Indexer) indexDocument(ctx context.Context, job *IngestionJob, in IngestInput, chunker *Chunker) (int, error) {
	text, err := ix.extractor.Extract(in.Format, in.Content)
	if err != nil {
		return 0, newError(StageIngest, CodeUnsupportedFormat,
			fmt.Errorf("extract %s: %w", in.Name, err))
	}

	docID := in.ID
	if docID == "" {
		docID = documentID(job.DataSourceID, in.Name)
	}
	doc := &Document{
		ID:           docID,
		DataSourceID: job.DataSourceID,
		OwnerID:      in.OwnerID,
		Visibility:   in.Visibility,
		Name:         in.Name,
		Format:       in.Format,
		Content:      text,
		IngestedAt:   time.Now().UTC(),
	}

	var written int
	err = ix.store.WithDocumentLock(ctx, docID, func(ctx context.Context) error {
		chunks := chunker.Split(docID, text)
		if len(chunks) == 0 {
			// Nothing to index; still record the (empty) document.
			return ix.store.SaveDocument(ctx, doc, nil, nil)
		}

		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err := ix.embedWithRetry(ctx, texts)
		if err != nil {
			return newError(StageIngest, CodeEmbeddingFailed,
				fmt.Errorf("embed %s: %w", in.Name, err))
		}

		// Per-item failures surface as nil vectors; keep the survivors.
		var kept []Chunk
		var keptVectors [][]float32
		for i, v := range vectors {
			if v == nil {
				ix.logger.Warn("chunk embedding failed, skipping",
					"document_id", docID, "ordinal", chunks[i].Ordinal)
				continue
			}
			kept = append(kept, chunks[i])
			keptVectors = append(keptVectors, v)
		}
		if len(kept) == 0 {
			return newError(StageIngest, CodeEmbeddingFailed,
				fmt.Errorf("embed %s: all %d chunks failed", in.Name, len(chunks)))
		}

		if err := ix.store.SaveDocument(ctx, doc, kept, keptVectors); err != nil {
			return fmt.Errorf("save document %s: %w", docID, err)
		}
		written = len(kept)
		return nil
	})
	if errors.Is(err, ErrDocumentLocked) {
		return 0, newError(StageIngest, CodeConflict,
			fmt.Errorf("document %s: %w", docID, err))
	}
	if err != nil {
		return 0, err
	}
	return written, nil
}

// embedWithRetry retries whole-batch embedding failures with exponential
// backoff. Per-item failures (nil vectors) are not retried here; content
// hashing in the embedding layer makes retried batches cheap.
func (ix *Indexer) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	backoff := embedRetryBackoff
	for attempt := range embedRetries {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		vectors, err := ix.embedder.EmbedTexts(ctx, texts)
		if err == nil {
			if len(vectors) != len(texts) {
				return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
			}
			return vectors, nil
		}
		lastErr = err
		ix.logger.Warn("embedding batch failed", "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (ix *Indexer) failJob(ctx context.Context, job *IngestionJob, cause error) error {
	job.State = JobFailed
	job.Error = cause.Error()
	job.UpdatedAt = time.Now().UTC()
	if err := ix.store.UpdateJob(ctx, job); err != nil {
		ix.logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
	}
	ix.logger.Warn("ingestion job failed", "job_id", job.ID, "error", cause)
	return cause
}

func supportedFormat(format string) bool {
	switch format {
	case FormatText, FormatMarkdown, FormatHTML:
		return true
	}
	return false
}

// documentID derives a stable document ID from the data source and
// document name, so re-ingesting the same document replaces it instead
// of duplicating it.
func documentID(dataSourceID, name string) string {
	sum := sha256.Sum256([]byte(dataSourceID + "\x00" + name))
	return hex.EncodeToString(sum[:16])
}

// chunkID derives a deterministic chunk ID from the document, ordinal
// and content, so identical content re-ingested with the same parameters
// produces identical IDs.
func chunkID(docID string, ordinal int, text string) string {
	sum := sha256.Sum256([]byte(docID + "\x00" + strconv.Itoa(ordinal) + "\x00" + text))
	return hex.EncodeToString(sum[:16])
}
