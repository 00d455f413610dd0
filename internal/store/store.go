// Package store persists documents, chunks, embeddings and ingestion
// jobs in PostgreSQL. Vector similarity uses pgvector; lexical search
// uses the built-in full-text index over chunk content.
package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/koopa0/grounded/internal/log"
	"github.com/koopa0/grounded/internal/rag"
)

// Store is the storage collaborator for both pipeline halves. It is safe
// for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New creates a Store over an open connection pool.
func New(pool *pgxpool.Pool, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// CreateJob inserts a queued ingestion job.
func (s *Store) CreateJob(ctx context.Context, job *rag.IngestionJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingestion_jobs (id, data_source_id, state, documents_indexed, chunks_created, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.DataSourceID, job.State, job.DocumentsIndexed, job.ChunksCreated, job.Error, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion job: %w", err)
	}
	return nil
}

// UpdateJob persists job state and counters.
func (s *Store) UpdateJob(ctx context.Context, job *rag.IngestionJob) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_jobs
		SET state = $2, documents_indexed = $3, chunks_created = $4, error = $5, updated_at = $6
		WHERE id = $1`,
		job.ID, job.State, job.DocumentsIndexed, job.ChunksCreated, job.Error, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update ingestion job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ingestion job %s: %w", job.ID, rag.ErrNotFound)
	}
	return nil
}

// GetJob loads one ingestion job.
func (s *Store) GetJob(ctx context.Context, id string) (*rag.IngestionJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, data_source_id, state, documents_indexed, chunks_created, error, created_at, updated_at
		FROM ingestion_jobs WHERE id = $1`, id)

	var job rag.IngestionJob
	err := row.Scan(&job.ID, &job.DataSourceID, &job.State, &job.DocumentsIndexed, &job.ChunksCreated, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ingestion job %s: %w", id, rag.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load ingestion job: %w", err)
	}
	return &job, nil
}

// ListJobs returns the most recent jobs for a data source.
func (s *Store) ListJobs(ctx context.Context, dataSourceID string, limit int) ([]rag.IngestionJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, data_source_id, state, documents_indexed, chunks_created, error, created_at, updated_at
		FROM ingestion_jobs
		WHERE data_source_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, dataSourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ingestion jobs: %w", err)
	}
	defer rows.Close()

	var jobs []rag.IngestionJob
	for rows.Next() {
		var job rag.IngestionJob
		if err := rows.Scan(&job.ID, &job.DataSourceID, &job.State, &job.DocumentsIndexed, &job.ChunksCreated, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ingestion job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SaveDocument atomically replaces a document and all of its chunks.
// The delete cascades to old chunk rows, so a re-ingested document never
// leaves stale chunks behind; readers see either the old version or the
// new one, never a mix.
func (s *Store) SaveDocument(ctx context.Context, doc *rag.Document, chunks []rag.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, doc.ID)
	if err != nil {
		return fmt.Errorf("delete previous document version: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, data_source_id, owner_id, visibility, name, format, content, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		doc.ID, doc.DataSourceID, doc.OwnerID, doc.Visibility, doc.Name, doc.Format, doc.Content, doc.IngestedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	for i, c := range chunks {
		_, err = tx.Exec(ctx, `
			INSERT INTO chunks (id, document_id, data_source_id, ordinal, start_offset, end_offset, content, token_count, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, doc.ID, doc.DataSourceID, c.Ordinal, c.StartOffset, c.EndOffset, c.Text, c.TokenCount, pgvector.NewVector(vectors[i]),
		)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Ordinal, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit document: %w", err)
	}
	return nil
}

// WithDocumentLock serializes ingestion per document with a session
// advisory lock. A held lock fails fast with rag.ErrDocumentLocked
// instead of queueing; the competing job surfaces a CONFLICT to its
// caller. The lock lives on a dedicated connection so pool multiplexing
// cannot release it early.
func (s *Store) WithDocumentLock(ctx context.Context, documentID string, fn func(context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	key := lockKey(documentID)
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		return fmt.Errorf("acquire document lock: %w", err)
	}
	if !locked {
		return rag.ErrDocumentLocked
	}
	defer func() {
		// Background context: the lock must be released even when fn's
		// context is already cancelled.
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			s.logger.Error("release document lock", "document_id", documentID, "error", err)
		}
	}()

	return fn(ctx)
}

// DeleteDocument removes a document; chunk rows go with it via the
// foreign key cascade.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", documentID, rag.ErrNotFound)
	}
	return nil
}

// SearchVectors returns the topK nearest chunks by cosine distance,
// restricted to the given data sources. Scores are cosine similarity.
func (s *Store) SearchVectors(ctx context.Context, vector []float32, sourceIDs []string, topK int) ([]rag.SearchHit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, 1 - (embedding <=> $1) AS score
		FROM chunks
		WHERE data_source_id = ANY($2)
		ORDER BY embedding <=> $1
		LIMIT $3`,
		pgvector.NewVector(vector), sourceIDs, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

// SearchLexical runs full-text search over chunk content, restricted to
// the given data sources. Scores are ts_rank values.
func (s *Store) SearchLexical(ctx context.Context, query string, sourceIDs []string, topK int) ([]rag.SearchHit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ts_rank(tsv, plainto_tsquery('english', $1)) AS score
		FROM chunks
		WHERE data_source_id = ANY($2)
		  AND tsv @@ plainto_tsquery('english', $1)
		ORDER BY score DESC, id
		LIMIT $3`,
		query, sourceIDs, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

func scanHits(rows pgx.Rows) ([]rag.SearchHit, error) {
	var hits []rag.SearchHit
	for rows.Next() {
		var h rag.SearchHit
		if err := rows.Scan(&h.ChunkID, &h.Score); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// GetChunks resolves chunk IDs to stored rows with their source identity.
// Missing IDs are silently absent from the result.
func (s *Store) GetChunks(ctx context.Context, chunkIDs []string) ([]rag.StoredChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.document_id, c.ordinal, c.start_offset, c.end_offset, c.content, c.token_count, c.data_source_id, d.name
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.id = ANY($1)`, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	defer rows.Close()

	var out []rag.StoredChunk
	for rows.Next() {
		var sc rag.StoredChunk
		if err := rows.Scan(&sc.Chunk.ID, &sc.Chunk.DocumentID, &sc.Chunk.Ordinal, &sc.Chunk.StartOffset, &sc.Chunk.EndOffset, &sc.Chunk.Text, &sc.Chunk.TokenCount, &sc.DataSourceID, &sc.SourceName); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// GetDocument loads one document without its chunks.
func (s *Store) GetDocument(ctx context.Context, id string) (*rag.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, data_source_id, owner_id, visibility, name, format, content, ingested_at
		FROM documents WHERE id = $1`, id)

	var doc rag.Document
	err := row.Scan(&doc.ID, &doc.DataSourceID, &doc.OwnerID, &doc.Visibility, &doc.Name, &doc.Format, &doc.Content, &doc.IngestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, rag.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return &doc, nil
}

// CachedEmbedding looks up a stored vector by model and content hash.
func (s *Store) CachedEmbedding(ctx context.Context, model, contentHash string) ([]float32, bool, error) {
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx,
		`SELECT embedding FROM embedding_cache WHERE model = $1 AND content_hash = $2`,
		model, contentHash,
	).Scan(&vec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load cached embedding: %w", err)
	}
	return vec.Slice(), true, nil
}

// StoreEmbedding saves a vector under its model and content hash.
// Concurrent writers racing on the same key keep the first value.
func (s *Store) StoreEmbedding(ctx context.Context, model, contentHash string, vector []float32) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO embedding_cache (model, content_hash, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (model, content_hash) DO NOTHING`,
		model, contentHash, pgvector.NewVector(vector),
	)
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	return nil
}

// lockKey maps a document ID onto the 64-bit advisory lock space.
func lockKey(documentID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(documentID))
	return int64(h.Sum64())
}
