package rag

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/koopa0/grounded/internal/log"
)

// SearchHit is one (chunk, score) pair returned by an index search.
type SearchHit struct {
	ChunkID string
	Score   float64
}

// QueryEmbedder turns a query string into an embedding vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher performs similarity search over the vector index,
// restricted to the given data sources.
type VectorSearcher interface {
	SearchVectors(ctx context.Context, vector []float32, sourceIDs []string, topK int) ([]SearchHit, error)
}

// LexicalSearcher performs term-based search over the lexical index,
// restricted to the given data sources.
type LexicalSearcher interface {
	SearchLexical(ctx context.Context, query string, sourceIDs []string, topK int) ([]SearchHit, error)
}

// StoredChunk is a chunk row together with its source identity.
type StoredChunk struct {
	Chunk
	DataSourceID string
	SourceName   string
}

// ChunkLoader resolves chunk IDs to stored chunk rows.
type ChunkLoader interface {
	GetChunks(ctx context.Context, chunkIDs []string) ([]StoredChunk, error)
}

// Retriever combines lexical and vector search over accessible sources
// into a fused candidate ranking.
//
// The access set (sourceIDs) is authoritative and applied inside both
// sub-searches, before any scoring: a chunk from an inaccessible source
// never enters the candidate pool, so no relevance information leaks.
type Retriever struct {
	embedder QueryEmbedder
	vectors  VectorSearcher
	lexical  LexicalSearcher
	chunks   ChunkLoader
	logger   log.Logger
}

// NewRetriever creates a Retriever. All dependencies are required.
func NewRetriever(embedder QueryEmbedder, vectors VectorSearcher, lexical LexicalSearcher, chunks ChunkLoader, logger log.Logger) *Retriever {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{
		embedder: embedder,
		vectors:  vectors,
		lexical:  lexical,
		chunks:   chunks,
		logger:   logger,
	}
}

// Retrieve runs the retrieval stage. It returns up to opts.TopK fused
// candidates plus the total number found before truncation.
//
// Failure semantics:
//   - empty access set: NO_ACCESSIBLE_SOURCES
//   - query embeds to nothing usable: EMBEDDING_FAILED
//   - either index unreachable: INDEX_UNAVAILABLE (no lexical-only
//     fallback; degraded results would silently change semantics)
//   - caller cancellation propagates as the context error, never as an
//     index failure
func (r *Retriever) Retrieve(ctx context.Context, query string, sourceIDs []string, opts Options) (*RetrievalResult, error) {
	opts = opts.Normalize()

	if len(sourceIDs) == 0 {
		return nil, newError(StageRetrieve, CodeNoAccessibleSources, fmt.Errorf("access filter returned no sources"))
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, newError(StageRetrieve, CodeEmbeddingFailed, fmt.Errorf("embedding query: %w", err))
	}
	if len(vector) == 0 {
		return nil, newError(StageRetrieve, CodeEmbeddingFailed, fmt.Errorf("empty embedding for query"))
	}

	// Lexical and vector sub-searches run concurrently; fusion joins them.
	// Each sub-search fetches topK so the union holds enough candidates
	// no matter how the fusion weight is set.
	var vectorHits, lexicalHits []SearchHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.vectors.SearchVectors(gctx, vector, sourceIDs, opts.TopK)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		vectorHits = hits
		return nil
	})
	if *opts.UseHybridSearch {
		g.Go(func() error {
			hits, err := r.lexical.SearchLexical(gctx, query, sourceIDs, opts.TopK)
			if err != nil {
				return fmt.Errorf("lexical search: %w", err)
			}
			lexicalHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A canceled caller is not an index outage.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(StageRetrieve, CodeIndexUnavailable, err)
	}

	fused := fuseScores(lexicalHits, vectorHits, opts)
	totalFound := len(fused)
	if totalFound == 0 {
		return nil, newError(StageRetrieve, CodeNoAccessibleSources, fmt.Errorf("no candidates in accessible sources"))
	}

	if len(fused) > opts.TopK {
		fused = fused[:opts.TopK]
	}

	candidates, err := r.loadCandidates(ctx, fused)
	if err != nil {
		return nil, newError(StageRetrieve, CodeIndexUnavailable, fmt.Errorf("loading chunks: %w", err))
	}

	r.logger.Debug("retrieval complete",
		"query_len", len(query),
		"sources", len(sourceIDs),
		"total_found", totalFound,
		"returned", len(candidates),
	)

	return &RetrievalResult{Candidates: candidates, TotalFound: totalFound}, nil
}

// fusedHit carries the per-component and fused scores for one chunk.
type fusedHit struct {
	chunkID string
	lexical float64
	vector  float64
	fused   float64
}

// fuseScores normalizes each score list to [0,1] (min-max per query) and
// combines them: fused = w*lexical + (1-w)*vector when hybrid search is
// on, else the vector score alone. The result is sorted by fused score
// descending, ties broken by chunk ID ascending for determinism.
//
// A chunk absent from one list contributes 0 from that component.
func fuseScores(lexicalHits, vectorHits []SearchHit, opts Options) []fusedHit {
	lexNorm := normalizeScores(lexicalHits)
	vecNorm := normalizeScores(vectorHits)

	union := make(map[string]*fusedHit)
	for id, s := range lexNorm {
		union[id] = &fusedHit{chunkID: id, lexical: s}
	}
	for id, s := range vecNorm {
		h, ok := union[id]
		if !ok {
			h = &fusedHit{chunkID: id}
			union[id] = h
		}
		h.vector = s
	}

	w := opts.BM25Weight
	hits := make([]fusedHit, 0, len(union))
	for _, h := range union {
		if *opts.UseHybridSearch {
			h.fused = w*h.lexical + (1-w)*h.vector
		} else {
			h.fused = h.vector
		}
		hits = append(hits, *h)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].fused != hits[j].fused {
			return hits[i].fused > hits[j].fused
		}
		return hits[i].chunkID < hits[j].chunkID
	})

	return hits
}

// normalizeScores min-max normalizes hit scores to [0,1]. When all scores
// are equal every present entry maps to 1 (it is the best available).
func normalizeScores(hits []SearchHit) map[string]float64 {
	if len(hits) == 0 {
		return nil
	}

	minS, maxS := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < minS {
			minS = h.Score
		}
		if h.Score > maxS {
			maxS = h.Score
		}
	}

	norm := make(map[string]float64, len(hits))
	for _, h := range hits {
		if maxS == minS {
			norm[h.ChunkID] = 1
			continue
		}
		norm[h.ChunkID] = (h.Score - minS) / (maxS - minS)
	}
	return norm
}

// loadCandidates resolves fused hits to full candidates, preserving the
// fused ordering.
func (r *Retriever) loadCandidates(ctx context.Context, hits []fusedHit) ([]RetrievalCandidate, error) {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.chunkID
	}

	rows, err := r.chunks.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]StoredChunk, len(rows))
	for _, row := range rows {
		byID[row.Chunk.ID] = row
	}

	candidates := make([]RetrievalCandidate, 0, len(hits))
	for _, h := range hits {
		row, ok := byID[h.chunkID]
		if !ok {
			// Index and chunk store can briefly disagree (e.g. a document
			// deleted mid-query). Skip rather than fail.
			r.logger.Warn("indexed chunk missing from store", "chunk_id", h.chunkID)
			continue
		}
		candidates = append(candidates, RetrievalCandidate{
			Chunk:        row.Chunk,
			DataSourceID: row.DataSourceID,
			SourceName:   row.SourceName,
			LexicalScore: h.lexical,
			VectorScore:  h.vector,
			FusedScore:   h.fused,
		})
	}
	return candidates, nil
}
