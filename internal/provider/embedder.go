package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/koopa0/grounded/internal/log"
)

const (
	// memoryCacheSize bounds the in-process embedding cache.
	memoryCacheSize = 4096

	// Embedding API rate limit. Batches count as one request.
	embedRequestsPerSecond = 5
	embedBurst             = 10
)

// EmbeddingCache is the persistent vector cache keyed by model and
// content hash. Implemented by the store.
type EmbeddingCache interface {
	CachedEmbedding(ctx context.Context, model, contentHash string) ([]float32, bool, error)
	StoreEmbedding(ctx context.Context, model, contentHash string, vector []float32) error
}

// textEmbedder is the slice of ai.Embedder this package consumes.
type textEmbedder interface {
	Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error)
}

// Embedder wraps the model embedder with two cache layers (in-process
// LRU, then the persistent store) and a client-side rate limit, so
// identical text is embedded once no matter how often it is re-ingested.
//
// It serves both pipeline halves: batch embedding for the indexer and
// query embedding for the retriever.
type Embedder struct {
	inner   textEmbedder
	model   string
	cache   EmbeddingCache
	memory  *lru.Cache[string, []float32]
	limiter *rate.Limiter
	logger  log.Logger
}

// NewEmbedder creates an Embedder. cache may be nil to run with only the
// in-process layer.
func NewEmbedder(inner textEmbedder, model string, cache EmbeddingCache, logger log.Logger) (*Embedder, error) {
	memory, err := lru.New[string, []float32](memoryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Embedder{
		inner:   inner,
		model:   model,
		cache:   cache,
		memory:  memory,
		limiter: rate.NewLimiter(embedRequestsPerSecond, embedBurst),
		logger:  logger,
	}, nil
}

// EmbedTexts embeds a batch. Cached texts are served without a model
// call; the remainder goes out as one batched request. The result is
// positionally aligned with texts; an entry is nil when the model
// returned no usable vector for that item.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	var missIdx []int
	var missDocs []*ai.Document
	for i, text := range texts {
		hash := contentHash(text)
		if vec, ok := e.lookup(ctx, hash); ok {
			vectors[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missDocs = append(missDocs, ai.DocumentFromText(text, nil))
	}
	if len(missIdx) == 0 {
		return vectors, nil
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := e.inner.Embed(ctx, &ai.EmbedRequest{Input: missDocs})
	if err != nil {
		return nil, fmt.Errorf("embed batch of %d: %w", len(missDocs), err)
	}
	if len(resp.Embeddings) != len(missIdx) {
		return nil, fmt.Errorf("embedder returned %d embeddings for %d inputs", len(resp.Embeddings), len(missIdx))
	}

	for j, idx := range missIdx {
		vec := resp.Embeddings[j].Embedding
		if len(vec) == 0 {
			e.logger.Warn("empty embedding returned", "index", idx)
			continue
		}
		vectors[idx] = vec
		e.remember(ctx, contentHash(texts[idx]), vec)
	}

	e.logger.Debug("embedded batch",
		"total", len(texts),
		"cached", len(texts)-len(missIdx),
		"model", e.model,
	)
	return vectors, nil
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if vectors[0] == nil {
		return nil, fmt.Errorf("no embedding for query")
	}
	return vectors[0], nil
}

// lookup checks memory first, then the persistent cache, promoting
// persistent hits into memory.
func (e *Embedder) lookup(ctx context.Context, hash string) ([]float32, bool) {
	if vec, ok := e.memory.Get(hash); ok {
		return vec, true
	}
	if e.cache == nil {
		return nil, false
	}
	vec, ok, err := e.cache.CachedEmbedding(ctx, e.model, hash)
	if err != nil {
		// A broken cache degrades to recomputation, never to failure.
		e.logger.Warn("embedding cache lookup failed", "error", err)
		return nil, false
	}
	if ok {
		e.memory.Add(hash, vec)
	}
	return vec, ok
}

func (e *Embedder) remember(ctx context.Context, hash string, vec []float32) {
	e.memory.Add(hash, vec)
	if e.cache == nil {
		return
	}
	if err := e.cache.StoreEmbedding(ctx, e.model, hash, vec); err != nil {
		e.logger.Warn("embedding cache write failed", "error", err)
	}
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
