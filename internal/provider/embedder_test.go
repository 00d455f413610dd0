package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/firebase/genkit/go/ai"
)

type fakeModelEmbedder struct {
	calls    int
	gotSizes []int
	err      error
}

func (f *fakeModelEmbedder) Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	f.calls++
	f.gotSizes = append(f.gotSizes, len(req.Input))
	if f.err != nil {
		return nil, f.err
	}
	resp := &ai.EmbedResponse{}
	for i := range req.Input {
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{Embedding: []float32{float32(i), 1}})
	}
	return resp, nil
}

type fakePersistentCache struct {
	entries map[string][]float32
	puts    int
	gets    int
}

func newFakePersistentCache() *fakePersistentCache {
	return &fakePersistentCache{entries: make(map[string][]float32)}
}

func (f *fakePersistentCache) CachedEmbedding(ctx context.Context, model, hash string) ([]float32, bool, error) {
	f.gets++
	vec, ok := f.entries[model+"/"+hash]
	return vec, ok, nil
}

func (f *fakePersistentCache) StoreEmbedding(ctx context.Context, model, hash string, vec []float32) error {
	f.puts++
	f.entries[model+"/"+hash] = vec
	return nil
}

func TestEmbedTextsCachesByContent(t *testing.T) {
	inner := &fakeModelEmbedder{}
	e, err := NewEmbedder(inner, "test-model", newFakePersistentCache(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first, err := e.EmbedTexts(ctx, []string{"alpha", "beta"})
	if err != nil {
		t.Fatal(err)
	}
	if inner.calls != 1 || inner.gotSizes[0] != 2 {
		t.Fatalf("expected one batch of 2, got calls=%d sizes=%v", inner.calls, inner.gotSizes)
	}

	// Re-embedding identical content must not hit the model again.
	second, err := e.EmbedTexts(ctx, []string{"alpha", "beta"})
	if err != nil {
		t.Fatal(err)
	}
	if inner.calls != 1 {
		t.Fatalf("cached texts re-embedded: calls=%d", inner.calls)
	}
	for i := range first {
		if len(first[i]) != len(second[i]) {
			t.Fatal("cached vector differs from original")
		}
	}

	// A mixed batch only sends the misses.
	if _, err := e.EmbedTexts(ctx, []string{"alpha", "gamma"}); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 || inner.gotSizes[1] != 1 {
		t.Fatalf("expected one extra single-item batch, got calls=%d sizes=%v", inner.calls, inner.gotSizes)
	}
}

func TestEmbedTextsPersistentCachePromotion(t *testing.T) {
	cache := newFakePersistentCache()
	inner := &fakeModelEmbedder{}

	e1, err := NewEmbedder(inner, "test-model", cache, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := e1.EmbedTexts(ctx, []string{"shared text"}); err != nil {
		t.Fatal(err)
	}
	if cache.puts != 1 {
		t.Fatalf("cache puts = %d, want 1", cache.puts)
	}

	// A fresh process (empty memory cache) finds the persistent entry.
	e2, err := NewEmbedder(inner, "test-model", cache, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e2.EmbedTexts(ctx, []string{"shared text"}); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 1 {
		t.Fatalf("persistent cache miss caused model call: calls=%d", inner.calls)
	}
}

func TestEmbedTextsBatchError(t *testing.T) {
	inner := &fakeModelEmbedder{err: errors.New("quota exceeded")}
	e, err := NewEmbedder(inner, "test-model", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.EmbedTexts(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected batch error")
	}
}

func TestEmbedQuery(t *testing.T) {
	e, err := NewEmbedder(&fakeModelEmbedder{}, "test-model", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	vec, err := e.EmbedQuery(context.Background(), "a query")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) == 0 {
		t.Fatal("empty query embedding")
	}
}
