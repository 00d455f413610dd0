package rag

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

type fakeQueryEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeQueryEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return f.vec, f.err
}

type fakeVectorIndex struct {
	hits       []SearchHit
	err        error
	calls      int
	gotSources []string
}

func (f *fakeVectorIndex) SearchVectors(ctx context.Context, vector []float32, sourceIDs []string, topK int) ([]SearchHit, error) {
	f.calls++
	f.gotSources = sourceIDs
	return f.hits, f.err
}

type fakeLexicalIndex struct {
	hits       []SearchHit
	err        error
	calls      int
	gotSources []string
}

func (f *fakeLexicalIndex) SearchLexical(ctx context.Context, query string, sourceIDs []string, topK int) ([]SearchHit, error) {
	f.calls++
	f.gotSources = sourceIDs
	return f.hits, f.err
}

type fakeChunkStore struct {
	rows []StoredChunk
	err  error
}

func (f *fakeChunkStore) GetChunks(ctx context.Context, chunkIDs []string) ([]StoredChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	byID := make(map[string]StoredChunk, len(f.rows))
	for _, r := range f.rows {
		byID[r.Chunk.ID] = r
	}
	var out []StoredChunk
	for _, id := range chunkIDs {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func storedChunk(id string) StoredChunk {
	return StoredChunk{
		Chunk:        Chunk{ID: id, DocumentID: "doc-1", Text: "text " + id, TokenCount: 10},
		DataSourceID: "src-1",
		SourceName:   "Source One",
	}
}

func newTestRetriever(emb *fakeQueryEmbedder, vec *fakeVectorIndex, lex *fakeLexicalIndex, chunks *fakeChunkStore) *Retriever {
	return NewRetriever(emb, vec, lex, chunks, nil)
}

func hybridOpts() Options {
	o := DefaultOptions()
	o.UseHybridSearch = Bool(true)
	return o
}

func TestRetrieveNoAccessibleSources(t *testing.T) {
	r := newTestRetriever(&fakeQueryEmbedder{vec: []float32{1}}, &fakeVectorIndex{}, &fakeLexicalIndex{}, &fakeChunkStore{})

	_, err := r.Retrieve(context.Background(), "q", nil, hybridOpts())
	if !IsCode(err, CodeNoAccessibleSources) {
		t.Fatalf("expected NO_ACCESSIBLE_SOURCES, got %v", err)
	}
}

func TestRetrieveEmbeddingFailed(t *testing.T) {
	tests := []struct {
		name string
		emb  *fakeQueryEmbedder
	}{
		{"embedder error", &fakeQueryEmbedder{err: errors.New("boom")}},
		{"empty vector", &fakeQueryEmbedder{vec: nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRetriever(tt.emb, &fakeVectorIndex{}, &fakeLexicalIndex{}, &fakeChunkStore{})
			_, err := r.Retrieve(context.Background(), "q", []string{"src-1"}, hybridOpts())
			if !IsCode(err, CodeEmbeddingFailed) {
				t.Fatalf("expected EMBEDDING_FAILED, got %v", err)
			}
		})
	}
}

func TestRetrieveIndexUnavailable(t *testing.T) {
	tests := []struct {
		name string
		vec  *fakeVectorIndex
		lex  *fakeLexicalIndex
	}{
		{"vector index down", &fakeVectorIndex{err: errors.New("conn refused")}, &fakeLexicalIndex{}},
		{"lexical index down", &fakeVectorIndex{}, &fakeLexicalIndex{err: errors.New("conn refused")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRetriever(&fakeQueryEmbedder{vec: []float32{1}}, tt.vec, tt.lex, &fakeChunkStore{})
			_, err := r.Retrieve(context.Background(), "q", []string{"src-1"}, hybridOpts())
			if !IsCode(err, CodeIndexUnavailable) {
				t.Fatalf("expected INDEX_UNAVAILABLE, got %v", err)
			}
		})
	}
}

func TestRetrieveHybridFusion(t *testing.T) {
	// lex: a=2 (norm 1), b=1 (norm 0). vec: b=10 (norm 1), c=5 (norm 0).
	// With w=0.3: a=0.3, b=0.7, c=0.
	lex := &fakeLexicalIndex{hits: []SearchHit{{ChunkID: "a", Score: 2}, {ChunkID: "b", Score: 1}}}
	vec := &fakeVectorIndex{hits: []SearchHit{{ChunkID: "b", Score: 10}, {ChunkID: "c", Score: 5}}}
	chunks := &fakeChunkStore{rows: []StoredChunk{storedChunk("a"), storedChunk("b"), storedChunk("c")}}
	r := newTestRetriever(&fakeQueryEmbedder{vec: []float32{1}}, vec, lex, chunks)

	res, err := r.Retrieve(context.Background(), "q", []string{"src-1"}, hybridOpts())
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalFound != 3 {
		t.Fatalf("TotalFound = %d, want 3", res.TotalFound)
	}
	wantOrder := []string{"b", "a", "c"}
	for i, want := range wantOrder {
		if got := res.Candidates[i].Chunk.ID; got != want {
			t.Fatalf("candidate[%d] = %s, want %s", i, got, want)
		}
	}
	if got := res.Candidates[0].FusedScore; got != 0.7 {
		t.Errorf("fused score for b = %v, want 0.7", got)
	}
	if got := res.Candidates[1].FusedScore; got != 0.3 {
		t.Errorf("fused score for a = %v, want 0.3", got)
	}
}

func TestRetrieveVectorOnly(t *testing.T) {
	lex := &fakeLexicalIndex{hits: []SearchHit{{ChunkID: "a", Score: 99}}}
	vec := &fakeVectorIndex{hits: []SearchHit{{ChunkID: "b", Score: 0.9}, {ChunkID: "c", Score: 0.5}}}
	chunks := &fakeChunkStore{rows: []StoredChunk{storedChunk("b"), storedChunk("c")}}
	r := newTestRetriever(&fakeQueryEmbedder{vec: []float32{1}}, vec, lex, chunks)

	opts := hybridOpts()
	opts.UseHybridSearch = Bool(false)
	res, err := r.Retrieve(context.Background(), "q", []string{"src-1"}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if lex.calls != 0 {
		t.Errorf("lexical search called %d times with hybrid disabled", lex.calls)
	}
	if len(res.Candidates) != 2 || res.Candidates[0].Chunk.ID != "b" {
		t.Fatalf("unexpected candidates %+v", res.Candidates)
	}
}

func TestRetrieveTopKTruncation(t *testing.T) {
	var hits []SearchHit
	var rows []StoredChunk
	for i := range 20 {
		id := fmt.Sprintf("c%02d", i)
		hits = append(hits, SearchHit{ChunkID: id, Score: float64(i)})
		rows = append(rows, storedChunk(id))
	}
	vec := &fakeVectorIndex{hits: hits}
	r := newTestRetriever(&fakeQueryEmbedder{vec: []float32{1}}, vec, &fakeLexicalIndex{}, &fakeChunkStore{rows: rows})

	opts := hybridOpts()
	opts.TopK = 5
	res, err := r.Retrieve(context.Background(), "q", []string{"src-1"}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalFound != 20 {
		t.Errorf("TotalFound = %d, want 20", res.TotalFound)
	}
	if len(res.Candidates) != 5 {
		t.Fatalf("got %d candidates, want 5", len(res.Candidates))
	}
	if res.Candidates[0].Chunk.ID != "c19" {
		t.Errorf("best candidate = %s, want c19", res.Candidates[0].Chunk.ID)
	}
}

func TestRetrieveTieBreakByChunkID(t *testing.T) {
	// Equal raw scores normalize to 1 for every hit, so ordering must
	// come from chunk IDs alone.
	vec := &fakeVectorIndex{hits: []SearchHit{
		{ChunkID: "z", Score: 0.5}, {ChunkID: "a", Score: 0.5}, {ChunkID: "m", Score: 0.5},
	}}
	chunks := &fakeChunkStore{rows: []StoredChunk{storedChunk("z"), storedChunk("a"), storedChunk("m")}}
	r := newTestRetriever(&fakeQueryEmbedder{vec: []float32{1}}, vec, &fakeLexicalIndex{}, chunks)

	res, err := r.Retrieve(context.Background(), "q", []string{"src-1"}, hybridOpts())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "m", "z"}
	for i, w := range want {
		if res.Candidates[i].Chunk.ID != w {
			t.Fatalf("candidate[%d] = %s, want %s", i, res.Candidates[i].Chunk.ID, w)
		}
	}
}

func TestRetrieveAccessSetPassedToSearches(t *testing.T) {
	vec := &fakeVectorIndex{hits: []SearchHit{{ChunkID: "a", Score: 1}}}
	lex := &fakeLexicalIndex{}
	chunks := &fakeChunkStore{rows: []StoredChunk{storedChunk("a")}}
	r := newTestRetriever(&fakeQueryEmbedder{vec: []float32{1}}, vec, lex, chunks)

	sources := []string{"src-1", "src-2"}
	if _, err := r.Retrieve(context.Background(), "q", sources, hybridOpts()); err != nil {
		t.Fatal(err)
	}
	for _, got := range [][]string{vec.gotSources, lex.gotSources} {
		if len(got) != 2 || got[0] != "src-1" || got[1] != "src-2" {
			t.Errorf("search saw sources %v, want %v", got, sources)
		}
	}
}

func TestRetrieveSkipsMissingChunks(t *testing.T) {
	// Index returns b but the store no longer has it.
	vec := &fakeVectorIndex{hits: []SearchHit{{ChunkID: "a", Score: 2}, {ChunkID: "b", Score: 1}}}
	chunks := &fakeChunkStore{rows: []StoredChunk{storedChunk("a")}}
	r := newTestRetriever(&fakeQueryEmbedder{vec: []float32{1}}, vec, &fakeLexicalIndex{}, chunks)

	res, err := r.Retrieve(context.Background(), "q", []string{"src-1"}, hybridOpts())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].Chunk.ID != "a" {
		t.Fatalf("unexpected candidates %+v", res.Candidates)
	}
}

func TestFuseScoresMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	opts := hybridOpts()

	for range 100 {
		n := 2 + rng.Intn(8)
		lex := make([]SearchHit, n)
		vec := make([]SearchHit, n)
		for i := range n {
			id := fmt.Sprintf("c%d", i)
			lex[i] = SearchHit{ChunkID: id, Score: rng.Float64()}
			vec[i] = SearchHit{ChunkID: id, Score: rng.Float64()}
		}

		base := fusedByID(fuseScores(lex, vec, opts))

		// Raising one chunk's lexical score to the max must not lower its
		// fused score.
		subject := "c0"
		boosted := make([]SearchHit, n)
		copy(boosted, lex)
		boosted[0].Score = 2 // above every generated score
		after := fusedByID(fuseScores(boosted, vec, opts))

		if after[subject] < base[subject] {
			t.Fatalf("fused score decreased after lexical boost: %v -> %v", base[subject], after[subject])
		}
	}
}

func fusedByID(hits []fusedHit) map[string]float64 {
	m := make(map[string]float64, len(hits))
	for _, h := range hits {
		m[h.chunkID] = h.fused
	}
	return m
}

func TestNormalizeScoresAllEqual(t *testing.T) {
	norm := normalizeScores([]SearchHit{{ChunkID: "a", Score: 3}, {ChunkID: "b", Score: 3}})
	if norm["a"] != 1 || norm["b"] != 1 {
		t.Fatalf("equal scores should normalize to 1, got %v", norm)
	}
}

func TestRetrieveCanceledContextIsNotIndexFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vec := &fakeVectorIndex{err: context.Canceled}
	r := newTestRetriever(&fakeQueryEmbedder{vec: []float32{1}}, vec, &fakeLexicalIndex{}, &fakeChunkStore{})

	_, err := r.Retrieve(ctx, "q", []string{"src-1"}, hybridOpts())
	if IsCode(err, CodeIndexUnavailable) {
		t.Fatalf("cancellation reported as index outage: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

// sourceFilteringIndex serves a fixed corpus and applies the access
// filter the way the store does, for both search modes.
type sourceFilteringIndex struct {
	sourceOf map[string]string
	scores   map[string]float64
}

func (s *sourceFilteringIndex) search(sourceIDs []string) []SearchHit {
	allowed := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		allowed[id] = true
	}
	var hits []SearchHit
	for chunkID, src := range s.sourceOf {
		if allowed[src] {
			hits = append(hits, SearchHit{ChunkID: chunkID, Score: s.scores[chunkID]})
		}
	}
	return hits
}

func (s *sourceFilteringIndex) SearchVectors(_ context.Context, _ []float32, sourceIDs []string, _ int) ([]SearchHit, error) {
	return s.search(sourceIDs), nil
}

func (s *sourceFilteringIndex) SearchLexical(_ context.Context, _ string, sourceIDs []string, _ int) ([]SearchHit, error) {
	return s.search(sourceIDs), nil
}

func TestRetrieveAccessFilterNeverLeaks(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	sources := []string{"src-1", "src-2", "src-3", "src-4", "src-5"}

	for trial := range 50 {
		// Random corpus spread over the sources. The chunk store is
		// deliberately unfiltered: only the index-level filter stands
		// between an inaccessible chunk and the candidate pool.
		n := 5 + rng.Intn(20)
		sourceOf := make(map[string]string, n)
		scores := make(map[string]float64, n)
		rows := make([]StoredChunk, 0, n)
		for i := range n {
			id := fmt.Sprintf("c%d", i)
			src := sources[rng.Intn(len(sources))]
			sourceOf[id] = src
			scores[id] = rng.Float64()
			rows = append(rows, StoredChunk{
				Chunk:        Chunk{ID: id, DocumentID: "doc-" + src, Text: "text " + id, TokenCount: 10},
				DataSourceID: src,
				SourceName:   src,
			})
		}

		// Random non-empty access subset.
		var access []string
		for _, s := range sources {
			if rng.Intn(2) == 0 {
				access = append(access, s)
			}
		}
		if len(access) == 0 {
			access = sources[:1]
		}
		allowed := make(map[string]bool, len(access))
		for _, s := range access {
			allowed[s] = true
		}

		idx := &sourceFilteringIndex{sourceOf: sourceOf, scores: scores}
		r := NewRetriever(&fakeQueryEmbedder{vec: []float32{1}}, idx, idx, &fakeChunkStore{rows: rows}, nil)

		res, err := r.Retrieve(context.Background(), "q", access, hybridOpts())
		if err != nil {
			// An access set that matches no chunks is a legitimate outcome.
			if IsCode(err, CodeNoAccessibleSources) {
				continue
			}
			t.Fatalf("trial %d: %v", trial, err)
		}
		for _, c := range res.Candidates {
			if !allowed[c.DataSourceID] {
				t.Fatalf("trial %d: candidate %s leaked from inaccessible source %s",
					trial, c.Chunk.ID, c.DataSourceID)
			}
		}
	}
}
