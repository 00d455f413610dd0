package rag

// Context ordering strategies for the assembler.
const (
	// OrderScoreDesc places the highest-ranked chunks first (default).
	OrderScoreDesc = "score_desc"

	// OrderScoreAsc places the highest-ranked chunks last, closest to the
	// question ("lost in the middle" mitigation).
	OrderScoreAsc = "score_asc"

	// OrderPosition restores original document order.
	OrderPosition = "position"
)

// Options carries every pipeline tunable for one request. It is passed
// explicitly through each stage call; stages never consult global state.
//
// Options may be partial: zero-valued numeric and string fields, and nil
// flags, mean "unset" and inherit the pipeline defaults. Use Bool to set
// a flag explicitly; a nil flag is not false. The zero value is not
// usable directly: call Normalize (or start from DefaultOptions) to fill
// defaults.
type Options struct {
	// Chunking (ingestion)
	ChunkSize           int   // soft token cap per chunk
	ChunkOverlap        int   // tokens re-included from the previous chunk
	UseSentenceBoundary *bool // close chunks at sentence boundaries

	// Retrieval
	TopK            int     // candidates returned by retrieval
	UseHybridSearch *bool   // fuse lexical and vector scores
	BM25Weight      float64 // lexical weight in fusion, [0, 1]

	// Reranking
	RerankEnabled  *bool
	RerankTopK     int     // candidates surviving rerank truncation
	RerankMinScore float64 // candidates below this are dropped

	// Context assembly
	MaxContextTokens int
	ContextOrdering  string

	// Grounding
	GroundingThreshold float64
	StrictGrounding    *bool
}

// Bool returns a pointer to b, for setting optional flags.
func Bool(b bool) *bool { return &b }

// DefaultOptions returns the pipeline defaults.
func DefaultOptions() Options {
	return Options{
		ChunkSize:           500,
		ChunkOverlap:        50,
		UseSentenceBoundary: Bool(true),
		TopK:                10,
		UseHybridSearch:     Bool(true),
		BM25Weight:          0.3,
		RerankEnabled:       Bool(true),
		RerankTopK:          5,
		RerankMinScore:      0.3,
		MaxContextTokens:    4000,
		ContextOrdering:     OrderScoreDesc,
		GroundingThreshold:  0.5,
		StrictGrounding:     Bool(false),
	}
}

// Normalize fills unset fields with defaults and clamps ranges. After
// Normalize every flag is non-nil.
func (o Options) Normalize() Options {
	def := DefaultOptions()

	if o.UseSentenceBoundary == nil {
		o.UseSentenceBoundary = def.UseSentenceBoundary
	}
	if o.UseHybridSearch == nil {
		o.UseHybridSearch = def.UseHybridSearch
	}
	if o.RerankEnabled == nil {
		o.RerankEnabled = def.RerankEnabled
	}
	if o.StrictGrounding == nil {
		o.StrictGrounding = def.StrictGrounding
	}

	if o.ChunkSize <= 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.ChunkOverlap < 0 {
		o.ChunkOverlap = def.ChunkOverlap
	}
	if o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = o.ChunkSize / 10
	}
	if o.TopK <= 0 {
		o.TopK = def.TopK
	}
	if o.BM25Weight < 0 {
		o.BM25Weight = 0
	}
	if o.BM25Weight > 1 {
		o.BM25Weight = 1
	}
	if o.RerankTopK <= 0 {
		o.RerankTopK = def.RerankTopK
	}
	if o.RerankTopK > o.TopK {
		o.RerankTopK = o.TopK
	}
	if o.RerankMinScore < 0 {
		o.RerankMinScore = 0
	}
	if o.MaxContextTokens <= 0 {
		o.MaxContextTokens = def.MaxContextTokens
	}
	switch o.ContextOrdering {
	case OrderScoreDesc, OrderScoreAsc, OrderPosition:
	default:
		o.ContextOrdering = OrderScoreDesc
	}
	if o.GroundingThreshold <= 0 {
		o.GroundingThreshold = def.GroundingThreshold
	}
	if o.GroundingThreshold > 1 {
		o.GroundingThreshold = 1
	}

	return o
}
