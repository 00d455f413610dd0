package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/koopa0/grounded/internal/log"
	"github.com/koopa0/grounded/internal/rag"
)

// QueryHandler handles the query and answer endpoints.
type QueryHandler struct {
	pipeline *rag.Pipeline
	logger   log.Logger
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(pipeline *rag.Pipeline, logger log.Logger) *QueryHandler {
	return &QueryHandler{pipeline: pipeline, logger: logger}
}

// RegisterRoutes registers query routes on the given mux.
func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/query", h.query)
	mux.HandleFunc("POST /api/answer", h.answer)
}

// OptionsRequest is the wire form of per-request pipeline tunables.
// Omitted fields fall back to server defaults; flags are pointers so an
// explicit false still overrides a default of true.
type OptionsRequest struct {
	ChunkSize           int     `json:"chunk_size,omitempty"`
	ChunkOverlap        int     `json:"chunk_overlap,omitempty"`
	UseSentenceBoundary *bool   `json:"use_sentence_boundary,omitempty"`
	TopK                int     `json:"top_k,omitempty"`
	UseHybridSearch     *bool   `json:"use_hybrid_search,omitempty"`
	BM25Weight          float64 `json:"bm25_weight,omitempty"`
	RerankEnabled       *bool   `json:"rerank_enabled,omitempty"`
	RerankTopK          int     `json:"rerank_top_k,omitempty"`
	RerankMinScore      float64 `json:"rerank_min_score,omitempty"`
	MaxContextTokens    int     `json:"max_context_tokens,omitempty"`
	ContextOrdering     string  `json:"context_ordering,omitempty"`
	GroundingThreshold  float64 `json:"grounding_threshold,omitempty"`
	StrictGrounding     *bool   `json:"strict_grounding,omitempty"`
}

func (o OptionsRequest) toOptions() rag.Options {
	return rag.Options{
		ChunkSize:           o.ChunkSize,
		ChunkOverlap:        o.ChunkOverlap,
		UseSentenceBoundary: o.UseSentenceBoundary,
		TopK:                o.TopK,
		UseHybridSearch:     o.UseHybridSearch,
		BM25Weight:          o.BM25Weight,
		RerankEnabled:       o.RerankEnabled,
		RerankTopK:          o.RerankTopK,
		RerankMinScore:      o.RerankMinScore,
		MaxContextTokens:    o.MaxContextTokens,
		ContextOrdering:     o.ContextOrdering,
		GroundingThreshold:  o.GroundingThreshold,
		StrictGrounding:     o.StrictGrounding,
	}
}

// QueryAPIRequest is the request body for /api/query and /api/answer.
type QueryAPIRequest struct {
	Query             string         `json:"query"`
	AccessibleSources []string       `json:"accessible_sources"`
	Options           OptionsRequest `json:"options,omitempty"`
	Stream            bool           `json:"stream,omitempty"`
}

func (h *QueryHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (*QueryAPIRequest, bool) {
	var req QueryAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body", err.Error())
		return nil, false
	}
	return &req, true
}

// query runs retrieval, reranking and assembly and returns the ranked
// citations without generating an answer.
func (h *QueryHandler) query(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	result, err := h.pipeline.Query(r.Context(), rag.QueryRequest{
		Query:             req.Query,
		AccessibleSources: req.AccessibleSources,
		Options:           req.Options.toOptions(),
	})
	if err != nil {
		writeRAGError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, result)
}

// answer runs the full pipeline. With stream=true the answer is sent as
// Server-Sent Events: "delta" events carry text increments and a final
// "result" event carries the complete response; failures after the
// stream opens arrive as an "error" event.
func (h *QueryHandler) answer(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	pipelineReq := rag.QueryRequest{
		Query:             req.Query,
		AccessibleSources: req.AccessibleSources,
		Options:           req.Options.toOptions(),
	}

	if !req.Stream {
		result, err := h.pipeline.Answer(r.Context(), pipelineReq, nil)
		if err != nil {
			writeRAGError(w, h.logger, err)
			return
		}
		writeJSON(w, h.logger, http.StatusOK, result)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, "streaming unsupported", err.Error())
		return
	}

	ctx := r.Context()
	result, err := h.pipeline.Answer(ctx, pipelineReq, func(delta string) error {
		return sse.WriteJSON(ctx, "delta", map[string]string{"text": delta})
	})
	if err != nil {
		// Headers are already sent; the error travels in-band.
		if werr := sse.WriteJSON(ctx, "error", sseError(err)); werr != nil {
			h.logger.Debug("failed to write SSE error event", "error", werr)
		}
		return
	}
	if werr := sse.WriteJSON(ctx, "result", result); werr != nil {
		h.logger.Debug("failed to write SSE result event", "error", werr)
	}
}

// sseError shapes a pipeline error for the in-band SSE error event.
func sseError(err error) ErrorResponse {
	var re *rag.Error
	if errors.As(err, &re) {
		return ErrorResponse{
			Error:   string(re.Code),
			Stage:   string(re.Stage),
			Code:    string(re.Code),
			Message: re.Error(),
		}
	}
	return ErrorResponse{Error: "internal error", Message: err.Error()}
}
