package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/grounded/internal/log"
	"github.com/koopa0/grounded/internal/rag"
)

// Ingestion request bounds.
const (
	MaxDocumentsPerBatch = 100
	MaxDocumentBytes     = 10 << 20 // 10 MiB per document
	DefaultJobListLimit  = 20
	MaxJobListLimit      = 200
)

// IngestHandler handles document and ingestion job endpoints.
type IngestHandler struct {
	pipeline *rag.Pipeline
	logger   log.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(pipeline *rag.Pipeline, logger log.Logger) *IngestHandler {
	return &IngestHandler{pipeline: pipeline, logger: logger}
}

// RegisterRoutes registers document and job routes on the given mux.
func (h *IngestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/ingest", h.ingest)
	mux.HandleFunc("DELETE /api/documents/{id}", h.deleteDocument)
	mux.HandleFunc("GET /api/jobs", h.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.jobStatus)
}

// IngestDocumentRequest is one document in an ingestion batch.
type IngestDocumentRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	Format     string `json:"format"`
	Visibility string `json:"visibility,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
	Content    string `json:"content"`
}

// IngestRequest is the request body for submitting an ingestion batch.
type IngestRequest struct {
	DataSourceID string                  `json:"data_source_id"`
	Documents    []IngestDocumentRequest `json:"documents"`
	Options      OptionsRequest          `json:"options,omitempty"`
}

// JobResponse is the wire form of an ingestion job.
type JobResponse struct {
	ID               string    `json:"id"`
	DataSourceID     string    `json:"data_source_id"`
	State            string    `json:"state"`
	DocumentsIndexed int       `json:"documents_indexed"`
	ChunksCreated    int       `json:"chunks_created"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func jobResponse(job *rag.IngestionJob) JobResponse {
	return JobResponse{
		ID:               job.ID,
		DataSourceID:     job.DataSourceID,
		State:            job.State,
		DocumentsIndexed: job.DocumentsIndexed,
		ChunksCreated:    job.ChunksCreated,
		Error:            job.Error,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
}

// ingest accepts a document batch, records a queued job and returns 202.
// Processing happens asynchronously; poll GET /api/jobs/{id} for progress.
func (h *IngestHandler) ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.DataSourceID == "" {
		writeError(w, h.logger, http.StatusBadRequest, "data_source_id is required", "")
		return
	}
	if len(req.Documents) == 0 || len(req.Documents) > MaxDocumentsPerBatch {
		writeError(w, h.logger, http.StatusBadRequest, "documents must contain between 1 and 100 entries", "")
		return
	}

	inputs := make([]rag.IngestInput, 0, len(req.Documents))
	for _, d := range req.Documents {
		if len(d.Content) > MaxDocumentBytes {
			writeError(w, h.logger, http.StatusRequestEntityTooLarge, "document too large", d.Name)
			return
		}
		inputs = append(inputs, rag.IngestInput{
			ID:         d.ID,
			Name:       d.Name,
			Format:     d.Format,
			Visibility: d.Visibility,
			OwnerID:    d.OwnerID,
			Content:    []byte(d.Content),
		})
	}

	job, err := h.pipeline.Ingest(r.Context(), req.DataSourceID, inputs, req.Options.toOptions())
	if err != nil {
		h.logger.Error("failed to submit ingestion batch", "error", err, "data_source", req.DataSourceID)
		writeRAGError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusAccepted, jobResponse(job))
}

// jobStatus returns one ingestion job by ID.
func (h *IngestHandler) jobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.pipeline.JobStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, rag.ErrNotFound) {
			writeError(w, h.logger, http.StatusNotFound, "job not found", "")
			return
		}
		h.logger.Error("failed to load job", "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "failed to load job", "")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, jobResponse(job))
}

// listJobs returns recent ingestion jobs.
// Query parameters:
//   - data_source_id: filter by data source (optional)
//   - limit: maximum number of jobs to return (default: 20, max: 200)
func (h *IngestHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", DefaultJobListLimit, 1, MaxJobListLimit)

	jobs, err := h.pipeline.ListJobs(r.Context(), r.URL.Query().Get("data_source_id"), limit)
	if err != nil {
		h.logger.Error("failed to list jobs", "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "failed to list jobs", "")
		return
	}

	out := make([]JobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobResponse(&jobs[i]))
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"jobs":  out,
		"total": len(out),
	})
}

// deleteDocument removes a document and all of its chunks.
func (h *IngestHandler) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.pipeline.DeleteDocument(r.Context(), id); err != nil {
		if errors.Is(err, rag.ErrNotFound) {
			writeError(w, h.logger, http.StatusNotFound, "document not found", "")
			return
		}
		h.logger.Error("failed to delete document", "error", err, "document", id)
		writeError(w, h.logger, http.StatusInternalServerError, "failed to delete document", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseIntParam parses an integer query parameter with bounds checking.
func parseIntParam(r *http.Request, name string, defaultVal, min, max int) int {
	str := r.URL.Query().Get(name)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return defaultVal
	}
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
