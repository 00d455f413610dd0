package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/koopa0/grounded/internal/log"
	"github.com/koopa0/grounded/internal/rag"
)

// writeJSON writes a JSON response with the given status code.
// Note: If encoding fails after WriteHeader is called, there's no way to
// notify the client since the status code is already sent. The error is
// logged for debugging but doesn't affect the response.
func writeJSON(w http.ResponseWriter, logger log.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

// ErrorResponse represents a JSON error response. Stage and Code are
// populated for pipeline errors so callers can branch without parsing
// the message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Stage   string `json:"stage,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, logger log.Logger, status int, errStr string, message string) {
	writeJSON(w, logger, status, ErrorResponse{Error: errStr, Message: message})
}

// writeRAGError maps a pipeline error onto an HTTP status and writes it.
// Non-pipeline errors become plain 500s.
func writeRAGError(w http.ResponseWriter, logger log.Logger, err error) {
	var re *rag.Error
	if !errors.As(err, &re) {
		writeError(w, logger, http.StatusInternalServerError, "internal error", err.Error())
		return
	}
	writeJSON(w, logger, statusForCode(re.Code), ErrorResponse{
		Error:   string(re.Code),
		Stage:   string(re.Stage),
		Code:    string(re.Code),
		Message: re.Error(),
	})
}

// statusForCode maps pipeline error codes to HTTP statuses.
func statusForCode(code rag.Code) int {
	switch code {
	case rag.CodeInvalidInput, rag.CodeUnsupportedFormat:
		return http.StatusBadRequest
	case rag.CodeNoAccessibleSources:
		return http.StatusForbidden
	case rag.CodeConflict:
		return http.StatusConflict
	case rag.CodeContextOverflow, rag.CodeInsufficientContext:
		return http.StatusUnprocessableEntity
	case rag.CodeIndexUnavailable:
		return http.StatusServiceUnavailable
	case rag.CodeEmbeddingFailed, rag.CodeGenerationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
