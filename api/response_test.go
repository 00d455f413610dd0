package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/grounded/internal/log"
	"github.com/koopa0/grounded/internal/rag"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	data := map[string]string{"message": "hello"}
	writeJSON(w, log.NewNop(), 200, data)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var result map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &result)
	require.NoError(t, err)
	assert.Equal(t, "hello", result["message"])
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	writeError(w, log.NewNop(), 400, "bad_request", "invalid input")

	assert.Equal(t, 400, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var result ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &result)
	require.NoError(t, err)
	assert.Equal(t, "bad_request", result.Error)
	assert.Equal(t, "invalid input", result.Message)
}

func TestWriteRAGError(t *testing.T) {
	w := httptest.NewRecorder()

	err := &rag.Error{Stage: rag.StageRetrieve, Code: rag.CodeNoAccessibleSources, Err: errors.New("empty access set")}
	writeRAGError(w, log.NewNop(), err)

	assert.Equal(t, http.StatusForbidden, w.Code)

	var result ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "NO_ACCESSIBLE_SOURCES", result.Code)
	assert.Equal(t, "retrieve", result.Stage)
	assert.Contains(t, result.Message, "empty access set")
}

func TestWriteRAGError_PlainError(t *testing.T) {
	w := httptest.NewRecorder()

	writeRAGError(w, log.NewNop(), errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var result ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "internal error", result.Error)
	assert.Empty(t, result.Code)
}

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code rag.Code
		want int
	}{
		{rag.CodeInvalidInput, http.StatusBadRequest},
		{rag.CodeUnsupportedFormat, http.StatusBadRequest},
		{rag.CodeNoAccessibleSources, http.StatusForbidden},
		{rag.CodeConflict, http.StatusConflict},
		{rag.CodeContextOverflow, http.StatusUnprocessableEntity},
		{rag.CodeInsufficientContext, http.StatusUnprocessableEntity},
		{rag.CodeIndexUnavailable, http.StatusServiceUnavailable},
		{rag.CodeEmbeddingFailed, http.StatusBadGateway},
		{rag.CodeGenerationFailed, http.StatusBadGateway},
		{rag.Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForCode(tt.code), "code %s", tt.code)
	}
}
