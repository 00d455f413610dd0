package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidRAGOption indicates a RAG pipeline tunable is out of range.
	ErrInvalidRAGOption = errors.New("invalid RAG option")
)

// validSSLModes are the SSL modes accepted by PostgreSQL.
var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// validOrderings are the accepted context ordering strategies.
var validOrderings = map[string]bool{
	"score_desc": true,
	"score_asc":  true,
	"position":   true,
}

// Validate checks the configuration for errors (fail-fast at startup).
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name must not be empty", ErrInvalidModelName)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: must be in [0, 2], got %v", ErrInvalidTemperature, c.Temperature)
	}
	if c.MaxTokens <= 0 || c.MaxTokens > 65536 {
		return fmt.Errorf("%w: must be in (0, 65536], got %d", ErrInvalidMaxTokens, c.MaxTokens)
	}
	if strings.TrimSpace(c.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidEmbedderModel)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be in [1, 65535], got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if err := c.validateRAG(); err != nil {
		return err
	}

	// Genkit and the genai client read GEMINI_API_KEY directly; fail fast
	// here rather than on the first embedding call.
	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable not set", ErrMissingAPIKey)
	}

	return nil
}

// validateRAG range-checks the pipeline tunables.
func (c *Config) validateRAG() error {
	r := c.RAG

	if r.ChunkSize < 50 || r.ChunkSize > 8192 {
		return fmt.Errorf("%w: chunk_size must be in [50, 8192], got %d", ErrInvalidRAGOption, r.ChunkSize)
	}
	if r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size), got %d", ErrInvalidRAGOption, r.ChunkOverlap)
	}
	if r.TopK < 1 || r.TopK > 100 {
		return fmt.Errorf("%w: top_k must be in [1, 100], got %d", ErrInvalidRAGOption, r.TopK)
	}
	if r.BM25Weight < 0 || r.BM25Weight > 1 {
		return fmt.Errorf("%w: bm25_weight must be in [0, 1], got %v", ErrInvalidRAGOption, r.BM25Weight)
	}
	if r.RerankTopK < 1 || r.RerankTopK > r.TopK {
		return fmt.Errorf("%w: rerank_top_k must be in [1, top_k], got %d", ErrInvalidRAGOption, r.RerankTopK)
	}
	if r.RerankMinScore < 0 || r.RerankMinScore > 1 {
		return fmt.Errorf("%w: rerank_min_score must be in [0, 1], got %v", ErrInvalidRAGOption, r.RerankMinScore)
	}
	if r.MaxContextTokens < 100 {
		return fmt.Errorf("%w: max_context_tokens must be at least 100, got %d", ErrInvalidRAGOption, r.MaxContextTokens)
	}
	if !validOrderings[r.ContextOrdering] {
		return fmt.Errorf("%w: context_ordering %q (want score_desc, score_asc, or position)", ErrInvalidRAGOption, r.ContextOrdering)
	}
	if r.GroundingThreshold < 0 || r.GroundingThreshold > 1 {
		return fmt.Errorf("%w: grounding_threshold must be in [0, 1], got %v", ErrInvalidRAGOption, r.GroundingThreshold)
	}

	return nil
}
