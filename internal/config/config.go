// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.grounded/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: generation model, embedder model, reranker model
//   - Storage: PostgreSQL connection (see storage.go)
//   - RAG: pipeline tunables (chunking, retrieval, grounding)
//   - Serve: HTTP listen address
//   - Tracing: OTLP exporter settings
//
// Security: the database password is masked in MarshalJSON and never
// logged. Validation lives in validation.go with sentinel errors.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	// DefaultGenerationModel is the default model for answer generation.
	DefaultGenerationModel = "gemini-2.5-flash"

	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 supports truncation to 768 dimensions via
	// OutputDimensionality; the pgvector schema uses 768 (see store.VectorDimension).
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultRerankModel is the default model used for cross-encoder style
	// relevance scoring of retrieval candidates.
	DefaultRerankModel = "gemini-2.5-flash-lite"
)

// RAGConfig holds the pipeline tunables. These are defaults only: each
// request carries an explicit rag.Options derived from this struct, so the
// pipeline itself never reads configuration from ambient state.
type RAGConfig struct {
	ChunkSize           int     `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap        int     `mapstructure:"chunk_overlap" json:"chunk_overlap"`
	UseSentenceBoundary bool    `mapstructure:"use_sentence_boundary" json:"use_sentence_boundary"`
	TopK                int     `mapstructure:"top_k" json:"top_k"`
	UseHybridSearch     bool    `mapstructure:"use_hybrid_search" json:"use_hybrid_search"`
	BM25Weight          float64 `mapstructure:"bm25_weight" json:"bm25_weight"`
	RerankEnabled       bool    `mapstructure:"rerank_enabled" json:"rerank_enabled"`
	RerankTopK          int     `mapstructure:"rerank_top_k" json:"rerank_top_k"`
	RerankMinScore      float64 `mapstructure:"rerank_min_score" json:"rerank_min_score"`
	MaxContextTokens    int     `mapstructure:"max_context_tokens" json:"max_context_tokens"`
	ContextOrdering     string  `mapstructure:"context_ordering" json:"context_ordering"`
	GroundingThreshold  float64 `mapstructure:"grounding_threshold" json:"grounding_threshold"`
	StrictGrounding     bool    `mapstructure:"strict_grounding" json:"strict_grounding"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	Environment string `mapstructure:"environment" json:"environment"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON.
type Config struct {
	// AI model configuration
	ModelName     string  `mapstructure:"model_name" json:"model_name"`
	Temperature   float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens     int     `mapstructure:"max_tokens" json:"max_tokens"`
	EmbedderModel string  `mapstructure:"embedder_model" json:"embedder_model"`
	RerankModel   string  `mapstructure:"rerank_model" json:"rerank_model"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Pipeline defaults
	RAG RAGConfig `mapstructure:"rag" json:"rag"`

	// HTTP server (serve mode)
	Addr string `mapstructure:"addr" json:"addr"`

	// Tracing configuration
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".grounded")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine: defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings when set.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// AI defaults
	viper.SetDefault("model_name", DefaultGenerationModel)
	viper.SetDefault("temperature", 0.2)
	viper.SetDefault("max_tokens", 2048)
	viper.SetDefault("embedder_model", DefaultEmbedderModel)
	viper.SetDefault("rerank_model", DefaultRerankModel)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "grounded")
	viper.SetDefault("postgres_password", "grounded_dev_password")
	viper.SetDefault("postgres_db_name", "grounded")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// RAG pipeline defaults
	viper.SetDefault("rag.chunk_size", 500)
	viper.SetDefault("rag.chunk_overlap", 50)
	viper.SetDefault("rag.use_sentence_boundary", true)
	viper.SetDefault("rag.top_k", 10)
	viper.SetDefault("rag.use_hybrid_search", true)
	viper.SetDefault("rag.bm25_weight", 0.3)
	viper.SetDefault("rag.rerank_enabled", true)
	viper.SetDefault("rag.rerank_top_k", 5)
	viper.SetDefault("rag.rerank_min_score", 0.3)
	viper.SetDefault("rag.max_context_tokens", 4000)
	viper.SetDefault("rag.context_ordering", "score_desc")
	viper.SetDefault("rag.grounding_threshold", 0.5)
	viper.SetDefault("rag.strict_grounding", false)

	// HTTP server defaults
	viper.SetDefault("addr", "127.0.0.1:3500")

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.environment", "dev")
	viper.SetDefault("tracing.service_name", "grounded")
}

// bindEnvVariables binds environment variables explicitly.
// GEMINI_API_KEY is read directly by Genkit and the genai client, not via
// Viper; Validate only checks its presence.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("model_name", "GROUNDED_MODEL_NAME")
	mustBind("embedder_model", "GROUNDED_EMBEDDER_MODEL")
	mustBind("rerank_model", "GROUNDED_RERANK_MODEL")
	mustBind("addr", "GROUNDED_ADDR")
	mustBind("tracing.enabled", "GROUNDED_TRACING_ENABLED")
	mustBind("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 characters or fewer are fully masked to prevent substring
// matching; longer secrets keep the first and last 2 characters.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config // prevent recursion
	masked := alias(*c)
	masked.PostgresPassword = maskSecret(c.PostgresPassword)
	return json.Marshal(masked)
}
