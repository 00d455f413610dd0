// Package provider adapts the Gemini model APIs to the pipeline's
// capability interfaces: embedding, generation, rerank scoring and
// grounding judgment.
//
// Embedding and generation go through Genkit; the rerank scorer and the
// grounding judge call the Gemini API directly, since they need nothing
// but a single prompt/response exchange with a lightweight model.
package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"google.golang.org/genai"

	"github.com/koopa0/grounded/internal/config"
	"github.com/koopa0/grounded/internal/log"
)

// Provider holds the initialized model clients.
type Provider struct {
	genkit *genkit.Genkit
	client *genai.Client
	cfg    *config.Config
	logger log.Logger
}

// New initializes Genkit with the Google AI plugin and a direct Gemini
// client. Requires GEMINI_API_KEY in the environment.
func New(ctx context.Context, cfg *config.Config, logger log.Logger) (*Provider, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, fmt.Errorf("initializing genkit with googleai plugin")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  os.Getenv("GEMINI_API_KEY"),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Provider{genkit: g, client: client, cfg: cfg, logger: logger}, nil
}

// Embedder returns the caching embedder. cache may be nil to skip the
// persistent layer.
func (p *Provider) Embedder(cache EmbeddingCache) (*Embedder, error) {
	inner := googlegenai.GoogleAIEmbedder(p.genkit, p.cfg.EmbedderModel)
	if inner == nil {
		return nil, fmt.Errorf("embedder model %q not available", p.cfg.EmbedderModel)
	}
	return NewEmbedder(inner, p.cfg.EmbedderModel, cache, p.logger)
}

// Generator returns the answer generator.
func (p *Provider) Generator() *Generator {
	return NewGenerator(p.genkit, p.cfg.ModelName, float64(p.cfg.Temperature), p.cfg.MaxTokens, p.logger)
}

// RerankScorer returns the Gemini-backed rerank scorer.
func (p *Provider) RerankScorer() *RerankScorer {
	return NewRerankScorer(p.client, p.cfg.RerankModel, p.logger)
}

// GroundingJudge returns the Gemini-backed grounding judge.
func (p *Provider) GroundingJudge() *Judge {
	return NewJudge(p.client, p.cfg.RerankModel, p.logger)
}

// qualifyModel prefixes bare Gemini model names with the googleai
// provider for Genkit lookup.
func qualifyModel(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	return "googleai/" + name
}
