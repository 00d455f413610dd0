package provider

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/koopa0/grounded/internal/log"
)

// Generation rate limits, shared across concurrent requests.
const (
	generateRateLimit = 2 // requests per second
	generateRateBurst = 4
)

// Generator produces answers through Genkit, streaming deltas to the
// caller as the model emits them.
type Generator struct {
	g           *genkit.Genkit
	model       string
	temperature float64
	maxTokens   int
	limiter     *rate.Limiter
	logger      log.Logger
}

// NewGenerator creates a Generator for the given model.
func NewGenerator(g *genkit.Genkit, model string, temperature float64, maxTokens int, logger log.Logger) *Generator {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Generator{
		g:           g,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		limiter:     rate.NewLimiter(generateRateLimit, generateRateBurst),
		logger:      logger,
	}
}

// Generate runs one completion. When stream is non-nil every text chunk
// is forwarded as it arrives; the full text is returned either way.
func (gen *Generator) Generate(ctx context.Context, prompt string, stream func(context.Context, string) error) (string, error) {
	if err := gen.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for generation slot: %w", err)
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(qualifyModel(gen.model)),
		ai.WithPrompt(prompt),
		ai.WithConfig(&genai.GenerateContentConfig{
			Temperature:     genai.Ptr(float32(gen.temperature)),
			MaxOutputTokens: int32(gen.maxTokens),
		}),
	}
	if stream != nil {
		opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			return stream(ctx, chunk.Text())
		}))
	}

	resp, err := genkit.Generate(ctx, gen.g, opts...)
	if err != nil {
		return "", fmt.Errorf("generate with %s: %w", gen.model, err)
	}
	return resp.Text(), nil
}
