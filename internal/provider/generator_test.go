package provider

import (
	"testing"

	"github.com/koopa0/grounded/internal/config"
)

func TestGeneratorCarriesConfigSettings(t *testing.T) {
	cfg := &config.Config{
		ModelName:   "gemini-2.5-flash",
		Temperature: 0.3,
		MaxTokens:   2048,
	}
	p := &Provider{cfg: cfg}

	gen := p.Generator()

	if gen.model != cfg.ModelName {
		t.Errorf("model = %q, want %q", gen.model, cfg.ModelName)
	}
	if gen.temperature != float64(cfg.Temperature) {
		t.Errorf("temperature = %v, want %v", gen.temperature, float64(cfg.Temperature))
	}
	if gen.maxTokens != cfg.MaxTokens {
		t.Errorf("maxTokens = %d, want %d", gen.maxTokens, cfg.MaxTokens)
	}
	if gen.limiter == nil {
		t.Error("limiter not initialized")
	}
}

func TestQualifyModel(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare name gets prefix", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"qualified name unchanged", "googleai/gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"other provider unchanged", "vertexai/gemini-2.5-pro", "vertexai/gemini-2.5-pro"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := qualifyModel(tt.in); got != tt.want {
				t.Errorf("qualifyModel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
