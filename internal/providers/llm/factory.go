package llm

import (
	"context"
	"log"
	"strings"
)

type Config struct {
	Provider     string
	Model        string
	OpenAIKey    string
	OpenAIBase   string
	AnthropicKey string
	GoogleKey    string
}

// ConfigFromEnv reads the provider settings:
// - LLM_PROVIDER=openai|anthropic|gemini|ollama|mock
// - For OpenAI:    OPENAI_API_KEY, optional OPENAI_API_BASE
// - For Anthropic: ANTHROPIC_API_KEY
// - For Gemini:    GOOGLE_API_KEY
// - For Ollama:    OLLAMA_HOST (read by the ollama client)
// LLM_MODEL overrides the provider's default model.
func ConfigFromEnv(getenv func(string) string) Config {
	return Config{
		Provider:     strings.ToLower(strings.TrimSpace(getenv("LLM_PROVIDER"))),
		Model:        strings.TrimSpace(getenv("LLM_MODEL")),
		OpenAIKey:    strings.TrimSpace(getenv("OPENAI_API_KEY")),
		OpenAIBase:   strings.TrimRight(getenv("OPENAI_API_BASE"), "/"),
		AnthropicKey: strings.TrimSpace(getenv("ANTHROPIC_API_KEY")),
		GoogleKey:    strings.TrimSpace(getenv("GOOGLE_API_KEY")),
	}
}

// New returns a Client for cfg. An explicit provider wins; otherwise the
// first configured API key selects one. If nothing is configured, or the
// chosen provider cannot be built, it returns a MockClient.
func New(ctx context.Context, cfg Config) Client {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIKey != "" {
			return openAIOrMock(cfg)
		}
	case "anthropic":
		if cfg.AnthropicKey != "" {
			return &AnthropicClient{APIKey: cfg.AnthropicKey, Model: modelOr(cfg, "claude-3-5-sonnet-latest")}
		}
	case "gemini":
		if cfg.GoogleKey != "" {
			return geminiOrMock(ctx, cfg)
		}
	case "ollama":
		c, err := NewOllamaClient(modelOr(cfg, "llama3.2"))
		if err == nil {
			return c
		}
		log.Printf("llm: ollama client unavailable, using mock: %v", err)
		return &MockClient{}
	case "mock":
		return &MockClient{}
	}

	// Auto-detect by API key presence if provider not specified
	switch {
	case cfg.OpenAIKey != "":
		return openAIOrMock(cfg)
	case cfg.AnthropicKey != "":
		return &AnthropicClient{APIKey: cfg.AnthropicKey, Model: modelOr(cfg, "claude-3-5-sonnet-latest")}
	case cfg.GoogleKey != "":
		return geminiOrMock(ctx, cfg)
	}
	return &MockClient{}
}

func openAIOrMock(cfg Config) Client {
	c, err := NewOpenAIClient(cfg.OpenAIKey, modelOr(cfg, "gpt-4o-mini"), cfg.OpenAIBase)
	if err != nil {
		log.Printf("llm: openai client unavailable, using mock: %v", err)
		return &MockClient{}
	}
	return c
}

func geminiOrMock(ctx context.Context, cfg Config) Client {
	c, err := NewGeminiClient(ctx, cfg.GoogleKey, modelOr(cfg, "gemini-1.5-flash"))
	if err != nil {
		log.Printf("llm: gemini client unavailable, using mock: %v", err)
		return &MockClient{}
	}
	return c
}

func modelOr(cfg Config, def string) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return def
}
