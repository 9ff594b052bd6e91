package llm

import (
	"context"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIClient talks to OpenAI or any OpenAI-compatible endpoint through
// langchaingo.
type OpenAIClient struct {
	model llms.Model
	Model string
}

// NewOpenAIClient builds a client. baseURL may be given with or without the
// trailing /v1.
func NewOpenAIClient(apiKey, model, baseURL string) (*OpenAIClient, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		opts = append(opts, openai.WithBaseURL(base))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return &OpenAIClient{model: m, Model: model}, nil
}

func (c *OpenAIClient) GeneratePlan(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, c.model, prompt, llms.WithTemperature(0.2))
}

func (c *OpenAIClient) Verify(ctx context.Context, prompt string, output string) (bool, string, error) {
	return verifyWith(ctx, func(ctx context.Context, p string) (string, error) {
		return llms.GenerateFromSinglePrompt(ctx, c.model, p, llms.WithTemperature(0))
	}, prompt, output)
}

func (c *OpenAIClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, c.model, prompt, llms.WithTemperature(0.3))
}
