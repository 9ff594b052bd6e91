package llm

import (
	"context"
	"strings"

	"github.com/ollama/ollama/api"
)

// OllamaClient runs prompts against a local Ollama server. The host comes
// from OLLAMA_HOST.
type OllamaClient struct {
	client *api.Client
	Model  string
}

func NewOllamaClient(model string) (*OllamaClient, error) {
	c, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}
	return &OllamaClient{client: c, Model: model}, nil
}

func (o *OllamaClient) GeneratePlan(ctx context.Context, prompt string) (string, error) {
	return o.GenerateText(ctx, prompt)
}

func (o *OllamaClient) Verify(ctx context.Context, prompt string, output string) (bool, string, error) {
	return verifyWith(ctx, o.GenerateText, prompt, output)
}

func (o *OllamaClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	stream := false
	var b strings.Builder
	err := o.client.Generate(ctx, &api.GenerateRequest{
		Model:  o.Model,
		Prompt: prompt,
		Stream: &stream,
	}, func(r api.GenerateResponse) error {
		b.WriteString(r.Response)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
