package tools

import (
	"context"
	"fmt"

	"github.com/example/workflow-orchestrator/internal/providers/llm"
)

type SummarizeTool struct{ Client llm.Client }

func (s *SummarizeTool) Name() string { return "summarize" }

func (s *SummarizeTool) Execute(ctx context.Context, req Request) (string, string, error) {
	text := req.input()
	if text == "" {
		text = joinUpstream(req.Upstream)
	}
	if text == "" {
		return "", "", fmt.Errorf("missing text")
	}
	prompt := fmt.Sprintf("Summarize the following text in a concise way (3-5 bullet points or a short paragraph). Focus on key facts.\n\nText:\n%s", text)
	out, err := s.Client.GenerateText(ctx, prompt)
	if err != nil {
		return "", "", err
	}
	return out, "", nil
}
