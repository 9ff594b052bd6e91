package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/workflow-orchestrator/internal/providers/llm"
)

// LLMAnswerTool answers the task text directly. Upstream outputs are passed
// along as context.
type LLMAnswerTool struct{ Client llm.Client }

func (t *LLMAnswerTool) Name() string { return "llm_answer" }

func (t *LLMAnswerTool) Execute(ctx context.Context, req Request) (string, string, error) {
	q := strings.TrimSpace(req.TaskText)
	if q == "" {
		return "", "", fmt.Errorf("missing question")
	}
	prompt := q
	if len(req.Upstream) > 0 {
		prompt = "Context:\n" + joinUpstream(req.Upstream) + "\n\nQuestion:\n" + q
	}
	ans, err := t.Client.GenerateText(ctx, prompt)
	if err != nil {
		return "", "", err
	}
	return ans, "", nil
}
