package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/workflow-orchestrator/internal/models"
	"github.com/example/workflow-orchestrator/internal/providers/llm"
)

// LLMVerifier asks an LLM to judge whether an output meets a step's gates.
type LLMVerifier struct{ Client llm.Client }

func (v *LLMVerifier) Verify(ctx context.Context, task *models.Task, step *models.Step, output string) (bool, string) {
	ok, reason, err := v.Client.Verify(ctx, buildVerifyPrompt(task, step), output)
	if err != nil {
		return false, err.Error()
	}
	// If the model returned JSON, prefer it strictly.
	type verdict struct {
		OK     *bool  `json:"ok"`
		Reason string `json:"reason"`
	}
	var vj verdict
	if json.Unmarshal([]byte(normalizeVerdict(reason)), &vj) == nil && vj.OK != nil {
		return *vj.OK, vj.Reason
	}
	return ok, reason
}

func buildVerifyPrompt(task *models.Task, step *models.Step) string {
	b, _ := json.Marshal(map[string]any{
		"request": task.Input,
		"step":    step.Name,
		"task":    step.TaskText,
		"gates":   step.Gates,
	})
	return fmt.Sprintf(`You are a strict quality gate. Estimate each gate metric from the output and decide whether every metric meets its minimum threshold.
Respond with JSON: {"ok": true|false, "reason": "..."}.
Task, step and gates: %s`, string(b))
}

func normalizeVerdict(s string) string {
	t := strings.TrimSpace(s)
	if i := strings.Index(t, "{"); i != -1 {
		if j := strings.LastIndex(t, "}"); j > i {
			return t[i : j+1]
		}
	}
	return t
}
