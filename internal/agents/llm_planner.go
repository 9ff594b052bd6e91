package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/example/workflow-orchestrator/internal/dag"
	"github.com/example/workflow-orchestrator/internal/models"
	"github.com/example/workflow-orchestrator/internal/providers/llm"
)

// LLMPlanner uses an LLM provider to produce ad-hoc steps. Anything it cannot
// parse into a valid graph falls back to the rule-based plan.
type LLMPlanner struct {
	Client       llm.Client
	Capabilities []string
}

func (p *LLMPlanner) Plan(ctx context.Context, req models.TaskRequest) ([]models.StepSpec, error) {
	raw, err := p.Client.GeneratePlan(ctx, p.buildPrompt(req))
	if err != nil || strings.TrimSpace(raw) == "" {
		if os.Getenv("LLM_DEBUG") == "1" && err != nil {
			log.Printf("LLMPlanner: generate error: %v", err)
		}
		return trivialPlan(req), nil
	}
	steps := parseSteps(raw)
	if len(steps) == 0 {
		return trivialPlan(req), nil
	}
	for i := range steps {
		if steps[i].Name == "" {
			steps[i].Name = fmt.Sprintf("step%d", i+1)
		}
		// Planner output never carries quality gates.
		steps[i].Gates = nil
	}
	if err := dag.Validate(dag.FromSpecs(steps)); err != nil {
		if os.Getenv("LLM_DEBUG") == "1" {
			log.Printf("LLMPlanner: rejected plan: %v", err)
		}
		return trivialPlan(req), nil
	}
	return steps, nil
}

func parseSteps(raw string) []models.StepSpec {
	var steps []models.StepSpec
	text := normalizeJSONText(raw)
	if err := json.Unmarshal([]byte(text), &steps); err == nil {
		return steps
	} else if os.Getenv("LLM_DEBUG") == "1" {
		log.Printf("LLMPlanner: json unmarshal failed, raw=%.200q err=%v", text, err)
	}
	// Try wrapper object {"steps": [...]}
	var wrapper struct {
		Steps []models.StepSpec `json:"steps"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &wrapper); err == nil {
		return wrapper.Steps
	}
	return nil
}

func (p *LLMPlanner) buildPrompt(req models.TaskRequest) string {
	caps := p.Capabilities
	if len(caps) == 0 {
		caps = []string{"echo", "http_get", "html_to_text", "extract_links", "summarize", "llm_answer"}
	}
	return fmt.Sprintf(`You are a planning agent for a workflow runner.
Output ONLY a JSON array of step objects, no prose, no code fences.

Agents you may use: %s. Any other agent name is answered by a general assistant playing that role.

Rules:
- Produce 1-4 steps.
- Use "dependencies" to express order (e.g., summarize depends on fetch).
- To pass the output of a previous step into a task, write {{step:NAME.output}} in the task text; NAME must be listed in the step's dependencies (directly or through them).
- Write {{input}} where the original request text belongs.
- If the request contains a URL, plan: fetch (http_get) -> extract (html_to_text) -> summarize.
- If it is a direct question, use a single llm_answer step with task "{{input}}".

Schema for each step: {"name": "...", "agent": "...", "task": "...", "dependencies": ["..."], "timeout_minutes": 5}

%s %s`, strings.Join(caps, ", "), llm.PlanRequestMarker, req.Input)
}

func extractJSONArray(s string) string {
	// crude extractor for the first top-level JSON array in a string
	start := strings.Index(s, "[")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func normalizeJSONText(s string) string {
	t := strings.TrimSpace(s)
	// Strip code fences like ```json ... ```
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		// drop possible language hint, e.g., json
		if idx := strings.IndexByte(t, '\n'); idx != -1 {
			t = t[idx+1:]
		}
		if j := strings.LastIndex(t, "```"); j != -1 {
			t = t[:j]
		}
		t = strings.TrimSpace(t)
	}
	if !strings.HasPrefix(t, "[") {
		if arr := extractJSONArray(t); arr != "" {
			return arr
		}
	}
	return t
}
