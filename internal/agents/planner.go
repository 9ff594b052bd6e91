package agents

import (
	"context"
	"strings"

	"github.com/example/workflow-orchestrator/internal/models"
)

// Planner turns a free-text request without a template into ad-hoc steps.
type Planner interface {
	Plan(ctx context.Context, req models.TaskRequest) ([]models.StepSpec, error)
}

// MockPlanner is a simple rule-based planner.
type MockPlanner struct{}

func (m *MockPlanner) Plan(ctx context.Context, req models.TaskRequest) ([]models.StepSpec, error) {
	return trivialPlan(req), nil
}

// trivialPlan: URL -> http_get -> html_to_text -> summarize, else llm_answer.
func trivialPlan(req models.TaskRequest) []models.StepSpec {
	q := strings.ToLower(req.Input)
	if strings.Contains(q, "http://") || strings.Contains(q, "https://") {
		return []models.StepSpec{
			{Name: "fetch", Agent: "http_get", Task: "{{input}}"},
			{Name: "extract", Agent: "html_to_text", Task: "{{step:fetch.output}}", Dependencies: []string{"fetch"}},
			{Name: "summarize", Agent: "summarize", Task: "{{step:extract.output}}", Dependencies: []string{"extract"}},
		}
	}
	return []models.StepSpec{{Name: "answer", Agent: "llm_answer", Task: "{{input}}"}}
}
