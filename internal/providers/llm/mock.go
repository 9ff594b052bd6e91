package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockClient is used when no real provider is configured.
type MockClient struct{}

// PlanRequestMarker precedes the user request in planner prompts; the mock
// only looks at the text after it.
const PlanRequestMarker = "User request:"

func (m *MockClient) GeneratePlan(ctx context.Context, prompt string) (string, error) {
	q := prompt
	if i := strings.LastIndex(prompt, PlanRequestMarker); i != -1 {
		q = prompt[i+len(PlanRequestMarker):]
	}
	q = strings.ToLower(q)
	if strings.Contains(q, "http://") || strings.Contains(q, "https://") {
		return `[{"name":"fetch","agent":"http_get","task":"{{input}}"},` +
			`{"name":"extract","agent":"html_to_text","task":"{{step:fetch.output}}","dependencies":["fetch"]},` +
			`{"name":"summarize","agent":"summarize","task":"{{step:extract.output}}","dependencies":["extract"]}]`, nil
	}
	return `[{"name":"answer","agent":"llm_answer","task":"{{input}}"}]`, nil
}

func (m *MockClient) Verify(ctx context.Context, prompt string, output string) (bool, string, error) {
	ok := strings.TrimSpace(output) != ""
	return ok, fmt.Sprintf(`{"ok": %t, "reason": "mock verifier checks for non-empty output"}`, ok), nil
}

func (m *MockClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if len(last) > 200 {
		last = last[:200]
	}
	return "mock response: " + last, nil
}
