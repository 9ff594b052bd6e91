package agents

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/example/workflow-orchestrator/internal/models"
	"github.com/example/workflow-orchestrator/internal/providers/llm"
	"github.com/example/workflow-orchestrator/internal/tools"
)

type scriptedClient struct {
	llm.MockClient
	plan    string
	verdict string
	text    string
	err     error
	prompts []string
}

func (c *scriptedClient) GeneratePlan(ctx context.Context, prompt string) (string, error) {
	return c.plan, c.err
}

func (c *scriptedClient) Verify(ctx context.Context, prompt, output string) (bool, string, error) {
	return true, c.verdict, c.err
}

func (c *scriptedClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	c.prompts = append(c.prompts, prompt)
	return c.text, c.err
}

func TestCapabilityExecutorPrefersTools(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&tools.EchoTool{})
	client := &scriptedClient{text: "role answer"}
	e := &CapabilityExecutor{Registry: reg, Client: client}

	out, err := e.Execute(context.Background(), Request{Capability: "echo", TaskText: "hi"})
	if err != nil || out != "echo: hi" {
		t.Fatalf("out=%q err=%v", out, err)
	}
	out, err = e.Execute(context.Background(), Request{Capability: "security_reviewer", TaskText: "check", Upstream: map[string]string{"analyze": "diff"}})
	if err != nil || out != "role answer" {
		t.Fatalf("out=%q err=%v", out, err)
	}
	p := client.prompts[0]
	if !strings.Contains(p, "security reviewer agent") || !strings.Contains(p, "--- analyze ---\ndiff") {
		t.Fatalf("role prompt missing context: %q", p)
	}
}

func TestCapabilityExecutorUnknownWithoutClient(t *testing.T) {
	e := &CapabilityExecutor{Registry: tools.NewRegistry()}
	if _, err := e.Execute(context.Background(), Request{Capability: "ghost"}); err == nil {
		t.Fatal("expected unknown capability error")
	}
}

func TestMockPlanner(t *testing.T) {
	steps, _ := (&MockPlanner{}).Plan(context.Background(), models.TaskRequest{Input: "summarise https://go.dev please"})
	if len(steps) != 3 || steps[2].Dependencies[0] != "extract" {
		t.Fatalf("unexpected plan: %+v", steps)
	}
	steps, _ = (&MockPlanner{}).Plan(context.Background(), models.TaskRequest{Input: "why is the sky blue"})
	if len(steps) != 1 || steps[0].Agent != "llm_answer" {
		t.Fatalf("unexpected plan: %+v", steps)
	}
}

func TestLLMPlannerParsesFencedJSON(t *testing.T) {
	client := &scriptedClient{plan: "```json\n[{\"name\":\"a\",\"agent\":\"echo\",\"task\":\"x\"},{\"agent\":\"summarize\",\"task\":\"{{step:a.output}}\",\"dependencies\":[\"a\"],\"gates\":[\"q\"]}]\n```"}
	steps, err := (&LLMPlanner{Client: client}).Plan(context.Background(), models.TaskRequest{Input: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 || steps[1].Name != "step2" || steps[1].Gates != nil {
		t.Fatalf("unexpected steps: %+v", steps)
	}
}

func TestLLMPlannerFallsBack(t *testing.T) {
	cases := map[string]*scriptedClient{
		"error":   {err: errors.New("down")},
		"garbage": {plan: "I cannot help"},
		"cycle":   {plan: `[{"name":"a","agent":"echo","dependencies":["b"]},{"name":"b","agent":"echo","dependencies":["a"]}]`},
	}
	for name, client := range cases {
		steps, err := (&LLMPlanner{Client: client}).Plan(context.Background(), models.TaskRequest{Input: "hello"})
		if err != nil || len(steps) != 1 || steps[0].Agent != "llm_answer" {
			t.Fatalf("%s: steps=%+v err=%v", name, steps, err)
		}
	}
}

func TestParseMetric(t *testing.T) {
	cases := []struct {
		text   string
		metric string
		want   float64
		ok     bool
	}{
		{"Coverage: 85%", "coverage", 85, true},
		{"score = 0.75", "score", 0.75, true},
		{"coverage: 10\n...\ncoverage: 90", "coverage", 90, true},
		{"nothing here", "coverage", 0, false},
		{"subcoverage: 99", "coverage", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseMetric(tc.text, tc.metric)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseMetric(%q, %q) = %v, %v", tc.text, tc.metric, got, ok)
		}
	}
}

func TestMetricVerifier(t *testing.T) {
	step := &models.Step{Name: "test", Gates: map[string]float64{"coverage": 80}}
	task := &models.Task{ID: "t"}
	v := &MetricVerifier{}
	if ok, reason := v.Verify(context.Background(), task, step, "coverage: 85"); !ok {
		t.Fatalf("expected pass: %s", reason)
	}
	if ok, reason := v.Verify(context.Background(), task, step, "coverage: 60"); ok || !strings.Contains(reason, "below threshold") {
		t.Fatalf("expected fail, got ok=%v reason=%s", ok, reason)
	}
	if ok, _ := v.Verify(context.Background(), task, step, "no metric"); ok {
		t.Fatal("missing metric must fail without a fallback")
	}
	withLLM := &MetricVerifier{Fallback: &LLMVerifier{Client: &scriptedClient{verdict: `{"ok": true, "reason": "looks covered"}`}}}
	if ok, reason := withLLM.Verify(context.Background(), task, step, "no metric"); !ok || reason != "looks covered" {
		t.Fatalf("fallback: ok=%v reason=%s", ok, reason)
	}
}

func TestLLMVerifierStrictJSON(t *testing.T) {
	v := &LLMVerifier{Client: &scriptedClient{verdict: "Sure! {\"ok\": false, \"reason\": \"too thin\"}"}}
	ok, reason := v.Verify(context.Background(), &models.Task{}, &models.Step{}, "x")
	if ok || reason != "too thin" {
		t.Fatalf("ok=%v reason=%s", ok, reason)
	}
}
