package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/example/workflow-orchestrator/internal/providers/llm"
	"github.com/example/workflow-orchestrator/internal/tools"
)

// Request is one agent invocation: a capability, the resolved task text and
// the outputs of the step's dependencies keyed by step name.
type Request struct {
	Capability string
	TaskText   string
	Upstream   map[string]string
}

type Executor interface {
	Execute(ctx context.Context, req Request) (string, error)
}

// CapabilityExecutor runs registered tools by name. Any other capability is
// treated as a role and answered by the LLM with a short role prompt.
type CapabilityExecutor struct {
	Registry *tools.Registry
	Client   llm.Client
}

func (e *CapabilityExecutor) Execute(ctx context.Context, req Request) (string, error) {
	if e.Registry != nil {
		if t, ok := e.Registry.Get(req.Capability); ok {
			out, _, err := t.Execute(ctx, tools.Request{TaskText: req.TaskText, Upstream: req.Upstream})
			if err != nil {
				return "", fmt.Errorf("%s: %w", req.Capability, err)
			}
			return out, nil
		}
	}
	if e.Client == nil {
		return "", fmt.Errorf("unknown agent capability %q", req.Capability)
	}
	out, err := e.Client.GenerateText(ctx, rolePrompt(req))
	if err != nil {
		return "", fmt.Errorf("%s agent: %w", req.Capability, err)
	}
	return out, nil
}

func rolePrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent in a multi-step workflow. Complete your task and reply with the result only.\n\n", strings.ReplaceAll(req.Capability, "_", " "))
	if len(req.Upstream) > 0 {
		names := make([]string, 0, len(req.Upstream))
		for name := range req.Upstream {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("Results from earlier steps:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", name, req.Upstream[name])
		}
		b.WriteString("\n")
	}
	b.WriteString("Task:\n")
	b.WriteString(req.TaskText)
	return b.String()
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (string, error) { return f(ctx, req) }
