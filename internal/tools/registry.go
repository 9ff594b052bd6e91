// Package tools holds the local agent capabilities. Every tool is text-in,
// text-out: it receives the step's task text (placeholders already resolved)
// and the outputs of the step's dependencies.
package tools

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type Request struct {
	TaskText string
	Upstream map[string]string
}

type Tool interface {
	Name() string
	Execute(ctx context.Context, req Request) (output string, logs string, err error)
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// input returns the task text, or the single upstream output when the task
// text is blank.
func (req Request) input() string {
	if req.TaskText != "" || len(req.Upstream) != 1 {
		return req.TaskText
	}
	for _, v := range req.Upstream {
		return v
	}
	return ""
}

// joinUpstream concatenates upstream outputs in step-name order.
func joinUpstream(up map[string]string) string {
	names := make([]string, 0, len(up))
	for name := range up {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, up[name])
	}
	return strings.Join(parts, "\n\n")
}
