package gate

import (
	"strings"

	"github.com/example/workflow-orchestrator/internal/models"
)

// Rule maps keywords in an event's text to a template. RequireURL rules only
// match when the text carries a link.
type Rule struct {
	Keywords   []string
	TemplateID string
	RequireURL bool
}

// Classifier is a best-effort keyword heuristic. Requests that already name a
// template or carry steps keep them.
type Classifier struct {
	Rules []Rule
	// EmailTemplate is used for email events no rule matched.
	EmailTemplate  string
	UrgentKeywords []string
}

func DefaultClassifier() *Classifier {
	return &Classifier{
		Rules: []Rule{
			{Keywords: []string{"code review", "pull request", "merge request", "review the diff", "review this change"}, TemplateID: "code-review"},
			{Keywords: []string{"research", "brief", "summarize", "summarise", "read this"}, TemplateID: "research-brief", RequireURL: true},
		},
		EmailTemplate:  "email-triage",
		UrgentKeywords: []string{"urgent", "asap", "immediately", "critical", "outage"},
	}
}

// Apply fills in the template and priority of req.
func (c *Classifier) Apply(req *models.TaskRequest) {
	text := strings.ToLower(req.Input + "\n" + req.Metadata["subject"])
	if req.Priority == "" {
		req.Priority = "normal"
		for _, kw := range c.UrgentKeywords {
			if strings.Contains(text, kw) {
				req.Priority = "high"
				break
			}
		}
	}
	if req.TemplateID != "" || len(req.Steps) > 0 {
		return
	}
	hasURL := strings.Contains(text, "http://") || strings.Contains(text, "https://")
	for _, r := range c.Rules {
		if r.RequireURL && !hasURL {
			continue
		}
		for _, kw := range r.Keywords {
			if strings.Contains(text, kw) {
				req.TemplateID = r.TemplateID
				return
			}
		}
	}
	if req.Metadata["kind"] == "email" {
		req.TemplateID = c.EmailTemplate
	}
}
