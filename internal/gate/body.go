package gate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"path"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/example/workflow-orchestrator/internal/models"
	"github.com/example/workflow-orchestrator/internal/tools"
)

// Envelope is the JSON body of an inbound event. Bodies that are not JSON are
// read as plain email text.
type Envelope struct {
	Kind        string            `json:"kind"`
	From        string            `json:"from"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text"`
	HTML        string            `json:"html"`
	Input       string            `json:"input"`
	TemplateID  string            `json:"template_id"`
	Priority    string            `json:"priority"`
	Steps       []models.StepSpec `json:"steps"`
	Attachments []Attachment      `json:"attachments"`
	Metadata    map[string]string `json:"metadata"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	DataBase64  string `json:"data_base64"`
}

var (
	strictPolicy = bluemonday.StrictPolicy()
	blockBreaks  = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|li|tr|h[1-6]|blockquote)>`)
	spaceRuns    = regexp.MustCompile(`[ \t\f\v]+`)
	blankRuns    = regexp.MustCompile(`\n{3,}`)
)

// ParseBody turns an event body into a task creation request.
func ParseBody(ctx context.Context, body []byte, maxPages int) (models.TaskRequest, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return models.TaskRequest{}, fmt.Errorf("%w: empty event body", models.ErrValidation)
	}
	var env Envelope
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return models.TaskRequest{}, fmt.Errorf("%w: event body: %v", models.ErrValidation, err)
		}
	} else if trimmed[0] == '<' {
		env = Envelope{Kind: "email", HTML: string(trimmed)}
	} else {
		env = Envelope{Kind: "email", Text: string(trimmed)}
	}
	if env.Kind == "" {
		env.Kind = "api"
	}

	text := strings.TrimSpace(env.Text)
	if text == "" {
		text = strings.TrimSpace(env.Input)
	}
	if text == "" && env.HTML != "" {
		text = SanitizeHTML(env.HTML)
	}

	var b strings.Builder
	if env.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", SanitizeHTML(env.Subject))
	}
	if env.From != "" {
		fmt.Fprintf(&b, "From: %s\n", env.From)
	}
	if b.Len() > 0 && text != "" {
		b.WriteString("\n")
	}
	b.WriteString(text)
	for _, att := range env.Attachments {
		part, err := attachmentText(ctx, att, maxPages)
		if err != nil {
			return models.TaskRequest{}, err
		}
		if part != "" {
			fmt.Fprintf(&b, "\n\n--- attachment: %s ---\n%s", att.Filename, part)
		}
	}
	input := strings.TrimSpace(b.String())
	if input == "" && env.TemplateID == "" && len(env.Steps) == 0 {
		return models.TaskRequest{}, fmt.Errorf("%w: event carries no text, template or steps", models.ErrValidation)
	}

	meta := map[string]string{"kind": env.Kind}
	for k, v := range env.Metadata {
		meta[k] = v
	}
	if env.Subject != "" {
		meta["subject"] = env.Subject
	}
	source := env.Kind
	if env.From != "" {
		meta["from"] = env.From
		source = env.Kind + ":" + env.From
	}
	return models.TaskRequest{
		TemplateID: env.TemplateID,
		Steps:      env.Steps,
		Input:      input,
		Source:     source,
		Priority:   strings.ToLower(strings.TrimSpace(env.Priority)),
		Metadata:   meta,
	}, nil
}

// SanitizeHTML reduces an HTML fragment to plain text with line breaks at
// block boundaries. Script and style contents are dropped.
func SanitizeHTML(s string) string {
	s = blockBreaks.ReplaceAllString(s, "$0\n")
	s = html.UnescapeString(strictPolicy.Sanitize(s))
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

func attachmentText(ctx context.Context, att Attachment, maxPages int) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(att.DataBase64))
	if err != nil {
		return "", fmt.Errorf("%w: attachment %q: invalid base64", models.ErrValidation, att.Filename)
	}
	ct := strings.ToLower(att.ContentType)
	ext := strings.ToLower(path.Ext(att.Filename))
	switch {
	case ct == "application/pdf" || ext == ".pdf":
		text, pages, err := tools.PDFText(ctx, data, maxPages)
		if err != nil {
			return fmt.Sprintf("(unreadable pdf: %v)", err), nil
		}
		if pages > maxPages {
			text += fmt.Sprintf("\n(first %d of %d pages)", maxPages, pages)
		}
		return text, nil
	case ct == "text/html" || ext == ".html" || ext == ".htm":
		return SanitizeHTML(string(data)), nil
	case strings.HasPrefix(ct, "text/") || ext == ".txt" || ext == ".md" || ext == ".csv":
		return strings.TrimSpace(string(data)), nil
	default:
		return fmt.Sprintf("(%s attachment not converted)", firstNonEmpty(att.ContentType, ext, "binary")), nil
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
