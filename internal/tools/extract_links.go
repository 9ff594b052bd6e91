package tools

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ExtractLinksTool lists the links of an HTML document, one "text <href>"
// per line. Relative links are resolved against the first URL in the task
// text when the document comes from upstream.
type ExtractLinksTool struct {
	Max int
}

func (t *ExtractLinksTool) Name() string { return "extract_links" }

func (t *ExtractLinksTool) Execute(ctx context.Context, req Request) (string, string, error) {
	doc := req.input()
	var base *url.URL
	if len(req.Upstream) > 0 && req.TaskText != "" {
		if u := urlPattern.FindString(req.TaskText); u != "" {
			base, _ = url.Parse(u)
		}
		doc = joinUpstream(req.Upstream)
	}
	if strings.TrimSpace(doc) == "" {
		return "", "", nil
	}
	max := t.Max
	if max <= 0 {
		max = 50
	}
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", "", err
	}
	var lines []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n == nil || len(lines) >= max {
			return
		}
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "a") {
			var href string
			for _, a := range n.Attr {
				if strings.EqualFold(a.Key, "href") {
					href = strings.TrimSpace(a.Val)
					break
				}
			}
			if href != "" {
				if base != nil {
					if u, err := url.Parse(href); err == nil {
						href = base.ResolveReference(u).String()
					}
				}
				lines = append(lines, fmt.Sprintf("%s <%s>", nodeText(n), href))
			}
		}
		for c := n.FirstChild; c != nil && len(lines) < max; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.Join(lines, "\n"), fmt.Sprintf("links=%d", len(lines)), nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(x *html.Node) {
		if x.Type == html.TextNode {
			b.WriteString(x.Data)
		}
		for c := x.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
