package orchestrator

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// placeholderRef matches {{step:NAME.output}} (group 1 holds NAME) and
// {{input}}.
var placeholderRef = regexp.MustCompile(`\{\{(?:step:([a-zA-Z0-9_\-]+)\.output|\s*input\s*)\}\}`)

// replacePlaceholders substitutes {{step:NAME.output}} with the output of a
// succeeded step and {{input}} with the task input. Substituted text is not
// scanned again.
func replacePlaceholders(s string, results map[string]string, input string) string {
	return placeholderRef.ReplaceAllStringFunc(s, func(m string) string {
		match := placeholderRef.FindStringSubmatch(m)
		if len(match) != 2 {
			return m
		}
		name := match[1]
		if name == "" {
			return input
		}
		if out, ok := results[name]; ok {
			return out
		}
		return fmt.Sprintf("(missing output from %s)", name)
	})
}

// previewResult trims an output for live subscribers. The full output stays
// in the store.
func previewResult(step, output string, max int) map[string]any {
	preview := output
	truncated := false
	if max > 0 && len(output) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(output[cut]) {
			cut--
		}
		preview = output[:cut]
		truncated = true
	}
	out := map[string]any{
		"step":        step,
		"output":      preview,
		"bytes_total": len(output),
	}
	if truncated {
		out["preview_truncated"] = true
	}
	return out
}
