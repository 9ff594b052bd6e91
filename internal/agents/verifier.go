package agents

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/example/workflow-orchestrator/internal/models"
)

// Verifier evaluates the quality gates attached to a step against its output.
type Verifier interface {
	Verify(ctx context.Context, task *models.Task, step *models.Step, output string) (bool, string)
}

// MetricVerifier reads "metric: value" pairs from the output and compares them
// to the gate thresholds. A value passes when it is >= the threshold. Metrics
// missing from the output are delegated to Fallback, or fail without one.
type MetricVerifier struct {
	Fallback Verifier
}

func (v *MetricVerifier) Verify(ctx context.Context, task *models.Task, step *models.Step, output string) (bool, string) {
	if len(step.Gates) == 0 {
		return true, "no gates"
	}
	metrics := make([]string, 0, len(step.Gates))
	for m := range step.Gates {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	var reasons, missing []string
	for _, m := range metrics {
		threshold := step.Gates[m]
		value, ok := ParseMetric(output, m)
		if !ok {
			missing = append(missing, m)
			continue
		}
		if value < threshold {
			return false, fmt.Sprintf("%s %.4g below threshold %.4g", m, value, threshold)
		}
		reasons = append(reasons, fmt.Sprintf("%s %.4g >= %.4g", m, value, threshold))
	}
	if len(missing) > 0 {
		if v.Fallback == nil {
			return false, fmt.Sprintf("metric %s not reported", strings.Join(missing, ", "))
		}
		ok, reason := v.Fallback.Verify(ctx, task, step, output)
		if !ok {
			return false, reason
		}
		reasons = append(reasons, reason)
	}
	return true, strings.Join(reasons, "; ")
}

// ParseMetric finds "metric: 85", "metric = 0.9" or "metric: 85%" in text.
// The last occurrence wins.
func ParseMetric(text, metric string) (float64, bool) {
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(metric) + `\b\s*[:=]\s*(-?[0-9]+(?:\.[0-9]+)?)\s*%?`)
	all := re.FindAllStringSubmatch(text, -1)
	if len(all) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(all[len(all)-1][1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
