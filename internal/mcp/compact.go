package mcp

import (
	"strings"

	"github.com/ashita-ai/michi/internal/model"
)

const maxCompactError = 300

// compactRun returns the parts of a run an agent acts on: status, output and
// one line per step. Timestamps and full attempt history are left to
// michi_query_activity.
func compactRun(v model.RunView) map[string]any {
	m := map[string]any{
		"trace_id": v.TraceID,
		"flow_id":  v.FlowID,
		"status":   v.Status,
		"source":   v.Source,
	}
	if len(v.Output) > 0 {
		m["output"] = v.Output
	}
	if v.OutputIncomplete {
		m["output_incomplete"] = true
	}
	if v.Error != "" {
		m["error"] = truncate(v.Error, maxCompactError)
	}

	steps := make([]map[string]any, 0, len(v.Steps))
	counts := map[model.StepStatus]int{}
	for _, st := range v.Steps {
		counts[st.Status]++
		s := map[string]any{
			"step_id": st.StepID,
			"status":  st.Status,
		}
		if st.Attempts > 1 {
			s["attempts"] = st.Attempts
		}
		if st.LastError != "" {
			s["error"] = truncate(st.LastError, maxCompactError)
		}
		if st.ErrorCategory != "" {
			s["category"] = st.ErrorCategory
		}
		steps = append(steps, s)
	}
	m["steps"] = steps
	m["summary"] = counts
	return m
}

// compactActivity drops payloads of lease traffic, which dominate long runs,
// unless verbose is set.
func compactActivity(recs []model.ActivityRecord, verbose bool) []map[string]any {
	out := make([]map[string]any, 0, len(recs))
	for _, r := range recs {
		m := map[string]any{
			"kind":        r.Kind,
			"actor":       r.Actor,
			"occurred_at": r.OccurredAt,
		}
		if verbose || !strings.HasPrefix(string(r.Kind), "lease.") {
			m["payload"] = r.Payload
		}
		out = append(out, m)
	}
	return out
}

// truncate shortens s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
