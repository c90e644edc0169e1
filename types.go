package michi

import (
	"context"
	"encoding/json"
	"time"
)

// Invocation is one call to an agent.
type Invocation struct {
	Agent   string
	TraceID string
	StepID  string
	Attempt int
	Skills  []string
	Input   json.RawMessage
}

// Invoker performs agent work for steps that name it. Any returned error
// fails the attempt; the step's retry policy decides what happens next. The
// context carries the attempt timeout and run cancellation.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// InvokerFunc adapts a plain function to Invoker.
type InvokerFunc func(ctx context.Context, inv Invocation) (json.RawMessage, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	return f(ctx, inv)
}

// RunSummary is the public view of a finished run.
type RunSummary struct {
	TraceID          string          `json:"trace_id"`
	FlowID           string          `json:"flow_id"`
	Status           string          `json:"status"`
	Output           json.RawMessage `json:"output,omitempty"`
	OutputIncomplete bool            `json:"output_incomplete,omitempty"`
	Error            string          `json:"error,omitempty"`
	Steps            []StepSummary   `json:"steps"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          time.Time       `json:"ended_at"`
}

// Succeeded reports whether every step succeeded.
func (r RunSummary) Succeeded() bool { return r.Status == "succeeded" }

// StepSummary is the final state of one step.
type StepSummary struct {
	ID            string          `json:"step_id"`
	Agent         string          `json:"agent"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	Error         string          `json:"error,omitempty"`
	ErrorCategory string          `json:"error_category,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}
