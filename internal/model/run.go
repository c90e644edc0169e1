package model

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of an execution run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s != RunRunning && s != ""
}

// ExecutionRun is a point-in-time snapshot of a run. Steps are in declaration order.
type ExecutionRun struct {
	TraceID   string      `json:"trace_id"`
	FlowID    string      `json:"flow_id"`
	FlowName  string      `json:"flow_name,omitempty"`
	Status    RunStatus   `json:"status"`
	StartedAt time.Time   `json:"started_at"`
	Steps     []StepState `json:"steps"`
}

// RunResult is returned once every step of a run is terminal.
type RunResult struct {
	TraceID          string          `json:"trace_id"`
	FlowID           string          `json:"flow_id"`
	Status           RunStatus       `json:"status"`
	Steps            []StepState     `json:"steps"`
	Output           json.RawMessage `json:"output,omitempty"`
	OutputIncomplete bool            `json:"output_incomplete,omitempty"`
	Error            string          `json:"error,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          time.Time       `json:"ended_at"`
}

// Step returns the state of the named step, if present.
func (r RunResult) Step(id string) (StepState, bool) {
	for _, s := range r.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return StepState{}, false
}
