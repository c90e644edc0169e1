package michi

import (
	"encoding/json"
	"time"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
	StatusCancelled = "cancelled"
)

// Health is the daemon health report.
type Health struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	PID        int    `json:"pid"`
	Store      string `json:"store"`
	ActiveRuns int    `json:"active_runs"`
	Uptime     int64  `json:"uptime_seconds"`
}

// Validation lists the problems found in a flow document.
type Validation struct {
	Valid  bool     `json:"valid"`
	FlowID string   `json:"flow_id,omitempty"`
	Steps  int      `json:"steps,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// Submitted is returned once a run has been accepted.
type Submitted struct {
	TraceID string `json:"trace_id"`
	FlowID  string `json:"flow_id"`
	Status  string `json:"status"`
}

// Step is the state of one step in a run.
type Step struct {
	StepID        string          `json:"step_id"`
	Agent         string          `json:"agent"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	ErrorCategory string          `json:"error_category,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// Run is a live or finished run.
type Run struct {
	TraceID          string          `json:"trace_id"`
	FlowID           string          `json:"flow_id"`
	Status           string          `json:"status"`
	Steps            []Step          `json:"steps"`
	Output           json.RawMessage `json:"output,omitempty"`
	OutputIncomplete bool            `json:"output_incomplete,omitempty"`
	Error            string          `json:"error,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
	Source           string          `json:"source,omitempty"`
}

// Finished reports whether the run has reached a terminal status.
func (r Run) Finished() bool {
	return r.Status != "" && r.Status != StatusRunning
}

// Activity is one journal record.
type Activity struct {
	ID         string          `json:"id"`
	TraceID    string          `json:"trace_id"`
	Actor      string          `json:"actor"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Digest is the Merkle digest of a run's activity journal. Final is set once
// the run has finished and the digest can no longer change.
type Digest struct {
	TraceID string `json:"trace_id"`
	Records int    `json:"records"`
	Digest  string `json:"digest"`
	Final   bool   `json:"final"`
}

// Lease is a claim on a file path held by a running step.
type Lease struct {
	FilePath  string    `json:"file_path"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

type flowBody struct {
	Flow  string          `json:"flow"`
	Input json.RawMessage `json:"input,omitempty"`
}

type cancelResponse struct {
	TraceID   string `json:"trace_id"`
	Cancelled bool   `json:"cancelled"`
}
