package model

import (
	"encoding/json"
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInvalidFlow   = "INVALID_FLOW"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// SubmitRunRequest is the request body for POST /v1/runs. Flow may be YAML
// (as a JSON string) or an inline JSON object.
type SubmitRunRequest struct {
	Flow  json.RawMessage `json:"flow"`
	Input json.RawMessage `json:"input,omitempty"`
}

// SubmitRunResponse is returned once a run has been accepted.
type SubmitRunResponse struct {
	TraceID string    `json:"trace_id"`
	FlowID  string    `json:"flow_id"`
	Status  RunStatus `json:"status"`
}

// ValidateFlowRequest is the request body for POST /v1/flows/validate.
type ValidateFlowRequest struct {
	Flow json.RawMessage `json:"flow"`
}

// ValidateFlowResponse lists validation problems; Valid is true when there are none.
type ValidateFlowResponse struct {
	Valid  bool     `json:"valid"`
	FlowID string   `json:"flow_id,omitempty"`
	Steps  int      `json:"steps,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	PID        int    `json:"pid"`
	Store      string `json:"store"`
	ActiveRuns int    `json:"active_runs"`
	Uptime     int64  `json:"uptime_seconds"`
}

// RunView is the API representation of a run, live or finished. Source
// names where the state came from: live, memory, archive or journal.
type RunView struct {
	TraceID          string          `json:"trace_id"`
	FlowID           string          `json:"flow_id"`
	Status           RunStatus       `json:"status"`
	Steps            []StepState     `json:"steps"`
	Output           json.RawMessage `json:"output,omitempty"`
	OutputIncomplete bool            `json:"output_incomplete,omitempty"`
	Error            string          `json:"error,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
	Source           string          `json:"source"`
}

// CancelRunResponse is returned by POST /v1/runs/{trace_id}/cancel.
type CancelRunResponse struct {
	TraceID   string `json:"trace_id"`
	Cancelled bool   `json:"cancelled"`
}

// JournalDigest is the tamper-evident digest of a run's activity journal.
// Final is set once the run has a terminal record, after which the digest
// no longer changes.
type JournalDigest struct {
	TraceID string `json:"trace_id"`
	Records int    `json:"records"`
	Digest  string `json:"digest"`
	Final   bool   `json:"final"`
}
