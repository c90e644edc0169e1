package model

import (
	"encoding/json"
	"time"
)

// ActivityKind names a journal record type.
type ActivityKind string

const (
	KindRunStarted    ActivityKind = "run.started"
	KindRunFinished   ActivityKind = "run.finished"
	KindRunAborted    ActivityKind = "run.aborted"
	KindRunRecovered  ActivityKind = "run.recovered"
	KindStepStarted   ActivityKind = "step.started"
	KindStepAttempt   ActivityKind = "step.attempt"
	KindStepSucceeded ActivityKind = "step.succeeded"
	KindStepFailed    ActivityKind = "step.failed"
	KindStepSkipped   ActivityKind = "step.skipped"
	KindStepCancelled ActivityKind = "step.cancelled"
	KindLeaseAcquired ActivityKind = "lease.acquired"
	KindLeaseBusy     ActivityKind = "lease.busy"
	KindLeaseReleased ActivityKind = "lease.released"
)

// IsRunTerminal reports whether the kind closes a trace.
func (k ActivityKind) IsRunTerminal() bool {
	return k == KindRunFinished || k == KindRunAborted
}

// StepTerminalKind maps a terminal step status to its journal kind.
func StepTerminalKind(s StepStatus) ActivityKind {
	switch s {
	case StepSucceeded:
		return KindStepSucceeded
	case StepFailed:
		return KindStepFailed
	case StepSkipped:
		return KindStepSkipped
	default:
		return KindStepCancelled
	}
}

// ActivityRecord is one append-only journal entry. ID is a ULID, so ids sort
// in append order.
type ActivityRecord struct {
	ID         string          `json:"id"`
	TraceID    string          `json:"trace_id"`
	Actor      string          `json:"actor"`
	Kind       ActivityKind    `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Decode unmarshals the record payload into v.
func (r ActivityRecord) Decode(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// AttemptOutcome is the result of a single agent invocation.
type AttemptOutcome string

const (
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptTimeout   AttemptOutcome = "timeout"
	AttemptCancelled AttemptOutcome = "cancelled"
)

// RunStartedPayload carries everything needed to re-run a trace after a crash.
type RunStartedPayload struct {
	Flow  FlowDefinition  `json:"flow"`
	Input json.RawMessage `json:"input,omitempty"`
}

// RunFinishedPayload closes a trace.
type RunFinishedPayload struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
	Note   string    `json:"note,omitempty"`
}

// StepAttemptPayload records one agent invocation.
type StepAttemptPayload struct {
	StepID     string         `json:"step_id"`
	Attempt    int            `json:"attempt"`
	Outcome    AttemptOutcome `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	Category   ErrorCategory  `json:"category,omitempty"`
	WillRetry  bool           `json:"will_retry"`
	DurationMs int64          `json:"duration_ms"`
}

// StepTerminalPayload records a step reaching a terminal status.
type StepTerminalPayload struct {
	StepID   string          `json:"step_id"`
	Status   StepStatus      `json:"status"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error,omitempty"`
	Category ErrorCategory   `json:"category,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// StepStartedPayload records dispatch of a step.
type StepStartedPayload struct {
	StepID string `json:"step_id"`
	Agent  string `json:"agent"`
}

// LeasePayload records lease traffic for a step.
type LeasePayload struct {
	StepID    string    `json:"step_id"`
	Path      string    `json:"path"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// RunRecoveredPayload records what startup recovery did with an open trace.
type RunRecoveredPayload struct {
	Policy    string   `json:"policy"`
	Note      string   `json:"note,omitempty"`
	Completed []string `json:"completed,omitempty"`
}
