package model

import (
	"encoding/json"
	"time"
)

// StepStatus is the lifecycle state of one step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepRetrying  StepStatus = "retrying"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// stepTransitions lists the forward moves allowed out of each state.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:  {StepReady, StepSkipped, StepCancelled},
	StepReady:    {StepRunning, StepSkipped, StepCancelled},
	StepRunning:  {StepSucceeded, StepRetrying, StepFailed, StepCancelled},
	StepRetrying: {StepRunning, StepFailed, StepCancelled},
}

// IsTerminal reports whether no further transitions are possible.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal step transition.
func (s StepStatus) CanTransition(next StepStatus) bool {
	for _, allowed := range stepTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ErrorCategory classifies why a step or run did not succeed.
type ErrorCategory string

const (
	CategoryValidation      ErrorCategory = "validation"
	CategoryAgentError      ErrorCategory = "agent_error"
	CategoryTimeout         ErrorCategory = "timeout"
	CategorySchema          ErrorCategory = "schema"
	CategoryLeaseContention ErrorCategory = "lease_contention"
	CategoryAggregation     ErrorCategory = "aggregation"
	CategoryInput           ErrorCategory = "input"
	CategoryPersistence     ErrorCategory = "persistence"
	CategoryDependency      ErrorCategory = "dependency_failed"
	CategoryCancelled       ErrorCategory = "cancelled"
)

// StepState is the orchestrator's view of one step. Result is set only when
// Status is StepSucceeded.
type StepState struct {
	StepID        string          `json:"step_id"`
	Agent         string          `json:"agent"`
	Status        StepStatus      `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	ErrorCategory ErrorCategory   `json:"error_category,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}
