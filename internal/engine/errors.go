package engine

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/michi/internal/model"
)

var (
	// ErrAggregation is returned when an aggregate step is asked to run while
	// one of its sources has not succeeded. The scheduler never does this; the
	// executor checks anyway.
	ErrAggregation = errors.New("engine: aggregate source did not succeed")

	// ErrLeaseContention means the lease wait budget ran out.
	ErrLeaseContention = errors.New("engine: lease wait budget exhausted")

	// ErrLeaseLost means a held lease could not be renewed while the step ran.
	ErrLeaseLost = errors.New("engine: lease lost during execution")

	// ErrCancelled is the cancellation cause for Orchestrator.Cancel.
	ErrCancelled = errors.New("engine: run cancelled")

	// ErrUnknownRun is returned for trace ids the orchestrator is not running.
	ErrUnknownRun = errors.New("engine: unknown run")

	errFailFast       = errors.New("engine: fail-fast triggered")
	errOverallTimeout = errors.New("engine: overall timeout elapsed")
)

// StepError describes why a step did not succeed.
type StepError struct {
	StepID   string
	Category model.ErrorCategory
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %s: %v", e.StepID, e.Category, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CategoryOf returns the category of a *StepError in err's chain, or "".
func CategoryOf(err error) model.ErrorCategory {
	var se *StepError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}
