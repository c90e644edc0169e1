package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/michi/internal/flow"
	"github.com/ashita-ai/michi/internal/model"
)

// RecoveryPolicy decides what startup recovery does with runs that were
// still open when the daemon stopped.
type RecoveryPolicy string

const (
	// RecoverFail closes every open run as Failed.
	RecoverFail RecoveryPolicy = "fail"
	// RecoverResume re-runs every step that had not succeeded, under the
	// original trace id.
	RecoverResume RecoveryPolicy = "resume"
)

// ParseRecoveryPolicy validates a policy name. Empty means RecoverFail.
func ParseRecoveryPolicy(s string) (RecoveryPolicy, error) {
	switch RecoveryPolicy(s) {
	case "", RecoverFail:
		return RecoverFail, nil
	case RecoverResume:
		return RecoverResume, nil
	default:
		return "", fmt.Errorf("engine: unknown recovery policy %q (want fail or resume)", s)
	}
}

// Recovered reports the action taken for one open trace.
type Recovered struct {
	TraceID string         `json:"trace_id"`
	Policy  RecoveryPolicy `json:"policy"`
	Resumed bool           `json:"resumed"`
	Note    string         `json:"note,omitempty"`
}

const interruptedNote = "daemon stopped before the run finished"

// Recover applies policy to every open trace in the journal. Resumed runs
// continue in the background; validation options are applied when the
// stored flow is rebuilt.
func (o *Orchestrator) Recover(ctx context.Context, policy RecoveryPolicy, opts ...flow.Option) ([]Recovered, error) {
	open, err := o.journal.OpenTraces(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Recovered, 0, len(open))
	for _, traceID := range open {
		o.mu.Lock()
		_, running := o.active[traceID]
		o.mu.Unlock()
		if running {
			continue
		}

		rec := Recovered{TraceID: traceID, Policy: policy}
		if policy == RecoverResume {
			resumed, note, err := o.resume(ctx, traceID, opts)
			if err != nil {
				return out, err
			}
			rec.Resumed, rec.Note = resumed, note
			if resumed {
				out = append(out, rec)
				continue
			}
		}
		if rec.Note == "" {
			rec.Note = interruptedNote
		}
		if err := o.closeInterrupted(ctx, traceID, policy, rec.Note); err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	if len(out) > 0 {
		o.logger.Info("recovered open runs", "count", len(out), "policy", policy)
	}
	return out, nil
}

func (o *Orchestrator) closeInterrupted(ctx context.Context, traceID string, policy RecoveryPolicy, note string) error {
	if _, err := o.journal.Append(ctx, traceID, ActorOrchestrator, model.KindRunRecovered, model.RunRecoveredPayload{
		Policy: string(policy), Note: note,
	}); err != nil {
		return err
	}
	_, err := o.journal.Append(ctx, traceID, ActorOrchestrator, model.KindRunFinished, model.RunFinishedPayload{
		Status: model.RunFailed, Error: "run interrupted", Note: note,
	})
	return err
}

// resume restarts traceID. It reports false with a note when the run cannot
// be resumed and must be closed instead.
func (o *Orchestrator) resume(ctx context.Context, traceID string, opts []flow.Option) (bool, string, error) {
	recs, err := o.journal.QueryByTrace(ctx, traceID)
	if err != nil {
		return false, "", err
	}
	var started model.RunStartedPayload
	for _, r := range recs {
		if r.Kind == model.KindRunStarted {
			if err := r.Decode(&started); err != nil {
				return false, fmt.Sprintf("run.started payload unreadable: %v", err), nil
			}
			break
		}
	}
	g, err := flow.Validate(started.Flow, opts...)
	if err != nil {
		return false, fmt.Sprintf("stored flow no longer validates: %v", err), nil
	}
	state, err := Replay(recs)
	if err != nil {
		if errors.Is(err, ErrUnknownRun) {
			return false, "run.started record missing", nil
		}
		return false, err.Error(), nil
	}

	var (
		seed      []model.StepState
		completed []string
	)
	for _, st := range state.Steps {
		if st.Status == model.StepSucceeded {
			seed = append(seed, st)
			completed = append(completed, st.StepID)
		}
	}
	note := fmt.Sprintf("resuming %d of %d steps", len(state.Steps)-len(seed), len(state.Steps))
	if _, err := o.journal.Append(ctx, traceID, ActorOrchestrator, model.KindRunRecovered, model.RunRecoveredPayload{
		Policy: string(RecoverResume), Note: note, Completed: completed,
	}); err != nil {
		return false, "", err
	}

	r, err := o.begin(context.WithoutCancel(ctx), traceID, g, started.Input, false)
	if err != nil {
		return false, "", err
	}
	r.startedAt = state.StartedAt
	o.goDrive(r, seed)
	o.logger.Info("resumed run", "trace_id", traceID, "completed", len(seed))
	return true, note, nil
}
