package engine

import (
	"fmt"

	"github.com/ashita-ai/michi/internal/model"
)

// Replay rebuilds a run's state from its journal records, which must be in
// append order. Runs without a run.finished or run.aborted record are
// reported as Running.
func Replay(recs []model.ActivityRecord) (model.ExecutionRun, error) {
	var (
		state model.ExecutionRun
		index map[string]int
	)
	for _, rec := range recs {
		if rec.Kind == model.KindRunStarted {
			var p model.RunStartedPayload
			if err := rec.Decode(&p); err != nil {
				return model.ExecutionRun{}, fmt.Errorf("engine: decode run.started: %w", err)
			}
			state = model.ExecutionRun{
				TraceID:   rec.TraceID,
				FlowID:    p.Flow.ID,
				FlowName:  p.Flow.Name,
				Status:    model.RunRunning,
				StartedAt: rec.OccurredAt,
			}
			index = make(map[string]int, len(p.Flow.Steps))
			for i, s := range p.Flow.Steps {
				index[s.ID] = i
				state.Steps = append(state.Steps, model.StepState{StepID: s.ID, Agent: s.Agent, Status: model.StepPending})
			}
			continue
		}
		if index == nil {
			continue
		}
		if err := apply(&state, index, rec); err != nil {
			return model.ExecutionRun{}, err
		}
	}
	if index == nil {
		return model.ExecutionRun{}, ErrUnknownRun
	}
	return state, nil
}

func apply(state *model.ExecutionRun, index map[string]int, rec model.ActivityRecord) error {
	at := rec.OccurredAt
	step := func(id string) *model.StepState {
		if i, ok := index[id]; ok {
			return &state.Steps[i]
		}
		return nil
	}

	switch rec.Kind {
	case model.KindRunFinished:
		var p model.RunFinishedPayload
		if err := rec.Decode(&p); err != nil {
			return fmt.Errorf("engine: decode %s: %w", rec.Kind, err)
		}
		state.Status = p.Status
	case model.KindRunAborted:
		state.Status = model.RunFailed
	case model.KindStepStarted:
		var p model.StepStartedPayload
		if err := rec.Decode(&p); err != nil {
			return fmt.Errorf("engine: decode %s: %w", rec.Kind, err)
		}
		if st := step(p.StepID); st != nil {
			st.Status = model.StepRunning
			st.StartedAt = &at
		}
	case model.KindStepAttempt:
		var p model.StepAttemptPayload
		if err := rec.Decode(&p); err != nil {
			return fmt.Errorf("engine: decode %s: %w", rec.Kind, err)
		}
		if st := step(p.StepID); st != nil {
			st.Attempts = max(st.Attempts, p.Attempt)
			st.LastError = p.Error
			st.ErrorCategory = p.Category
			if p.WillRetry {
				st.Status = model.StepRetrying
			}
		}
	case model.KindStepSucceeded, model.KindStepFailed, model.KindStepSkipped, model.KindStepCancelled:
		var p model.StepTerminalPayload
		if err := rec.Decode(&p); err != nil {
			return fmt.Errorf("engine: decode %s: %w", rec.Kind, err)
		}
		if st := step(p.StepID); st != nil {
			st.Status = p.Status
			st.Attempts = max(st.Attempts, p.Attempts)
			st.LastError = p.Error
			st.ErrorCategory = p.Category
			st.Result = p.Result
			st.EndedAt = &at
		}
	}
	return nil
}
