package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/ashita-ai/michi/internal/flow"
	"github.com/ashita-ai/michi/internal/model"
)

// run is the mutable state of one active run. The scheduler goroutine owns
// transitions to terminal states; executor goroutines only report Running and
// Retrying through setStatus. mu guards states and status.
type run struct {
	traceID   string
	graph     *flow.Graph
	payload   json.RawMessage
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelCauseFunc
	done      chan struct{}

	mu     sync.Mutex
	states map[string]*model.StepState
	status model.RunStatus
	result model.RunResult
}

func newRun(traceID string, g *flow.Graph, payload json.RawMessage, startedAt time.Time) *run {
	r := &run{
		traceID:   traceID,
		graph:     g,
		payload:   payload,
		startedAt: startedAt,
		done:      make(chan struct{}),
		states:    make(map[string]*model.StepState, g.Len()),
		status:    model.RunRunning,
	}
	for _, s := range g.Steps() {
		r.states[s.ID] = &model.StepState{StepID: s.ID, Agent: s.Agent, Status: model.StepPending}
	}
	return r
}

// transition moves a step to next if the state machine allows it and
// reports whether it did.
func (r *run) transition(id string, next model.StepStatus, at time.Time, mutate func(*model.StepState)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[id]
	if st == nil || !st.Status.CanTransition(next) {
		return false
	}
	st.Status = next
	if next == model.StepRunning && st.StartedAt == nil {
		t := at
		st.StartedAt = &t
	}
	if next.IsTerminal() {
		t := at
		st.EndedAt = &t
	}
	if mutate != nil {
		mutate(st)
	}
	return true
}

// report records an executor status change. Running to Running only
// updates the attempt count.
func (r *run) report(id string, status model.StepStatus, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[id]
	if st.Status != status && st.Status.CanTransition(status) {
		st.Status = status
	}
	st.Attempts = attempt
}

// restore installs a step state recovered from the journal.
func (r *run) restore(st model.StepState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.states[st.StepID]; ok {
		*cur = copyState(st)
	}
}

func (r *run) stepStatus(id string) model.StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[id].Status
}

// depsState reports whether every dependency of s succeeded, and whether
// any of them ended without succeeding.
func (r *run) depsState(s model.Step) (allSucceeded, anyBlocked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	allSucceeded = true
	for _, d := range s.DependsOn {
		switch r.states[d].Status {
		case model.StepSucceeded:
		case model.StepFailed, model.StepSkipped, model.StepCancelled:
			anyBlocked = true
			allSucceeded = false
		default:
			allSucceeded = false
		}
	}
	return allSucceeded, anyBlocked
}

// upstream copies the states of the steps s reads.
func (r *run) upstream(s model.Step) map[string]model.StepState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]model.StepState, len(s.DependsOn))
	for _, d := range s.DependsOn {
		st := *r.states[d]
		st.Result = slices.Clone(st.Result)
		out[d] = st
	}
	return out
}

// steps returns copies of every step state in declaration order.
func (r *run) steps() []model.StepState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.StepState, 0, len(r.states))
	for _, s := range r.graph.Steps() {
		out = append(out, copyState(*r.states[s.ID]))
	}
	return out
}

func (r *run) snapshot() model.ExecutionRun {
	steps := r.steps()
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.ExecutionRun{
		TraceID:   r.traceID,
		FlowID:    r.graph.ID(),
		FlowName:  r.graph.Definition().Name,
		Status:    r.status,
		StartedAt: r.startedAt,
		Steps:     steps,
	}
}

func copyState(st model.StepState) model.StepState {
	if st.StartedAt != nil {
		t := *st.StartedAt
		st.StartedAt = &t
	}
	if st.EndedAt != nil {
		t := *st.EndedAt
		st.EndedAt = &t
	}
	st.Result = slices.Clone(st.Result)
	return st
}
