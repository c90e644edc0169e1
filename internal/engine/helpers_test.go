package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/engine"
	"github.com/ashita-ai/michi/internal/flow"
	"github.com/ashita-ai/michi/internal/journal"
	"github.com/ashita-ai/michi/internal/lease"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/testutil"
)

type testEnv struct {
	store   *storage.SQLite
	journal *journal.Journal
	leases  *lease.Manager
	exec    *engine.Executor
	orch    *engine.Orchestrator
}

func newEnv(t *testing.T, inv agent.Invoker, cfg engine.ExecutorConfig, opts ...engine.Option) *testEnv {
	t.Helper()
	store := testutil.NewSQLiteStore(t)
	logger := testutil.TestLogger()
	j := journal.New(store, logger)
	lm := lease.New(store, logger)
	exec := engine.NewExecutor(inv, j, lm, logger, cfg)
	return &testEnv{
		store:   store,
		journal: j,
		leases:  lm,
		exec:    exec,
		orch:    engine.NewOrchestrator(exec, j, logger, opts...),
	}
}

func load(t *testing.T, doc string) *flow.Graph {
	t.Helper()
	g, err := flow.Load([]byte(doc))
	require.NoError(t, err)
	return g
}

func (e *testEnv) records(t *testing.T, traceID string, kind model.ActivityKind) []model.ActivityRecord {
	t.Helper()
	return journalRecords(t, e.journal, traceID, kind)
}

func journalRecords(t *testing.T, j *journal.Journal, traceID string, kind model.ActivityKind) []model.ActivityRecord {
	t.Helper()
	recs, err := j.QueryByTrace(context.Background(), traceID)
	require.NoError(t, err)
	var out []model.ActivityRecord
	for _, r := range recs {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func stepState(t *testing.T, res model.RunResult, id string) model.StepState {
	t.Helper()
	st, ok := res.Step(id)
	require.True(t, ok, "step %s missing from result", id)
	return st
}

// span is the wall-clock interval of one agent call.
type span struct {
	start, end time.Time
}

// recorder is a scripted agent. Behaviour is chosen by step id; every call
// is timed and the peak concurrency is tracked.
type recorder struct {
	mu      sync.Mutex
	spans   map[string][]span
	inputs  map[string]json.RawMessage
	calls   map[string]int
	running atomic.Int32
	peak    atomic.Int32

	delay   time.Duration
	fail    map[string]int // step id -> number of leading attempts that fail
	block   map[string]bool
	deaf    map[string]time.Duration // step id -> sleep that ignores ctx, then succeed
	outputs map[string]string
}

func newRecorder() *recorder {
	return &recorder{
		spans:   map[string][]span{},
		inputs:  map[string]json.RawMessage{},
		calls:   map[string]int{},
		fail:    map[string]int{},
		block:   map[string]bool{},
		deaf:    map[string]time.Duration{},
		outputs: map[string]string{},
	}
}

func (r *recorder) Invoke(ctx context.Context, inv agent.Invocation) (json.RawMessage, error) {
	start := time.Now()
	n := r.running.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer r.running.Add(-1)

	r.mu.Lock()
	r.calls[inv.StepID]++
	call := r.calls[inv.StepID]
	r.inputs[inv.StepID] = inv.Input
	failFirst := r.fail[inv.StepID]
	block := r.block[inv.StepID]
	deaf := r.deaf[inv.StepID]
	out := r.outputs[inv.StepID]
	r.mu.Unlock()

	var err error
	switch {
	case deaf > 0:
		time.Sleep(deaf)
	case block:
		<-ctx.Done()
		err = ctx.Err()
	case r.delay > 0:
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err == nil && (failFirst < 0 || call <= failFirst) {
		err = errors.New("agent exploded")
	}

	r.mu.Lock()
	r.spans[inv.StepID] = append(r.spans[inv.StepID], span{start: start, end: time.Now()})
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if out == "" {
		out = `{"step":"` + inv.StepID + `"}`
	}
	return json.RawMessage(out), nil
}

func (r *recorder) callCount(step string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[step]
}

func (r *recorder) input(step string) json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inputs[step]
}

func (r *recorder) spansOf(step string) []span {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]span(nil), r.spans[step]...)
}

// flakyStore fails every append after the first failAfter.
type flakyStore struct {
	journal.Store
	failAfter int32
	appends   atomic.Int32
}

func (f *flakyStore) AppendActivity(ctx context.Context, rec model.ActivityRecord) error {
	if f.appends.Add(1) > f.failAfter {
		return errors.New("disk full")
	}
	return f.Store.AppendActivity(ctx, rec)
}

// flakyLeases fails every lease acquire after the first okAcquires.
type flakyLeases struct {
	lease.Backend
	okAcquires int32
	acquires   atomic.Int32
}

func (f *flakyLeases) AcquireLease(ctx context.Context, path, holder string, expiresAt, now time.Time) (model.Lease, bool, error) {
	if f.acquires.Add(1) > f.okAcquires {
		return model.Lease{}, false, errors.New("lease table unreachable")
	}
	return f.Backend.AcquireLease(ctx, path, holder, expiresAt, now)
}
