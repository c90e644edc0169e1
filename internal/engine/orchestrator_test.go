package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/engine"
	"github.com/ashita-ai/michi/internal/journal"
	"github.com/ashita-ai/michi/internal/lease"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/testutil"
)

const reviewFlow = `
id: review
steps:
  - id: plan
    agent: planner
  - id: lint
    agent: linter
    dependsOn: [plan]
    input: {source: step, stepId: plan, transform: extract, path: files}
  - id: tests
    agent: tester
    dependsOn: [plan]
    input: {source: step, stepId: plan}
  - id: summary
    agent: writer
    dependsOn: [lint, tests]
    input: {source: aggregate, transform: merge}
output:
  from: summary
`

func TestRunSucceeds(t *testing.T) {
	rec := newRecorder()
	rec.outputs["plan"] = `{"files":["a.go","b.go"]}`
	rec.outputs["lint"] = `{"lint":"clean"}`
	rec.outputs["tests"] = `{"tests":"pass"}`
	rec.outputs["summary"] = `{"verdict":"ship"}`
	env := newEnv(t, rec, engine.ExecutorConfig{})

	res, err := env.orch.Run(context.Background(), load(t, reviewFlow), json.RawMessage(`{"pr":42}`))
	require.NoError(t, err)

	assert.Equal(t, model.RunSucceeded, res.Status)
	assert.JSONEq(t, `{"verdict":"ship"}`, string(res.Output))
	assert.False(t, res.OutputIncomplete)
	for _, st := range res.Steps {
		assert.Equal(t, model.StepSucceeded, st.Status, st.StepID)
		assert.Equal(t, 1, st.Attempts)
		require.NotNil(t, st.StartedAt)
		require.NotNil(t, st.EndedAt)
	}

	assert.JSONEq(t, `{"pr":42}`, string(rec.input("plan")))
	assert.JSONEq(t, `["a.go","b.go"]`, string(rec.input("lint")))
	assert.JSONEq(t, `{"files":["a.go","b.go"]}`, string(rec.input("tests")))
	assert.JSONEq(t, `{"lint":"clean","tests":"pass"}`, string(rec.input("summary")))

	kinds := []model.ActivityKind{}
	for _, r := range env.records(t, res.TraceID, "") {
		kinds = append(kinds, r.Kind)
	}
	assert.Equal(t, model.KindRunStarted, kinds[0])
	assert.Equal(t, model.KindRunFinished, kinds[len(kinds)-1])
	assert.Len(t, env.records(t, res.TraceID, model.KindStepSucceeded), 4)
	assert.Len(t, env.records(t, res.TraceID, model.KindStepAttempt), 4)

	open, err := env.journal.OpenTraces(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStepsStartAfterDependenciesEnd(t *testing.T) {
	rec := newRecorder()
	rec.delay = 10 * time.Millisecond
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, reviewFlow)

	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)
	require.Equal(t, model.RunSucceeded, res.Status)

	for _, s := range g.Steps() {
		start := rec.spansOf(s.ID)[0].start
		for _, dep := range s.DependsOn {
			depEnd := rec.spansOf(dep)[0].end
			assert.False(t, start.Before(depEnd), "%s started before %s ended", s.ID, dep)
		}
	}
}

func TestMaxParallelismIsRespected(t *testing.T) {
	rec := newRecorder()
	rec.delay = 20 * time.Millisecond
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, `
id: wide
settings: {maxParallelism: 2}
steps:
  - {id: a, agent: echo}
  - {id: b, agent: echo}
  - {id: c, agent: echo}
  - {id: d, agent: echo}
  - {id: e, agent: echo}
  - {id: f, agent: echo}
`)

	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunSucceeded, res.Status)
	assert.EqualValues(t, 2, rec.peak.Load())

	// Output defaults to the sinks, keyed by step id.
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Len(t, out, 6)
}

func TestFanOutRunsSiblingsConcurrently(t *testing.T) {
	rec := newRecorder()
	rec.delay = 30 * time.Millisecond
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, `
id: fan
settings: {maxParallelism: 2}
steps:
  - {id: A, agent: echo}
  - {id: B, agent: echo, dependsOn: [A]}
  - {id: C, agent: echo, dependsOn: [A]}
`)

	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)
	require.Equal(t, model.RunSucceeded, res.Status)

	a, b, c := rec.spansOf("A")[0], rec.spansOf("B")[0], rec.spansOf("C")[0]
	assert.False(t, b.start.Before(a.end))
	assert.False(t, c.start.Before(a.end))
	assert.True(t, b.start.Before(c.end) && c.start.Before(b.end), "B and C should overlap")
	assert.EqualValues(t, 2, rec.peak.Load())
}

func TestRetryExhaustion(t *testing.T) {
	rec := newRecorder()
	rec.fail["flaky"] = -1
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, `
id: retry
steps:
  - id: flaky
    agent: echo
    retry: {maxAttempts: 2, backoffMs: 1000}
`)

	began := time.Now()
	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(began), time.Second)

	assert.Equal(t, model.RunFailed, res.Status)
	st := stepState(t, res, "flaky")
	assert.Equal(t, model.StepFailed, st.Status)
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, model.CategoryAgentError, st.ErrorCategory)
	assert.Contains(t, st.LastError, "agent exploded")
	assert.Empty(t, st.Result)
	assert.Equal(t, 2, rec.callCount("flaky"))

	attempts := env.records(t, res.TraceID, model.KindStepAttempt)
	require.Len(t, attempts, 2)
	for i, r := range attempts {
		var p model.StepAttemptPayload
		require.NoError(t, r.Decode(&p))
		assert.Equal(t, i+1, p.Attempt)
		assert.Equal(t, model.AttemptFailed, p.Outcome)
		assert.Equal(t, i == 0, p.WillRetry)
	}
	assert.Len(t, env.records(t, res.TraceID, model.KindStepFailed), 1)

	// The second attempt starts no earlier than the backoff after the first ended.
	spans := rec.spansOf("flaky")
	assert.GreaterOrEqual(t, spans[1].start.Sub(spans[0].end), time.Second)
}

func TestRetryThenSucceed(t *testing.T) {
	rec := newRecorder()
	rec.fail["s"] = 2
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, `
id: retry
steps:
  - id: s
    agent: echo
    retry: {maxAttempts: 3, backoffMs: 5}
`)

	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunSucceeded, res.Status)
	st := stepState(t, res, "s")
	assert.Equal(t, 3, st.Attempts)
	assert.Empty(t, st.LastError)
	assert.Len(t, env.records(t, res.TraceID, model.KindStepAttempt), 3)
}

func TestAttemptTimeout(t *testing.T) {
	rec := newRecorder()
	rec.block["slow"] = true
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, `
id: timeout
steps:
  - id: slow
    agent: echo
    timeoutMs: 30
    retry: {maxAttempts: 2}
`)

	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)
	st := stepState(t, res, "slow")
	assert.Equal(t, model.StepFailed, st.Status)
	assert.Equal(t, model.CategoryTimeout, st.ErrorCategory)
	assert.Equal(t, 2, st.Attempts)

	for _, r := range env.records(t, res.TraceID, model.KindStepAttempt) {
		var p model.StepAttemptPayload
		require.NoError(t, r.Decode(&p))
		assert.Equal(t, model.AttemptTimeout, p.Outcome)
	}
}

func TestFailFastCancelsEverythingElse(t *testing.T) {
	rec := newRecorder()
	rec.fail["bad"] = -1
	rec.block["slow"] = true
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, `
id: ff
settings: {failFast: true, maxParallelism: 2}
steps:
  - {id: slow, agent: echo}
  - {id: bad, agent: echo}
  - {id: after_slow, agent: echo, dependsOn: [slow]}
  - {id: after_bad, agent: echo, dependsOn: [bad]}
`)

	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, model.RunFailed, res.Status)
	assert.Contains(t, res.Error, `fail-fast: step "bad" failed`)
	assert.Equal(t, model.StepFailed, stepState(t, res, "bad").Status)
	assert.Equal(t, model.StepCancelled, stepState(t, res, "slow").Status)
	assert.Equal(t, model.StepCancelled, stepState(t, res, "after_slow").Status)
	assert.Equal(t, model.StepSkipped, stepState(t, res, "after_bad").Status)
	assert.Equal(t, 0, rec.callCount("after_slow"))
}

func TestAttemptTimeoutWhenAgentIgnoresContext(t *testing.T) {
	rec := newRecorder()
	rec.deaf["slow"] = time.Second
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, `
id: deaf-timeout
steps:
  - id: slow
    agent: echo
    timeoutMs: 30
    retry: {maxAttempts: 2}
`)

	start := time.Now()
	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "run waited for the late agent")

	assert.Equal(t, model.RunFailed, res.Status)
	st := stepState(t, res, "slow")
	assert.Equal(t, model.StepFailed, st.Status)
	assert.Equal(t, model.CategoryTimeout, st.ErrorCategory)
	assert.Equal(t, 2, st.Attempts)
	assert.Empty(t, st.Result)
	for _, r := range env.records(t, res.TraceID, model.KindStepAttempt) {
		var p model.StepAttemptPayload
		require.NoError(t, r.Decode(&p))
		assert.Equal(t, model.AttemptTimeout, p.Outcome)
	}
}

func TestFailFastCancelsAgentThatIgnoresContext(t *testing.T) {
	rec := newRecorder()
	rec.fail["bad"] = -1
	rec.deaf["slow"] = time.Second
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, `
id: deaf-ff
settings: {failFast: true, maxParallelism: 2}
steps:
  - {id: slow, agent: echo}
  - {id: bad, agent: echo}
  - {id: after_slow, agent: echo, dependsOn: [slow]}
`)

	start := time.Now()
	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "run waited for the late agent")

	assert.Equal(t, model.RunFailed, res.Status)
	assert.Equal(t, model.StepFailed, stepState(t, res, "bad").Status)
	slow := stepState(t, res, "slow")
	assert.Equal(t, model.StepCancelled, slow.Status)
	assert.Equal(t, model.CategoryCancelled, slow.ErrorCategory)
	assert.Empty(t, slow.Result)
	assert.Equal(t, model.StepCancelled, stepState(t, res, "after_slow").Status)
	assert.Empty(t, env.records(t, res.TraceID, model.KindStepSucceeded))
}

func TestWithoutFailFastSiblingsContinue(t *testing.T) {
	rec := newRecorder()
	rec.fail["bad"] = -1
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, `
id: partial
steps:
  - {id: bad, agent: echo}
  - {id: good, agent: echo}
  - {id: child, agent: echo, dependsOn: [bad]}
  - {id: grandchild, agent: echo, dependsOn: [child]}
  - {id: sibling, agent: echo, dependsOn: [good]}
output:
  from: [grandchild, sibling]
`)

	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, model.RunPartial, res.Status)
	for _, id := range []string{"child", "grandchild"} {
		st := stepState(t, res, id)
		assert.Equal(t, model.StepSkipped, st.Status, id)
		assert.Equal(t, model.CategoryDependency, st.ErrorCategory, id)
	}
	assert.Equal(t, model.StepSucceeded, stepState(t, res, "good").Status)
	assert.Equal(t, model.StepSucceeded, stepState(t, res, "sibling").Status)
	assert.JSONEq(t, `{"sibling":{"step":"sibling"}}`, string(res.Output))
	assert.True(t, res.OutputIncomplete)
	assert.Len(t, env.records(t, res.TraceID, model.KindStepSkipped), 2)
}

func TestAggregateOverFailedSourceIsSkipped(t *testing.T) {
	rec := newRecorder()
	rec.fail["D"] = -1
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, `
id: agg
steps:
  - {id: D, agent: echo}
  - {id: E, agent: echo}
  - id: F
    agent: echo
    dependsOn: [D, E]
    input: {source: aggregate, transform: merge}
`)

	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, res.Status)
	assert.Equal(t, model.StepFailed, stepState(t, res, "D").Status)
	assert.Equal(t, model.StepSucceeded, stepState(t, res, "E").Status)
	f := stepState(t, res, "F")
	assert.Equal(t, model.StepSkipped, f.Status)
	assert.Contains(t, f.LastError, `"D"`)
	assert.Equal(t, 0, rec.callCount("F"))
}

func TestAllFailedIsFailed(t *testing.T) {
	rec := newRecorder()
	rec.fail["a"] = -1
	env := newEnv(t, rec, engine.ExecutorConfig{})

	res, err := env.orch.Run(context.Background(), load(t, "id: f\nsteps:\n  - {id: a, agent: echo}\n  - {id: b, agent: echo, dependsOn: [a]}\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, res.Status)
	assert.Empty(t, res.Output)
	assert.True(t, res.OutputIncomplete)
}

func TestStepsMutatingSamePathNeverOverlap(t *testing.T) {
	var (
		holders atomic.Int32
		overlap atomic.Bool
	)
	inv := agent.Func(func(ctx context.Context, inv agent.Invocation) (json.RawMessage, error) {
		if holders.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(30 * time.Millisecond)
		holders.Add(-1)
		return json.RawMessage(`{}`), nil
	})
	env := newEnv(t, inv, engine.ExecutorConfig{LeaseWaitDelay: 5 * time.Millisecond, LeaseMaxWaits: 100})
	g := load(t, `
id: mutate
settings: {maxParallelism: 2}
steps:
  - {id: bump, agent: echo, mutates: [go.sum]}
  - {id: tidy, agent: echo, mutates: [go.sum, go.mod]}
`)

	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunSucceeded, res.Status)
	assert.False(t, overlap.Load(), "two holders of go.sum ran at once")

	assert.NotEmpty(t, env.records(t, res.TraceID, model.KindLeaseBusy))
	assert.Len(t, env.records(t, res.TraceID, model.KindLeaseAcquired), 3)
	assert.Len(t, env.records(t, res.TraceID, model.KindLeaseReleased), 3)

	leases, err := env.leases.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestLeaseContentionBudget(t *testing.T) {
	rec := newRecorder()
	env := newEnv(t, rec, engine.ExecutorConfig{LeaseWaitDelay: time.Millisecond, LeaseMaxWaits: 3})
	ctx := context.Background()

	held, err := env.leases.Acquire(ctx, "go.sum", "someone-else", time.Hour)
	require.NoError(t, err)
	require.True(t, held.Granted)

	g := load(t, `
id: contention
steps:
  - id: bump
    agent: echo
    mutates: [go.sum]
    retry: {maxAttempts: 5}
`)
	res, err := env.orch.Run(ctx, g, nil)
	require.NoError(t, err)

	st := stepState(t, res, "bump")
	assert.Equal(t, model.StepFailed, st.Status)
	assert.Equal(t, model.CategoryLeaseContention, st.ErrorCategory)
	assert.Contains(t, st.LastError, "someone-else")
	assert.Equal(t, 0, st.Attempts)
	assert.Equal(t, 0, rec.callCount("bump"))
	assert.Len(t, env.records(t, res.TraceID, model.KindLeaseBusy), 4)
}

func TestLostLeaseFailsStep(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	logger := testutil.TestLogger()
	lm := lease.New(store, logger)
	// A manager whose clock runs an hour ahead sees the step's lease as expired.
	thief := lease.New(store, logger, lease.WithClock(func() time.Time {
		return time.Now().Add(time.Hour)
	}))
	j := journal.New(store, logger)

	stolen := make(chan error, 1)
	inv := agent.Func(func(ctx context.Context, _ agent.Invocation) (json.RawMessage, error) {
		res, err := thief.Acquire(context.Background(), "go.sum", "thief", time.Hour)
		if err == nil && !res.Granted {
			err = errors.New("steal refused")
		}
		stolen <- err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return json.RawMessage(`{}`), nil
		}
	})
	exec := engine.NewExecutor(inv, j, lm, logger, engine.ExecutorConfig{LeaseTTL: 40 * time.Millisecond})
	orch := engine.NewOrchestrator(exec, j, logger)

	g := load(t, `
id: lost
steps:
  - id: bump
    agent: echo
    mutates: [go.sum]
    retry: {maxAttempts: 3}
`)
	res, err := orch.Run(context.Background(), g, nil)
	require.NoError(t, err)
	require.NoError(t, <-stolen)

	assert.Equal(t, model.RunFailed, res.Status)
	st := stepState(t, res, "bump")
	assert.Equal(t, model.StepFailed, st.Status)
	assert.Equal(t, model.CategoryLeaseContention, st.ErrorCategory)
	assert.Contains(t, st.LastError, "thief")
	assert.Equal(t, 1, st.Attempts)

	leases, err := lm.List(context.Background())
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "thief", leases[0].Holder)
}

func TestLeaseRenewalFailureAbortsRun(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	logger := testutil.TestLogger()
	lm := lease.New(&flakyLeases{Backend: store, okAcquires: 1}, logger)
	j := journal.New(store, logger)
	rec := newRecorder()
	rec.block["bump"] = true
	exec := engine.NewExecutor(rec, j, lm, logger, engine.ExecutorConfig{LeaseTTL: 40 * time.Millisecond})
	orch := engine.NewOrchestrator(exec, j, logger)

	g := load(t, "id: renew\nsteps:\n  - {id: bump, agent: echo, mutates: [go.sum]}\n")
	res, err := orch.Run(context.Background(), g, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, journal.ErrPersistence)
	assert.Equal(t, model.RunFailed, res.Status)
	assert.Contains(t, res.Error, "lease table unreachable")
	assert.Len(t, journalRecords(t, j, res.TraceID, model.KindRunAborted), 1)
}

func TestOutputSchemaViolation(t *testing.T) {
	rec := newRecorder()
	rec.outputs["summary"] = `{"notes":"no verdict"}`
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, `
id: schema
steps:
  - id: summary
    agent: echo
    outputSchema:
      type: object
      required: [verdict]
`)

	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)
	st := stepState(t, res, "summary")
	assert.Equal(t, model.StepFailed, st.Status)
	assert.Equal(t, model.CategorySchema, st.ErrorCategory)
	assert.Empty(t, st.Result)
}

func TestCancel(t *testing.T) {
	rec := newRecorder()
	rec.block["wait"] = true
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, "id: c\nsteps:\n  - {id: wait, agent: echo}\n  - {id: next, agent: echo, dependsOn: [wait]}\n")
	ctx := context.Background()

	traceID, err := env.orch.Submit(ctx, g, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.callCount("wait") == 1 }, time.Second, time.Millisecond)

	snap, ok := env.orch.Snapshot(traceID)
	require.True(t, ok)
	assert.Equal(t, model.RunRunning, snap.Status)
	assert.Equal(t, model.StepRunning, snap.Steps[0].Status)
	assert.Len(t, env.orch.Active(), 1)

	require.NoError(t, env.orch.Cancel(traceID))
	res, err := env.orch.Wait(ctx, traceID)
	require.NoError(t, err)

	assert.Equal(t, model.RunCancelled, res.Status)
	assert.Equal(t, model.StepCancelled, stepState(t, res, "wait").Status)
	assert.Equal(t, model.StepCancelled, stepState(t, res, "next").Status)
	assert.Zero(t, env.orch.ActiveCount())
	assert.ErrorIs(t, env.orch.Cancel(traceID), engine.ErrUnknownRun)

	finished := env.records(t, traceID, model.KindRunFinished)
	require.Len(t, finished, 1)
	var p model.RunFinishedPayload
	require.NoError(t, finished[0].Decode(&p))
	assert.Equal(t, model.RunCancelled, p.Status)
}

func TestContextCancellationCancelsRun(t *testing.T) {
	rec := newRecorder()
	rec.block["wait"] = true
	env := newEnv(t, rec, engine.ExecutorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for rec.callCount("wait") == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	res, err := env.orch.Run(ctx, load(t, "id: c\nsteps:\n  - {id: wait, agent: echo}\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, res.Status)
}

func TestOverallTimeoutActsLikeFailFast(t *testing.T) {
	rec := newRecorder()
	rec.block["wait"] = true
	env := newEnv(t, rec, engine.ExecutorConfig{})
	g := load(t, `
id: slow
settings: {overallTimeoutMs: 50}
steps:
  - {id: quick, agent: echo}
  - {id: wait, agent: echo}
  - {id: after, agent: echo, dependsOn: [wait]}
`)

	res, err := env.orch.Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, res.Status)
	assert.Contains(t, res.Error, "overall timeout")
	assert.Equal(t, model.StepSucceeded, stepState(t, res, "quick").Status)
	assert.Equal(t, model.StepCancelled, stepState(t, res, "wait").Status)
	assert.Equal(t, model.StepCancelled, stepState(t, res, "after").Status)
}

func TestPersistenceFailureAbortsRun(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	flaky := &flakyStore{Store: store, failAfter: 3}
	logger := testutil.TestLogger()
	j := journal.New(flaky, logger)
	rec := newRecorder()
	exec := engine.NewExecutor(rec, j, lease.New(store, logger), logger, engine.ExecutorConfig{})
	orch := engine.NewOrchestrator(exec, j, logger)

	g := load(t, "id: p\nsteps:\n  - {id: a, agent: echo}\n  - {id: b, agent: echo, dependsOn: [a]}\n  - {id: c, agent: echo, dependsOn: [b]}\n")
	res, err := orch.Run(context.Background(), g, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, journal.ErrPersistence)
	assert.Equal(t, model.RunFailed, res.Status)
	assert.Contains(t, res.Error, "disk full")
	for _, st := range res.Steps {
		assert.True(t, st.Status.IsTerminal(), st.StepID)
	}
	assert.Zero(t, rec.callCount("c"))
}

func TestArchiverReceivesResult(t *testing.T) {
	arch := &memArchive{}
	env := newEnv(t, agent.Echo, engine.ExecutorConfig{}, engine.WithArchiver(arch))

	res, err := env.orch.Run(context.Background(), load(t, "id: a\nsteps:\n  - {id: a, agent: echo}\n"), json.RawMessage(`"hi"`))
	require.NoError(t, err)
	require.Len(t, arch.results, 1)
	assert.Equal(t, res.TraceID, arch.results[0].TraceID)
	assert.JSONEq(t, `"hi"`, string(arch.results[0].Output))

	got, ok := env.orch.Result(res.TraceID)
	require.True(t, ok)
	assert.Equal(t, model.RunSucceeded, got.Status)
}

type memArchive struct{ results []model.RunResult }

func (m *memArchive) Archive(_ context.Context, res model.RunResult) error {
	m.results = append(m.results, res)
	return nil
}
