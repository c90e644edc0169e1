package runs_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/archive"
	"github.com/ashita-ai/michi/internal/engine"
	"github.com/ashita-ai/michi/internal/flow"
	"github.com/ashita-ai/michi/internal/journal"
	"github.com/ashita-ai/michi/internal/lease"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/service/runs"
	"github.com/ashita-ai/michi/internal/testutil"
)

const echoFlow = `
id: echo-twice
steps:
  - id: first
    agent: echo
  - id: second
    agent: echo
    dependsOn: [first]
    input: {source: step, stepId: first}
`

type fixture struct {
	svc     *runs.Service
	orch    *engine.Orchestrator
	journal *journal.Journal
	leases  *lease.Manager
	agents  *agent.Registry
}

func newFixture(t *testing.T, arch runs.Archive) *fixture {
	t.Helper()
	store := testutil.NewSQLiteStore(t)
	logger := testutil.TestLogger()
	j := journal.New(store, logger)
	lm := lease.New(store, logger)
	reg := agent.NewRegistry()
	exec := engine.NewExecutor(reg, j, lm, logger, engine.ExecutorConfig{})
	orch := engine.NewOrchestrator(exec, j, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return &fixture{
		svc:     runs.New(orch, j, lm, reg, arch, logger),
		orch:    orch,
		journal: j,
		leases:  lm,
		agents:  reg,
	}
}

func TestFlowDocument(t *testing.T) {
	doc, err := runs.FlowDocument(json.RawMessage(`"id: x\nsteps: []\n"`))
	require.NoError(t, err)
	assert.Equal(t, "id: x\nsteps: []\n", string(doc))

	doc, err = runs.FlowDocument(json.RawMessage(` {"id":"x"} `))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"x"}`, string(doc))

	_, err = runs.FlowDocument(nil)
	assert.Error(t, err)
	_, err = runs.FlowDocument(json.RawMessage(`null`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	f := newFixture(t, nil)

	ok := f.svc.Validate([]byte(echoFlow))
	assert.True(t, ok.Valid)
	assert.Equal(t, "echo-twice", ok.FlowID)
	assert.Equal(t, 2, ok.Steps)
	assert.Empty(t, ok.Errors)

	bad := f.svc.Validate([]byte(`
id: bad
steps:
  - id: a
    agent: nobody
  - id: a
    agent: echo
`))
	assert.False(t, bad.Valid)
	assert.GreaterOrEqual(t, len(bad.Errors), 2)

	garbage := f.svc.Validate([]byte("{{{"))
	assert.False(t, garbage.Valid)
	assert.Len(t, garbage.Errors, 1)
}

func TestSubmitAndGet(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp, err := f.svc.Submit(ctx, []byte(echoFlow), json.RawMessage(`{"hello":"world"}`))
	require.NoError(t, err)
	assert.Equal(t, "echo-twice", resp.FlowID)
	assert.Equal(t, model.RunRunning, resp.Status)

	res, err := f.orch.Wait(ctx, resp.TraceID)
	require.NoError(t, err)
	require.Equal(t, model.RunSucceeded, res.Status)

	view, err := f.svc.Get(ctx, resp.TraceID)
	require.NoError(t, err)
	assert.Equal(t, "memory", view.Source)
	assert.Equal(t, model.RunSucceeded, view.Status)
	assert.JSONEq(t, `{"hello":"world"}`, string(view.Output))
	require.NotNil(t, view.EndedAt)

	recs, err := f.svc.Activity(ctx, resp.TraceID)
	require.NoError(t, err)
	assert.Equal(t, model.KindRunStarted, recs[0].Kind)
	assert.Equal(t, model.KindRunFinished, recs[len(recs)-1].Kind)
}

func TestSubmitRejectsInvalidFlow(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Submit(context.Background(), []byte("id: x\nsteps:\n  - id: a\n    agent: ghost\n"), nil)
	var verrs flow.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Contains(t, verrs.Messages()[0], "ghost")
	assert.Empty(t, f.orch.Active())
}

func TestSubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Submit(context.Background(), []byte(echoFlow), json.RawMessage(`{nope`))
	assert.ErrorIs(t, err, runs.ErrInvalidInput)

	_, err = f.svc.Submit(context.Background(), []byte("{{{"), nil)
	assert.ErrorIs(t, err, runs.ErrInvalidFlow)
}

func TestGetLiveRunAndCancel(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	f.agents.Register("sleeper", agent.Func(func(ctx context.Context, inv agent.Invocation) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	ctx := context.Background()

	resp, err := f.svc.Submit(ctx, []byte("id: slow\nsteps:\n  - id: nap\n    agent: sleeper\n"), nil)
	require.NoError(t, err)
	<-started

	view, err := f.svc.Get(ctx, resp.TraceID)
	require.NoError(t, err)
	assert.Equal(t, "live", view.Source)
	assert.Equal(t, model.RunRunning, view.Status)
	assert.Len(t, f.svc.Active(), 1)

	require.NoError(t, f.svc.Cancel(resp.TraceID))
	res, err := f.orch.Wait(ctx, resp.TraceID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, res.Status)

	err = f.svc.Cancel(resp.TraceID)
	assert.ErrorIs(t, err, runs.ErrNotFound)
}

func TestGetFallsBackToJournal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	def, err := flow.Parse([]byte(echoFlow))
	require.NoError(t, err)
	_, err = f.journal.Append(ctx, "trace-old", engine.ActorOrchestrator, model.KindRunStarted, model.RunStartedPayload{Flow: def})
	require.NoError(t, err)
	_, err = f.journal.Append(ctx, "trace-old", engine.ActorOrchestrator, model.KindRunFinished, model.RunFinishedPayload{Status: model.RunFailed, Error: "daemon stopped"})
	require.NoError(t, err)

	view, err := f.svc.Get(ctx, "trace-old")
	require.NoError(t, err)
	assert.Equal(t, "journal", view.Source)
	assert.Equal(t, model.RunFailed, view.Status)
	assert.Equal(t, "daemon stopped", view.Error)
	require.NotNil(t, view.EndedAt)
	assert.Len(t, view.Steps, 2)
}

func TestRunSynchronous(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Run(ctx, []byte(echoFlow), json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, model.RunSucceeded, res.Status)
	assert.JSONEq(t, `[1,2]`, string(res.Output))

	_, err = f.svc.Run(ctx, []byte(echoFlow), json.RawMessage(`{bad`))
	require.ErrorIs(t, err, runs.ErrInvalidInput)
}

func TestDigest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Run(ctx, []byte(echoFlow), json.RawMessage(`{}`))
	require.NoError(t, err)

	d, err := f.svc.Digest(ctx, res.TraceID)
	require.NoError(t, err)
	assert.True(t, d.Final)
	assert.NotEmpty(t, d.Digest)

	again, err := f.svc.Digest(ctx, res.TraceID)
	require.NoError(t, err)
	assert.Equal(t, d, again)

	recs, err := f.svc.Activity(ctx, res.TraceID)
	require.NoError(t, err)
	assert.Equal(t, len(recs), d.Records)

	_, err = f.svc.Digest(ctx, "nope")
	require.ErrorIs(t, err, runs.ErrNotFound)
}

func TestGetUnknown(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, runs.ErrNotFound)

	_, err = f.svc.Activity(context.Background(), "missing")
	assert.ErrorIs(t, err, runs.ErrNotFound)
}

type fakeArchive map[string]model.RunResult

func (a fakeArchive) Get(_ context.Context, traceID string) (model.RunResult, error) {
	res, ok := a[traceID]
	if !ok {
		return model.RunResult{}, archive.ErrNotFound
	}
	return res, nil
}

func TestGetFromArchive(t *testing.T) {
	ended := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := newFixture(t, fakeArchive{"archived": {
		TraceID: "archived",
		FlowID:  "nightly",
		Status:  model.RunPartial,
		Output:  json.RawMessage(`{"a":1}`),
		EndedAt: ended,
	}})

	view, err := f.svc.Get(context.Background(), "archived")
	require.NoError(t, err)
	assert.Equal(t, "archive", view.Source)
	assert.Equal(t, model.RunPartial, view.Status)
	require.NotNil(t, view.EndedAt)
	assert.True(t, ended.Equal(*view.EndedAt))
}

func TestLeasesAndAgents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.leases.Acquire(ctx, "src/main.go", "t1:s1", time.Minute)
	require.NoError(t, err)

	ls, err := f.svc.Leases(ctx)
	require.NoError(t, err)
	require.Len(t, ls, 1)
	assert.Equal(t, "src/main.go", ls[0].FilePath)
	assert.Equal(t, "t1:s1", ls[0].Holder)

	assert.Equal(t, []string{agent.EchoAgent}, f.svc.Agents())
}
