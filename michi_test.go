package michi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi"
	"github.com/ashita-ai/michi/internal/daemon"
	"github.com/ashita-ai/michi/internal/testutil"
)

const upperFlow = `
id: shout
steps:
  - id: first
    agent: upper
  - id: second
    agent: echo
    dependsOn: [first]
    input: {source: step, stepId: first}
`

var upper = michi.InvokerFunc(func(_ context.Context, inv michi.Invocation) (json.RawMessage, error) {
	var s string
	if err := json.Unmarshal(inv.Input, &s); err != nil {
		return nil, err
	}
	return json.Marshal(strings.ToUpper(s))
})

func newApp(t *testing.T, opts ...michi.Option) *michi.App {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MICHI_HOME", dir)
	t.Setenv("MICHI_API_SECRET", "")
	base := []michi.Option{
		michi.WithLogger(testutil.TestLogger()),
		michi.WithSQLitePath(filepath.Join(dir, "michi.db")),
		michi.WithPIDFile(""),
		michi.WithAgent("upper", upper),
	}
	app, err := michi.New(append(base, opts...)...)
	require.NoError(t, err)
	return app
}

func TestRunFlowLocal(t *testing.T) {
	app := newApp(t)
	ctx := context.Background()
	defer app.Close(ctx)

	assert.Equal(t, []string{"echo", "upper"}, app.Agents())

	res, err := app.RunFlow(ctx, []byte(upperFlow), json.RawMessage(`"quiet"`))
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "shout", res.FlowID)
	assert.JSONEq(t, `"QUIET"`, string(res.Output))
	require.Len(t, res.Steps, 2)
	assert.Equal(t, 1, res.Steps[0].Attempts)

	// A step error fails the run but is not a Go error.
	res, err = app.RunFlow(ctx, []byte(upperFlow), json.RawMessage(`42`))
	require.NoError(t, err)
	assert.False(t, res.Succeeded())
}

func TestValidateFlow(t *testing.T) {
	app := newApp(t)
	defer app.Close(context.Background())

	assert.Empty(t, app.ValidateFlow([]byte(upperFlow)))
	problems := app.ValidateFlow([]byte("id: x\nsteps:\n  - id: a\n    agent: nobody\n"))
	require.NotEmpty(t, problems)
	assert.Contains(t, strings.Join(problems, "\n"), "nobody")
}

func TestNewRejectsBadRecoveryPolicy(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MICHI_HOME", dir)
	_, err := michi.New(
		michi.WithLogger(testutil.TestLogger()),
		michi.WithSQLitePath(filepath.Join(dir, "michi.db")),
		michi.WithRecoveryPolicy("sometimes"),
	)
	require.Error(t, err)
}

func TestRunServesHTTPAndWritesPIDFile(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	pidFile := filepath.Join(t.TempDir(), "michi.pid")
	app := newApp(t, michi.WithListener(ln), michi.WithPIDFile(pidFile))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	st, err := (&daemon.Controller{PIDFile: pidFile}).Status()
	require.NoError(t, err)
	assert.Equal(t, daemon.Running, st.State)

	body, _ := json.Marshal(map[string]any{"flow": upperFlow, "input": "loud"})
	resp, err := http.Post(base+"/v1/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var submitted struct {
		Data struct {
			TraceID string `json:"trace_id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, submitted.Data.TraceID)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/v1/runs/" + submitted.Data.TraceID)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		var view struct {
			Data struct {
				Status string          `json:"status"`
				Output json.RawMessage `json:"output"`
			} `json:"data"`
		}
		if json.NewDecoder(resp.Body).Decode(&view) != nil {
			return false
		}
		return view.Data.Status == "succeeded" && string(view.Data.Output) == `"LOUD"`
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	st, err = (&daemon.Controller{PIDFile: pidFile}).Status()
	require.NoError(t, err)
	assert.Equal(t, daemon.Stopped, st.State)
}
