package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/auth"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("MICHI_HOME", t.TempDir())
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	good := writeFile(t, "good.yaml", "id: ok\nsteps:\n  - id: a\n    agent: echo\n")
	out, _, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, `flow "ok" is valid (1 steps)`)

	custom := writeFile(t, "custom.yaml", "id: c\nsteps:\n  - id: a\n    agent: reviewer\n")
	_, _, err = execute(t, "validate", custom)
	var ee exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.code)

	out, _, err = execute(t, "validate", "--agent", "reviewer", custom)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	bad := writeFile(t, "bad.yaml", `
id: broken
steps:
  - id: a
    agent: echo
    dependsOn: [b]
  - id: b
    agent: echo
    dependsOn: [a]
  - id: c
    agent: echo
    dependsOn: [missing]
`)
	out, _, err := execute(t, "validate", bad)
	require.Error(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.GreaterOrEqual(t, len(lines), 2)
	assert.Contains(t, out, "missing")
}

func TestRunLocal(t *testing.T) {
	t.Setenv("MICHI_API_SECRET", "")
	f := writeFile(t, "flow.yaml", "id: loop\nsteps:\n  - id: a\n    agent: echo\n")
	out, _, err := execute(t, "run", "--local", "--input", `{"k":"v"}`, f)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "succeeded"`)
	assert.Contains(t, out, `"k": "v"`)
}

func TestRunRejectsBadInput(t *testing.T) {
	f := writeFile(t, "flow.yaml", "id: loop\nsteps:\n  - id: a\n    agent: echo\n")
	_, _, err := execute(t, "run", "--local", "--input", `{nope`, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestTokenCommand(t *testing.T) {
	secret := "0123456789abcdef-cli-secret"
	t.Setenv("MICHI_API_SECRET", secret)
	out, stderr, err := execute(t, "token", "--subject", "ci", "--role", "reader")
	require.NoError(t, err)
	assert.Contains(t, stderr, "expires")

	mgr, err := auth.NewJWTManager(secret, time.Hour)
	require.NoError(t, err)
	claims, err := mgr.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Subject)
	assert.Equal(t, auth.RoleReader, claims.Role)

	_, _, err = execute(t, "token", "--role", "admin")
	require.Error(t, err)
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv("MICHI_API_SECRET", "")
	_, _, err := execute(t, "token")
	require.Error(t, err)
}

func TestStatusWhenStopped(t *testing.T) {
	out, _, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Stopped")

	out, _, err = execute(t, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "not running")
}

func TestStatusExit(t *testing.T) {
	require.NoError(t, statusExit("t", "succeeded"))
	err := statusExit("t", "partial")
	var ee exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 2, ee.code)
}

func TestReadInput(t *testing.T) {
	raw, err := readInput("", "")
	require.NoError(t, err)
	assert.Nil(t, raw)

	path := writeFile(t, "in.json", `[1, 2]`)
	raw, err = readInput("", path)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(raw))
}
