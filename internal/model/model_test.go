package model_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/michi/internal/model"
)

func TestStepStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to model.StepStatus
		ok       bool
	}{
		{model.StepPending, model.StepReady, true},
		{model.StepPending, model.StepSkipped, true},
		{model.StepPending, model.StepRunning, false},
		{model.StepReady, model.StepRunning, true},
		{model.StepReady, model.StepCancelled, true},
		{model.StepRunning, model.StepSucceeded, true},
		{model.StepRunning, model.StepRetrying, true},
		{model.StepRunning, model.StepSkipped, false},
		{model.StepRetrying, model.StepRunning, true},
		{model.StepRetrying, model.StepFailed, true},
		{model.StepRetrying, model.StepSucceeded, false},
		{model.StepSucceeded, model.StepFailed, false},
		{model.StepFailed, model.StepRunning, false},
		{model.StepSkipped, model.StepReady, false},
		{model.StepCancelled, model.StepRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStepStatusIsTerminal(t *testing.T) {
	for _, s := range []model.StepStatus{model.StepSucceeded, model.StepFailed, model.StepSkipped, model.StepCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []model.StepStatus{model.StepPending, model.StepReady, model.StepRunning, model.StepRetrying} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestStepRefsYAML(t *testing.T) {
	var out struct {
		A model.StepRefs `yaml:"a"`
		B model.StepRefs `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: draft\nb: [x, y]\n"), &out))
	assert.Equal(t, model.StepRefs{"draft"}, out.A)
	assert.Equal(t, model.StepRefs{"x", "y"}, out.B)

	err := yaml.Unmarshal([]byte("a: {k: v}\n"), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step reference")
}

func TestStepRefsJSON(t *testing.T) {
	var out struct {
		A model.StepRefs `json:"a"`
		B model.StepRefs `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"draft","b":["x","y"]}`), &out))
	assert.Equal(t, model.StepRefs{"draft"}, out.A)
	assert.Equal(t, model.StepRefs{"x", "y"}, out.B)
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, model.DefaultMaxParallelism, model.Settings{}.Parallelism())
	assert.Equal(t, 3, model.Settings{MaxParallelism: 3}.Parallelism())
	assert.Equal(t, 1, model.RetrySpec{}.Attempts())
	assert.Equal(t, model.InputSourceRequest, model.InputSpec{}.EffectiveSource())
	assert.Equal(t, "passthrough", model.InputSpec{}.EffectiveTransform())
	assert.Equal(t, model.OutputFormatJSON, model.OutputSpec{}.EffectiveFormat())
}

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"agent", "code-writer", "review.v2", "team/linter", "a_b@c", strings.Repeat("a", 255)}
	for _, id := range valid {
		require.NoError(t, model.ValidateIdentifier("agent", id), "expected valid: %q", id)
	}

	err := model.ValidateIdentifier("agent", "")
	require.Error(t, err)
	assert.Equal(t, "agent is required", err.Error())

	require.Error(t, model.ValidateIdentifier("step id", strings.Repeat("a", 256)))
	err = model.ValidateIdentifier("step id", "has space")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position 3")
}

func TestActivityKindTerminal(t *testing.T) {
	assert.True(t, model.KindRunFinished.IsRunTerminal())
	assert.True(t, model.KindRunAborted.IsRunTerminal())
	assert.False(t, model.KindRunStarted.IsRunTerminal())
	assert.Equal(t, model.KindStepSkipped, model.StepTerminalKind(model.StepSkipped))
	assert.Equal(t, model.KindStepCancelled, model.StepTerminalKind(model.StepCancelled))
}
