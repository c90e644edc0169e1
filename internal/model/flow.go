// Package model defines the core domain types for michi.
//
// Flow types mirror the declarative flow file format and are immutable once a
// run starts. Run, step and lease types correspond to the orchestrator state
// and the durable tables defined in migrations/.
package model

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Defaults applied to omitted flow settings.
const (
	DefaultMaxParallelism = 4
	DefaultMaxAttempts    = 1
	DefaultTransform      = "passthrough"
)

// InputSource selects where a step reads its input from.
type InputSource string

const (
	InputSourceRequest   InputSource = "request"
	InputSourceStep      InputSource = "step"
	InputSourceAggregate InputSource = "aggregate"
)

// OutputFormat controls how the declared flow output is assembled.
type OutputFormat string

const (
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatMerge OutputFormat = "merge"
	OutputFormatText  OutputFormat = "text"
)

// FlowDefinition is a loaded flow file. It is never mutated once a run starts.
type FlowDefinition struct {
	ID       string     `json:"id" yaml:"id"`
	Name     string     `json:"name,omitempty" yaml:"name"`
	Version  string     `json:"version,omitempty" yaml:"version"`
	Settings Settings   `json:"settings" yaml:"settings"`
	Steps    []Step     `json:"steps" yaml:"steps"`
	Output   OutputSpec `json:"output" yaml:"output"`
}

// Settings are the run-wide execution knobs.
type Settings struct {
	MaxParallelism   int   `json:"maxParallelism,omitempty" yaml:"maxParallelism"`
	FailFast         bool  `json:"failFast,omitempty" yaml:"failFast"`
	OverallTimeoutMs int64 `json:"overallTimeoutMs,omitempty" yaml:"overallTimeoutMs"`
}

// Parallelism returns MaxParallelism with the default applied.
func (s Settings) Parallelism() int {
	if s.MaxParallelism <= 0 {
		return DefaultMaxParallelism
	}
	return s.MaxParallelism
}

// Step is one unit of work delegated to an agent.
type Step struct {
	ID           string         `json:"id" yaml:"id"`
	Agent        string         `json:"agent" yaml:"agent"`
	DependsOn    []string       `json:"dependsOn,omitempty" yaml:"dependsOn"`
	Input        InputSpec      `json:"input" yaml:"input"`
	Skills       []string       `json:"skills,omitempty" yaml:"skills"`
	Mutates      []string       `json:"mutates,omitempty" yaml:"mutates"`
	TimeoutMs    int64          `json:"timeoutMs,omitempty" yaml:"timeoutMs"`
	Retry        RetrySpec      `json:"retry" yaml:"retry"`
	OutputSchema map[string]any `json:"outputSchema,omitempty" yaml:"outputSchema"`
}

// DependsOnStep reports whether id is a direct dependency of s.
func (s Step) DependsOnStep(id string) bool {
	for _, d := range s.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}

// InputSpec describes how a step's input is built.
type InputSpec struct {
	Source    InputSource `json:"source,omitempty" yaml:"source"`
	StepID    string      `json:"stepId,omitempty" yaml:"stepId"`
	From      StepRefs    `json:"from,omitempty" yaml:"from"`
	Transform string      `json:"transform,omitempty" yaml:"transform"`
	Path      string      `json:"path,omitempty" yaml:"path"`
}

// EffectiveSource returns Source, defaulting to request.
func (in InputSpec) EffectiveSource() InputSource {
	if in.Source == "" {
		return InputSourceRequest
	}
	return in.Source
}

// EffectiveTransform returns Transform, defaulting to passthrough.
func (in InputSpec) EffectiveTransform() string {
	if in.Transform == "" {
		return DefaultTransform
	}
	return in.Transform
}

// RetrySpec bounds the attempts the executor makes for one step.
type RetrySpec struct {
	MaxAttempts int   `json:"maxAttempts,omitempty" yaml:"maxAttempts"`
	BackoffMs   int64 `json:"backoffMs,omitempty" yaml:"backoffMs"`
}

// Attempts returns MaxAttempts with the default applied.
func (r RetrySpec) Attempts() int {
	if r.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return r.MaxAttempts
}

// OutputSpec selects which step results form the flow output.
type OutputSpec struct {
	From   StepRefs     `json:"from,omitempty" yaml:"from"`
	Format OutputFormat `json:"format,omitempty" yaml:"format"`
}

// EffectiveFormat returns Format, defaulting to json.
func (o OutputSpec) EffectiveFormat() OutputFormat {
	if o.Format == "" {
		return OutputFormatJSON
	}
	return o.Format
}

// StepRefs is a list of step ids that may be written as a single string or a list.
type StepRefs []string

// UnmarshalYAML accepts both `from: a` and `from: [a, b]`.
func (r *StepRefs) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s == "" {
			*r = nil
			return nil
		}
		*r = StepRefs{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*r = list
		return nil
	default:
		return fmt.Errorf("line %d: step reference must be a string or a list of strings", node.Line)
	}
}

// UnmarshalJSON accepts both `"from": "a"` and `"from": ["a", "b"]`.
func (r *StepRefs) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*r = nil
		} else {
			*r = StepRefs{s}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("step reference must be a string or a list of strings")
	}
	*r = list
	return nil
}
