package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/transform"
)

// ValidationError is one problem found in a flow definition. StepID is empty
// for flow-level problems.
type ValidationError struct {
	StepID  string `json:"step_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.StepID != "" {
		fmt.Fprintf(&b, "step %q: ", e.StepID)
	}
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is every problem found in one validation pass.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	return "flow: invalid definition: " + strings.Join(v.Messages(), "; ")
}

// Messages returns each error rendered as a string.
func (v ValidationErrors) Messages() []string {
	out := make([]string, len(v))
	for i, e := range v {
		out[i] = e.Error()
	}
	return out
}

// Option configures validation.
type Option func(*validator)

// WithKnownAgents rejects steps whose agent id is not accepted by known.
func WithKnownAgents(known func(agentID string) bool) Option {
	return func(v *validator) { v.knownAgent = known }
}

type validator struct {
	knownAgent func(string) bool
	errs       ValidationErrors
}

func (v *validator) add(stepID, field, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{StepID: stepID, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) checkAgent(stepID, field, name string) {
	if name == "" {
		v.add(stepID, field, "agent is required")
	} else if err := model.ValidateIdentifier("agent", name); err != nil {
		v.add(stepID, field, "%v", err)
	} else if v.knownAgent != nil && !v.knownAgent(name) {
		v.add(stepID, field, "unknown agent %q", name)
	}
}

// Validate checks def and returns its Graph. On failure the error is a
// ValidationErrors holding every problem, not just the first.
func Validate(def model.FlowDefinition, opts ...Option) (*Graph, error) {
	v := &validator{}
	for _, fn := range opts {
		fn(v)
	}

	def = cloneDefinition(def)
	g := &Graph{
		def:        def,
		index:      make(map[string]int, len(def.Steps)),
		dependents: make(map[string][]string, len(def.Steps)),
		transforms: make(map[string]transform.Kind, len(def.Steps)),
		schemas:    map[string]*jsonschema.Schema{},
	}

	if def.ID == "" {
		v.add("", "id", "flow id is required")
	}
	if len(def.Steps) == 0 {
		v.add("", "steps", "flow has no steps")
	}
	if def.Settings.MaxParallelism < 0 {
		v.add("", "settings.maxParallelism", "must not be negative")
	}
	if def.Settings.OverallTimeoutMs < 0 {
		v.add("", "settings.overallTimeoutMs", "must not be negative")
	}

	for i, s := range def.Steps {
		if err := model.ValidateIdentifier("step id", s.ID); err != nil {
			v.add("", fmt.Sprintf("steps[%d]", i), "%v", err)
			continue
		}
		if _, dup := g.index[s.ID]; dup {
			v.add(s.ID, "id", "duplicate step id")
			continue
		}
		g.index[s.ID] = i
	}

	for i, s := range def.Steps {
		if s.ID == "" {
			v.checkAgent("", fmt.Sprintf("steps[%d].agent", i), s.Agent)
			continue
		}
		v.checkStep(g, s)
	}

	v.checkOutput(g, def.Output)

	for _, cycle := range findCycles(def.Steps, g.index) {
		v.add(cycle[0], "dependsOn", "dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	if len(v.errs) > 0 {
		return nil, v.errs
	}

	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}
	return g, nil
}

func (v *validator) checkStep(g *Graph, s model.Step) {
	v.checkAgent(s.ID, "agent", s.Agent)

	seenDeps := make(map[string]bool, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		if seenDeps[dep] {
			v.add(s.ID, "dependsOn", "duplicate dependency %q", dep)
			continue
		}
		seenDeps[dep] = true
		if _, ok := g.index[dep]; !ok {
			v.add(s.ID, "dependsOn", "unknown step %q", dep)
		}
	}

	v.checkInput(g, s)

	if s.TimeoutMs < 0 {
		v.add(s.ID, "timeoutMs", "must not be negative")
	}
	if s.Retry.MaxAttempts < 0 {
		v.add(s.ID, "retry.maxAttempts", "must not be negative")
	}
	if s.Retry.BackoffMs < 0 {
		v.add(s.ID, "retry.backoffMs", "must not be negative")
	}

	seenPaths := make(map[string]bool, len(s.Mutates))
	for _, p := range s.Mutates {
		if strings.TrimSpace(p) == "" {
			v.add(s.ID, "mutates", "empty file path")
			continue
		}
		if seenPaths[p] {
			v.add(s.ID, "mutates", "duplicate file path %q", p)
		}
		seenPaths[p] = true
	}

	if len(s.OutputSchema) > 0 {
		raw, err := json.Marshal(s.OutputSchema)
		if err != nil {
			v.add(s.ID, "outputSchema", "not representable as JSON: %v", err)
			return
		}
		schema, err := jsonschema.NewCompiler().Compile(raw)
		if err != nil {
			v.add(s.ID, "outputSchema", "invalid schema: %v", err)
			return
		}
		g.schemas[s.ID] = schema
	}
}

func (v *validator) checkInput(g *Graph, s model.Step) {
	in := s.Input
	kind, ok := transform.Lookup(in.Transform)
	if !ok {
		v.add(s.ID, "input.transform", "unregistered transform %q (known: %s)", in.Transform, strings.Join(transform.Names(), ", "))
	} else {
		g.transforms[s.ID] = kind
		if kind.RequiresPath() && in.Path == "" {
			v.add(s.ID, "input.path", "transform %q requires a path", kind)
		}
	}

	switch in.EffectiveSource() {
	case model.InputSourceRequest:
	case model.InputSourceStep:
		if in.StepID == "" {
			v.add(s.ID, "input.stepId", "step input requires stepId")
		} else if !s.DependsOnStep(in.StepID) {
			v.add(s.ID, "input.stepId", "%q is not listed in dependsOn", in.StepID)
		}
	case model.InputSourceAggregate:
		sources := AggregateSources(s)
		if len(sources) == 0 {
			v.add(s.ID, "input.from", "aggregate input requires at least one upstream step")
		}
		for _, from := range in.From {
			if !s.DependsOnStep(from) {
				v.add(s.ID, "input.from", "%q is not listed in dependsOn", from)
			}
		}
	default:
		v.add(s.ID, "input.source", "unknown input source %q", in.Source)
	}
}

func (v *validator) checkOutput(g *Graph, out model.OutputSpec) {
	for _, id := range out.From {
		if _, ok := g.index[id]; !ok {
			v.add("", "output.from", "unknown step %q", id)
		}
	}
	switch out.EffectiveFormat() {
	case model.OutputFormatJSON, model.OutputFormatMerge, model.OutputFormatText:
	default:
		v.add("", "output.format", "unknown output format %q", out.Format)
	}
}

// findCycles returns each distinct dependency cycle as a path that starts and
// ends on the same step, e.g. [a b c a]. Unknown dependencies are ignored.
func findCycles(steps []model.Step, index map[string]int) [][]string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(steps))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range steps[index[id]].DependsOn {
			if _, ok := index[dep]; !ok {
				continue
			}
			switch color[dep] {
			case white:
				visit(dep)
			case grey:
				start := len(stack) - 1
				for stack[start] != dep {
					start--
				}
				cycle := append([]string(nil), stack[start:]...)
				cycle = append(cycle, dep)
				// Stack order follows dependsOn edges; report in execution order.
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				cycles = append(cycles, cycle)
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, s := range steps {
		if _, ok := index[s.ID]; ok && color[s.ID] == white {
			visit(s.ID)
		}
	}
	return cycles
}
