package flow

import (
	"maps"
	"slices"

	"github.com/kaptinlin/jsonschema"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/transform"
)

// Graph is a validated flow. It is safe for concurrent readers and is never
// mutated after Validate returns it.
type Graph struct {
	def        model.FlowDefinition
	index      map[string]int
	dependents map[string][]string
	transforms map[string]transform.Kind
	schemas    map[string]*jsonschema.Schema
}

// Definition returns a copy of the underlying flow definition.
func (g *Graph) Definition() model.FlowDefinition { return cloneDefinition(g.def) }

// ID returns the flow id.
func (g *Graph) ID() string { return g.def.ID }

// Settings returns the run-wide settings.
func (g *Graph) Settings() model.Settings { return g.def.Settings }

// Output returns the declared output selector.
func (g *Graph) Output() model.OutputSpec { return g.def.Output }

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.def.Steps) }

// Steps returns the steps in declaration order. Callers must treat the
// slice as read-only.
func (g *Graph) Steps() []model.Step { return g.def.Steps }

// Step looks up a step by id.
func (g *Graph) Step(id string) (model.Step, bool) {
	i, ok := g.index[id]
	if !ok {
		return model.Step{}, false
	}
	return g.def.Steps[i], true
}

// Position returns the declaration index of a step, or -1.
func (g *Graph) Position(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// Dependents returns the steps that list id in dependsOn, in declaration order.
func (g *Graph) Dependents(id string) []string { return g.dependents[id] }

// TransitiveDependents returns every step reachable from id through dependents,
// in declaration order.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := map[string]bool{}
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.dependents[next]...)
	}
	out := make([]string, 0, len(seen))
	for _, s := range g.def.Steps {
		if seen[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

// Roots returns steps with no dependencies, in declaration order.
func (g *Graph) Roots() []string {
	var out []string
	for _, s := range g.def.Steps {
		if len(s.DependsOn) == 0 {
			out = append(out, s.ID)
		}
	}
	return out
}

// Sinks returns steps nothing depends on, in declaration order.
func (g *Graph) Sinks() []string {
	var out []string
	for _, s := range g.def.Steps {
		if len(g.dependents[s.ID]) == 0 {
			out = append(out, s.ID)
		}
	}
	return out
}

// OutputSources returns the steps the run output is built from: output.from,
// or the sinks when it is empty.
func (g *Graph) OutputSources() []string {
	if len(g.def.Output.From) > 0 {
		return g.def.Output.From
	}
	return g.Sinks()
}

// Transform returns the resolved input transform of a step.
func (g *Graph) Transform(id string) transform.Kind {
	if k, ok := g.transforms[id]; ok {
		return k
	}
	return transform.Passthrough
}

// OutputSchema returns the compiled output schema of a step, or nil.
func (g *Graph) OutputSchema(id string) *jsonschema.Schema { return g.schemas[id] }

// AggregateSources returns the steps an aggregate input reads, defaulting to dependsOn.
func AggregateSources(s model.Step) []string {
	if len(s.Input.From) > 0 {
		return s.Input.From
	}
	return s.DependsOn
}

// Order returns the steps in a topological order (Kahn). Roots come first in
// declaration order.
func (g *Graph) Order() []string {
	indeg := make(map[string]int, len(g.def.Steps))
	for _, s := range g.def.Steps {
		indeg[s.ID] = len(s.DependsOn)
	}
	var queue []string
	for _, s := range g.def.Steps {
		if indeg[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	order := make([]string, 0, len(g.def.Steps))
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		order = append(order, v)
		for _, u := range g.dependents[v] {
			indeg[u]--
			if indeg[u] == 0 {
				queue = append(queue, u)
			}
		}
	}
	return order
}

// cloneDefinition copies def so the Graph shares no slices or maps with the
// caller.
func cloneDefinition(def model.FlowDefinition) model.FlowDefinition {
	def.Steps = slices.Clone(def.Steps)
	for i := range def.Steps {
		st := &def.Steps[i]
		st.DependsOn = slices.Clone(st.DependsOn)
		st.Skills = slices.Clone(st.Skills)
		st.Mutates = slices.Clone(st.Mutates)
		st.Input.From = slices.Clone(st.Input.From)
		st.OutputSchema = maps.Clone(st.OutputSchema)
	}
	def.Output.From = slices.Clone(def.Output.From)
	return def
}
