// Package agent is the boundary between michi and the actors that perform
// step work. The engine only sees Invoker; adapters turn a Go function, an
// HTTP endpoint or the built-in echo agent into one, and wrappers add a
// circuit breaker and a rate limit per agent.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownAgent is returned when no invoker is registered for an agent id.
var ErrUnknownAgent = errors.New("agent: unknown agent")

// EchoAgent is the id of the built-in agent that returns its input.
const EchoAgent = "echo"

// Invocation is one call to an agent.
type Invocation struct {
	Agent   string          `json:"agent"`
	Input   json.RawMessage `json:"input"`
	Skills  []string        `json:"skills,omitempty"`
	TraceID string          `json:"trace_id"`
	StepID  string          `json:"step_id"`
	Attempt int             `json:"attempt"`
}

// Invoker performs agent work. Any returned error fails the attempt. The
// context carries the attempt deadline and run cancellation.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// Func adapts a plain function to Invoker.
type Func func(ctx context.Context, inv Invocation) (json.RawMessage, error)

// Invoke implements Invoker.
func (f Func) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	return f(ctx, inv)
}

// Echo returns the invocation input unchanged, or null when there is none.
var Echo Invoker = Func(func(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(inv.Input) == 0 {
		return json.RawMessage("null"), nil
	}
	return inv.Input, nil
})

// Registry maps agent ids to invokers. It is itself an Invoker that
// dispatches on Invocation.Agent. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewRegistry returns a registry that already knows the echo agent.
func NewRegistry() *Registry {
	return &Registry{invokers: map[string]Invoker{EchoAgent: Echo}}
}

// Register adds or replaces the invoker for id.
func (r *Registry) Register(id string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[id] = inv
}

// Lookup returns the invoker for id.
func (r *Registry) Lookup(id string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[id]
	return inv, ok
}

// Has reports whether id is registered. It is the known-agent predicate
// handed to the flow validator.
func (r *Registry) Has(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Names returns the registered ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.invokers))
	for id := range r.invokers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Invoke implements Invoker.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	target, ok := r.Lookup(inv.Agent)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, inv.Agent)
	}
	return target.Invoke(ctx, inv)
}
