package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/flow"
	"github.com/ashita-ai/michi/internal/journal"
	"github.com/ashita-ai/michi/internal/lease"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/telemetry"
	"github.com/ashita-ai/michi/internal/transform"
)

// ActorExecutor is the journal actor for records written by the executor.
const ActorExecutor = "executor"

// Lease defaults.
const (
	DefaultLeaseTTL       = 5 * time.Minute
	DefaultLeaseMaxWaits  = 30
	DefaultLeaseWaitDelay = time.Second
)

// ExecutorConfig tunes lease handling. Zero fields take defaults.
type ExecutorConfig struct {
	LeaseTTL       time.Duration
	LeaseMaxWaits  int
	LeaseWaitDelay time.Duration
}

// Executor runs a single step: it resolves the step input, holds leases on
// the paths the step mutates, and invokes the agent under the step's retry
// and timeout policy. Every attempt is journaled before Execute returns.
type Executor struct {
	invoker agent.Invoker
	journal *journal.Journal
	leases  *lease.Manager
	logger  *slog.Logger
	cfg     ExecutorConfig

	tracer   trace.Tracer
	attempts metric.Int64Counter
}

// NewExecutor creates an Executor. leases may be nil when no flow declares
// mutated paths.
func NewExecutor(inv agent.Invoker, j *journal.Journal, leases *lease.Manager, logger *slog.Logger, cfg ExecutorConfig) *Executor {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.LeaseMaxWaits <= 0 {
		cfg.LeaseMaxWaits = DefaultLeaseMaxWaits
	}
	if cfg.LeaseWaitDelay <= 0 {
		cfg.LeaseWaitDelay = DefaultLeaseWaitDelay
	}
	e := &Executor{
		invoker: inv,
		journal: j,
		leases:  leases,
		logger:  logger,
		cfg:     cfg,
		tracer:  telemetry.Tracer("michi/engine"),
	}
	e.attempts, _ = telemetry.Meter("michi/engine").Int64Counter("michi.step.attempts",
		metric.WithDescription("Agent invocations by outcome"))
	return e
}

// StepRequest is everything the executor needs to run one step.
type StepRequest struct {
	TraceID string
	Graph   *flow.Graph
	Step    model.Step
	Payload json.RawMessage
	// Upstream holds copies of the states of the steps this step reads.
	Upstream map[string]model.StepState
	// OnStatus is called as the step moves between Running and Retrying.
	OnStatus func(status model.StepStatus, attempt int)
}

// StepResult is the terminal outcome of Execute: Succeeded, Failed or
// Cancelled. Err is a *StepError unless the step succeeded.
type StepResult struct {
	Status   model.StepStatus
	Attempts int
	Output   json.RawMessage
	Err      error
}

// Holder returns the lease holder id used for a step of a run.
func Holder(traceID, stepID string) string { return traceID + ":" + stepID }

// Execute runs the step to a terminal outcome. A journal failure is returned
// as the error and is fatal to the run; every other failure is reported in
// the StepResult.
func (e *Executor) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	s := req.Step
	log := e.logger.With("trace_id", req.TraceID, "step_id", s.ID)

	input, err := ResolveInput(req.Graph, s, req.Payload, req.Upstream)
	if err != nil {
		if errors.Is(err, ErrAggregation) {
			return StepResult{Status: model.StepFailed, Err: &StepError{StepID: s.ID, Category: model.CategoryAggregation, Err: err}}, nil
		}
		return StepResult{Status: model.StepFailed, Err: &StepError{StepID: s.ID, Category: model.CategoryInput, Err: err}}, nil
	}

	if len(s.Mutates) > 0 {
		held, release, res, err := e.holdLeases(ctx, req)
		if err != nil || release == nil {
			return res, err
		}
		defer release()
		ctx = held
	}

	return e.attempt(ctx, req, input, log)
}

// attempt runs the retry loop.
func (e *Executor) attempt(ctx context.Context, req StepRequest, input json.RawMessage, log *slog.Logger) (StepResult, error) {
	s := req.Step
	maxAttempts := s.Retry.Attempts()
	backoff := time.Duration(s.Retry.BackoffMs) * time.Millisecond
	schema := req.Graph.OutputSchema(s.ID)

	var lastErr *StepError
	for n := 1; n <= maxAttempts; n++ {
		notify(req, model.StepRunning, n)
		res := e.invokeOnce(ctx, req, input, n, schema)
		category, callErr := res.category, res.err
		if errors.Is(callErr, journal.ErrPersistence) {
			return StepResult{Status: model.StepFailed, Attempts: n}, callErr
		}

		outcome := model.AttemptSucceeded
		switch category {
		case "":
		case model.CategoryCancelled:
			outcome = model.AttemptCancelled
		case model.CategoryTimeout:
			outcome = model.AttemptTimeout
		default:
			outcome = model.AttemptFailed
		}
		willRetry := category != "" && category != model.CategoryCancelled &&
			category != model.CategoryLeaseContention && n < maxAttempts

		payload := model.StepAttemptPayload{
			StepID:     s.ID,
			Attempt:    n,
			Outcome:    outcome,
			Category:   category,
			WillRetry:  willRetry,
			DurationMs: res.elapsed.Milliseconds(),
		}
		if callErr != nil {
			payload.Error = callErr.Error()
		}
		if _, err := e.journal.Append(context.WithoutCancel(ctx), req.TraceID, ActorExecutor, model.KindStepAttempt, payload); err != nil {
			return StepResult{Status: model.StepFailed, Attempts: n}, err
		}
		e.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))

		if category == "" {
			return StepResult{Status: model.StepSucceeded, Attempts: n, Output: res.out}, nil
		}
		lastErr = &StepError{StepID: s.ID, Category: category, Attempts: n, Err: callErr}
		if category == model.CategoryCancelled {
			return StepResult{Status: model.StepCancelled, Attempts: n, Err: lastErr}, nil
		}
		log.Warn("step attempt failed", "attempt", n, "category", category, "error", callErr, "will_retry", willRetry)
		if !willRetry {
			break
		}

		notify(req, model.StepRetrying, n)
		if err := sleepCtx(ctx, backoff); err != nil {
			category, cause := stopCategory(ctx)
			if errors.Is(cause, journal.ErrPersistence) {
				return StepResult{Status: model.StepFailed, Attempts: n}, cause
			}
			lastErr = &StepError{StepID: s.ID, Category: category, Attempts: n, Err: cause}
			if category == model.CategoryCancelled {
				return StepResult{Status: model.StepCancelled, Attempts: n, Err: lastErr}, nil
			}
			return StepResult{Status: model.StepFailed, Attempts: n, Err: lastErr}, nil
		}
	}
	return StepResult{Status: model.StepFailed, Attempts: lastErr.Attempts, Err: lastErr}, nil
}

// attemptOutcome is the result of one agent call. category is empty on success.
type attemptOutcome struct {
	out      json.RawMessage
	category model.ErrorCategory
	err      error
	elapsed  time.Duration
}

type callResult struct {
	out json.RawMessage
	err error
}

// invokeOnce performs one agent call under the attempt deadline and checks
// the output schema. The call runs in its own goroutine; a result that
// arrives after the attempt deadline or after the step is stopped is
// discarded.
func (e *Executor) invokeOnce(ctx context.Context, req StepRequest, input json.RawMessage, n int, schema *jsonschema.Schema) attemptOutcome {
	s := req.Step
	if ctx.Err() != nil {
		category, cause := stopCategory(ctx)
		return attemptOutcome{category: category, err: cause}
	}

	callCtx, span := e.tracer.Start(ctx, "michi.step.attempt", trace.WithAttributes(
		attribute.String("michi.trace_id", req.TraceID),
		attribute.String("michi.step_id", s.ID),
		attribute.String("michi.agent", s.Agent),
		attribute.Int("michi.attempt", n),
	))
	if s.TimeoutMs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, time.Duration(s.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	results := make(chan callResult, 1)
	go func() {
		out, err := e.invoker.Invoke(callCtx, agent.Invocation{
			Agent:   s.Agent,
			Input:   input,
			Skills:  s.Skills,
			TraceID: req.TraceID,
			StepID:  s.ID,
			Attempt: n,
		})
		results <- callResult{out: out, err: err}
	}()

	var (
		out json.RawMessage
		err error
	)
	select {
	case r := <-results:
		out, err = r.out, r.err
	case <-callCtx.Done():
		err = callCtx.Err()
	}
	elapsed := time.Since(start)

	var category model.ErrorCategory
	switch {
	case ctx.Err() != nil:
		out = nil
		category, err = stopCategory(ctx)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		out = nil
		category, err = model.CategoryTimeout, fmt.Errorf("attempt exceeded %dms: %w", s.TimeoutMs, context.DeadlineExceeded)
	case err != nil:
		category = model.CategoryAgentError
	case schema != nil:
		if verr := validateOutput(schema, out); verr != nil {
			category, err = model.CategorySchema, verr
		}
	}
	if len(out) == 0 && category == "" {
		out = json.RawMessage("null")
	}
	spanEnd(span, err)
	return attemptOutcome{out: out, category: category, err: err, elapsed: elapsed}
}

// stopCategory classifies why the step context ended: a lost lease fails the
// step, anything else cancels it. Persistence causes are returned as-is for
// the caller to abort the run.
func stopCategory(ctx context.Context) (model.ErrorCategory, error) {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrLeaseLost) {
		return model.CategoryLeaseContention, cause
	}
	return model.CategoryCancelled, cause
}

// validateOutput checks an agent result against the step's output schema.
func validateOutput(schema *jsonschema.Schema, out json.RawMessage) error {
	var v any
	if err := json.Unmarshal(out, &v); err != nil {
		return fmt.Errorf("output is not valid JSON: %w", err)
	}
	result := schema.Validate(v)
	if !result.IsValid() {
		return fmt.Errorf("output does not match schema: %s", result.Error())
	}
	return nil
}

func notify(req StepRequest, status model.StepStatus, attempt int) {
	if req.OnStatus != nil {
		req.OnStatus(status, attempt)
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// holdLeases acquires every mutated path, waiting on Busy up to the
// configured budget. On success it returns a step context and a release func
// that also stops the renewal loop. The step context is cancelled with
// ErrLeaseLost if a renewal is refused, or with a persistence error if the
// lease backend fails. A nil release with a nil error means the step ended
// without running (res holds the outcome).
func (e *Executor) holdLeases(ctx context.Context, req StepRequest) (context.Context, func(), StepResult, error) {
	s := req.Step
	holder := Holder(req.TraceID, s.ID)
	paths := lease.SortedPaths(s.Mutates)
	detached := context.WithoutCancel(ctx)

	if e.leases == nil {
		return nil, nil, StepResult{Status: model.StepFailed, Err: &StepError{
			StepID: s.ID, Category: model.CategoryLeaseContention, Err: errors.New("no lease manager configured"),
		}}, nil
	}

	for wait := 0; ; wait++ {
		res, err := e.leases.AcquireAll(ctx, paths, holder, e.cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, cancelledResult(ctx, s.ID), nil
			}
			return nil, nil, StepResult{Status: model.StepFailed}, fmt.Errorf("%w: %w", journal.ErrPersistence, err)
		}
		if res.Granted {
			for _, p := range paths {
				if _, err := e.journal.Append(detached, req.TraceID, ActorExecutor, model.KindLeaseAcquired, model.LeasePayload{
					StepID: s.ID, Path: p, Holder: holder, ExpiresAt: e.leases.Now().Add(e.cfg.LeaseTTL),
				}); err != nil {
					e.leases.ReleaseAll(detached, paths, holder)
					return nil, nil, StepResult{Status: model.StepFailed}, err
				}
			}
			stepCtx, cancel := context.WithCancelCause(ctx)
			stop := e.renewLeases(stepCtx, cancel, paths, holder)
			return stepCtx, func() {
				stop()
				cancel(nil)
				e.leases.ReleaseAll(detached, paths, holder)
				for _, p := range paths {
					if _, err := e.journal.Append(detached, req.TraceID, ActorExecutor, model.KindLeaseReleased, model.LeasePayload{
						StepID: s.ID, Path: p, Holder: holder,
					}); err != nil {
						e.logger.Warn("journal lease release failed", "trace_id", req.TraceID, "path", p, "error", err)
					}
				}
			}, StepResult{}, nil
		}

		if _, err := e.journal.Append(detached, req.TraceID, ActorExecutor, model.KindLeaseBusy, model.LeasePayload{
			StepID: s.ID, Path: res.Lease.FilePath, Holder: res.Lease.Holder, ExpiresAt: res.Lease.ExpiresAt,
		}); err != nil {
			return nil, nil, StepResult{Status: model.StepFailed}, err
		}
		if wait >= e.cfg.LeaseMaxWaits {
			return nil, nil, StepResult{Status: model.StepFailed, Err: &StepError{
				StepID:   s.ID,
				Category: model.CategoryLeaseContention,
				Err:      fmt.Errorf("%w: %s held by %s after %d waits", ErrLeaseContention, res.Lease.FilePath, res.Lease.Holder, wait),
			}}, nil
		}
		e.logger.Debug("lease busy, waiting", "trace_id", req.TraceID, "step_id", s.ID, "path", res.Lease.FilePath, "wait", wait+1)
		if err := sleepCtx(ctx, e.cfg.LeaseWaitDelay); err != nil {
			return nil, nil, cancelledResult(ctx, s.ID), nil
		}
	}
}

// renewLeases re-acquires the held paths every half TTL until stopped. A
// refused renewal or a backend error cancels the step context.
func (e *Executor) renewLeases(ctx context.Context, cancel context.CancelCauseFunc, paths []string, holder string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(e.cfg.LeaseTTL / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				for _, p := range paths {
					res, err := e.leases.Acquire(ctx, p, holder, e.cfg.LeaseTTL)
					switch {
					case err != nil && ctx.Err() != nil:
						return
					case err != nil:
						e.logger.Error("lease renewal failed", "path", p, "holder", holder, "error", err)
						cancel(fmt.Errorf("%w: renew lease on %s: %w", journal.ErrPersistence, p, err))
						return
					case !res.Granted:
						e.logger.Warn("lease lost", "path", p, "holder", holder, "new_holder", res.Lease.Holder)
						cancel(fmt.Errorf("%w: %s now held by %s", ErrLeaseLost, p, res.Lease.Holder))
						return
					}
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

func cancelledResult(ctx context.Context, stepID string) StepResult {
	return StepResult{Status: model.StepCancelled, Err: &StepError{
		StepID: stepID, Category: model.CategoryCancelled, Err: context.Cause(ctx),
	}}
}

// ResolveInput builds a step's input from its InputSpec. upstream must hold
// the states of every step the input reads.
func ResolveInput(g *flow.Graph, s model.Step, payload json.RawMessage, upstream map[string]model.StepState) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	var values []transform.Value
	switch s.Input.EffectiveSource() {
	case model.InputSourceRequest:
		values = []transform.Value{{Name: "request", Data: payload}}
	case model.InputSourceStep:
		st, ok := upstream[s.Input.StepID]
		if !ok || st.Status != model.StepSucceeded {
			return nil, fmt.Errorf("upstream step %q has not succeeded", s.Input.StepID)
		}
		values = []transform.Value{{Name: s.Input.StepID, Data: st.Result}}
	case model.InputSourceAggregate:
		for _, id := range flow.AggregateSources(s) {
			st, ok := upstream[id]
			if !ok || st.Status != model.StepSucceeded {
				return nil, fmt.Errorf("%w: %q", ErrAggregation, id)
			}
			values = append(values, transform.Value{Name: id, Data: st.Result})
		}
	default:
		return nil, fmt.Errorf("unknown input source %q", s.Input.Source)
	}
	return transform.Apply(g.Transform(s.ID), transform.Input{Values: values, Path: s.Input.Path})
}

func spanEnd(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
