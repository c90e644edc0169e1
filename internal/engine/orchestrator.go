// Package engine executes validated flows. The Executor runs one step under
// its retry, timeout and lease policy; the Orchestrator schedules the steps
// of a run over a bounded worker pool, propagates failures, and assembles
// the declared output. Every state change is journaled before it is acted
// on, which is what startup recovery relies on.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/michi/internal/flow"
	"github.com/ashita-ai/michi/internal/journal"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/telemetry"
)

// ActorOrchestrator is the journal actor for run-level records.
const ActorOrchestrator = "orchestrator"

// defaultRecent bounds how many finished results are kept in memory.
const defaultRecent = 256

// Archiver stores the results of finished runs.
type Archiver interface {
	Archive(ctx context.Context, res model.RunResult) error
}

// Orchestrator drives runs to completion. It is safe for concurrent use and
// runs any number of flows at once, each in its own goroutine.
type Orchestrator struct {
	exec     *Executor
	journal  *journal.Journal
	logger   *slog.Logger
	archiver Archiver
	now      func() time.Time
	newID    func() string
	recentN  int

	mu          sync.Mutex
	active      map[string]*run
	recent      map[string]model.RunResult
	recentOrder []string
	background  sync.WaitGroup

	tracer       trace.Tracer
	runCounter   metric.Int64Counter
	stepCounter  metric.Int64Counter
	runDurations metric.Float64Histogram
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithArchiver archives every finished run.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithClock overrides the clock used for run and step timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTraceIDs overrides trace id generation.
func WithTraceIDs(next func() string) Option {
	return func(o *Orchestrator) { o.newID = next }
}

// WithRecentLimit sets how many finished results stay queryable in memory.
func WithRecentLimit(n int) Option {
	return func(o *Orchestrator) { o.recentN = n }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(exec *Executor, j *journal.Journal, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		exec:    exec,
		journal: j,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
		recentN: defaultRecent,
		active:  map[string]*run{},
		recent:  map[string]model.RunResult{},
		tracer:  telemetry.Tracer("michi/engine"),
	}
	for _, opt := range opts {
		opt(o)
	}
	meter := telemetry.Meter("michi/engine")
	o.runCounter, _ = meter.Int64Counter("michi.runs",
		metric.WithDescription("Finished runs by status"))
	o.stepCounter, _ = meter.Int64Counter("michi.steps",
		metric.WithDescription("Terminal step outcomes by status"))
	o.runDurations, _ = meter.Float64Histogram("michi.run.duration",
		metric.WithDescription("Run wall time"), metric.WithUnit("s"))
	_, _ = meter.Int64ObservableGauge("michi.runs.active",
		metric.WithDescription("Runs currently executing"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(o.ActiveCount()))
			return nil
		}),
	)
	return o
}

// Run executes g synchronously under a new trace id. The returned error is
// non-nil only for persistence failures; step failures are reported in the
// result.
func (o *Orchestrator) Run(ctx context.Context, g *flow.Graph, payload json.RawMessage) (model.RunResult, error) {
	r, err := o.begin(ctx, o.newID(), g, payload, true)
	if err != nil {
		return model.RunResult{}, err
	}
	return o.drive(r, nil)
}

// Submit records the start of a run and executes it in the background. The
// run is detached from ctx's cancellation; use Cancel to stop it.
func (o *Orchestrator) Submit(ctx context.Context, g *flow.Graph, payload json.RawMessage) (string, error) {
	r, err := o.begin(context.WithoutCancel(ctx), o.newID(), g, payload, true)
	if err != nil {
		return "", err
	}
	o.goDrive(r, nil)
	return r.traceID, nil
}

func (o *Orchestrator) goDrive(r *run, seed []model.StepState) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		if _, err := o.drive(r, seed); err != nil {
			o.logger.Error("run aborted", "trace_id", r.traceID, "error", err)
		}
	}()
}

// Wait blocks until the run finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, traceID string) (model.RunResult, error) {
	o.mu.Lock()
	r, ok := o.active[traceID]
	res, finished := o.recent[traceID]
	o.mu.Unlock()
	if finished {
		return res, nil
	}
	if !ok {
		return model.RunResult{}, fmt.Errorf("%w: %s", ErrUnknownRun, traceID)
	}
	select {
	case <-r.done:
		return r.finalResult(), nil
	case <-ctx.Done():
		return model.RunResult{}, ctx.Err()
	}
}

// Cancel stops an active run. Its final status is Cancelled.
func (o *Orchestrator) Cancel(traceID string) error {
	o.mu.Lock()
	r, ok := o.active[traceID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, traceID)
	}
	r.cancel(ErrCancelled)
	return nil
}

// Snapshot returns the live state of an active run, or the final state of a
// recently finished one.
func (o *Orchestrator) Snapshot(traceID string) (model.ExecutionRun, bool) {
	o.mu.Lock()
	r, ok := o.active[traceID]
	res, finished := o.recent[traceID]
	o.mu.Unlock()
	if ok {
		return r.snapshot(), true
	}
	if finished {
		return model.ExecutionRun{
			TraceID:   res.TraceID,
			FlowID:    res.FlowID,
			Status:    res.Status,
			StartedAt: res.StartedAt,
			Steps:     res.Steps,
		}, true
	}
	return model.ExecutionRun{}, false
}

// Result returns the result of a recently finished run.
func (o *Orchestrator) Result(traceID string) (model.RunResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	res, ok := o.recent[traceID]
	return res, ok
}

// Active returns snapshots of every running run, oldest first.
func (o *Orchestrator) Active() []model.ExecutionRun {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.active))
	for _, r := range o.active {
		runs = append(runs, r)
	}
	o.mu.Unlock()
	out := make([]model.ExecutionRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of running runs.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown waits for background runs to finish. When ctx expires first, the
// remaining runs are cancelled and awaited.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	o.mu.Lock()
	for _, r := range o.active {
		r.cancel(ErrCancelled)
	}
	o.mu.Unlock()
	<-done
}

// begin registers a run and, when record is set, journals run.started.
func (o *Orchestrator) begin(parent context.Context, traceID string, g *flow.Graph, payload json.RawMessage, record bool) (*run, error) {
	r := newRun(traceID, g, payload, o.now())
	if record {
		if _, err := o.journal.Append(parent, traceID, ActorOrchestrator, model.KindRunStarted, model.RunStartedPayload{
			Flow:  g.Definition(),
			Input: payload,
		}); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancelCause(parent)
	r.ctx, r.cancel = ctx, cancel

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.active[traceID]; exists {
		cancel(nil)
		return nil, fmt.Errorf("engine: run %s is already active", traceID)
	}
	o.active[traceID] = r
	return r, nil
}

// drive schedules every step of r to a terminal state and finishes the run.
func (o *Orchestrator) drive(r *run, seed []model.StepState) (model.RunResult, error) {
	settings := r.graph.Settings()
	ctx, span := o.tracer.Start(r.ctx, "michi.run", trace.WithAttributes(
		attribute.String("michi.trace_id", r.traceID),
		attribute.String("michi.flow_id", r.graph.ID()),
	))
	defer r.cancel(nil)

	if settings.OverallTimeoutMs > 0 {
		timer := time.AfterFunc(time.Duration(settings.OverallTimeoutMs)*time.Millisecond, func() {
			r.cancel(errOverallTimeout)
		})
		defer timer.Stop()
	}

	s := &scheduler{
		o:           o,
		r:           r,
		ctx:         ctx,
		limit:       settings.Parallelism(),
		failFast:    settings.FailFast,
		completions: make(chan completion, r.graph.Len()),
		log:         o.logger.With("trace_id", r.traceID, "flow_id", r.graph.ID()),
	}
	s.log.Info("run started", "steps", r.graph.Len(), "max_parallelism", s.limit)
	for _, st := range seed {
		r.restore(st)
	}
	s.loop()

	res := s.finish()
	spanEnd(span, s.abortErr)
	o.finish(r, res)

	if s.abortErr != nil {
		return res, s.abortErr
	}
	return res, nil
}

// finish publishes the result and archives it.
func (o *Orchestrator) finish(r *run, res model.RunResult) {
	r.mu.Lock()
	r.status = res.Status
	r.result = res
	r.mu.Unlock()

	o.mu.Lock()
	delete(o.active, r.traceID)
	o.recent[r.traceID] = res
	o.recentOrder = append(o.recentOrder, r.traceID)
	for len(o.recentOrder) > o.recentN && o.recentN > 0 {
		delete(o.recent, o.recentOrder[0])
		o.recentOrder = o.recentOrder[1:]
	}
	o.mu.Unlock()
	close(r.done)

	ctx := context.WithoutCancel(r.ctx)
	o.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))
	o.runDurations.Record(ctx, res.EndedAt.Sub(res.StartedAt).Seconds())
	if o.archiver != nil {
		if err := o.archiver.Archive(ctx, res); err != nil {
			o.logger.Warn("archive run failed", "trace_id", r.traceID, "error", err)
		}
	}
}

func (r *run) finalResult() model.RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

type completion struct {
	stepID string
	res    StepResult
	err    error
}

// scheduler is the per-run event loop. All of its fields are owned by the
// loop goroutine.
type scheduler struct {
	o           *Orchestrator
	r           *run
	ctx         context.Context
	limit       int
	failFast    bool
	completions chan completion
	log         *slog.Logger

	group     errgroup.Group
	running   int
	stopping  bool
	stopCause error
	abortErr  error
	failedBy  string
}

func (s *scheduler) loop() {
	s.group.SetLimit(s.limit)
	s.promote(s.r.graph.Steps())

	done := s.ctx.Done()
	for {
		if !s.stopping && s.ctx.Err() != nil {
			s.stop(context.Cause(s.ctx))
			done = nil
		}
		if !s.stopping {
			s.dispatchReady()
		}
		if s.running == 0 {
			break
		}
		select {
		case c := <-s.completions:
			s.running--
			s.complete(c)
		case <-done:
			s.stop(context.Cause(s.ctx))
			done = nil
		}
	}
	_ = s.group.Wait()

	if !s.stopping && s.ctx.Err() != nil && s.anyCancelled() {
		s.stop(context.Cause(s.ctx))
	}
	// Anything still unfinished can only be waiting on a stopped run.
	for _, st := range s.r.graph.Steps() {
		if !s.r.stepStatus(st.ID).IsTerminal() {
			s.cancelStep(st.ID)
		}
	}
}

// dispatchReady starts Ready steps in declaration order while slots are free.
func (s *scheduler) dispatchReady() {
	for _, st := range s.r.graph.Steps() {
		if s.running >= s.limit || s.stopping {
			return
		}
		if s.r.stepStatus(st.ID) != model.StepReady {
			continue
		}
		s.dispatch(st)
	}
}

func (s *scheduler) dispatch(st model.Step) {
	if !s.record(model.KindStepStarted, model.StepStartedPayload{StepID: st.ID, Agent: st.Agent}) {
		return
	}
	s.r.transition(st.ID, model.StepRunning, s.o.now(), nil)
	req := StepRequest{
		TraceID:  s.r.traceID,
		Graph:    s.r.graph,
		Step:     st,
		Payload:  s.r.payload,
		Upstream: s.r.upstream(st),
		OnStatus: func(status model.StepStatus, attempt int) {
			s.r.report(st.ID, status, attempt)
		},
	}
	s.running++
	s.log.Debug("step dispatched", "step_id", st.ID, "running", s.running)
	s.group.Go(func() error {
		res, err := s.o.exec.Execute(s.ctx, req)
		s.completions <- completion{stepID: st.ID, res: res, err: err}
		return nil
	})
}

func (s *scheduler) complete(c completion) {
	now := s.o.now()
	if c.err != nil {
		s.r.transition(c.stepID, model.StepFailed, now, func(st *model.StepState) {
			st.Attempts = c.res.Attempts
			st.LastError = c.err.Error()
			st.ErrorCategory = model.CategoryPersistence
		})
		s.abort(c.err)
		return
	}

	res := c.res
	payload := model.StepTerminalPayload{StepID: c.stepID, Status: res.Status, Attempts: res.Attempts}
	var se *StepError
	if errors.As(res.Err, &se) {
		payload.Error = se.Err.Error()
		payload.Category = se.Category
	}
	if res.Status == model.StepSucceeded {
		payload.Result = res.Output
	}
	s.record(model.StepTerminalKind(res.Status), payload)

	s.r.transition(c.stepID, res.Status, now, func(st *model.StepState) {
		st.Attempts = res.Attempts
		st.LastError = payload.Error
		st.ErrorCategory = payload.Category
		if res.Status == model.StepSucceeded {
			st.Result = res.Output
		}
	})
	s.o.stepCounter.Add(s.ctx, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))
	s.log.Info("step finished", "step_id", c.stepID, "status", res.Status, "attempts", res.Attempts, "category", payload.Category)

	if res.Status == model.StepSucceeded {
		s.promote(s.stepsByID(s.r.graph.Dependents(c.stepID)))
		return
	}
	s.skipDependents(c.stepID)
	if res.Status == model.StepFailed && s.failFast {
		s.failedBy = c.stepID
		s.stop(errFailFast)
	}
}

// promote moves Pending steps whose dependencies all succeeded to Ready.
func (s *scheduler) promote(steps []model.Step) {
	for _, st := range steps {
		if s.r.stepStatus(st.ID) != model.StepPending {
			continue
		}
		if ok, _ := s.r.depsState(st); ok {
			s.r.transition(st.ID, model.StepReady, s.o.now(), nil)
		}
	}
}

// skipDependents skips every not-yet-started step downstream of id.
func (s *scheduler) skipDependents(id string) {
	for _, dep := range s.r.graph.TransitiveDependents(id) {
		status := s.r.stepStatus(dep)
		if status != model.StepPending && status != model.StepReady {
			continue
		}
		msg := fmt.Sprintf("dependency %q did not succeed", id)
		s.record(model.KindStepSkipped, model.StepTerminalPayload{
			StepID: dep, Status: model.StepSkipped, Error: msg, Category: model.CategoryDependency,
		})
		s.r.transition(dep, model.StepSkipped, s.o.now(), func(st *model.StepState) {
			st.LastError = msg
			st.ErrorCategory = model.CategoryDependency
		})
	}
}

// stop cancels the run context and every step that has not started.
// In-flight steps observe the cancellation and report Cancelled.
func (s *scheduler) stop(cause error) {
	if s.stopping {
		return
	}
	s.stopping = true
	s.stopCause = cause
	s.r.cancel(cause)
	s.log.Warn("run stopping", "cause", cause)
	for _, st := range s.r.graph.Steps() {
		status := s.r.stepStatus(st.ID)
		if status == model.StepPending || status == model.StepReady {
			s.cancelStep(st.ID)
		}
	}
}

func (s *scheduler) cancelStep(id string) {
	msg := "run stopped before the step started"
	if s.stopCause != nil {
		msg = fmt.Sprintf("run stopped before the step started: %v", s.stopCause)
	}
	s.record(model.KindStepCancelled, model.StepTerminalPayload{
		StepID: id, Status: model.StepCancelled, Error: msg, Category: model.CategoryCancelled,
	})
	s.r.transition(id, model.StepCancelled, s.o.now(), func(st *model.StepState) {
		st.LastError = msg
		st.ErrorCategory = model.CategoryCancelled
	})
}

// record journals a run-level record. After a persistence failure nothing
// more is written and record reports false.
func (s *scheduler) record(kind model.ActivityKind, payload any) bool {
	if s.abortErr != nil {
		return false
	}
	if _, err := s.o.journal.Append(context.WithoutCancel(s.ctx), s.r.traceID, ActorOrchestrator, kind, payload); err != nil {
		s.abort(err)
		return false
	}
	return true
}

func (s *scheduler) abort(err error) {
	if s.abortErr != nil {
		return
	}
	s.abortErr = err
	s.log.Error("persistence failure, aborting run", "error", err)
	s.stop(err)
}

func (s *scheduler) anyCancelled() bool {
	for _, st := range s.r.graph.Steps() {
		if s.r.stepStatus(st.ID) == model.StepCancelled {
			return true
		}
	}
	return false
}

func (s *scheduler) stepsByID(ids []string) []model.Step {
	out := make([]model.Step, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.r.graph.Step(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// finish computes the final status and output and writes the closing record.
func (s *scheduler) finish() model.RunResult {
	r := s.r
	res := model.RunResult{
		TraceID:   r.traceID,
		FlowID:    r.graph.ID(),
		Steps:     r.steps(),
		StartedAt: r.startedAt,
	}
	res.Status, res.Error = s.finalStatus(res.Steps)
	var outErr error
	res.Output, res.OutputIncomplete, outErr = AssembleOutput(r.graph, res.Steps)
	if outErr != nil {
		s.log.Warn("run output unavailable", "error", outErr)
		if res.Error == "" {
			res.Error = outErr.Error()
		} else {
			res.Error += "; " + outErr.Error()
		}
	}
	res.EndedAt = s.o.now()

	detached := context.WithoutCancel(s.ctx)
	if s.abortErr == nil {
		if _, err := s.o.journal.Append(detached, r.traceID, ActorOrchestrator, model.KindRunFinished, model.RunFinishedPayload{
			Status: res.Status,
			Error:  res.Error,
		}); err != nil {
			s.abortErr = err
			res.Status, res.Error = model.RunFailed, err.Error()
		}
	}
	if s.abortErr != nil {
		if _, err := s.o.journal.Append(detached, r.traceID, ActorOrchestrator, model.KindRunAborted, model.RunFinishedPayload{
			Status: model.RunFailed,
			Error:  s.abortErr.Error(),
		}); err != nil {
			s.log.Error("could not journal run abort", "error", err)
		}
	}
	s.log.Info("run finished", "status", res.Status, "duration_ms", res.EndedAt.Sub(res.StartedAt).Milliseconds())
	return res
}

func (s *scheduler) finalStatus(steps []model.StepState) (model.RunStatus, string) {
	switch {
	case s.abortErr != nil:
		return model.RunFailed, s.abortErr.Error()
	case errors.Is(s.stopCause, errFailFast):
		return model.RunFailed, fmt.Sprintf("fail-fast: step %q failed", s.failedBy)
	case errors.Is(s.stopCause, errOverallTimeout):
		return model.RunFailed, fmt.Sprintf("overall timeout of %dms elapsed", s.r.graph.Settings().OverallTimeoutMs)
	case s.stopCause != nil:
		return model.RunCancelled, s.stopCause.Error()
	}

	var succeeded int
	for _, st := range steps {
		if st.Status == model.StepSucceeded {
			succeeded++
		}
	}
	switch {
	case succeeded == len(steps):
		return model.RunSucceeded, ""
	case succeeded > 0:
		return model.RunPartial, fmt.Sprintf("%d of %d steps did not succeed", len(steps)-succeeded, len(steps))
	default:
		return model.RunFailed, "no step succeeded"
	}
}
