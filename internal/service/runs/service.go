// Package runs is the run-facing business logic shared by the HTTP API and
// the MCP server: flow validation, submission, status lookup, activity and
// cancellation.
package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/archive"
	"github.com/ashita-ai/michi/internal/engine"
	"github.com/ashita-ai/michi/internal/flow"
	"github.com/ashita-ai/michi/internal/integrity"
	"github.com/ashita-ai/michi/internal/journal"
	"github.com/ashita-ai/michi/internal/lease"
	"github.com/ashita-ai/michi/internal/model"
)

var (
	// ErrNotFound is returned when no run with the trace id is known.
	ErrNotFound = errors.New("runs: run not found")
	// ErrInvalidFlow wraps flow documents that do not parse. Parsed flows
	// that break the rules come back as flow.ValidationErrors instead.
	ErrInvalidFlow = errors.New("runs: invalid flow document")
	// ErrInvalidInput is returned for a run input that is not JSON.
	ErrInvalidInput = errors.New("runs: invalid input")
)

// Archive reads archived run results.
type Archive interface {
	Get(ctx context.Context, traceID string) (model.RunResult, error)
}

// Service answers run queries from the orchestrator, the archive and the
// journal, in that order.
type Service struct {
	orch    *engine.Orchestrator
	journal *journal.Journal
	leases  *lease.Manager
	agents  *agent.Registry
	archive Archive
	logger  *slog.Logger
}

// New creates a Service. arch may be nil.
func New(orch *engine.Orchestrator, j *journal.Journal, leases *lease.Manager, agents *agent.Registry, arch Archive, logger *slog.Logger) *Service {
	return &Service{orch: orch, journal: j, leases: leases, agents: agents, archive: arch, logger: logger}
}

// FlowDocument returns the flow text carried by a request field: either a
// JSON string holding YAML or JSON, or an inline JSON object.
func FlowDocument(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("flow is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("flow: %w", err)
		}
		return []byte(s), nil
	}
	return raw, nil
}

// Load parses and validates a flow against the registered agents.
func (s *Service) Load(doc []byte) (*flow.Graph, error) {
	def, err := flow.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlow, err)
	}
	return flow.Validate(def, flow.WithKnownAgents(s.agents.Has))
}

// Validate reports every problem in doc.
func (s *Service) Validate(doc []byte) model.ValidateFlowResponse {
	g, err := s.Load(doc)
	if err != nil {
		var verrs flow.ValidationErrors
		if errors.As(err, &verrs) {
			return model.ValidateFlowResponse{Errors: verrs.Messages()}
		}
		return model.ValidateFlowResponse{Errors: []string{err.Error()}}
	}
	return model.ValidateFlowResponse{Valid: true, FlowID: g.ID(), Steps: g.Len()}
}

// Submit validates doc and starts a run in the background.
func (s *Service) Submit(ctx context.Context, doc []byte, input json.RawMessage) (model.SubmitRunResponse, error) {
	g, err := s.Load(doc)
	if err != nil {
		return model.SubmitRunResponse{}, err
	}
	if len(bytes.TrimSpace(input)) > 0 && !json.Valid(input) {
		return model.SubmitRunResponse{}, fmt.Errorf("%w: not valid JSON", ErrInvalidInput)
	}
	traceID, err := s.orch.Submit(ctx, g, input)
	if err != nil {
		return model.SubmitRunResponse{}, fmt.Errorf("runs: submit: %w", err)
	}
	s.logger.Info("run submitted", "trace_id", traceID, "flow_id", g.ID())
	return model.SubmitRunResponse{TraceID: traceID, FlowID: g.ID(), Status: model.RunRunning}, nil
}

// Run validates doc and executes it to completion in the calling goroutine.
func (s *Service) Run(ctx context.Context, doc []byte, input json.RawMessage) (model.RunResult, error) {
	g, err := s.Load(doc)
	if err != nil {
		return model.RunResult{}, err
	}
	if len(bytes.TrimSpace(input)) > 0 && !json.Valid(input) {
		return model.RunResult{}, fmt.Errorf("%w: not valid JSON", ErrInvalidInput)
	}
	res, err := s.orch.Run(ctx, g, input)
	if err != nil {
		return res, fmt.Errorf("runs: run: %w", err)
	}
	return res, nil
}

// Get returns the best available view of a run.
func (s *Service) Get(ctx context.Context, traceID string) (model.RunView, error) {
	if res, ok := s.orch.Result(traceID); ok {
		return fromResult(res, "memory"), nil
	}
	if snap, ok := s.orch.Snapshot(traceID); ok {
		return model.RunView{
			TraceID:   snap.TraceID,
			FlowID:    snap.FlowID,
			Status:    snap.Status,
			Steps:     snap.Steps,
			StartedAt: snap.StartedAt,
			Source:    "live",
		}, nil
	}
	if s.archive != nil {
		res, err := s.archive.Get(ctx, traceID)
		switch {
		case err == nil:
			return fromResult(res, "archive"), nil
		case !errors.Is(err, archive.ErrNotFound):
			s.logger.Warn("archive lookup failed", "trace_id", traceID, "error", err)
		}
	}
	return s.fromJournal(ctx, traceID)
}

// Wait blocks until the run finishes or ctx ends. Runs this process is not
// driving are answered from Get.
func (s *Service) Wait(ctx context.Context, traceID string) (model.RunView, error) {
	res, err := s.orch.Wait(ctx, traceID)
	if errors.Is(err, engine.ErrUnknownRun) {
		return s.Get(ctx, traceID)
	}
	if err != nil {
		return model.RunView{}, err
	}
	return fromResult(res, "memory"), nil
}

func (s *Service) fromJournal(ctx context.Context, traceID string) (model.RunView, error) {
	recs, err := s.journal.QueryByTrace(ctx, traceID)
	if err != nil {
		return model.RunView{}, err
	}
	state, err := engine.Replay(recs)
	if errors.Is(err, engine.ErrUnknownRun) {
		return model.RunView{}, fmt.Errorf("%w: %s", ErrNotFound, traceID)
	}
	if err != nil {
		return model.RunView{}, err
	}
	view := model.RunView{
		TraceID:   state.TraceID,
		FlowID:    state.FlowID,
		Status:    state.Status,
		Steps:     state.Steps,
		StartedAt: state.StartedAt,
		Source:    "journal",
	}
	for _, r := range recs {
		if !r.Kind.IsRunTerminal() {
			continue
		}
		var p model.RunFinishedPayload
		if err := r.Decode(&p); err == nil {
			view.Error = p.Error
		}
		at := r.OccurredAt
		view.EndedAt = &at
	}
	return view, nil
}

func fromResult(res model.RunResult, source string) model.RunView {
	ended := res.EndedAt
	return model.RunView{
		TraceID:          res.TraceID,
		FlowID:           res.FlowID,
		Status:           res.Status,
		Steps:            res.Steps,
		Output:           res.Output,
		OutputIncomplete: res.OutputIncomplete,
		Error:            res.Error,
		StartedAt:        res.StartedAt,
		EndedAt:          &ended,
		Source:           source,
	}
}

// Activity returns a run's journal records in append order.
func (s *Service) Activity(ctx context.Context, traceID string) ([]model.ActivityRecord, error) {
	recs, err := s.journal.QueryByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, traceID)
	}
	return recs, nil
}

// Digest returns the Merkle digest of the run's journal.
func (s *Service) Digest(ctx context.Context, traceID string) (model.JournalDigest, error) {
	recs, err := s.Activity(ctx, traceID)
	if err != nil {
		return model.JournalDigest{}, err
	}
	final := false
	for _, rec := range recs {
		if rec.Kind.IsRunTerminal() {
			final = true
		}
	}
	return model.JournalDigest{
		TraceID: traceID,
		Records: len(recs),
		Digest:  integrity.JournalDigest(recs),
		Final:   final,
	}, nil
}

// Cancel stops an active run.
func (s *Service) Cancel(traceID string) error {
	if err := s.orch.Cancel(traceID); err != nil {
		if errors.Is(err, engine.ErrUnknownRun) {
			return fmt.Errorf("%w: %s is not active", ErrNotFound, traceID)
		}
		return err
	}
	s.logger.Info("run cancel requested", "trace_id", traceID)
	return nil
}

// Active returns snapshots of the running runs.
func (s *Service) Active() []model.ExecutionRun {
	return s.orch.Active()
}

// Leases lists the current path leases, expired ones included.
func (s *Service) Leases(ctx context.Context) ([]model.Lease, error) {
	return s.leases.List(ctx)
}

// Agents lists the registered agent ids.
func (s *Service) Agents() []string {
	return s.agents.Names()
}
