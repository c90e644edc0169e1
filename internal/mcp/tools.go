package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/michi/internal/auth"
	"github.com/ashita-ai/michi/internal/ctxutil"
	"github.com/ashita-ai/michi/internal/flow"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/service/runs"
)

const (
	defaultWaitSeconds = 300
	maxWaitSeconds     = 3600
)

func (s *Server) registerTools() {
	// michi_validate_flow: check a flow without running it.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_validate_flow",
			mcplib.WithDescription(`Check a flow definition without running it.

WHEN TO USE: Before michi_run_flow, and whenever you edit a flow. Every
problem is reported at once: unknown agents, duplicate step ids, missing
dependencies, cycles, bad input sources and transforms.

WHAT YOU GET BACK:
- valid: true when the flow can run
- flow_id, steps: the flow's id and step count when valid
- errors: one line per problem, prefixed with the step id`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("flow",
				mcplib.Description("The flow document as YAML or JSON text"),
				mcplib.Required(),
			),
		),
		s.handleValidateFlow,
	)

	// michi_run_flow: start a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_run_flow",
			mcplib.WithDescription(`Start a run of a flow. Requires the operator role.

The run executes in the daemon; this call returns its trace_id at once
unless wait=true, in which case it blocks until the run finishes (or
timeout_seconds passes) and returns the result.

EXAMPLE FLOW:
id: review
steps:
  - id: plan
    agent: planner
  - id: lint
    agent: linter
    dependsOn: [plan]
    input: {source: step, stepId: plan}`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("flow",
				mcplib.Description("The flow document as YAML or JSON text"),
				mcplib.Required(),
			),
			mcplib.WithString("input",
				mcplib.Description("Run input as JSON text. Steps with source=request receive it."),
			),
			mcplib.WithBoolean("wait",
				mcplib.Description("Block until the run finishes"),
				mcplib.DefaultBool(false),
			),
			mcplib.WithNumber("timeout_seconds",
				mcplib.Description("How long to wait when wait=true"),
				mcplib.Min(1),
				mcplib.Max(maxWaitSeconds),
				mcplib.DefaultNumber(defaultWaitSeconds),
			),
		),
		s.handleRunFlow,
	)

	// michi_get_run: status of one run.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_get_run",
			mcplib.WithDescription(`Get the status of a run: overall status, output and one line per step.

Set verbose=true for full step state including results and timestamps.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("trace_id",
				mcplib.Description("The trace_id returned by michi_run_flow"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("verbose",
				mcplib.Description("Return full step state"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleGetRun,
	)

	// michi_query_activity: the journal of a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_query_activity",
			mcplib.WithDescription(`Read the activity journal of a run in the order it was written.

WHEN TO USE: To find out why a step failed, how many attempts it took, or
which file lease it waited on.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("trace_id",
				mcplib.Description("The run's trace_id"),
				mcplib.Required(),
			),
			mcplib.WithString("kind",
				mcplib.Description("Only records of this kind or kind prefix, e.g. step.attempt or lease."),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Return at most this many records, newest last"),
				mcplib.Min(1),
				mcplib.Max(1000),
				mcplib.DefaultNumber(200),
			),
			mcplib.WithBoolean("verbose",
				mcplib.Description("Include lease record payloads"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleQueryActivity,
	)

	// michi_cancel_run: stop a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_cancel_run",
			mcplib.WithDescription("Cancel an active run. Running steps are interrupted and the run ends as cancelled. Requires the operator role."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("trace_id",
				mcplib.Description("The run's trace_id"),
				mcplib.Required(),
			),
		),
		s.handleCancelRun,
	)

	// michi_list_leases: who holds which file.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_list_leases",
			mcplib.WithDescription("List file leases. Holders are trace_id:step_id. Expired leases are included until the sweeper removes them."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListLeases,
	)

	// michi_list_agents: what a flow can call.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_list_agents",
			mcplib.WithDescription("List the agent ids flows may reference."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListAgents,
	)
}

func (s *Server) handleValidateFlow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	doc := request.GetString("flow", "")
	if strings.TrimSpace(doc) == "" {
		return errorResult("flow is required"), nil
	}
	return jsonResult(s.runs.Validate([]byte(doc)))
}

func (s *Server) handleRunFlow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !ctxutil.HasRole(ctx, auth.RoleOperator) {
		return errorResult("michi_run_flow requires the operator role"), nil
	}
	doc := request.GetString("flow", "")
	if strings.TrimSpace(doc) == "" {
		return errorResult("flow is required"), nil
	}
	var input json.RawMessage
	if raw := strings.TrimSpace(request.GetString("input", "")); raw != "" {
		input = json.RawMessage(raw)
	}

	resp, err := s.runs.Submit(ctx, []byte(doc), input)
	if err != nil {
		var verrs flow.ValidationErrors
		if errors.As(err, &verrs) {
			return errorResult("flow is invalid:\n" + strings.Join(verrs.Messages(), "\n")), nil
		}
		return errorResult(fmt.Sprintf("run failed to start: %v", err)), nil
	}
	if !request.GetBool("wait", false) {
		return jsonResult(resp)
	}

	secs := request.GetInt("timeout_seconds", defaultWaitSeconds)
	secs = max(1, min(secs, maxWaitSeconds))
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(secs)*time.Second)
	defer cancel()

	view, err := s.runs.Wait(waitCtx, resp.TraceID)
	if errors.Is(err, context.DeadlineExceeded) {
		return jsonResult(map[string]any{
			"trace_id": resp.TraceID,
			"flow_id":  resp.FlowID,
			"status":   model.RunRunning,
			"note":     fmt.Sprintf("still running after %ds; poll with michi_get_run", secs),
		})
	}
	if err != nil {
		return errorResult(fmt.Sprintf("wait failed: %v", err)), nil
	}
	return jsonResult(compactRun(view))
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	traceID := request.GetString("trace_id", "")
	if traceID == "" {
		return errorResult("trace_id is required"), nil
	}
	view, err := s.runs.Get(ctx, traceID)
	if err != nil {
		return runErrorResult(err), nil
	}
	if request.GetBool("verbose", false) {
		return jsonResult(view)
	}
	return jsonResult(compactRun(view))
}

func (s *Server) handleQueryActivity(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	traceID := request.GetString("trace_id", "")
	if traceID == "" {
		return errorResult("trace_id is required"), nil
	}
	recs, err := s.runs.Activity(ctx, traceID)
	if err != nil {
		return runErrorResult(err), nil
	}

	if kind := request.GetString("kind", ""); kind != "" {
		filtered := recs[:0:0]
		for _, r := range recs {
			if strings.HasPrefix(string(r.Kind), kind) {
				filtered = append(filtered, r)
			}
		}
		recs = filtered
	}
	total := len(recs)
	if limit := request.GetInt("limit", 200); limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}

	return jsonResult(map[string]any{
		"trace_id": traceID,
		"total":    total,
		"records":  compactActivity(recs, request.GetBool("verbose", false)),
	})
}

func (s *Server) handleCancelRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !ctxutil.HasRole(ctx, auth.RoleOperator) {
		return errorResult("michi_cancel_run requires the operator role"), nil
	}
	traceID := request.GetString("trace_id", "")
	if traceID == "" {
		return errorResult("trace_id is required"), nil
	}
	if err := s.runs.Cancel(traceID); err != nil {
		return runErrorResult(err), nil
	}
	return jsonResult(model.CancelRunResponse{TraceID: traceID, Cancelled: true})
}

func (s *Server) handleListLeases(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	leases, err := s.runs.Leases(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("list leases failed: %v", err)), nil
	}
	if leases == nil {
		leases = []model.Lease{}
	}
	return jsonResult(map[string]any{"leases": leases, "total": len(leases)})
}

func (s *Server) handleListAgents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(map[string]any{"agents": s.runs.Agents()})
}

func runErrorResult(err error) *mcplib.CallToolResult {
	if errors.Is(err, runs.ErrNotFound) {
		return errorResult(err.Error())
	}
	return errorResult(fmt.Sprintf("request failed: %v", err))
}
