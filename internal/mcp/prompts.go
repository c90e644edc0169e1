package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const flowFormat = `## Flow format (YAML or JSON)

id: string, required
settings:
  maxParallelism: steps running at once (default 4)
  failFast: cancel everything when a step fails
  overallTimeoutMs: whole-run deadline
steps: list, each with
  id, agent: required
  dependsOn: step ids that must finish first
  input:
    source: request (default) | step | aggregate
    stepId: for source=step
    from: for source=aggregate, defaults to dependsOn
    transform: passthrough (default) | merge | extract | concat
    path: for extract, a gjson path such as files.0
  mutates: file paths this step writes; steps sharing a path never overlap
  timeoutMs: per-attempt deadline
  retry: {maxAttempts, backoffMs}
  outputSchema: JSON Schema the agent result must satisfy
output:
  from: step id or list (defaults to the steps nothing depends on)
  format: json (default) | merge | text`

func (s *Server) registerPrompts() {
	// author-flow: guides the agent through writing and validating a flow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("author-flow",
			mcplib.WithPromptDescription("Write a flow for a goal, validate it, then run it"),
			mcplib.WithArgument("goal",
				mcplib.ArgumentDescription("What the flow should accomplish"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAuthorFlowPrompt,
	)

	// diagnose-run: walks through a failed or partial run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("diagnose-run",
			mcplib.WithPromptDescription("Explain why a run failed or only partially succeeded"),
			mcplib.WithArgument("trace_id",
				mcplib.ArgumentDescription("The run's trace_id"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleDiagnoseRunPrompt,
	)

	// agent-setup: system prompt snippet explaining how to use Michi.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining Michi flows and tools"),
		),
		s.handleAgentSetupPrompt,
	)
}

func userPrompt(description, text string) *mcplib.GetPromptResult {
	return &mcplib.GetPromptResult{
		Description: description,
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: text},
			},
		},
	}
}

func (s *Server) handleAuthorFlowPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	goal := request.Params.Arguments["goal"]
	if goal == "" {
		return nil, fmt.Errorf("goal argument is required")
	}
	return userPrompt("Author a flow", fmt.Sprintf(`Write a Michi flow that accomplishes: %s

1. CALL michi_list_agents to see which agents exist. Only use those ids.
2. WRITE the flow. Split the work into steps that can run in parallel where
   they do not depend on each other. Declare mutates for every file a step
   writes.
3. CALL michi_validate_flow and fix every reported error.
4. CALL michi_run_flow with wait=true once the flow is valid.

%s`, goal, flowFormat)), nil
}

func (s *Server) handleDiagnoseRunPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	traceID := request.Params.Arguments["trace_id"]
	if traceID == "" {
		return nil, fmt.Errorf("trace_id argument is required")
	}
	return userPrompt("Diagnose run "+traceID, fmt.Sprintf(`Find out why run %[1]s did not fully succeed.

1. CALL michi_get_run with trace_id="%[1]s". Note every step that is failed,
   skipped or cancelled.
2. For each failed step, CALL michi_query_activity with trace_id="%[1]s" and
   kind="step.attempt". The error and category of each attempt say whether
   it was a timeout, an agent error, an output schema violation or a lease
   that never came free.
3. Skipped steps only ran into a failed dependency; report the root cause.
4. If lease waits are involved, CALL michi_list_leases to see the holder.

Summarise the root cause and the smallest change to the flow that fixes it.`, traceID)), nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return userPrompt("Michi workflow for AI agents", `You have access to Michi, which runs flows: graphs of steps, each handled by
an agent, with dependencies, retries, timeouts and file leases.

## Available Tools

- michi_list_agents: agent ids a flow may use
- michi_validate_flow: check a flow before running it (use FIRST)
- michi_run_flow: start a run; wait=true blocks for the result
- michi_get_run: status, output and per-step state of a run
- michi_query_activity: the run's journal, attempt by attempt
- michi_cancel_run: stop a run
- michi_list_leases: which step holds which file

`+flowFormat), nil
}
