// Package mcp implements the Model Context Protocol server for Michi.
//
// The MCP server exposes the same capabilities as the HTTP API through MCP
// tools, resources and prompts, so MCP-compatible agents can validate flows,
// start runs and follow their progress.
package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/michi/internal/service/runs"
)

const instructions = `Michi runs flows: DAGs of agent steps with retries, timeouts and file leases.

Validate a flow with michi_validate_flow before running it. michi_run_flow
starts a run and returns a trace_id; pass wait=true to block for the result.
Use michi_get_run and michi_query_activity to follow a run, and
michi_list_leases to see which files are held by which steps.`

// Server wraps the MCP server with Michi's run service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runs      *runs.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(svc *runs.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		runs:   svc,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"michi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(instructions),
		mcpserver.WithRecovery(),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
