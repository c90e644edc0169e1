package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/michi/internal/model"
)

const (
	uriActiveRuns = "michi://runs/active"
	uriLeases     = "michi://leases"
	uriRunPrefix  = "michi://runs/"
)

func (s *Server) registerResources() {
	// michi://runs/active: runs executing right now.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriActiveRuns,
			"Active Runs",
			mcplib.WithResourceDescription("Snapshots of the runs currently executing"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveRuns,
	)

	// michi://leases: current file leases.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriLeases,
			"File Leases",
			mcplib.WithResourceDescription("File leases and their holders"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleLeases,
	)

	// michi://runs/{trace_id}: one run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"michi://runs/{trace_id}",
			"Run",
			mcplib.WithTemplateDescription("Status, steps and output of a run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRun,
	)
}

func (s *Server) handleActiveRuns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	active := s.runs.Active()
	if active == nil {
		active = []model.ExecutionRun{}
	}
	return jsonResource(uriActiveRuns, active)
}

func (s *Server) handleLeases(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	leases, err := s.runs.Leases(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: leases: %w", err)
	}
	if leases == nil {
		leases = []model.Lease{}
	}
	return jsonResource(uriLeases, leases)
}

func (s *Server) handleRun(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	traceID := strings.TrimPrefix(uri, uriRunPrefix)
	if traceID == "" || traceID == uri || strings.Contains(traceID, "/") {
		return nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	view, err := s.runs.Get(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run %s: %w", traceID, err)
	}
	return jsonResource(uri, view)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
