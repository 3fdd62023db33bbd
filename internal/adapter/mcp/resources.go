package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"troupe://runs/active",
			"Active Run",
			mcplib.WithResourceDescription("State tree of the run currently executing"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveRunResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"troupe://runs/history",
			"Run History",
			mcplib.WithResourceDescription("Recently finished runs, most recent first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleHistoryResource,
	)
}

func (s *Server) handleActiveRunResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Engine == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"engine not configured"}`,
			},
		}, nil
	}
	// An idle engine reads as JSON null.
	data, err := json.Marshal(s.deps.Engine.GetRunState())
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleHistoryResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Engine == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"engine not configured"}`,
			},
		}, nil
	}
	data, err := json.Marshal(s.deps.Engine.GetHistory())
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
