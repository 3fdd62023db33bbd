package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/troupehq/troupe/internal/domain/run"
	"github.com/troupehq/troupe/internal/service"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.listPipelinesTool(),
		s.getRunStateTool(),
		s.getProgressTool(),
		s.startRunTool(),
		s.getActiveGavelTool(),
		s.approveGavelTool(),
		s.rejectGavelTool(),
	)
}

func toolResultJSON(text string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(text)
}

func (s *Server) listPipelinesTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_pipelines",
		mcplib.WithDescription("List all pipeline definitions known to the run engine"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListPipelines,
	}
}

func (s *Server) getRunStateTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_run_state",
		mcplib.WithDescription("Get the full state tree of the active run"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetRunState,
	}
}

func (s *Server) getProgressTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_progress",
		mcplib.WithDescription("Get progress counters for the active run, or the most recent one when idle"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetProgress,
	}
}

func (s *Server) startRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("start_run",
		mcplib.WithDescription("Start a pipeline run; fails while another run is active"),
		mcplib.WithString("pipeline_id",
			mcplib.Required(),
			mcplib.Description("The stored pipeline definition to execute"),
		),
		mcplib.WithString("user_input",
			mcplib.Description("The user text seeding the run"),
		),
		mcplib.WithString("mode",
			mcplib.Description("Delivery mode: synthesis, compilation or injection"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleStartRun,
	}
}

func (s *Server) getActiveGavelTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_active_gavel",
		mcplib.WithDescription("Get the outstanding gavel checkpoint awaiting a decision"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetActiveGavel,
	}
}

func (s *Server) approveGavelTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("approve_gavel",
		mcplib.WithDescription("Approve the active gavel checkpoint, optionally replacing the candidate text"),
		mcplib.WithString("gavel_id",
			mcplib.Required(),
			mcplib.Description("The id of the active gavel request"),
		),
		mcplib.WithString("modifications",
			mcplib.Description("Replacement text adopted instead of the candidate"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleApproveGavel,
	}
}

func (s *Server) rejectGavelTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("reject_gavel",
		mcplib.WithDescription("Reject the active gavel checkpoint, keeping the candidate unchanged"),
		mcplib.WithString("gavel_id",
			mcplib.Required(),
			mcplib.Description("The id of the active gavel request"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleRejectGavel,
	}
}

func (s *Server) handleListPipelines(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Pipelines == nil {
		return mcplib.NewToolResultError("pipeline store not configured"), nil
	}
	defs, err := s.deps.Pipelines.List(ctx)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list pipelines", err), nil
	}
	data, err := json.Marshal(defs)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal pipelines", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetRunState(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Engine == nil {
		return mcplib.NewToolResultError("engine not configured"), nil
	}
	state := s.deps.Engine.GetRunState()
	if state == nil {
		return mcplib.NewToolResultError("no active run"), nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal run state", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetProgress(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Engine == nil {
		return mcplib.NewToolResultError("engine not configured"), nil
	}
	data, err := json.Marshal(s.deps.Engine.GetProgress())
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal progress", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleStartRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Engine == nil {
		return mcplib.NewToolResultError("engine not configured"), nil
	}
	args := req.GetArguments()
	pipelineID, ok := args["pipeline_id"].(string)
	if !ok || pipelineID == "" {
		return mcplib.NewToolResultError("pipeline_id is required"), nil
	}
	userInput, _ := args["user_input"].(string)
	mode, _ := args["mode"].(string)

	started, err := s.deps.Engine.StartRun(ctx, service.StartOptions{
		PipelineID: pipelineID,
		Mode:       run.Mode(mode),
		UserInput:  userInput,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to start run", err), nil
	}
	data, err := json.Marshal(started)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal run", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetActiveGavel(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Engine == nil {
		return mcplib.NewToolResultError("engine not configured"), nil
	}
	active := s.deps.Engine.ActiveGavel()
	if active == nil {
		return mcplib.NewToolResultError("no active gavel request"), nil
	}
	data, err := json.Marshal(active)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal gavel request", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleApproveGavel(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Engine == nil {
		return mcplib.NewToolResultError("engine not configured"), nil
	}
	args := req.GetArguments()
	gavelID, ok := args["gavel_id"].(string)
	if !ok || gavelID == "" {
		return mcplib.NewToolResultError("gavel_id is required"), nil
	}
	modifications, _ := args["modifications"].(string)

	if err := s.deps.Engine.ApproveGavel(ctx, gavelID, modifications); err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to approve gavel", err), nil
	}
	return toolResultJSON(`{"status":"approved"}`), nil
}

func (s *Server) handleRejectGavel(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Engine == nil {
		return mcplib.NewToolResultError("engine not configured"), nil
	}
	args := req.GetArguments()
	gavelID, ok := args["gavel_id"].(string)
	if !ok || gavelID == "" {
		return mcplib.NewToolResultError("gavel_id is required"), nil
	}

	if err := s.deps.Engine.RejectGavel(ctx, gavelID); err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to reject gavel", err), nil
	}
	return toolResultJSON(`{"status":"rejected"}`), nil
}
