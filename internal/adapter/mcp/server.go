// Package mcp exposes the run engine over the Model Context Protocol so
// MCP-capable agents can start runs, watch progress, and settle gavel
// checkpoints. The server speaks streamable HTTP behind bearer auth.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/troupehq/troupe/internal/domain/gavel"
	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/domain/run"
	"github.com/troupehq/troupe/internal/service"
)

// EngineControl is the narrow engine surface exposed to MCP clients.
type EngineControl interface {
	StartRun(ctx context.Context, opts service.StartOptions) (*run.Run, error)
	GetRunState() *run.Run
	GetProgress() run.Progress
	GetHistory() []*run.Run
	ActiveGavel() *gavel.Request
	ApproveGavel(ctx context.Context, id, modification string) error
	RejectGavel(ctx context.Context, id string) error
}

// PipelineLister lists the stored pipeline definitions.
type PipelineLister interface {
	List(ctx context.Context) ([]pipeline.Pipeline, error)
}

// ServerConfig holds the MCP server settings.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	APIKey  string
}

// ServerDeps holds the collaborators the tools and resources read from.
type ServerDeps struct {
	Engine    EngineControl
	Pipelines PipelineLister
}

// Server wraps an MCP server and its HTTP transport.
type Server struct {
	cfg        ServerConfig
	deps       ServerDeps
	mcpServer  *mcpserver.MCPServer
	httpServer *http.Server
}

// NewServer creates an MCP server with all tools and resources registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(
			cfg.Name,
			cfg.Version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithResourceCapabilities(false, true),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start serves the MCP endpoint on the configured address. It returns once
// the listener is bound; serving continues on a background goroutine.
func (s *Server) Start() error {
	handler := mcpserver.NewStreamableHTTPServer(s.mcpServer)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp listen on %s: %w", s.cfg.Addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           AuthMiddleware(s.cfg.APIKey, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server", "error", err)
		}
	}()

	slog.Info("mcp server listening", "addr", ln.Addr().String(), "auth", s.cfg.APIKey != "")
	return nil
}

// Stop shuts the HTTP transport down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
