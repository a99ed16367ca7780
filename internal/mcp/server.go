// Package mcp exposes read-only diagnostics over the Model Context
// Protocol (stdio) so an AI agent can inspect platform caps, tuning
// state, session history, and crash forensics without touching hardware.
package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/decktune/decktune/internal/daemon"
)

// Server wraps the MCP server instance.
type Server struct {
	mcpServer *server.MCPServer
}

// NewServer creates an MCP server with the diagnostics tools registered
// against d.
func NewServer(d *daemon.Daemon, version string) *Server {
	s := server.NewMCPServer("decktune", version, server.WithLogging())
	h := &handlers{daemon: d}
	registerTools(s, h)
	return &Server{mcpServer: s}
}

// Start runs the server in stdio mode (blocking).
func (s *Server) Start(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.mcpServer)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// registerTools adds all supported tools to the server.
func registerTools(s *server.MCPServer, h *handlers) {
	platformTool := mcp.NewTool("get_platform",
		mcp.WithDescription("Detected handheld variant (LCD/OLED/UNKNOWN) with its undervolt safety caps."),
	)
	s.AddTool(platformTool, h.handleGetPlatform)

	statusTool := mcp.NewTool("get_status",
		mcp.WithDescription("Current tuning state: applied profile, LKG record, dynamic-controller status, watchdog state."),
	)
	s.AddTool(statusTool, h.handleGetStatus)

	sessionsTool := mcp.NewTool("get_sessions",
		mcp.WithDescription("Recent gaming sessions with computed metrics (temperature, power, estimated battery savings)."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum sessions to return (default 10)"),
		),
	)
	s.AddTool(sessionsTool, h.handleGetSessions)

	crashTool := mcp.NewTool("get_crash_metrics",
		mcp.WithDescription("Crash-recovery history: what offsets crashed, what was restored, and why."),
	)
	s.AddTool(crashTool, h.handleGetCrashMetrics)

	blackboxTool := mcp.NewTool("get_blackbox",
		mcp.WithDescription("Snapshot of the in-memory blackbox ring: the most recent metric samples kept for post-mortem analysis."),
	)
	s.AddTool(blackboxTool, h.handleGetBlackbox)
}
