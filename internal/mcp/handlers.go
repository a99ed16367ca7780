package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/decktune/decktune/internal/daemon"
)

// handlers binds the tools to a live daemon.
type handlers struct {
	daemon *daemon.Daemon
}

func (h *handlers) handleGetPlatform(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	plat := h.daemon.Platform
	return jsonResult(map[string]interface{}{
		"model":          plat.Model,
		"variant":        plat.Variant,
		"safe_limit":     plat.SafeLimit,
		"absolute_limit": plat.AbsoluteLimit(),
		"detected":       plat.Detected,
	})
}

func (h *handlers) handleGetStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var cores []int
	h.daemon.Store.Get("cores", &cores)
	var status string
	h.daemon.Store.Get("status", &status)

	return jsonResult(map[string]interface{}{
		"status":           status,
		"cores":            cores,
		"lkg_cores":        h.daemon.Safety.LoadLKG(),
		"dynamic":          h.daemon.Dynamic.Status(),
		"binning_running":  h.daemon.Binning.Running(),
		"watchdog_running": h.daemon.Watchdog.Running(),
		"game_only":        h.daemon.GameOnly.Enabled(),
	})
}

func (h *handlers) handleGetSessions(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := 10
	if args := getArgs(request); args != nil {
		if v, ok := args["limit"].(float64); ok && v > 0 {
			limit = int(v)
		}
	}
	return jsonResult(h.daemon.Sessions.History(limit))
}

func (h *handlers) handleGetCrashMetrics(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(h.daemon.CrashLog.Metrics())
}

func (h *handlers) handleGetBlackbox(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(h.daemon.BlackBox.Snapshot())
}

// getArgs safely extracts the arguments map from a CallToolRequest.
func getArgs(request mcp.CallToolRequest) map[string]interface{} {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return args
}

// jsonResult marshals v into a successful text result.
func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult(fmt.Sprintf("json marshal failed: %v", err)), nil
	}
	return newTextResult(string(data)), nil
}

// newTextResult creates a successful MCP tool result with text content.
func newTextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

// errResult creates an MCP tool error result (IsError=true).
func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
	}
}
