package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/chatsync/internal/dispatch"
)

// StatusTool handles the sync_status MCP tool.
type StatusTool struct {
	d Dispatcher
}

// NewStatusTool creates a StatusTool.
func NewStatusTool(d Dispatcher) *StatusTool {
	return &StatusTool{d: d}
}

// Definition returns the MCP tool definition for sync_status.
func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("sync_status",
		mcp.WithDescription(
			"Report sync health per conversation: cursor position, last success, consecutive "+
				"failures and whether it is degraded. Also shows whether sync is paused on an expired credential.",
		),
	)
}

// Handle processes the sync_status tool call.
func (t *StatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := t.d.Dispatch(ctx, dispatch.SyncStatus{})
	if err != nil {
		return failure("status", err), nil
	}
	return jsonResult(out.(dispatch.SyncStatusReply))
}
