package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/chatsync/internal/dispatch"
)

// SendTool handles the send_message MCP tool.
type SendTool struct {
	d Dispatcher
}

// NewSendTool creates a SendTool.
func NewSendTool(d Dispatcher) *SendTool {
	return &SendTool{d: d}
}

// Definition returns the MCP tool definition for send_message.
func (t *SendTool) Definition() mcp.Tool {
	return mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to a conversation. The sent message is stored and searchable right away."),
		mcp.WithString("conversation_id",
			mcp.Required(),
			mcp.Description("Target conversation"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Message body"),
		),
	)
}

// Handle processes the send_message tool call.
func (t *SendTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	convID := req.GetString("conversation_id", "")
	text := req.GetString("text", "")
	if strings.TrimSpace(convID) == "" {
		return mcp.NewToolResultError("'conversation_id' is required"), nil
	}
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("'text' is required"), nil
	}

	out, err := t.d.Dispatch(ctx, dispatch.SendMessage{ConversationID: convID, Text: text})
	if err != nil {
		return failure("send", err), nil
	}
	reply := out.(dispatch.SendMessageReply)
	msg := fmt.Sprintf("Message %s sent to %s.", reply.Message.ID, reply.Message.ConversationID)
	if !reply.Recorded {
		msg += " It will appear in search after the next sync."
	}
	return mcp.NewToolResultText(msg), nil
}
