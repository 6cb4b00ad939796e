package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/chatsync/internal/dispatch"
)

// ─── list_conversations ─────────────────────────────────────────────────────

// ListConversationsTool handles the list_conversations MCP tool.
type ListConversationsTool struct {
	d Dispatcher
}

// NewListConversationsTool creates a ListConversationsTool.
func NewListConversationsTool(d Dispatcher) *ListConversationsTool {
	return &ListConversationsTool{d: d}
}

// Definition returns the MCP tool definition for list_conversations.
func (t *ListConversationsTool) Definition() mcp.Tool {
	return mcp.NewTool("list_conversations",
		mcp.WithDescription("List the conversations being synced."),
		mcp.WithBoolean("include_stale",
			mcp.Description("Also list conversations no longer reported upstream (default false)"),
		),
	)
}

// Handle processes the list_conversations tool call.
func (t *ListConversationsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := t.d.Dispatch(ctx, dispatch.ListConversations{IncludeStale: boolArg(req, "include_stale", false)})
	if err != nil {
		return failure("list", err), nil
	}
	convs := out.(dispatch.ConversationsReply).Conversations
	if len(convs) == 0 {
		return mcp.NewToolResultText("No conversations synced yet."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d conversations:\n\n", len(convs))
	for _, c := range convs {
		label := c.Label
		if label == "" {
			label = "(untitled)"
		}
		fmt.Fprintf(&b, "- %s | %s | %s | last message %s", c.ID, label, c.Kind, stamp(c.LastSeenAt))
		if c.Stale {
			b.WriteString(" | stale")
		}
		b.WriteByte('\n')
	}
	return mcp.NewToolResultText(b.String()), nil
}

// ─── recent_messages ────────────────────────────────────────────────────────

// RecentMessagesTool handles the recent_messages MCP tool.
type RecentMessagesTool struct {
	d Dispatcher
}

// NewRecentMessagesTool creates a RecentMessagesTool.
func NewRecentMessagesTool(d Dispatcher) *RecentMessagesTool {
	return &RecentMessagesTool{d: d}
}

// Definition returns the MCP tool definition for recent_messages.
func (t *RecentMessagesTool) Definition() mcp.Tool {
	return mcp.NewTool("recent_messages",
		mcp.WithDescription("Show the newest stored messages, optionally for one conversation."),
		mcp.WithString("conversation_id",
			mcp.Description("Conversation to read; all conversations when omitted"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max messages (default 20)"),
		),
	)
}

// Handle processes the recent_messages tool call.
func (t *RecentMessagesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := t.d.Dispatch(ctx, dispatch.RecentMessages{
		ConversationID: req.GetString("conversation_id", ""),
		Limit:          intArg(req, "limit", 20),
	})
	if err != nil {
		return failure("read", err), nil
	}
	msgs := out.(dispatch.MessagesReply).Messages
	if len(msgs) == 0 {
		return mcp.NewToolResultText("No messages stored yet."), nil
	}

	var b strings.Builder
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		fmt.Fprintf(&b, "%s [%s] %s: %s\n", stamp(m.SentAt), m.ConversationID, sender, snippet(m.Body, 300))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// ─── create_conversation ────────────────────────────────────────────────────

// CreateConversationTool handles the create_conversation MCP tool.
type CreateConversationTool struct {
	d Dispatcher
}

// NewCreateConversationTool creates a CreateConversationTool.
func NewCreateConversationTool(d Dispatcher) *CreateConversationTool {
	return &CreateConversationTool{d: d}
}

// Definition returns the MCP tool definition for create_conversation.
func (t *CreateConversationTool) Definition() mcp.Tool {
	return mcp.NewTool("create_conversation",
		mcp.WithDescription("Open a one-to-one conversation with a user. It is synced from the next cycle on."),
		mcp.WithString("user",
			mcp.Required(),
			mcp.Description("User id or email address"),
		),
	)
}

// Handle processes the create_conversation tool call.
func (t *CreateConversationTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user := req.GetString("user", "")
	if strings.TrimSpace(user) == "" {
		return mcp.NewToolResultError("'user' is required"), nil
	}
	out, err := t.d.Dispatch(ctx, dispatch.CreateConversation{UserRef: user})
	if err != nil {
		return failure("create conversation", err), nil
	}
	conv := out.(dispatch.CreateConversationReply).Conversation
	return mcp.NewToolResultText(fmt.Sprintf("Conversation %s created with %s.", conv.ID, user)), nil
}
