// Package prompts implements MCP prompts: user-triggered workflows that
// tell the assistant which chatsync tools to call and in what order.
package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// CatchUpPrompt handles the catch-up MCP prompt.
type CatchUpPrompt struct{}

// NewCatchUpPrompt creates a CatchUpPrompt.
func NewCatchUpPrompt() *CatchUpPrompt {
	return &CatchUpPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *CatchUpPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("catch-up",
		mcp.WithPromptDescription(
			"Summarize what happened in your conversations since you last looked. "+
				"Optionally limited to one conversation.",
		),
		mcp.WithArgument("conversation_id",
			mcp.ArgumentDescription("Conversation to summarize. Default: every active conversation"),
		),
	)
}

// Handle processes the catch-up prompt request.
func (p *CatchUpPrompt) Handle(_ context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	conv := strings.TrimSpace(req.Params.Arguments["conversation_id"])

	var b strings.Builder
	if conv == "" {
		b.WriteString("Please run `list_conversations`, then `recent_messages` for each conversation it returns.\n\n")
	} else {
		fmt.Fprintf(&b, "Please run `recent_messages` with conversation_id %q.\n\n", conv)
	}
	b.WriteString("Then:\n" +
		"1. Summarize each conversation in two or three sentences\n" +
		"2. List open questions addressed to me and who asked them\n" +
		"3. Call out decisions and deadlines with their dates\n" +
		"4. If `sync_status` reports degraded conversations, mention that their data may be stale")

	return &mcp.GetPromptResult{
		Description: "Conversation catch-up",
		Messages: []mcp.PromptMessage{
			{Role: mcp.RoleUser, Content: mcp.NewTextContent(b.String())},
		},
	}, nil
}

// RecallPrompt handles the recall MCP prompt.
type RecallPrompt struct{}

// NewRecallPrompt creates a RecallPrompt.
func NewRecallPrompt() *RecallPrompt {
	return &RecallPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *RecallPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("recall",
		mcp.WithPromptDescription("Find what was said about a topic across every synced conversation."),
		mcp.WithArgument("topic",
			mcp.ArgumentDescription("What to look for, in your own words"),
			mcp.RequiredArgument(),
		),
	)
}

// Handle processes the recall prompt request.
func (p *RecallPrompt) Handle(_ context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	topic := strings.TrimSpace(req.Params.Arguments["topic"])
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	text := fmt.Sprintf("Please run `search_messages` with query %q and mode \"hybrid\".\n\n", topic) +
		"If fewer than three messages come back, search again with mode \"lexical\" using the most specific " +
		"words of the topic.\n\n" +
		"Then answer from the messages only:\n" +
		"1. Quote the most relevant messages with sender and date\n" +
		"2. Say which conversation each one came from\n" +
		"3. If nothing relevant was found, say so instead of guessing"

	return &mcp.GetPromptResult{
		Description: "Recall: " + topic,
		Messages: []mcp.PromptMessage{
			{Role: mcp.RoleUser, Content: mcp.NewTextContent(text)},
		},
	}, nil
}
