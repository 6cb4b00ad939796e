package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/chatsync/internal/chat"
	"github.com/HendryAvila/chatsync/internal/dispatch"
	"github.com/HendryAvila/chatsync/internal/retrieval"
	"github.com/HendryAvila/chatsync/internal/syncer"
	"github.com/HendryAvila/chatsync/internal/upstream"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

type fakeDispatcher struct {
	got   []dispatch.Command
	reply any
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, cmd dispatch.Command) (any, error) {
	f.got = append(f.got, cmd)
	return f.reply, f.err
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func requireProps(t *testing.T, def mcp.Tool, required []string, optional ...string) {
	t.Helper()
	for _, p := range append(append([]string{}, required...), optional...) {
		require.Contains(t, def.InputSchema.Properties, p)
	}
	require.ElementsMatch(t, required, def.InputSchema.Required)
}

var sentAt = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// ─── search_messages ────────────────────────────────────────────────────────

func TestSearchTool_Definition(t *testing.T) {
	def := NewSearchTool(&fakeDispatcher{}).Definition()
	require.Equal(t, "search_messages", def.Name)
	requireProps(t, def, []string{"query"}, "mode", "limit", "fusion", "lexical_weight", "vector_weight", "conversation_id")
}

func TestSearchTool_MapsArguments(t *testing.T) {
	fd := &fakeDispatcher{reply: dispatch.SearchReply{Mode: "hybrid"}}
	tool := NewSearchTool(fd)

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"query":           "deploy",
		"mode":            "semantic",
		"limit":           float64(5),
		"fusion":          "weighted",
		"lexical_weight":  0.25,
		"conversation_id": "C1",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, resultText(res), "No messages found")

	require.Len(t, fd.got, 1)
	cmd := fd.got[0].(dispatch.Search)
	require.Equal(t, "deploy", cmd.Query)
	require.Equal(t, "semantic", cmd.Mode)
	require.Equal(t, 5, *cmd.Limit)
	require.Equal(t, "weighted", cmd.Fusion)
	require.Equal(t, "C1", cmd.ConversationID)
	require.InDelta(t, 0.25, cmd.Weights.Lexical, 1e-9)
	require.InDelta(t, 0.75, cmd.Weights.Vector, 1e-9)
}

func TestSearchTool_OmittedLimitAndWeights(t *testing.T) {
	fd := &fakeDispatcher{reply: dispatch.SearchReply{Mode: "hybrid"}}
	_, err := NewSearchTool(fd).Handle(context.Background(), makeReq(map[string]any{"query": "x"}))
	require.NoError(t, err)
	cmd := fd.got[0].(dispatch.Search)
	require.Nil(t, cmd.Limit)
	require.Nil(t, cmd.Weights)
}

func TestSearchTool_FormatsResults(t *testing.T) {
	fd := &fakeDispatcher{reply: dispatch.SearchReply{
		Mode: "hybrid",
		Results: []retrieval.Result{{
			Message:      chat.Message{ConversationID: "C1", ID: "m1", SenderName: "Ada", Body: "deploy   failed\non staging", SentAt: sentAt},
			LexicalScore: 1.5, VectorScore: 0.8, FusedScore: 0.0325,
		}},
	}}
	res, err := NewSearchTool(fd).Handle(context.Background(), makeReq(map[string]any{"query": "deploy"}))
	require.NoError(t, err)

	text := resultText(res)
	require.Contains(t, text, "Found 1 messages (hybrid)")
	require.Contains(t, text, "C1 | Ada | 2026-03-01T09:30:00Z")
	require.Contains(t, text, "deploy failed on staging")
	require.Contains(t, text, "lexical 1.5000")
}

func TestSearchTool_QueryErrorIsToolError(t *testing.T) {
	fd := &fakeDispatcher{err: &retrieval.QueryError{Field: "mode", Reason: "unknown mode"}}
	res, err := NewSearchTool(fd).Handle(context.Background(), makeReq(map[string]any{"query": "x", "mode": "nope"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.True(t, strings.HasPrefix(resultText(res), "invalid request"))
}

// ─── sync_status ────────────────────────────────────────────────────────────

func TestStatusTool_RendersJSON(t *testing.T) {
	fd := &fakeDispatcher{reply: dispatch.SyncStatusReply{
		Status: syncer.Status{
			Paused: true,
			Conversations: map[string]syncer.ConversationStatus{
				"C1": {ConversationID: "C1", ConsecutiveFailures: 3, Degraded: true},
			},
		},
		Embeddings: map[string]int{"done": 2},
	}}
	tool := NewStatusTool(fd)
	require.Equal(t, "sync_status", tool.Definition().Name)

	res, err := tool.Handle(context.Background(), makeReq(nil))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &got))
	require.Equal(t, true, got["paused"])
	c1 := got["conversations"].(map[string]any)["C1"].(map[string]any)
	require.Equal(t, float64(3), c1["consecutive_failures"])
	require.Equal(t, true, c1["degraded"])
	require.Equal(t, float64(2), got["embeddings"].(map[string]any)["done"])
}

// ─── conversations ──────────────────────────────────────────────────────────

func TestListConversationsTool(t *testing.T) {
	fd := &fakeDispatcher{reply: dispatch.ConversationsReply{Conversations: []chat.Conversation{
		{ID: "C1", Label: "Platform", Kind: chat.KindGroup, LastSeenAt: sentAt},
		{ID: "C2", Kind: chat.KindOneToOne, Stale: true},
	}}}
	res, err := NewListConversationsTool(fd).Handle(context.Background(), makeReq(map[string]any{"include_stale": true}))
	require.NoError(t, err)

	require.True(t, fd.got[0].(dispatch.ListConversations).IncludeStale)
	text := resultText(res)
	require.Contains(t, text, "2 conversations")
	require.Contains(t, text, "C1 | Platform | group | last message 2026-03-01T09:30:00Z")
	require.Contains(t, text, "C2 | (untitled) | one_to_one | last message never | stale")
}

func TestRecentMessagesTool(t *testing.T) {
	fd := &fakeDispatcher{reply: dispatch.MessagesReply{Messages: []chat.Message{
		{ConversationID: "C1", ID: "m2", SenderID: "u7", Body: "second", SentAt: sentAt},
	}}}
	res, err := NewRecentMessagesTool(fd).Handle(context.Background(), makeReq(map[string]any{"conversation_id": "C1"}))
	require.NoError(t, err)

	cmd := fd.got[0].(dispatch.RecentMessages)
	require.Equal(t, 20, cmd.Limit)
	require.Contains(t, resultText(res), "[C1] u7: second")
}

func TestCreateConversationTool(t *testing.T) {
	fd := &fakeDispatcher{reply: dispatch.CreateConversationReply{Conversation: chat.Conversation{ID: "chat-9"}}}
	tool := NewCreateConversationTool(fd)
	requireProps(t, tool.Definition(), []string{"user"})

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{"user": "ada@example.com"}))
	require.NoError(t, err)
	require.Contains(t, resultText(res), "chat-9")

	res, err = tool.Handle(context.Background(), makeReq(map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Len(t, fd.got, 1, "missing user never reaches the dispatcher")
}

// ─── send_message ───────────────────────────────────────────────────────────

func TestSendTool(t *testing.T) {
	fd := &fakeDispatcher{reply: dispatch.SendMessageReply{
		Message:  chat.Message{ConversationID: "C1", ID: "sent-1"},
		Recorded: true,
	}}
	tool := NewSendTool(fd)
	requireProps(t, tool.Definition(), []string{"conversation_id", "text"})

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{"conversation_id": "C1", "text": "hi"}))
	require.NoError(t, err)
	require.Equal(t, "Message sent-1 sent to C1.", resultText(res))
	require.Equal(t, dispatch.SendMessage{ConversationID: "C1", Text: "hi"}, fd.got[0])
}

func TestSendTool_Errors(t *testing.T) {
	fd := &fakeDispatcher{err: errors.Wrap(upstream.ErrAuthExpired, "401")}
	tool := NewSendTool(fd)

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{"conversation_id": "C1", "text": " "}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Empty(t, fd.got)

	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"conversation_id": "C1", "text": "hi"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, resultText(res), "credential expired")

	fd.err = errors.Wrap(upstream.ErrUnavailable, "503")
	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"conversation_id": "C1", "text": "hi"}))
	require.NoError(t, err)
	require.Contains(t, resultText(res), "upstream unavailable")
}
