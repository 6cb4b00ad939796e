package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/chatsync/internal/config"
	"github.com/HendryAvila/chatsync/internal/dispatch"
	"github.com/HendryAvila/chatsync/internal/embed"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

func testConfig(t *testing.T, overrides map[string]any) config.Config {
	t.Helper()
	v := config.New()
	v.Set("data_dir", t.TempDir())
	v.Set("demo", true)
	v.Set("embed.provider", "hash")
	v.Set("embed.dimensions", 64)
	v.Set("sync.interval", "50ms")
	v.Set("embed.sweep_interval", "50ms")
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.Decode(v)
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T, overrides map[string]any, opts ...Option) *App {
	t.Helper()
	a, err := New(testConfig(t, overrides), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// call sends one JSON-RPC request through the MCP server and returns the
// marshalled response.
func call(t *testing.T, a *App, id int, method string, params any) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	require.NoError(t, err)
	resp := a.MCP.HandleMessage(context.Background(), raw)
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	return string(out)
}

func initialize(t *testing.T, a *App) {
	t.Helper()
	call(t, a, 0, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"clientInfo":      map[string]any{"name": "test", "version": "0"},
		"capabilities":    map[string]any{},
	})
}

// ─── Wiring ─────────────────────────────────────────────────────────────────

func TestNew_DemoWiring(t *testing.T) {
	a := newTestApp(t, nil)

	require.NotNil(t, a.Store)
	require.NotNil(t, a.Upstream)
	require.NotNil(t, a.Scheduler)
	require.NotNil(t, a.Engine)
	require.IsType(t, &embed.HashEmbedder{}, a.Embedder)
	require.Equal(t, 64, a.Embedder.Dim())
	require.Nil(t, a.relay, "no redis address, no relay")
}

func TestNew_NoEmbedder(t *testing.T) {
	a := newTestApp(t, map[string]any{"embed.provider": "none"})
	require.Nil(t, a.Embedder)

	b := newTestApp(t, nil, WithEmbedder(nil))
	require.Nil(t, b.Embedder)
}

func TestNew_RejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Embed.Provider = "carrier-pigeon"
	_, err := New(cfg)
	require.Error(t, err)
}

// ─── MCP surface ────────────────────────────────────────────────────────────

func TestMCP_ListsToolsResourcesAndPrompts(t *testing.T) {
	a := newTestApp(t, nil)
	initialize(t, a)

	toolsOut := call(t, a, 1, "tools/list", map[string]any{})
	for _, name := range []string{"search_messages", "sync_status", "list_conversations", "recent_messages", "send_message", "create_conversation"} {
		require.Contains(t, toolsOut, `"`+name+`"`)
	}

	resOut := call(t, a, 2, "resources/list", map[string]any{})
	for _, uri := range []string{"chatsync://conversations", "chatsync://messages/incoming", "chatsync://sync/status"} {
		require.Contains(t, resOut, uri)
	}

	promptOut := call(t, a, 3, "prompts/list", map[string]any{})
	require.Contains(t, promptOut, `"catch-up"`)
	require.Contains(t, promptOut, `"recall"`)
}

func TestMCP_SearchAfterSync(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	require.NoError(t, a.Scheduler.RunCycle(ctx))

	n, err := a.Store.CountMessages(ctx, "")
	require.NoError(t, err)
	require.Positive(t, n)

	recent, err := a.Dispatcher.Dispatch(ctx, dispatch.RecentMessages{Limit: 1})
	require.NoError(t, err)
	word := recent.(dispatch.MessagesReply).Messages[0].Body

	initialize(t, a)
	out := call(t, a, 3, "tools/call", map[string]any{
		"name":      "search_messages",
		"arguments": map[string]any{"query": word, "mode": "lexical"},
	})
	require.Contains(t, out, "Found")
	require.NotContains(t, out, `"isError":true`)
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestRun_SyncsEmbedsAndStops(t *testing.T) {
	a := newTestApp(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, nil, nil) }()

	require.Eventually(t, func() bool {
		n, err := a.Store.CountMessages(context.Background(), "")
		return err == nil && n > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		ok, err := a.Store.HasEmbeddings(context.Background())
		return err == nil && ok
	}, 5*time.Second, 20*time.Millisecond, "hash embedder fills vectors in the background")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
