// Package tools implements the MCP tool handlers.
//
// Each tool is a struct holding a Dispatcher with:
// - Definition() returning the mcp.Tool schema
// - Handle() turning the request into a dispatch.Command and formatting the reply
//
// Failures are returned as tool errors (mcp.NewToolResultError) so the host
// can show them; a Go error is reserved for a broken transport.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pkg/errors"

	"github.com/HendryAvila/chatsync/internal/dispatch"
	"github.com/HendryAvila/chatsync/internal/embed"
	"github.com/HendryAvila/chatsync/internal/retrieval"
	"github.com/HendryAvila/chatsync/internal/upstream"
)

// Dispatcher executes commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd dispatch.Command) (any, error)
}

// intArg extracts an integer argument, returning defaultVal if the key is
// missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// optionalInt is intArg that reports absence as nil.
func optionalInt(req mcp.CallToolRequest, key string) *int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return nil
	}
	n := int(v)
	return &n
}

func optionalFloat(req mcp.CallToolRequest, key string) (float64, bool) {
	v, ok := req.GetArguments()[key].(float64)
	return v, ok
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// failure renders err as a tool error with a short classification prefix.
func failure(action string, err error) *mcp.CallToolResult {
	var prefix string
	switch {
	case retrieval.IsQueryError(err), errors.Is(err, dispatch.ErrInvalid):
		prefix = "invalid request"
	case errors.Is(err, upstream.ErrAuthExpired):
		prefix = "credential expired, refresh the token file"
	case errors.Is(err, upstream.ErrNotFound):
		prefix = "not found"
	case upstream.IsTransient(err):
		prefix = "upstream unavailable, try again later"
	case errors.Is(err, embed.ErrUnavailable):
		prefix = "embedding service unavailable"
	default:
		prefix = action + " failed"
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshaling result")
	}
	return mcp.NewToolResultText(string(data)), nil
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
