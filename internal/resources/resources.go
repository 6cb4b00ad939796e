// Package resources implements the MCP resource handlers.
//
// Resources are read-only JSON views addressed by chatsync:// URIs. The
// Notifier tells connected clients when a view changed so they can re-read it.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/chatsync/internal/dispatch"
)

// Resource URIs.
const (
	URIConversations = "chatsync://conversations"
	URIIncoming      = "chatsync://messages/incoming"
	URIStatus        = "chatsync://sync/status"
)

// incomingLimit is how many recent messages the incoming view shows.
const incomingLimit = 50

// Dispatcher executes commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd dispatch.Command) (any, error)
}

// Handler serves the resource endpoints.
type Handler struct {
	d Dispatcher
}

// NewHandler creates a resource Handler.
func NewHandler(d Dispatcher) *Handler {
	return &Handler{d: d}
}

// ConversationsResource returns the definition of the conversation list.
func (h *Handler) ConversationsResource() mcp.Resource {
	return mcp.NewResource(
		URIConversations,
		"Synced Conversations",
		mcp.WithResourceDescription("Every conversation being synced, with its last activity"),
		mcp.WithMIMEType("application/json"),
	)
}

// IncomingResource returns the definition of the incoming message feed.
func (h *Handler) IncomingResource() mcp.Resource {
	return mcp.NewResource(
		URIIncoming,
		"Incoming Messages",
		mcp.WithResourceDescription("The most recently observed messages across all conversations, newest first"),
		mcp.WithMIMEType("application/json"),
	)
}

// StatusResource returns the definition of the sync status view.
func (h *Handler) StatusResource() mcp.Resource {
	return mcp.NewResource(
		URIStatus,
		"Sync Status",
		mcp.WithResourceDescription("Per-conversation cursor, failures and degradation, plus embedding progress"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleConversations serves URIConversations.
func (h *Handler) HandleConversations(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return h.read(ctx, req.Params.URI, dispatch.ListConversations{})
}

// HandleIncoming serves URIIncoming.
func (h *Handler) HandleIncoming(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return h.read(ctx, req.Params.URI, dispatch.RecentMessages{Limit: incomingLimit})
}

// HandleStatus serves URIStatus.
func (h *Handler) HandleStatus(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return h.read(ctx, req.Params.URI, dispatch.SyncStatus{})
}

func (h *Handler) read(ctx context.Context, uri string, cmd dispatch.Command) ([]mcp.ResourceContents, error) {
	out, err := h.d.Dispatch(ctx, cmd)
	if err != nil {
		return errorResource(uri, err.Error()), nil
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
