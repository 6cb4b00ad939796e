package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/chatsync/internal/dispatch"
	"github.com/HendryAvila/chatsync/internal/retrieval"
)

// SearchTool handles the search_messages MCP tool.
type SearchTool struct {
	d Dispatcher
}

// NewSearchTool creates a SearchTool.
func NewSearchTool(d Dispatcher) *SearchTool {
	return &SearchTool{d: d}
}

// Definition returns the MCP tool definition for search_messages.
func (t *SearchTool) Definition() mcp.Tool {
	return mcp.NewTool("search_messages",
		mcp.WithDescription(
			"Search synced chat messages across all conversations. Hybrid mode combines keyword "+
				"relevance with semantic similarity and falls back to keywords when embeddings are unavailable.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search text; keywords or a natural-language question"),
		),
		mcp.WithString("mode",
			mcp.Description("hybrid (default), lexical or vector"),
			mcp.Enum("hybrid", "lexical", "vector", "bm25", "fulltext", "semantic"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default 10, 0 returns nothing)"),
		),
		mcp.WithString("fusion",
			mcp.Description("How hybrid mode merges rankings: rrf (default) or weighted"),
			mcp.Enum("rrf", "weighted"),
		),
		mcp.WithNumber("lexical_weight",
			mcp.Description("Weighted fusion: keyword weight in [0,1]; the vector weight defaults to 1 minus this"),
		),
		mcp.WithNumber("vector_weight",
			mcp.Description("Weighted fusion: semantic weight in [0,1]"),
		),
		mcp.WithString("conversation_id",
			mcp.Description("Restrict the search to one conversation"),
		),
	)
}

// Handle processes the search_messages tool call.
func (t *SearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cmd := dispatch.Search{
		Query:          req.GetString("query", ""),
		Mode:           req.GetString("mode", ""),
		Limit:          optionalInt(req, "limit"),
		Fusion:         req.GetString("fusion", ""),
		Weights:        weightsArg(req),
		ConversationID: req.GetString("conversation_id", ""),
	}

	out, err := t.d.Dispatch(ctx, cmd)
	if err != nil {
		return failure("search", err), nil
	}
	reply := out.(dispatch.SearchReply)

	if len(reply.Results) == 0 {
		return mcp.NewToolResultText("No messages found matching your query."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d messages (%s):\n\n", len(reply.Results), reply.Mode)
	for i, r := range reply.Results {
		sender := r.SenderName
		if sender == "" {
			sender = r.SenderID
		}
		fmt.Fprintf(&b, "[%d] %s | %s | %s\n    %s\n    %s\n\n",
			i+1, r.ConversationID, sender, stamp(r.SentAt),
			snippet(r.Body, 300),
			scores(reply.Mode, r),
		)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func scores(mode string, r retrieval.Result) string {
	switch retrieval.Mode(mode) {
	case retrieval.ModeLexical:
		return fmt.Sprintf("score: %.4f", r.LexicalScore)
	case retrieval.ModeVector:
		return fmt.Sprintf("score: %.4f", r.VectorScore)
	default:
		return fmt.Sprintf("score: %.4f (lexical %.4f, vector %.4f)", r.FusedScore, r.LexicalScore, r.VectorScore)
	}
}

// weightsArg builds weights when either coefficient is given; a missing
// one is the complement of the other.
func weightsArg(req mcp.CallToolRequest) *retrieval.Weights {
	lw, hasL := optionalFloat(req, "lexical_weight")
	vw, hasV := optionalFloat(req, "vector_weight")
	switch {
	case hasL && hasV:
		return &retrieval.Weights{Lexical: lw, Vector: vw}
	case hasL:
		return &retrieval.Weights{Lexical: lw, Vector: 1 - lw}
	case hasV:
		return &retrieval.Weights{Lexical: 1 - vw, Vector: vw}
	default:
		return nil
	}
}
