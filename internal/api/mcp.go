package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lifelog-app/lifelog/internal/entries"
	"github.com/lifelog-app/lifelog/internal/localdb"
	"github.com/lifelog-app/lifelog/internal/schema"
	"github.com/lifelog-app/lifelog/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	DB     *localdb.DB
	Locale string
}

// NewMCPServer creates an MCP server with the lifelog tools and resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"lifelog",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("lifelog: a personal log of notes and tasks. Entries are enriched in the background with tags, effort and mood."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("add_entry",
			mcp.WithDescription("Record a new lifelog entry. Enrichment runs in the background."),
			mcp.WithString("text", mcp.Description("The entry text"), mcp.Required()),
		),
		mcpAddEntry(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_entries",
			mcp.WithDescription("List the most recent entries, newest first, with their enrichment state."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 10)")),
		),
		mcpRecentEntries(deps),
	)

	s.AddTool(
		mcp.NewTool("entry_context",
			mcp.WithDescription("Show the earlier entries an entry was captured after, with display dates."),
			mcp.WithString("id", mcp.Description("Entry id"), mcp.Required()),
			mcp.WithString("locale", mcp.Description("Date locale such as en or de (default from config)")),
		),
		mcpEntryContext(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"lifelog://recent",
			"Recent Entries",
			mcp.WithResourceDescription("Last 10 entries (text truncated)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

type entrySummary struct {
	ID         string   `json:"id"`
	CreatedAt  string   `json:"created_at"`
	Text       string   `json:"text"`
	Enrichment string   `json:"enrichment"`
	Tags       []string `json:"tags,omitempty"`
}

func summarize(list []schema.Entry) []entrySummary {
	out := make([]entrySummary, len(list))
	for i, e := range list {
		text := e.Text()
		if utf8.RuneCountInString(text) > 200 {
			runes := []rune(text)
			text = string(runes[:200]) + "..."
		}
		out[i] = entrySummary{
			ID:         e.ID,
			CreatedAt:  time.UnixMilli(e.CreatedAt).UTC().Format(time.RFC3339),
			Text:       text,
			Enrichment: string(e.AsyncControl.EnrichmentStatus),
			Tags:       e.TagsFlat,
		}
	}
	return out
}

func mcpAddEntry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		e, err := deps.DB.Entries.AddEntry(ctx, entries.Input{Text: text})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add entry: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored entry %s (context: %d earlier entries)", e.ID, len(e.GivenContext))), nil
	}
}

func mcpRecentEntries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		list, err := deps.DB.Entries.ListRecent(ctx, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing entries failed: %v", err)), nil
		}

		b, err := json.Marshal(summarize(list))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpEntryContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		locale := req.GetString("locale", deps.Locale)

		e, err := deps.DB.Entries.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("entry %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading entry failed: %v", err)), nil
		}

		items, err := deps.DB.Entries.ConvertIDsToContent(ctx, e.GivenContext, entries.ConvertOptions{
			RelativeDate: true,
			Locale:       locale,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("can't process this entry's context: %v", err)), nil
		}

		b, err := json.Marshal(ContextResponse{EntryID: id, Items: items})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal context: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.DB.Entries.ListRecent(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent entries: %w", err)
		}

		b, err := json.Marshal(summarize(list))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entries: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
