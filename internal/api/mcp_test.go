package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/lifelog-app/lifelog/internal/entries"
	"github.com/lifelog-app/lifelog/internal/localdb"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *localdb.DB) {
	t.Helper()
	db, err := localdb.Open(context.Background(), localdb.Options{DataDir: ":memory:"})
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return MCPDeps{DB: db, Locale: "en"}, db
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_AddEntry(t *testing.T) {
	deps, db := newTestMCPDeps(t)
	handler := mcpAddEntry(deps)

	result, err := handler(context.Background(), makeCallToolRequest("add_entry", map[string]interface{}{
		"text": "book dentist appointment",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.HasPrefix(toolText(t, result), "Stored entry ") {
		t.Fatalf("unexpected response: %s", toolText(t, result))
	}

	list, err := db.Entries.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("listing entries: %v", err)
	}
	if len(list) != 1 || list[0].Text() != "book dentist appointment" {
		t.Fatalf("unexpected entries: %+v", list)
	}
}

func TestMCPTool_AddEntry_MissingText(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpAddEntry(deps)(context.Background(), makeCallToolRequest("add_entry", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_RecentEntries(t *testing.T) {
	deps, db := newTestMCPDeps(t)
	ctx := context.Background()
	for _, text := range []string{"first", "second", "third"} {
		if _, err := db.Entries.AddEntry(ctx, entries.Input{Text: text}); err != nil {
			t.Fatalf("AddEntry: %v", err)
		}
	}

	result, err := mcpRecentEntries(deps)(ctx, makeCallToolRequest("recent_entries", map[string]interface{}{
		"limit": 2,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []entrySummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Text != "third" || got[1].Text != "second" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].Enrichment != "idle" {
		t.Fatalf("enrichment = %q, want idle", got[0].Enrichment)
	}
}

func TestMCPTool_EntryContext(t *testing.T) {
	deps, db := newTestMCPDeps(t)
	ctx := context.Background()

	first, err := db.Entries.AddEntry(ctx, entries.Input{Text: "earlier"})
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	second, err := db.Entries.AddEntry(ctx, entries.Input{Text: "later"})
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	result, err := mcpEntryContext(deps)(ctx, makeCallToolRequest("entry_context", map[string]interface{}{
		"id": second.ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var got ContextResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].ID != first.ID || got.Items[0].Text != "earlier" {
		t.Fatalf("unexpected context: %+v", got)
	}
}

func TestMCPTool_EntryContext_NotFound(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpEntryContext(deps)(context.Background(), makeCallToolRequest("entry_context", map[string]interface{}{
		"id": "nope",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Fatalf("expected not found error, got %s", toolText(t, result))
	}
}

func TestMCPTool_EntryContext_StillProcessing(t *testing.T) {
	deps, db := newTestMCPDeps(t)
	ctx := context.Background()

	if _, err := db.Entries.AddEntry(ctx, entries.Input{AudioAttachmentID: "att-9"}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	e, err := db.Entries.AddEntry(ctx, entries.Input{Text: "after the voice memo"})
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	result, err := mcpEntryContext(deps)(ctx, makeCallToolRequest("entry_context", map[string]interface{}{
		"id": e.ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "still processing") {
		t.Fatalf("expected still processing error, got %s", toolText(t, result))
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, db := newTestMCPDeps(t)
	ctx := context.Background()
	long := strings.Repeat("x", 250)
	if _, err := db.Entries.AddEntry(ctx, entries.Input{Text: long}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	contents, err := mcpResourceRecent(deps)(ctx, makeReadResourceRequest("lifelog://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "lifelog://recent" {
		t.Fatalf("URI = %q", tc.URI)
	}
	var got []entrySummary
	if err := json.Unmarshal([]byte(tc.Text), &got); err != nil {
		t.Fatalf("failed to parse resource: %v", err)
	}
	if len(got) != 1 || len(got[0].Text) != 203 {
		t.Fatalf("expected one truncated entry, got %+v", got)
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps, "test")
	if s == nil {
		t.Fatal("nil server")
	}
}
