package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stitchd/promptpulse/internal/analytics"
	"github.com/stitchd/promptpulse/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:  store,
		Engine: analytics.New(store),
	}, store
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

func validResultJSON(t *testing.T) string {
	t.Helper()
	data, err := json.Marshal(validAppendBody())
	if err != nil {
		t.Fatalf("marshalling result: %v", err)
	}
	return string(data)
}

func recordOne(t *testing.T, deps MCPDeps) int64 {
	t.Helper()
	handler := mcpRecordAnalysis(deps)
	req := makeCallToolRequest("record_analysis", map[string]interface{}{
		"result": validResultJSON(t),
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var resp struct {
		AnalysisID int64 `json:"analysis_id"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp.AnalysisID <= 0 {
		t.Fatalf("analysis_id = %d, want positive", resp.AnalysisID)
	}
	return resp.AnalysisID
}

// --- tests ---

func TestMCPTool_RecordAnalysis(t *testing.T) {
	deps, store := newTestMCPDeps(t)

	id := recordOne(t, deps)

	rec, err := store.GetInteraction(id)
	if err != nil {
		t.Fatalf("getting stored record: %v", err)
	}
	if rec.SourceAgent != "planner" {
		t.Errorf("source agent = %q, want planner", rec.SourceAgent)
	}
	if rec.FullResultJSON == "" {
		t.Error("full result JSON not stored")
	}
}

func TestMCPTool_RecordAnalysis_Invalid(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpRecordAnalysis(deps)

	req := makeCallToolRequest("record_analysis", map[string]interface{}{
		"result": `{"original_prompt":""}`,
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for invalid record")
	}

	req = makeCallToolRequest("record_analysis", map[string]interface{}{
		"result": "not json",
	})
	result, err = handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for malformed JSON")
	}
}

func TestMCPTool_GetAnalysisHistory(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	recordOne(t, deps)
	recordOne(t, deps)

	handler := mcpAnalysisHistory(deps)
	req := makeCallToolRequest("get_analysis_history", map[string]interface{}{
		"limit": 1,
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var resp struct {
		Interactions []json.RawMessage `json:"interactions"`
		Total        int               `json:"total"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("total = %d, want 2", resp.Total)
	}
	if len(resp.Interactions) != 1 {
		t.Errorf("page size = %d, want 1", len(resp.Interactions))
	}
}

func TestMCPTool_GetOverview(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	recordOne(t, deps)

	handler := mcpOverview(deps)
	result, err := handler(context.Background(), makeCallToolRequest("get_overview", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var o struct {
		TotalInteractions int `json:"total_interactions"`
		AgentCount        int `json:"agent_count"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &o); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if o.TotalInteractions != 1 || o.AgentCount != 1 {
		t.Errorf("overview = %+v", o)
	}
}

func TestMCPTool_GetTrends(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	recordOne(t, deps)

	handler := mcpTrends(deps)
	req := makeCallToolRequest("get_trends", map[string]interface{}{
		"days": 7,
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var buckets []struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &buckets); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if len(buckets) != 7 {
		t.Fatalf("bucket count = %d, want 7", len(buckets))
	}
	if buckets[6].Count != 1 {
		t.Errorf("today bucket count = %d, want 1", buckets[6].Count)
	}
}

func TestMCPTool_GetMistakesAndAgents(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	recordOne(t, deps)

	result, err := mcpMistakes(deps)(context.Background(), makeCallToolRequest("get_mistakes", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ranked []struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &ranked); err != nil {
		t.Fatalf("parsing mistakes: %v", err)
	}
	if len(ranked) != 1 || ranked[0].Type != "vague_instruction" {
		t.Errorf("ranked = %+v", ranked)
	}

	result, err = mcpAgents(deps)(context.Background(), makeCallToolRequest("get_agents", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var stats []struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &stats); err != nil {
		t.Fatalf("parsing agents: %v", err)
	}
	if len(stats) != 1 || stats[0].AgentID != "planner" {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMCPTool_RecordRewriteChoice(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	id := recordOne(t, deps)

	handler := mcpRewriteChoice(deps)
	req := makeCallToolRequest("record_rewrite_choice", map[string]interface{}{
		"analysis_id":  int(id),
		"used_rewrite": true,
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	rec, err := store.GetInteraction(id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.RewriteUsed != storage.ChoiceAccepted {
		t.Errorf("choice = %v, want accepted", rec.RewriteUsed)
	}

	// Unknown id surfaces as a tool error, not a transport error.
	req = makeCallToolRequest("record_rewrite_choice", map[string]interface{}{
		"analysis_id":  9999,
		"used_rewrite": false,
	})
	result, err = handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unknown id")
	}
}

func TestMCPResource_Overview(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	recordOne(t, deps)

	handler := mcpResourceOverview(deps)
	contents, err := handler(context.Background(), makeReadResourceRequest("dashboard://overview"))
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

	var o struct {
		TotalInteractions int `json:"total_interactions"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &o); err != nil {
		t.Fatalf("parsing overview JSON: %v", err)
	}
	if o.TotalInteractions != 1 {
		t.Errorf("total = %d, want 1", o.TotalInteractions)
	}
}
