package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stitchd/promptpulse/internal/analytics"
	"github.com/stitchd/promptpulse/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Engine *analytics.Engine
}

// NewMCPServer creates an MCP server with all promptpulse tools and
// resources registered. It serves the same data as the HTTP API so agents
// on stdio and dashboards over HTTP see one source of truth.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"promptpulse",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("promptpulse — local prompt performance analytics over an append-only interaction log."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("record_analysis",
			mcp.WithDescription("Store a prompt analysis result in the interaction log. Returns the new analysis id."),
			mcp.WithString("result", mcp.Description("Analyzer result as a JSON object string"), mcp.Required()),
		),
		mcpRecordAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("get_analysis_history",
			mcp.WithDescription("List recent analyses, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithString("project_id", mcp.Description("Optional project filter")),
		),
		mcpAnalysisHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("get_overview",
			mcp.WithDescription("Aggregate KPI metrics over the interaction log."),
			mcp.WithString("project_id", mcp.Description("Optional project filter")),
		),
		mcpOverview(deps),
	)

	s.AddTool(
		mcp.NewTool("get_trends",
			mcp.WithDescription("Time-bucketed interaction counts and average scores."),
			mcp.WithNumber("hours", mcp.Description("Hourly window size; takes precedence over days")),
			mcp.WithNumber("days", mcp.Description("Daily window size (default 30)")),
			mcp.WithString("project_id", mcp.Description("Optional project filter")),
		),
		mcpTrends(deps),
	)

	s.AddTool(
		mcp.NewTool("get_mistakes",
			mcp.WithDescription("Most common mistake types with counts and percentages."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 10)")),
			mcp.WithString("project_id", mcp.Description("Optional project filter")),
		),
		mcpMistakes(deps),
	)

	s.AddTool(
		mcp.NewTool("get_agents",
			mcp.WithDescription("Per-agent leaderboard ranked by average score."),
			mcp.WithString("project_id", mcp.Description("Optional project filter")),
		),
		mcpAgents(deps),
	)

	s.AddTool(
		mcp.NewTool("record_rewrite_choice",
			mcp.WithDescription("Record whether a rewritten prompt was used for a prior analysis."),
			mcp.WithNumber("analysis_id", mcp.Description("Id returned by record_analysis"), mcp.Required()),
			mcp.WithBoolean("used_rewrite", mcp.Description("True if the rewrite was used"), mcp.Required()),
		),
		mcpRewriteChoice(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"dashboard://overview",
			"Dashboard Overview",
			mcp.WithResourceDescription("Current KPI metrics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceOverview(deps),
	)

	return s
}

func mcpRecordAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resultJSON, err := req.RequireString("result")
		if err != nil {
			return mcpError("result is required"), nil
		}

		var result AppendRequest
		if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
			return mcpError(fmt.Sprintf("invalid result JSON: %v", err)), nil
		}

		dims, err := storage.DimensionScoresFromMap(result.DimensionScores)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		id, err := deps.Store.AppendInteraction(storage.Interaction{
			ProjectID:       result.ProjectID,
			SourceAgent:     result.SourceAgent,
			TargetAgent:     result.TargetAgent,
			OriginalPrompt:  result.OriginalPrompt,
			RewrittenPrompt: result.RewrittenPrompt,
			OriginalTokens:  result.OriginalTokens,
			RewrittenTokens: result.RewrittenTokens,
			OverallScore:    result.OverallScore,
			Dimensions:      dims,
			Mistakes:        result.Mistakes,
			FullResultJSON:  resultJSON,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record analysis: %v", err)), nil
		}

		b, err := json.Marshal(map[string]int64{"analysis_id": id})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAnalysisHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > maxFeedLimit {
			limit = maxFeedLimit
		}

		records, total, err := deps.Store.ListInteractions(storage.ListFilter{
			ProjectID: req.GetString("project_id", ""),
			Limit:     limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("history failed: %v", err)), nil
		}

		summaries := make([]InteractionSummary, len(records))
		for i, rec := range records {
			summaries[i] = summarize(rec)
		}

		b, err := json.Marshal(map[string]any{
			"interactions": summaries,
			"total":        total,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpOverview(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		overview, err := deps.Engine.Overview(req.GetString("project_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("overview failed: %v", err)), nil
		}
		return mcpJSON(overview)
	}
}

func mcpTrends(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		hours := req.GetInt("hours", 0)
		if hours > maxTrendHours {
			hours = maxTrendHours
		}
		days := req.GetInt("days", 0)
		if days > maxTrendDays {
			days = maxTrendDays
		}

		buckets, err := deps.Engine.Trends(analytics.TrendQuery{
			Hours:     hours,
			Days:      days,
			ProjectID: req.GetString("project_id", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("trends failed: %v", err)), nil
		}
		return mcpJSON(buckets)
	}
}

func mcpMistakes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > maxMistakeLimit {
			limit = maxMistakeLimit
		}

		ranked, err := deps.Engine.MistakeFrequencies(limit, req.GetString("project_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("mistakes failed: %v", err)), nil
		}
		if ranked == nil {
			ranked = []analytics.MistakeFrequency{}
		}
		return mcpJSON(ranked)
	}
}

func mcpAgents(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Engine.AgentLeaderboard(req.GetString("project_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("agents failed: %v", err)), nil
		}
		if stats == nil {
			stats = []analytics.AgentStats{}
		}
		return mcpJSON(stats)
	}
}

func mcpRewriteChoice(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireInt("analysis_id")
		if err != nil {
			return mcpError("analysis_id is required"), nil
		}
		used, err := req.RequireBool("used_rewrite")
		if err != nil {
			return mcpError("used_rewrite is required"), nil
		}

		if err := deps.Store.UpdateRewriteChoice(int64(id), used); err != nil {
			return mcpError(fmt.Sprintf("failed to record choice: %v", err)), nil
		}
		return mcpText(`{"status":"ok"}`), nil
	}
}

func mcpResourceOverview(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		overview, err := deps.Engine.Overview("")
		if err != nil {
			return nil, fmt.Errorf("failed to compute overview: %w", err)
		}

		b, err := json.Marshal(overview)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal overview: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
