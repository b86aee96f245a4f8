package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stitchd/promptpulse/internal/analytics"
	"github.com/stitchd/promptpulse/internal/storage"
)

const maxAppendBodySize = 1 << 20 // 1MB

const (
	defaultFeedLimit = 50
	maxFeedLimit     = 200
	maxTrendHours    = 720
	maxTrendDays     = 365
	maxMistakeLimit  = 50
	previewRunes     = 120
)

// AppDeps holds the collaborators of the HTTP layer.
type AppDeps struct {
	Store   *storage.Store
	Engine  *analytics.Engine
	Token   string
	Version string
}

// NewHandler builds the full route tree. Everything except /health requires
// the bearer token.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "version": deps.Version})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/interactions", handleAppend(deps))
		r.Get("/interactions", handleListInteractions(deps))
		r.Get("/interactions/{id}", handleGetInteraction(deps))
		r.Post("/rewrite-choice", handleRewriteChoice(deps))

		r.Get("/dashboard/overview", handleOverview(deps))
		r.Get("/dashboard/trends", handleTrends(deps))
		r.Get("/dashboard/mistakes", handleMistakes(deps))
		r.Get("/dashboard/agents", handleAgents(deps))
	})

	return r
}

// AppendRequest is the scoring agent's result as submitted by the caller.
// The raw body is additionally stored verbatim for later detail display.
type AppendRequest struct {
	ProjectID       string                            `json:"project_id"`
	SourceAgent     string                            `json:"source_agent"`
	TargetAgent     string                            `json:"target_agent"`
	OriginalPrompt  string                            `json:"original_prompt"`
	RewrittenPrompt string                            `json:"rewritten_prompt"`
	OriginalTokens  int                               `json:"original_tokens"`
	RewrittenTokens int                               `json:"rewritten_tokens"`
	OverallScore    int                               `json:"overall_score"`
	DimensionScores map[string]storage.DimensionScore `json:"dimension_scores"`
	Mistakes        []storage.Mistake                 `json:"mistakes"`
}

func handleAppend(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxAppendBodySize)
		defer r.Body.Close()

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: %v", err)
			return
		}

		var req AppendRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		dims, err := storage.DimensionScoresFromMap(req.DimensionScores)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		id, err := deps.Store.AppendInteraction(storage.Interaction{
			ProjectID:       req.ProjectID,
			SourceAgent:     req.SourceAgent,
			TargetAgent:     req.TargetAgent,
			OriginalPrompt:  req.OriginalPrompt,
			RewrittenPrompt: req.RewrittenPrompt,
			OriginalTokens:  req.OriginalTokens,
			RewrittenTokens: req.RewrittenTokens,
			OverallScore:    req.OverallScore,
			Dimensions:      dims,
			Mistakes:        req.Mistakes,
			FullResultJSON:  string(raw),
		})
		if err != nil {
			storeError(w, "append", err)
			return
		}

		writeJSON(w, map[string]int64{"analysis_id": id})
	}
}

// InteractionSummary is one row of the paginated feed. The full analyzer
// payload is only returned by the detail endpoint.
type InteractionSummary struct {
	ID            int64                 `json:"id"`
	Timestamp     string                `json:"timestamp"`
	ProjectID     string                `json:"project_id,omitempty"`
	Source        string                `json:"source"`
	Target        string                `json:"target,omitempty"`
	PromptPreview string                `json:"prompt_preview"`
	OverallScore  int                   `json:"overall_score"`
	MistakeCount  int                   `json:"mistake_count"`
	TokenSavings  int                   `json:"token_savings"`
	RewriteUsed   storage.RewriteChoice `json:"rewrite_used"`
}

type feedResponse struct {
	Interactions []InteractionSummary `json:"interactions"`
	Total        int                  `json:"total"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

func handleListInteractions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultFeedLimit, maxFeedLimit)
		if limit == 0 {
			limit = defaultFeedLimit
		}
		offset := parseIntParam(r, "offset", 0, 0)
		projectID := r.URL.Query().Get("project_id")

		records, total, err := deps.Store.ListInteractions(storage.ListFilter{
			ProjectID: projectID,
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			storeError(w, "list", err)
			return
		}

		summaries := make([]InteractionSummary, len(records))
		for i, rec := range records {
			summaries[i] = summarize(rec)
		}

		writeJSON(w, feedResponse{
			Interactions: summaries,
			Total:        total,
			Limit:        limit,
			Offset:       offset,
		})
	}
}

func summarize(rec storage.Interaction) InteractionSummary {
	source := rec.SourceAgent
	if source == "" {
		source = "human"
	}
	return InteractionSummary{
		ID:            rec.ID,
		Timestamp:     rec.CreatedAt.Format(time.RFC3339),
		ProjectID:     rec.ProjectID,
		Source:        source,
		Target:        rec.TargetAgent,
		PromptPreview: truncateRunes(rec.OriginalPrompt, previewRunes),
		OverallScore:  rec.OverallScore,
		MistakeCount:  len(rec.Mistakes),
		TokenSavings:  rec.TokenSavingsPercent,
		RewriteUsed:   rec.RewriteUsed,
	}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// InteractionDetail is the full stored record, analyzer payload included.
type InteractionDetail struct {
	ID                  int64                   `json:"id"`
	Timestamp           string                  `json:"timestamp"`
	ProjectID           string                  `json:"project_id,omitempty"`
	SourceAgent         string                  `json:"source_agent,omitempty"`
	TargetAgent         string                  `json:"target_agent,omitempty"`
	OriginalPrompt      string                  `json:"original_prompt"`
	RewrittenPrompt     string                  `json:"rewritten_prompt,omitempty"`
	OriginalTokens      int                     `json:"original_tokens"`
	RewrittenTokens     int                     `json:"rewritten_tokens"`
	TokenSavingsPercent int                     `json:"token_savings_percent"`
	OverallScore        int                     `json:"overall_score"`
	DimensionScores     storage.DimensionScores `json:"dimension_scores"`
	Mistakes            []storage.Mistake       `json:"mistakes"`
	RewriteUsed         storage.RewriteChoice   `json:"rewrite_used"`
	FullResult          json.RawMessage         `json:"full_result"`
}

func handleGetInteraction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid interaction id")
			return
		}

		rec, err := deps.Store.GetInteraction(id)
		if err != nil {
			storeError(w, "get", err)
			return
		}

		fullResult := json.RawMessage("null")
		if rec.FullResultJSON != "" {
			fullResult = json.RawMessage(rec.FullResultJSON)
		}

		writeJSON(w, InteractionDetail{
			ID:                  rec.ID,
			Timestamp:           rec.CreatedAt.Format(time.RFC3339),
			ProjectID:           rec.ProjectID,
			SourceAgent:         rec.SourceAgent,
			TargetAgent:         rec.TargetAgent,
			OriginalPrompt:      rec.OriginalPrompt,
			RewrittenPrompt:     rec.RewrittenPrompt,
			OriginalTokens:      rec.OriginalTokens,
			RewrittenTokens:     rec.RewrittenTokens,
			TokenSavingsPercent: rec.TokenSavingsPercent,
			OverallScore:        rec.OverallScore,
			DimensionScores:     rec.Dimensions,
			Mistakes:            rec.Mistakes,
			RewriteUsed:         rec.RewriteUsed,
			FullResult:          fullResult,
		})
	}
}

// RewriteChoiceRequest records whether the caller kept the rewritten prompt.
type RewriteChoiceRequest struct {
	AnalysisID  int64 `json:"analysis_id"`
	UsedRewrite *bool `json:"used_rewrite"`
}

func handleRewriteChoice(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxAppendBodySize)
		defer r.Body.Close()

		var req RewriteChoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.AnalysisID == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "analysis_id is required")
			return
		}
		if req.UsedRewrite == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "used_rewrite is required")
			return
		}

		if err := deps.Store.UpdateRewriteChoice(req.AnalysisID, *req.UsedRewrite); err != nil {
			storeError(w, "rewrite_choice", err)
			return
		}

		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func handleOverview(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overview, err := deps.Engine.Overview(r.URL.Query().Get("project_id"))
		if err != nil {
			storeError(w, "overview", err)
			return
		}
		writeJSON(w, overview)
	}
}

func handleTrends(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buckets, err := deps.Engine.Trends(analytics.TrendQuery{
			Hours:     parseIntParam(r, "hours", 0, maxTrendHours),
			Days:      parseIntParam(r, "days", 0, maxTrendDays),
			ProjectID: r.URL.Query().Get("project_id"),
		})
		if err != nil {
			storeError(w, "trends", err)
			return
		}
		writeJSON(w, buckets)
	}
}

func handleMistakes(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 10, maxMistakeLimit)
		if limit == 0 {
			limit = 10
		}
		ranked, err := deps.Engine.MistakeFrequencies(limit, r.URL.Query().Get("project_id"))
		if err != nil {
			storeError(w, "mistakes", err)
			return
		}
		if ranked == nil {
			ranked = []analytics.MistakeFrequency{}
		}
		writeJSON(w, ranked)
	}
}

func handleAgents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Engine.AgentLeaderboard(r.URL.Query().Get("project_id"))
		if err != nil {
			storeError(w, "agents", err)
			return
		}
		if stats == nil {
			stats = []analytics.AgentStats{}
		}
		writeJSON(w, stats)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
