package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/stitchd/promptpulse/internal/config"
)

// --- record ---

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record an analysis result in the interaction log",
	Long: `Record an analysis result in the interaction log.

Examples:
  promptpulse record --file ./result.json
  cat result.json | promptpulse record`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		var data []byte
		var err error
		if file != "" {
			data, err = os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
		} else {
			data, err = io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
		}

		var body json.RawMessage = data

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/interactions", body)
		if err != nil {
			return err
		}

		var result struct {
			AnalysisID int64 `json:"analysis_id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Recorded analysis %d", result.AnalysisID)
		return nil
	},
}

func init() {
	recordCmd.Flags().String("file", "", "analysis result JSON file (default: stdin)")
}

// --- dashboard views ---

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show aggregate KPI metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/dashboard/overview"+projectQuery(project))
		if err != nil {
			return err
		}

		var o struct {
			TotalInteractions     int     `json:"total_interactions"`
			HumanCount            int     `json:"human_count"`
			AgentCount            int     `json:"agent_count"`
			AvgOverallScore       int     `json:"avg_overall_score"`
			AvgTokenSavings       int     `json:"avg_token_savings"`
			RewriteAcceptanceRate int     `json:"rewrite_acceptance_rate"`
			TotalMistakesFound    int     `json:"total_mistakes_found"`
			TotalTokens           int64   `json:"total_tokens"`
			AvgTokensPerPrompt    float64 `json:"avg_tokens_per_prompt"`
		}
		if err := decodeJSON(resp, &o); err != nil {
			return err
		}

		printStatus("Interactions", "%d (%d human, %d agent)", o.TotalInteractions, o.HumanCount, o.AgentCount)
		printStatus("Avg score", "%d", o.AvgOverallScore)
		printStatus("Avg token savings", "%d%%", o.AvgTokenSavings)
		printStatus("Rewrite acceptance", "%d%%", o.RewriteAcceptanceRate)
		printStatus("Mistakes found", "%d", o.TotalMistakesFound)
		printStatus("Tokens processed", "%d (%.1f per prompt)", o.TotalTokens, o.AvgTokensPerPrompt)
		return nil
	},
}

var trendsCmd = &cobra.Command{
	Use:   "trends",
	Short: "Show time-bucketed interaction trends",
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, _ := cmd.Flags().GetInt("hours")
		days, _ := cmd.Flags().GetInt("days")
		project, _ := cmd.Flags().GetString("project")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if hours > 0 {
			q.Set("hours", fmt.Sprintf("%d", hours))
		}
		if days > 0 {
			q.Set("days", fmt.Sprintf("%d", days))
		}
		if project != "" {
			q.Set("project_id", project)
		}
		path := "/dashboard/trends"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var buckets []struct {
			Date     string `json:"date"`
			Count    int    `json:"count"`
			AvgScore int    `json:"avg_score"`
		}
		if err := decodeJSON(resp, &buckets); err != nil {
			return err
		}

		for _, b := range buckets {
			fmt.Printf("%s  %4d  avg %d\n", colorize(colorCyan, b.Date), b.Count, b.AvgScore)
		}
		return nil
	},
}

var mistakesCmd = &cobra.Command{
	Use:   "mistakes",
	Short: "Show the most common mistake types",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		project, _ := cmd.Flags().GetString("project")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/dashboard/mistakes?limit=%d", limit)
		if project != "" {
			path += "&project_id=" + url.QueryEscape(project)
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var ranked []struct {
			Type       string  `json:"type"`
			Count      int     `json:"count"`
			Percentage float64 `json:"percentage"`
		}
		if err := decodeJSON(resp, &ranked); err != nil {
			return err
		}

		if len(ranked) == 0 {
			fmt.Println("No mistakes recorded.")
			return nil
		}

		for _, m := range ranked {
			fmt.Printf("%s  %d (%.1f%%)\n", colorize(colorBold, m.Type), m.Count, m.Percentage)
		}
		return nil
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Show the per-agent leaderboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/dashboard/agents"+projectQuery(project))
		if err != nil {
			return err
		}

		var stats []struct {
			AgentID           string `json:"agent_id"`
			TotalPrompts      int    `json:"total_prompts"`
			AvgScore          int    `json:"avg_score"`
			ImprovementTrend  string `json:"improvement_trend"`
			WeakestDimension  string `json:"weakest_dimension"`
			MostCommonMistake string `json:"most_common_mistake"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		if len(stats) == 0 {
			fmt.Println("No agent interactions recorded.")
			return nil
		}

		for _, a := range stats {
			fmt.Printf("%s  score %d  prompts %d  trend %s", colorize(colorBold, a.AgentID), a.AvgScore, a.TotalPrompts, a.ImprovementTrend)
			if a.WeakestDimension != "" {
				fmt.Printf("  weakest %s", a.WeakestDimension)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	overviewCmd.Flags().String("project", "", "filter to one project")
	trendsCmd.Flags().Int("hours", 0, "hourly window size (takes precedence over --days)")
	trendsCmd.Flags().Int("days", 0, "daily window size (default 30)")
	trendsCmd.Flags().String("project", "", "filter to one project")
	mistakesCmd.Flags().Int("limit", 10, "maximum number of mistake types")
	mistakesCmd.Flags().String("project", "", "filter to one project")
	agentsCmd.Flags().String("project", "", "filter to one project")
}

func projectQuery(project string) string {
	if project == "" {
		return ""
	}
	return "?project_id=" + url.QueryEscape(project)
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Browse the interaction log",
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent interactions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		project, _ := cmd.Flags().GetString("project")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/interactions?limit=%d&offset=%d", limit, offset)
		if project != "" {
			path += "&project_id=" + url.QueryEscape(project)
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var feed struct {
			Interactions []struct {
				ID            int64  `json:"id"`
				Timestamp     string `json:"timestamp"`
				Source        string `json:"source"`
				PromptPreview string `json:"prompt_preview"`
				OverallScore  int    `json:"overall_score"`
				MistakeCount  int    `json:"mistake_count"`
			} `json:"interactions"`
			Total int `json:"total"`
		}
		if err := decodeJSON(resp, &feed); err != nil {
			return err
		}

		if len(feed.Interactions) == 0 {
			fmt.Println("No interactions found.")
			return nil
		}

		for _, ix := range feed.Interactions {
			fmt.Printf("%s  %s  score %3d  mistakes %d  %s\n",
				colorize(colorCyan, fmt.Sprintf("%6d", ix.ID)),
				ix.Timestamp,
				ix.OverallScore,
				ix.MistakeCount,
				ix.PromptPreview,
			)
		}
		fmt.Printf("showing %d of %d\n", len(feed.Interactions), feed.Total)
		return nil
	},
}

var interactionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single interaction as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/interactions/"+args[0])
		if err != nil {
			return err
		}

		var interaction any
		if err := decodeJSON(resp, &interaction); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(interaction)
	},
}

func init() {
	interactionsListCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
	interactionsListCmd.Flags().Int("offset", 0, "number of interactions to skip")
	interactionsListCmd.Flags().String("project", "", "filter to one project")
	interactionsCmd.AddCommand(interactionsListCmd)
	interactionsCmd.AddCommand(interactionsShowCmd)
}

// --- choice ---

var choiceCmd = &cobra.Command{
	Use:   "choice <id>",
	Short: "Record whether a rewrite was used for an analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accepted, _ := cmd.Flags().GetBool("accepted")
		rejected, _ := cmd.Flags().GetBool("rejected")
		if accepted == rejected {
			return fmt.Errorf("exactly one of --accepted or --rejected is required")
		}

		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid analysis id %q", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"analysis_id":  id,
			"used_rewrite": accepted,
		}
		resp, err := client.post(cmd.Context(), "/rewrite-choice", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if accepted {
			printSuccess("Marked analysis %d: rewrite accepted", id)
		} else {
			printSuccess("Marked analysis %d: rewrite rejected", id)
		}
		return nil
	},
}

func init() {
	choiceCmd.Flags().Bool("accepted", false, "the rewrite was used")
	choiceCmd.Flags().Bool("rejected", false, "the rewrite was not used")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
