package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:          "promptpulse",
	Short:        "Local prompt performance analytics",
	Long:         "promptpulse records prompt analysis results in an append-only local log and serves aggregate dashboards over HTTP, MCP, and this CLI.",
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(overviewCmd)
	rootCmd.AddCommand(trendsCmd)
	rootCmd.AddCommand(mistakesCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(interactionsCmd)
	rootCmd.AddCommand(choiceCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
