package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// statsCmd lists per-strategy stats for a context.
var statsCmd = &cobra.Command{
	Use:   "stats <context>",
	Short: "Show per-strategy stats for a context",
	Long: `Lists the derived success rate, mean score, and sample count for every
strategy the reasoning bank has tried under the given context.

Example:
  bankctl stats ci`,
	Args: cobra.ExactArgs(1),
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	baseCtx := cmd.Context()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(baseCtx, timeout)
	defer cancel()

	rows, err := client.strategyStats(ctx, args[0])
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Printf("No strategy stats found for context %q\n", args[0])
		return nil
	}

	for _, row := range rows {
		fmt.Printf("%s\n", row.Strategy)
		fmt.Printf("  count:        %d\n", row.Count)
		fmt.Printf("  success_rate: %.3f\n", row.SuccessRate)
		fmt.Printf("  mean_score:   %.3f\n", row.MeanScore)
		fmt.Printf("  last_updated: %s\n", row.LastUpdated.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}
