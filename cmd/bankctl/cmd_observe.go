package main

import (
	"context"

	"github.com/spf13/cobra"

	"reasoningbank/pkg/types"
)

var (
	observeSuccess    bool
	observeScore      float64
	observeDurationMs uint64
	observeNotes      string
)

// observeCmd attaches an outcome to a previously inserted pattern.
var observeCmd = &cobra.Command{
	Use:   "observe <pattern-id>",
	Short: "Attach an outcome to an existing pattern",
	Long: `Records what happened when a stored pattern's strategy was tried,
closing the loop the adaptive learner scores future recommendations on.

Example:
  bankctl observe 3f9c... --success --score 0.9 --duration-ms 1200`,
	Args: cobra.ExactArgs(1),
	RunE: runObserve,
}

func init() {
	observeCmd.Flags().BoolVar(&observeSuccess, "success", false, "whether the attempt succeeded")
	observeCmd.Flags().Float64Var(&observeScore, "score", 0, "outcome score in [0,1]")
	observeCmd.Flags().Uint64Var(&observeDurationMs, "duration-ms", 0, "attempt duration in milliseconds")
	observeCmd.Flags().StringVar(&observeNotes, "notes", "", "freeform notes")
}

func runObserve(cmd *cobra.Command, args []string) error {
	baseCtx := cmd.Context()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(baseCtx, timeout)
	defer cancel()

	outcome := types.Outcome{
		Success:    observeSuccess,
		Score:      observeScore,
		DurationMs: observeDurationMs,
		Notes:      observeNotes,
	}
	outcome.Clamp()
	return client.observe(ctx, args[0], outcome)
}
