package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"reasoningbank/pkg/types"
)

var (
	insertTask       string
	insertContext    string
	insertStrategy   string
	insertEmbedding  string
	insertSuccess    bool
	insertScore      float64
	insertDurationMs uint64
	insertNotes      string
)

// insertCmd stores a new pattern.
var insertCmd = &cobra.Command{
	Use:   "insert",
	Short: "Store a new pattern",
	Long: `Inserts a task/context/strategy/embedding record into the reasoning
bank. The outcome is optional at insert time; most callers attach it
later with "bankctl observe" once the strategy has actually run.

Example:
  bankctl insert --task "fix flaky test" --context ci --strategy retry-with-backoff \
    --embedding 0.12,0.87,-0.3

  bankctl insert --task "..." --context ci --strategy retry-with-backoff \
    --embedding 0.12,0.87,-0.3 --success --score 0.9`,
	RunE: runInsert,
}

func init() {
	insertCmd.Flags().StringVar(&insertTask, "task", "", "task description (required)")
	insertCmd.Flags().StringVar(&insertContext, "context", "", "context tag (required)")
	insertCmd.Flags().StringVar(&insertStrategy, "strategy", "", "strategy name (required)")
	insertCmd.Flags().StringVar(&insertEmbedding, "embedding", "", "comma-separated embedding vector (required)")
	insertCmd.Flags().BoolVar(&insertSuccess, "success", false, "whether the attempt succeeded (optional, attach outcome now)")
	insertCmd.Flags().Float64Var(&insertScore, "score", 0, "outcome score in [0,1] (optional)")
	insertCmd.Flags().Uint64Var(&insertDurationMs, "duration-ms", 0, "attempt duration in milliseconds (optional)")
	insertCmd.Flags().StringVar(&insertNotes, "notes", "", "freeform notes (optional)")
	insertCmd.MarkFlagRequired("task")
	insertCmd.MarkFlagRequired("context")
	insertCmd.MarkFlagRequired("strategy")
	insertCmd.MarkFlagRequired("embedding")
}

func runInsert(cmd *cobra.Command, args []string) error {
	embedding, err := parseEmbedding(insertEmbedding)
	if err != nil {
		return err
	}
	baseCtx := cmd.Context()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(baseCtx, timeout)
	defer cancel()

	req := insertRequest{
		Task:      insertTask,
		Context:   insertContext,
		Strategy:  insertStrategy,
		Embedding: embedding,
	}
	if cmd.Flags().Changed("success") || cmd.Flags().Changed("score") ||
		cmd.Flags().Changed("duration-ms") || cmd.Flags().Changed("notes") {
		outcome := types.Outcome{
			Success:    insertSuccess,
			Score:      insertScore,
			DurationMs: insertDurationMs,
			Notes:      insertNotes,
		}
		outcome.Clamp()
		req.Outcome = &outcome
	}

	id, err := client.insert(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
