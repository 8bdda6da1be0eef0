package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	recommendTask          string
	recommendContext       string
	recommendEmbedding     string
	recommendK             int
	recommendMinSimilarity float32
)

// recommendCmd asks the adaptive learner for a strategy recommendation.
var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Request a strategy recommendation",
	Long: `Queries the adaptive learner for the best-scoring strategy given a
task, context, and embedding, printing the full recommendation as JSON.

Example:
  bankctl recommend --task "fix flaky test" --context ci --embedding 0.12,0.87,-0.3`,
	RunE: runRecommend,
}

func init() {
	recommendCmd.Flags().StringVar(&recommendTask, "task", "", "task description (required)")
	recommendCmd.Flags().StringVar(&recommendContext, "context", "", "context tag (required)")
	recommendCmd.Flags().StringVar(&recommendEmbedding, "embedding", "", "comma-separated embedding vector (required)")
	recommendCmd.Flags().IntVar(&recommendK, "k", 0, "neighbor count override (omit for the server default; 0 asks for no neighbors)")
	recommendCmd.Flags().Float32Var(&recommendMinSimilarity, "min-similarity", 0, "similarity floor override")
	recommendCmd.MarkFlagRequired("task")
	recommendCmd.MarkFlagRequired("context")
	recommendCmd.MarkFlagRequired("embedding")
}

func runRecommend(cmd *cobra.Command, args []string) error {
	embedding, err := parseEmbedding(recommendEmbedding)
	if err != nil {
		return err
	}
	baseCtx := cmd.Context()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(baseCtx, timeout)
	defer cancel()

	req := recommendRequest{Task: recommendTask, Context: recommendContext, Embedding: embedding}
	if cmd.Flags().Changed("k") {
		req.K = &recommendK
	}
	if cmd.Flags().Changed("min-similarity") {
		req.MinSimilarity = &recommendMinSimilarity
	}

	rec, err := client.recommend(ctx, req)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
