package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// snapshotCmd is the parent for snapshot-related operator actions.
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage anti-entropy snapshot exchange with gossip peers",
}

// snapshotPullCmd forces an immediate bootstrap pull from one peer.
var snapshotPullCmd = &cobra.Command{
	Use:   "pull <peer-address>",
	Short: "Force an on-demand snapshot pull from a gossip peer",
	Long: `Bypasses the gossiper's scheduled cycle and its recorded watermark for
the named peer, pulling its full pattern snapshot immediately. Useful
to backfill a freshly joined node without waiting for GOSSIP_INTERVAL.

Example:
  bankctl snapshot pull bank-2.internal:9090`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotPull,
}

func init() {
	snapshotCmd.AddCommand(snapshotPullCmd)
}

func runSnapshotPull(cmd *cobra.Command, args []string) error {
	baseCtx := cmd.Context()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(baseCtx, timeout)
	defer cancel()

	if err := client.requestSnapshot(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("snapshot pull from %s accepted\n", args[0])
	return nil
}
