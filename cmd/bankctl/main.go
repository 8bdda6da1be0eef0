// Package main implements bankctl, the reasoning bank's operator CLI.
//
// bankctl talks to a running cmd/server over its tool-surface HTTP API
// (spec §6.3) rather than opening the store directly: the store's
// chromem-go/SQLite files are owned by whichever process has them
// open, and a second process touching them underneath a live server
// would race it. This mirrors the teacher's own split between `nerd`
// (local, direct Cortex access) and a hypothetical remote daemon: here
// the reasoning bank *is* the daemon, so the admin CLI is the client.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	addr    string
	timeout time.Duration

	client *bankClient
)

// rootCmd is the bankctl entry point.
var rootCmd = &cobra.Command{
	Use:   "bankctl",
	Short: "Operator CLI for the reasoning bank's tool surface",
	Long: `bankctl drives a running reasoning bank server's tool-surface API:
inserting patterns, attaching outcomes, requesting recommendations,
reading strategy stats, and forcing an on-demand snapshot pull from a
gossip peer.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		client = newBankClient(addr, &http.Client{Timeout: timeout})
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", envOr("BANKCTL_ADDR", "http://localhost:8080"), "tool surface base URL (or BANKCTL_ADDR)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")

	rootCmd.AddCommand(
		insertCmd,
		observeCmd,
		recommendCmd,
		statsCmd,
		snapshotCmd,
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bankctl:", err)
		os.Exit(1)
	}
}
