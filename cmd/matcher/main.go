// Command matcher runs the confidential order-matching coordinator.
//
// Usage:
//
//	matcher                                  # serve with defaults
//	matcher serve --config matcher.yaml      # serve with a config file
//	matcher init-circuits                    # one-time circuit setup
//	matcher snapshot                         # print the stored book
//
// Every flag can also be set through MATCHER_* environment variables, e.g.
// MATCHER_HTTP_PORT=3001 or MATCHER_LEDGER_URL=http://gateway:8899.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/config"
)

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCircuitsCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "matcher",
	Short: "Confidential order-matching coordinator",
	Long: `The matcher keeps an order book of encrypted orders, asks the confidential
computation network to compare candidate pairs, and settles confirmed matches
on the ledger. It serves a REST API for order intake and settlement lookup and
a WebSocket feed of book state and settlement outcomes.`,
	SilenceUsage: true,
	RunE:         runServe,
}
