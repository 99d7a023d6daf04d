package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-wallet/daemon"
)

var (
	daemonCmd = &cobra.Command{
		Use:     "daemon",
		Aliases: []string{"sweeper"},
		Short:   "Run the gate sweeper, reconciler and event outbox",
		Long: `Run the long lived side of the wallet until SIGINT or SIGTERM.

It clears stale concurrency flags, retries receipt lookups for timed out
operations, delivers operation events to notify_url and serves /up, /health,
/metrics and /operations/:id on metrics_address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.RunWithConfig(config)
		},
	}
)

func init() {
	rootCmd.AddCommand(daemonCmd)
}
