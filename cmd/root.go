package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/wallet.yaml"
	network string

	rootCmd = &cobra.Command{
		Use:   "ap-wallet",
		Short: "Sponsored smart wallet operations",
		Long: `Build, sponsor, sign and submit ERC-4337 user operations for
phone-number identified users.

Such as "ap-wallet transfer --user +14155550100 --token usdt --to 0x... --amount 5"
or "ap-wallet daemon" to run the sweeper, reconciler and event outbox.
`,
		SilenceUsage: true,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", config, "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&network, "network", "n", "polygon", "Network to operate on")
}
