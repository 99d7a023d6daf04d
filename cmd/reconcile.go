package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [operation-id]",
	Short: "Look again for the receipt of timed out operations",
	Long: `Poll for the receipt of a timed out operation and settle it. Without an
operation id every timed out operation on --network is tried once.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		ids := args
		if len(ids) == 0 {
			pending, err := s.rt.Engine.PendingOperations()
			if err != nil {
				return err
			}
			for _, rec := range pending {
				ids = append(ids, rec.ID)
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no timed out operations")
				return nil
			}
		}

		var failed int
		for _, id := range ids {
			res, err := s.rt.Engine.Reconcile(cmd.Context(), id)
			if printResult(cmd.OutOrStdout(), res, err) != nil {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d operations still unsettled", failed, len(ids))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
