package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var (
	reconcileID      string
	reconcileTimeout time.Duration
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile-swap",
	Short: "Record the post-swap balance of a stored swap record",
	Long: `reconcile-swap polls the sender balance of a swap record until it differs
from the balance before the swap, then stores it with the record. It only makes
sense with a persistent store backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), reconcileTimeout)
		defer cancel()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, approval, err := a.finalizer.ReconcileSwapBalance(ctx, reconcileID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"record":   rec,
			"approval": approval,
		})
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileID, "id", "", "swap record id")
	reconcileCmd.Flags().DurationVar(&reconcileTimeout, "timeout", 2*time.Minute, "overall deadline")
	_ = reconcileCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(reconcileCmd)
}
