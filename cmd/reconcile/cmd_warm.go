package main

import (
	"fmt"

	"callsync_backend/internal/reconcile"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(warmCmd)
	warmCmd.Flags().Duration("cooldown", reconcile.DefaultCooldown, "how far back to look for recently finalized sessions")
}

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Reconcile recently finalized sessions for late enrichment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cooldown, _ := cmd.Flags().GetDuration("cooldown")
		if cooldown <= 0 {
			return fmt.Errorf("--cooldown must be positive")
		}
		return execute(cmd, reconcile.CooldownScope{Window: cooldown})
	},
}
