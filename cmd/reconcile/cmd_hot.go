package main

import (
	"callsync_backend/internal/reconcile"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(hotCmd)
}

var hotCmd = &cobra.Command{
	Use:   "hot",
	Short: "Reconcile every session that is not final yet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, reconcile.ActiveScope{})
	},
}
