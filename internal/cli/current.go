package cli

import (
	"github.com/spf13/cobra"
)

var currentCmd = &cobra.Command{
	Use:   "current",
	Short: "Fetch and print the current arbitrage opportunity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Current(cmd.Context())
	},
}
