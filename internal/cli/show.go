package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"nicp-arb-alerts/internal/app"
)

var (
	showLimit      int
	showDispatches bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent opportunity samples or fired alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:      showLimit,
			Dispatches: showDispatches,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of records to display")
	showCmd.Flags().BoolVar(&showDispatches, "dispatches", false, "Show fired alerts instead of samples")
}
