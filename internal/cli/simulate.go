package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulatePrice float64
	simulateRate  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次套利机会并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 || simulateRate <= 0 {
			return errors.New("--price 与 --rate 必须大于 0")
		}

		price := decimal.NewFromFloat(simulatePrice)
		rate := decimal.NewFromFloat(simulateRate)
		return getApp().SimulateAlert(cmd.Context(), price, rate)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "市场价格 ICP/nICP")
	simulateCmd.Flags().Float64Var(&simulateRate, "rate", 0, "官方兑换率 nICP/ICP")
}
