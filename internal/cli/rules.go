package cli

import (
	"errors"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"nicp-arb-alerts/internal/app"
)

var (
	ruleUserID    int64
	ruleChatID    string
	ruleThreshold float64
	ruleCooldown  time.Duration
	ruleLimit     int
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage alert rules",
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new alert rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ruleUserID <= 0 {
			return errors.New("--user must be greater than zero")
		}

		opts := app.RuleOptions{
			UserID:       ruleUserID,
			ChatID:       ruleChatID,
			ThresholdPct: ruleThreshold,
			Cooldown:     ruleCooldown,
		}
		return getApp().AddRule(cmd.Context(), opts)
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered alert rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ruleLimit <= 0 {
			return errors.New("--limit must be greater than zero")
		}
		return getApp().ListRules(cmd.Context(), ruleLimit)
	},
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <rule-id>",
	Short: "Enable an alert rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errors.New("rule id must be an integer")
		}
		return getApp().SetRuleEnabled(cmd.Context(), id, true)
	},
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <rule-id>",
	Short: "Disable an alert rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errors.New("rule id must be an integer")
		}
		return getApp().SetRuleEnabled(cmd.Context(), id, false)
	},
}

func init() {
	rulesAddCmd.Flags().Int64Var(&ruleUserID, "user", 0, "Subscriber user id")
	rulesAddCmd.Flags().StringVar(&ruleChatID, "chat", "", "Telegram chat id (defaults to config)")
	rulesAddCmd.Flags().Float64Var(&ruleThreshold, "threshold", 0, "Profit threshold in percent (defaults to config)")
	rulesAddCmd.Flags().DurationVar(&ruleCooldown, "cooldown", 0, "Minimum spacing between alerts (defaults to config)")
	rulesListCmd.Flags().IntVar(&ruleLimit, "limit", 50, "Number of rules to display")

	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesEnableCmd)
	rulesCmd.AddCommand(rulesDisableCmd)
}
