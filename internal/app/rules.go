package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"nicp-arb-alerts/internal/storage"
)

// AddRule registers a new alert subscription. Zero threshold or cooldown
// fall back to the configured defaults.
func (a *App) AddRule(ctx context.Context, opts RuleOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot manage rules")
	}
	if closeStore != nil {
		defer closeStore()
	}

	threshold := opts.ThresholdPct
	if threshold <= 0 {
		threshold = a.Config.Alerting.DefaultThresholdPct
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = a.Config.Alerting.DefaultCooldown
	}
	chatID := opts.ChatID
	if chatID == "" {
		chatID = a.Config.Alerting.Telegram.DefaultChat
	}

	rule := storage.AlertRule{
		UserID:          opts.UserID,
		ChatID:          chatID,
		Pair:            a.Config.Arbitrage.Pair,
		ThresholdPct:    decimal.NewFromFloat(threshold),
		CooldownSeconds: int64(cooldown / time.Second),
		Enabled:         true,
	}

	created, err := store.CreateRule(ctx, rule)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int64("rule_id", created.ID).
		Int64("user_id", created.UserID).
		Str("threshold_pct", created.ThresholdPct.String()).
		Msg("alert rule created")
	fmt.Fprintf(os.Stdout, "created rule %d\n", created.ID)
	return nil
}

// ListRules prints registered alert rules.
func (a *App) ListRules(ctx context.Context, limit int) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot manage rules")
	}
	if closeStore != nil {
		defer closeStore()
	}

	rules, err := store.ListRules(ctx, limit)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		fmt.Fprintln(os.Stdout, "no rules found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tUser\tChat\tPair\tThreshold%\tCooldown\tEnabled")
	for _, rule := range rules {
		fmt.Fprintf(
			writer,
			"%d\t%d\t%s\t%s\t%s\t%s\t%t\n",
			rule.ID,
			rule.UserID,
			rule.ChatID,
			rule.Pair,
			rule.ThresholdPct.StringFixed(2),
			rule.Cooldown(),
			rule.Enabled,
		)
	}
	writer.Flush()
	return nil
}

// SetRuleEnabled flips a rule's enabled flag.
func (a *App) SetRuleEnabled(ctx context.Context, ruleID int64, enabled bool) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot manage rules")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if err := store.SetRuleEnabled(ctx, ruleID, enabled); err != nil {
		return fmt.Errorf("rule %d: %w", ruleID, err)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(os.Stdout, "rule %d %s\n", ruleID, state)
	return nil
}
