package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"nicp-arb-alerts/internal/calc"
	"nicp-arb-alerts/internal/storage"
)

// RuleSource lists the active subscriptions for a pair.
type RuleSource interface {
	ListActiveRules(ctx context.Context, pair string) ([]storage.AlertRule, error)
}

// DispatchLedger is the durable check-and-record surface the evaluator
// fires through. Claims are atomic: a claim that would violate a rule's
// cooldown fails with storage.ErrCooldownActive.
type DispatchLedger interface {
	LastDispatch(ctx context.Context, ruleID, userID int64) (time.Time, bool, error)
	ClaimDispatch(ctx context.Context, claim storage.DispatchClaim) (storage.AlertDispatch, error)
}

// Evaluator walks the active rules against the current opportunity and
// dispatches the ones whose threshold is met and whose cooldown has
// elapsed. It holds no in-memory session state; all memory of past firings
// lives in the ledger, so evaluation survives process restarts.
type Evaluator struct {
	rules    RuleSource
	ledger   DispatchLedger
	notifier Notifier
	logger   zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewEvaluator constructs an evaluator over the given rule and ledger stores.
func NewEvaluator(rules RuleSource, ledger DispatchLedger, notifier Notifier, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		rules:    rules,
		ledger:   ledger,
		notifier: notifier,
		logger:   logger.With().Str("component", "alert_evaluator").Logger(),
		now:      time.Now,
	}
}

// Evaluate runs one pass for the opportunity's pair and returns how many
// alerts fired. A rule losing the cooldown race is not an error; a
// notification send failure after a successful claim is logged and the
// claim stands, trading a possibly dropped message for spam protection.
func (e *Evaluator) Evaluate(ctx context.Context, opp calc.Opportunity) (int, error) {
	rules, err := e.rules.ListActiveRules(ctx, opp.Quote.Pair)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, rule := range rules {
		if opp.ProfitPct.LessThan(rule.ThresholdPct) {
			continue
		}

		// cheap pre-check before paying for a claim transaction
		if lastFired, ok, err := e.ledger.LastDispatch(ctx, rule.ID, rule.UserID); err != nil {
			e.logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("last dispatch lookup failed")
			continue
		} else if ok && e.now().Sub(lastFired) < rule.Cooldown() {
			continue
		}

		claim := storage.DispatchClaim{
			RuleID:       rule.ID,
			UserID:       rule.UserID,
			FiredAt:      e.now().UTC(),
			ProfitPct:    opp.ProfitPct,
			ThresholdPct: rule.ThresholdPct,
			Exchange:     opp.Quote.Exchange,
			Cooldown:     rule.Cooldown(),
		}

		dispatch, err := e.ledger.ClaimDispatch(ctx, claim)
		if errors.Is(err, storage.ErrCooldownActive) {
			e.logger.Debug().Int64("rule_id", rule.ID).Msg("claim lost cooldown race")
			continue
		}
		if err != nil {
			e.logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("dispatch claim failed")
			continue
		}

		fired++
		e.logger.Info().
			Int64("rule_id", rule.ID).
			Int64("user_id", rule.UserID).
			Str("profit_pct", opp.ProfitPct.StringFixed(2)).
			Msg("alert fired")

		if e.notifier == nil {
			continue
		}
		note := buildNotification(dispatch.FiredAt, rule.ThresholdPct, opp)
		if err := e.notifier.Notify(ctx, rule.ChatID, note); err != nil {
			// the claim is spent either way: re-sending next cycle would
			// turn one flaky delivery into a notification storm
			e.logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("notification send failed")
		}
	}

	return fired, nil
}

func buildNotification(firedAt time.Time, threshold decimal.Decimal, opp calc.Opportunity) Notification {
	return Notification{
		FiredAt:        firedAt,
		Exchange:       opp.Quote.Exchange,
		Pair:           opp.Quote.Pair,
		PriceICP:       opp.Quote.Price,
		ReferenceRate:  opp.Rate.Rate,
		RateSource:     string(opp.Rate.Source),
		ProfitPct:      opp.ProfitPct,
		APYPct:         opp.APYPct,
		ThresholdPct:   threshold,
		RiskTier:       opp.Risk.String(),
		Recommendation: opp.Recommendation,
		HoldingMonths:  opp.HoldingMonths,
		StakingAPYPct:  opp.StakingAPYPct,
	}
}
