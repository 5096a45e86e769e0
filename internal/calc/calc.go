// Package calc turns a DEX quote and the protocol issuance rate into an
// arbitrage opportunity. Everything here is pure computation; network and
// persistence live elsewhere.
package calc

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"nicp-arb-alerts/internal/fetcher"
	"nicp-arb-alerts/internal/refrate"
)

// ErrUndefined indicates a non-positive price or rate reached the
// calculator. Callers treat this as a bug-class condition: log loudly, omit
// the opportunity for the cycle, keep running.
var ErrUndefined = errors.New("calc: quote price and reference rate must be positive")

// RiskTier grades confidence in an opportunity.
type RiskTier int

const (
	TierNone RiskTier = iota
	TierLow
	TierMedium
	TierHigh
)

// String implements fmt.Stringer.
func (t RiskTier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	default:
		return "none"
	}
}

// ParseRiskTier maps a stored tier label back to its RiskTier.
func ParseRiskTier(s string) RiskTier {
	switch s {
	case "low":
		return TierLow
	case "medium":
		return TierMedium
	case "high":
		return TierHigh
	default:
		return TierNone
	}
}

// Params hold the tunable model constants.
type Params struct {
	HoldingMonths     int
	StakingAPYPct     decimal.Decimal
	LiquidityFloorUSD decimal.Decimal
	SuspectProfitPct  decimal.Decimal
}

// Opportunity is the derived result of one computation pass. It is owned by
// the evaluation cycle that produced it and superseded wholesale by the
// next cycle.
type Opportunity struct {
	Quote               fetcher.Quote
	Rate                refrate.ReferenceRate
	FutureICPPerNICP    decimal.Decimal
	ProfitPct           decimal.Decimal
	APYPct              decimal.Decimal
	Risk                RiskTier
	Recommendation      string
	BelowLiquidityFloor bool
	HoldingMonths       int
	StakingAPYPct       decimal.Decimal
	ComputedAt          time.Time
}

var (
	decOne     = decimal.NewFromInt(1)
	decHundred = decimal.NewFromInt(100)
)

// Compute derives the opportunity for buying nICP at quote.Price ICP and
// redeeming 1/rate ICP after the dissolution period. The redemption value
// already embeds the holding-period staking yield, so the holding-period
// profit is simply 1/(price*rate) - 1; the annualised figure compounds that
// over 12/holdingMonths periods.
func Compute(quote fetcher.Quote, rate refrate.ReferenceRate, belowFloor bool, params Params) (Opportunity, error) {
	if quote.Price.Sign() <= 0 || rate.Rate.Sign() <= 0 {
		return Opportunity{}, ErrUndefined
	}
	if params.HoldingMonths <= 0 {
		return Opportunity{}, errors.New("calc: holding months must be positive")
	}

	future := decOne.Div(rate.Rate)
	profitPct := future.Div(quote.Price).Sub(decOne).Mul(decHundred)
	apyPct := annualize(profitPct, params.HoldingMonths)

	opp := Opportunity{
		Quote:               quote,
		Rate:                rate,
		FutureICPPerNICP:    future,
		ProfitPct:           profitPct,
		APYPct:              apyPct,
		Recommendation:      recommend(profitPct),
		BelowLiquidityFloor: belowFloor,
		HoldingMonths:       params.HoldingMonths,
		StakingAPYPct:       params.StakingAPYPct,
		ComputedAt:          time.Now().UTC(),
	}
	opp.Risk = riskTier(opp, params)
	return opp, nil
}

// annualize compounds a holding-period return into an annual percentage.
// decimal has no fractional exponent, so the single power operation runs in
// float64 and converts back.
func annualize(profitPct decimal.Decimal, holdingMonths int) decimal.Decimal {
	growth := decOne.Add(profitPct.Div(decHundred)).InexactFloat64()
	if growth <= 0 {
		return decimal.NewFromInt(-100)
	}
	periods := 12.0 / float64(holdingMonths)
	return decimal.NewFromFloat((math.Pow(growth, periods) - 1) * 100)
}

// riskTier starts at low for any positive profit and escalates one step per
// reduced-confidence signal, capped at high. No profit means no tier.
func riskTier(opp Opportunity, params Params) RiskTier {
	if opp.ProfitPct.Sign() <= 0 {
		return TierNone
	}

	tier := TierLow
	bump := func() {
		if tier < TierHigh {
			tier++
		}
	}

	if params.SuspectProfitPct.Sign() > 0 && opp.ProfitPct.GreaterThan(params.SuspectProfitPct) {
		// a spread this wide is more likely bad data than free money
		bump()
	}
	if opp.BelowLiquidityFloor {
		bump()
	}
	if opp.Rate.Source == refrate.SourceFallback {
		bump()
	}
	return tier
}

func recommend(profitPct decimal.Decimal) string {
	switch {
	case profitPct.GreaterThanOrEqual(decimal.NewFromInt(20)):
		return "excellent - very high arbitrage opportunity"
	case profitPct.GreaterThanOrEqual(decimal.NewFromInt(15)):
		return "great - strong arbitrage opportunity"
	case profitPct.GreaterThanOrEqual(decimal.NewFromInt(10)):
		return "good - solid arbitrage opportunity"
	case profitPct.GreaterThanOrEqual(decimal.NewFromInt(5)):
		return "moderate - decent arbitrage opportunity"
	default:
		return "poor - not recommended"
	}
}
