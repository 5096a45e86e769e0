package calc

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"nicp-arb-alerts/internal/fetcher"
	"nicp-arb-alerts/internal/refrate"
)

func testParams() Params {
	return Params{
		HoldingMonths:     6,
		StakingAPYPct:     decimal.NewFromFloat(13.4),
		LiquidityFloorUSD: decimal.NewFromInt(1000),
		SuspectProfitPct:  decimal.NewFromInt(50),
	}
}

func liquidQuote(price float64) fetcher.Quote {
	return fetcher.Quote{
		Exchange:  "ICPSwap",
		Pair:      "nICP/ICP",
		Price:     decimal.NewFromFloat(price),
		VolumeUSD: decimal.NewFromInt(5000),
		HasVolume: true,
	}
}

func liveRate(rate float64) refrate.ReferenceRate {
	return refrate.ReferenceRate{Rate: decimal.NewFromFloat(rate), Source: refrate.SourceLive}
}

func TestComputeTypicalDiscount(t *testing.T) {
	opp, err := Compute(liquidQuote(0.950), liveRate(0.9001103), false, testParams())
	if err != nil {
		t.Fatalf("Compute 应成功: %v", err)
	}

	profit := opp.ProfitPct.InexactFloat64()
	if profit < 16.8 || profit > 17.0 {
		t.Fatalf("profit_pct 应约为 16.9, 实际 %s", opp.ProfitPct)
	}

	apy := opp.APYPct.InexactFloat64()
	if apy < 36.0 || apy > 38.0 {
		t.Fatalf("apy_pct 应约为 36.7, 实际 %s", opp.APYPct)
	}

	if opp.Risk != TierLow {
		t.Fatalf("流动性充足的正收益应为 low, 实际 %s", opp.Risk)
	}
	if opp.Recommendation != "great - strong arbitrage opportunity" {
		t.Fatalf("推荐档位不正确: %s", opp.Recommendation)
	}
}

func TestComputeNarrowDiscount(t *testing.T) {
	opp, err := Compute(liquidQuote(0.979), liveRate(0.9001103), false, testParams())
	if err != nil {
		t.Fatalf("Compute 应成功: %v", err)
	}

	profit := opp.ProfitPct.InexactFloat64()
	if profit < 13.4 || profit > 13.6 {
		t.Fatalf("profit_pct 应约为 13.5, 实际 %s", opp.ProfitPct)
	}
	if opp.Recommendation != "good - solid arbitrage opportunity" {
		t.Fatalf("推荐档位不正确: %s", opp.Recommendation)
	}
}

func TestComputeDeterministic(t *testing.T) {
	first, err := Compute(liquidQuote(0.950), liveRate(0.9001103), false, testParams())
	if err != nil {
		t.Fatalf("Compute 应成功: %v", err)
	}
	second, err := Compute(liquidQuote(0.950), liveRate(0.9001103), false, testParams())
	if err != nil {
		t.Fatalf("Compute 应成功: %v", err)
	}

	if !first.ProfitPct.Equal(second.ProfitPct) || !first.APYPct.Equal(second.APYPct) {
		t.Fatalf("相同输入应得到相同输出: %s vs %s", first.ProfitPct, second.ProfitPct)
	}
}

func TestComputeRejectsNonPositiveInputs(t *testing.T) {
	if _, err := Compute(liquidQuote(0), liveRate(0.9), false, testParams()); !errors.Is(err, ErrUndefined) {
		t.Fatalf("价格为 0 应返回 ErrUndefined, 实际 %v", err)
	}
	if _, err := Compute(liquidQuote(0.95), liveRate(0), false, testParams()); !errors.Is(err, ErrUndefined) {
		t.Fatalf("兑换率为 0 应返回 ErrUndefined, 实际 %v", err)
	}

	negative := liquidQuote(0.95)
	negative.Price = decimal.NewFromFloat(-0.95)
	if _, err := Compute(negative, liveRate(0.9), false, testParams()); !errors.Is(err, ErrUndefined) {
		t.Fatalf("负价格应返回 ErrUndefined, 实际 %v", err)
	}
}

func TestRiskTierNoProfit(t *testing.T) {
	// price above redemption value: loss, no tier
	opp, err := Compute(liquidQuote(1.20), liveRate(0.9001103), false, testParams())
	if err != nil {
		t.Fatalf("Compute 应成功: %v", err)
	}
	if opp.ProfitPct.Sign() > 0 {
		t.Fatalf("该场景应为亏损: %s", opp.ProfitPct)
	}
	if opp.Risk != TierNone {
		t.Fatalf("亏损场景不应有风险层级: %s", opp.Risk)
	}
}

func TestRiskTierEscalation(t *testing.T) {
	params := testParams()

	// below liquidity floor bumps low to medium
	opp, err := Compute(liquidQuote(0.950), liveRate(0.9001103), true, params)
	if err != nil {
		t.Fatalf("Compute 应成功: %v", err)
	}
	if opp.Risk != TierMedium {
		t.Fatalf("低流动性应升级为 medium, 实际 %s", opp.Risk)
	}

	// fallback rate adds another bump
	fallback := refrate.ReferenceRate{Rate: decimal.NewFromFloat(0.9001103), Source: refrate.SourceFallback}
	opp, err = Compute(liquidQuote(0.950), fallback, true, params)
	if err != nil {
		t.Fatalf("Compute 应成功: %v", err)
	}
	if opp.Risk != TierHigh {
		t.Fatalf("低流动性 + fallback 应为 high, 实际 %s", opp.Risk)
	}

	// suspiciously large spread caps out at high
	opp, err = Compute(liquidQuote(0.30), fallback, true, params)
	if err != nil {
		t.Fatalf("Compute 应成功: %v", err)
	}
	if opp.Risk != TierHigh {
		t.Fatalf("风险层级应封顶 high, 实际 %s", opp.Risk)
	}
	if !opp.ProfitPct.GreaterThan(params.SuspectProfitPct) {
		t.Fatalf("该场景应超过可疑阈值: %s", opp.ProfitPct)
	}
}

func TestRiskTierString(t *testing.T) {
	cases := map[RiskTier]string{
		TierNone:   "none",
		TierLow:    "low",
		TierMedium: "medium",
		TierHigh:   "high",
	}
	for tier, want := range cases {
		if tier.String() != want {
			t.Fatalf("String(%d) = %s, 期望 %s", tier, tier.String(), want)
		}
		if ParseRiskTier(want) != tier {
			t.Fatalf("ParseRiskTier(%s) 应回到 %d", want, tier)
		}
	}
}

func TestAnnualizeInvertsHoldingPeriod(t *testing.T) {
	// 10% over 12 months is 10% annualized
	apy := annualize(decimal.NewFromInt(10), 12)
	if got := apy.InexactFloat64(); got < 9.99 || got > 10.01 {
		t.Fatalf("12 个月持有期年化应不变, 实际 %s", apy)
	}

	// 10% over 6 months compounds to 21%
	apy = annualize(decimal.NewFromInt(10), 6)
	if got := apy.InexactFloat64(); got < 20.9 || got > 21.1 {
		t.Fatalf("6 个月 10%% 年化应约 21%%, 实际 %s", apy)
	}
}
