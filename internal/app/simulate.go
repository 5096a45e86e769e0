package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"nicp-arb-alerts/internal/alerting"
	"nicp-arb-alerts/internal/cache"
	"nicp-arb-alerts/internal/fetcher"
	"nicp-arb-alerts/internal/refrate"
	"nicp-arb-alerts/internal/service"
)

// SimulateAlert 通过给定的市场价格/官方兑换率模拟一次告警流程。
func (a *App) SimulateAlert(ctx context.Context, price, rate decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}
	chatID := a.Config.Alerting.Telegram.DefaultChat
	if chatID == "" {
		return errors.New("alerting.telegram.default_chat_id 必须配置")
	}

	quotes := &staticQuoteSource{price: price, pair: a.Config.Arbitrage.Pair}
	rates := &staticRateProvider{rate: rate}

	svc := service.New(a.Config, nil, nil, quotes, rates, cache.New(), nil, nil, nil, a.Logger)

	opp, err := svc.GetCurrentOpportunity(ctx)
	if err != nil {
		return err
	}

	threshold := decimal.NewFromFloat(a.Config.Alerting.DefaultThresholdPct)
	note := alerting.Notification{
		FiredAt:        time.Now().UTC(),
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
	return notifier.Notify(ctx, chatID, note)
}

type staticQuoteSource struct {
	price decimal.Decimal
	pair  string
}

func (s *staticQuoteSource) FetchBest(ctx context.Context) (fetcher.BestQuote, error) {
	return fetcher.BestQuote{
		Quote: fetcher.Quote{
			Exchange:   "simulated",
			Pair:       s.pair,
			Price:      s.price,
			HasVolume:  false,
			ObservedAt: time.Now().UTC(),
			Raw:        json.RawMessage("{}"),
		},
		BelowFloor: true,
		Considered: 1,
	}, nil
}

type staticRateProvider struct {
	rate decimal.Decimal
}

func (s *staticRateProvider) GetRate(ctx context.Context) refrate.ReferenceRate {
	return refrate.ReferenceRate{
		Rate:       s.rate,
		Source:     refrate.SourceLive,
		Method:     "simulated",
		ObservedAt: time.Now().UTC(),
	}
}

var _ service.QuoteSource = (*staticQuoteSource)(nil)
var _ refrate.RateProvider = (*staticRateProvider)(nil)
