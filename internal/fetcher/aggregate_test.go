package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type stubFetcher struct {
	name  string
	quote Quote
	err   error
	calls int
}

func (s *stubFetcher) Exchange() string { return s.name }

func (s *stubFetcher) FetchQuote(ctx context.Context) (Quote, error) {
	s.calls++
	if s.err != nil {
		return Quote{}, s.err
	}
	return s.quote, nil
}

func stubQuote(exchange string, price float64, volumeUSD float64) Quote {
	return Quote{
		Exchange:   exchange,
		Pair:       "nICP/ICP",
		Price:      decimal.NewFromFloat(price),
		VolumeUSD:  decimal.NewFromFloat(volumeUSD),
		HasVolume:  volumeUSD > 0,
		ObservedAt: time.Now().UTC(),
	}
}

func newTestAggregate(fetchers ...QuoteFetcher) *Aggregate {
	return NewAggregate(fetchers, AggregateOptions{
		LiquidityFloorUSD: decimal.NewFromInt(1000),
	}, testLogger())
}

func TestAggregatePrefersCheapestLiquidQuote(t *testing.T) {
	agg := newTestAggregate(
		&stubFetcher{name: "A", quote: stubQuote("A", 0.97, 5000)},
		&stubFetcher{name: "B", quote: stubQuote("B", 0.95, 5000)},
		&stubFetcher{name: "C", quote: stubQuote("C", 0.93, 200)},
	)

	best, err := agg.FetchBest(context.Background())
	if err != nil {
		t.Fatalf("FetchBest 应成功: %v", err)
	}

	// C 更便宜但流动性不达标
	if best.Quote.Exchange != "B" {
		t.Fatalf("应选择 B, 实际 %s", best.Quote.Exchange)
	}
	if best.BelowFloor {
		t.Fatal("达标报价不应标记 BelowFloor")
	}
	if best.Considered != 3 {
		t.Fatalf("应统计 3 个可用报价, 实际 %d", best.Considered)
	}
}

func TestAggregateFallsBackBelowFloor(t *testing.T) {
	agg := newTestAggregate(
		&stubFetcher{name: "A", quote: stubQuote("A", 0.96, 100)},
		&stubFetcher{name: "B", quote: stubQuote("B", 0.94, 50)},
	)

	best, err := agg.FetchBest(context.Background())
	if err != nil {
		t.Fatalf("FetchBest 应成功: %v", err)
	}
	if best.Quote.Exchange != "B" {
		t.Fatalf("应选择最便宜的 B, 实际 %s", best.Quote.Exchange)
	}
	if !best.BelowFloor {
		t.Fatal("低流动性应标记 BelowFloor")
	}
}

func TestAggregateToleratesPartialFailure(t *testing.T) {
	agg := newTestAggregate(
		&stubFetcher{name: "A", err: errors.New("endpoint down")},
		&stubFetcher{name: "B", quote: stubQuote("B", 0.95, 5000)},
	)

	best, err := agg.FetchBest(context.Background())
	if err != nil {
		t.Fatalf("单源失败不应影响整体: %v", err)
	}
	if best.Quote.Exchange != "B" {
		t.Fatalf("应返回存活源 B, 实际 %s", best.Quote.Exchange)
	}
	if best.Considered != 1 {
		t.Fatalf("可用报价应为 1, 实际 %d", best.Considered)
	}
}

func TestAggregateAllSourcesFail(t *testing.T) {
	agg := newTestAggregate(
		&stubFetcher{name: "A", err: errors.New("down")},
		&stubFetcher{name: "B", err: errors.New("down")},
	)

	if _, err := agg.FetchBest(context.Background()); !errors.Is(err, ErrNoQuoteData) {
		t.Fatalf("全部失败应返回 ErrNoQuoteData, 实际 %v", err)
	}
}

func TestAggregateCircuitBreakerOpens(t *testing.T) {
	failing := &stubFetcher{name: "A", err: errors.New("down")}
	agg := newTestAggregate(failing)

	// 连续失败触发熔断
	for i := 0; i < 6; i++ {
		if _, err := agg.FetchBest(context.Background()); !errors.Is(err, ErrNoQuoteData) {
			t.Fatalf("失败轮次 %d 应返回 ErrNoQuoteData, 实际 %v", i, err)
		}
	}

	// 熔断打开后即使上游恢复也暂时不可用
	failing.err = nil
	failing.quote = stubQuote("A", 0.95, 5000)
	if _, err := agg.FetchBest(context.Background()); !errors.Is(err, ErrNoQuoteData) {
		t.Fatalf("熔断打开期间应返回 ErrNoQuoteData, 实际 %v", err)
	}
}

func TestAggregateBreakerThresholdConfigurable(t *testing.T) {
	failing := &stubFetcher{name: "A", err: errors.New("down")}
	agg := NewAggregate([]QuoteFetcher{failing}, AggregateOptions{
		LiquidityFloorUSD: decimal.NewFromInt(1000),
		BreakerFailures:   2,
	}, testLogger())

	for i := 0; i < 2; i++ {
		if _, err := agg.FetchBest(context.Background()); !errors.Is(err, ErrNoQuoteData) {
			t.Fatalf("失败轮次 %d 应返回 ErrNoQuoteData, 实际 %v", i, err)
		}
	}

	// 阈值 2 次, 第三轮上游已恢复但熔断仍拦截
	failing.err = nil
	failing.quote = stubQuote("A", 0.95, 5000)
	agg.FetchBest(context.Background())
	if failing.calls != 2 {
		t.Fatalf("熔断应在 2 次失败后拦截请求, 实际调用 %d 次", failing.calls)
	}
}

func TestAggregateIgnoresNonPositivePrice(t *testing.T) {
	agg := newTestAggregate(
		&stubFetcher{name: "A", quote: Quote{Exchange: "A", Pair: "nICP/ICP"}},
		&stubFetcher{name: "B", quote: stubQuote("B", 0.95, 5000)},
	)

	best, err := agg.FetchBest(context.Background())
	if err != nil {
		t.Fatalf("FetchBest 应成功: %v", err)
	}
	if best.Quote.Exchange != "B" || best.Considered != 1 {
		t.Fatalf("零价格报价应被忽略: %s / %d", best.Quote.Exchange, best.Considered)
	}
}
