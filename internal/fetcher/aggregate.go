package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
)

// BestQuote is the fan-in result of one aggregate fetch.
type BestQuote struct {
	Quote Quote
	// BelowFloor marks that the selected quote's reported liquidity is
	// under the configured floor (or unreported), for risk escalation.
	BelowFloor bool
	// Considered counts exchanges that returned a usable quote.
	Considered int
}

// Aggregate fans a fetch out across all configured exchanges and selects
// the cheapest usable quote. Each exchange sits behind its own circuit
// breaker so a flapping venue is skipped instead of re-probed every cycle.
type Aggregate struct {
	fetchers []QuoteFetcher
	breakers map[string]*gobreaker.CircuitBreaker[Quote]
	floor    decimal.Decimal
	logger   zerolog.Logger
}

// AggregateOptions tunes quote selection and per-exchange breaker behavior.
type AggregateOptions struct {
	LiquidityFloorUSD decimal.Decimal
	// BreakerTimeout is how long an open breaker waits before a trial request.
	BreakerTimeout time.Duration
	// BreakerFailures is the consecutive-failure count that opens the breaker.
	BreakerFailures uint32
}

// NewAggregate constructs the fan-out fetcher.
func NewAggregate(fetchers []QuoteFetcher, opts AggregateOptions, logger zerolog.Logger) *Aggregate {
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}

	agg := &Aggregate{
		fetchers: fetchers,
		breakers: make(map[string]*gobreaker.CircuitBreaker[Quote], len(fetchers)),
		floor:    opts.LiquidityFloorUSD,
		logger:   logger.With().Str("component", "quote_aggregate").Logger(),
	}

	for _, f := range fetchers {
		name := f.Exchange()
		agg.breakers[name] = gobreaker.NewCircuitBreaker[Quote](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     opts.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				agg.logger.Warn().
					Str("exchange", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		})
	}

	return agg
}

// FetchBest queries every exchange concurrently and returns the lowest-price
// quote. Quotes with liquidity at or above the floor are preferred; when
// none clear it, the cheapest quote is still returned with BelowFloor set.
// All exchanges failing yields ErrNoQuoteData.
func (a *Aggregate) FetchBest(ctx context.Context) (BestQuote, error) {
	quotes := make([]Quote, len(a.fetchers))
	oks := make([]bool, len(a.fetchers))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range a.fetchers {
		g.Go(func() error {
			breaker := a.breakers[f.Exchange()]
			quote, err := breaker.Execute(func() (Quote, error) {
				return f.FetchQuote(ctx)
			})
			if err != nil {
				// per-source failure stays isolated; the fan-in decides
				a.logger.Warn().Err(err).Str("exchange", f.Exchange()).Msg("quote fetch failed")
				return nil
			}
			mu.Lock()
			quotes[i] = quote
			oks[i] = true
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BestQuote{}, err
	}

	return a.selectBest(quotes, oks)
}

func (a *Aggregate) selectBest(quotes []Quote, oks []bool) (BestQuote, error) {
	var (
		best       *Quote
		bestLiquid *Quote
		considered int
	)

	for i := range quotes {
		if !oks[i] {
			continue
		}
		q := quotes[i]
		if q.Price.Sign() <= 0 {
			continue
		}
		considered++

		if best == nil || q.Price.LessThan(best.Price) {
			best = &quotes[i]
		}
		if q.HasVolume && q.VolumeUSD.GreaterThanOrEqual(a.floor) {
			if bestLiquid == nil || q.Price.LessThan(bestLiquid.Price) {
				bestLiquid = &quotes[i]
			}
		}
	}

	if considered == 0 {
		return BestQuote{}, ErrNoQuoteData
	}

	if bestLiquid != nil {
		return BestQuote{Quote: *bestLiquid, Considered: considered}, nil
	}
	return BestQuote{Quote: *best, BelowFloor: true, Considered: considered}, nil
}
