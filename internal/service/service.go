package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"nicp-arb-alerts/internal/alerting"
	"nicp-arb-alerts/internal/cache"
	"nicp-arb-alerts/internal/calc"
	"nicp-arb-alerts/internal/config"
	"nicp-arb-alerts/internal/fetcher"
	"nicp-arb-alerts/internal/refrate"
	"nicp-arb-alerts/internal/scheduler"
	"nicp-arb-alerts/internal/storage"
)

// ErrUnavailable indicates no exchange produced a usable quote this cycle.
// Callers get this instead of stale data: an expired cache entry is never
// served past its TTL.
var ErrUnavailable = errors.New("service: no market data available")

const rateCacheKey = "refrate:nicp"

// QuoteSource is the fan-out quote surface the service polls.
type QuoteSource interface {
	FetchBest(ctx context.Context) (fetcher.BestQuote, error)
}

// Service orchestrates quote acquisition, opportunity computation,
// persistence, and alert evaluation.
type Service struct {
	quoteSched *scheduler.Scheduler
	alertSched *scheduler.Scheduler
	quotes     QuoteSource
	rates      refrate.RateProvider
	cache      *cache.Cache
	samples    storage.SampleStore
	evaluator  *alerting.Evaluator
	locker     storage.AdvisoryLocker
	logger     zerolog.Logger

	// dispatchMu serializes evaluation passes in-process so concurrent
	// pull-path triggers cannot interleave with the scheduled pass.
	dispatchMu sync.Mutex

	pair     string
	params   calc.Params
	oppTTL   time.Duration
	rateTTL  time.Duration
	alertsOn bool
	lockKey  int64
}

// New constructs the monitoring service.
func New(cfg *config.Config, quoteSched, alertSched *scheduler.Scheduler, quotes QuoteSource, rates refrate.RateProvider, cch *cache.Cache, samples storage.SampleStore, evaluator *alerting.Evaluator, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	return &Service{
		quoteSched: quoteSched,
		alertSched: alertSched,
		quotes:     quotes,
		rates:      rates,
		cache:      cch,
		samples:    samples,
		evaluator:  evaluator,
		locker:     locker,
		logger:     logger.With().Str("component", "service").Logger(),
		pair:       cfg.Arbitrage.Pair,
		params: calc.Params{
			HoldingMonths:     cfg.Arbitrage.HoldingMonths,
			StakingAPYPct:     decimal.NewFromFloat(cfg.Arbitrage.StakingAPYPct),
			LiquidityFloorUSD: decimal.NewFromFloat(cfg.Arbitrage.LiquidityFloorUSD),
			SuspectProfitPct:  decimal.NewFromFloat(cfg.Arbitrage.SuspectProfitPct),
		},
		oppTTL:   cfg.Arbitrage.OpportunityTTL,
		rateTTL:  cfg.RefRate.CacheTTL,
		alertsOn: cfg.Alerting.Enabled,
		lockKey:  cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run blocks, driving the sampling and evaluation loops until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.quoteSched == nil || s.alertSched == nil {
		return fmt.Errorf("schedulers not configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.quoteSched.Run(ctx, s.ProcessQuoteBucket)
	})
	g.Go(func() error {
		return s.alertSched.Run(ctx, s.ProcessAlertBucket)
	})
	return g.Wait()
}

// ProcessQuoteBucket 执行单个时间桶的采样逻辑。
func (s *Service) ProcessQuoteBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	opp, considered, err := s.fetchOpportunity(ctx)
	if err != nil {
		s.recordFailure(ctx, bucket, err)
		return err
	}

	s.cache.Put(s.oppKey(), opp, s.oppTTL)

	if s.samples != nil {
		sample := storage.OpportunitySample{
			Bucket:        bucket,
			Pair:          s.pair,
			Exchange:      opp.Quote.Exchange,
			Price:         opp.Quote.Price,
			ReferenceRate: opp.Rate.Rate,
			RateSource:    string(opp.Rate.Source),
			ProfitPct:     opp.ProfitPct,
			APYPct:        opp.APYPct,
			RiskTier:      opp.Risk.String(),
			VolumeUSD:     opp.Quote.VolumeUSD,
			Sources:       considered,
			Status:        "complete",
			Quote:         opp.Quote.Raw,
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.samples.UpsertSample(ctx, sample); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to upsert sample")
		}
	}

	s.logger.Info().Time("bucket", bucket).
		Str("exchange", opp.Quote.Exchange).
		Str("profit_pct", opp.ProfitPct.StringFixed(4)).
		Str("risk", opp.Risk.String()).
		Msg("sample recorded")

	return nil
}

// ProcessAlertBucket runs one alert evaluation pass against the current
// opportunity.
func (s *Service) ProcessAlertBucket(ctx context.Context, bucket time.Time) error {
	if !s.alertsOn || s.evaluator == nil {
		return nil
	}

	opp, err := s.GetCurrentOpportunity(ctx)
	if errors.Is(err, ErrUnavailable) {
		s.logger.Warn().Time("bucket", bucket).Msg("skip alert evaluation, no market data")
		return nil
	}
	if err != nil {
		return fmt.Errorf("current opportunity: %w", err)
	}

	fired, err := s.EvaluateAndDispatch(ctx, opp)
	if err != nil {
		return fmt.Errorf("evaluate alerts: %w", err)
	}
	if fired > 0 {
		s.logger.Info().Time("bucket", bucket).Int("fired", fired).Msg("alerts dispatched")
	}
	return nil
}

// GetCurrentOpportunity returns the freshest opportunity, serving the cache
// when it is within TTL and fetching otherwise. Concurrent callers on a
// cold cache share one upstream fetch.
func (s *Service) GetCurrentOpportunity(ctx context.Context) (calc.Opportunity, error) {
	value, err := s.cache.GetOrFetch(ctx, s.oppKey(), s.oppTTL, func(ctx context.Context) (any, error) {
		opp, _, err := s.fetchOpportunity(ctx)
		if err != nil {
			return nil, err
		}
		return opp, nil
	})
	if err != nil {
		return calc.Opportunity{}, err
	}
	return value.(calc.Opportunity), nil
}

// EvaluateAndDispatch walks the active rules against opp and returns how
// many alerts fired. Passes are serialized in-process; cross-process races
// fall to the ledger's atomic claim.
func (s *Service) EvaluateAndDispatch(ctx context.Context, opp calc.Opportunity) (int, error) {
	if s.evaluator == nil {
		return 0, nil
	}
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.evaluator.Evaluate(ctx, opp)
}

// fetchOpportunity performs one full acquisition pass: best quote and
// reference rate in parallel, then the profitability computation. The
// reference rate rides its own longer-lived cache entry.
func (s *Service) fetchOpportunity(ctx context.Context) (calc.Opportunity, int, error) {
	var best fetcher.BestQuote

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := s.quotes.FetchBest(gctx)
		if err != nil {
			return err
		}
		best = b
		return nil
	})

	var ref refrate.ReferenceRate
	g.Go(func() error {
		ref = s.referenceRate(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, fetcher.ErrNoQuoteData) {
			return calc.Opportunity{}, 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return calc.Opportunity{}, 0, err
	}

	opp, err := calc.Compute(best.Quote, ref, best.BelowFloor, s.params)
	if err != nil {
		return calc.Opportunity{}, 0, fmt.Errorf("compute opportunity: %w", err)
	}
	return opp, best.Considered, nil
}

// referenceRate returns the cached issuance rate, refreshing it at most
// once per TTL window. The provider itself never fails, so neither does
// this path.
func (s *Service) referenceRate(ctx context.Context) refrate.ReferenceRate {
	value, err := s.cache.GetOrFetch(ctx, rateCacheKey, s.rateTTL, func(ctx context.Context) (any, error) {
		return s.rates.GetRate(ctx), nil
	})
	if err != nil {
		// only context cancellation lands here; degrade to a direct call
		return s.rates.GetRate(ctx)
	}
	return value.(refrate.ReferenceRate)
}

func (s *Service) recordFailure(ctx context.Context, bucket time.Time, cause error) {
	if s.samples == nil {
		return
	}
	status := "error"
	if errors.Is(cause, ErrUnavailable) {
		status = "no_data"
	}
	msg := cause.Error()
	sample := storage.OpportunitySample{
		Bucket:    bucket,
		Pair:      s.pair,
		Status:    status,
		Error:     &msg,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.samples.UpsertSample(ctx, sample); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to upsert failure sample")
	}
}

func (s *Service) oppKey() string {
	return "opportunity:" + s.pair
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
