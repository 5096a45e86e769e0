package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"nicp-arb-alerts/internal/alerting"
	"nicp-arb-alerts/internal/cache"
	"nicp-arb-alerts/internal/config"
	"nicp-arb-alerts/internal/fetcher"
	"nicp-arb-alerts/internal/refrate"
	"nicp-arb-alerts/internal/scheduler"
	"nicp-arb-alerts/internal/service"
	"nicp-arb-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newQuoteSource() *fetcher.Aggregate {
	icpswap := fetcher.NewICPSwap(fetcher.ICPSwapOptions{
		BaseURL:    a.Config.Exchanges.ICPSwap.BaseURL,
		Timeout:    a.Config.Exchanges.ICPSwap.RequestTimeout,
		MinSpacing: a.Config.Exchanges.ICPSwap.MinSpacing,
		UserAgent:  a.Config.Exchanges.ICPSwap.UserAgent,
	}, a.Logger)

	kongswap := fetcher.NewKongSwap(fetcher.KongSwapOptions{
		BaseURL:     a.Config.Exchanges.KongSwap.BaseURL,
		Timeout:     a.Config.Exchanges.KongSwap.RequestTimeout,
		MinSpacing:  a.Config.Exchanges.KongSwap.MinSpacing,
		UserAgent:   a.Config.Exchanges.KongSwap.UserAgent,
		ICPPriceUSD: decimal.NewFromFloat(a.Config.Arbitrage.ICPPriceUSDGuess),
	}, a.Logger)

	return fetcher.NewAggregate([]fetcher.QuoteFetcher{icpswap, kongswap}, fetcher.AggregateOptions{
		LiquidityFloorUSD: decimal.NewFromFloat(a.Config.Arbitrage.LiquidityFloorUSD),
		BreakerTimeout:    a.Config.Exchanges.BreakerTimeout,
		BreakerFailures:   a.Config.Exchanges.BreakerFailures,
	}, a.Logger)
}

func (a *App) newRateProvider() refrate.RateProvider {
	return refrate.NewProvider(refrate.ProviderOptions{
		APIURL:       a.Config.RefRate.APIURL,
		DashboardURL: a.Config.RefRate.DashboardURL,
		Timeout:      a.Config.RefRate.RequestTimeout,
		UserAgent:    a.Config.RefRate.UserAgent,
		Fallback:     decimal.NewFromFloat(a.Config.RefRate.FallbackRate),
		PlausibleMin: decimal.NewFromFloat(a.Config.RefRate.PlausibleMin),
		PlausibleMax: decimal.NewFromFloat(a.Config.RefRate.PlausibleMax),
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence and alert rules disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	quoteSched := scheduler.New(scheduler.Options{
		Name:         "quote_scheduler",
		Interval:     a.Config.Scheduler.QuoteInterval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	alertSched := scheduler.New(scheduler.Options{
		Name:         "alert_scheduler",
		Interval:     a.Config.Scheduler.AlertInterval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	quotes := a.newQuoteSource()
	rates := a.newRateProvider()
	notifier := a.newNotifier()
	cch := cache.New()

	var sampleStore storage.SampleStore
	var locker storage.AdvisoryLocker
	var evaluator *alerting.Evaluator
	if store != nil {
		sampleStore = store
		locker = store
		evaluator = alerting.NewEvaluator(store, store, notifier, a.Logger)

		if retention := a.Config.Alerting.DispatchRetention; retention > 0 {
			cutoff := time.Now().UTC().Add(-retention)
			if err := store.DeleteDispatchesBefore(ctx, cutoff); err != nil {
				a.Logger.Warn().Err(err).Msg("dispatch retention prune failed")
			}
		}
	}

	svc := service.New(a.Config, quoteSched, alertSched, quotes, rates, cch, sampleStore, evaluator, locker, a.Logger)

	a.Logger.Info().Msg("starting monitoring service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit      int
	Dispatches bool
}

// RuleOptions configure alert rule management commands.
type RuleOptions struct {
	UserID       int64
	ChatID       string
	ThresholdPct float64
	Cooldown     time.Duration
	Limit        int
}
