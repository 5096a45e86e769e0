package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"nicp-arb-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Exchanges ExchangesConfig `mapstructure:"exchanges"`
	RefRate   RefRateConfig   `mapstructure:"refrate"`
	Arbitrage ArbitrageConfig `mapstructure:"arbitrage"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the two polling cadences.
type SchedulerConfig struct {
	QuoteInterval   time.Duration `mapstructure:"quote_interval"`
	AlertInterval   time.Duration `mapstructure:"alert_interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ExchangeConfig parameterises one DEX ticker endpoint.
type ExchangeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MinSpacing     time.Duration `mapstructure:"min_spacing"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ExchangesConfig lists the supported DEX sources and the shared
// circuit-breaker tuning applied to each of them.
type ExchangesConfig struct {
	ICPSwap  ExchangeConfig `mapstructure:"icpswap"`
	KongSwap ExchangeConfig `mapstructure:"kongswap"`
	// BreakerTimeout is how long an opened breaker holds before probing again.
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
	// BreakerFailures opens the breaker after this many consecutive failures.
	BreakerFailures uint32 `mapstructure:"breaker_failures"`
}

// RefRateConfig covers the WaterNeuron issuance rate sources.
type RefRateConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	DashboardURL   string        `mapstructure:"dashboard_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	FallbackRate   float64       `mapstructure:"fallback_rate"`
	PlausibleMin   float64       `mapstructure:"plausible_min"`
	PlausibleMax   float64       `mapstructure:"plausible_max"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ArbitrageConfig holds the opportunity model parameters.
type ArbitrageConfig struct {
	Pair              string        `mapstructure:"pair"`
	HoldingMonths     int           `mapstructure:"holding_months"`
	StakingAPYPct     float64       `mapstructure:"staking_apy_pct"`
	LiquidityFloorUSD float64       `mapstructure:"liquidity_floor_usd"`
	SuspectProfitPct  float64       `mapstructure:"suspect_profit_pct"`
	ICPPriceUSDGuess  float64       `mapstructure:"icp_price_usd_estimate"`
	OpportunityTTL    time.Duration `mapstructure:"cache_ttl"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled             bool           `mapstructure:"enabled"`
	DefaultThresholdPct float64        `mapstructure:"default_threshold_pct"`
	DefaultCooldown     time.Duration  `mapstructure:"default_cooldown"`
	DispatchRetention   time.Duration  `mapstructure:"dispatch_retention"`
	Telegram            TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BotToken    string `mapstructure:"bot_token"`
	DefaultChat string `mapstructure:"default_chat_id"`
	APIBase     string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NICPWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "nicpwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.quote_interval", "30s")
	v.SetDefault("scheduler.alert_interval", "60s")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6e494350))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("exchanges.icpswap.base_url", "https://uvevg-iyaaa-aaaak-ac27q-cai.raw.ic0.app")
	v.SetDefault("exchanges.icpswap.request_timeout", "10s")
	v.SetDefault("exchanges.icpswap.min_spacing", "500ms")
	v.SetDefault("exchanges.icpswap.user_agent", "nicpwatcher/1.0")
	v.SetDefault("exchanges.kongswap.base_url", "https://api.kongswap.io")
	v.SetDefault("exchanges.kongswap.request_timeout", "10s")
	v.SetDefault("exchanges.kongswap.min_spacing", "500ms")
	v.SetDefault("exchanges.kongswap.user_agent", "nicpwatcher/1.0")
	v.SetDefault("exchanges.breaker_timeout", "30s")
	v.SetDefault("exchanges.breaker_failures", 5)

	v.SetDefault("refrate.api_url", "https://wtn.ic.app/api/nicp")
	v.SetDefault("refrate.dashboard_url", "https://wtn.ic.app/?tab=nicp")
	v.SetDefault("refrate.request_timeout", "15s")
	v.SetDefault("refrate.fallback_rate", 0.9001103)
	v.SetDefault("refrate.plausible_min", 0.5)
	v.SetDefault("refrate.plausible_max", 1.5)
	v.SetDefault("refrate.cache_ttl", "2m")
	v.SetDefault("refrate.user_agent", "nicpwatcher/1.0")

	v.SetDefault("arbitrage.pair", "nICP/ICP")
	v.SetDefault("arbitrage.holding_months", 6)
	v.SetDefault("arbitrage.staking_apy_pct", 13.4)
	v.SetDefault("arbitrage.liquidity_floor_usd", 1000.0)
	v.SetDefault("arbitrage.suspect_profit_pct", 50.0)
	v.SetDefault("arbitrage.icp_price_usd_estimate", 4.80)
	v.SetDefault("arbitrage.cache_ttl", "25s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.default_threshold_pct", 10.0)
	v.SetDefault("alerting.default_cooldown", "1h")
	v.SetDefault("alerting.dispatch_retention", "720h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.QuoteInterval <= 0 {
		return fmt.Errorf("scheduler.quote_interval must be greater than zero")
	}
	if c.Scheduler.AlertInterval <= 0 {
		return fmt.Errorf("scheduler.alert_interval must be greater than zero")
	}
	if c.Arbitrage.HoldingMonths <= 0 {
		return fmt.Errorf("arbitrage.holding_months must be greater than zero")
	}
	if c.Arbitrage.OpportunityTTL <= 0 {
		return fmt.Errorf("arbitrage.cache_ttl must be greater than zero")
	}
	if c.RefRate.FallbackRate <= 0 {
		return fmt.Errorf("refrate.fallback_rate must be greater than zero")
	}
	if c.RefRate.PlausibleMin <= 0 || c.RefRate.PlausibleMax <= c.RefRate.PlausibleMin {
		return fmt.Errorf("refrate.plausible_min/plausible_max must describe a positive interval")
	}
	if c.RefRate.FallbackRate <= c.RefRate.PlausibleMin || c.RefRate.FallbackRate >= c.RefRate.PlausibleMax {
		return fmt.Errorf("refrate.fallback_rate must lie inside the plausibility bound")
	}
	if c.Alerting.DefaultThresholdPct < 0 {
		return fmt.Errorf("alerting.default_threshold_pct cannot be negative")
	}
	if c.Alerting.DefaultCooldown <= 0 {
		return fmt.Errorf("alerting.default_cooldown must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
