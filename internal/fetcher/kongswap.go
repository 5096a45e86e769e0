package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const kongswapTickersPath = "/api/coingecko/tickers"

// KongSwapOptions parameterise the KongSwap adapter.
type KongSwapOptions struct {
	BaseURL     string
	Timeout     time.Duration
	MinSpacing  time.Duration
	UserAgent   string
	ICPPriceUSD decimal.Decimal
}

// KongSwap fetches nICP/ICP quotes from the KongSwap CoinGecko-style feed.
type KongSwap struct {
	opts    KongSwapOptions
	http    tickerClient
	baseURL string
	logger  zerolog.Logger
}

// NewKongSwap constructs the KongSwap adapter.
func NewKongSwap(opts KongSwapOptions, logger zerolog.Logger) *KongSwap {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.kongswap.io"
	}
	return &KongSwap{
		opts:    opts,
		http:    newTickerClient(opts.Timeout, opts.MinSpacing, opts.UserAgent),
		baseURL: baseURL,
		logger:  logger.With().Str("component", "kongswap_fetcher").Logger(),
	}
}

// Exchange returns the exchange identifier.
func (f *KongSwap) Exchange() string { return "KongSwap" }

// kongswapTicker mirrors the CoinGecko ticker shape. The feed has shipped
// both base_currency and base_id over time, so both are accepted.
type kongswapTicker struct {
	BaseCurrency   string          `json:"base_currency"`
	BaseID         string          `json:"base_id"`
	TargetCurrency string          `json:"target_currency"`
	TargetID       string          `json:"target_id"`
	LastPrice      decimal.Decimal `json:"last_price"`
	BaseVolume     decimal.Decimal `json:"base_volume"`
	TargetVolume   decimal.Decimal `json:"target_volume"`
}

func (t kongswapTicker) baseCanister() string {
	if t.BaseCurrency != "" {
		return t.BaseCurrency
	}
	return t.BaseID
}

func (t kongswapTicker) targetCanister() string {
	if t.TargetCurrency != "" {
		return t.TargetCurrency
	}
	return t.TargetID
}

// FetchQuote retrieves the nICP/ICP ticker and normalises it into a Quote.
// KongSwap reports token volumes only; the USD figure is estimated from the
// ICP-side volume and the configured ICP price estimate.
func (f *KongSwap) FetchQuote(ctx context.Context) (Quote, error) {
	body, err := f.http.getJSON(ctx, f.baseURL+kongswapTickersPath)
	if err != nil {
		return Quote{}, fmt.Errorf("kongswap tickers: %w", err)
	}

	var tickers []json.RawMessage
	if err := json.Unmarshal(body, &tickers); err != nil {
		return Quote{}, fmt.Errorf("kongswap payload: %w", err)
	}

	for _, raw := range tickers {
		var ticker kongswapTicker
		if err := json.Unmarshal(raw, &ticker); err != nil {
			f.logger.Debug().Err(err).Msg("skipping unparsable ticker")
			continue
		}
		if ticker.LastPrice.Sign() <= 0 {
			continue
		}

		baseID := ticker.baseCanister()
		targetID := ticker.targetCanister()
		price, pair, ok := resolvePair(baseID, targetID, ticker.LastPrice)
		if !ok {
			continue
		}

		icpVolume := ticker.TargetVolume
		if baseID == ICPLedgerCanister {
			icpVolume = ticker.BaseVolume
		}

		volumeUSD := decimal.Decimal{}
		if icpVolume.Sign() > 0 && f.opts.ICPPriceUSD.Sign() > 0 {
			volumeUSD = icpVolume.Mul(f.opts.ICPPriceUSD)
		}

		return Quote{
			Exchange:   f.Exchange(),
			Pair:       pair,
			Price:      price,
			VolumeUSD:  volumeUSD,
			HasVolume:  volumeUSD.Sign() > 0,
			ObservedAt: time.Now().UTC(),
			Raw:        raw,
		}, nil
	}

	return Quote{}, ErrPairNotListed
}

var _ QuoteFetcher = (*KongSwap)(nil)
