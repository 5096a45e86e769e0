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

const icpswapTickersPath = "/tickers"

// ICPSwapOptions parameterise the ICPSwap adapter.
type ICPSwapOptions struct {
	BaseURL    string
	Timeout    time.Duration
	MinSpacing time.Duration
	UserAgent  string
}

// ICPSwap fetches nICP/ICP quotes from the ICPSwap ticker canister.
type ICPSwap struct {
	opts    ICPSwapOptions
	http    tickerClient
	baseURL string
	logger  zerolog.Logger
}

// NewICPSwap constructs the ICPSwap adapter.
func NewICPSwap(opts ICPSwapOptions, logger zerolog.Logger) *ICPSwap {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://uvevg-iyaaa-aaaak-ac27q-cai.raw.ic0.app"
	}
	return &ICPSwap{
		opts:    opts,
		http:    newTickerClient(opts.Timeout, opts.MinSpacing, opts.UserAgent),
		baseURL: baseURL,
		logger:  logger.With().Str("component", "icpswap_fetcher").Logger(),
	}
}

// Exchange returns the exchange identifier.
func (f *ICPSwap) Exchange() string { return "ICPSwap" }

// icpswapTicker mirrors the node canister's ticker record. Numeric fields
// arrive as JSON strings; decimal handles both encodings.
type icpswapTicker struct {
	BaseID          string          `json:"base_id"`
	TargetID        string          `json:"target_id"`
	LastPrice       decimal.Decimal `json:"last_price"`
	BaseVolume24H   decimal.Decimal `json:"base_volume_24H"`
	TargetVolume24H decimal.Decimal `json:"target_volume_24H"`
	VolumeUSD24H    decimal.Decimal `json:"volume_usd_24H"`
	LiquidityUSD    decimal.Decimal `json:"liquidity_in_usd"`
}

// FetchQuote retrieves the nICP/ICP ticker and normalises it into a Quote.
func (f *ICPSwap) FetchQuote(ctx context.Context) (Quote, error) {
	body, err := f.http.getJSON(ctx, f.baseURL+icpswapTickersPath)
	if err != nil {
		return Quote{}, fmt.Errorf("icpswap tickers: %w", err)
	}

	var tickers []json.RawMessage
	if err := json.Unmarshal(body, &tickers); err != nil {
		return Quote{}, fmt.Errorf("icpswap payload: %w", err)
	}

	for _, raw := range tickers {
		var ticker icpswapTicker
		if err := json.Unmarshal(raw, &ticker); err != nil {
			// one malformed ticker must not poison the rest of the list
			f.logger.Debug().Err(err).Msg("skipping unparsable ticker")
			continue
		}
		if ticker.LastPrice.Sign() <= 0 {
			continue
		}

		price, pair, ok := resolvePair(ticker.BaseID, ticker.TargetID, ticker.LastPrice)
		if !ok {
			continue
		}

		return Quote{
			Exchange:   f.Exchange(),
			Pair:       pair,
			Price:      price,
			VolumeUSD:  ticker.VolumeUSD24H,
			HasVolume:  ticker.VolumeUSD24H.Sign() > 0,
			ObservedAt: time.Now().UTC(),
			Raw:        raw,
		}, nil
	}

	return Quote{}, ErrPairNotListed
}

var _ QuoteFetcher = (*ICPSwap)(nil)
