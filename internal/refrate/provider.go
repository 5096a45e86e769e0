package refrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Source tags where a reference rate came from.
type Source string

const (
	SourceLive     Source = "live"
	SourceFallback Source = "fallback"
)

// ReferenceRate is the nICP-per-ICP issuance rate used as the arbitrage
// baseline. Rate is always positive; Source records whether it was
// observed live or substituted from the configured fallback.
type ReferenceRate struct {
	Rate       decimal.Decimal
	Source     Source
	Method     string
	ObservedAt time.Time
}

// RateProvider supplies the canonical issuance rate. Implementations never
// fail: when no live source yields a plausible value the fallback constant
// is returned instead.
type RateProvider interface {
	GetRate(ctx context.Context) ReferenceRate
}

// ProviderOptions parameterise the WaterNeuron rate provider.
type ProviderOptions struct {
	APIURL       string
	DashboardURL string
	Timeout      time.Duration
	UserAgent    string
	Fallback     decimal.Decimal
	PlausibleMin decimal.Decimal
	PlausibleMax decimal.Decimal
}

// Provider resolves the issuance rate through an ordered strategy chain:
// the protocol API first, then dashboard scraping, then the fallback
// constant. The first value inside the plausibility bound wins.
type Provider struct {
	opts    ProviderOptions
	client  *http.Client
	scraper *dashboardScraper
	logger  zerolog.Logger
}

// NewProvider constructs the rate provider.
func NewProvider(opts ProviderOptions, logger zerolog.Logger) *Provider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.APIURL == "" {
		opts.APIURL = "https://wtn.ic.app/api/nicp"
	}
	if opts.DashboardURL == "" {
		opts.DashboardURL = "https://wtn.ic.app/?tab=nicp"
	}
	if opts.PlausibleMin.IsZero() {
		opts.PlausibleMin = decimal.NewFromFloat(0.5)
	}
	if opts.PlausibleMax.IsZero() {
		opts.PlausibleMax = decimal.NewFromFloat(1.5)
	}

	client := &http.Client{Timeout: timeout}
	return &Provider{
		opts:    opts,
		client:  client,
		scraper: newDashboardScraper(client, opts.DashboardURL, opts.UserAgent),
		logger:  logger.With().Str("component", "refrate_provider").Logger(),
	}
}

// GetRate resolves the current issuance rate. It never fails; an exhausted
// strategy chain degrades to the fallback constant tagged accordingly.
func (p *Provider) GetRate(ctx context.Context) ReferenceRate {
	if rate, err := p.fetchFromAPI(ctx); err == nil {
		if p.plausible(rate) {
			p.logger.Debug().Str("rate", rate.String()).Msg("issuance rate from protocol api")
			return ReferenceRate{Rate: rate, Source: SourceLive, Method: "protocol_api", ObservedAt: time.Now().UTC()}
		}
		p.logger.Warn().Str("rate", rate.String()).Msg("protocol api rate outside plausibility bound")
	} else {
		p.logger.Warn().Err(err).Msg("protocol api fetch failed")
	}

	if rate, method, err := p.scraper.scrape(ctx, p.plausible); err == nil {
		p.logger.Debug().Str("rate", rate.String()).Str("method", method).Msg("issuance rate from dashboard")
		return ReferenceRate{Rate: rate, Source: SourceLive, Method: method, ObservedAt: time.Now().UTC()}
	} else {
		p.logger.Warn().Err(err).Msg("dashboard scrape failed")
	}

	p.logger.Info().Str("rate", p.opts.Fallback.String()).Msg("using fallback issuance rate")
	return ReferenceRate{Rate: p.opts.Fallback, Source: SourceFallback, Method: "fallback_constant", ObservedAt: time.Now().UTC()}
}

func (p *Provider) plausible(rate decimal.Decimal) bool {
	return rate.GreaterThan(p.opts.PlausibleMin) && rate.LessThan(p.opts.PlausibleMax)
}

// apiResponse mirrors the protocol endpoint. The rate key has moved around
// across protocol releases; all known spellings are checked in order.
type apiResponse struct {
	NICPToICPRate  decimal.Decimal `json:"nicp_to_icp_rate"`
	ExchangeRate   decimal.Decimal `json:"exchange_rate"`
	Rate           decimal.Decimal `json:"rate"`
	ConversionRate decimal.Decimal `json:"conversion_rate"`
}

func (r apiResponse) rate() (decimal.Decimal, bool) {
	for _, candidate := range []decimal.Decimal{r.NICPToICPRate, r.ExchangeRate, r.Rate, r.ConversionRate} {
		if candidate.Sign() > 0 {
			return candidate, true
		}
	}
	return decimal.Decimal{}, false
}

func (p *Provider) fetchFromAPI(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.APIURL, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("protocol api status %d", resp.StatusCode)
	}

	// the endpoint serves JSON with a text/plain content type; decode the
	// body regardless of what the headers claim
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return decimal.Decimal{}, fmt.Errorf("protocol api payload: %w", err)
	}

	rate, ok := parsed.rate()
	if !ok {
		return decimal.Decimal{}, errors.New("protocol api response carried no rate field")
	}
	return rate, nil
}

var _ RateProvider = (*Provider)(nil)
