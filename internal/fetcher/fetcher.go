package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Ledger canister IDs identifying the pair on IC DEX ticker feeds.
const (
	ICPLedgerCanister  = "ryjl3-tyaaa-aaaaa-aaaba-cai"
	NICPLedgerCanister = "buwm7-7yaaa-aaaar-qagva-cai"
)

var (
	// ErrPairNotListed indicates the exchange response carried no nICP/ICP ticker.
	ErrPairNotListed = errors.New("fetcher: nICP/ICP pair not listed")
	// ErrNoQuoteData indicates every configured exchange failed in one fan-out.
	ErrNoQuoteData = errors.New("fetcher: no exchange returned a usable quote")
)

// Quote is the canonical observation of the nICP/ICP market on one exchange.
// Price is ICP per nICP regardless of how the venue orders the pair.
type Quote struct {
	Exchange   string
	Pair       string
	Price      decimal.Decimal
	VolumeUSD  decimal.Decimal
	HasVolume  bool
	ObservedAt time.Time
	Raw        json.RawMessage
}

// QuoteFetcher retrieves the current nICP/ICP quote from one exchange.
type QuoteFetcher interface {
	Exchange() string
	FetchQuote(ctx context.Context) (Quote, error)
}

// CanonicalPair is the pair label every quote carries, regardless of how
// the venue orders the ticker. Rules are keyed on it, so adapters must not
// leak the venue's own ordering; the raw ticker keeps that if needed.
const CanonicalPair = "nICP/ICP"

// resolvePair maps a ticker quoted in either direction onto the ICP-per-nICP
// price under the canonical pair label. ok is false when the ticker is for
// some other pair.
func resolvePair(baseID, targetID string, lastPrice decimal.Decimal) (price decimal.Decimal, pair string, ok bool) {
	switch {
	case baseID == NICPLedgerCanister && targetID == ICPLedgerCanister:
		return lastPrice, CanonicalPair, true
	case baseID == ICPLedgerCanister && targetID == NICPLedgerCanister:
		if lastPrice.IsZero() {
			return decimal.Decimal{}, "", false
		}
		return decimal.NewFromInt(1).Div(lastPrice), CanonicalPair, true
	default:
		return decimal.Decimal{}, "", false
	}
}

// tickerClient is the HTTP plumbing shared by the exchange adapters:
// one bounded client plus a pacing limiter for rate-sensitive endpoints.
type tickerClient struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

func newTickerClient(timeout, minSpacing time.Duration, userAgent string) tickerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if minSpacing > 0 {
		limiter = rate.NewLimiter(rate.Every(minSpacing), 1)
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = "nicpwatcher/1.0"
	}
	return tickerClient{
		client:    &http.Client{Timeout: timeout},
		limiter:   limiter,
		userAgent: userAgent,
	}
}

// getJSON performs a paced GET and returns the raw body on a 2xx response.
func (t tickerClient) getJSON(ctx context.Context, url string) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(firstN(string(body), 200)))
	}
	return body, nil
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
