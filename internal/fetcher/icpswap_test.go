package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestICPSwap(url string) *ICPSwap {
	return NewICPSwap(ICPSwapOptions{BaseURL: url, Timeout: time.Second}, testLogger())
}

func TestICPSwapFetchQuote(t *testing.T) {
	payload := fmt.Sprintf(`[
		{"base_id":"other-canister","target_id":"%s","last_price":"1.23","volume_usd_24H":"100"},
		{"base_id":"%s","target_id":"%s","last_price":"0.95","volume_usd_24H":"4321.5","liquidity_in_usd":"80000"}
	]`, ICPLedgerCanister, NICPLedgerCanister, ICPLedgerCanister)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tickers" {
			t.Fatalf("路径应为 /tickers, 实际 %s", r.URL.Path)
		}
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	quote, err := newTestICPSwap(srv.URL).FetchQuote(context.Background())
	if err != nil {
		t.Fatalf("FetchQuote 应成功: %v", err)
	}

	if quote.Exchange != "ICPSwap" {
		t.Fatalf("exchange 不正确: %s", quote.Exchange)
	}
	if quote.Pair != "nICP/ICP" {
		t.Fatalf("pair 不正确: %s", quote.Pair)
	}
	if quote.Price.String() != "0.95" {
		t.Fatalf("价格应为 0.95, 实际 %s", quote.Price)
	}
	if !quote.HasVolume || quote.VolumeUSD.String() != "4321.5" {
		t.Fatalf("USD 成交量不正确: %s", quote.VolumeUSD)
	}
	if len(quote.Raw) == 0 {
		t.Fatal("应保留原始 ticker")
	}
}

func TestICPSwapInvertedPair(t *testing.T) {
	// ICP 为 base 时价格需要取倒数
	payload := fmt.Sprintf(`[
		{"base_id":"%s","target_id":"%s","last_price":"1.25","volume_usd_24H":"500"}
	]`, ICPLedgerCanister, NICPLedgerCanister)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	quote, err := newTestICPSwap(srv.URL).FetchQuote(context.Background())
	if err != nil {
		t.Fatalf("FetchQuote 应成功: %v", err)
	}
	if quote.Price.String() != "0.8" {
		t.Fatalf("倒数价格应为 0.8, 实际 %s", quote.Price)
	}
	// 方向归一化: 反向 ticker 也必须带规范 pair, 否则规则永远匹配不上
	if quote.Pair != CanonicalPair {
		t.Fatalf("pair 应归一化为 %s, 实际 %s", CanonicalPair, quote.Pair)
	}
}

func TestICPSwapPairNotListed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"base_id":"a","target_id":"b","last_price":"1"}]`)
	}))
	defer srv.Close()

	_, err := newTestICPSwap(srv.URL).FetchQuote(context.Background())
	if !errors.Is(err, ErrPairNotListed) {
		t.Fatalf("应返回 ErrPairNotListed, 实际 %v", err)
	}
}

func TestICPSwapSkipsMalformedTicker(t *testing.T) {
	payload := fmt.Sprintf(`[
		{"base_id":123,"last_price":true},
		{"base_id":"%s","target_id":"%s","last_price":"0.96","volume_usd_24H":"10"}
	]`, NICPLedgerCanister, ICPLedgerCanister)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	quote, err := newTestICPSwap(srv.URL).FetchQuote(context.Background())
	if err != nil {
		t.Fatalf("坏记录不应影响其余 ticker: %v", err)
	}
	if quote.Price.String() != "0.96" {
		t.Fatalf("价格不正确: %s", quote.Price)
	}
}

func TestICPSwapHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := newTestICPSwap(srv.URL).FetchQuote(context.Background()); err == nil {
		t.Fatal("5xx 应报错")
	}
}
