package refrate

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestProvider(apiURL, dashboardURL string) *Provider {
	return NewProvider(ProviderOptions{
		APIURL:       apiURL,
		DashboardURL: dashboardURL,
		Timeout:      time.Second,
		Fallback:     decimal.NewFromFloat(0.9001103),
		PlausibleMin: decimal.NewFromFloat(0.5),
		PlausibleMax: decimal.NewFromFloat(1.5),
	}, testLogger())
}

func deadServer() *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	return srv
}

func TestGetRateFromAPI(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 协议端点以 text/plain 返回 JSON
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, `{"nicp_to_icp_rate":0.9003}`)
	}))
	defer api.Close()
	dash := deadServer()
	defer dash.Close()

	ref := newTestProvider(api.URL, dash.URL).GetRate(context.Background())

	if ref.Source != SourceLive {
		t.Fatalf("应为 live 来源, 实际 %s", ref.Source)
	}
	if ref.Method != "protocol_api" {
		t.Fatalf("method 不正确: %s", ref.Method)
	}
	if ref.Rate.String() != "0.9003" {
		t.Fatalf("rate 不正确: %s", ref.Rate)
	}
}

func TestGetRateAPIKeyVariants(t *testing.T) {
	for _, body := range []string{
		`{"exchange_rate":0.9003}`,
		`{"rate":0.9003}`,
		`{"conversion_rate":0.9003}`,
	} {
		api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}))
		dash := deadServer()

		ref := newTestProvider(api.URL, dash.URL).GetRate(context.Background())
		if ref.Source != SourceLive || ref.Rate.String() != "0.9003" {
			t.Fatalf("payload %s 解析失败: %s (%s)", body, ref.Rate, ref.Source)
		}

		api.Close()
		dash.Close()
	}
}

func TestGetRateImplausibleAPIFallsToScrape(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 超出合理区间, 应继续尝试 dashboard
		fmt.Fprint(w, `{"rate":42.0}`)
	}))
	defer api.Close()

	dash := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>1 ICP = 0.9005 nICP</p></body></html>`)
	}))
	defer dash.Close()

	ref := newTestProvider(api.URL, dash.URL).GetRate(context.Background())

	if ref.Source != SourceLive {
		t.Fatalf("应为 live 来源, 实际 %s", ref.Source)
	}
	if ref.Method != "scrape_text_pattern" {
		t.Fatalf("应来自文本匹配, 实际 %s", ref.Method)
	}
	if ref.Rate.String() != "0.9005" {
		t.Fatalf("rate 不正确: %s", ref.Rate)
	}
}

func TestGetRateScrapeScriptJSON(t *testing.T) {
	api := deadServer()
	defer api.Close()

	dash := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><script>window.__DATA__={"exchange_rate":0.9007};</script></head><body></body></html>`)
	}))
	defer dash.Close()

	ref := newTestProvider(api.URL, dash.URL).GetRate(context.Background())

	if ref.Method != "scrape_script_json" {
		t.Fatalf("应来自 script 解析, 实际 %s", ref.Method)
	}
	if ref.Rate.String() != "0.9007" {
		t.Fatalf("rate 不正确: %s", ref.Rate)
	}
}

func TestGetRateScrapeElementLookup(t *testing.T) {
	api := deadServer()
	defer api.Close()

	dash := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div class="exchange-rate">0.9009</div></body></html>`)
	}))
	defer dash.Close()

	ref := newTestProvider(api.URL, dash.URL).GetRate(context.Background())

	if ref.Method != "scrape_element_lookup" {
		t.Fatalf("应来自元素查找, 实际 %s", ref.Method)
	}
	if ref.Rate.String() != "0.9009" {
		t.Fatalf("rate 不正确: %s", ref.Rate)
	}
}

func TestGetRateFallbackWhenAllSourcesFail(t *testing.T) {
	api := deadServer()
	defer api.Close()
	dash := deadServer()
	defer dash.Close()

	ref := newTestProvider(api.URL, dash.URL).GetRate(context.Background())

	if ref.Source != SourceFallback {
		t.Fatalf("应降级到 fallback, 实际 %s", ref.Source)
	}
	if ref.Method != "fallback_constant" {
		t.Fatalf("method 不正确: %s", ref.Method)
	}
	if ref.Rate.String() != "0.9001103" {
		t.Fatalf("fallback 值不正确: %s", ref.Rate)
	}
}

func TestGetRateImplausibleScrapeRejected(t *testing.T) {
	api := deadServer()
	defer api.Close()

	// 页面上的数字全部超出区间, 应继续降级
	dash := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>1 ICP = 42 nICP</p><div class="rate-card">3.50</div></body></html>`)
	}))
	defer dash.Close()

	ref := newTestProvider(api.URL, dash.URL).GetRate(context.Background())

	if ref.Source != SourceFallback {
		t.Fatalf("不合理值应被拒绝并降级, 实际 %s (%s)", ref.Source, ref.Rate)
	}
}
