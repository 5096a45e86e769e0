package refrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

// dashboardScraper extracts the issuance rate from the WaterNeuron
// dashboard page. Three independent strategies are applied in order; each
// candidate value is checked against the plausibility bound before it is
// accepted, so a match on an unrelated number falls through to the next
// strategy instead of poisoning the result.
type dashboardScraper struct {
	client    *http.Client
	url       string
	userAgent string
}

func newDashboardScraper(client *http.Client, url, userAgent string) *dashboardScraper {
	return &dashboardScraper{client: client, url: url, userAgent: userAgent}
}

var (
	icpToNICPPattern  = regexp.MustCompile(`(?i)1\s*ICP\s*[=:]\s*([\d.]+)\s*nICP`)
	nicpPerICPPattern = regexp.MustCompile(`(?i)([\d.]+)\s*nICP\s*per\s*ICP`)

	scriptRateKeys = []*regexp.Regexp{
		regexp.MustCompile(`"exchange_rate"\s*:\s*([\d.]+)`),
		regexp.MustCompile(`"rate"\s*:\s*([\d.]+)`),
		regexp.MustCompile(`"icp_to_nicp"\s*:\s*([\d.]+)`),
		regexp.MustCompile(`"conversion_rate"\s*:\s*([\d.]+)`),
	}

	rateSelectors = []string{
		`[data-testid*="exchange"]`,
		`[data-testid*="rate"]`,
		`.exchange-rate`,
		`.conversion-rate`,
		`[class*="rate"]`,
		`[id*="rate"]`,
	}

	numberPattern = regexp.MustCompile(`([\d.]+)`)
)

// scrape fetches the dashboard and walks the extraction strategies,
// returning the first plausible value and the strategy that produced it.
func (s *dashboardScraper) scrape(ctx context.Context, plausible func(decimal.Decimal) bool) (decimal.Decimal, string, error) {
	doc, err := s.fetchDocument(ctx)
	if err != nil {
		return decimal.Decimal{}, "", err
	}

	strategies := []struct {
		name    string
		extract func(doc *goquery.Document, plausible func(decimal.Decimal) bool) (decimal.Decimal, bool)
	}{
		{"text_pattern", extractTextPattern},
		{"script_json", extractScriptJSON},
		{"element_lookup", extractElementLookup},
	}

	for _, strategy := range strategies {
		if rate, ok := strategy.extract(doc, plausible); ok {
			return rate, "scrape_"+strategy.name, nil
		}
	}

	return decimal.Decimal{}, "", errors.New("no extraction strategy yielded a plausible rate")
}

func (s *dashboardScraper) fetchDocument(ctx context.Context) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	if ua := strings.TrimSpace(s.userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dashboard status %d", resp.StatusCode)
	}

	return goquery.NewDocumentFromReader(resp.Body)
}

// extractTextPattern looks for "1 ICP = X nICP" style phrasing in the
// rendered page text.
func extractTextPattern(doc *goquery.Document, plausible func(decimal.Decimal) bool) (decimal.Decimal, bool) {
	text := doc.Text()
	for _, pattern := range []*regexp.Regexp{icpToNICPPattern, nicpPerICPPattern} {
		if match := pattern.FindStringSubmatch(text); match != nil {
			if rate, err := decimal.NewFromString(match[1]); err == nil && plausible(rate) {
				return rate, true
			}
		}
	}
	return decimal.Decimal{}, false
}

// extractScriptJSON searches embedded script bodies for known rate keys.
func extractScriptJSON(doc *goquery.Document, plausible func(decimal.Decimal) bool) (decimal.Decimal, bool) {
	var found decimal.Decimal
	var ok bool

	doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		body := sel.Text()
		if body == "" {
			return true
		}
		for _, pattern := range scriptRateKeys {
			if match := pattern.FindStringSubmatch(body); match != nil {
				if rate, err := decimal.NewFromString(match[1]); err == nil && plausible(rate) {
					found, ok = rate, true
					return false
				}
			}
		}
		return true
	})

	return found, ok
}

// extractElementLookup probes elements tagged as rate displays and takes
// the first embedded number inside the plausibility bound.
func extractElementLookup(doc *goquery.Document, plausible func(decimal.Decimal) bool) (decimal.Decimal, bool) {
	var found decimal.Decimal
	var ok bool

	for _, selector := range rateSelectors {
		doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			text := strings.TrimSpace(sel.Text())
			if match := numberPattern.FindStringSubmatch(text); match != nil {
				if rate, err := decimal.NewFromString(match[1]); err == nil && plausible(rate) {
					found, ok = rate, true
					return false
				}
			}
			return true
		})
		if ok {
			return found, true
		}
	}

	return decimal.Decimal{}, false
}
