package sources

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/exchangerate/domain"
)

var lastPricePattern = regexp.MustCompile(`data-last-price="([0-9][0-9.,]*)"`)

// GoogleFinance scrapes the quote page for the currency pair.
type GoogleFinance struct {
	client Doer
	url    string
}

func NewGoogleFinance(client Doer, url string) *GoogleFinance {
	return &GoogleFinance{client: client, url: strings.TrimSpace(url)}
}

func (s *GoogleFinance) Name() string { return "google_finance" }

func (s *GoogleFinance) Fetch(ctx context.Context) (decimal.Decimal, error) {
	if s.url == "" {
		return decimal.Zero, domain.ErrSourceNotConfigured
	}
	body, err := get(ctx, s.client, s.url, "text/html")
	if err != nil {
		return decimal.Zero, err
	}
	return parseLastPrice(body)
}

func parseLastPrice(body []byte) (decimal.Decimal, error) {
	match := lastPricePattern.FindSubmatch(body)
	if len(match) < 2 {
		return decimal.Zero, fmt.Errorf("%w: last price not found", domain.ErrMalformedResponse)
	}
	raw := strings.ReplaceAll(string(match[1]), ",", "")
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive rate", domain.ErrMalformedResponse)
	}
	return rate, nil
}
