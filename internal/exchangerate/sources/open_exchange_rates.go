package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/exchangerate/domain"
)

// OpenExchangeRates reads the openexchangerates.org latest endpoint. It needs an app id.
type OpenExchangeRates struct {
	client   Doer
	url      string
	appID    string
	currency string
}

func NewOpenExchangeRates(client Doer, baseURL, appID, currency string) *OpenExchangeRates {
	return &OpenExchangeRates{
		client:   client,
		url:      strings.TrimSpace(baseURL),
		appID:    strings.TrimSpace(appID),
		currency: strings.ToUpper(currency),
	}
}

func (s *OpenExchangeRates) Name() string { return "open_exchange_rates" }

type openExchangeRatesResponse struct {
	Base  string                 `json:"base"`
	Rates map[string]json.Number `json:"rates"`
}

func (s *OpenExchangeRates) Fetch(ctx context.Context) (decimal.Decimal, error) {
	if s.url == "" || s.appID == "" {
		return decimal.Zero, domain.ErrSourceNotConfigured
	}
	uri, err := url.Parse(s.url)
	if err != nil {
		return decimal.Zero, domain.ErrSourceNotConfigured
	}
	query := uri.Query()
	query.Set("app_id", s.appID)
	query.Set("symbols", s.currency)
	uri.RawQuery = query.Encode()

	body, err := get(ctx, s.client, uri.String(), "application/json")
	if err != nil {
		return decimal.Zero, err
	}

	var payload openExchangeRatesResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	if payload.Base != "" && !strings.EqualFold(payload.Base, "USD") {
		return decimal.Zero, fmt.Errorf("%w: base %s", domain.ErrMalformedResponse, payload.Base)
	}
	return rateFromMap(payload.Rates, s.currency)
}
