package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/exchangerate/domain"
)

// ExchangeRateHost reads the public exchangerate.host latest endpoint.
type ExchangeRateHost struct {
	client   Doer
	url      string
	currency string
}

func NewExchangeRateHost(client Doer, url, currency string) *ExchangeRateHost {
	return &ExchangeRateHost{client: client, url: strings.TrimSpace(url), currency: strings.ToUpper(currency)}
}

func (s *ExchangeRateHost) Name() string { return "exchangerate_host" }

type exchangeRateHostResponse struct {
	Success *bool                  `json:"success"`
	Rates   map[string]json.Number `json:"rates"`
}

func (s *ExchangeRateHost) Fetch(ctx context.Context) (decimal.Decimal, error) {
	if s.url == "" {
		return decimal.Zero, domain.ErrSourceNotConfigured
	}
	body, err := get(ctx, s.client, s.url, "application/json")
	if err != nil {
		return decimal.Zero, err
	}

	var payload exchangeRateHostResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	if payload.Success != nil && !*payload.Success {
		return decimal.Zero, fmt.Errorf("%w: success=false", domain.ErrMalformedResponse)
	}
	return rateFromMap(payload.Rates, s.currency)
}

func rateFromMap(rates map[string]json.Number, currency string) (decimal.Decimal, error) {
	raw, ok := rates[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s missing", domain.ErrMalformedResponse, currency)
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive rate", domain.ErrMalformedResponse)
	}
	return rate, nil
}
