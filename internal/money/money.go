// Package money holds the fixed-point rules every recorded amount goes through.
//
// Amounts are rounded half away from zero to the minor unit of their currency.
// For the non-negative amounts the engine records this is round-half-up, and the
// result is what gets persisted, so the rule must not change once data exists.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

const USD = "USD"

var (
	ErrInvalidCurrency = errors.New("invalid_currency")
	ErrInvalidRate     = errors.New("invalid_rate")
	ErrUnsupportedPair = errors.New("unsupported_currency_pair")
)

var minorUnits = map[string]int32{
	"BHD": 3,
	"CLP": 0,
	"JPY": 0,
	"JOD": 3,
	"KRW": 0,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
	"VND": 0,
}

// MinorUnits returns the number of decimal places used by currency.
func MinorUnits(currency string) int32 {
	if places, ok := minorUnits[NormalizeCurrency(currency)]; ok {
		return places
	}
	return 2
}

func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

func ValidCurrency(currency string) bool {
	currency = NormalizeCurrency(currency)
	if len(currency) != 3 {
		return false
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Round rounds amount to the minor unit of currency.
func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(MinorUnits(currency))
}

// Convert converts amount between USD and local using a USD-to-local rate.
func Convert(amount decimal.Decimal, from, to, local string, usdToLocal decimal.Decimal) (decimal.Decimal, error) {
	from = NormalizeCurrency(from)
	to = NormalizeCurrency(to)
	local = NormalizeCurrency(local)
	if !ValidCurrency(from) || !ValidCurrency(to) {
		return decimal.Zero, ErrInvalidCurrency
	}
	if from == to {
		return Round(amount, to), nil
	}
	if !usdToLocal.IsPositive() {
		return decimal.Zero, ErrInvalidRate
	}

	switch {
	case from == USD && to == local:
		return Round(amount.Mul(usdToLocal), to), nil
	case from == local && to == USD:
		return Round(amount.Div(usdToLocal), to), nil
	default:
		return decimal.Zero, ErrUnsupportedPair
	}
}
