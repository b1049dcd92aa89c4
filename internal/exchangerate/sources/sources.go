package sources

import (
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/exchangerate/domain"
)

// Provide builds the ordered source chain, highest priority first.
func Provide(cfg config.Config, holder *config.SettlementConfigHolder) []domain.Source {
	client := NewClient()
	currency := holder.Get().LocalCurrency
	return []domain.Source{
		NewExchangeRateHost(client, cfg.Rates.PrimaryURL, currency),
		NewGoogleFinance(client, cfg.Rates.SecondaryURL),
		NewOpenExchangeRates(client, cfg.Rates.TertiaryURL, cfg.Rates.OpenExchangeRatesID, currency),
	}
}
