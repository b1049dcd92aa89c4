package adapters

import (
	"errors"
	"sort"
	"strings"

	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/payment/adapters/adyen"
	"github.com/smallbiznis/settlement/internal/payment/adapters/paypal"
	"github.com/smallbiznis/settlement/internal/payment/adapters/stripe"
	"github.com/smallbiznis/settlement/internal/payment/domain"
	"go.uber.org/zap"
)

type Registry struct {
	factories map[string]domain.AdapterFactory
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{factories: map[string]domain.AdapterFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(factory.Provider()))
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

// DefaultRegistry knows every gateway the engine ships with.
func DefaultRegistry() *Registry {
	return NewRegistry(stripe.NewFactory(), paypal.NewFactory(), adyen.NewFactory())
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	_, ok := r.factories[provider]
	return ok
}

func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.factories))
	for provider := range r.factories {
		out = append(out, provider)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) NewAdapter(provider string, cfg domain.AdapterConfig) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return factory.NewAdapter(cfg)
}

// AdapterConfigs maps the gateway section of the environment to adapter settings.
func AdapterConfigs(cfg config.GatewayConfig) map[string]domain.AdapterConfig {
	return map[string]domain.AdapterConfig{
		"stripe": {Config: map[string]any{
			"secret_key":     cfg.StripeSecretKey,
			"webhook_secret": cfg.StripeWebhookSecret,
			"api_base":       cfg.StripeAPIBase,
		}},
		"paypal": {Config: map[string]any{
			"client_id":     cfg.PayPalClientID,
			"client_secret": cfg.PayPalClientSecret,
			"webhook_id":    cfg.PayPalWebhookID,
			"api_base":      cfg.PayPalAPIBase,
			"return_url":    cfg.PayPalReturnURL,
			"cancel_url":    cfg.PayPalCancelURL,
		}},
		"adyen": {Config: map[string]any{
			"api_key":          cfg.AdyenAPIKey,
			"merchant_account": cfg.AdyenMerchant,
			"hmac_key":         cfg.AdyenHMACKey,
			"api_base":         cfg.AdyenAPIBase,
			"return_url":       cfg.AdyenReturnURL,
		}},
	}
}

// Build instantiates every provider that has complete settings. Providers
// without credentials are skipped so a deployment can run one gateway.
func (r *Registry) Build(configs map[string]domain.AdapterConfig, log *zap.Logger) (domain.Gateways, error) {
	gateways := domain.Gateways{}
	for provider := range configs {
		if !r.ProviderExists(provider) {
			log.Warn("payment gateway settings for unknown provider", zap.String("provider", provider))
		}
	}
	for _, provider := range r.Providers() {
		cfg, ok := configs[provider]
		if !ok {
			continue
		}
		adapter, err := r.NewAdapter(provider, cfg)
		if errors.Is(err, domain.ErrInvalidConfig) {
			log.Info("payment gateway not configured", zap.String("provider", provider))
			continue
		}
		if err != nil {
			return nil, err
		}
		gateways[provider] = adapter
	}
	return gateways, nil
}
