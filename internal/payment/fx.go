package payment

import (
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/payment/adapters"
	"github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/internal/payment/repository"
	paymentservice "github.com/smallbiznis/settlement/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(adapters.DefaultRegistry),
	fx.Provide(provideGateways),
	fx.Provide(paymentservice.NewService),
	fx.Provide(func(s *paymentservice.Service) domain.Service { return s }),
)

func provideGateways(registry *adapters.Registry, cfg config.Config, log *zap.Logger) (domain.Gateways, error) {
	return registry.Build(adapters.AdapterConfigs(cfg.Gateway), log.Named("payment.adapters"))
}
