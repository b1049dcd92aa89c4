package checkout

import (
	"github.com/smallbiznis/settlement/internal/checkout/domain"
	"github.com/smallbiznis/settlement/internal/checkout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("checkout.service",
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)
