package manualpayment

import (
	"github.com/smallbiznis/settlement/internal/manualpayment/domain"
	"github.com/smallbiznis/settlement/internal/manualpayment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("manualpayment.service",
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)
