package mobiletransfer

import (
	"github.com/smallbiznis/settlement/internal/mobiletransfer/domain"
	"github.com/smallbiznis/settlement/internal/mobiletransfer/repository"
	"github.com/smallbiznis/settlement/internal/mobiletransfer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("mobiletransfer.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)
