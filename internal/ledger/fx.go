package ledger

import (
	"github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/internal/ledger/repository"
	"github.com/smallbiznis/settlement/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)
