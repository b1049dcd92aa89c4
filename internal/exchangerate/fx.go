package exchangerate

import (
	ratecache "github.com/smallbiznis/settlement/internal/exchangerate/cache"
	"github.com/smallbiznis/settlement/internal/exchangerate/domain"
	"github.com/smallbiznis/settlement/internal/exchangerate/repository"
	"github.com/smallbiznis/settlement/internal/exchangerate/service"
	"github.com/smallbiznis/settlement/internal/exchangerate/sources"
	"go.uber.org/fx"
)

var Module = fx.Module("exchangerate.service",
	fx.Provide(repository.Provide),
	fx.Provide(sources.Provide),
	fx.Provide(ratecache.NewRateCache),
	fx.Provide(service.NewService),
	fx.Provide(func(m *service.Manager) domain.Service { return m }),
)
