package migration

import (
	"github.com/smallbiznis/settlement/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.MigrateOnStart {
			return nil
		}
		if cfg.DBType != "postgres" {
			log.Warn("schema migrations ship for postgres only; apply them manually",
				zap.String("db_type", cfg.DBType),
			)
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		res, err := Up(sqlDB)
		if err != nil {
			return err
		}
		log.Info("schema ready",
			zap.Uint("version", res.Version),
			zap.Bool("changed", res.Changed),
		)
		return nil
	}),
)
