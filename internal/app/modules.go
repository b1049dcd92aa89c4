// Package app groups the fx modules shared by the settlement binaries.
package app

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/authorization"
	"github.com/smallbiznis/settlement/internal/cache"
	"github.com/smallbiznis/settlement/internal/checkout"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/exchangerate"
	"github.com/smallbiznis/settlement/internal/ledger"
	"github.com/smallbiznis/settlement/internal/lock"
	"github.com/smallbiznis/settlement/internal/manualpayment"
	"github.com/smallbiznis/settlement/internal/migration"
	"github.com/smallbiznis/settlement/internal/mobiletransfer"
	"github.com/smallbiznis/settlement/internal/notification"
	"github.com/smallbiznis/settlement/internal/observability"
	"github.com/smallbiznis/settlement/internal/payment"
	"github.com/smallbiznis/settlement/internal/ratelimit"
	"github.com/smallbiznis/settlement/pkg/db"
	"go.uber.org/fx"
)

// Core wires configuration, persistence and the settlement domain services.
var Core = fx.Options(
	// Core Infrastructure
	config.Module,
	observability.Module,
	fx.Provide(RegisterSnowflake),
	db.Module,
	migration.Module,
	clock.Module,
	cache.Module,
	lock.Module,
	ratelimit.Module,

	// Functional Domains
	authorization.Module,
	notification.Module,
	exchangerate.Module,
	ledger.Module,
	payment.Module,
	mobiletransfer.Module,
	manualpayment.Module,
	checkout.Module,
)

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
