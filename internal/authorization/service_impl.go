package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectVerification = "verification"
	ObjectPayment      = "payment"
	ObjectRate         = "rate"
	ObjectRateAlert    = "rate_alert"
)

const (
	ActionVerificationView   = "verification.view"
	ActionVerificationDecide = "verification.decide"

	ActionPaymentView    = "payment.view"
	ActionPaymentConfirm = "payment.confirm"
	ActionPaymentRefund  = "payment.refund"

	ActionRateOverride = "rate.override"
	ActionRateRefresh  = "rate.refresh"

	ActionRateAlertView        = "rate_alert.view"
	ActionRateAlertAcknowledge = "rate_alert.acknowledge"
)

const (
	RoleAdmin    = "role:admin"
	RoleOperator = "role:operator"
	RoleSystem   = "role:system"

	SystemActor = "system"
)

// Service answers whether an actor holds a capability.
type Service interface {
	Authorize(ctx context.Context, actor string, object string, action string) error
	AssignRole(ctx context.Context, actor string, role string) error
	RevokeRole(ctx context.Context, actor string, role string) error
	Roles(ctx context.Context, actor string) ([]string, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer loads policies from the casbin_rule table and seeds the
// built-in roles plus the configured admin actors.
func NewEnforcer(db *gorm.DB, cfg config.Config) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seed(enforcer, cfg.AdminActors); err != nil {
		return nil, err
	}
	return enforcer, nil
}

// NewMemoryEnforcer keeps policies in memory only.
func NewMemoryEnforcer(admins ...string) (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if err := seed(enforcer, admins); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(actor, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		logger.WithContext(ctx, s.log).Warn("authorization denied",
			zap.String("actor", actor),
			zap.String("object", object),
			zap.String("action", action),
			zap.Bool("security_event", true),
		)
		return ErrNotAuthorized
	}
	return nil
}

func (s *ServiceImpl) AssignRole(ctx context.Context, actor string, role string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	if !knownRole(role) {
		return ErrUnknownRole
	}
	if _, err := s.enforcer.AddGroupingPolicy(actor, role); err != nil {
		return err
	}
	logger.WithContext(ctx, s.log).Info("role assigned", zap.String("actor", actor), zap.String("role", role))
	return nil
}

func (s *ServiceImpl) RevokeRole(ctx context.Context, actor string, role string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	if _, err := s.enforcer.RemoveGroupingPolicy(actor, role); err != nil {
		return err
	}
	logger.WithContext(ctx, s.log).Info("role revoked", zap.String("actor", actor), zap.String("role", role))
	return nil
}

func (s *ServiceImpl) Roles(ctx context.Context, actor string) ([]string, error) {
	return s.enforcer.GetRolesForUser(strings.TrimSpace(actor))
}

func knownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleSystem:
		return true
	}
	return false
}

func seed(enforcer *casbin.SyncedEnforcer, admins []string) error {
	policies := [][]string{
		// Operators watch the queues and the rate.
		{RoleOperator, ObjectVerification, ActionVerificationView},
		{RoleOperator, ObjectPayment, ActionPaymentView},
		{RoleOperator, ObjectRateAlert, ActionRateAlertView},

		{RoleAdmin, ObjectVerification, ActionVerificationView},
		{RoleAdmin, ObjectVerification, ActionVerificationDecide},
		{RoleAdmin, ObjectPayment, ActionPaymentView},
		{RoleAdmin, ObjectPayment, ActionPaymentConfirm},
		{RoleAdmin, ObjectPayment, ActionPaymentRefund},
		{RoleAdmin, ObjectRate, ActionRateOverride},
		{RoleAdmin, ObjectRate, ActionRateRefresh},
		{RoleAdmin, ObjectRateAlert, ActionRateAlertView},
		{RoleAdmin, ObjectRateAlert, ActionRateAlertAcknowledge},

		// Scheduled jobs.
		{RoleSystem, ObjectRate, ActionRateRefresh},
		{RoleSystem, ObjectVerification, ActionVerificationView},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}

	groupings := [][]string{{SystemActor, RoleSystem}}
	for _, admin := range admins {
		if admin = strings.TrimSpace(admin); admin != "" {
			groupings = append(groupings, []string{admin, RoleAdmin})
		}
	}
	for _, grouping := range groupings {
		has, err := enforcer.HasGroupingPolicy(grouping)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddGroupingPolicy(grouping); err != nil {
			return err
		}
	}
	return nil
}
