package service

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/settlement/internal/authorization"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/internal/manualpayment/domain"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/smallbiznis/settlement/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 100
	confirmAllLimit  = 1000
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Ledger  ledgerdomain.Service
	Authz   authorization.Service
	Emitter notificationdomain.Emitter `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	ledger  ledgerdomain.Service
	authz   authorization.Service
	emitter notificationdomain.Emitter
}

func NewService(p Params) *Service {
	emitter := p.Emitter
	if emitter == nil {
		emitter = notificationdomain.Discard
	}
	return &Service{
		log:     p.Log.Named("manualpayment.service"),
		ledger:  p.Ledger,
		authz:   p.Authz,
		emitter: emitter,
	}
}

// Confirm settles the order's pending manual payment. The payment passes
// through processing so the transition log shows every edge.
func (s *Service) Confirm(ctx context.Context, orderRef string, actor string) (*ledgerdomain.Payment, error) {
	orderRef = strings.TrimSpace(orderRef)
	if orderRef == "" {
		return nil, domain.ErrInvalidOrder
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, domain.ErrInvalidActor
	}
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectPayment, authorization.ActionPaymentConfirm); err != nil {
		return nil, err
	}

	active, err := s.ledger.FindActiveByOrder(ctx, orderRef)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrPaymentNotFound) {
			return nil, noPendingManual(nil)
		}
		return nil, err
	}
	if active.Method != ledgerdomain.MethodManual || active.Status != ledgerdomain.StatusPending {
		return nil, noPendingManual(active)
	}

	var confirmed ledgerdomain.Payment
	err = s.ledger.WithPaymentLock(ctx, active.ID, func(tx *gorm.DB, locked *ledgerdomain.Payment) error {
		if locked.Status != ledgerdomain.StatusPending {
			return noPendingManual(locked)
		}
		for _, to := range []ledgerdomain.Status{ledgerdomain.StatusProcessing, ledgerdomain.StatusSucceeded} {
			res, err := s.ledger.TransitionTx(ctx, tx, ledgerdomain.TransitionRequest{
				PaymentID: locked.ID,
				To:        to,
				Actor:     actor,
				Reason:    "manual confirmation",
			})
			if err != nil {
				return err
			}
			confirmed = res.Payment
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithContext(ctx, s.log).Info("manual payment confirmed",
		zap.String("payment_id", confirmed.ID.String()),
		zap.String("order_ref", confirmed.OrderRef),
		zap.String("actor", actor),
	)
	s.emitter.Emit(ctx, notificationdomain.Notification{
		Type:     notificationdomain.TypePaymentConfirmed,
		OrderRef: confirmed.OrderRef,
		Payload: map[string]any{
			"payment_id":   confirmed.ID.String(),
			"customer_ref": confirmed.CustomerRef,
			"method":       string(confirmed.Method),
			"amount":       confirmed.Amount.String(),
			"currency":     confirmed.Currency,
			"status":       string(confirmed.Status),
			"confirmed_by": actor,
		},
	})
	return &confirmed, nil
}

func noPendingManual(p *ledgerdomain.Payment) error {
	err := &ledgerdomain.TransitionError{
		To:     ledgerdomain.StatusSucceeded,
		Reason: "no pending manual payment",
	}
	if p != nil {
		err.PaymentID = p.ID
		err.From = p.Status
	}
	return err
}

// ConfirmAll runs Confirm for every pending manual payment and reports each outcome.
func (s *Service) ConfirmAll(ctx context.Context, actor string) ([]domain.ConfirmResult, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, domain.ErrInvalidActor
	}
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectPayment, authorization.ActionPaymentConfirm); err != nil {
		return nil, err
	}

	pending, err := s.ledger.ListByStatus(ctx, ledgerdomain.MethodManual, ledgerdomain.StatusPending, confirmAllLimit)
	if err != nil {
		return nil, err
	}
	results := make([]domain.ConfirmResult, 0, len(pending))
	for _, candidate := range pending {
		payment, err := s.Confirm(ctx, candidate.OrderRef, actor)
		result := domain.ConfirmResult{OrderRef: candidate.OrderRef, Payment: payment, Err: err}
		if err != nil {
			result.Error = err.Error()
			logger.WithContext(ctx, s.log).Warn("manual confirmation skipped",
				zap.String("order_ref", candidate.OrderRef),
				zap.Error(err),
			)
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *Service) ListPending(ctx context.Context, limit int) ([]ledgerdomain.Payment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.ledger.ListByStatus(ctx, ledgerdomain.MethodManual, ledgerdomain.StatusPending, limit)
}
