package service

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/settlement/internal/authorization"
	checkoutdomain "github.com/smallbiznis/settlement/internal/checkout/domain"
	"github.com/smallbiznis/settlement/internal/config"
	ratedomain "github.com/smallbiznis/settlement/internal/exchangerate/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	mtdomain "github.com/smallbiznis/settlement/internal/mobiletransfer/domain"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/smallbiznis/settlement/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Ledger    ledgerdomain.Service
	Payments  paymentdomain.Service
	Transfers mtdomain.Service
	Rates     ratedomain.Service
	Authz     authorization.Service
	Settings  *config.SettlementConfigHolder
	Emitter   notificationdomain.Emitter `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	ledger    ledgerdomain.Service
	payments  paymentdomain.Service
	transfers mtdomain.Service
	rates     ratedomain.Service
	authz     authorization.Service
	settings  *config.SettlementConfigHolder
	emitter   notificationdomain.Emitter
}

func NewService(p Params) *Service {
	emitter := p.Emitter
	if emitter == nil {
		emitter = notificationdomain.Discard
	}
	return &Service{
		log:       p.Log.Named("checkout.service"),
		ledger:    p.Ledger,
		payments:  p.Payments,
		transfers: p.Transfers,
		rates:     p.Rates,
		authz:     p.Authz,
		settings:  p.Settings,
		emitter:   emitter,
	}
}

// Checkout creates the order's payment and starts its method. A failed start
// marks the payment failed so the order can be checked out again.
func (s *Service) Checkout(ctx context.Context, req checkoutdomain.CheckoutRequest) (*checkoutdomain.CheckoutResult, error) {
	details, err := s.methodDetails(req)
	if err != nil {
		return nil, err
	}

	payment, err := s.ledger.CreatePayment(ctx, ledgerdomain.CreatePaymentRequest{
		OrderRef:    req.OrderRef,
		CustomerRef: req.CustomerRef,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Details:     details,
	})
	if err != nil {
		return nil, err
	}

	result := &checkoutdomain.CheckoutResult{}
	if err := s.initiate(ctx, req, payment, result); err != nil {
		s.abandon(ctx, payment, err)
		return nil, err
	}

	current, err := s.ledger.Get(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	result.Payment = *current

	logger.WithContext(ctx, s.log).Info("checkout accepted",
		zap.String("payment_id", current.ID.String()),
		zap.String("order_ref", current.OrderRef),
		zap.String("method", string(current.Method)),
		zap.String("status", string(current.Status)),
	)
	s.notifyNewOrder(ctx, result)
	return result, nil
}

func (s *Service) methodDetails(req checkoutdomain.CheckoutRequest) (ledgerdomain.MethodDetails, error) {
	switch req.Method {
	case ledgerdomain.MethodGateway:
		if req.Gateway == nil || strings.TrimSpace(req.Gateway.Provider) == "" {
			return nil, paymentdomain.ErrInvalidProvider
		}
		provider := strings.ToLower(strings.TrimSpace(req.Gateway.Provider))
		for _, known := range s.payments.Providers() {
			if known == provider {
				return ledgerdomain.GatewayDetails{Provider: provider}, nil
			}
		}
		return nil, paymentdomain.ErrProviderNotFound
	case ledgerdomain.MethodMobileTransfer:
		if req.Transfer == nil {
			return ledgerdomain.MobileTransferDetails{}, nil
		}
		cfg := s.settings.Get()
		if _, err := mtdomain.NormalizeSenderID(req.Transfer.SenderID); err != nil {
			return nil, err
		}
		phone, err := mtdomain.NormalizePhone(req.Transfer.SenderPhone)
		if err != nil {
			return nil, err
		}
		bank, err := mtdomain.NormalizeBankCode(req.Transfer.BankCode, cfg.Banks)
		if err != nil {
			return nil, err
		}
		if !req.Transfer.AmountLocal.IsPositive() {
			return nil, mtdomain.ErrInvalidAmount
		}
		return ledgerdomain.MobileTransferDetails{BankCode: bank, SenderPhone: phone}, nil
	case ledgerdomain.MethodManual:
		details := ledgerdomain.ManualDetails{}
		if req.Manual != nil {
			details.Note = strings.TrimSpace(req.Manual.Note)
		}
		return details, nil
	default:
		return nil, ledgerdomain.ErrInvalidMethod
	}
}

func (s *Service) initiate(ctx context.Context, req checkoutdomain.CheckoutRequest, payment *ledgerdomain.Payment, result *checkoutdomain.CheckoutResult) error {
	switch payment.Method {
	case ledgerdomain.MethodGateway:
		intent, err := s.payments.CreateIntent(ctx, payment.ID)
		if err != nil {
			return err
		}
		result.Intent = intent
	case ledgerdomain.MethodMobileTransfer:
		if req.Transfer == nil {
			return s.quote(ctx, payment, result)
		}
		verification, err := s.transfers.Submit(ctx, mtdomain.SubmitRequest{
			OrderRef:    payment.OrderRef,
			CustomerRef: payment.CustomerRef,
			SenderID:    req.Transfer.SenderID,
			SenderPhone: req.Transfer.SenderPhone,
			BankCode:    req.Transfer.BankCode,
			AmountLocal: req.Transfer.AmountLocal,
		})
		if err != nil {
			return err
		}
		result.Verification = verification
		result.Rate = &ratedomain.RateSnapshot{
			Currency: verification.LocalCurrency,
			Rate:     verification.RateUsed,
			Source:   verification.RateSource,
			Stale:    verification.RateStale,
		}
		if verification.RateSnapshotID != nil {
			result.Rate.ID = *verification.RateSnapshotID
		}
		amountLocal := verification.AmountLocal
		result.AmountLocal = &amountLocal
	}
	return nil
}

// quote prices a transfer that has not been made yet at the current rate.
func (s *Service) quote(ctx context.Context, payment *ledgerdomain.Payment, result *checkoutdomain.CheckoutResult) error {
	snapshot, err := s.rates.GetCurrentRate(ctx)
	if err != nil {
		return err
	}
	result.Rate = &snapshot
	if payment.Currency == snapshot.Currency {
		amount := payment.Amount
		result.AmountLocal = &amount
		return nil
	}
	local, err := snapshot.Convert(payment.Amount, payment.Currency, snapshot.Currency)
	if err != nil {
		return err
	}
	result.AmountLocal = &local
	return nil
}

func (s *Service) abandon(ctx context.Context, payment *ledgerdomain.Payment, cause error) {
	log := logger.WithContext(ctx, s.log).With(
		zap.String("payment_id", payment.ID.String()),
		zap.String("order_ref", payment.OrderRef),
	)
	_, err := s.ledger.Transition(ctx, ledgerdomain.TransitionRequest{
		PaymentID: payment.ID,
		To:        ledgerdomain.StatusFailed,
		Reason:    "initiation failed: " + cause.Error(),
	})
	if err != nil {
		log.Warn("could not fail abandoned payment", zap.Error(err))
		return
	}
	log.Warn("payment initiation failed", zap.Error(cause))
}

func (s *Service) notifyNewOrder(ctx context.Context, result *checkoutdomain.CheckoutResult) {
	payment := result.Payment
	payload := map[string]any{
		"payment_id":   payment.ID.String(),
		"customer_ref": payment.CustomerRef,
		"method":       string(payment.Method),
		"amount":       payment.Amount.String(),
		"currency":     payment.Currency,
		"status":       string(payment.Status),
	}
	if result.Intent != nil {
		payload["provider"] = result.Intent.Provider
		payload["external_ref"] = result.Intent.ExternalRef
	}
	if result.Rate != nil {
		rate := map[string]any{
			"rate":     result.Rate.Rate.String(),
			"currency": result.Rate.Currency,
			"source":   result.Rate.Source,
			"stale":    result.Rate.Stale,
		}
		if result.Rate.Persisted() {
			rate["snapshot_id"] = result.Rate.ID.String()
		}
		payload["rate"] = rate
	}
	if result.AmountLocal != nil {
		payload["amount_local"] = result.AmountLocal.String()
	}
	if result.Verification != nil {
		payload["usd_equivalent"] = result.Verification.USDEquivalent.String()
		payload["reference_number"] = result.Verification.ReferenceNumber
	}
	s.emitter.Emit(ctx, notificationdomain.Notification{
		Type:     notificationdomain.TypeNewOrder,
		OrderRef: payment.OrderRef,
		Payload:  payload,
	})
}

// Refund marks the order's succeeded payment refunded.
func (s *Service) Refund(ctx context.Context, req checkoutdomain.RefundRequest) (*ledgerdomain.Payment, error) {
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		return nil, checkoutdomain.ErrInvalidActor
	}
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectPayment, authorization.ActionPaymentRefund); err != nil {
		return nil, err
	}
	payment, err := s.ledger.FindLatestByOrder(ctx, req.OrderRef)
	if err != nil {
		return nil, err
	}
	res, err := s.ledger.Transition(ctx, ledgerdomain.TransitionRequest{
		PaymentID: payment.ID,
		To:        ledgerdomain.StatusRefunded,
		Actor:     actor,
		Reason:    req.Reason,
	})
	if err != nil {
		return nil, err
	}
	if res.Changed {
		logger.WithContext(ctx, s.log).Info("payment refunded",
			zap.String("payment_id", payment.ID.String()),
			zap.String("order_ref", payment.OrderRef),
			zap.String("actor", actor),
		)
	}
	return &res.Payment, nil
}

func (s *Service) GetPayment(ctx context.Context, orderRef string) (*checkoutdomain.PaymentView, error) {
	payment, err := s.ledger.FindLatestByOrder(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	transitions, err := s.ledger.Transitions(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	view := &checkoutdomain.PaymentView{Payment: *payment, Transitions: transitions}
	if payment.Method == ledgerdomain.MethodMobileTransfer {
		verification, err := s.transfers.FindByOrder(ctx, payment.OrderRef)
		switch {
		case err == nil && verification.PaymentID == payment.ID:
			view.Verification = verification
		case err != nil && !errors.Is(err, mtdomain.ErrRequestNotFound):
			return nil, err
		}
	}
	return view, nil
}
