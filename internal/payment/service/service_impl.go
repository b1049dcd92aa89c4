package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/clock"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/smallbiznis/settlement/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       paymentdomain.Repository
	Ledger     ledgerdomain.Service
	Gateways   paymentdomain.Gateways
	Emitter    notificationdomain.Emitter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

// Service drives gateway payments. Webhook deliveries are at-least-once and
// unordered; dedupe by event id and the ledger's idempotent transitions make
// a redelivery a no-op.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       paymentdomain.Repository
	ledger     ledgerdomain.Service
	gateways   paymentdomain.Gateways
	emitter    notificationdomain.Emitter
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	emitter := p.Emitter
	if emitter == nil {
		emitter = notificationdomain.Discard
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		ledger:     p.Ledger,
		gateways:   p.Gateways,
		emitter:    emitter,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Providers() []string {
	out := make([]string, 0, len(s.gateways))
	for provider := range s.gateways {
		out = append(out, provider)
	}
	sort.Strings(out)
	return out
}

func (s *Service) gateway(provider string) (paymentdomain.Gateway, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, paymentdomain.ErrInvalidProvider
	}
	gw, ok := s.gateways[provider]
	if !ok {
		return nil, paymentdomain.ErrProviderNotFound
	}
	return gw, nil
}

// CreateIntent opens the payment at its gateway and moves it to processing.
func (s *Service) CreateIntent(ctx context.Context, paymentID snowflake.ID) (*paymentdomain.Intent, error) {
	payment, err := s.ledger.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	details, err := payment.MethodDetails()
	if err != nil {
		return nil, err
	}
	gwDetails, ok := details.(ledgerdomain.GatewayDetails)
	if !ok {
		return nil, paymentdomain.ErrNotGatewayPayment
	}
	gw, err := s.gateway(gwDetails.Provider)
	if err != nil {
		return nil, err
	}
	if payment.Status != ledgerdomain.StatusPending {
		return nil, &ledgerdomain.TransitionError{
			PaymentID: payment.ID,
			From:      payment.Status,
			To:        ledgerdomain.StatusProcessing,
			Reason:    "intent already created",
		}
	}

	intent, err := gw.CreateIntent(ctx, paymentdomain.IntentRequest{
		PaymentID:      payment.ID,
		OrderRef:       payment.OrderRef,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		IdempotencyKey: payment.ID.String(),
	})
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("create payment intent failed",
			zap.String("payment_id", payment.ID.String()),
			zap.String("provider", gw.Provider()),
			zap.Error(err),
		)
		return nil, err
	}

	ref := intent.ExternalRef
	_, err = s.ledger.Transition(ctx, ledgerdomain.TransitionRequest{
		PaymentID:   payment.ID,
		To:          ledgerdomain.StatusProcessing,
		ExternalRef: &ref,
		Actor:       actorFor(gw.Provider()),
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

// IngestEvent verifies, dedupes and applies one webhook delivery. An event for
// a payment the ledger does not know yet is left unprocessed so the gateway's
// retry can apply it later.
func (s *Service) IngestEvent(ctx context.Context, provider string, payload []byte, headers http.Header) (*paymentdomain.IngestResult, error) {
	gw, err := s.gateway(provider)
	if err != nil {
		return nil, err
	}
	provider = gw.Provider()
	log := logger.WithContext(ctx, s.log).With(zap.String("provider", provider))

	if !json.Valid(payload) {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if err := gw.Verify(ctx, payload, headers); err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidSignature) {
			log.Warn("gateway webhook signature rejected", zap.Bool("security_event", true))
			s.obsMetrics.RecordGatewayEvent(ctx, provider, "unknown", "invalid_signature")
		}
		return nil, err
	}

	event, err := gw.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			log.Info("gateway event ignored")
			s.obsMetrics.RecordGatewayEvent(ctx, provider, "unknown", paymentdomain.OutcomeIgnored)
			return &paymentdomain.IngestResult{Provider: provider, Outcome: paymentdomain.OutcomeIgnored}, nil
		}
		return nil, err
	}
	target, ok := paymentdomain.TargetStatus(event.Type)
	if !ok {
		return nil, paymentdomain.ErrInvalidEvent
	}
	log = log.With(zap.String("event_id", event.EventID), zap.String("event_type", event.Type))

	result := &paymentdomain.IngestResult{
		Provider:  provider,
		EventID:   event.EventID,
		EventType: event.Type,
	}

	record := &paymentdomain.EventRecord{
		ID:          s.genID.Generate(),
		Provider:    provider,
		EventID:     event.EventID,
		EventType:   event.Type,
		ExternalRef: event.ExternalRef,
		Payload:     datatypes.JSON(payload),
		ReceivedAt:  s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, fmt.Errorf("insert gateway event: %w", err)
	}
	if !inserted {
		stored, err := s.repo.FindEvent(ctx, s.db, provider, event.EventID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, paymentdomain.ErrInvalidEvent
		}
		if stored.Processed() {
			result.Outcome = paymentdomain.OutcomeDuplicate
			s.obsMetrics.RecordGatewayEvent(ctx, provider, event.Type, result.Outcome)
			log.Info("gateway event already processed")
			return result, nil
		}
		record = stored
	}

	payment, err := s.ledger.FindByExternalRef(ctx, ledgerdomain.MethodGateway, event.ExternalRef)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrPaymentNotFound) {
			log.Warn("gateway event for unknown payment", zap.String("external_ref", event.ExternalRef))
		}
		return nil, err
	}
	result.PaymentID = payment.ID

	var (
		changed   bool
		rejectErr error
	)
	err = s.ledger.WithPaymentLock(ctx, payment.ID, func(tx *gorm.DB, locked *ledgerdomain.Payment) error {
		// A concurrent delivery of the same event may have won the lock.
		current, err := s.repo.FindEvent(ctx, tx, provider, event.EventID)
		if err != nil {
			return err
		}
		if current != nil && current.Processed() {
			result.Outcome = paymentdomain.OutcomeDuplicate
			result.Status = locked.Status
			return nil
		}

		status, applied, err := s.applyEvent(ctx, tx, locked, target, event)
		outcome := paymentdomain.OutcomeNoop
		switch {
		case errors.Is(err, ledgerdomain.ErrInvalidTransition):
			rejectErr = err
			outcome = paymentdomain.OutcomeRejected
			status = locked.Status
		case err != nil:
			return err
		case applied:
			outcome = paymentdomain.OutcomeApplied
		}
		if err := s.repo.MarkProcessed(ctx, tx, record.ID, outcome, s.clock.Now()); err != nil {
			return err
		}
		changed = applied
		result.Outcome = outcome
		result.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordGatewayEvent(ctx, provider, event.Type, result.Outcome)

	if rejectErr != nil {
		// Redelivered or out-of-order events land here; the stored status wins.
		log.Warn("gateway event rejected by payment state",
			zap.String("payment_id", payment.ID.String()),
			zap.Error(rejectErr),
		)
		return result, rejectErr
	}

	if changed {
		s.notify(ctx, payment, result.Status, event)
	}
	return result, nil
}

// applyEvent moves the locked payment toward target. A success that overtakes
// its processing event walks through processing first.
func (s *Service) applyEvent(ctx context.Context, tx *gorm.DB, payment *ledgerdomain.Payment, target ledgerdomain.Status, event *paymentdomain.GatewayEvent) (ledgerdomain.Status, bool, error) {
	ref := event.ExternalRef
	actor := actorFor(event.Provider)
	applied := false

	if payment.Status == ledgerdomain.StatusPending && target == ledgerdomain.StatusSucceeded {
		res, err := s.ledger.TransitionTx(ctx, tx, ledgerdomain.TransitionRequest{
			PaymentID:   payment.ID,
			To:          ledgerdomain.StatusProcessing,
			ExternalRef: &ref,
			Actor:       actor,
			Reason:      "event " + event.EventID,
		})
		if err != nil {
			return "", false, err
		}
		applied = res.Changed
	}

	res, err := s.ledger.TransitionTx(ctx, tx, ledgerdomain.TransitionRequest{
		PaymentID:   payment.ID,
		To:          target,
		ExternalRef: &ref,
		Actor:       actor,
		Reason:      "event " + event.EventID,
	})
	if err != nil {
		return "", false, err
	}
	return res.Payment.Status, applied || res.Changed, nil
}

func (s *Service) notify(ctx context.Context, payment *ledgerdomain.Payment, status ledgerdomain.Status, event *paymentdomain.GatewayEvent) {
	var kind notificationdomain.Type
	switch status {
	case ledgerdomain.StatusSucceeded:
		kind = notificationdomain.TypePaymentConfirmed
	case ledgerdomain.StatusFailed:
		kind = notificationdomain.TypePaymentRejected
	default:
		return
	}
	s.emitter.Emit(ctx, notificationdomain.Notification{
		Type:     kind,
		OrderRef: payment.OrderRef,
		Payload: map[string]any{
			"payment_id":   payment.ID.String(),
			"customer_ref": payment.CustomerRef,
			"method":       string(payment.Method),
			"provider":     event.Provider,
			"external_ref": event.ExternalRef,
			"amount":       payment.Amount.String(),
			"currency":     payment.Currency,
			"status":       string(status),
		},
	})
}

func actorFor(provider string) string {
	return "gateway:" + provider
}
