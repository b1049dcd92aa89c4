package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/settlement/internal/authorization"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	ratedomain "github.com/smallbiznis/settlement/internal/exchangerate/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/internal/mobiletransfer/domain"
	"github.com/smallbiznis/settlement/internal/money"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/smallbiznis/settlement/internal/observability/logger"
	"github.com/smallbiznis/settlement/internal/ratelimit"
	pkgdb "github.com/smallbiznis/settlement/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	usd              = "USD"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Ledger   ledgerdomain.Service
	Rates    ratedomain.Service
	Authz    authorization.Service
	Settings *config.SettlementConfigHolder
	Limiter  *ratelimit.SubmissionLimiter `optional:"true"`
	Emitter  notificationdomain.Emitter   `optional:"true"`
}

// Service keeps each VerificationRequest in lockstep with its payment:
// pending while the payment is processing, approved with succeeded,
// rejected with failed. Both rows change in the same transaction.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	ledger   ledgerdomain.Service
	rates    ratedomain.Service
	authz    authorization.Service
	settings *config.SettlementConfigHolder
	limiter  *ratelimit.SubmissionLimiter
	emitter  notificationdomain.Emitter
}

func NewService(p Params) *Service {
	emitter := p.Emitter
	if emitter == nil {
		emitter = notificationdomain.Discard
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("mobiletransfer.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		ledger:   p.Ledger,
		rates:    p.Rates,
		authz:    p.Authz,
		settings: p.Settings,
		limiter:  p.Limiter,
		emitter:  emitter,
	}
}

// Submit records a transfer claim for the order's payment and moves the payment
// to processing. Resubmitting while the claim is still pending returns it unchanged.
func (s *Service) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.VerificationRequest, error) {
	cfg := s.settings.Get()
	claim, err := s.normalize(req, cfg)
	if err != nil {
		return nil, err
	}

	payment, err := s.ledger.FindLatestByOrder(ctx, claim.OrderRef)
	if err != nil {
		return nil, err
	}
	if payment.Method != ledgerdomain.MethodMobileTransfer {
		return nil, domain.ErrNotMobileTransfer
	}
	if payment.CustomerRef != claim.CustomerRef {
		return nil, domain.ErrInvalidCustomer
	}

	existing, err := s.repo.FindByPayment(ctx, s.db, payment.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return resubmission(existing)
	}

	if err := s.checkSubmissionLimit(ctx, claim.CustomerRef, cfg); err != nil {
		return nil, err
	}

	snapshot, err := s.rates.GetCurrentRate(ctx)
	if err != nil {
		return nil, err
	}
	usdEquivalent, err := snapshot.Convert(claim.AmountLocal, cfg.LocalCurrency, usd)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	record := &domain.VerificationRequest{
		ID:              s.genID.Generate(),
		PaymentID:       payment.ID,
		OrderRef:        claim.OrderRef,
		CustomerRef:     claim.CustomerRef,
		SenderID:        claim.SenderID,
		SenderPhone:     claim.SenderPhone,
		BankCode:        claim.BankCode,
		ReferenceNumber: newReference(now),
		AmountLocal:     claim.AmountLocal,
		LocalCurrency:   cfg.LocalCurrency,
		RateUsed:        snapshot.Rate,
		RateSource:      snapshot.Source,
		RateStale:       snapshot.Stale,
		USDEquivalent:   usdEquivalent,
		Status:          domain.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if snapshot.Persisted() {
		id := snapshot.ID
		record.RateSnapshotID = &id
	}

	var replay *domain.VerificationRequest
	err = s.ledger.WithPaymentLock(ctx, payment.ID, func(tx *gorm.DB, locked *ledgerdomain.Payment) error {
		current, err := s.repo.FindByPayment(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		if current != nil {
			replay = current
			return nil
		}
		if err := s.repo.Insert(ctx, tx, record); err != nil {
			return err
		}
		_, err = s.ledger.TransitionTx(ctx, tx, ledgerdomain.TransitionRequest{
			PaymentID:   locked.ID,
			To:          ledgerdomain.StatusProcessing,
			ExternalRef: &record.ReferenceNumber,
			Actor:       "customer:" + claim.CustomerRef,
			Reason:      "transfer submitted",
		})
		return err
	})
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			current, findErr := s.repo.FindByPayment(ctx, s.db, payment.ID)
			if findErr == nil && current != nil {
				return resubmission(current)
			}
		}
		return nil, err
	}
	if replay != nil {
		return resubmission(replay)
	}

	logger.WithContext(ctx, s.log).Info("transfer verification submitted",
		zap.String("request_id", record.ID.String()),
		zap.String("order_ref", record.OrderRef),
		zap.String("payment_id", payment.ID.String()),
		zap.String("amount_local", record.AmountLocal.String()),
		zap.String("rate_used", record.RateUsed.String()),
		zap.String("rate_source", record.RateSource),
		zap.Bool("rate_stale", record.RateStale),
		zap.String("usd_equivalent", record.USDEquivalent.String()),
	)
	return record, nil
}

func resubmission(existing *domain.VerificationRequest) (*domain.VerificationRequest, error) {
	if existing.Status != domain.StatusPending {
		return nil, domain.ErrDuplicateSubmission
	}
	return existing, nil
}

func (s *Service) normalize(req domain.SubmitRequest, cfg config.SettlementConfig) (domain.SubmitRequest, error) {
	out := domain.SubmitRequest{
		OrderRef:    strings.TrimSpace(req.OrderRef),
		CustomerRef: strings.TrimSpace(req.CustomerRef),
	}
	if out.OrderRef == "" {
		return out, domain.ErrInvalidOrder
	}
	if out.CustomerRef == "" {
		return out, domain.ErrInvalidCustomer
	}
	var err error
	if out.SenderID, err = domain.NormalizeSenderID(req.SenderID); err != nil {
		return out, err
	}
	if out.SenderPhone, err = domain.NormalizePhone(req.SenderPhone); err != nil {
		return out, err
	}
	if out.BankCode, err = domain.NormalizeBankCode(req.BankCode, cfg.Banks); err != nil {
		return out, err
	}
	if !req.AmountLocal.IsPositive() {
		return out, domain.ErrInvalidAmount
	}
	out.AmountLocal = money.Round(req.AmountLocal, cfg.LocalCurrency)
	if !out.AmountLocal.IsPositive() {
		return out, domain.ErrInvalidAmount
	}
	return out, nil
}

// checkSubmissionLimit uses the shared token bucket when redis is configured
// and counts the last hour of stored submissions otherwise.
func (s *Service) checkSubmissionLimit(ctx context.Context, customerRef string, cfg config.SettlementConfig) error {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, customerRef)
		if err == nil {
			if !allowed {
				return domain.ErrTooManySubmissions
			}
			return nil
		}
		logger.WithContext(ctx, s.log).Warn("submission limiter unavailable", zap.Error(err))
	}

	count, err := s.repo.CountByCustomerSince(ctx, s.db, customerRef, s.clock.Now().Add(-time.Hour))
	if err != nil {
		return err
	}
	if count >= int64(cfg.SubmissionsPerHour) {
		return domain.ErrTooManySubmissions
	}
	return nil
}

func newReference(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}

// Decide approves or rejects a pending request and settles its payment in the
// same transaction.
func (s *Service) Decide(ctx context.Context, req domain.DecideRequest) (*domain.VerificationRequest, error) {
	if req.Outcome != domain.StatusApproved && req.Outcome != domain.StatusRejected {
		return nil, domain.ErrInvalidOutcome
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		return nil, domain.ErrInvalidActor
	}
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectVerification, authorization.ActionVerificationDecide); err != nil {
		return nil, err
	}

	record, err := s.repo.FindByID(ctx, s.db, req.RequestID, false)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrRequestNotFound
	}
	if record.Status != domain.StatusPending {
		return nil, &domain.DecisionError{RequestID: record.ID, Status: record.Status}
	}

	target := ledgerdomain.StatusSucceeded
	if req.Outcome == domain.StatusRejected {
		target = ledgerdomain.StatusFailed
	}
	var reason *string
	if trimmed := strings.TrimSpace(req.Reason); trimmed != "" {
		reason = &trimmed
	}

	var payment ledgerdomain.Payment
	err = s.ledger.WithPaymentLock(ctx, record.PaymentID, func(tx *gorm.DB, _ *ledgerdomain.Payment) error {
		locked, err := s.repo.FindByID(ctx, tx, record.ID, true)
		if err != nil {
			return err
		}
		if locked == nil {
			return domain.ErrRequestNotFound
		}
		if locked.Status != domain.StatusPending {
			return &domain.DecisionError{RequestID: locked.ID, Status: locked.Status}
		}

		now := s.clock.Now()
		decided, err := s.repo.Decide(ctx, tx, locked.ID, req.Outcome, actor, reason, now)
		if err != nil {
			return fmt.Errorf("decide verification request: %w", err)
		}
		if !decided {
			return &domain.DecisionError{RequestID: locked.ID, Status: locked.Status}
		}

		res, err := s.ledger.TransitionTx(ctx, tx, ledgerdomain.TransitionRequest{
			PaymentID:   locked.PaymentID,
			To:          target,
			ExternalRef: &locked.ReferenceNumber,
			Actor:       actor,
			Reason:      strings.TrimSpace(req.Reason),
		})
		if err != nil {
			return err
		}
		payment = res.Payment

		locked.Status = req.Outcome
		locked.DecidedBy = &actor
		locked.DecisionReason = reason
		locked.DecidedAt = &now
		locked.UpdatedAt = now
		record = locked
		return nil
	})
	if err != nil {
		log := logger.WithContext(ctx, s.log)
		if errors.Is(err, ledgerdomain.ErrInvalidTransition) {
			log.Warn("verification decision rejected", zap.String("request_id", req.RequestID.String()), zap.Error(err))
		}
		return nil, err
	}

	logger.WithContext(ctx, s.log).Info("transfer verification decided",
		zap.String("request_id", record.ID.String()),
		zap.String("order_ref", record.OrderRef),
		zap.String("outcome", string(record.Status)),
		zap.String("actor", actor),
	)
	s.notify(ctx, record, &payment)
	return record, nil
}

func (s *Service) notify(ctx context.Context, record *domain.VerificationRequest, payment *ledgerdomain.Payment) {
	kind := notificationdomain.TypePaymentConfirmed
	if record.Status == domain.StatusRejected {
		kind = notificationdomain.TypePaymentRejected
	}
	payload := map[string]any{
		"payment_id":       payment.ID.String(),
		"request_id":       record.ID.String(),
		"customer_ref":     record.CustomerRef,
		"method":           string(ledgerdomain.MethodMobileTransfer),
		"reference_number": record.ReferenceNumber,
		"amount_local":     record.AmountLocal.String(),
		"local_currency":   record.LocalCurrency,
		"rate_used":        record.RateUsed.String(),
		"usd_equivalent":   record.USDEquivalent.String(),
		"status":           string(payment.Status),
	}
	if record.DecisionReason != nil {
		payload["reason"] = *record.DecisionReason
	}
	s.emitter.Emit(ctx, notificationdomain.Notification{
		Type:     kind,
		OrderRef: record.OrderRef,
		Payload:  payload,
	})
}

// DecideBatch applies Decide to every id and reports each outcome separately.
func (s *Service) DecideBatch(ctx context.Context, ids []snowflake.ID, outcome domain.Status, actor string, reason string) []domain.DecisionResult {
	results := make([]domain.DecisionResult, 0, len(ids))
	seen := make(map[snowflake.ID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		record, err := s.Decide(ctx, domain.DecideRequest{RequestID: id, Outcome: outcome, Actor: actor, Reason: reason})
		result := domain.DecisionResult{RequestID: id, Request: record, Err: err}
		if err != nil {
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.VerificationRequest, error) {
	record, err := s.repo.FindByID(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrRequestNotFound
	}
	return record, nil
}

func (s *Service) FindByOrder(ctx context.Context, orderRef string) (*domain.VerificationRequest, error) {
	record, err := s.repo.FindLatestByOrder(ctx, s.db, strings.TrimSpace(orderRef))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrRequestNotFound
	}
	return record, nil
}

func (s *Service) ListPending(ctx context.Context, limit int) ([]domain.VerificationRequest, error) {
	return s.repo.ListByStatus(ctx, s.db, domain.StatusPending, nil, clampLimit(limit))
}

// ListOverdue returns pending requests older than the verification window.
// They are surfaced for follow-up and never rejected automatically.
func (s *Service) ListOverdue(ctx context.Context, limit int) ([]domain.VerificationRequest, error) {
	cutoff := s.clock.Now().Add(-s.settings.Get().VerificationWindow)
	return s.repo.ListByStatus(ctx, s.db, domain.StatusPending, &cutoff, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
