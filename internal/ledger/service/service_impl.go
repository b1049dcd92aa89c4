package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/internal/money"
	"github.com/smallbiznis/settlement/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	pkgdb "github.com/smallbiznis/settlement/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	lockStripes  = 64
	systemActor  = "system"
	maxListLimit = 1000
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service serializes writes per payment: an in-process stripe lock keeps
// local callers in line and the row lock covers other instances.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	obsMetrics *obsmetrics.Metrics

	stripes [lockStripes]sync.Mutex
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreatePayment(ctx context.Context, req domain.CreatePaymentRequest) (*domain.Payment, error) {
	payment, err := s.newPayment(req)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		active, err := s.repo.FindActiveByOrder(ctx, tx, payment.OrderRef)
		if err != nil {
			return err
		}
		if active != nil {
			return conflictFor(active)
		}
		return s.repo.Insert(ctx, tx, payment)
	})
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			// Lost the race on the active-payment index.
			active, findErr := s.repo.FindActiveByOrder(ctx, s.db, payment.OrderRef)
			if findErr == nil && active != nil {
				return nil, conflictFor(active)
			}
			return nil, &domain.ConflictError{OrderRef: payment.OrderRef}
		}
		return nil, err
	}

	s.obsMetrics.RecordPaymentTransition(ctx, string(payment.Method), string(payment.Status))
	logger.WithContext(ctx, s.log).Info("payment created",
		zap.String("payment_id", payment.ID.String()),
		zap.String("order_ref", payment.OrderRef),
		zap.String("method", string(payment.Method)),
	)
	return payment, nil
}

func (s *Service) newPayment(req domain.CreatePaymentRequest) (*domain.Payment, error) {
	orderRef := strings.TrimSpace(req.OrderRef)
	if orderRef == "" {
		return nil, domain.ErrInvalidOrder
	}
	customerRef := strings.TrimSpace(req.CustomerRef)
	if customerRef == "" {
		return nil, domain.ErrInvalidCustomer
	}
	currency := money.NormalizeCurrency(req.Currency)
	if !money.ValidCurrency(currency) {
		return nil, domain.ErrInvalidCurrency
	}
	if !req.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	if req.Details == nil || !req.Details.Method().Valid() {
		return nil, domain.ErrInvalidMethod
	}
	details, err := domain.EncodeDetails(req.Details)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	return &domain.Payment{
		ID:          s.genID.Generate(),
		OrderRef:    orderRef,
		CustomerRef: customerRef,
		Amount:      money.Round(req.Amount, currency),
		Currency:    currency,
		Method:      req.Details.Method(),
		Status:      domain.StatusPending,
		Details:     details,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func conflictFor(active *domain.Payment) error {
	return &domain.ConflictError{
		OrderRef:  active.OrderRef,
		PaymentID: active.ID,
		Status:    active.Status,
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Payment, error) {
	payment, err := s.repo.FindByID(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *Service) FindActiveByOrder(ctx context.Context, orderRef string) (*domain.Payment, error) {
	payment, err := s.repo.FindActiveByOrder(ctx, s.db, strings.TrimSpace(orderRef))
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *Service) FindLatestByOrder(ctx context.Context, orderRef string) (*domain.Payment, error) {
	payment, err := s.repo.FindLatestByOrder(ctx, s.db, strings.TrimSpace(orderRef))
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *Service) FindByExternalRef(ctx context.Context, method domain.Method, externalRef string) (*domain.Payment, error) {
	payment, err := s.repo.FindByExternalRef(ctx, s.db, method, externalRef)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *Service) ListByOrder(ctx context.Context, orderRef string) ([]domain.Payment, error) {
	return s.repo.ListByOrder(ctx, s.db, strings.TrimSpace(orderRef))
}

func (s *Service) ListByStatus(ctx context.Context, method domain.Method, status domain.Status, limit int) ([]domain.Payment, error) {
	if !status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	if method != "" && !method.Valid() {
		return nil, domain.ErrInvalidMethod
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListByStatus(ctx, s.db, method, status, limit)
}

func (s *Service) Transitions(ctx context.Context, paymentID snowflake.ID) ([]domain.PaymentTransition, error) {
	return s.repo.ListTransitions(ctx, s.db, paymentID)
}

func (s *Service) WithPaymentLock(ctx context.Context, paymentID snowflake.ID, fn func(tx *gorm.DB, payment *domain.Payment) error) error {
	mu := &s.stripes[uint64(paymentID)%lockStripes]
	mu.Lock()
	defer mu.Unlock()

	pending := &pendingTransitions{}
	txCtx := context.WithValue(ctx, pendingKey{}, pending)
	err := s.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.repo.FindByID(ctx, tx, paymentID, true)
		if err != nil {
			return err
		}
		if payment == nil {
			return domain.ErrPaymentNotFound
		}
		return fn(tx, payment)
	})
	if err != nil {
		return err
	}
	for _, rec := range pending.items {
		s.observe(ctx, rec)
	}
	return nil
}

func (s *Service) Transition(ctx context.Context, req domain.TransitionRequest) (*domain.TransitionResult, error) {
	var result *domain.TransitionResult
	err := s.WithPaymentLock(ctx, req.PaymentID, func(tx *gorm.DB, payment *domain.Payment) error {
		var err error
		result, err = s.apply(ctx, tx, payment, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) TransitionTx(ctx context.Context, tx *gorm.DB, req domain.TransitionRequest) (*domain.TransitionResult, error) {
	payment, err := s.repo.FindByID(ctx, tx, req.PaymentID, true)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return s.apply(ctx, tx, payment, req)
}

// apply expects payment to be locked by the caller's transaction.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, payment *domain.Payment, req domain.TransitionRequest) (*domain.TransitionResult, error) {
	if !req.To.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	if req.ExternalRef != nil {
		ref := strings.TrimSpace(*req.ExternalRef)
		if ref == "" {
			req.ExternalRef = nil
		} else {
			req.ExternalRef = &ref
		}
	}

	from := payment.Status
	if from == req.To {
		if req.ExternalRef == nil || sameRef(payment.ExternalRef, req.ExternalRef) {
			return &domain.TransitionResult{Payment: *payment, From: from, Changed: false}, nil
		}
		return nil, &domain.TransitionError{PaymentID: payment.ID, From: from, To: req.To, Reason: "external reference mismatch"}
	}
	if !domain.CanTransition(from, req.To) {
		return nil, &domain.TransitionError{PaymentID: payment.ID, From: from, To: req.To}
	}
	if req.ExternalRef != nil && payment.ExternalRef != nil && !sameRef(payment.ExternalRef, req.ExternalRef) {
		return nil, &domain.TransitionError{PaymentID: payment.ID, From: from, To: req.To, Reason: "external reference mismatch"}
	}

	now := s.clock.Now()
	updated, err := s.repo.UpdateStatus(ctx, tx, payment.ID, from, req.To, req.ExternalRef, now)
	if err != nil {
		return nil, fmt.Errorf("update payment status: %w", err)
	}
	if !updated {
		return nil, &domain.TransitionError{PaymentID: payment.ID, From: from, To: req.To, Reason: "status changed concurrently"}
	}

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = systemActor
	}
	transition := &domain.PaymentTransition{
		ID:          s.genID.Generate(),
		PaymentID:   payment.ID,
		FromStatus:  from,
		ToStatus:    req.To,
		ExternalRef: req.ExternalRef,
		Actor:       actor,
		CreatedAt:   now,
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		transition.Reason = &reason
	}
	if err := s.repo.InsertTransition(ctx, tx, transition); err != nil {
		return nil, fmt.Errorf("insert payment transition: %w", err)
	}

	payment.Status = req.To
	payment.UpdatedAt = now
	if req.ExternalRef != nil {
		payment.ExternalRef = req.ExternalRef
	}

	s.afterCommit(ctx, tx, appliedTransition{payment: *payment, from: from, actor: actor})
	return &domain.TransitionResult{Payment: *payment, From: from, Changed: true}, nil
}

type pendingKey struct{}

// pendingTransitions collects the transitions applied inside one
// WithPaymentLock transaction until it commits.
type pendingTransitions struct {
	items []appliedTransition
}

type appliedTransition struct {
	payment domain.Payment
	from    domain.Status
	actor   string
}

func (s *Service) afterCommit(ctx context.Context, tx *gorm.DB, rec appliedTransition) {
	if tx != nil && tx.Statement != nil && tx.Statement.Context != nil {
		if pending, ok := tx.Statement.Context.Value(pendingKey{}).(*pendingTransitions); ok {
			pending.items = append(pending.items, rec)
			return
		}
	}
	s.observe(ctx, rec)
}

func (s *Service) observe(ctx context.Context, rec appliedTransition) {
	s.obsMetrics.RecordPaymentTransition(ctx, string(rec.payment.Method), string(rec.payment.Status))
	logger.WithContext(ctx, s.log).Info("payment transitioned",
		zap.String("payment_id", rec.payment.ID.String()),
		zap.String("order_ref", rec.payment.OrderRef),
		zap.String("from", string(rec.from)),
		zap.String("to", string(rec.payment.Status)),
		zap.String("actor", rec.actor),
	)
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
