package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/authorization"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	ratedomain "github.com/smallbiznis/settlement/internal/exchangerate/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/settlement/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/settlement/internal/ledger/service"
	"github.com/smallbiznis/settlement/internal/mobiletransfer/domain"
	"github.com/smallbiznis/settlement/internal/mobiletransfer/repository"
	"github.com/smallbiznis/settlement/internal/mobiletransfer/service"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/smallbiznis/settlement/internal/testutil"
	"go.uber.org/zap"
)

const admin = "admin-1"

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRates struct {
	ratedomain.Service
	snapshot ratedomain.RateSnapshot
}

func (f *fakeRates) GetCurrentRate(context.Context) (ratedomain.RateSnapshot, error) {
	return f.snapshot, nil
}

type fixture struct {
	clock   *clock.FakeClock
	ledger  *ledgerservice.Service
	rates   *fakeRates
	svc     *service.Service
	emitter *testutil.RecordingEmitter
}

func newFixture(t *testing.T, settings config.SettlementConfig) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(baseTime)

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  ledgerrepo.Provide(),
	})
	enforcer, err := authorization.NewMemoryEnforcer(admin)
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}
	rates := &fakeRates{snapshot: ratedomain.RateSnapshot{
		ID:        snowflake.ID(42),
		Currency:  "VES",
		Rate:      decimal.RequireFromString("38.00"),
		Source:    "exchangerate_host",
		FetchedAt: baseTime,
	}}
	emitter := &testutil.RecordingEmitter{}

	svc := service.NewService(service.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Ledger:   ledger,
		Rates:    rates,
		Authz:    authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		Settings: config.NewStaticSettlementConfigHolder(settings),
		Emitter:  emitter,
	})
	return &fixture{clock: clk, ledger: ledger, rates: rates, svc: svc, emitter: emitter}
}

func (f *fixture) checkout(t *testing.T, order, customer string) *ledgerdomain.Payment {
	t.Helper()
	payment, err := f.ledger.CreatePayment(context.Background(), ledgerdomain.CreatePaymentRequest{
		OrderRef:    order,
		CustomerRef: customer,
		Amount:      decimal.RequireFromString("100.00"),
		Currency:    "USD",
		Details:     ledgerdomain.MobileTransferDetails{BankCode: "0134"},
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return payment
}

func claim(order, customer string) domain.SubmitRequest {
	return domain.SubmitRequest{
		OrderRef:    order,
		CustomerRef: customer,
		SenderID:    "v-12345678",
		SenderPhone: "0414-1234567",
		BankCode:    "0134",
		AmountLocal: decimal.RequireFromString("3800.00"),
	}
}

func TestSubmitCapturesRateAndApproveSettlesPayment(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()
	payment := f.checkout(t, "order-1", "cust-1")

	req, err := f.svc.Submit(ctx, claim("order-1", "cust-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	if !req.USDEquivalent.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("expected usd 100.00, got %s", req.USDEquivalent)
	}
	if req.SenderID != "V-12345678" || req.SenderPhone != "04141234567" {
		t.Fatalf("expected normalized sender, got %s %s", req.SenderID, req.SenderPhone)
	}
	if req.RateSnapshotID == nil || *req.RateSnapshotID != snowflake.ID(42) {
		t.Fatalf("expected snapshot reference, got %v", req.RateSnapshotID)
	}
	if len(req.ReferenceNumber) != 26 {
		t.Fatalf("expected ulid reference, got %q", req.ReferenceNumber)
	}

	stored, err := f.ledger.Get(ctx, payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if stored.Status != ledgerdomain.StatusProcessing {
		t.Fatalf("expected processing payment, got %s", stored.Status)
	}

	decided, err := f.svc.Decide(ctx, domain.DecideRequest{RequestID: req.ID, Outcome: domain.StatusApproved, Actor: admin})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != domain.StatusApproved || decided.DecidedBy == nil || *decided.DecidedBy != admin {
		t.Fatalf("unexpected decision: %+v", decided)
	}
	stored, _ = f.ledger.Get(ctx, payment.ID)
	if stored.Status != ledgerdomain.StatusSucceeded {
		t.Fatalf("expected succeeded payment, got %s", stored.Status)
	}
	if got := f.emitter.Count(notificationdomain.TypePaymentConfirmed); got != 1 {
		t.Fatalf("expected one confirmation, got %d", got)
	}

	_, err = f.svc.Decide(ctx, domain.DecideRequest{RequestID: req.ID, Outcome: domain.StatusApproved, Actor: admin})
	if !errors.Is(err, ledgerdomain.ErrInvalidTransition) || !errors.Is(err, domain.ErrAlreadyDecided) {
		t.Fatalf("expected already decided, got %v", err)
	}
	stored, _ = f.ledger.Get(ctx, payment.ID)
	if stored.Status != ledgerdomain.StatusSucceeded {
		t.Fatalf("expected payment to stay succeeded, got %s", stored.Status)
	}
	if got := f.emitter.Count(notificationdomain.TypePaymentConfirmed); got != 1 {
		t.Fatalf("expected no duplicate confirmation, got %d", got)
	}
}

func TestCapturedRateNeverRecomputed(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()
	f.checkout(t, "order-1", "cust-1")

	req, err := f.svc.Submit(ctx, claim("order-1", "cust-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.rates.snapshot.Rate = decimal.RequireFromString("45.00")

	got, err := f.svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.RateUsed.Equal(decimal.RequireFromString("38")) || !got.USDEquivalent.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("captured rate drifted: %s %s", got.RateUsed, got.USDEquivalent)
	}
}

func TestSubmitWithFallbackRateKeepsNoSnapshotReference(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	f.rates.snapshot = ratedomain.RateSnapshot{
		Currency:  "VES",
		Rate:      decimal.RequireFromString("38.00"),
		Source:    ratedomain.SourceFallback,
		FetchedAt: baseTime,
		Stale:     true,
	}
	f.checkout(t, "order-1", "cust-1")

	req, err := f.svc.Submit(context.Background(), claim("order-1", "cust-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.RateSnapshotID != nil || !req.RateStale || req.RateSource != ratedomain.SourceFallback {
		t.Fatalf("unexpected rate capture: %+v", req)
	}
}

func TestRejectFailsPaymentWithReason(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()
	payment := f.checkout(t, "order-1", "cust-1")

	req, err := f.svc.Submit(ctx, claim("order-1", "cust-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.Decide(ctx, domain.DecideRequest{RequestID: req.ID, Outcome: domain.StatusRejected, Actor: admin, Reason: "transfer not found"}); err != nil {
		t.Fatalf("decide: %v", err)
	}

	stored, _ := f.ledger.Get(ctx, payment.ID)
	if stored.Status != ledgerdomain.StatusFailed {
		t.Fatalf("expected failed payment, got %s", stored.Status)
	}
	sent := f.emitter.Sent()
	if len(sent) != 1 || sent[0].Type != notificationdomain.TypePaymentRejected {
		t.Fatalf("expected one rejection, got %+v", sent)
	}
	if sent[0].Payload["reason"] != "transfer not found" {
		t.Fatalf("expected reason in payload, got %v", sent[0].Payload)
	}
}

func TestDecideRequiresAdmin(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()
	payment := f.checkout(t, "order-1", "cust-1")
	req, err := f.svc.Submit(ctx, claim("order-1", "cust-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = f.svc.Decide(ctx, domain.DecideRequest{RequestID: req.ID, Outcome: domain.StatusApproved, Actor: "cust-1"})
	if !errors.Is(err, authorization.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	stored, _ := f.ledger.Get(ctx, payment.ID)
	if stored.Status != ledgerdomain.StatusProcessing {
		t.Fatalf("expected payment untouched, got %s", stored.Status)
	}
	if len(f.emitter.Sent()) != 0 {
		t.Fatalf("expected no notifications")
	}
}

func TestDecideRollsBackWhenPaymentCannotSettle(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()
	payment := f.checkout(t, "order-1", "cust-1")
	req, err := f.svc.Submit(ctx, claim("order-1", "cust-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.ledger.Transition(ctx, ledgerdomain.TransitionRequest{PaymentID: payment.ID, To: ledgerdomain.StatusFailed, Actor: admin}); err != nil {
		t.Fatalf("fail payment: %v", err)
	}

	_, err = f.svc.Decide(ctx, domain.DecideRequest{RequestID: req.ID, Outcome: domain.StatusApproved, Actor: admin})
	if !errors.Is(err, ledgerdomain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, _ := f.svc.Get(ctx, req.ID)
	if got.Status != domain.StatusPending || got.DecidedBy != nil {
		t.Fatalf("expected request to stay pending, got %+v", got)
	}
}

func TestResubmission(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()
	f.checkout(t, "order-1", "cust-1")

	first, err := f.svc.Submit(ctx, claim("order-1", "cust-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	again, err := f.svc.Submit(ctx, claim("order-1", "cust-1"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected the pending request back, got %s and %s", first.ID, again.ID)
	}

	if _, err := f.svc.Decide(ctx, domain.DecideRequest{RequestID: first.ID, Outcome: domain.StatusApproved, Actor: admin}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if _, err := f.svc.Submit(ctx, claim("order-1", "cust-1")); !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate submission, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()
	f.checkout(t, "order-1", "cust-1")

	badBank := claim("order-1", "cust-1")
	badBank.BankCode = "9999"
	if _, err := f.svc.Submit(ctx, badBank); !errors.Is(err, domain.ErrUnknownBank) {
		t.Fatalf("expected unknown bank, got %v", err)
	}
	badAmount := claim("order-1", "cust-1")
	badAmount.AmountLocal = decimal.Zero
	if _, err := f.svc.Submit(ctx, badAmount); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if _, err := f.svc.Submit(ctx, claim("order-1", "cust-2")); !errors.Is(err, domain.ErrInvalidCustomer) {
		t.Fatalf("expected customer mismatch, got %v", err)
	}
	if _, err := f.svc.Submit(ctx, claim("order-404", "cust-1")); !errors.Is(err, ledgerdomain.ErrPaymentNotFound) {
		t.Fatalf("expected payment not found, got %v", err)
	}

	if _, err := f.ledger.CreatePayment(ctx, ledgerdomain.CreatePaymentRequest{
		OrderRef:    "order-2",
		CustomerRef: "cust-1",
		Amount:      decimal.RequireFromString("10"),
		Currency:    "USD",
		Details:     ledgerdomain.ManualDetails{},
	}); err != nil {
		t.Fatalf("create manual payment: %v", err)
	}
	if _, err := f.svc.Submit(ctx, claim("order-2", "cust-1")); !errors.Is(err, domain.ErrNotMobileTransfer) {
		t.Fatalf("expected not mobile transfer, got %v", err)
	}
}

func TestSubmitLimitPerCustomer(t *testing.T) {
	settings := config.DefaultSettlementConfig()
	settings.SubmissionsPerHour = 2
	f := newFixture(t, settings)
	ctx := context.Background()

	for _, order := range []string{"order-1", "order-2", "order-3"} {
		f.checkout(t, order, "cust-1")
	}
	for _, order := range []string{"order-1", "order-2"} {
		if _, err := f.svc.Submit(ctx, claim(order, "cust-1")); err != nil {
			t.Fatalf("submit %s: %v", order, err)
		}
	}
	if _, err := f.svc.Submit(ctx, claim("order-3", "cust-1")); !errors.Is(err, domain.ErrTooManySubmissions) {
		t.Fatalf("expected limit, got %v", err)
	}

	f.clock.Advance(61 * time.Minute)
	if _, err := f.svc.Submit(ctx, claim("order-3", "cust-1")); err != nil {
		t.Fatalf("expected submission after an hour, got %v", err)
	}
}

func TestListOverdue(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()
	f.checkout(t, "order-1", "cust-1")
	f.checkout(t, "order-2", "cust-2")

	old, err := f.svc.Submit(ctx, claim("order-1", "cust-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.clock.Advance(48 * time.Hour)
	if _, err := f.svc.Submit(ctx, claim("order-2", "cust-2")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.clock.Advance(25 * time.Hour)

	overdue, err := f.svc.ListOverdue(ctx, 0)
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != old.ID {
		t.Fatalf("expected only the oldest request, got %+v", overdue)
	}
	pending, err := f.svc.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected two pending, got %d", len(pending))
	}
	if overdue[0].Status != domain.StatusPending {
		t.Fatalf("overdue requests must not be auto-rejected")
	}
}

func TestDecideBatch(t *testing.T) {
	f := newFixture(t, config.DefaultSettlementConfig())
	ctx := context.Background()
	f.checkout(t, "order-1", "cust-1")
	f.checkout(t, "order-2", "cust-2")

	a, err := f.svc.Submit(ctx, claim("order-1", "cust-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	b, err := f.svc.Submit(ctx, claim("order-2", "cust-2"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	results := f.svc.DecideBatch(ctx, []snowflake.ID{a.ID, b.ID, a.ID, snowflake.ID(7)}, domain.StatusApproved, admin, "")
	if len(results) != 3 {
		t.Fatalf("expected three results, got %d", len(results))
	}
	if results[0].Err != nil || results[1].Err != nil {
		t.Fatalf("expected first two to succeed, got %v %v", results[0].Err, results[1].Err)
	}
	if !errors.Is(results[2].Err, domain.ErrRequestNotFound) {
		t.Fatalf("expected not found for unknown id, got %v", results[2].Err)
	}
	if got := f.emitter.Count(notificationdomain.TypePaymentConfirmed); got != 2 {
		t.Fatalf("expected two confirmations, got %d", got)
	}
}
