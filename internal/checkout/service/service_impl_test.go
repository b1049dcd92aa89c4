package service_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/authorization"
	checkoutdomain "github.com/smallbiznis/settlement/internal/checkout/domain"
	"github.com/smallbiznis/settlement/internal/checkout/service"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	ratedomain "github.com/smallbiznis/settlement/internal/exchangerate/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/settlement/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/settlement/internal/ledger/service"
	mtdomain "github.com/smallbiznis/settlement/internal/mobiletransfer/domain"
	mtrepo "github.com/smallbiznis/settlement/internal/mobiletransfer/repository"
	mtservice "github.com/smallbiznis/settlement/internal/mobiletransfer/service"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/internal/testutil"
	"go.uber.org/zap"
)

const admin = "admin-1"

type fakeRates struct {
	ratedomain.Service
	snapshot ratedomain.RateSnapshot
}

func (f *fakeRates) GetCurrentRate(context.Context) (ratedomain.RateSnapshot, error) {
	return f.snapshot, nil
}

// fakePayments moves the payment to processing the way the gateway handler does.
type fakePayments struct {
	ledger    ledgerdomain.Service
	createErr error
}

func (f *fakePayments) Providers() []string { return []string{"paypal", "stripe"} }

func (f *fakePayments) CreateIntent(ctx context.Context, id snowflake.ID) (*paymentdomain.Intent, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	ref := "pi_" + id.String()
	if _, err := f.ledger.Transition(ctx, ledgerdomain.TransitionRequest{PaymentID: id, To: ledgerdomain.StatusProcessing, ExternalRef: &ref}); err != nil {
		return nil, err
	}
	return &paymentdomain.Intent{Provider: "stripe", ExternalRef: ref}, nil
}

func (f *fakePayments) IngestEvent(context.Context, string, []byte, http.Header) (*paymentdomain.IngestResult, error) {
	return nil, errors.New("not implemented")
}

type fixture struct {
	ledger   *ledgerservice.Service
	payments *fakePayments
	svc      *service.Service
	emitter  *testutil.RecordingEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	settings := config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig())

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
	authz := authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer})
	rates := &fakeRates{snapshot: ratedomain.RateSnapshot{
		ID:        snowflake.ID(9),
		Currency:  "VES",
		Rate:      decimal.RequireFromString("38.00"),
		Source:    "exchangerate_host",
		FetchedAt: clk.Now(),
	}}
	emitter := &testutil.RecordingEmitter{}
	transfers := mtservice.NewService(mtservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     mtrepo.Provide(),
		Ledger:   ledger,
		Rates:    rates,
		Authz:    authz,
		Settings: settings,
		Emitter:  emitter,
	})
	payments := &fakePayments{ledger: ledger}

	svc := service.NewService(service.Params{
		Log:       zap.NewNop(),
		Ledger:    ledger,
		Payments:  payments,
		Transfers: transfers,
		Rates:     rates,
		Authz:     authz,
		Settings:  settings,
		Emitter:   emitter,
	})
	return &fixture{ledger: ledger, payments: payments, svc: svc, emitter: emitter}
}

func gatewayCheckout(order string) checkoutdomain.CheckoutRequest {
	return checkoutdomain.CheckoutRequest{
		OrderRef:    order,
		CustomerRef: "cust-1",
		Amount:      decimal.RequireFromString("100.00"),
		Currency:    "USD",
		Method:      ledgerdomain.MethodGateway,
		Gateway:     &checkoutdomain.GatewayParams{Provider: "Stripe"},
	}
}

func TestCheckoutGatewayCreatesIntentAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Checkout(ctx, gatewayCheckout("order-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.Payment.Status != ledgerdomain.StatusProcessing || res.Intent == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	sent := f.emitter.Sent()
	if len(sent) != 1 || sent[0].Type != notificationdomain.TypeNewOrder || sent[0].OrderRef != "order-1" {
		t.Fatalf("expected one new_order notification, got %+v", sent)
	}

	_, err = f.svc.Checkout(ctx, gatewayCheckout("order-1"))
	if !errors.Is(err, ledgerdomain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(f.emitter.Sent()) != 1 {
		t.Fatalf("expected no notification for rejected checkout")
	}
}

func TestCheckoutFailedInitiationReleasesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.payments.createErr = paymentdomain.ErrGatewayUnavailable

	if _, err := f.svc.Checkout(ctx, gatewayCheckout("order-1")); !errors.Is(err, paymentdomain.ErrGatewayUnavailable) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	latest, err := f.ledger.FindLatestByOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if latest.Status != ledgerdomain.StatusFailed {
		t.Fatalf("expected failed payment, got %s", latest.Status)
	}

	f.payments.createErr = nil
	if _, err := f.svc.Checkout(ctx, gatewayCheckout("order-1")); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

func TestCheckoutRejectsUnknownProviderBeforeCreating(t *testing.T) {
	f := newFixture(t)
	req := gatewayCheckout("order-1")
	req.Gateway.Provider = "adyen"

	if _, err := f.svc.Checkout(context.Background(), req); !errors.Is(err, paymentdomain.ErrProviderNotFound) {
		t.Fatalf("expected provider not found, got %v", err)
	}
	if _, err := f.ledger.FindLatestByOrder(context.Background(), "order-1"); !errors.Is(err, ledgerdomain.ErrPaymentNotFound) {
		t.Fatalf("expected no payment, got %v", err)
	}
}

func TestCheckoutMobileTransferWithClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Checkout(ctx, checkoutdomain.CheckoutRequest{
		OrderRef:    "order-1",
		CustomerRef: "cust-1",
		Amount:      decimal.RequireFromString("100.00"),
		Currency:    "USD",
		Method:      ledgerdomain.MethodMobileTransfer,
		Transfer: &checkoutdomain.TransferParams{
			SenderID:    "V-12345678",
			SenderPhone: "04141234567",
			BankCode:    "0134",
			AmountLocal: decimal.RequireFromString("3800.00"),
		},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.Payment.Status != ledgerdomain.StatusProcessing || res.Verification == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Verification.Status != mtdomain.StatusPending || !res.Verification.USDEquivalent.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected verification: %+v", res.Verification)
	}

	sent := f.emitter.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(sent))
	}
	rate, ok := sent[0].Payload["rate"].(map[string]any)
	if !ok || rate["rate"] != "38" || rate["snapshot_id"] != snowflake.ID(9).String() {
		t.Fatalf("expected rate snapshot in new_order payload, got %v", sent[0].Payload)
	}
}

func TestCheckoutMobileTransferQuotesWithoutClaim(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Checkout(context.Background(), checkoutdomain.CheckoutRequest{
		OrderRef:    "order-1",
		CustomerRef: "cust-1",
		Amount:      decimal.RequireFromString("25.00"),
		Currency:    "USD",
		Method:      ledgerdomain.MethodMobileTransfer,
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.Payment.Status != ledgerdomain.StatusPending {
		t.Fatalf("expected pending until the transfer is claimed, got %s", res.Payment.Status)
	}
	if res.AmountLocal == nil || !res.AmountLocal.Equal(decimal.RequireFromString("950")) {
		t.Fatalf("expected 950.00 VES quote, got %v", res.AmountLocal)
	}
}

func TestCheckoutMobileTransferBadClaimCreatesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Checkout(context.Background(), checkoutdomain.CheckoutRequest{
		OrderRef:    "order-1",
		CustomerRef: "cust-1",
		Amount:      decimal.RequireFromString("25.00"),
		Currency:    "USD",
		Method:      ledgerdomain.MethodMobileTransfer,
		Transfer: &checkoutdomain.TransferParams{
			SenderID:    "12345678",
			SenderPhone: "04141234567",
			BankCode:    "0134",
			AmountLocal: decimal.RequireFromString("950"),
		},
	})
	if !errors.Is(err, mtdomain.ErrInvalidSenderID) {
		t.Fatalf("expected invalid sender id, got %v", err)
	}
	if len(f.emitter.Sent()) != 0 {
		t.Fatalf("expected no notification")
	}
}

func TestRefundRequiresSucceededPaymentAndAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Checkout(ctx, checkoutdomain.CheckoutRequest{
		OrderRef:    "order-1",
		CustomerRef: "cust-1",
		Amount:      decimal.RequireFromString("10.00"),
		Currency:    "USD",
		Method:      ledgerdomain.MethodManual,
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	if _, err := f.svc.Refund(ctx, checkoutdomain.RefundRequest{OrderRef: "order-1", Actor: admin}); !errors.Is(err, ledgerdomain.ErrInvalidTransition) {
		t.Fatalf("expected refund of pending payment to fail, got %v", err)
	}

	for _, to := range []ledgerdomain.Status{ledgerdomain.StatusProcessing, ledgerdomain.StatusSucceeded} {
		if _, err := f.ledger.Transition(ctx, ledgerdomain.TransitionRequest{PaymentID: res.Payment.ID, To: to, Actor: admin}); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if _, err := f.svc.Refund(ctx, checkoutdomain.RefundRequest{OrderRef: "order-1", Actor: "cust-1"}); !errors.Is(err, authorization.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	refunded, err := f.svc.Refund(ctx, checkoutdomain.RefundRequest{OrderRef: "order-1", Actor: admin, Reason: "damaged"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != ledgerdomain.StatusRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}

	view, err := f.svc.GetPayment(ctx, "order-1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if len(view.Transitions) != 3 {
		t.Fatalf("expected three transitions, got %d", len(view.Transitions))
	}
}
