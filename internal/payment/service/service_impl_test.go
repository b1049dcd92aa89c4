package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/clock"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/settlement/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/settlement/internal/ledger/service"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/smallbiznis/settlement/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/settlement/internal/payment/repository"
	paymentservice "github.com/smallbiznis/settlement/internal/payment/service"
	"github.com/smallbiznis/settlement/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_test"

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// stubGateway creates intents locally and verifies/parses with the real Stripe adapter.
type stubGateway struct {
	paymentdomain.Gateway
	nextRef   string
	createErr error
	calls     int
}

func (g *stubGateway) CreateIntent(ctx context.Context, req paymentdomain.IntentRequest) (*paymentdomain.Intent, error) {
	g.calls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &paymentdomain.Intent{Provider: "stripe", ExternalRef: g.nextRef, ClientSecret: g.nextRef + "_secret"}, nil
}

type fixture struct {
	db      *gorm.DB
	ledger  *ledgerservice.Service
	svc     *paymentservice.Service
	gateway *stubGateway
	emitter *testutil.RecordingEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(baseTime)

	adapter, err := stripe.NewFactoryWithClient(nil, clk.Now).NewAdapter(paymentdomain.AdapterConfig{Config: map[string]any{
		"secret_key":     "sk_test",
		"webhook_secret": webhookSecret,
	}})
	if err != nil {
		t.Fatalf("stripe adapter: %v", err)
	}
	gw := &stubGateway{Gateway: adapter, nextRef: "pi_1"}

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  ledgerrepo.Provide(),
	})
	emitter := &testutil.RecordingEmitter{}
	svc := paymentservice.NewService(paymentservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     paymentrepo.Provide(),
		Ledger:   ledger,
		Gateways: paymentdomain.Gateways{"stripe": gw},
		Emitter:  emitter,
	})
	return &fixture{db: db, ledger: ledger, svc: svc, gateway: gw, emitter: emitter}
}

func (f *fixture) checkout(t *testing.T, order string) *ledgerdomain.Payment {
	t.Helper()
	payment, err := f.ledger.CreatePayment(context.Background(), ledgerdomain.CreatePaymentRequest{
		OrderRef:    order,
		CustomerRef: "cust-1",
		Amount:      decimal.RequireFromString("25.00"),
		Currency:    "USD",
		Details:     ledgerdomain.GatewayDetails{Provider: "stripe"},
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if _, err := f.svc.CreateIntent(context.Background(), payment.ID); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return payment
}

func (f *fixture) status(t *testing.T, payment *ledgerdomain.Payment) ledgerdomain.Status {
	t.Helper()
	stored, err := f.ledger.Get(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	return stored.Status
}

func stripeEvent(t *testing.T, id, eventType, intentID string) ([]byte, http.Header) {
	t.Helper()
	object := map[string]any{"id": intentID, "amount": 2500, "currency": "usd"}
	if eventType == "charge.refunded" {
		object = map[string]any{"id": "ch_1", "payment_intent": intentID, "amount_refunded": 2500, "refunded": true, "currency": "usd"}
	}
	payload, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": baseTime.Unix(),
		"data":    map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload, signedHeader(webhookSecret, payload, baseTime.Unix())
}

func signedHeader(secret string, payload []byte, ts int64) http.Header {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func TestCreateIntentMovesPaymentToProcessing(t *testing.T) {
	f := newFixture(t)
	payment := f.checkout(t, "order-1")

	stored, err := f.ledger.Get(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != ledgerdomain.StatusProcessing {
		t.Fatalf("expected processing, got %s", stored.Status)
	}
	if stored.ExternalRef == nil || *stored.ExternalRef != "pi_1" {
		t.Fatalf("expected external ref pi_1, got %v", stored.ExternalRef)
	}

	_, err = f.svc.CreateIntent(context.Background(), payment.ID)
	if !errors.Is(err, ledgerdomain.ErrInvalidTransition) {
		t.Fatalf("expected second intent to be refused, got %v", err)
	}
	if f.gateway.calls != 1 {
		t.Fatalf("expected one gateway call, got %d", f.gateway.calls)
	}
}

func TestCreateIntentGatewayErrorLeavesPaymentPending(t *testing.T) {
	f := newFixture(t)
	f.gateway.createErr = paymentdomain.ErrGatewayUnavailable
	payment, err := f.ledger.CreatePayment(context.Background(), ledgerdomain.CreatePaymentRequest{
		OrderRef:    "order-1",
		CustomerRef: "cust-1",
		Amount:      decimal.NewFromInt(5),
		Currency:    "USD",
		Details:     ledgerdomain.GatewayDetails{Provider: "stripe"},
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	if _, err := f.svc.CreateIntent(context.Background(), payment.ID); !errors.Is(err, paymentdomain.ErrGatewayUnavailable) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if got := f.status(t, payment); got != ledgerdomain.StatusPending {
		t.Fatalf("expected pending, got %s", got)
	}
}

func TestIngestEventSettlesOnceAcrossRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payment := f.checkout(t, "order-1")

	payload, headers := stripeEvent(t, "evt_1", "payment_intent.succeeded", "pi_1")
	result, err := f.svc.IngestEvent(ctx, "stripe", payload, headers)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Outcome != paymentdomain.OutcomeApplied || result.Status != ledgerdomain.StatusSucceeded {
		t.Fatalf("unexpected result: %+v", result)
	}

	again, err := f.svc.IngestEvent(ctx, "stripe", payload, headers)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if again.Outcome != paymentdomain.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", again.Outcome)
	}

	// Same transition under a different event id is a ledger no-op.
	other, otherHeaders := stripeEvent(t, "evt_2", "payment_intent.succeeded", "pi_1")
	noop, err := f.svc.IngestEvent(ctx, "stripe", other, otherHeaders)
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if noop.Outcome != paymentdomain.OutcomeNoop {
		t.Fatalf("expected noop, got %s", noop.Outcome)
	}

	if got := f.status(t, payment); got != ledgerdomain.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got)
	}
	if n := f.emitter.Count(notificationdomain.TypePaymentConfirmed); n != 1 {
		t.Fatalf("expected one confirmation, got %d", n)
	}
}

func TestIngestEventRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	payment := f.checkout(t, "order-1")

	payload, _ := stripeEvent(t, "evt_1", "payment_intent.succeeded", "pi_1")
	_, err := f.svc.IngestEvent(context.Background(), "stripe", payload, signedHeader("whsec_other", payload, baseTime.Unix()))
	if !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if got := f.status(t, payment); got != ledgerdomain.StatusProcessing {
		t.Fatalf("expected processing, got %s", got)
	}

	var count int64
	if err := f.db.Model(&paymentdomain.EventRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no stored events, got %d", count)
	}
}

func TestIngestEventIgnoresUnknownTypes(t *testing.T) {
	f := newFixture(t)
	payload, headers := stripeEvent(t, "evt_1", "customer.created", "cus_1")

	result, err := f.svc.IngestEvent(context.Background(), "stripe", payload, headers)
	if err != nil {
		t.Fatalf("expected ignored event to succeed, got %v", err)
	}
	if result.Outcome != paymentdomain.OutcomeIgnored {
		t.Fatalf("expected ignored, got %s", result.Outcome)
	}
}

func TestIngestEventUnknownProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.IngestEvent(context.Background(), "adyen", []byte(`{}`), http.Header{})
	if !errors.Is(err, paymentdomain.ErrProviderNotFound) {
		t.Fatalf("expected provider not found, got %v", err)
	}
}

func TestIngestEventForUnknownPaymentIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload, headers := stripeEvent(t, "evt_1", "payment_intent.succeeded", "pi_1")
	if _, err := f.svc.IngestEvent(ctx, "stripe", payload, headers); !errors.Is(err, ledgerdomain.ErrPaymentNotFound) {
		t.Fatalf("expected payment not found, got %v", err)
	}

	payment := f.checkout(t, "order-1")
	result, err := f.svc.IngestEvent(ctx, "stripe", payload, headers)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.Outcome != paymentdomain.OutcomeApplied {
		t.Fatalf("expected retry to apply, got %s", result.Outcome)
	}
	if got := f.status(t, payment); got != ledgerdomain.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got)
	}
}

func TestIngestEventAfterManualFailureKeepsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payment := f.checkout(t, "order-1")

	if _, err := f.ledger.Transition(ctx, ledgerdomain.TransitionRequest{PaymentID: payment.ID, To: ledgerdomain.StatusFailed, Actor: "admin-1"}); err != nil {
		t.Fatalf("fail payment: %v", err)
	}

	payload, headers := stripeEvent(t, "evt_late", "payment_intent.succeeded", "pi_1")
	result, err := f.svc.IngestEvent(ctx, "stripe", payload, headers)
	if !errors.Is(err, ledgerdomain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if result == nil || result.Outcome != paymentdomain.OutcomeRejected {
		t.Fatalf("expected rejected outcome, got %+v", result)
	}
	if got := f.status(t, payment); got != ledgerdomain.StatusFailed {
		t.Fatalf("expected failed to be preserved, got %s", got)
	}

	again, err := f.svc.IngestEvent(ctx, "stripe", payload, headers)
	if err != nil || again.Outcome != paymentdomain.OutcomeDuplicate {
		t.Fatalf("expected rejected event to be settled as duplicate, got %+v, %v", again, err)
	}
	if n := f.emitter.Count(notificationdomain.TypePaymentConfirmed); n != 0 {
		t.Fatalf("expected no confirmations, got %d", n)
	}
}

func TestIngestFailureAndRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failed := f.checkout(t, "order-1")
	payload, headers := stripeEvent(t, "evt_fail", "payment_intent.payment_failed", "pi_1")
	if _, err := f.svc.IngestEvent(ctx, "stripe", payload, headers); err != nil {
		t.Fatalf("ingest failure: %v", err)
	}
	if got := f.status(t, failed); got != ledgerdomain.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if n := f.emitter.Count(notificationdomain.TypePaymentRejected); n != 1 {
		t.Fatalf("expected one rejection notification, got %d", n)
	}

	f.gateway.nextRef = "pi_2"
	settled := f.checkout(t, "order-1")
	for _, step := range []struct{ id, kind string }{
		{"evt_ok", "payment_intent.succeeded"},
		{"evt_refund", "charge.refunded"},
	} {
		payload, headers := stripeEvent(t, step.id, step.kind, "pi_2")
		if _, err := f.svc.IngestEvent(ctx, "stripe", payload, headers); err != nil {
			t.Fatalf("ingest %s: %v", step.kind, err)
		}
	}
	if got := f.status(t, settled); got != ledgerdomain.StatusRefunded {
		t.Fatalf("expected refunded, got %s", got)
	}
}
