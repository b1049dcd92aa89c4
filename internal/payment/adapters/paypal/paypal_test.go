package paypal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
)

type fakeOrdersAPI struct {
	units      []paypal.PurchaseUnitRequest
	order      *paypal.Order
	createErr  error
	verifyBody string
	verifyID   string
	status     string
}

func (f *fakeOrdersAPI) CreateOrder(ctx context.Context, intent string, units []paypal.PurchaseUnitRequest, payer *paypal.CreateOrderPayer, appContext *paypal.ApplicationContext) (*paypal.Order, error) {
	f.units = units
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.order, nil
}

func (f *fakeOrdersAPI) VerifyWebhookSignature(ctx context.Context, req *http.Request, webhookID string) (*paypal.VerifyWebhookResponse, error) {
	body, _ := io.ReadAll(req.Body)
	f.verifyBody = string(body)
	f.verifyID = webhookID
	return &paypal.VerifyWebhookResponse{VerificationStatus: f.status}, nil
}

func newAdapter(t *testing.T, api *fakeOrdersAPI) paymentdomain.Gateway {
	t.Helper()
	adapter, err := NewFactoryWithClient(api).NewAdapter(paymentdomain.AdapterConfig{Config: map[string]any{
		"client_id":     "client",
		"client_secret": "secret",
		"webhook_id":    "WH-1",
	}})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func TestNewAdapterRequiresWebhookID(t *testing.T) {
	_, err := NewFactoryWithClient(&fakeOrdersAPI{}).NewAdapter(paymentdomain.AdapterConfig{Config: map[string]any{
		"client_id":     "client",
		"client_secret": "secret",
	}})
	if !errors.Is(err, paymentdomain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestCreateIntentReturnsApprovalLink(t *testing.T) {
	api := &fakeOrdersAPI{order: &paypal.Order{
		ID: "5O190127TN364715T",
		Links: []paypal.Link{
			{Rel: "self", Href: "https://api.paypal.test/v2/checkout/orders/5O190127TN364715T"},
			{Rel: "approve", Href: "https://www.paypal.test/checkoutnow?token=5O190127TN364715T"},
		},
	}}
	adapter := newAdapter(t, api)

	intent, err := adapter.CreateIntent(context.Background(), paymentdomain.IntentRequest{
		PaymentID:      7,
		OrderRef:       "order-1",
		Amount:         decimal.RequireFromString("19.9"),
		Currency:       "usd",
		IdempotencyKey: "7",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.ExternalRef != "5O190127TN364715T" {
		t.Fatalf("unexpected ref %s", intent.ExternalRef)
	}
	if intent.ApprovalURL != "https://www.paypal.test/checkoutnow?token=5O190127TN364715T" {
		t.Fatalf("unexpected approval url %s", intent.ApprovalURL)
	}
	if len(api.units) != 1 || api.units[0].Amount.Value != "19.90" || api.units[0].Amount.Currency != "USD" {
		t.Fatalf("unexpected purchase units: %+v", api.units)
	}
	if api.units[0].ReferenceID != "order-1" {
		t.Fatalf("expected order reference, got %s", api.units[0].ReferenceID)
	}
}

func TestCreateIntentWrapsAPIError(t *testing.T) {
	adapter := newAdapter(t, &fakeOrdersAPI{createErr: errors.New("boom")})
	_, err := adapter.CreateIntent(context.Background(), paymentdomain.IntentRequest{Amount: decimal.NewFromInt(1), Currency: "USD"})
	if !errors.Is(err, paymentdomain.ErrGatewayUnavailable) {
		t.Fatalf("expected gateway unavailable, got %v", err)
	}
}

func TestVerifyDelegatesToPayPal(t *testing.T) {
	api := &fakeOrdersAPI{status: "SUCCESS"}
	adapter := newAdapter(t, api)
	payload := []byte(`{"id":"WH-EVT"}`)

	headers := http.Header{}
	if err := adapter.Verify(context.Background(), payload, headers); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected missing signature to fail, got %v", err)
	}

	headers.Set("Paypal-Transmission-Sig", "sig")
	if err := adapter.Verify(context.Background(), payload, headers); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if api.verifyBody != string(payload) || api.verifyID != "WH-1" {
		t.Fatalf("unexpected verify call body=%q id=%q", api.verifyBody, api.verifyID)
	}

	api.status = "FAILURE"
	if err := adapter.Verify(context.Background(), payload, headers); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected failed verification, got %v", err)
	}
}

func TestParseEvents(t *testing.T) {
	adapter := newAdapter(t, &fakeOrdersAPI{})

	completed := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","create_time":"2024-03-01T12:00:00Z",
		"resource":{"id":"CAP-1","status":"COMPLETED","amount":{"currency_code":"USD","value":"19.90"},
		"supplementary_data":{"related_ids":{"order_id":"ORDER-1"}}}}`)
	event, err := adapter.Parse(context.Background(), completed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Type != paymentdomain.EventTypePaymentSucceeded || event.ExternalRef != "ORDER-1" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if !event.Amount.Equal(decimal.RequireFromString("19.90")) || event.Currency != "USD" {
		t.Fatalf("unexpected amount %s %s", event.Amount, event.Currency)
	}

	approved := []byte(`{"id":"WH-2","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORDER-1","status":"APPROVED"}}`)
	event, err = adapter.Parse(context.Background(), approved)
	if err != nil {
		t.Fatalf("parse approved: %v", err)
	}
	if event.Type != paymentdomain.EventTypePaymentProcessing || event.ExternalRef != "ORDER-1" {
		t.Fatalf("unexpected approved event: %+v", event)
	}

	ignored := []byte(`{"id":"WH-3","event_type":"BILLING.PLAN.CREATED","resource":{}}`)
	if _, err := adapter.Parse(context.Background(), ignored); !errors.Is(err, paymentdomain.ErrEventIgnored) {
		t.Fatalf("expected ignored, got %v", err)
	}
}
