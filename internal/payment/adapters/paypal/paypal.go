package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/money"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/spf13/cast"
)

const (
	providerName    = "paypal"
	intentCapture   = "CAPTURE"
	statusVerified  = "SUCCESS"
	approveLinkRel  = "approve"
	payerActionRel  = "payer-action"
	webhookEndpoint = "/webhooks/paypal"
)

// OrdersAPI is the slice of *paypal.Client the adapter needs.
type OrdersAPI interface {
	CreateOrder(ctx context.Context, intent string, purchaseUnits []paypal.PurchaseUnitRequest, payer *paypal.CreateOrderPayer, appContext *paypal.ApplicationContext) (*paypal.Order, error)
	VerifyWebhookSignature(ctx context.Context, httpReq *http.Request, webhookID string) (*paypal.VerifyWebhookResponse, error)
}

type Factory struct {
	newClient func(clientID, secret, apiBase string) (OrdersAPI, error)
}

func NewFactory() *Factory {
	return &Factory{newClient: func(clientID, secret, apiBase string) (OrdersAPI, error) {
		return paypal.NewClient(clientID, secret, apiBase)
	}}
}

// NewFactoryWithClient builds adapters around an existing API client.
func NewFactoryWithClient(api OrdersAPI) *Factory {
	return &Factory{newClient: func(string, string, string) (OrdersAPI, error) {
		return api, nil
	}}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Gateway, error) {
	clientID := strings.TrimSpace(cast.ToString(cfg.Config["client_id"]))
	secret := strings.TrimSpace(cast.ToString(cfg.Config["client_secret"]))
	webhookID := strings.TrimSpace(cast.ToString(cfg.Config["webhook_id"]))
	if clientID == "" || secret == "" || webhookID == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	apiBase := strings.TrimSpace(cast.ToString(cfg.Config["api_base"]))
	if apiBase == "" {
		apiBase = paypal.APIBaseSandBox
	}

	api, err := f.newClient(clientID, secret, apiBase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrInvalidConfig, err)
	}
	return &Adapter{
		api:       api,
		webhookID: webhookID,
		returnURL: strings.TrimSpace(cast.ToString(cfg.Config["return_url"])),
		cancelURL: strings.TrimSpace(cast.ToString(cfg.Config["cancel_url"])),
	}, nil
}

type Adapter struct {
	api       OrdersAPI
	webhookID string
	returnURL string
	cancelURL string
}

func (a *Adapter) Provider() string {
	return providerName
}

// CreateIntent creates a CAPTURE order; the buyer approves it at ApprovalURL.
func (a *Adapter) CreateIntent(ctx context.Context, in paymentdomain.IntentRequest) (*paymentdomain.Intent, error) {
	if !in.Amount.IsPositive() {
		return nil, paymentdomain.ErrInvalidAmount
	}
	currency := money.NormalizeCurrency(in.Currency)
	if !money.ValidCurrency(currency) {
		return nil, paymentdomain.ErrInvalidCurrency
	}

	units := []paypal.PurchaseUnitRequest{{
		ReferenceID: in.OrderRef,
		CustomID:    in.PaymentID.String(),
		InvoiceID:   in.IdempotencyKey,
		Amount: &paypal.PurchaseUnitAmount{
			Currency: currency,
			Value:    money.Round(in.Amount, currency).StringFixed(money.MinorUnits(currency)),
		},
	}}
	var appContext *paypal.ApplicationContext
	if a.returnURL != "" || a.cancelURL != "" {
		appContext = &paypal.ApplicationContext{ReturnURL: a.returnURL, CancelURL: a.cancelURL}
	}

	order, err := a.api.CreateOrder(ctx, intentCapture, units, nil, appContext)
	if err != nil {
		return nil, fmt.Errorf("%w: paypal: %v", paymentdomain.ErrGatewayUnavailable, err)
	}
	if order == nil || strings.TrimSpace(order.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}
	return &paymentdomain.Intent{
		Provider:    providerName,
		ExternalRef: order.ID,
		ApprovalURL: approvalURL(order),
	}, nil
}

// Verify asks PayPal to validate the transmission headers against the webhook id.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if headers.Get("Paypal-Transmission-Sig") == "" {
		return paymentdomain.ErrInvalidSignature
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookEndpoint, bytes.NewReader(payload))
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	req.Header = headers.Clone()

	resp, err := a.api.VerifyWebhookSignature(ctx, req, a.webhookID)
	if err != nil {
		return fmt.Errorf("%w: paypal: %v", paymentdomain.ErrGatewayUnavailable, err)
	}
	if resp == nil || !strings.EqualFold(resp.VerificationStatus, statusVerified) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type webhookEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type resource struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount *struct {
		CurrencyCode string `json:"currency_code"`
		Value        string `json:"value"`
	} `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.GatewayEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	var eventType string
	switch strings.TrimSpace(event.EventType) {
	case "CHECKOUT.ORDER.APPROVED":
		eventType = paymentdomain.EventTypePaymentProcessing
	case "PAYMENT.CAPTURE.COMPLETED":
		eventType = paymentdomain.EventTypePaymentSucceeded
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED", "CHECKOUT.ORDER.VOIDED":
		eventType = paymentdomain.EventTypePaymentFailed
	case "PAYMENT.CAPTURE.REFUNDED":
		eventType = paymentdomain.EventTypeRefunded
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	var res resource
	if err := json.Unmarshal(event.Resource, &res); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	// Order events carry the order id directly; capture and refund events
	// point back to it through supplementary data.
	ref := strings.TrimSpace(res.SupplementaryData.RelatedIDs.OrderID)
	if strings.HasPrefix(event.EventType, "CHECKOUT.ORDER.") {
		ref = strings.TrimSpace(res.ID)
	}
	if ref == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.GatewayEvent{
		Provider:    providerName,
		EventID:     event.ID,
		Type:        eventType,
		ExternalRef: ref,
		OccurredAt:  parseTime(event.CreateTime),
		RawPayload:  payload,
	}
	if res.Amount != nil {
		out.Currency = money.NormalizeCurrency(res.Amount.CurrencyCode)
		if amount, err := decimal.NewFromString(strings.TrimSpace(res.Amount.Value)); err == nil {
			out.Amount = amount
		}
	}
	return out, nil
}

func approvalURL(order *paypal.Order) string {
	for _, link := range order.Links {
		if link.Rel == approveLinkRel || link.Rel == payerActionRel {
			return link.Href
		}
	}
	return ""
}

func parseTime(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw)); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
