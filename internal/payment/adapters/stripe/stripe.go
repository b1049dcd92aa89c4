package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/money"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/spf13/cast"
	"github.com/valyala/fasthttp"
)

const (
	providerName       = "stripe"
	defaultAPIBase     = "https://api.stripe.com"
	defaultTolerance   = 5 * time.Minute
	defaultHTTPTimeout = 10 * time.Second
)

// Doer is the slice of *fasthttp.Client the adapter needs.
type Doer interface {
	DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error
}

type Factory struct {
	client Doer
	now    func() time.Time
}

func NewFactory() *Factory {
	return &Factory{
		client: &fasthttp.Client{
			Name:                "settlement-stripe/1.0",
			ReadTimeout:         defaultHTTPTimeout,
			WriteTimeout:        defaultHTTPTimeout,
			MaxIdleConnDuration: time.Minute,
		},
		now: time.Now,
	}
}

// NewFactoryWithClient is used by tests to point the adapter at a local server.
func NewFactoryWithClient(client Doer, now func() time.Time) *Factory {
	if now == nil {
		now = time.Now
	}
	return &Factory{client: client, now: now}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Gateway, error) {
	secretKey := strings.TrimSpace(cast.ToString(cfg.Config["secret_key"]))
	webhookSecret := strings.TrimSpace(cast.ToString(cfg.Config["webhook_secret"]))
	if secretKey == "" || webhookSecret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	apiBase := strings.TrimRight(strings.TrimSpace(cast.ToString(cfg.Config["api_base"])), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	tolerance := cast.ToDuration(cfg.Config["webhook_tolerance"])
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}

	return &Adapter{
		client:        f.client,
		now:           f.now,
		apiBase:       apiBase,
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		tolerance:     tolerance,
	}, nil
}

type Adapter struct {
	client        Doer
	now           func() time.Time
	apiBase       string
	secretKey     string
	webhookSecret string
	tolerance     time.Duration
}

func (a *Adapter) Provider() string {
	return providerName
}

// CreateIntent creates a PaymentIntent. The idempotency key makes a retried
// call return the intent created by the first one.
func (a *Adapter) CreateIntent(ctx context.Context, in paymentdomain.IntentRequest) (*paymentdomain.Intent, error) {
	if !in.Amount.IsPositive() {
		return nil, paymentdomain.ErrInvalidAmount
	}
	currency := money.NormalizeCurrency(in.Currency)
	if !money.ValidCurrency(currency) {
		return nil, paymentdomain.ErrInvalidCurrency
	}
	minor := toMinorUnits(in.Amount, currency)

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(minor, 10))
	form.Set("currency", strings.ToLower(currency))
	form.Set("metadata[order_ref]", in.OrderRef)
	form.Set("metadata[payment_id]", in.PaymentID.String())

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHTTPTimeout)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.apiBase + "/v1/payment_intents")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+a.secretKey)
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	req.SetBodyString(form.Encode())

	if err := a.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnavailable, err)
	}

	body := resp.Body()
	if status := resp.StatusCode(); status < 200 || status >= 300 {
		var apiErr stripeErrorBody
		_ = json.Unmarshal(body, &apiErr)
		msg := strings.TrimSpace(apiErr.Error.Message)
		if msg == "" {
			msg = "status " + strconv.Itoa(status)
		}
		return nil, fmt.Errorf("%w: stripe: %s", paymentdomain.ErrGatewayUnavailable, msg)
	}

	var intent stripePaymentIntent
	if err := json.Unmarshal(body, &intent); err != nil || strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}
	return &paymentdomain.Intent{
		Provider:     providerName,
		ExternalRef:  intent.ID,
		ClientSecret: intent.ClientSecret,
	}, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	if age := a.now().Sub(time.Unix(signedAt, 0)); age > a.tolerance || age < -a.tolerance {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.GatewayEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.processing":
		return a.parsePaymentIntent(event, payload, paymentdomain.EventTypePaymentProcessing)
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload, paymentdomain.EventTypePaymentSucceeded)
	case "payment_intent.payment_failed", "payment_intent.canceled":
		return a.parsePaymentIntent(event, payload, paymentdomain.EventTypePaymentFailed)
	case "charge.refunded":
		return a.parseRefund(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	AmountReceived int64  `json:"amount_received"`
	Currency       string `json:"currency"`
	Created        int64  `json:"created"`
	ClientSecret   string `json:"client_secret"`
}

type stripeCharge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	AmountRefunded int64  `json:"amount_refunded"`
	Refunded       bool   `json:"refunded"`
	Currency       string `json:"currency"`
	Created        int64  `json:"created"`
}

type stripeErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte, eventType string) (*paymentdomain.GatewayEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	currency := strings.ToUpper(strings.TrimSpace(intent.Currency))
	return &paymentdomain.GatewayEvent{
		Provider:    providerName,
		EventID:     event.ID,
		Type:        eventType,
		ExternalRef: intent.ID,
		Amount:      fromMinorUnits(amount, currency),
		Currency:    currency,
		OccurredAt:  timestamp(intent.Created, event.Created),
		RawPayload:  payload,
	}, nil
}

// parseRefund only reports full refunds; partial refunds leave the payment settled.
func (a *Adapter) parseRefund(event stripeEvent, payload []byte) (*paymentdomain.GatewayEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if !charge.Refunded {
		return nil, paymentdomain.ErrEventIgnored
	}
	if strings.TrimSpace(charge.PaymentIntent) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	currency := strings.ToUpper(strings.TrimSpace(charge.Currency))
	return &paymentdomain.GatewayEvent{
		Provider:    providerName,
		EventID:     event.ID,
		Type:        paymentdomain.EventTypeRefunded,
		ExternalRef: charge.PaymentIntent,
		Amount:      fromMinorUnits(charge.AmountRefunded, currency),
		Currency:    currency,
		OccurredAt:  timestamp(charge.Created, event.Created),
		RawPayload:  payload,
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func toMinorUnits(amount decimal.Decimal, currency string) int64 {
	places := money.MinorUnits(currency)
	return amount.Shift(places).Round(0).IntPart()
}

func fromMinorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -money.MinorUnits(currency))
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
