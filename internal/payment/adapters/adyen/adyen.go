package adyen

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
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
	providerName       = "adyen"
	defaultAPIBase     = "https://checkout-test.adyen.com"
	sessionsPath       = "/v71/sessions"
	defaultHTTPTimeout = 10 * time.Second
)

// Doer is the slice of *fasthttp.Client the adapter needs.
type Doer interface {
	DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error
}

type Factory struct {
	client Doer
}

func NewFactory() *Factory {
	return &Factory{client: &fasthttp.Client{
		Name:                "settlement-adyen/1.0",
		ReadTimeout:         defaultHTTPTimeout,
		WriteTimeout:        defaultHTTPTimeout,
		MaxIdleConnDuration: time.Minute,
	}}
}

func NewFactoryWithClient(client Doer) *Factory {
	return &Factory{client: client}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Gateway, error) {
	apiKey := strings.TrimSpace(cast.ToString(cfg.Config["api_key"]))
	merchant := strings.TrimSpace(cast.ToString(cfg.Config["merchant_account"]))
	rawKey := strings.TrimSpace(cast.ToString(cfg.Config["hmac_key"]))
	if apiKey == "" || merchant == "" || rawKey == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	hmacKey, err := hex.DecodeString(rawKey)
	if err != nil {
		return nil, fmt.Errorf("%w: hmac_key must be hex", paymentdomain.ErrInvalidConfig)
	}
	apiBase := strings.TrimRight(strings.TrimSpace(cast.ToString(cfg.Config["api_base"])), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	return &Adapter{
		client:    f.client,
		apiBase:   apiBase,
		apiKey:    apiKey,
		merchant:  merchant,
		hmacKey:   hmacKey,
		returnURL: strings.TrimSpace(cast.ToString(cfg.Config["return_url"])),
	}, nil
}

type Adapter struct {
	client    Doer
	apiBase   string
	apiKey    string
	merchant  string
	hmacKey   []byte
	returnURL string
}

func (a *Adapter) Provider() string {
	return providerName
}

type sessionRequest struct {
	MerchantAccount string      `json:"merchantAccount"`
	Amount          adyenAmount `json:"amount"`
	Reference       string      `json:"reference"`
	ReturnURL       string      `json:"returnUrl"`
}

type sessionResponse struct {
	ID          string `json:"id"`
	SessionData string `json:"sessionData"`
}

type apiErrorBody struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// CreateIntent opens a checkout session. The payment id is sent as the
// merchant reference so notifications resolve back to the payment.
func (a *Adapter) CreateIntent(ctx context.Context, in paymentdomain.IntentRequest) (*paymentdomain.Intent, error) {
	if !in.Amount.IsPositive() {
		return nil, paymentdomain.ErrInvalidAmount
	}
	currency := money.NormalizeCurrency(in.Currency)
	if !money.ValidCurrency(currency) {
		return nil, paymentdomain.ErrInvalidCurrency
	}

	reference := in.PaymentID.String()
	body, err := json.Marshal(sessionRequest{
		MerchantAccount: a.merchant,
		Amount:          adyenAmount{Currency: currency, Value: toMinorUnits(in.Amount, currency)},
		Reference:       reference,
		ReturnURL:       a.returnURL,
	})
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHTTPTimeout)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.apiBase + sessionsPath)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-API-Key", a.apiKey)
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	req.SetBody(body)

	if err := a.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnavailable, err)
	}

	raw := resp.Body()
	if status := resp.StatusCode(); status < 200 || status >= 300 {
		var apiErr apiErrorBody
		_ = json.Unmarshal(raw, &apiErr)
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = "status " + strconv.Itoa(status)
		}
		return nil, fmt.Errorf("%w: adyen: %s", paymentdomain.ErrGatewayUnavailable, msg)
	}

	var session sessionResponse
	if err := json.Unmarshal(raw, &session); err != nil || strings.TrimSpace(session.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}
	return &paymentdomain.Intent{
		Provider:     providerName,
		ExternalRef:  reference,
		ClientSecret: session.SessionData,
	}, nil
}

// Verify checks the hmacSignature carried by every notification item.
// Adyen signs items, not the HTTP body, so headers are unused.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	var root notificationRoot
	if err := json.Unmarshal(payload, &root); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	if len(root.NotificationItems) == 0 {
		return paymentdomain.ErrInvalidPayload
	}

	for _, wrapper := range root.NotificationItems {
		item := wrapper.NotificationRequestItem
		signature := item.AdditionalData["hmacSignature"]
		if signature == "" {
			return paymentdomain.ErrInvalidSignature
		}
		expected := a.sign(item)
		if !hmac.Equal([]byte(expected), []byte(signature)) {
			return paymentdomain.ErrInvalidSignature
		}
	}
	return nil
}

func (a *Adapter) sign(item notificationRequestItem) string {
	mac := hmac.New(sha256.New, a.hmacKey)
	_, _ = mac.Write([]byte(signingString(item)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signingString joins the signed fields with ":" after escaping "\" and ":".
func signingString(item notificationRequestItem) string {
	parts := []string{
		item.PspReference,
		item.OriginalReference,
		item.MerchantAccountCode,
		item.MerchantReference,
		strconv.FormatInt(item.Amount.Value, 10),
		item.Amount.Currency,
		item.EventCode,
		item.Success,
	}
	escaper := strings.NewReplacer(`\`, `\\`, `:`, `\:`)
	for i, part := range parts {
		parts[i] = escaper.Replace(part)
	}
	return strings.Join(parts, ":")
}

// Parse maps a single-item notification. Batched deliveries are rejected
// rather than partially applied; Adyen retries rejected deliveries.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.GatewayEvent, error) {
	var root notificationRoot
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	switch n := len(root.NotificationItems); {
	case n == 0:
		return nil, paymentdomain.ErrInvalidPayload
	case n > 1:
		return nil, fmt.Errorf("%w: adyen: %d batched notification items, expected 1", paymentdomain.ErrInvalidPayload, n)
	}
	item := root.NotificationItems[0].NotificationRequestItem

	success := strings.EqualFold(item.Success, "true")
	var eventType string
	switch item.EventCode {
	case "AUTHORISATION":
		eventType = paymentdomain.EventTypePaymentFailed
		if success {
			eventType = paymentdomain.EventTypePaymentSucceeded
		}
	case "REFUND":
		if !success {
			return nil, paymentdomain.ErrEventIgnored
		}
		eventType = paymentdomain.EventTypeRefunded
	case "CANCELLATION":
		if !success {
			return nil, paymentdomain.ErrEventIgnored
		}
		eventType = paymentdomain.EventTypePaymentFailed
	case "OFFER_CLOSED":
		eventType = paymentdomain.EventTypePaymentFailed
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	ref := strings.TrimSpace(item.MerchantReference)
	if strings.TrimSpace(item.PspReference) == "" || ref == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	currency := money.NormalizeCurrency(item.Amount.Currency)
	return &paymentdomain.GatewayEvent{
		Provider:    providerName,
		EventID:     item.PspReference + ":" + item.EventCode,
		Type:        eventType,
		ExternalRef: ref,
		Amount:      fromMinorUnits(item.Amount.Value, currency),
		Currency:    currency,
		OccurredAt:  parseEventDate(item.EventDate),
		RawPayload:  payload,
	}, nil
}

func toMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(money.MinorUnits(currency)).Round(0).IntPart()
}

func fromMinorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -money.MinorUnits(currency))
}

func parseEventDate(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw)); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

type notificationRoot struct {
	Live              string             `json:"live"`
	NotificationItems []notificationItem `json:"notificationItems"`
}

type notificationItem struct {
	NotificationRequestItem notificationRequestItem `json:"NotificationRequestItem"`
}

type notificationRequestItem struct {
	AdditionalData      map[string]string `json:"additionalData"`
	Amount              adyenAmount       `json:"amount"`
	EventCode           string            `json:"eventCode"`
	EventDate           string            `json:"eventDate"`
	MerchantAccountCode string            `json:"merchantAccountCode"`
	MerchantReference   string            `json:"merchantReference"`
	OriginalReference   string            `json:"originalReference"`
	PspReference        string            `json:"pspReference"`
	Reason              string            `json:"reason"`
	Success             string            `json:"success"`
}

type adyenAmount struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}
