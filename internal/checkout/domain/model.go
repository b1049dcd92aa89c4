package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	ratedomain "github.com/smallbiznis/settlement/internal/exchangerate/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	mtdomain "github.com/smallbiznis/settlement/internal/mobiletransfer/domain"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
)

var (
	ErrInvalidMethodParams = errors.New("invalid_method_params")
	ErrInvalidActor        = errors.New("invalid_actor")
)

type GatewayParams struct {
	Provider string `json:"provider"`
}

// TransferParams carries a transfer claim made together with checkout. When it
// is absent the payment waits for a separate submission.
type TransferParams struct {
	SenderID    string          `json:"sender_id"`
	SenderPhone string          `json:"sender_phone"`
	BankCode    string          `json:"bank_code"`
	AmountLocal decimal.Decimal `json:"amount_local"`
}

type ManualParams struct {
	Note string `json:"note"`
}

type CheckoutRequest struct {
	OrderRef    string              `json:"order_ref"`
	CustomerRef string              `json:"customer_ref"`
	Amount      decimal.Decimal     `json:"amount"`
	Currency    string              `json:"currency"`
	Method      ledgerdomain.Method `json:"method"`
	Gateway     *GatewayParams      `json:"gateway,omitempty"`
	Transfer    *TransferParams     `json:"transfer,omitempty"`
	Manual      *ManualParams       `json:"manual,omitempty"`
}

type CheckoutResult struct {
	Payment      ledgerdomain.Payment          `json:"payment"`
	Intent       *paymentdomain.Intent         `json:"intent,omitempty"`
	Verification *mtdomain.VerificationRequest `json:"verification,omitempty"`
	Rate         *ratedomain.RateSnapshot      `json:"rate,omitempty"`
	AmountLocal  *decimal.Decimal              `json:"amount_local,omitempty"`
}

type RefundRequest struct {
	OrderRef string `json:"order_ref"`
	Actor    string `json:"actor"`
	Reason   string `json:"reason"`
}

type PaymentView struct {
	Payment      ledgerdomain.Payment             `json:"payment"`
	Transitions  []ledgerdomain.PaymentTransition `json:"transitions"`
	Verification *mtdomain.VerificationRequest    `json:"verification,omitempty"`
}

// Service is the single entry point that starts a settlement for an order.
type Service interface {
	Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error)
	Refund(ctx context.Context, req RefundRequest) (*ledgerdomain.Payment, error)
	GetPayment(ctx context.Context, orderRef string) (*PaymentView, error)
}
