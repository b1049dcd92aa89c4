package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Method identifies how a payment is settled.
type Method string

const (
	MethodGateway        Method = "gateway"
	MethodMobileTransfer Method = "mobile_transfer"
	MethodManual         Method = "manual"
)

func (m Method) Valid() bool {
	switch m {
	case MethodGateway, MethodMobileTransfer, MethodManual:
		return true
	}
	return false
}

// Status is the payment lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSucceeded, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// Active reports whether the payment still blocks a new payment for its order.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusSucceeded, StatusFailed},
	StatusSucceeded:  {StatusRefunded},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MethodDetails carries the fields specific to one settlement method.
// Each implementation fixes the method, so a payment cannot mix them.
type MethodDetails interface {
	Method() Method
	isMethodDetails()
}

type GatewayDetails struct {
	Provider    string `json:"provider"`
	ApprovalURL string `json:"approval_url,omitempty"`
}

func (GatewayDetails) Method() Method { return MethodGateway }
func (GatewayDetails) isMethodDetails() {}

type MobileTransferDetails struct {
	BankCode    string `json:"bank_code"`
	SenderPhone string `json:"sender_phone"`
}

func (MobileTransferDetails) Method() Method { return MethodMobileTransfer }
func (MobileTransferDetails) isMethodDetails() {}

type ManualDetails struct {
	Note string `json:"note,omitempty"`
}

func (ManualDetails) Method() Method { return MethodManual }
func (ManualDetails) isMethodDetails() {}

// Payment is the single source of truth for one settlement attempt of an order.
type Payment struct {
	ID          snowflake.ID    `json:"id" gorm:"primaryKey"`
	OrderRef    string          `json:"order_ref" gorm:"type:text;not null;index"`
	CustomerRef string          `json:"customer_ref" gorm:"type:text;not null"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:numeric(20,2);not null"`
	Currency    string          `json:"currency" gorm:"type:text;not null"`
	Method      Method          `json:"method" gorm:"type:text;not null"`
	Status      Status          `json:"status" gorm:"type:text;not null"`
	ExternalRef *string         `json:"external_ref,omitempty" gorm:"type:text"`
	Details     datatypes.JSON  `json:"details" gorm:"type:jsonb;not null"`
	CreatedAt   time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time       `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// MethodDetails decodes the method-specific fields.
func (p Payment) MethodDetails() (MethodDetails, error) {
	var target MethodDetails
	switch p.Method {
	case MethodGateway:
		var d GatewayDetails
		if err := unmarshalDetails(p.Details, &d); err != nil {
			return nil, err
		}
		target = d
	case MethodMobileTransfer:
		var d MobileTransferDetails
		if err := unmarshalDetails(p.Details, &d); err != nil {
			return nil, err
		}
		target = d
	case MethodManual:
		var d ManualDetails
		if err := unmarshalDetails(p.Details, &d); err != nil {
			return nil, err
		}
		target = d
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidMethod, p.Method)
	}
	return target, nil
}

func unmarshalDetails(raw datatypes.JSON, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// EncodeDetails serializes method details for storage.
func EncodeDetails(details MethodDetails) (datatypes.JSON, error) {
	if details == nil {
		return nil, ErrInvalidMethod
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// PaymentTransition is the append-only history of status changes.
type PaymentTransition struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	PaymentID   snowflake.ID `json:"payment_id" gorm:"not null;index"`
	FromStatus  Status       `json:"from_status" gorm:"type:text;not null"`
	ToStatus    Status       `json:"to_status" gorm:"type:text;not null"`
	ExternalRef *string      `json:"external_ref,omitempty" gorm:"type:text"`
	Actor       string       `json:"actor" gorm:"type:text;not null"`
	Reason      *string      `json:"reason,omitempty" gorm:"type:text"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
}

func (PaymentTransition) TableName() string { return "payment_transitions" }

type CreatePaymentRequest struct {
	OrderRef    string
	CustomerRef string
	Amount      decimal.Decimal
	Currency    string
	Details     MethodDetails
}

// TransitionRequest moves a payment to To. A nil ExternalRef keeps the stored one.
type TransitionRequest struct {
	PaymentID   snowflake.ID
	To          Status
	ExternalRef *string
	Actor       string
	Reason      string
}

// TransitionResult reports the payment after the call. Changed is false for an idempotent replay.
type TransitionResult struct {
	Payment Payment
	From    Status
	Changed bool
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Payment, error)
	FindActiveByOrder(ctx context.Context, db *gorm.DB, orderRef string) (*Payment, error)
	FindLatestByOrder(ctx context.Context, db *gorm.DB, orderRef string) (*Payment, error)
	FindByExternalRef(ctx context.Context, db *gorm.DB, method Method, externalRef string) (*Payment, error)
	ListByOrder(ctx context.Context, db *gorm.DB, orderRef string) ([]Payment, error)
	ListByStatus(ctx context.Context, db *gorm.DB, method Method, status Status, limit int) ([]Payment, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, externalRef *string, at time.Time) (bool, error)
	InsertTransition(ctx context.Context, db *gorm.DB, transition *PaymentTransition) error
	ListTransitions(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]PaymentTransition, error)
}

type Service interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error)
	Get(ctx context.Context, id snowflake.ID) (*Payment, error)
	FindActiveByOrder(ctx context.Context, orderRef string) (*Payment, error)
	FindLatestByOrder(ctx context.Context, orderRef string) (*Payment, error)
	FindByExternalRef(ctx context.Context, method Method, externalRef string) (*Payment, error)
	ListByOrder(ctx context.Context, orderRef string) ([]Payment, error)
	ListByStatus(ctx context.Context, method Method, status Status, limit int) ([]Payment, error)
	Transitions(ctx context.Context, paymentID snowflake.ID) ([]PaymentTransition, error)

	Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error)
	// TransitionTx applies a transition inside the caller's transaction. Under
	// WithPaymentLock the change is logged and counted once the lock commits.
	TransitionTx(ctx context.Context, tx *gorm.DB, req TransitionRequest) (*TransitionResult, error)
	// WithPaymentLock runs fn in a transaction holding the payment's lock and row.
	WithPaymentLock(ctx context.Context, paymentID snowflake.ID, fn func(tx *gorm.DB, payment *Payment) error) error
}
