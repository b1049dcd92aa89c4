package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// VerificationRequest is a customer's claim of a completed mobile transfer.
// The rate and USD equivalent are captured at submission and never recomputed.
type VerificationRequest struct {
	ID              snowflake.ID    `json:"id" gorm:"primaryKey"`
	PaymentID       snowflake.ID    `json:"payment_id" gorm:"not null;uniqueIndex"`
	OrderRef        string          `json:"order_ref" gorm:"type:text;not null"`
	CustomerRef     string          `json:"customer_ref" gorm:"type:text;not null"`
	SenderID        string          `json:"sender_id" gorm:"type:text;not null"`
	SenderPhone     string          `json:"sender_phone" gorm:"type:text;not null"`
	BankCode        string          `json:"bank_code" gorm:"type:text;not null"`
	ReferenceNumber string          `json:"reference_number" gorm:"type:text;not null"`
	AmountLocal     decimal.Decimal `json:"amount_local" gorm:"type:numeric(20,2);not null"`
	LocalCurrency   string          `json:"local_currency" gorm:"type:text;not null"`
	RateUsed        decimal.Decimal `json:"rate_used" gorm:"type:numeric(20,6);not null"`
	RateSnapshotID  *snowflake.ID   `json:"rate_snapshot_id,omitempty"`
	RateSource      string          `json:"rate_source" gorm:"type:text;not null"`
	RateStale       bool            `json:"rate_stale" gorm:"not null;default:false"`
	USDEquivalent   decimal.Decimal `json:"usd_equivalent" gorm:"type:numeric(20,2);not null"`
	Status          Status          `json:"status" gorm:"type:text;not null"`
	DecidedBy       *string         `json:"decided_by,omitempty" gorm:"type:text"`
	DecisionReason  *string         `json:"decision_reason,omitempty" gorm:"type:text"`
	DecidedAt       *time.Time      `json:"decided_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"not null"`
}

func (VerificationRequest) TableName() string { return "verification_requests" }

// Overdue reports whether a pending request has waited longer than window.
func (r VerificationRequest) Overdue(now time.Time, window time.Duration) bool {
	return r.Status == StatusPending && now.Sub(r.CreatedAt) > window
}

type SubmitRequest struct {
	OrderRef    string          `json:"order_ref"`
	CustomerRef string          `json:"customer_ref"`
	SenderID    string          `json:"sender_id"`
	SenderPhone string          `json:"sender_phone"`
	BankCode    string          `json:"bank_code"`
	AmountLocal decimal.Decimal `json:"amount_local"`
}

type DecideRequest struct {
	RequestID snowflake.ID `json:"request_id"`
	Outcome   Status       `json:"outcome"`
	Actor     string       `json:"actor"`
	Reason    string       `json:"reason"`
}

// DecisionResult is one item of a batch decision.
type DecisionResult struct {
	RequestID snowflake.ID         `json:"request_id"`
	Request   *VerificationRequest `json:"request,omitempty"`
	Err       error                `json:"-"`
	Error     string               `json:"error,omitempty"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, req *VerificationRequest) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*VerificationRequest, error)
	FindByPayment(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*VerificationRequest, error)
	FindLatestByOrder(ctx context.Context, db *gorm.DB, orderRef string) (*VerificationRequest, error)
	ListByStatus(ctx context.Context, db *gorm.DB, status Status, createdBefore *time.Time, limit int) ([]VerificationRequest, error)
	CountByCustomerSince(ctx context.Context, db *gorm.DB, customerRef string, since time.Time) (int64, error)
	Decide(ctx context.Context, db *gorm.DB, id snowflake.ID, to Status, actor string, reason *string, at time.Time) (bool, error)
}

type Service interface {
	Submit(ctx context.Context, req SubmitRequest) (*VerificationRequest, error)
	Decide(ctx context.Context, req DecideRequest) (*VerificationRequest, error)
	DecideBatch(ctx context.Context, ids []snowflake.ID, outcome Status, actor string, reason string) []DecisionResult
	Get(ctx context.Context, id snowflake.ID) (*VerificationRequest, error)
	FindByOrder(ctx context.Context, orderRef string) (*VerificationRequest, error)
	ListPending(ctx context.Context, limit int) ([]VerificationRequest, error)
	ListOverdue(ctx context.Context, limit int) ([]VerificationRequest, error)
}
