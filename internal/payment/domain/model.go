package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventRecord is one webhook delivery, unique per (provider, event id).
type EventRecord struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider    string         `json:"provider" gorm:"type:text;not null"`
	EventID     string         `json:"event_id" gorm:"type:text;not null"`
	EventType   string         `json:"event_type" gorm:"type:text;not null"`
	ExternalRef string         `json:"external_ref" gorm:"type:text;not null"`
	Payload     datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Outcome     *string        `json:"outcome,omitempty" gorm:"type:text"`
	ReceivedAt  time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "gateway_events" }

func (e EventRecord) Processed() bool { return e.ProcessedAt != nil }

const (
	EventTypePaymentProcessing = "payment_processing"
	EventTypePaymentSucceeded  = "payment_succeeded"
	EventTypePaymentFailed     = "payment_failed"
	EventTypeRefunded          = "refunded"
)

// TargetStatus maps a canonical event type to the payment status it drives.
func TargetStatus(eventType string) (ledgerdomain.Status, bool) {
	switch eventType {
	case EventTypePaymentProcessing:
		return ledgerdomain.StatusProcessing, true
	case EventTypePaymentSucceeded:
		return ledgerdomain.StatusSucceeded, true
	case EventTypePaymentFailed:
		return ledgerdomain.StatusFailed, true
	case EventTypeRefunded:
		return ledgerdomain.StatusRefunded, true
	}
	return "", false
}

// Outcomes recorded on processed events.
const (
	OutcomeApplied   = "applied"
	OutcomeNoop      = "noop"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeIgnored   = "ignored"
)

// GatewayEvent is the canonical event parsed by adapters.
type GatewayEvent struct {
	Provider    string
	EventID     string
	Type        string
	ExternalRef string
	Amount      decimal.Decimal
	Currency    string
	OccurredAt  time.Time
	RawPayload  []byte
}

type IntentRequest struct {
	PaymentID      snowflake.ID
	OrderRef       string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

type Intent struct {
	Provider     string `json:"provider"`
	ExternalRef  string `json:"external_ref"`
	ClientSecret string `json:"client_secret,omitempty"`
	ApprovalURL  string `json:"approval_url,omitempty"`
}

// Gateway is one card processor.
type Gateway interface {
	Provider() string
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*GatewayEvent, error)
}

type AdapterConfig struct {
	Config map[string]any
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Gateway, error)
}

// Gateways holds the configured adapters keyed by provider.
type Gateways map[string]Gateway

type IngestResult struct {
	Provider  string              `json:"provider"`
	EventID   string              `json:"event_id"`
	EventType string              `json:"event_type"`
	PaymentID snowflake.ID        `json:"payment_id,omitempty"`
	Status    ledgerdomain.Status `json:"status,omitempty"`
	Outcome   string              `json:"outcome"`
}

type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, provider string, eventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome string, processedAt time.Time) error
}

type Service interface {
	Providers() []string
	CreateIntent(ctx context.Context, paymentID snowflake.ID) (*Intent, error)
	IngestEvent(ctx context.Context, provider string, payload []byte, headers http.Header) (*IngestResult, error)
}
