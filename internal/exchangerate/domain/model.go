package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/money"
	"gorm.io/gorm"
)

const (
	SourceManual   = "manual"
	SourceFallback = "fallback"
)

// RateSnapshot is one observed USD to local-currency rate. Rows are append-only.
type RateSnapshot struct {
	ID        snowflake.ID    `json:"id" gorm:"primaryKey"`
	Currency  string          `json:"currency" gorm:"type:text;not null"`
	Rate      decimal.Decimal `json:"rate" gorm:"type:numeric(20,6);not null"`
	Source    string          `json:"source" gorm:"type:text;not null"`
	IsManual  bool            `json:"is_manual" gorm:"not null;default:false"`
	CreatedBy *string         `json:"created_by,omitempty" gorm:"type:text"`
	FetchedAt time.Time       `json:"fetched_at" gorm:"not null;index"`

	// Stale marks a snapshot served past the cache window because no source answered.
	Stale bool `json:"stale" gorm:"-"`
}

func (RateSnapshot) TableName() string { return "rate_snapshots" }

// Persisted reports whether the snapshot has a row behind it.
func (s RateSnapshot) Persisted() bool {
	return s.ID != 0
}

// Age returns how old the snapshot is at now.
func (s RateSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Convert converts amount between USD and the snapshot's local currency.
func (s RateSnapshot) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	return money.Convert(amount, from, to, s.Currency, s.Rate)
}

type RateChangeLog struct {
	ID                 snowflake.ID    `json:"id" gorm:"primaryKey"`
	SnapshotID         snowflake.ID    `json:"snapshot_id" gorm:"not null;index"`
	PreviousSnapshotID snowflake.ID    `json:"previous_snapshot_id" gorm:"not null"`
	PreviousRate       decimal.Decimal `json:"previous_rate" gorm:"type:numeric(20,6);not null"`
	NewRate            decimal.Decimal `json:"new_rate" gorm:"type:numeric(20,6);not null"`
	ChangePct          decimal.Decimal `json:"change_pct" gorm:"type:numeric(12,4);not null"`
	Source             string          `json:"source" gorm:"type:text;not null"`
	CreatedAt          time.Time       `json:"created_at" gorm:"not null"`
}

func (RateChangeLog) TableName() string { return "rate_change_logs" }

type AlertKind string

const (
	AlertKindHighChange     AlertKind = "high_change"
	AlertKindFetchError     AlertKind = "fetch_error"
	AlertKindSourceFallback AlertKind = "source_fallback"
	AlertKindManualOverride AlertKind = "manual_override"
)

type RateAlert struct {
	ID             snowflake.ID     `json:"id" gorm:"primaryKey"`
	Kind           AlertKind        `json:"kind" gorm:"type:text;not null"`
	SnapshotID     *snowflake.ID    `json:"snapshot_id,omitempty"`
	PreviousRate   *decimal.Decimal `json:"previous_rate,omitempty" gorm:"type:numeric(20,6)"`
	NewRate        *decimal.Decimal `json:"new_rate,omitempty" gorm:"type:numeric(20,6)"`
	ChangePct      *decimal.Decimal `json:"change_pct,omitempty" gorm:"type:numeric(12,4)"`
	Message        string           `json:"message" gorm:"type:text;not null"`
	Acknowledged   bool             `json:"acknowledged" gorm:"not null;default:false"`
	AcknowledgedBy *string          `json:"acknowledged_by,omitempty" gorm:"type:text"`
	AcknowledgedAt *time.Time       `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at" gorm:"not null;index"`
}

func (RateAlert) TableName() string { return "rate_alerts" }

// Source is one upstream rate provider. Fetch returns local-currency units per USD.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (decimal.Decimal, error)
}

// SourceAttempt records the outcome of querying one source during a refresh.
type SourceAttempt struct {
	Source   string        `json:"source"`
	Tries    int           `json:"tries"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// RefreshResult describes one refresh cycle.
type RefreshResult struct {
	Snapshot RateSnapshot    `json:"snapshot"`
	Fetched  bool            `json:"fetched"`
	Change   *RateChangeLog  `json:"change,omitempty"`
	Alert    *RateAlert      `json:"alert,omitempty"`
	Attempts []SourceAttempt `json:"attempts"`
}

// Health summarizes the state of the rate manager for operators.
type Health struct {
	Current             *RateSnapshot `json:"current,omitempty"`
	Age                 time.Duration `json:"age"`
	Fresh               bool          `json:"fresh"`
	WithinMaxStaleness  bool          `json:"within_max_staleness"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastAttemptAt       *time.Time    `json:"last_attempt_at,omitempty"`
	LastSuccessAt       *time.Time    `json:"last_success_at,omitempty"`
	OpenAlerts          int64         `json:"open_alerts"`
}

type Repository interface {
	InsertSnapshot(ctx context.Context, db *gorm.DB, snapshot *RateSnapshot) error
	LatestSnapshot(ctx context.Context, db *gorm.DB) (*RateSnapshot, error)
	SnapshotAt(ctx context.Context, db *gorm.DB, at time.Time) (*RateSnapshot, error)
	ListSnapshots(ctx context.Context, db *gorm.DB, since time.Time, limit int) ([]RateSnapshot, error)
	InsertChangeLog(ctx context.Context, db *gorm.DB, change *RateChangeLog) error
	ListChangeLogs(ctx context.Context, db *gorm.DB, limit int) ([]RateChangeLog, error)
	InsertAlert(ctx context.Context, db *gorm.DB, alert *RateAlert) error
	FindAlert(ctx context.Context, db *gorm.DB, id snowflake.ID) (*RateAlert, error)
	ListAlerts(ctx context.Context, db *gorm.DB, openOnly bool, limit int) ([]RateAlert, error)
	CountOpenAlerts(ctx context.Context, db *gorm.DB) (int64, error)
	AcknowledgeAlert(ctx context.Context, db *gorm.DB, id snowflake.ID, actor string, at time.Time) (bool, error)
}

// Service is the exchange rate manager.
type Service interface {
	GetCurrentRate(ctx context.Context) (RateSnapshot, error)
	Refresh(ctx context.Context, force bool) (*RefreshResult, error)
	SetManualRate(ctx context.Context, rate decimal.Decimal, actor string) (RateSnapshot, error)
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, RateSnapshot, error)
	RateAt(ctx context.Context, at time.Time) (RateSnapshot, error)
	History(ctx context.Context, since time.Time, limit int) ([]RateSnapshot, error)
	RecentChanges(ctx context.Context, limit int) ([]RateChangeLog, error)
	ListAlerts(ctx context.Context, openOnly bool, limit int) ([]RateAlert, error)
	AcknowledgeAlert(ctx context.Context, id snowflake.ID, actor string) (*RateAlert, error)
	Health(ctx context.Context) Health
}
