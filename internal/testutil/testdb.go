// Package testutil opens in-memory databases carrying the settlement schema.
package testutil

import (
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Schema mirrors the postgres migrations. Decimal columns are TEXT so sqlite keeps exact values.
var Schema = []string{
	`CREATE TABLE rate_snapshots (
		id BIGINT PRIMARY KEY,
		currency TEXT NOT NULL,
		rate TEXT NOT NULL,
		source TEXT NOT NULL,
		is_manual BOOLEAN NOT NULL DEFAULT FALSE,
		created_by TEXT,
		fetched_at DATETIME NOT NULL
	)`,
	`CREATE INDEX ix_rate_snapshots_fetched_at ON rate_snapshots(fetched_at)`,
	`CREATE TABLE rate_change_logs (
		id BIGINT PRIMARY KEY,
		snapshot_id BIGINT NOT NULL,
		previous_snapshot_id BIGINT NOT NULL,
		previous_rate TEXT NOT NULL,
		new_rate TEXT NOT NULL,
		change_pct TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE rate_alerts (
		id BIGINT PRIMARY KEY,
		kind TEXT NOT NULL,
		snapshot_id BIGINT,
		previous_rate TEXT,
		new_rate TEXT,
		change_pct TEXT,
		message TEXT NOT NULL,
		acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		acknowledged_by TEXT,
		acknowledged_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE payments (
		id BIGINT PRIMARY KEY,
		order_ref TEXT NOT NULL,
		customer_ref TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		external_ref TEXT,
		details TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_payments_active_order ON payments(order_ref) WHERE status IN ('pending', 'processing')`,
	`CREATE INDEX ix_payments_external_ref ON payments(method, external_ref)`,
	`CREATE TABLE payment_transitions (
		id BIGINT PRIMARY KEY,
		payment_id BIGINT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		external_ref TEXT,
		actor TEXT NOT NULL,
		reason TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE gateway_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		external_ref TEXT NOT NULL,
		payload TEXT NOT NULL,
		outcome TEXT,
		received_at DATETIME NOT NULL,
		processed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_gateway_events_provider_event ON gateway_events(provider, event_id)`,
	`CREATE TABLE verification_requests (
		id BIGINT PRIMARY KEY,
		payment_id BIGINT NOT NULL,
		order_ref TEXT NOT NULL,
		customer_ref TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_phone TEXT NOT NULL,
		bank_code TEXT NOT NULL,
		reference_number TEXT NOT NULL,
		amount_local TEXT NOT NULL,
		local_currency TEXT NOT NULL,
		rate_used TEXT NOT NULL,
		rate_snapshot_id BIGINT,
		rate_source TEXT NOT NULL,
		rate_stale BOOLEAN NOT NULL DEFAULT FALSE,
		usd_equivalent TEXT NOT NULL,
		status TEXT NOT NULL,
		decided_by TEXT,
		decision_reason TEXT,
		decided_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_verification_requests_payment ON verification_requests(payment_id)`,
	`CREATE UNIQUE INDEX ux_verification_requests_reference ON verification_requests(reference_number)`,
	`CREATE INDEX ix_verification_requests_status ON verification_requests(status, created_at)`,
	`CREATE INDEX ix_verification_requests_customer ON verification_requests(customer_ref, created_at)`,
}

// OpenDB returns a private in-memory database with the schema applied.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	for _, stmt := range Schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}
