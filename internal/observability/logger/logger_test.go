package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/settlement/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithActor(ctx, "admin-7")
	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-1" {
		t.Fatalf("expected request_id, got %v", fields["request_id"])
	}
	if fields["actor_id"] != "admin-7" {
		t.Fatalf("expected actor_id, got %v", fields["actor_id"])
	}
	if _, ok := fields["trace_id"]; ok {
		t.Fatalf("did not expect trace_id without a span")
	}
}

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT * FROM payments":                      "SELECT",
		"  insert into gateway_events (id) values (1)": "INSERT",
		"WITH x AS (SELECT 1) UPDATE payments SET a=1": "SELECT",
		"PRAGMA foreign_keys = ON":                     "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}
