package adapters

import (
	"testing"

	"github.com/smallbiznis/settlement/internal/payment/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestProviderExistsNormalizesName(t *testing.T) {
	registry := DefaultRegistry()
	for _, name := range []string{"stripe", " PayPal ", "ADYEN"} {
		if !registry.ProviderExists(name) {
			t.Fatalf("expected %q to be registered", name)
		}
	}
	if registry.ProviderExists("square") {
		t.Fatalf("unexpected provider square")
	}
	var empty *Registry
	if empty.ProviderExists("stripe") {
		t.Fatalf("nil registry must not report providers")
	}
}

func TestBuildSkipsUnconfiguredAndWarnsOnUnknown(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	configs := map[string]domain.AdapterConfig{
		"stripe": {Config: map[string]any{}},
		"square": {Config: map[string]any{"api_key": "k"}},
	}

	gateways, err := DefaultRegistry().Build(configs, zap.New(core))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(gateways) != 0 {
		t.Fatalf("expected no gateways, got %v", gateways)
	}
	warned := logs.FilterMessage("payment gateway settings for unknown provider").All()
	if len(warned) != 1 || warned[0].ContextMap()["provider"] != "square" {
		t.Fatalf("expected one unknown provider warning, got %+v", warned)
	}
	if logs.FilterMessage("payment gateway not configured").Len() != 1 {
		t.Fatalf("expected stripe to be reported as not configured")
	}
}
