package observability

import (
	"os"
	"strings"

	"github.com/smallbiznis/settlement/internal/config"
	"github.com/spf13/cast"
)

const defaultServiceName = "settlement"

// Config is the observability view of the process configuration. Env vars
// follow the OpenTelemetry names so collectors can be pointed at the engine
// without settlement-specific wiring.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled  bool
	OtelEndpoint string
	OtelProtocol string
	OtelSampling float64
}

func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName:   firstNonEmpty(cfg.AppName, defaultServiceName),
		Environment:   firstNonEmpty(os.Getenv("DEPLOYMENT_ENV"), cfg.Environment),
		Version:       firstNonEmpty(os.Getenv("SERVICE_VERSION"), cfg.AppVersion),
		LogLevel:      strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), "info")),
		LogFormat:     strings.ToLower(firstNonEmpty(os.Getenv("LOG_FORMAT"), "json")),
		OtelEndpoint:  firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), cfg.OTLPEndpoint),
		OtelProtocol:  strings.ToLower(firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"), "grpc")),
		OtelSampling:  0.1,
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_ENABLED")); raw != "" {
		out.OtelEnabled, _ = cast.ToBoolE(raw)
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_SAMPLING_RATIO")); raw != "" {
		if ratio, err := cast.ToFloat64E(raw); err == nil && ratio >= 0 && ratio <= 1 {
			out.OtelSampling = ratio
		}
	}
	return out
}

// Debug is true for verbose levels and for non-production environments.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
