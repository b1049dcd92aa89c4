package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewSettlementConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	MigrateOnStart bool

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AdminActors seed the admin role on first start.
	AdminActors []string

	Notifier NotifierConfig
	Gateway  GatewayConfig
	Rates    RateSourceConfig
}

// NotifierConfig selects the transport that delivers notification requests.
type NotifierConfig struct {
	Kind         string
	KafkaBrokers []string
	KafkaTopic   string
	SQSQueueURL  string
	AWSRegion    string
	AWSAccessKey string
	AWSSecretKey string
	BufferSize   int
}

type GatewayConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIBase       string
	PayPalClientID      string
	PayPalClientSecret  string
	PayPalWebhookID     string
	PayPalAPIBase       string
	PayPalReturnURL     string
	PayPalCancelURL     string
	AdyenAPIKey         string
	AdyenMerchant       string
	AdyenHMACKey        string
	AdyenAPIBase        string
	AdyenReturnURL      string
}

type RateSourceConfig struct {
	PrimaryURL          string
	SecondaryURL        string
	TertiaryURL         string
	OpenExchangeRatesID string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "settlement"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("SNOWFLAKE_NODE_ID", 1),
		MigrateOnStart:    getenvBool("MIGRATE_ON_START", true),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "settlement"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           int(getenvInt64("REDIS_DB", 0)),
		AdminActors:       splitList(getenv("ADMIN_ACTORS", "")),
		Notifier: NotifierConfig{
			Kind:         strings.ToLower(strings.TrimSpace(getenv("NOTIFIER_KIND", "log"))),
			KafkaBrokers: splitList(getenv("KAFKA_BROKERS", "kafka:9092")),
			KafkaTopic:   getenv("KAFKA_NOTIFICATION_TOPIC", "settlement.notifications"),
			SQSQueueURL:  strings.TrimSpace(getenv("SQS_QUEUE_URL", "")),
			AWSRegion:    getenv("AWS_REGION", "us-east-1"),
			AWSAccessKey: strings.TrimSpace(getenv("AWS_ACCESS_KEY_ID", "")),
			AWSSecretKey: strings.TrimSpace(getenv("AWS_SECRET_ACCESS_KEY", "")),
			BufferSize:   int(getenvInt64("NOTIFIER_BUFFER_SIZE", 256)),
		},
		Gateway: GatewayConfig{
			StripeSecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			StripeAPIBase:       getenv("STRIPE_API_BASE", "https://api.stripe.com"),
			PayPalClientID:      strings.TrimSpace(getenv("PAYPAL_CLIENT_ID", "")),
			PayPalClientSecret:  strings.TrimSpace(getenv("PAYPAL_CLIENT_SECRET", "")),
			PayPalWebhookID:     strings.TrimSpace(getenv("PAYPAL_WEBHOOK_ID", "")),
			PayPalAPIBase:       getenv("PAYPAL_API_BASE", "https://api-m.sandbox.paypal.com"),
			PayPalReturnURL:     strings.TrimSpace(getenv("PAYPAL_RETURN_URL", "")),
			PayPalCancelURL:     strings.TrimSpace(getenv("PAYPAL_CANCEL_URL", "")),
			AdyenAPIKey:         strings.TrimSpace(getenv("ADYEN_API_KEY", "")),
			AdyenMerchant:       strings.TrimSpace(getenv("ADYEN_MERCHANT_ACCOUNT", "")),
			AdyenHMACKey:        strings.TrimSpace(getenv("ADYEN_HMAC_KEY", "")),
			AdyenAPIBase:        getenv("ADYEN_API_BASE", "https://checkout-test.adyen.com"),
			AdyenReturnURL:      strings.TrimSpace(getenv("ADYEN_RETURN_URL", "")),
		},
		Rates: RateSourceConfig{
			PrimaryURL:          getenv("RATES_PRIMARY_URL", "https://api.exchangerate.host/latest?base=USD&symbols=VES"),
			SecondaryURL:        getenv("RATES_SECONDARY_URL", "https://www.google.com/finance/quote/USD-VES"),
			TertiaryURL:         getenv("RATES_TERTIARY_URL", "https://openexchangerates.org/api/latest.json"),
			OpenExchangeRatesID: strings.TrimSpace(getenv("OPEN_EXCHANGE_RATES_APP_ID", "")),
		},
	}

	if cfg.Environment == "production" && cfg.Gateway.StripeWebhookSecret == "" {
		log.Printf("[config] STRIPE_WEBHOOK_SECRET is empty, stripe webhooks will be rejected")
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}
