package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config captures runtime configuration values used by the billing service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// Environment is "development" or "production". Production refuses to
	// start without a webhook secret.
	Environment string

	// StoreDriver selects the user store: "postgres" or "memory".
	StoreDriver string

	// DatabaseURL is the Postgres DSN used by database/sql. Required for the
	// postgres driver.
	DatabaseURL string

	// WebhookSecret is the provider signing secret. Empty disables
	// signature verification.
	WebhookSecret string

	LogLevel  string
	LogFormat string

	// AMQPURL enables subscription notifications over RabbitMQ when set.
	AMQPURL      string
	AMQPExchange string

	// PaymentDedupe skips payment rows for a session id already recorded.
	PaymentDedupe bool

	// PaymentDeferOnFailure queues failed payment appends for retry.
	PaymentDeferOnFailure bool

	WorkerConcurrency int

	YearlyThreshold    int64
	QuarterlyThreshold int64
}

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

const (
	defaultServerAddress      = ":18111"
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
	defaultAMQPExchange       = "mealplan.billing"
	defaultWorkerConcurrency  = 2
	defaultYearlyThreshold    = 2000
	defaultQuarterlyThreshold = 500

	envServerAddress         = "BACKEND_ADDR"
	envAppEnv                = "APP_ENV"
	envStoreDriver           = "STORE_DRIVER"
	envDatabaseURL           = "DATABASE_URL"
	envWebhookSecret         = "STRIPE_WEBHOOK_SECRET"
	envLogLevel              = "LOG_LEVEL"
	envLogFormat             = "LOG_FORMAT"
	envAMQPURL               = "AMQP_URL"
	envAMQPExchange          = "AMQP_EXCHANGE"
	envPaymentDedupe         = "PAYMENT_DEDUPE"
	envPaymentDeferOnFailure = "PAYMENT_DEFER_ON_FAILURE"
	envWorkerConcurrency     = "WORKER_CONCURRENCY"
	envYearlyThreshold       = "PLAN_THRESHOLD_YEARLY"
	envQuarterlyThreshold    = "PLAN_THRESHOLD_QUARTERLY"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress: firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		Environment:   strings.ToLower(firstNonEmpty(strings.TrimSpace(os.Getenv(envAppEnv)), EnvDevelopment)),
		StoreDriver:   strings.ToLower(firstNonEmpty(strings.TrimSpace(os.Getenv(envStoreDriver)), StoreDriverPostgres)),
		DatabaseURL:   strings.TrimSpace(os.Getenv(envDatabaseURL)),
		WebhookSecret: strings.TrimSpace(os.Getenv(envWebhookSecret)),
		LogLevel:      firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		LogFormat:     firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat),
		AMQPURL:       strings.TrimSpace(os.Getenv(envAMQPURL)),
		AMQPExchange:  firstNonEmpty(os.Getenv(envAMQPExchange), defaultAMQPExchange),
	}

	var err error
	if cfg.PaymentDedupe, err = boolEnv(envPaymentDedupe, false); err != nil {
		return Config{}, err
	}
	if cfg.PaymentDeferOnFailure, err = boolEnv(envPaymentDeferOnFailure, true); err != nil {
		return Config{}, err
	}
	if cfg.WorkerConcurrency, err = intEnv(envWorkerConcurrency, defaultWorkerConcurrency); err != nil {
		return Config{}, err
	}
	yearly, err := intEnv(envYearlyThreshold, defaultYearlyThreshold)
	if err != nil {
		return Config{}, err
	}
	quarterly, err := intEnv(envQuarterlyThreshold, defaultQuarterlyThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.YearlyThreshold = int64(yearly)
	cfg.QuarterlyThreshold = int64(quarterly)

	switch cfg.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return Config{}, fmt.Errorf("%s must be %q or %q, got %q", envAppEnv, EnvDevelopment, EnvProduction, cfg.Environment)
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
		}
	case StoreDriverMemory:
	default:
		return Config{}, fmt.Errorf("%s must be %q or %q, got %q", envStoreDriver, StoreDriverPostgres, StoreDriverMemory, cfg.StoreDriver)
	}

	if cfg.Environment == EnvProduction && cfg.WebhookSecret == "" {
		return Config{}, fmt.Errorf("%s is required when %s=%s", envWebhookSecret, envAppEnv, EnvProduction)
	}

	if cfg.QuarterlyThreshold < 0 || cfg.YearlyThreshold <= cfg.QuarterlyThreshold {
		return Config{}, fmt.Errorf("%s (%d) must be greater than %s (%d) and both non-negative",
			envYearlyThreshold, cfg.YearlyThreshold, envQuarterlyThreshold, cfg.QuarterlyThreshold)
	}

	if cfg.WorkerConcurrency <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envWorkerConcurrency)
	}

	return cfg, nil
}

// IsProduction reports whether the service runs in production mode.
func (c Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func boolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
