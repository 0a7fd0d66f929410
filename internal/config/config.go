package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	PublicBaseURL      string
	CORSAllowedOrigins []string

	// Active payment provider and per-provider credentials. Secrets are only
	// ever sourced from the environment, never embedded in code.
	PaymentProvider   string
	PhonePeMerchantID string
	PhonePeAPIKey     string
	PhonePeSaltKey    string
	PhonePeSaltIndex  string
	PhonePeBaseURL    string
	CashfreeClientID  string
	CashfreeSecretKey string
	CashfreeBaseURL   string

	// FulfillmentTargetURL is where buyers land after a verified purchase when
	// the product record carries no download URL of its own.
	FulfillmentTargetURL string
	FulfillmentLockTTL   time.Duration

	PurchaseTTL            time.Duration
	WebhookReplayTTL       time.Duration
	IdempotencyTTL         time.Duration
	OutboundTimeout        time.Duration
	RetryMaxAttempts       int
	RetryBase              time.Duration
	RetryJitterPercent     float64
	CircuitMinRequests     int
	CircuitFailureRate     float64
	CircuitOpenFor         time.Duration
	InitiateRateLimit      string
	WebhookRateMax         int
	WebhookRateWindow      time.Duration
	WebhookMaxBodyBytes    int64
	VerifyPollDelay        time.Duration
	VerifyPollMaxAttempts  int
	QueueRedisPrefix       string
	NotifyEmailEnabled     bool
	NotifyEmailFrom        string
	EventWorkerConcurrency int
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		PublicBaseURL:      strings.TrimRight(strings.TrimSpace(k.String("PUBLIC_BASE_URL")), "/"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		PaymentProvider:   valueOrDefault(strings.ToLower(strings.TrimSpace(k.String("PAYMENT_PROVIDER"))), "phonepe"),
		PhonePeMerchantID: k.String("PHONEPE_MERCHANT_ID"),
		PhonePeAPIKey:     k.String("PHONEPE_API_KEY"),
		PhonePeSaltKey:    k.String("PHONEPE_SALT_KEY"),
		PhonePeSaltIndex:  valueOrDefault(k.String("PHONEPE_SALT_INDEX"), "1"),
		PhonePeBaseURL:    valueOrDefault(k.String("PHONEPE_BASE_URL"), "https://api.phonepe.com/apis/hermes"),
		CashfreeClientID:  k.String("CASHFREE_CLIENT_ID"),
		CashfreeSecretKey: k.String("CASHFREE_SECRET_KEY"),
		CashfreeBaseURL:   valueOrDefault(k.String("CASHFREE_BASE_URL"), "https://api.cashfree.com"),

		FulfillmentTargetURL: k.String("FULFILLMENT_TARGET_URL"),
		FulfillmentLockTTL:   parseDuration(k.String("FULFILLMENT_LOCK_TTL"), "10s"),

		PurchaseTTL:            parseDuration(k.String("PURCHASE_TTL"), "15m"),
		WebhookReplayTTL:       parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		IdempotencyTTL:         parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		OutboundTimeout:        parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),
		RetryMaxAttempts:       intOrDefault(k.Int("RETRY_MAX_ATTEMPTS"), 3),
		RetryBase:              parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryJitterPercent:     floatOrDefault(k.Float64("RETRY_JITTER_PERCENT"), 0.2),
		CircuitMinRequests:     intOrDefault(k.Int("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRate:     floatOrDefault(k.Float64("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenFor:         parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),
		InitiateRateLimit:      valueOrDefault(k.String("INITIATE_RATE_LIMIT"), "30-M"),
		WebhookRateMax:         intOrDefault(k.Int("WEBHOOK_RATE_MAX"), 120),
		WebhookRateWindow:      parseDuration(k.String("WEBHOOK_RATE_WINDOW"), "1m"),
		WebhookMaxBodyBytes:    int64(intOrDefault(k.Int("WEBHOOK_MAX_BODY_BYTES"), 1<<20)),
		VerifyPollDelay:        parseDuration(k.String("VERIFY_POLL_DELAY"), "30s"),
		VerifyPollMaxAttempts:  intOrDefault(k.Int("VERIFY_POLL_MAX_ATTEMPTS"), 20),
		QueueRedisPrefix:       valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "digistore"),
		NotifyEmailEnabled:     parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		NotifyEmailFrom:        k.String("NOTIFY_EMAIL_FROM"),
		EventWorkerConcurrency: intOrDefault(k.Int("EVENT_WORKER_CONCURRENCY"), 2),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("PUBLIC_BASE_URL is required")
	}
	if err := cfg.validateProvider(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateProvider fails fast when the active provider's credentials are
// missing, before any network call could be attempted with them.
func (c *Config) validateProvider() error {
	switch c.PaymentProvider {
	case "phonepe":
		if c.PhonePeMerchantID == "" || c.PhonePeSaltKey == "" {
			return errors.New("PHONEPE_MERCHANT_ID and PHONEPE_SALT_KEY are required when PAYMENT_PROVIDER=phonepe")
		}
	case "cashfree":
		if c.CashfreeClientID == "" || c.CashfreeSecretKey == "" {
			return errors.New("CASHFREE_CLIENT_ID and CASHFREE_SECRET_KEY are required when PAYMENT_PROVIDER=cashfree")
		}
	default:
		return fmt.Errorf("unsupported PAYMENT_PROVIDER: %s", c.PaymentProvider)
	}
	return nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func intOrDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func floatOrDefault(value, fallback float64) float64 {
	if value > 0 {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
