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
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	NowPaymentsAPIKey    string
	NowPaymentsIPNSecret string
	NowPaymentsBaseURL   string
	MonerooSecretKey     string
	MonerooBaseURL       string

	SettlementCurrency string
	RateCacheTTL       time.Duration

	PollInterval     time.Duration
	PollWindow       time.Duration
	PollConcurrency  int
	PollMaxAttempts  int
	QueueRedisPrefix string

	WebhookReplayTTL time.Duration
	IdempotencyTTL   time.Duration
	LockTTL          time.Duration
	LockRetryBackoff time.Duration
	OutboundTimeout  time.Duration

	RateLimitCheckout  string
	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		Port:        valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),

		NowPaymentsAPIKey:    k.String("NOWPAYMENTS_API_KEY"),
		NowPaymentsIPNSecret: k.String("NOWPAYMENTS_IPN_SECRET"),
		NowPaymentsBaseURL:   k.String("NOWPAYMENTS_BASE_URL"),
		MonerooSecretKey:     k.String("MONEROO_SECRET_KEY"),
		MonerooBaseURL:       k.String("MONEROO_BASE_URL"),

		SettlementCurrency: valueOrDefault(strings.ToUpper(k.String("SETTLEMENT_CURRENCY")), "USD"),
		RateCacheTTL:       parseDuration(k.String("RATE_CACHE_TTL"), "1h"),

		PollInterval:     parseDuration(k.String("RECONCILE_POLL_INTERVAL"), "5s"),
		PollWindow:       parseDuration(k.String("RECONCILE_POLL_WINDOW"), "30m"),
		PollConcurrency:  parseInt(k.String("RECONCILE_POLL_CONCURRENCY"), 8),
		PollMaxAttempts:  parseInt(k.String("RECONCILE_POLL_MAX_ATTEMPTS"), 0),
		QueueRedisPrefix: valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "pay"),

		WebhookReplayTTL: parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		LockTTL:          parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		OutboundTimeout:  parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),

		RateLimitCheckout:  valueOrDefault(k.String("RATE_LIMIT_CHECKOUT"), "60-M"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
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

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(trimmed, "%d", &n); err != nil {
		return fallback
	}
	return n
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
