// Package config loads Kiln's process configuration from the
// environment, with an optional .env file for local development —
// mirroring the teacher's environment-aware config loader.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment names the deployment shape. Production refuses to load
// without KILN_MASTER_KEY; Development and Testing load without one,
// leaving the credential store to autogenerate a key.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds every environment-variable-driven setting Kiln reads at
// startup. Fields map 1:1 to the KILN_* variables named in spec §6 plus
// the ambient HTTP/logging/rate-limit knobs a production service needs.
type Config struct {
	Env Environment

	DBPath           string // KILN_DB_PATH — Postgres DSN
	CredentialDBPath string // KILN_CREDENTIAL_DB_PATH — defaults to DBPath
	MasterKey        string // KILN_MASTER_KEY

	EventQueueSize int // KILN_EVENT_QUEUE_SIZE

	StripeSecretKey string // KILN_STRIPE_SECRET_KEY
	CircleAPIKey    string // KILN_CIRCLE_API_KEY

	QuoteCacheTTL time.Duration // KILN_QUOTE_CACHE_TTL

	HTTPPort int

	LogLevel  string
	LogFormat string

	RateLimitRequestsPerSecond float64
	RateLimitBurst             int

	HTTPRequestTimeout time.Duration // default 30s per spec §5

	SpendLimitMaxPerOrder float64 // KILN_SPEND_LIMIT_MAX_PER_ORDER
	SpendLimitMaxPerDay   float64 // KILN_SPEND_LIMIT_MAX_PER_DAY
	SpendLimitMaxPerMonth float64 // KILN_SPEND_LIMIT_MAX_PER_MONTH
}

// Load reads configuration from the process environment, optionally
// seeding it first from a .env file (ignored if absent).
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := Environment(strings.ToLower(getEnv("KILN_ENV", string(Development))))
	switch env {
	case Development, Testing, Production:
	default:
		return nil, fmt.Errorf("config: invalid KILN_ENV %q (want development, testing, or production)", env)
	}

	cfg := &Config{
		Env:                        env,
		DBPath:                     getEnv("KILN_DB_PATH", "postgres://localhost:5432/kiln?sslmode=disable"),
		MasterKey:                  os.Getenv("KILN_MASTER_KEY"),
		EventQueueSize:             getEnvInt("KILN_EVENT_QUEUE_SIZE", 10000),
		StripeSecretKey:            os.Getenv("KILN_STRIPE_SECRET_KEY"),
		CircleAPIKey:               os.Getenv("KILN_CIRCLE_API_KEY"),
		QuoteCacheTTL:              getEnvDuration("KILN_QUOTE_CACHE_TTL", time.Hour),
		HTTPPort:                   getEnvInt("KILN_HTTP_PORT", 8080),
		LogLevel:                   getEnv("KILN_LOG_LEVEL", "info"),
		LogFormat:                  getEnv("KILN_LOG_FORMAT", "text"),
		RateLimitRequestsPerSecond: getEnvFloat("KILN_RATE_LIMIT_RPS", 50),
		RateLimitBurst:             getEnvInt("KILN_RATE_LIMIT_BURST", 100),
		HTTPRequestTimeout:         getEnvDuration("KILN_HTTP_TIMEOUT", 30*time.Second),
		SpendLimitMaxPerOrder:      getEnvFloat("KILN_SPEND_LIMIT_MAX_PER_ORDER", 500),
		SpendLimitMaxPerDay:        getEnvFloat("KILN_SPEND_LIMIT_MAX_PER_DAY", 2000),
		SpendLimitMaxPerMonth:      getEnvFloat("KILN_SPEND_LIMIT_MAX_PER_MONTH", 20000),
	}
	cfg.CredentialDBPath = getEnv("KILN_CREDENTIAL_DB_PATH", cfg.DBPath)

	if cfg.MasterKey == "" && env == Production {
		return nil, errors.New("config: KILN_MASTER_KEY is required in production")
	}

	return cfg, nil
}

// IsDevelopment reports whether relaxed, development-only behaviors
// (autogenerated master key, plaintext-key tolerance) are permitted.
func (c *Config) IsDevelopment() bool { return c.Env == Development }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
