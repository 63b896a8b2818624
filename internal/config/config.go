// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// FailMode controls what the gate does when its own infrastructure fails.
type FailMode string

const (
	// FailOpen permits the request with a degraded-mode log entry. This is
	// the deliberate default: cart availability wins over blocking on an
	// internal failure.
	FailOpen FailMode = "open"
	// FailClosed denies the request on internal failure. For deployments
	// that prefer strictness over availability.
	FailClosed FailMode = "closed"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL audit storage (optional, in-memory if unset)
	RedisURL    string // shared block/assessment cache (optional, in-memory if unset)

	// Geolocation
	GeoIPCityDB string // path to a MaxMind City mmdb (optional)

	// Decision engine
	DecisionBudget    time.Duration // end-to-end budget per decision
	FailMode          FailMode
	BlockThreshold    int // score at and above which shouldBlock is set
	EscalateThreshold int // score at and above which admins are paged

	// Notifications
	WebhookURL    string // chat/webhook channel endpoint
	WebhookSecret string // HMAC secret for signed notification payloads

	// Admin API
	AdminSecret string

	// Observability
	OTLPEndpoint string
	RateLimitRPM int // per-actor throttle applied by rate_limit decisions
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultDecisionBudgetMS  = 50
	DefaultBlockThreshold    = 85
	DefaultEscalateThreshold = 91
	DefaultRateLimitRPM      = 30
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		GeoIPCityDB:       os.Getenv("GEOIP_CITY_DB"),
		DecisionBudget:    time.Duration(getEnvInt("DECISION_BUDGET_MS", DefaultDecisionBudgetMS)) * time.Millisecond,
		FailMode:          FailMode(getEnv("FAIL_MODE", string(FailOpen))),
		BlockThreshold:    getEnvInt("BLOCK_THRESHOLD", DefaultBlockThreshold),
		EscalateThreshold: getEnvInt("ESCALATE_THRESHOLD", DefaultEscalateThreshold),
		WebhookURL:        os.Getenv("NOTIFY_WEBHOOK_URL"),
		WebhookSecret:     os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:      getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.FailMode != FailOpen && c.FailMode != FailClosed {
		return fmt.Errorf("FAIL_MODE must be %q or %q, got %q", FailOpen, FailClosed, c.FailMode)
	}
	if c.DecisionBudget <= 0 {
		return fmt.Errorf("DECISION_BUDGET_MS must be positive")
	}
	if c.BlockThreshold < 1 || c.BlockThreshold > 100 {
		return fmt.Errorf("BLOCK_THRESHOLD must be in 1-100, got %d", c.BlockThreshold)
	}
	if c.EscalateThreshold < c.BlockThreshold || c.EscalateThreshold > 100 {
		return fmt.Errorf("ESCALATE_THRESHOLD must be in %d-100, got %d", c.BlockThreshold, c.EscalateThreshold)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
