// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Bot protocol collaborator
	BotAPIBase string // Base URL of the bot protocol API

	// Payment settings
	StripeAPIKey        string // Enables the external gateway variant when set
	StripeWebhookSecret string // Signature secret for gateway webhooks
	GatewaySuccessURL   string // Where the processor sends buyers after checkout
	PendingTTL          time.Duration
	PreCheckoutDeadline time.Duration

	// Reconciler
	ReconcileInterval   time.Duration
	RevokeRetryAttempts int

	// Security
	AdminSecret string // Platform admin API secret

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultBotAPIBase        = "https://api.telegram.org"
	DefaultPendingTTL        = 24 * time.Hour
	DefaultPreCheckout       = 5 * time.Second
	DefaultReconcileInterval = time.Minute
	DefaultRevokeRetries     = 3
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		BotAPIBase:          getEnv("BOT_API_BASE", DefaultBotAPIBase),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GatewaySuccessURL:   getEnv("GATEWAY_SUCCESS_URL", "https://t.me"),
		PendingTTL:          getEnvDuration("PENDING_TTL", DefaultPendingTTL),
		PreCheckoutDeadline: getEnvDuration("PRECHECKOUT_DEADLINE", DefaultPreCheckout),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		RevokeRetryAttempts: int(getEnvInt64("REVOKE_RETRY_ATTEMPTS", DefaultRevokeRetries)),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.AdminSecret == "" && c.IsProduction() {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.StripeAPIKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_API_KEY is set")
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("PENDING_TTL must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
