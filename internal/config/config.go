// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Platform accounts
	RevenueAccountID string // wallet that collects trade and transfer fees

	// Trading settings
	FeeBps        int64         // settlement fee in basis points, charged to the NGN receiver
	OrderExpiry   time.Duration // window an order may stay unpaid before auto-cancel
	TransferToken time.Duration // TTL of one-time transfer tokens
	WithdrawalFee string        // flat NGN fee on withdrawals

	// Payout provider (Stripe)
	StripeAPIKey        string
	StripeWebhookSecret string

	// Observability
	OTLPEndpoint string // OTLP gRPC collector, empty disables tracing export

	// Security
	AdminSecret  string // X-Admin-Secret for dispute resolution routes
	RateLimitRPS int
}

const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultFeeBps      = 50 // 0.5%
	DefaultOrderExpiry = 30 * time.Minute
	DefaultTokenTTL    = 5 * time.Minute
	DefaultRateLimit   = 100
	DefaultRevenueAcct = "acct_platform_revenue"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RevenueAccountID:    getEnv("REVENUE_ACCOUNT_ID", DefaultRevenueAcct),
		FeeBps:              getEnvInt64("FEE_BPS", DefaultFeeBps),
		OrderExpiry:         getEnvDuration("ORDER_EXPIRY", DefaultOrderExpiry),
		TransferToken:       getEnvDuration("TRANSFER_TOKEN_TTL", DefaultTokenTTL),
		WithdrawalFee:       getEnv("WITHDRAWAL_FEE", "0.00"),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTLP_ENDPOINT"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.RevenueAccountID == "" {
		return fmt.Errorf("REVENUE_ACCOUNT_ID is required")
	}
	if c.FeeBps < 0 || c.FeeBps >= 10_000 {
		return fmt.Errorf("FEE_BPS must be in [0, 10000)")
	}
	if c.OrderExpiry <= 0 {
		return fmt.Errorf("ORDER_EXPIRY must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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
