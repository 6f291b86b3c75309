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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Admin API
	AdminToken string // Bearer token for admin routes

	// Order lifecycle
	AutoApproveDelay time.Duration // how long a verified order waits for an admin
	StaleOrderAge    time.Duration // pending orders older than this are swept

	// Payment verification
	OCRServiceURL    string // optional OCR sidecar, blank disables auto-verification
	PaymentTolerance int    // accepted difference between detected and expected amount

	// Panel provisioning
	PanelURL      string // optional, blank disables key provisioning
	PanelUsername string
	PanelPassword string
	PanelDomain   string // public domain for generated key links
	PanelSubPort  int

	// Notifications
	WebhookURL    string // optional admin webhook endpoint
	WebhookSecret string

	// Tracing
	OTLPEndpoint string // optional OTLP gRPC endpoint, blank disables export
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultAutoApproveDelay = 10 * time.Minute
	DefaultStaleOrderAge    = 24 * time.Hour
	DefaultTolerance        = 100
	DefaultPanelSubPort     = 2096
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		AutoApproveDelay: getEnvDuration("AUTO_APPROVE_DELAY", DefaultAutoApproveDelay),
		StaleOrderAge:    getEnvDuration("STALE_ORDER_AGE", DefaultStaleOrderAge),
		OCRServiceURL:    os.Getenv("OCR_SERVICE_URL"),
		PaymentTolerance: int(getEnvInt64("PAYMENT_TOLERANCE", DefaultTolerance)),
		PanelURL:         os.Getenv("PANEL_URL"),
		PanelUsername:    os.Getenv("PANEL_USERNAME"),
		PanelPassword:    os.Getenv("PANEL_PASSWORD"),
		PanelDomain:      os.Getenv("PANEL_DOMAIN"),
		PanelSubPort:     int(getEnvInt64("PANEL_SUB_PORT", DefaultPanelSubPort)),
		WebhookURL:       os.Getenv("WEBHOOK_URL"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() && c.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN is required in production")
	}

	if c.PanelURL != "" {
		if c.PanelUsername == "" || c.PanelPassword == "" {
			return fmt.Errorf("PANEL_USERNAME and PANEL_PASSWORD are required when PANEL_URL is set")
		}
		if c.PanelDomain == "" {
			return fmt.Errorf("PANEL_DOMAIN is required when PANEL_URL is set")
		}
	}

	if c.AutoApproveDelay <= 0 {
		return fmt.Errorf("AUTO_APPROVE_DELAY must be positive")
	}
	if c.StaleOrderAge <= c.AutoApproveDelay {
		return fmt.Errorf("STALE_ORDER_AGE must be longer than AUTO_APPROVE_DELAY")
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
