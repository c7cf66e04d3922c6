package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig
	MongoDB MongoDBConfig
	Redis   RedisConfig
	JWT     JWTConfig
	Billing BillingConfig
	Gateway GatewayConfig
	Sweep   SweepConfig
	S3      S3Config
	OTEL    OTELConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
}

// JWTConfig holds the secret used to verify access tokens issued by the identity service
type JWTConfig struct {
	Secret string
}

// BillingConfig describes the single yearly plan sold by this deployment
type BillingConfig struct {
	FullYearPrice float64
	Currency      string
	ProductName   string
	SuccessURL    string
	CancelURL     string
}

// GatewayConfig holds payment provider settings.
// An empty SecretKey selects the in-memory mock gateway.
type GatewayConfig struct {
	SecretKey          string
	WebhookSecret      string
	BaseURL            string
	Timeout            time.Duration
	SignatureTolerance time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// SweepConfig controls the periodic reconciliation jobs
type SweepConfig struct {
	Enabled          bool
	ExpiryInterval   time.Duration
	DriftInterval    time.Duration
	DriftConcurrency int
}

// S3Config holds the S3-compatible bucket used to archive raw webhook payloads.
// An empty Endpoint disables archiving.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// OTELConfig holds OpenTelemetry exporter configuration
type OTELConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string
	InstanceID     string
	Token          string
}

// Load reads configuration from environment variables
// It attempts to load from .env file first, then falls back to system env vars
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
		},
		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGODB_DATABASE", "subscriptions"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		Billing: BillingConfig{
			FullYearPrice: getEnvAsFloat("BILLING_FULL_YEAR_PRICE", 0.99),
			Currency:      strings.ToLower(getEnv("BILLING_CURRENCY", "usd")),
			ProductName:   getEnv("BILLING_PRODUCT_NAME", "Yearly Subscription"),
			SuccessURL:    getEnv("BILLING_SUCCESS_URL", "http://localhost:3000/subscription/success"),
			CancelURL:     getEnv("BILLING_CANCEL_URL", "http://localhost:3000/subscription/cancel"),
		},
		Gateway: GatewayConfig{
			SecretKey:          getEnv("GATEWAY_SECRET_KEY", ""),
			WebhookSecret:      getEnv("GATEWAY_WEBHOOK_SECRET", ""),
			BaseURL:            getEnv("GATEWAY_BASE_URL", "https://api.stripe.com"),
			Timeout:            getEnvAsDuration("GATEWAY_TIMEOUT", 15*time.Second),
			SignatureTolerance: getEnvAsDuration("GATEWAY_SIGNATURE_TOLERANCE", 5*time.Minute),
			BreakerMaxFailures: uint32(getEnvAsInt64("GATEWAY_BREAKER_MAX_FAILURES", 5)),
			BreakerOpenTimeout: getEnvAsDuration("GATEWAY_BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},
		Sweep: SweepConfig{
			Enabled:          getEnvAsBool("SWEEP_ENABLED", true),
			ExpiryInterval:   getEnvAsDuration("SWEEP_EXPIRY_INTERVAL", 24*time.Hour),
			DriftInterval:    getEnvAsDuration("SWEEP_DRIFT_INTERVAL", time.Hour),
			DriftConcurrency: int(getEnvAsInt64("SWEEP_DRIFT_CONCURRENCY", 4)),
		},
		S3: S3Config{
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Bucket:    getEnv("S3_BUCKET", "subscription-events"),
			AccessKey: getEnv("S3_ACCESS_KEY", ""),
			SecretKey: getEnv("S3_SECRET_KEY", ""),
		},
		OTEL: OTELConfig{
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "subscriptions"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			Environment:    getEnv("OTEL_ENVIRONMENT", "development"),
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			InstanceID:     getEnv("OTEL_INSTANCE_ID", ""),
			Token:          getEnv("OTEL_TOKEN", ""),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Billing.FullYearPrice <= 0 {
		return fmt.Errorf("BILLING_FULL_YEAR_PRICE must be positive")
	}
	if c.Billing.Currency == "" {
		return fmt.Errorf("BILLING_CURRENCY is required")
	}
	// A real provider always signs its webhooks; refuse to accept them unsigned.
	if c.Gateway.SecretKey != "" && c.Gateway.WebhookSecret == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required when GATEWAY_SECRET_KEY is set")
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.Sweep.DriftConcurrency < 1 {
		return fmt.Errorf("SWEEP_DRIFT_CONCURRENCY must be at least 1")
	}
	if c.OTEL.Enabled && c.OTEL.Endpoint == "" {
		return fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED is true")
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt64 retrieves an environment variable as int64 or returns a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings such as "15s" or "1h"
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
