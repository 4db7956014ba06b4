// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	// Load environment variables from .env files when present.
	_ "github.com/joho/godotenv/autoload"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Pipeline      PipelineConfig
	Classifier    ClassifierConfig
	Address       AddressConfig
	Merchant      MerchantConfig
	Supplier      SupplierConfig
	Upload        UploadConfig
	Observability ObservabilityConfig
}

type ServerConfig struct {
	Host                string
	Port                int
	BaseURL             string
	ProgressiveBudget   time.Duration
	ShutdownGracePeriod time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// PipelineConfig carries the per-stage feature flags and pool sizing.
type PipelineConfig struct {
	EnableClassify bool
	EnableFinexio  bool
	EnableAddress  bool
	EnableMerchant bool

	ClassifyWorkers int
	AddressWorkers  int
	MerchantWorkers int
	SupplierWorkers int

	QueueHighWater int
}

type ClassifierConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	RatePerSec  float64
	Burst       int
	MaxAttempts int

	// AIEnhanceThreshold is the lower bound of the score band handed to the
	// classifier for match adjudication.
	AIEnhanceThreshold float64
}

type AddressConfig struct {
	BaseURL      string
	APIKey       string
	RatePerSec   float64
	Burst        int
	SoftDeadline time.Duration
	EnableRepair bool
}

// MerchantConfig configures the external bulk-search integration.
type MerchantConfig struct {
	Environment   string // production | sandbox
	ConsumerKey   string
	PrivateKey    string // PEM, PKCS#1 or PKCS#8
	ClientID      string
	WebhookSecret string

	RatePerSec   float64
	Burst        int
	InflightCap  int
	PollInitial  time.Duration
	PollMax      time.Duration
	MaxAttempts  int
	HardDeadline time.Duration
}

type SupplierConfig struct {
	CacheSize    int
	CandidateCap int
}

type UploadConfig struct {
	Dir          string
	MaxSizeBytes int64
	Retention    time.Duration
}

type ObservabilityConfig struct {
	MetricsEnabled bool
	MetricsPort    int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:                getEnv("SERVER_HOST", "localhost"),
			Port:                getEnvAsInt("SERVER_PORT", 8080),
			BaseURL:             getEnv("BASE_URL", "http://localhost:8080"),
			ProgressiveBudget:   time.Duration(getEnvAsInt("PROGRESSIVE_BUDGET_MS", 2000)) * time.Millisecond,
			ShutdownGracePeriod: getEnvAsDuration("SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvAsInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "payee-dev"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		Pipeline: PipelineConfig{
			EnableClassify:  getEnvAsBool("ENABLE_CLASSIFY", true),
			EnableFinexio:   getEnvAsBool("ENABLE_FINEXIO", true),
			EnableAddress:   getEnvAsBool("ENABLE_ADDRESS", true),
			EnableMerchant:  getEnvAsBool("ENABLE_MERCHANT", true),
			ClassifyWorkers: getEnvAsInt("CLASSIFY_WORKERS", 10),
			AddressWorkers:  getEnvAsInt("ADDRESS_WORKERS", 20),
			MerchantWorkers: getEnvAsInt("MERCHANT_WORKERS", 5),
			SupplierWorkers: getEnvAsInt("SUPPLIER_WORKERS", 50),
			QueueHighWater:  getEnvAsInt("QUEUE_HIGH_WATER", 1000),
		},
		Classifier: ClassifierConfig{
			BaseURL:            getEnv("CLASSIFIER_BASE_URL", ""),
			APIKey:             getEnv("CLASSIFIER_API_KEY", ""),
			Model:              getEnv("CLASSIFIER_MODEL", ""),
			RatePerSec:         getEnvAsFloat("CLASSIFIER_RATE", 10),
			Burst:              getEnvAsInt("CLASSIFIER_BURST", 10),
			MaxAttempts:        getEnvAsInt("CLASSIFIER_MAX_ATTEMPTS", 5),
			AIEnhanceThreshold: getEnvAsFloat("AI_ENHANCE_THRESHOLD", 0.90),
		},
		Address: AddressConfig{
			BaseURL:      getEnv("ADDRESS_BASE_URL", ""),
			APIKey:       getEnv("ADDRESS_API_KEY", ""),
			RatePerSec:   getEnvAsFloat("ADDRESS_RATE", 20),
			Burst:        getEnvAsInt("ADDRESS_BURST", 20),
			SoftDeadline: getEnvAsDuration("ADDRESS_SOFT_DEADLINE", 5*time.Second),
			EnableRepair: getEnvAsBool("ENABLE_AI_ADDRESS_REPAIR", false),
		},
		Merchant: MerchantConfig{
			Environment:   getEnv("MERCHANT_ENV", "sandbox"),
			ConsumerKey:   getEnv("MC_CONSUMER_KEY", ""),
			PrivateKey:    getEnv("MC_PRIVATE_KEY_PEM", ""),
			ClientID:      getEnv("MC_CLIENT_ID", ""),
			WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
			RatePerSec:    getEnvAsFloat("MERCHANT_RATE", 5),
			Burst:         getEnvAsInt("MERCHANT_BURST", 5),
			InflightCap:   getEnvAsInt("MERCHANT_INFLIGHT_CAP", 10),
			PollInitial:   getEnvAsDuration("MERCHANT_POLL_INITIAL", 30*time.Second),
			PollMax:       getEnvAsDuration("MERCHANT_POLL_MAX", 120*time.Second),
			MaxAttempts:   getEnvAsInt("MERCHANT_MAX_ATTEMPTS", 40),
			HardDeadline:  getEnvAsDuration("MERCHANT_HARD_DEADLINE", 45*time.Minute),
		},
		Supplier: SupplierConfig{
			CacheSize:    getEnvAsInt("SUPPLIER_CACHE_SIZE", 50000),
			CandidateCap: getEnvAsInt("SUPPLIER_CANDIDATE_CAP", 10),
		},
		Upload: UploadConfig{
			Dir:          getEnv("UPLOAD_DIR", "./uploads"),
			MaxSizeBytes: int64(getEnvAsInt("UPLOAD_MAX_SIZE_BYTES", 25<<20)),
			Retention:    getEnvAsDuration("UPLOAD_RETENTION", 24*time.Hour),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPort:    getEnvAsInt("METRICS_PORT", 9090),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Merchant.Environment != "production" && c.Merchant.Environment != "sandbox" {
		return fmt.Errorf("MERCHANT_ENV must be production or sandbox, got %q", c.Merchant.Environment)
	}
	if c.Pipeline.EnableMerchant {
		if c.Merchant.ConsumerKey == "" {
			return errors.New("MC_CONSUMER_KEY is required when ENABLE_MERCHANT=true")
		}
		if c.Merchant.PrivateKey == "" {
			return errors.New("MC_PRIVATE_KEY_PEM is required when ENABLE_MERCHANT=true")
		}
		if c.Merchant.WebhookSecret == "" {
			return errors.New("WEBHOOK_SECRET is required when ENABLE_MERCHANT=true")
		}
	}
	if c.Classifier.AIEnhanceThreshold < 0 || c.Classifier.AIEnhanceThreshold >= 0.95 {
		return fmt.Errorf("AI_ENHANCE_THRESHOLD must be in [0, 0.95), got %v", c.Classifier.AIEnhanceThreshold)
	}
	if c.Server.ProgressiveBudget <= 0 {
		return errors.New("PROGRESSIVE_BUDGET_MS must be positive")
	}
	return nil
}

// BaseURL returns the bulk-search endpoint base for the configured environment.
func (c *MerchantConfig) BaseURL() string {
	if c.Environment == "production" {
		return "https://api.mastercard.com/track/search"
	}
	return "https://sandbox.api.mastercard.com/track/search"
}

// MinimumConfidenceThreshold differs per environment: sandbox fixtures return
// low-confidence rows and filtering them there hides integration bugs.
func (c *MerchantConfig) MinimumConfidenceThreshold() string {
	if c.Environment == "production" {
		return "0.1"
	}
	return "0.0"
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
