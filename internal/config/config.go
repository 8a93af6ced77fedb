package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the metering service
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Billing    BillingConfig
	Security   SecurityConfig
	Monitoring MonitoringConfig
	Quota      QuotaConfig
	Backend    BackendConfig
	Plans      Plans
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// BillingConfig holds billing configuration
type BillingConfig struct {
	StripeWebhookSecret string
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	AdminAPIToken      string
	PrincipalCacheTTL  time.Duration
	AuthAttemptsPerMin int64
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool
	MetricsPath string
	LogLevel    string
}

// QuotaConfig controls admission and usage accounting
type QuotaConfig struct {
	// Timezone is the reference zone for calendar-day rollover. Every
	// component computes "today" in this zone.
	Timezone          string
	Location          *time.Location
	RetryWorkers      int
	RetryQueueSize    int
	RetryMaxAttempts  int
	RetryBaseBackoff  time.Duration
	ReconcileSchedule string
	CommitTimeout     time.Duration
}

// BackendConfig points at the language-model backend tools are proxied to
type BackendConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(getEnv("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "90s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "metering"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "metering"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Billing: BillingConfig{
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		},
		Security: SecurityConfig{
			AdminAPIToken:      getEnv("ADMIN_API_TOKEN", ""),
			PrincipalCacheTTL:  getEnvAsDuration("PRINCIPAL_CACHE_TTL", "5m"),
			AuthAttemptsPerMin: int64(getEnvAsInt("AUTH_ATTEMPTS_PER_MINUTE", 20)),
		},
		Monitoring: MonitoringConfig{
			Enabled:     getEnvAsBool("MONITORING_ENABLED", true),
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Quota: QuotaConfig{
			Timezone:          getEnv("QUOTA_TIMEZONE", "UTC"),
			RetryWorkers:      getEnvAsInt("QUOTA_RETRY_WORKERS", 2),
			RetryQueueSize:    getEnvAsInt("QUOTA_RETRY_QUEUE_SIZE", 1024),
			RetryMaxAttempts:  getEnvAsInt("QUOTA_RETRY_MAX_ATTEMPTS", 5),
			RetryBaseBackoff:  getEnvAsDuration("QUOTA_RETRY_BASE_BACKOFF", "200ms"),
			ReconcileSchedule: getEnv("QUOTA_RECONCILE_SCHEDULE", "@every 1m"),
			CommitTimeout:     getEnvAsDuration("QUOTA_COMMIT_TIMEOUT", "5s"),
		},
		Backend: BackendConfig{
			BaseURL: getEnv("LLM_BACKEND_URL", "http://localhost:8000"),
			APIKey:  getEnv("LLM_BACKEND_API_KEY", ""),
			Timeout: getEnvAsDuration("LLM_BACKEND_TIMEOUT", "60s"),
		},
	}

	plans, err := LoadPlans(getEnv("PLANS_FILE", ""))
	if err != nil {
		return nil, err
	}
	cfg.Plans = plans

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and resolves derived values
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}

	if c.Security.AdminAPIToken == "" {
		return fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	loc, err := time.LoadLocation(c.Quota.Timezone)
	if err != nil {
		return fmt.Errorf("invalid QUOTA_TIMEZONE %q: %w", c.Quota.Timezone, err)
	}
	c.Quota.Location = loc

	if c.Quota.RetryWorkers < 1 {
		return fmt.Errorf("QUOTA_RETRY_WORKERS must be at least 1")
	}
	if c.Quota.RetryMaxAttempts < 1 {
		return fmt.Errorf("QUOTA_RETRY_MAX_ATTEMPTS must be at least 1")
	}

	return c.Plans.Validate()
}

// loadDotEnv preloads variables from an optional .env file. Variables that
// are already set in the environment win.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
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

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
