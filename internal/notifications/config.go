package notifications

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the configuration for operator alerts
type Config struct {
	Enabled bool

	// Slack configuration
	SlackWebhookURL string
	SlackChannel    string

	// Generic webhook configuration
	WebhookURL     string
	WebhookSecret  string
	WebhookHeaders map[string]string

	// Cooldown suppresses repeats of the same alert. An outage raises
	// store_unavailable on every denied request.
	Cooldown time.Duration

	MaxRetries       int
	RetryBackoffBase time.Duration
	DeliveryTimeout  time.Duration
}

// LoadConfig loads the alert configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Enabled:          getEnvBool("ALERTS_ENABLED", false),
		SlackWebhookURL:  os.Getenv("ALERTS_SLACK_WEBHOOK_URL"),
		SlackChannel:     getEnv("ALERTS_SLACK_CHANNEL", "#metering-alerts"),
		WebhookURL:       os.Getenv("ALERTS_WEBHOOK_URL"),
		WebhookSecret:    os.Getenv("ALERTS_WEBHOOK_SECRET"),
		WebhookHeaders:   getEnvJSONMap("ALERTS_WEBHOOK_HEADERS"),
		Cooldown:         getEnvDuration("ALERTS_COOLDOWN", 5*time.Minute),
		MaxRetries:       getEnvInt("ALERTS_MAX_RETRIES", 3),
		RetryBackoffBase: getEnvDuration("ALERTS_RETRY_BACKOFF", time.Second),
		DeliveryTimeout:  getEnvDuration("ALERTS_DELIVERY_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that an enabled configuration has somewhere to deliver
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.SlackWebhookURL == "" && c.WebhookURL == "" {
		return fmt.Errorf("alerts are enabled but neither ALERTS_SLACK_WEBHOOK_URL nor ALERTS_WEBHOOK_URL is set")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("ALERTS_MAX_RETRIES must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvJSONMap(key string) map[string]string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
