package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Storage
	DBPath string

	// Security
	EncryptionKey string // TOKEN_ENCRYPTION_KEY: 64 hex | 32-byte base64 | arbitrary string
	CronSecret    string // empty = open trigger endpoint

	// X API
	APIBaseURL    string
	ClientID      string
	ClientSecret  string
	MockXAPI      bool
	PublishRPS    float64
	OutboundProxy string // optional process-wide egress proxy URL

	// Publishing
	CycleInterval time.Duration // 0 = external cron only
	CycleLimit    int
	Timezone      *time.Location // quota day/month boundaries

	// Logging
	LogLevel string
}

func Load() (*Config, error) {
	cfg := &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		DBPath: envOr("DB_PATH", "flockpost.db"),

		EncryptionKey: os.Getenv("TOKEN_ENCRYPTION_KEY"),
		CronSecret:    os.Getenv("CRON_SECRET"),

		APIBaseURL:    envOr("X_API_URL", "https://api.x.com"),
		ClientID:      os.Getenv("AUTH_TWITTER_ID"),
		ClientSecret:  os.Getenv("AUTH_TWITTER_SECRET"),
		MockXAPI:      os.Getenv("MOCK_X_API") == "1",
		PublishRPS:    envFloat("PUBLISH_RPS", 1),
		OutboundProxy: os.Getenv("OUTBOUND_PROXY"),

		CycleInterval: envDuration("CYCLE_INTERVAL", 0),
		CycleLimit:    envInt("CYCLE_LIMIT", 30),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}

	tz := envOr("TIMEZONE", "Local")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", tz, err)
	}
	cfg.Timezone = loc

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("TOKEN_ENCRYPTION_KEY")
	}
	if c.CycleLimit < 1 || c.CycleLimit > 200 {
		return fmt.Errorf("CYCLE_LIMIT must be in [1,200], got %d", c.CycleLimit)
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
