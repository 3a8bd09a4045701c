package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers accepted by APP_STORE_DRIVER.
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config holds the core runtime configuration for the service.
// Values are sourced from environment variables (optionally seeded from a
// .env file by main), with defaults declared on the struct tags.
type Config struct {
	ListenAddr string `env:"APP_LISTEN_ADDR" envDefault:":8080"`

	// StoreDriver selects the primary store: "postgres" or "mongo".
	StoreDriver   string `env:"APP_STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string `env:"APP_DATABASE_URL"`
	MongoURI      string `env:"APP_MONGO_URI"`
	MongoDatabase string `env:"APP_MONGO_DATABASE" envDefault:"dineinsight"`

	// StoreTimeout bounds every individual primary-store call made by the
	// event processor, so a stuck store stalls neither ingestion nor a retry cycle.
	StoreTimeout time.Duration `env:"APP_STORE_TIMEOUT" envDefault:"5s"`

	// BreakerFailures is the number of consecutive store failures that opens
	// the circuit; BreakerCooldown is how long it stays open.
	BreakerFailures uint32        `env:"APP_BREAKER_FAILURES" envDefault:"5"`
	BreakerCooldown time.Duration `env:"APP_BREAKER_COOLDOWN" envDefault:"30s"`

	// FallbackDir is the root of the pending/processed/failed queue.
	FallbackDir string `env:"APP_FALLBACK_DIR" envDefault:"data/fallback"`
	// FallbackEmergencyDir is the second-tier root; empty means a directory
	// under the OS temp dir.
	FallbackEmergencyDir string `env:"APP_FALLBACK_EMERGENCY_DIR"`

	RetryInterval    time.Duration `env:"APP_RETRY_INTERVAL" envDefault:"5m"`
	RetryBatchSize   int           `env:"APP_RETRY_BATCH_SIZE" envDefault:"100"`
	RetryMaxAttempts int           `env:"APP_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	CleanupDays      int           `env:"APP_FALLBACK_CLEANUP_DAYS" envDefault:"7"`

	// AggregationTime is the wall-clock time (HH:MM) in AggregationTZ at which
	// each daily rollup job fires.
	AggregationTime string `env:"APP_AGGREGATION_TIME" envDefault:"00:05"`
	AggregationTZ   string `env:"APP_AGGREGATION_TZ" envDefault:"UTC"`

	// RetentionDays is how long raw events are kept. Summaries are never
	// deleted. Zero disables raw event retention.
	RetentionDays int `env:"APP_RETENTION_DAYS" envDefault:"90"`

	// OperatorTokenHash is a bcrypt hash of the bearer token accepted on
	// operator endpoints (manual retry, manual aggregation). If empty those
	// endpoints are disabled.
	OperatorTokenHash string `env:"APP_OPERATOR_TOKEN_HASH"`

	LogLevel  string `env:"APP_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"APP_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("APP_DATABASE_URL is required when APP_STORE_DRIVER=postgres")
		}
	case StoreMongo:
		if strings.TrimSpace(c.MongoURI) == "" {
			return errors.New("APP_MONGO_URI is required when APP_STORE_DRIVER=mongo")
		}
	default:
		return fmt.Errorf("APP_STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMongo, c.StoreDriver)
	}
	if c.RetryInterval <= 0 {
		return errors.New("APP_RETRY_INTERVAL must be positive")
	}
	if c.RetryBatchSize <= 0 {
		return errors.New("APP_RETRY_BATCH_SIZE must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		return errors.New("APP_RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.CleanupDays <= 0 {
		return errors.New("APP_FALLBACK_CLEANUP_DAYS must be positive")
	}
	if c.RetentionDays < 0 {
		return errors.New("APP_RETENTION_DAYS must not be negative")
	}
	if _, _, err := c.AggregationClock(); err != nil {
		return err
	}
	if _, err := c.AggregationLocation(); err != nil {
		return err
	}
	return nil
}

// AggregationClock parses AggregationTime into hour and minute.
func (c *Config) AggregationClock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", c.AggregationTime)
	if err != nil {
		return 0, 0, fmt.Errorf("APP_AGGREGATION_TIME must be HH:MM: %w", err)
	}
	return t.Hour(), t.Minute(), nil
}

// AggregationLocation resolves the reference timezone of the daily jobs.
func (c *Config) AggregationLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.AggregationTZ)
	if err != nil {
		return nil, fmt.Errorf("APP_AGGREGATION_TZ: %w", err)
	}
	return loc, nil
}
