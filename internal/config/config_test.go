package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_DATABASE_URL", "postgres://localhost:5432/dine")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.StoreDriver != StorePostgres {
		t.Errorf("StoreDriver = %q, want postgres", cfg.StoreDriver)
	}
	if cfg.RetryInterval != 5*time.Minute {
		t.Errorf("RetryInterval = %v, want 5m", cfg.RetryInterval)
	}
	if cfg.RetryBatchSize != 100 || cfg.RetryMaxAttempts != 5 || cfg.CleanupDays != 7 {
		t.Errorf("retry defaults = %d/%d/%d, want 100/5/7", cfg.RetryBatchSize, cfg.RetryMaxAttempts, cfg.CleanupDays)
	}
	h, m, err := cfg.AggregationClock()
	if err != nil || h != 0 || m != 5 {
		t.Errorf("AggregationClock() = %d:%d, %v; want 0:5", h, m, err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_STORE_DRIVER", " Mongo ")
	t.Setenv("APP_MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("APP_RETRY_INTERVAL", "30s")
	t.Setenv("APP_AGGREGATION_TZ", "Asia/Kolkata")
	t.Setenv("APP_AGGREGATION_TIME", "01:30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreDriver != StoreMongo {
		t.Errorf("StoreDriver = %q, want mongo", cfg.StoreDriver)
	}
	if cfg.RetryInterval != 30*time.Second {
		t.Errorf("RetryInterval = %v, want 30s", cfg.RetryInterval)
	}
	loc, err := cfg.AggregationLocation()
	if err != nil || loc.String() != "Asia/Kolkata" {
		t.Errorf("AggregationLocation() = %v, %v", loc, err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			StoreDriver:      StorePostgres,
			DatabaseURL:      "postgres://x",
			RetryInterval:    time.Minute,
			RetryBatchSize:   10,
			RetryMaxAttempts: 5,
			CleanupDays:      7,
			AggregationTime:  "00:05",
			AggregationTZ:    "UTC",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }, "APP_DATABASE_URL"},
		{"missing mongo uri", func(c *Config) { c.StoreDriver = StoreMongo }, "APP_MONGO_URI"},
		{"unknown driver", func(c *Config) { c.StoreDriver = "sqlite" }, "APP_STORE_DRIVER"},
		{"zero interval", func(c *Config) { c.RetryInterval = 0 }, "APP_RETRY_INTERVAL"},
		{"bad clock", func(c *Config) { c.AggregationTime = "25:00" }, "APP_AGGREGATION_TIME"},
		{"bad timezone", func(c *Config) { c.AggregationTZ = "Mars/Olympus" }, "APP_AGGREGATION_TZ"},
		{"negative retention", func(c *Config) { c.RetentionDays = -1 }, "APP_RETENTION_DAYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
