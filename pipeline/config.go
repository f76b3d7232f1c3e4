package pipeline

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full pipeline configuration, loadable from YAML.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`
	// ListenAddr is the ops HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	Provider struct {
		BaseURL      string `yaml:"base_url"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		// EncryptionKey is the base64-encoded 32-byte token encryption key.
		// Overridable via SYNC_ENCRYPTION_KEY.
		EncryptionKey string `yaml:"encryption_key"`
		// Timeout bounds each HTTP call, independent of job timeouts.
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"provider"`

	RateLimit struct {
		// Limit is admitted cost units per window per account.
		Limit  float64       `yaml:"limit"`
		Window time.Duration `yaml:"window"`
	} `yaml:"rate_limit"`

	Retry struct {
		MaxRetries    int           `yaml:"max_retries"`
		BaseDelay     time.Duration `yaml:"base_delay"`
		MaxDelay      time.Duration `yaml:"max_delay"`
		JitterPercent int           `yaml:"jitter_percent"`
	} `yaml:"retry"`

	Worker struct {
		// Concurrency is the number of jobs processed in parallel.
		Concurrency  int           `yaml:"concurrency"`
		PollInterval time.Duration `yaml:"poll_interval"`
		// Visibility is the redelivery timeout for claimed jobs.
		Visibility  time.Duration `yaml:"visibility"`
		MaxAttempts int           `yaml:"max_attempts"`
	} `yaml:"worker"`

	Schedule struct {
		// CheckInterval is how often due entities are scanned.
		CheckInterval time.Duration `yaml:"check_interval"`
		// FetchWindowDays is the size of each fetch window, ending today.
		FetchWindowDays int `yaml:"fetch_window_days"`
		// AggregateMinAgeDays gates rollups until a month has settled.
		AggregateMinAgeDays int `yaml:"aggregate_min_age_days"`
		// AggregateLookback is how many past months are considered.
		AggregateLookback int `yaml:"aggregate_lookback"`
	} `yaml:"schedule"`
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		DBPath:     "sync.db",
		ListenAddr: ":8080",
	}
	cfg.Provider.Timeout = 60 * time.Second
	cfg.RateLimit.Limit = 60
	cfg.RateLimit.Window = time.Minute
	cfg.Retry.MaxRetries = 3
	cfg.Retry.BaseDelay = 100 * time.Millisecond
	cfg.Retry.MaxDelay = 30 * time.Second
	cfg.Retry.JitterPercent = 25
	cfg.Worker.Concurrency = 4
	cfg.Worker.PollInterval = time.Second
	cfg.Worker.Visibility = 10 * time.Minute
	cfg.Worker.MaxAttempts = 3
	cfg.Schedule.CheckInterval = time.Minute
	cfg.Schedule.FetchWindowDays = 30
	cfg.Schedule.AggregateMinAgeDays = 3
	cfg.Schedule.AggregateLookback = 2
	return cfg
}

// LoadConfig reads a YAML file over the defaults. Environment variables
// override secrets so they stay out of config files.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if v := os.Getenv("SYNC_ENCRYPTION_KEY"); v != "" {
		cfg.Provider.EncryptionKey = v
	}
	if v := os.Getenv("SYNC_CLIENT_SECRET"); v != "" {
		cfg.Provider.ClientSecret = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path required")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("config: provider.base_url required")
	}
	if c.Provider.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Provider.EncryptionKey)
		if err != nil {
			return fmt.Errorf("config: provider.encryption_key not base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("config: provider.encryption_key must decode to 32 bytes, got %d", len(key))
		}
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: rate_limit.limit and window must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("config: worker.concurrency must be positive")
	}
	if c.Schedule.FetchWindowDays <= 0 {
		return fmt.Errorf("config: schedule.fetch_window_days must be positive")
	}
	return nil
}

// EncryptionKey decodes the configured token encryption key.
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.Provider.EncryptionKey == "" {
		return nil, fmt.Errorf("config: provider.encryption_key not set")
	}
	return base64.StdEncoding.DecodeString(c.Provider.EncryptionKey)
}
