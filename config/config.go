// Package config defines the TOML configuration for the mailtriage service.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mailtriage/mailtriage/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host         string `toml:"host"`
	Port         string `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Name         string `toml:"name"`
	TLSMode      bool   `toml:"tls"`
	LogQueries   bool   `toml:"log_queries"`
	MaxConns     int    `toml:"max_conns"`     // Maximum number of connections in the pool
	MinConns     int    `toml:"min_conns"`     // Minimum number of connections in the pool
	QueryTimeout string `toml:"query_timeout"` // Timeout for individual queries (default: "30s")
}

// GetQueryTimeout parses the query timeout duration
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GmailConfig holds the Gmail provider configuration
type GmailConfig struct {
	CredentialsFile string `toml:"credentials_file"` // OAuth client credentials JSON
	TokenDir        string `toml:"token_dir"`        // Per-user token cache directory
	PubSubTopic     string `toml:"pubsub_topic"`     // Cloud Pub/Sub topic for watch notifications
	RequestTimeout  string `toml:"request_timeout"`  // Per-call timeout (default: "30s")
}

func (g *GmailConfig) GetRequestTimeout() (time.Duration, error) {
	if g.RequestTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(g.RequestTimeout)
}

// ClassifierConfig holds the external classifier configuration.
// Mapping translates classifier categories into suggested automation
// statuses; unmapped categories produce no suggestion.
type ClassifierConfig struct {
	Enabled    bool              `toml:"enabled"`
	Endpoint   string            `toml:"endpoint"`
	APIKey     string            `toml:"api_key"`
	Timeout    string            `toml:"timeout"`     // Per-call timeout (default: "10s")
	DailyQuota int               `toml:"daily_quota"` // Per-user classification calls per day (default: 100)
	Mapping    map[string]string `toml:"mapping"`     // category -> suggested status
}

func (c *ClassifierConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

func (c *ClassifierConfig) GetDailyQuota() int {
	if c.DailyQuota <= 0 {
		return 100
	}
	return c.DailyQuota
}

// AutomationConfig holds subscription renewal and retry policy
type AutomationConfig struct {
	RenewalSafetyMargin  string  `toml:"renewal_safety_margin"`  // Remaining lifetime below which a watch is renewed (default: "24h")
	RenewalCheckInterval string  `toml:"renewal_check_interval"` // How often the renewal worker wakes up (default: "1h")
	RetryInitialInterval string  `toml:"retry_initial_interval"` // First retry delay (default: "1s")
	RetryMaxInterval     string  `toml:"retry_max_interval"`     // Retry delay cap (default: "30s")
	RetryMultiplier      float64 `toml:"retry_multiplier"`       // Backoff multiplier (default: 2.0)
	RetryMaxAttempts     int     `toml:"retry_max_attempts"`     // Attempts before a renewal is marked degraded (default: 5)
}

func (a *AutomationConfig) GetRenewalSafetyMargin() (time.Duration, error) {
	if a.RenewalSafetyMargin == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(a.RenewalSafetyMargin)
}

func (a *AutomationConfig) GetRenewalCheckInterval() (time.Duration, error) {
	if a.RenewalCheckInterval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(a.RenewalCheckInterval)
}

func (a *AutomationConfig) GetRetryInitialInterval() (time.Duration, error) {
	if a.RetryInitialInterval == "" {
		return time.Second, nil
	}
	return helpers.ParseDuration(a.RetryInitialInterval)
}

func (a *AutomationConfig) GetRetryMaxInterval() (time.Duration, error) {
	if a.RetryMaxInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(a.RetryMaxInterval)
}

func (a *AutomationConfig) GetRetryMultiplier() float64 {
	if a.RetryMultiplier <= 0 {
		return 2.0
	}
	return a.RetryMultiplier
}

func (a *AutomationConfig) GetRetryMaxAttempts() int {
	if a.RetryMaxAttempts <= 0 {
		return 5
	}
	return a.RetryMaxAttempts
}

// HTTPAPIConfig holds the HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	WebhookToken string   `toml:"webhook_token"` // Shared token the push endpoint requires when set
	AllowedHosts []string `toml:"allowed_hosts"`
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// Config holds all configuration for the application
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Database   DatabaseConfig   `toml:"database"`
	Gmail      GmailConfig      `toml:"gmail"`
	Classifier ClassifierConfig `toml:"classifier"`
	Automation AutomationConfig `toml:"automation"`
	HTTPAPI    HTTPAPIConfig    `toml:"http_api"`
}

// Load reads and validates a TOML configuration file. Missing file is an
// error; callers that want defaults-only should use NewDefault directly.
func Load(path string) (Config, error) {
	cfg := NewDefault()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// NewDefault returns the built-in defaults, overridable via TOML and flags.
func NewDefault() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host: "localhost",
			Port: "5432",
			User: "postgres",
			Name: "mailtriage",
		},
		Classifier: ClassifierConfig{
			DailyQuota: 100,
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: ":8980",
		},
	}
}

// Validate checks cross-field constraints that TOML decoding cannot express.
func (c *Config) Validate() error {
	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when the HTTP API is enabled")
	}
	if c.HTTPAPI.TLS && (c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "") {
		return fmt.Errorf("http_api TLS requires both tls_cert_file and tls_key_file")
	}
	if c.Classifier.Enabled && c.Classifier.Endpoint == "" {
		return fmt.Errorf("classifier.endpoint is required when classification is enabled")
	}
	if c.Gmail.CredentialsFile != "" {
		if _, err := os.Stat(c.Gmail.CredentialsFile); err != nil {
			return fmt.Errorf("gmail.credentials_file: %w", err)
		}
	}
	for category, status := range c.Classifier.Mapping {
		switch status {
		case "UNHANDLED", "AUTO_ARCHIVED", "UNSUBSCRIBED", "APPROVED":
		default:
			return fmt.Errorf("classifier.mapping[%s]: unknown status %q", category, status)
		}
	}
	durations := []func() error{
		func() error { _, err := c.Database.GetQueryTimeout(); return err },
		func() error { _, err := c.Gmail.GetRequestTimeout(); return err },
		func() error { _, err := c.Classifier.GetTimeout(); return err },
		func() error { _, err := c.Automation.GetRenewalSafetyMargin(); return err },
		func() error { _, err := c.Automation.GetRenewalCheckInterval(); return err },
		func() error { _, err := c.Automation.GetRetryInitialInterval(); return err },
		func() error { _, err := c.Automation.GetRetryMaxInterval(); return err },
	}
	for _, check := range durations {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}
