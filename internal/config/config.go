// Package config loads and validates the orchestrator's configuration:
// a flat struct populated from YAML, then defaulted and derived, with an
// environment-variable override layer for secrets and deployment values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's full runtime configuration.
type Config struct {
	MaxConcurrentUploads int `yaml:"max_concurrent_uploads"`

	Browser struct {
		APIURL       string `yaml:"api_url"`
		MaxRetries   int    `yaml:"max_retries"`
		RetryBaseMs  int    `yaml:"retry_base_ms"`
		MaxSessions  int    `yaml:"max_sessions"`
		LeaseWaitMs  int    `yaml:"lease_wait_ms"`
		CallTimeoutS int    `yaml:"call_timeout_s"`
	} `yaml:"browser"`

	Queue struct {
		Attempts       int `yaml:"attempts"`
		BackoffBaseMs  int `yaml:"backoff_base_ms"`
		BackoffCapMs   int `yaml:"backoff_cap_ms"`
		BackoffJitterP int `yaml:"backoff_jitter_pct"`
		RateMax        int `yaml:"rate_max"`
		RateDurationMs int `yaml:"rate_duration_ms"`
		LeaseMs        int `yaml:"lease_ms"`
	} `yaml:"queue"`

	Account struct {
		DailyLimitDefault int    `yaml:"daily_limit_default"`
		HealthThreshold   int    `yaml:"health_threshold"`
		RolloverTZ        string `yaml:"rollover_tz"`
	} `yaml:"account"`

	Breaker struct {
		FailureThreshold int `yaml:"failure_threshold"`
		ResetMs          int `yaml:"reset_ms"`
		SuccessThreshold int `yaml:"success_threshold"`
		VolumeThreshold  int `yaml:"volume_threshold"`
		WindowMs         int `yaml:"window_ms"`
		CallTimeoutMs    int `yaml:"call_timeout_ms"`
	} `yaml:"breaker"`

	Shutdown struct {
		TimeoutMs int `yaml:"timeout_ms"`
	} `yaml:"shutdown"`

	Encryption struct {
		Key string `yaml:"key"`
	} `yaml:"encryption"`

	Alerts struct {
		ErrorRate            float64 `yaml:"error_rate"`
		CriticalThreshold    int     `yaml:"critical_threshold"`
		ConsecutiveThreshold int     `yaml:"consecutive_threshold"`
	} `yaml:"alerts"`

	SQLitePath string `yaml:"sqlite_path"`
	RedisAddr  string `yaml:"redis_addr"`

	Logging LoggingConfig `yaml:"logging"`

	// Derived, not user-set.
	RolloverLocation *time.Location `yaml:"-"`
}

// LoggingConfig mirrors internal/logging.Config; kept separate to avoid an
// import cycle between config and logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads, defaults, applies env overrides, and derives a Config from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.ApplyDefaults()
	cfg.ApplyEnv()
	if err := cfg.ComputeDerived(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in zero-valued fields with their documented defaults.
//
// Every bool in this schema is an explicit opt-in defaulting false, so the
// zero-value-defaulting hazard the source codebase works around elsewhere
// (a default-true flag that `if !c.Field { c.Field = true }` can never
// actually turn off) does not arise here.
func (c *Config) ApplyDefaults() {
	if c.MaxConcurrentUploads <= 0 {
		c.MaxConcurrentUploads = 5
	}
	if c.Browser.APIURL == "" {
		c.Browser.APIURL = "http://127.0.0.1:54345"
	}
	if c.Browser.MaxRetries <= 0 {
		c.Browser.MaxRetries = 3
	}
	if c.Browser.RetryBaseMs <= 0 {
		c.Browser.RetryBaseMs = 1000
	}
	if c.Browser.MaxSessions <= 0 {
		c.Browser.MaxSessions = 20
	}
	if c.Browser.LeaseWaitMs <= 0 {
		c.Browser.LeaseWaitMs = 10000
	}
	if c.Browser.CallTimeoutS <= 0 {
		c.Browser.CallTimeoutS = 30
	}
	if c.Queue.Attempts <= 0 {
		c.Queue.Attempts = 3
	}
	if c.Queue.BackoffBaseMs <= 0 {
		c.Queue.BackoffBaseMs = 2000
	}
	if c.Queue.BackoffCapMs <= 0 {
		c.Queue.BackoffCapMs = 60000
	}
	if c.Queue.BackoffJitterP <= 0 {
		c.Queue.BackoffJitterP = 20
	}
	if c.Queue.RateMax <= 0 {
		c.Queue.RateMax = 2
	}
	if c.Queue.RateDurationMs <= 0 {
		c.Queue.RateDurationMs = 86400000
	}
	if c.Queue.LeaseMs <= 0 {
		c.Queue.LeaseMs = 300000
	}
	if c.Account.DailyLimitDefault <= 0 {
		c.Account.DailyLimitDefault = 2
	}
	if c.Account.HealthThreshold <= 0 {
		c.Account.HealthThreshold = 50
	}
	if c.Account.RolloverTZ == "" {
		c.Account.RolloverTZ = "Local"
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.ResetMs <= 0 {
		c.Breaker.ResetMs = 60000
	}
	if c.Breaker.SuccessThreshold <= 0 {
		c.Breaker.SuccessThreshold = 3
	}
	if c.Breaker.VolumeThreshold <= 0 {
		c.Breaker.VolumeThreshold = 10
	}
	if c.Breaker.WindowMs <= 0 {
		c.Breaker.WindowMs = 300000
	}
	if c.Breaker.CallTimeoutMs <= 0 {
		c.Breaker.CallTimeoutMs = 30000
	}
	if c.Shutdown.TimeoutMs <= 0 {
		c.Shutdown.TimeoutMs = 30000
	}
	if c.Alerts.ErrorRate <= 0 {
		c.Alerts.ErrorRate = 0.5
	}
	if c.Alerts.CriticalThreshold <= 0 {
		c.Alerts.CriticalThreshold = 10
	}
	if c.Alerts.ConsecutiveThreshold <= 0 {
		c.Alerts.ConsecutiveThreshold = 5
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "./orchestrator.db"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "127.0.0.1:6379"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// ApplyEnv overrides secrets and deployment-specific values from the
// environment; the encryption key in particular must never live in a
// checked-in YAML file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ORCH_ENCRYPTION_KEY"); v != "" {
		c.Encryption.Key = v
	}
	if v := os.Getenv("ORCH_BROWSER_API_URL"); v != "" {
		c.Browser.APIURL = v
	}
	if v := os.Getenv("ORCH_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("ORCH_SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := os.Getenv("ORCH_MAX_CONCURRENT_UPLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxConcurrentUploads = n
		}
	}
	if v := os.Getenv("ORCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ComputeDerived resolves fields that need post-processing, such as the
// rollover timezone string into a *time.Location.
func (c *Config) ComputeDerived() error {
	if strings.EqualFold(c.Account.RolloverTZ, "local") {
		c.RolloverLocation = time.Local
		return nil
	}
	loc, err := time.LoadLocation(c.Account.RolloverTZ)
	if err != nil {
		return fmt.Errorf("invalid account.rollover_tz %q: %w", c.Account.RolloverTZ, err)
	}
	c.RolloverLocation = loc
	return nil
}

// Validate checks invariants that ApplyDefaults cannot silently repair.
func (c *Config) Validate() error {
	if c.Encryption.Key == "" {
		return fmt.Errorf("encryption.key is required (set ORCH_ENCRYPTION_KEY)")
	}
	return nil
}
