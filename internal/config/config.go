// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Database    DatabaseConfig    `yaml:"database"`
	Broker      BrokerConfig      `yaml:"broker"`
	MarketData  MarketDataConfig  `yaml:"market_data"`
	Risk        RiskConfig        `yaml:"risk"`
	Greeks      GreeksConfig      `yaml:"greeks"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Degradation DegradationConfig `yaml:"degradation"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Audit       AuditConfig       `yaml:"audit"`
	WAL         WALConfig         `yaml:"wal"`
	Bus         BusConfig         `yaml:"bus"`
	Server      ServerConfig      `yaml:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	System      SystemConfig      `yaml:"system"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	AccountID string `yaml:"account_id"`
	TradeEnv  string `yaml:"trade_env"` // SIMULATE or PROD
}

// DatabaseConfig contains the relational store settings
type DatabaseConfig struct {
	URL            string `yaml:"url"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
	IdempotencyTTL int    `yaml:"idempotency_ttl_seconds"`
}

// Timeout returns the per-statement database timeout.
func (d DatabaseConfig) Timeout() time.Duration {
	if d.TimeoutMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

// BrokerConfig contains broker adapter settings
type BrokerConfig struct {
	Name      string  `yaml:"name"`
	APIKey    string  `yaml:"api_key"`
	SecretKey string  `yaml:"secret_key"`
	BaseURL   string  `yaml:"base_url"`
	TimeoutMS int     `yaml:"timeout_ms"`
	RateLimit float64 `yaml:"rate_limit"` // submissions per second
}

// Timeout returns the per-RPC broker timeout.
func (b BrokerConfig) Timeout() time.Duration {
	if b.TimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(b.TimeoutMS) * time.Millisecond
}

// MarketDataConfig contains quote source settings
type MarketDataConfig struct {
	TimeoutMS          int `yaml:"timeout_ms"`
	MaxStalenessMS     int `yaml:"max_staleness_ms"`
	DegradedStaleMS    int `yaml:"degraded_staleness_ms"`
}

// Timeout returns the per-quote fetch timeout.
func (m MarketDataConfig) Timeout() time.Duration {
	if m.TimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(m.TimeoutMS) * time.Millisecond
}

// RiskConfig contains the risk gate limits
type RiskConfig struct {
	MaxQtyPerOrder    float64  `yaml:"max_qty_per_order"`
	MaxOrderValue     float64  `yaml:"max_order_value"`
	MaxPositionPct    float64  `yaml:"max_position_pct"`
	MaxPositions      int      `yaml:"max_positions"`
	MaxExposurePct    float64  `yaml:"max_exposure_pct"`
	DailyLossLimit    float64  `yaml:"daily_loss_limit"`
	MaxDrawdownPct    float64  `yaml:"max_drawdown_pct"`
	SymbolAllowlist   []string `yaml:"symbol_allowlist"`
	SymbolBlocklist   []string `yaml:"symbol_blocklist"`
}

// GreeksConfig contains the Greeks gate settings
type GreeksConfig struct {
	Enabled             bool               `yaml:"enabled"`
	MaxStalenessSeconds int                `yaml:"max_staleness_seconds"`
	HardLimits          map[string]float64 `yaml:"hard_limits"`
}

// OutboxConfig contains the outbox worker pool settings
type OutboxConfig struct {
	Workers          int     `yaml:"workers"`
	ClaimLimit       int     `yaml:"claim_limit"`
	PollIntervalMS   int     `yaml:"poll_interval_ms"`
	MaxRetries       int     `yaml:"max_retries"`
	RetentionHours   int     `yaml:"retention_hours"`
	CleanupSchedule  string  `yaml:"cleanup_schedule"` // cron expression
	CrossPct         float64 `yaml:"cross_pct"`        // aggressive limit cross, default 0.05
	WideSpreadPct    float64 `yaml:"wide_spread_pct"`  // spread considered wide, default 0.20
	FallbackPct      float64 `yaml:"fallback_pct"`     // last-price fallback cross, default 0.10
}

// ReconcilerConfig contains reconciliation settings
type ReconcilerConfig struct {
	Schedule            string  `yaml:"schedule"` // cron expression
	CashTolerance       float64 `yaml:"cash_tolerance"`
	EquityTolerancePct  float64 `yaml:"equity_tolerance_pct"`
	ZombieOrderAgeMin   int     `yaml:"zombie_order_age_minutes"`
	NotFoundThreshold   int     `yaml:"not_found_threshold"`
	Distributed         bool    `yaml:"distributed"`
	LockName            string  `yaml:"lock_name"`
	RecentDiscrepancies int     `yaml:"recent_discrepancies"`
}

// DegradationConfig contains hysteresis thresholds for the system mode FSM
type DegradationConfig struct {
	FailThresholdCount     int  `yaml:"fail_threshold_count"`
	FailThresholdSeconds   int  `yaml:"fail_threshold_seconds"`
	RecoveryStableSeconds  int  `yaml:"recovery_stable_seconds"`
	MinSafeModeSeconds     int  `yaml:"min_safe_mode_seconds"`
	UnknownOnTTLExpiry     bool `yaml:"unknown_on_ttl_expiry"`
	OverrideSweepSchedule  string `yaml:"override_sweep_schedule"`
}

// AlertsConfig contains alert routing and channel settings
type AlertsConfig struct {
	Workers        int               `yaml:"workers"`
	QueueSize      int               `yaml:"queue_size"`
	DetailsMaxKiB  int               `yaml:"details_max_kib"`
	TimeBucketMin  int               `yaml:"time_bucket_minutes"`
	EmailFrom      string            `yaml:"email_from"`
	EmailSMTPAddr  string            `yaml:"email_smtp_addr"`
	WebhookURL     string            `yaml:"webhook_url"`
	TimeoutMS      int               `yaml:"timeout_ms"`
	Recipients     map[string]string `yaml:"recipients"`      // name -> address
	GlobalNames    []string          `yaml:"global_names"`    // always-notified recipient names
	TypeRouting    map[string][]string `yaml:"type_routing"`  // alert type -> recipient names
	MinSeverity    map[string]string `yaml:"min_severity"`    // channel -> SEV threshold
}

// AuditConfig tunes the audit chain writer
type AuditConfig struct {
	MaxValueKiB     int `yaml:"max_value_kib"`    // above this, values become references
	QueueSize       int `yaml:"queue_size"`       // async append buffer
	FlushIntervalMS int `yaml:"flush_interval_ms"`
	BatchSize       int `yaml:"batch_size"`
}

// WALConfig caps the in-memory DB buffer
type WALConfig struct {
	MaxEntries  int `yaml:"max_entries"`
	MaxBytes    int `yaml:"max_bytes"`
	MaxAgeSec   int `yaml:"max_age_seconds"`
}

// BusConfig bounds the in-process pub/sub
type BusConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// ServerConfig contains the HTTP API settings
type ServerConfig struct {
	Port      int `yaml:"port"`
	TimeoutMS int `yaml:"timeout_ms"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.TradeEnv == "" {
		c.App.TradeEnv = "SIMULATE"
	}
	if c.Outbox.Workers <= 0 {
		c.Outbox.Workers = 2
	}
	if c.Outbox.ClaimLimit <= 0 {
		c.Outbox.ClaimLimit = 10
	}
	if c.Outbox.PollIntervalMS <= 0 {
		c.Outbox.PollIntervalMS = 500
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = 3
	}
	if c.Outbox.RetentionHours <= 0 {
		c.Outbox.RetentionHours = 72
	}
	if c.Outbox.CrossPct <= 0 {
		c.Outbox.CrossPct = 0.05
	}
	if c.Outbox.WideSpreadPct <= 0 {
		c.Outbox.WideSpreadPct = 0.20
	}
	if c.Outbox.FallbackPct <= 0 {
		c.Outbox.FallbackPct = 0.10
	}
	if c.Outbox.CleanupSchedule == "" {
		c.Outbox.CleanupSchedule = "@hourly"
	}
	if c.Reconciler.Schedule == "" {
		c.Reconciler.Schedule = "@every 5m"
	}
	if c.Reconciler.NotFoundThreshold <= 0 {
		c.Reconciler.NotFoundThreshold = 3
	}
	if c.Reconciler.ZombieOrderAgeMin <= 0 {
		c.Reconciler.ZombieOrderAgeMin = 30
	}
	if c.Reconciler.LockName == "" {
		c.Reconciler.LockName = "tradecore:reconciler"
	}
	if c.Reconciler.RecentDiscrepancies <= 0 {
		c.Reconciler.RecentDiscrepancies = 50
	}
	if c.Degradation.FailThresholdCount <= 0 {
		c.Degradation.FailThresholdCount = 3
	}
	if c.Degradation.FailThresholdSeconds <= 0 {
		c.Degradation.FailThresholdSeconds = 60
	}
	if c.Degradation.RecoveryStableSeconds <= 0 {
		c.Degradation.RecoveryStableSeconds = 120
	}
	if c.Degradation.MinSafeModeSeconds <= 0 {
		c.Degradation.MinSafeModeSeconds = 60
	}
	if c.Degradation.OverrideSweepSchedule == "" {
		c.Degradation.OverrideSweepSchedule = "@every 10s"
	}
	if c.Alerts.Workers <= 0 {
		c.Alerts.Workers = 2
	}
	if c.Alerts.QueueSize <= 0 {
		c.Alerts.QueueSize = 256
	}
	if c.Alerts.DetailsMaxKiB <= 0 {
		c.Alerts.DetailsMaxKiB = 8
	}
	if c.Alerts.TimeBucketMin <= 0 {
		c.Alerts.TimeBucketMin = 15
	}
	if c.Alerts.TimeoutMS <= 0 {
		c.Alerts.TimeoutMS = 10000
	}
	if c.Audit.MaxValueKiB <= 0 {
		c.Audit.MaxValueKiB = 16
	}
	if c.Audit.QueueSize <= 0 {
		c.Audit.QueueSize = 1024
	}
	if c.Audit.FlushIntervalMS <= 0 {
		c.Audit.FlushIntervalMS = 200
	}
	if c.Audit.BatchSize <= 0 {
		c.Audit.BatchSize = 50
	}
	if c.WAL.MaxEntries <= 0 {
		c.WAL.MaxEntries = 10000
	}
	if c.WAL.MaxBytes <= 0 {
		c.WAL.MaxBytes = 64 << 20
	}
	if c.WAL.MaxAgeSec <= 0 {
		c.WAL.MaxAgeSec = 300
	}
	if c.Bus.QueueSize <= 0 {
		c.Bus.QueueSize = 1024
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.TimeoutMS <= 0 {
		c.Server.TimeoutMS = 10000
	}
	if c.Database.IdempotencyTTL <= 0 {
		c.Database.IdempotencyTTL = 86400
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.App.TradeEnv != "SIMULATE" && c.App.TradeEnv != "PROD" {
		errs = append(errs, ValidationError{
			Field: "app.trade_env", Value: c.App.TradeEnv,
			Message: "must be SIMULATE or PROD",
		}.Error())
	}
	if c.Database.URL == "" {
		errs = append(errs, ValidationError{
			Field: "database.url", Message: "database URL is required",
		}.Error())
	}
	if c.Broker.Name == "" {
		errs = append(errs, ValidationError{
			Field: "broker.name", Message: "broker name is required",
		}.Error())
	}
	if c.App.TradeEnv == "PROD" && c.Broker.Name != "mock" {
		if c.Broker.APIKey == "" || c.Broker.SecretKey == "" {
			errs = append(errs, ValidationError{
				Field: "broker.api_key", Message: "broker credentials are required in PROD",
			}.Error())
		}
	}
	if c.Risk.DailyLossLimit < 0 {
		errs = append(errs, ValidationError{
			Field: "risk.daily_loss_limit", Value: c.Risk.DailyLossLimit,
			Message: "must be non-negative",
		}.Error())
	}
	if c.Risk.MaxDrawdownPct < 0 || c.Risk.MaxDrawdownPct > 1 {
		errs = append(errs, ValidationError{
			Field: "risk.max_drawdown_pct", Value: c.Risk.MaxDrawdownPct,
			Message: "must be within [0, 1]",
		}.Error())
	}
	if c.Outbox.Workers > 16 {
		errs = append(errs, ValidationError{
			Field: "outbox.workers", Value: c.Outbox.Workers,
			Message: "must be at most 16",
		}.Error())
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	levelOK := false
	for _, lvl := range validLevels {
		if strings.ToUpper(c.System.LogLevel) == lvl {
			levelOK = true
			break
		}
	}
	if !levelOK {
		errs = append(errs, ValidationError{
			Field: "system.log_level", Value: c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// String returns a string representation of the configuration (with secrets masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Broker.APIKey = maskString(c.Broker.APIKey)
	configCopy.Broker.SecretKey = maskString(c.Broker.SecretKey)
	configCopy.Database.URL = maskString(c.Database.URL)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			AccountID: "acct-test",
			TradeEnv:  "SIMULATE",
		},
		Database: DatabaseConfig{
			URL:       "postgres://localhost:5432/tradecore_test",
			TimeoutMS: 3000,
		},
		Broker: BrokerConfig{
			Name:      "mock",
			TimeoutMS: 5000,
			RateLimit: 10,
		},
		MarketData: MarketDataConfig{
			TimeoutMS:      5000,
			MaxStalenessMS: 10000,
		},
		Risk: RiskConfig{
			MaxQtyPerOrder: 1000,
			MaxOrderValue:  100000,
			MaxPositionPct: 0.25,
			MaxPositions:   20,
			MaxExposurePct: 0.80,
			DailyLossLimit: 1000,
			MaxDrawdownPct: 0.10,
		},
		Greeks: GreeksConfig{
			Enabled:             false,
			MaxStalenessSeconds: 60,
		},
		System: SystemConfig{LogLevel: "INFO"},
	}
	cfg.applyDefaults()
	return cfg
}
