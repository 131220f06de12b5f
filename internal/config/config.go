package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/segmentation"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Rules     RulesConfig     `yaml:"rules"`
	Campaigns CampaignsConfig `yaml:"campaigns"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Sender    SenderConfig    `yaml:"sender"`
	SES       SESConfig       `yaml:"ses"`
	SQS       SQSConfig       `yaml:"sqs"`
	Customers CustomersConfig `yaml:"customers"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port               int      `yaml:"port"`
	Host               string   `yaml:"host"`
	CORSOrigins        []string `yaml:"cors_origins"`
	ReadTimeoutSeconds int      `yaml:"read_timeout_seconds"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ReadTimeout returns the read timeout as a duration
func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection used for distributed locks. An
// empty URL falls back to Postgres advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// RulesConfig bounds segment rule trees and declares extra customer fields.
type RulesConfig struct {
	Limits      segmentation.Limits `yaml:"limits"`
	ExtraFields map[string]string   `yaml:"extra_fields"`
}

// Schema returns the built-in field schema extended with ExtraFields.
func (c RulesConfig) Schema() (segmentation.Schema, error) {
	extra := make(map[string]segmentation.FieldType, len(c.ExtraFields))
	for name, typ := range c.ExtraFields {
		ft := segmentation.FieldType(typ)
		if !ft.Valid() {
			return nil, fmt.Errorf("rules.extra_fields.%s: unknown field type %q", name, typ)
		}
		extra[name] = ft
	}
	return segmentation.DefaultSchema().With(extra), nil
}

// CampaignsConfig holds dispatch and status settings.
type CampaignsConfig struct {
	AllFailedPolicy   string `yaml:"all_failed_policy"`
	DispatchBatchSize int    `yaml:"dispatch_batch_size"`
}

// DeliveryConfig holds staleness and callback settings.
type DeliveryConfig struct {
	Stale                delivery.StalePolicy `yaml:"stale"`
	SweepIntervalSeconds int                  `yaml:"sweep_interval_seconds"`
	ConflictRetries      int                  `yaml:"conflict_retries"`
}

// SweepInterval returns the sweep interval as a duration
func (c DeliveryConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// SenderConfig holds the outbound send worker settings.
type SenderConfig struct {
	Transport             string  `yaml:"transport"` // "ses" or "log"
	IntervalSeconds       int     `yaml:"interval_seconds"`
	CampaignsPerPass      int     `yaml:"campaigns_per_pass"`
	BatchSize             int     `yaml:"batch_size"`
	Concurrency           int     `yaml:"concurrency"`
	RatePerSecond         float64 `yaml:"rate_per_second"`
	Burst                 int     `yaml:"burst"`
	MaxAttempts           int     `yaml:"max_attempts"`
	LockTTLSeconds        int     `yaml:"lock_ttl_seconds"`
	BreakerFailureRatio   float64 `yaml:"breaker_failure_ratio"`
	BreakerMinRequests    int     `yaml:"breaker_min_requests"`
	BreakerTimeoutSeconds int     `yaml:"breaker_timeout_seconds"`
	FromName              string  `yaml:"from_name"`
	FromEmail             string  `yaml:"from_email"`
}

// Interval returns the polling interval as a duration
func (c SenderConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// LockTTL returns the per-campaign lock TTL as a duration
func (c SenderConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// LockRefresh returns how often a held campaign lock is extended: a third
// of its TTL, so two refreshes can be missed before it lapses.
func (c SenderConfig) LockRefresh() time.Duration {
	return c.LockTTL() / 3
}

// SESConfig holds AWS SES configuration
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// SQSConfig holds the delivery-event queue settings.
type SQSConfig struct {
	DeliveryQueueURL string `yaml:"delivery_queue_url"`
	Region           string `yaml:"region"`
	BatchSize        int    `yaml:"batch_size"`
	WaitSeconds      int    `yaml:"wait_seconds"`
}

// CustomersConfig selects where customer attributes are read from.
type CustomersConfig struct {
	Source   string `yaml:"source"` // "postgres" or "s3"
	PageSize int    `yaml:"page_size"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Key    string `yaml:"s3_key"`
	S3Region string `yaml:"s3_region"`
}

// TrackingConfig holds open/click tracking link settings. Tracking is off
// when BaseURL is empty.
type TrackingConfig struct {
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether recipient addresses are masked. Defaults to true.
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"http://localhost:3000"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Campaigns.AllFailedPolicy == "" {
		cfg.Campaigns.AllFailedPolicy = string(delivery.AllFailedCompleted)
	}
	if cfg.Campaigns.DispatchBatchSize == 0 {
		cfg.Campaigns.DispatchBatchSize = 1000
	}

	def := delivery.DefaultStalePolicy()
	if cfg.Delivery.Stale.Queued.Action == "" {
		cfg.Delivery.Stale.Queued = def.Queued
	}
	if cfg.Delivery.Stale.Sent.Action == "" {
		cfg.Delivery.Stale.Sent = def.Sent
	}
	if cfg.Delivery.Stale.BatchSize == 0 {
		cfg.Delivery.Stale.BatchSize = def.BatchSize
	}
	if cfg.Delivery.SweepIntervalSeconds == 0 {
		cfg.Delivery.SweepIntervalSeconds = 120
	}
	if cfg.Delivery.ConflictRetries == 0 {
		cfg.Delivery.ConflictRetries = 5
	}

	if cfg.Sender.Transport == "" {
		cfg.Sender.Transport = "log"
	}
	if cfg.Sender.IntervalSeconds == 0 {
		cfg.Sender.IntervalSeconds = 10
	}
	if cfg.Sender.Concurrency == 0 {
		cfg.Sender.Concurrency = 8
	}
	if cfg.Sender.MaxAttempts == 0 {
		cfg.Sender.MaxAttempts = 3
	}
	if cfg.Sender.LockTTLSeconds == 0 {
		cfg.Sender.LockTTLSeconds = 300
	}

	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SQS.Region == "" {
		cfg.SQS.Region = cfg.SES.Region
	}
	if cfg.SQS.BatchSize == 0 {
		cfg.SQS.BatchSize = 10
	}
	if cfg.SQS.WaitSeconds == 0 {
		cfg.SQS.WaitSeconds = 20
	}
	if cfg.Customers.Source == "" {
		cfg.Customers.Source = "postgres"
	}
	if cfg.Customers.PageSize == 0 {
		cfg.Customers.PageSize = 5000
	}
	if cfg.Customers.S3Region == "" {
		cfg.Customers.S3Region = cfg.SES.Region
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate reports settings that would fail at runtime.
func (cfg *Config) Validate() error {
	var errs []error
	if _, err := delivery.ParseAllFailedPolicy(cfg.Campaigns.AllFailedPolicy); err != nil {
		errs = append(errs, fmt.Errorf("campaigns.all_failed_policy: %w", err))
	}
	if err := cfg.Delivery.Stale.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("delivery.stale: %w", err))
	}
	if _, err := cfg.Rules.Schema(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Sender.LockTTLSeconds < 3 {
		errs = append(errs, fmt.Errorf("sender.lock_ttl_seconds: must be at least 3, got %d", cfg.Sender.LockTTLSeconds))
	}
	switch cfg.Sender.Transport {
	case "log":
	case "ses":
		if cfg.Sender.FromEmail == "" {
			errs = append(errs, errors.New("sender.from_email is required for the ses transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("sender.transport: unknown transport %q", cfg.Sender.Transport))
	}
	switch cfg.Customers.Source {
	case "postgres":
	case "s3":
		if cfg.Customers.S3Bucket == "" || cfg.Customers.S3Key == "" {
			errs = append(errs, errors.New("customers.s3_bucket and customers.s3_key are required for the s3 source"))
		}
	default:
		errs = append(errs, fmt.Errorf("customers.source: unknown source %q", cfg.Customers.Source))
	}
	if cfg.Tracking.BaseURL != "" && cfg.Tracking.Secret == "" {
		errs = append(errs, errors.New("tracking.secret is required when tracking.base_url is set"))
	}
	return errors.Join(errs...)
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars when deployed.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("SQS_DELIVERY_QUEUE_URL"); v != "" {
		cfg.SQS.DeliveryQueueURL = v
	}
	if v := os.Getenv("CUSTOMER_S3_BUCKET"); v != "" {
		cfg.Customers.S3Bucket = v
	}
	if v := os.Getenv("TRACKING_SECRET"); v != "" {
		cfg.Tracking.Secret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}
