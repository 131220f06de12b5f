package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/segmentation"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"
  cors_origins: ["https://app.example.com"]

database:
  url: "postgres://localhost/pipeline"

rules:
  limits:
    max_depth: 8
  extra_fields:
    loyalty_tier: string

campaigns:
  all_failed_policy: failed
  dispatch_batch_size: 250

delivery:
  stale:
    queued:
      after: 30m
      action: requeue
    sent:
      after: 48h
      action: fail
  sweep_interval_seconds: 60

sender:
  transport: ses
  concurrency: 4
  rate_per_second: 12.5
  from_email: "news@example.com"

customers:
  source: s3
  s3_bucket: crm-exports
  s3_key: customers.ndjson.gz
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "postgres://localhost/pipeline", cfg.Database.URL)
	assert.Equal(t, 8, cfg.Rules.Limits.MaxDepth)
	assert.Equal(t, "failed", cfg.Campaigns.AllFailedPolicy)
	assert.Equal(t, 250, cfg.Campaigns.DispatchBatchSize)

	assert.Equal(t, 30*time.Minute, cfg.Delivery.Stale.Queued.After)
	assert.Equal(t, delivery.StaleRequeue, cfg.Delivery.Stale.Queued.Action)
	assert.Equal(t, 48*time.Hour, cfg.Delivery.Stale.Sent.After)
	assert.Equal(t, time.Minute, cfg.Delivery.SweepInterval())

	assert.Equal(t, "ses", cfg.Sender.Transport)
	assert.Equal(t, 4, cfg.Sender.Concurrency)
	assert.Equal(t, 12.5, cfg.Sender.RatePerSecond)
	assert.Equal(t, "s3", cfg.Customers.Source)

	schema, err := cfg.Rules.Schema()
	require.NoError(t, err)
	assert.Equal(t, segmentation.FieldString, schema["loyalty_tier"])
	assert.Equal(t, segmentation.FieldDecimal, schema["total_spent"])
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 8081\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "completed", cfg.Campaigns.AllFailedPolicy)
	assert.Equal(t, delivery.DefaultStalePolicy(), cfg.Delivery.Stale)
	assert.Equal(t, 2*time.Minute, cfg.Delivery.SweepInterval())
	assert.Equal(t, "log", cfg.Sender.Transport)
	assert.Equal(t, 10*time.Second, cfg.Sender.Interval())
	assert.Equal(t, 5*time.Minute, cfg.Sender.LockTTL())
	assert.Equal(t, 100*time.Second, cfg.Sender.LockRefresh())
	assert.Equal(t, "postgres", cfg.Customers.Source)
	assert.Equal(t, "us-east-1", cfg.SQS.Region)
	assert.True(t, cfg.Log.Redact())
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
campaigns:
  all_failed_policy: sometimes
delivery:
  stale:
    sent:
      after: 1h
      action: requeue
sender:
  transport: ses
  lock_ttl_seconds: 1
customers:
  source: s3
tracking:
  base_url: https://t.example.com
rules:
  extra_fields:
    vip: money
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"campaigns.all_failed_policy",
		"delivery.stale",
		"sender.from_email",
		"sender.lock_ttl_seconds",
		"customers.s3_bucket",
		"tracking.secret",
		"rules.extra_fields.vip",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://file/db"
`)
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("REDIS_URL", "redis://env:6379/0")
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("SQS_DELIVERY_QUEUE_URL", "https://sqs.example/queue")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.Equal(t, "redis://env:6379/0", cfg.Redis.URL)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "https://sqs.example/queue", cfg.SQS.DeliveryQueueURL)
}

func TestLoadFromEnv_BadPort(t *testing.T) {
	t.Setenv("SERVER_PORT", "eighty")
	_, err := LoadFromEnv(writeConfig(t, "{}\n"))
	assert.Error(t, err)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
