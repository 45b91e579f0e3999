package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigExpandsEnvAndDefaults(t *testing.T) {
	t.Setenv("TEST_DB_URL", "postgres://db:5432/core")

	path := writeConfig(t, `
app:
  account_id: acct-1
database:
  url: ${TEST_DB_URL}
broker:
  name: mock
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://db:5432/core", cfg.Database.URL)
	assert.Equal(t, "SIMULATE", cfg.App.TradeEnv)
	assert.Equal(t, 2, cfg.Outbox.Workers)
	assert.Equal(t, 0.05, cfg.Outbox.CrossPct)
	assert.Equal(t, 0.20, cfg.Outbox.WideSpreadPct)
	assert.Equal(t, 0.10, cfg.Outbox.FallbackPct)
	assert.Equal(t, "@every 5m", cfg.Reconciler.Schedule)
	assert.Equal(t, 86400, cfg.Database.IdempotencyTTL)
	assert.Equal(t, "INFO", cfg.System.LogLevel)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidateRejectsBadTradeEnv(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.TradeEnv = "STAGING"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.trade_env")
}

func TestValidateRequiresCredentialsInProd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.TradeEnv = "PROD"
	cfg.Broker.Name = "alpaca"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker credentials are required in PROD")

	cfg.Broker.APIKey = "key"
	cfg.Broker.SecretKey = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestValidateCapsOutboxWorkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Outbox.Workers = 32

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outbox.workers")
}

func TestValidateDrawdownRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Risk.MaxDrawdownPct = 1.5

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk.max_drawdown_pct")
}

func TestTimeoutFallbacks(t *testing.T) {
	assert.Equal(t, 3*time.Second, DatabaseConfig{}.Timeout())
	assert.Equal(t, 250*time.Millisecond, DatabaseConfig{TimeoutMS: 250}.Timeout())
	assert.Equal(t, 5*time.Second, BrokerConfig{}.Timeout())
	assert.Equal(t, 5*time.Second, MarketDataConfig{}.Timeout())
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.APIKey = "verysecretapikey"
	cfg.Broker.SecretKey = "short"

	out := cfg.String()
	assert.NotContains(t, out, "verysecretapikey")
	assert.Contains(t, out, "very")
	assert.NotContains(t, out, "short")
	assert.False(t, strings.Contains(out, cfg.Database.URL))
}
