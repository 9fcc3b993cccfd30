package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "hook-secret")
	t.Setenv("JWT_SECRET", "jwt-secret")
	t.Setenv("ADMIN_API_TOKEN", "admin-token")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Ledger.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Sessions.HeartbeatTimeout)
	assert.Equal(t, "hook-secret", cfg.Billing.WebhookSecret)
	assert.True(t, cfg.Billing.Products["tokens_120"].Equal(mustDecimal(t, "120")))
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LEDGER_BACKEND", "Postgres")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("SESSION_HEARTBEAT_TIMEOUT", "45s")
	t.Setenv("SERVER_PORT", "9000")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Ledger.Backend)
	assert.Equal(t, "pw", cfg.Database.Password)
	assert.Equal(t, 45*time.Second, cfg.Sessions.HeartbeatTimeout)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr())
}

func TestLoadConfigMissingSecrets(t *testing.T) {
	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_SECRET is required")
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "ADMIN_API_TOKEN is required")
}

func TestLoadConfigPostgresNeedsPassword(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LEDGER_BACKEND", "postgres")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PASSWORD")
}

func TestLoadConfigUnknownBackend(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LEDGER_BACKEND", "sqlite")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown LEDGER_BACKEND")
}

func TestLoadConfigProductsFromFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "billing:\n  products:\n    starter_pack: \"50\"\n    half_pack: \"2.5\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Len(t, cfg.Billing.Products, 2)
	assert.True(t, cfg.Billing.Products["starter_pack"].Equal(mustDecimal(t, "50")))
	assert.True(t, cfg.Billing.Products["half_pack"].Equal(mustDecimal(t, "2.5")))
}

func TestLoadConfigRejectsBadProductAmount(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "billing:\n  products:\n    broken: \"-3\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestLoadConfigNotificationWebhookNeedsSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NOTIFY_WEBHOOK_URL", "https://hooks.example.com/ledger")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOTIFY_WEBHOOK_SECRET")

	t.Setenv("NOTIFY_WEBHOOK_SECRET", "notify-secret")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/ledger", cfg.Notifications.WebhookURL)
	assert.Equal(t, 3, cfg.Notifications.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Notifications.Timeout)
}

func TestLoadLedgerConfigSkipsServiceSecrets(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "redis")

	_, err := LoadLedgerConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ENABLED")
	assert.NotContains(t, err.Error(), "JWT_SECRET")

	t.Setenv("REDIS_ENABLED", "true")
	cfg, err := LoadLedgerConfig("")
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Ledger.Backend)
}
