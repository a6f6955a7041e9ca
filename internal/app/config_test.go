package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"REDIS_ADDR", "LOCK_BACKEND", "LOCK_STRICT", "RETRY_MAX_ATTEMPTS", "CORS_ALLOWED_ORIGINS", "DOCSTORE_ENABLED", "LOCK_TTL", "SHEETS_READ_TIMEOUT", "SHEETS_WRITE_TIMEOUT", "DOCSTORE_TIMEOUT"} {
		t.Setenv(k, "")
	}
	cfg := LoadConfig(logger.NewNop())
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.LockBackend)
	assert.True(t, cfg.DocStoreEnabled)
	assert.False(t, cfg.LockStrict)
	assert.Equal(t, 60, cfg.LockMaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.LockRetryInterval)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, "CG", cfg.BusinessIDPrefix)
	assert.Equal(t, time.Hour, cfg.EventDedupTTL)
	assert.Empty(t, cfg.CORSOrigins)
	assert.Equal(t, 60*time.Second, cfg.LockTTL)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidateLockTTLCoversWriteBudget(t *testing.T) {
	cfg := Config{
		DocStoreEnabled:    true,
		DocStoreTimeout:    5 * time.Second,
		SheetsReadTimeout:  30 * time.Second,
		SheetsWriteTimeout: 10 * time.Second,
		LockTTL:            30 * time.Second,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCK_TTL")

	cfg.LockTTL = 45 * time.Second
	assert.NoError(t, cfg.Validate())

	cfg.DocStoreEnabled = false
	cfg.LockTTL = 40 * time.Second
	assert.NoError(t, cfg.Validate(), "sheet-only writes skip the document store timeout")

	cfg.LockTTL = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOCK_STRICT", "true")
	t.Setenv("DOCSTORE_ENABLED", "false")
	t.Setenv("RETRY_POLL_INTERVAL", "2s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://crm.example.com, https://ops.example.com ,")

	cfg := LoadConfig(logger.NewNop())
	assert.Equal(t, "redis", cfg.LockBackend)
	assert.True(t, cfg.LockStrict)
	assert.False(t, cfg.DocStoreEnabled)
	assert.Equal(t, 2*time.Second, cfg.RetryPollInterval)
	assert.Equal(t, []string{"https://crm.example.com", "https://ops.example.com"}, cfg.CORSOrigins)
}
