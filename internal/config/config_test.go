package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, "device-exports", cfg.RawBucket)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 100, cfg.BatchLimit)
	assert.Equal(t, 10*time.Minute, cfg.LeaseTimeout)
	assert.Equal(t, 30*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, "@every 1m", cfg.DispatchSpec)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCOUT_MAX_ATTEMPTS", "5")
	t.Setenv("SCOUT_BATCH_LIMIT", "250")
	t.Setenv("SCOUT_LEASE_TIMEOUT", "3m")
	t.Setenv("SCOUT_S3_USE_SSL", "true")
	t.Setenv("SCOUT_BREAKER_FAILURE_RATE", "0.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 250, cfg.BatchLimit)
	assert.Equal(t, 3*time.Minute, cfg.LeaseTimeout)
	assert.True(t, cfg.S3UseSSL)
	assert.Equal(t, 0.5, cfg.BreakerFailureRate)
}

func TestLoadClampsNonsense(t *testing.T) {
	t.Setenv("SCOUT_MAX_ATTEMPTS", "-2")
	t.Setenv("SCOUT_BREAKER_FAILURE_RATE", "7")
	t.Setenv("SCOUT_RETRY_MAX_DELAY", "1ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 0.9, cfg.BreakerFailureRate)
	assert.GreaterOrEqual(t, cfg.RetryMaxDelay, cfg.RetryBaseDelay)
}
