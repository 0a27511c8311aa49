package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CASARE_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("CASARE_LEASE_MISS_FACTOR", "5")
	t.Setenv("CASARE_MAX_RETRY_ATTEMPTS", "7")
	t.Setenv("CASARE_TENANT_RATE_PER_MINUTE", "120")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5, cfg.LeaseMissFactor)
	assert.Equal(t, 7, cfg.MaxRetryAttempts)
	assert.Equal(t, 120, cfg.TenantRatePerMinute)
	assert.Equal(t, 50*time.Second, cfg.LeaseTimeout())

	// Untouched knobs keep their defaults.
	assert.Equal(t, Default().CancelGracePeriod, cfg.CancelGracePeriod)
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("CASARE_RETRY_INITIAL_DELAY", "soon")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"zero heartbeat":        func(c *Config) { c.HeartbeatInterval = 0 },
		"zero miss factor":      func(c *Config) { c.LeaseMissFactor = 0 },
		"negative retries":      func(c *Config) { c.MaxRetryAttempts = -1 },
		"max below initial":     func(c *Config) { c.RetryMaxDelay = c.RetryInitialDelay / 2 },
		"zero dispatch tick":    func(c *Config) { c.DispatchTickInterval = 0 },
		"zero cancel grace":     func(c *Config) { c.CancelGracePeriod = 0 },
		"zero log retention":    func(c *Config) { c.LogRetentionDays = 0 },
		"zero offline misses":   func(c *Config) { c.OfflineAfterMisses = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLeaseAndOfflineWindows(t *testing.T) {
	cfg := Default()
	cfg.HeartbeatInterval = 20 * time.Second
	cfg.LeaseMissFactor = 3
	cfg.OfflineAfterMisses = 4

	assert.Equal(t, time.Minute, cfg.LeaseTimeout())
	assert.Equal(t, 80*time.Second, cfg.OfflineCutoff())
}
