// Package config holds the orchestration timing knobs shared by the queue,
// registry, transport, dispatcher, scheduler and maintenance components.
// Values load from CASARE_* environment variables with production defaults;
// cmd/server additionally exposes the listen addresses and database settings
// as flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full orchestration configuration.
type Config struct {
	// Heartbeats and leases.
	HeartbeatInterval      time.Duration // expected robot heartbeat cadence
	LeaseMissFactor        int           // lease is stale after HeartbeatInterval * LeaseMissFactor
	StaleLockSweepInterval time.Duration // how often the stale-lock sweep runs
	OfflineAfterMisses     int           // robot goes offline after this many missed heartbeats

	// Retries.
	MaxRetryAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// Scheduling and dispatch.
	SchedulerTickInterval time.Duration
	DispatchTickInterval  time.Duration
	AssignAckTimeout      time.Duration // robot must ACCEPT/REJECT an ASSIGN within this

	// Cancellation and drain.
	CancelGracePeriod time.Duration // cooperative cancel window before forced termination
	DrainDeadline     time.Duration // session drain window before force close

	// Admission control.
	MaxActiveJobs       int // global cap on claimed+running jobs, 0 = unlimited
	TenantRatePerMinute int // per-tenant enqueue rate limit, 0 = unlimited

	// Retention.
	LogRetentionDays int
	DLQMaxAgeDays    int // 0 = keep forever
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		HeartbeatInterval:      30 * time.Second,
		LeaseMissFactor:        3,
		StaleLockSweepInterval: 60 * time.Second,
		OfflineAfterMisses:     3,
		MaxRetryAttempts:       3,
		RetryInitialDelay:      time.Second,
		RetryMaxDelay:          5 * time.Minute,
		SchedulerTickInterval:  time.Second,
		DispatchTickInterval:   5 * time.Second,
		AssignAckTimeout:       10 * time.Second,
		CancelGracePeriod:      30 * time.Second,
		DrainDeadline:          60 * time.Second,
		MaxActiveJobs:          0,
		TenantRatePerMinute:    0,
		LogRetentionDays:       30,
		DLQMaxAgeDays:          0,
	}
}

// FromEnv returns the defaults overridden by any CASARE_* variables set in
// the environment. Malformed values are reported, not silently ignored.
func FromEnv() (Config, error) {
	cfg := Default()
	var err error

	set := func(dst *time.Duration, key string) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = fmt.Errorf("config: %s: %w", key, perr)
				return
			}
			*dst = d
		}
	}
	setInt := func(dst *int, key string) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("config: %s: %w", key, perr)
				return
			}
			*dst = n
		}
	}

	set(&cfg.HeartbeatInterval, "CASARE_HEARTBEAT_INTERVAL")
	setInt(&cfg.LeaseMissFactor, "CASARE_LEASE_MISS_FACTOR")
	set(&cfg.StaleLockSweepInterval, "CASARE_STALE_LOCK_SWEEP_INTERVAL")
	setInt(&cfg.OfflineAfterMisses, "CASARE_OFFLINE_AFTER_MISSES")
	setInt(&cfg.MaxRetryAttempts, "CASARE_MAX_RETRY_ATTEMPTS")
	set(&cfg.RetryInitialDelay, "CASARE_RETRY_INITIAL_DELAY")
	set(&cfg.RetryMaxDelay, "CASARE_RETRY_MAX_DELAY")
	set(&cfg.SchedulerTickInterval, "CASARE_SCHEDULER_TICK_INTERVAL")
	set(&cfg.DispatchTickInterval, "CASARE_DISPATCH_TICK_INTERVAL")
	set(&cfg.AssignAckTimeout, "CASARE_ASSIGN_ACK_TIMEOUT")
	set(&cfg.CancelGracePeriod, "CASARE_CANCEL_GRACE_PERIOD")
	set(&cfg.DrainDeadline, "CASARE_DRAIN_DEADLINE")
	setInt(&cfg.MaxActiveJobs, "CASARE_MAX_ACTIVE_JOBS")
	setInt(&cfg.TenantRatePerMinute, "CASARE_TENANT_RATE_PER_MINUTE")
	setInt(&cfg.LogRetentionDays, "CASARE_LOG_RETENTION_DAYS")
	setInt(&cfg.DLQMaxAgeDays, "CASARE_DLQ_MAX_AGE_DAYS")

	if err != nil {
		return Config{}, err
	}
	if verr := cfg.Validate(); verr != nil {
		return Config{}, verr
	}
	return cfg, nil
}

// Validate rejects configurations that would break the lease protocol.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat interval must be positive")
	}
	if c.LeaseMissFactor < 1 {
		return fmt.Errorf("config: lease miss factor must be at least 1")
	}
	if c.OfflineAfterMisses < 1 {
		return fmt.Errorf("config: offline after misses must be at least 1")
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("config: max retry attempts must not be negative")
	}
	if c.RetryInitialDelay <= 0 || c.RetryMaxDelay < c.RetryInitialDelay {
		return fmt.Errorf("config: retry delays must be positive and max >= initial")
	}
	if c.SchedulerTickInterval <= 0 || c.DispatchTickInterval <= 0 {
		return fmt.Errorf("config: tick intervals must be positive")
	}
	if c.AssignAckTimeout <= 0 || c.CancelGracePeriod <= 0 || c.DrainDeadline <= 0 {
		return fmt.Errorf("config: protocol timeouts must be positive")
	}
	if c.LogRetentionDays < 1 {
		return fmt.Errorf("config: log retention must be at least one day")
	}
	return nil
}

// LeaseTimeout is how long a job lease survives without a heartbeat before
// the stale-lock sweep reclaims it.
func (c Config) LeaseTimeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.LeaseMissFactor)
}

// OfflineCutoff is how long a robot may stay silent before it is marked
// offline.
func (c Config) OfflineCutoff() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.OfflineAfterMisses)
}
