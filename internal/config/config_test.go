package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setBaseEnv pins the state dir so Load never touches the user config dir.
func setBaseEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("WARDEN_STATE_DIR", dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.StateDir)
	assert.Equal(t, "127.0.0.1:7171", cfg.Server.Addr)
	assert.Equal(t, ModeHTTP, cfg.Server.Mode)
	assert.Empty(t, cfg.Server.AuthToken)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	assert.Equal(t, "@every 15s", cfg.Health.SampleEvery)
	assert.Equal(t, "@daily", cfg.Health.SweepEvery)
	assert.Equal(t, 2*time.Minute, cfg.Health.StallWarn)
	assert.Equal(t, 10*time.Minute, cfg.Health.StallCritical)
	assert.Equal(t, 3, cfg.Health.FailureStreak)
	assert.InDelta(t, 0.10, cfg.Health.DiskLowRatio, 0.001)
	assert.InDelta(t, 0.90, cfg.Health.MemHighRatio, 0.001)
	assert.InDelta(t, 4.0, cfg.Health.LoadHighPerCore, 0.001)
	assert.Equal(t, 360, cfg.Health.RingSize)

	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 5*time.Minute, cfg.Retry.MaxDelay)
	assert.InDelta(t, 2.0, cfg.Retry.BackoffFactor, 0.001)
	assert.InDelta(t, 0.2, cfg.Retry.JitterRatio, 0.001)
	assert.InDelta(t, 0.5, cfg.Retry.PressureShrink, 0.001)

	assert.Equal(t, time.Hour, cfg.Exec.StepTimeout)
	assert.Equal(t, 10*time.Second, cfg.Exec.HeartbeatEvery)
	assert.Equal(t, 2*time.Second, cfg.Exec.ParkPoll)

	assert.Equal(t, 10, cfg.Retention.Checkpoints)
	assert.Equal(t, 50, cfg.Retention.StepLogs)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.AlertAge)

	assert.False(t, cfg.Notification.Bark.Enabled)
	assert.Empty(t, cfg.Notification.Bark.URL)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGrace)
}

func TestLoadFromEnvironment(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("WARDEN_ADDR", "0.0.0.0:9000")
	t.Setenv("WARDEN_AUTH_TOKEN", "hunter2")
	t.Setenv("WARDEN_SERVER_MODE", "both")
	t.Setenv("WARDEN_LOG_LEVEL", "debug")
	t.Setenv("WARDEN_LOG_FORMAT", "json")
	t.Setenv("WARDEN_HEALTH_SAMPLE_EVERY", "@every 1m")
	t.Setenv("WARDEN_HEALTH_STALL_WARN", "5m")
	t.Setenv("WARDEN_HEALTH_FAILURE_STREAK", "7")
	t.Setenv("WARDEN_RETRY_MAX_ATTEMPTS", "2")
	t.Setenv("WARDEN_RETRY_INITIAL_DELAY", "500ms")
	t.Setenv("WARDEN_RETRY_MAX_DELAY", "30s")
	t.Setenv("WARDEN_RETRY_BACKOFF_FACTOR", "3")
	t.Setenv("WARDEN_STEP_TIMEOUT", "45m")
	t.Setenv("WARDEN_KEEP_CHECKPOINTS", "3")
	t.Setenv("WARDEN_BARK_URL", "https://bark.example/push")
	t.Setenv("WARDEN_BARK_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "hunter2", cfg.Server.AuthToken)
	assert.Equal(t, ModeBoth, cfg.Server.Mode)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "@every 1m", cfg.Health.SampleEvery)
	assert.Equal(t, 5*time.Minute, cfg.Health.StallWarn)
	assert.Equal(t, 7, cfg.Health.FailureStreak)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.InDelta(t, 3.0, cfg.Retry.BackoffFactor, 0.001)
	assert.Equal(t, 45*time.Minute, cfg.Exec.StepTimeout)
	assert.Equal(t, 3, cfg.Retention.Checkpoints)
	assert.True(t, cfg.Notification.Bark.Enabled)
	assert.Equal(t, "https://bark.example/push", cfg.Notification.Bark.URL)
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("WARDEN_SERVER_MODE", "carrier-pigeon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server mode")
}

func TestLoadRejectsInvalidLogFormat(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("WARDEN_LOG_FORMAT", "xml")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
}

func TestLoadClampsOutOfRangeValues(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("WARDEN_RETRY_MAX_ATTEMPTS", "0")
	t.Setenv("WARDEN_RETRY_BACKOFF_FACTOR", "0.5")
	t.Setenv("WARDEN_RETRY_JITTER_RATIO", "1.5")
	t.Setenv("WARDEN_HEALTH_RING_SIZE", "0")
	t.Setenv("WARDEN_KEEP_CHECKPOINTS", "-1")
	t.Setenv("WARDEN_KEEP_STEP_LOGS", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.InDelta(t, 2.0, cfg.Retry.BackoffFactor, 0.001)
	assert.InDelta(t, 0.2, cfg.Retry.JitterRatio, 0.001)
	assert.Equal(t, 360, cfg.Health.RingSize)
	assert.Equal(t, 10, cfg.Retention.Checkpoints)
	assert.Equal(t, 50, cfg.Retention.StepLogs)
}

func TestLoadIgnoresUnparseableValues(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("WARDEN_RETRY_INITIAL_DELAY", "soon")
	t.Setenv("WARDEN_HEALTH_FAILURE_STREAK", "many")
	t.Setenv("WARDEN_HEALTH_DISK_LOW_RATIO", "low")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 3, cfg.Health.FailureStreak)
	assert.InDelta(t, 0.10, cfg.Health.DiskLowRatio, 0.001)
}

func TestLoadBoolParsing(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"yes", true},
		{"false", false},
		{"0", false},
		{"banana", false},
	}
	for _, tc := range tests {
		t.Run(tc.value, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv("WARDEN_BARK_ENABLED", tc.value)

			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.Notification.Bark.Enabled)
		})
	}
}
