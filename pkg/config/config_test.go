package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, 60*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.ClaimTimeout)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Hour, cfg.RefreshTimeout)
	assert.Equal(t, time.Hour, cfg.CoordinatorWaitTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 3, cfg.SubtaskRetryMax)
	assert.Equal(t, "lake", cfg.LakeSchema)
	assert.False(t, cfg.SchedulerEmbedded)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "15s")
	t.Setenv("CLAIM_TIMEOUT", "120")
	t.Setenv("SCHEDULER_EMBEDDED", "true")
	t.Setenv("MAX_RETRIES", "5")

	cfg := FromEnv()
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	// bare integers read as seconds
	assert.Equal(t, 2*time.Minute, cfg.ClaimTimeout)
	assert.True(t, cfg.SchedulerEmbedded)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestHardShutdownDeadline(t *testing.T) {
	cfg := Config{ClaimTimeout: 5 * time.Minute}
	assert.Equal(t, 10*time.Minute, cfg.HardShutdownDeadline())
}
