package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 3, cfg.MaxPickupAttempts)
	assert.Equal(t, 7, cfg.PhotoRetentionDays)
	assert.Equal(t, 0.85, cfg.PhotoMatchThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.PhotoRetention())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MAX_PICKUP_ATTEMPTS", "5")
	t.Setenv("PHOTO_MATCH_THRESHOLD", "0.9")
	t.Setenv("PHOTO_RETENTION_DAYS", "2")
	t.Setenv("SWEEP_INTERVAL", "30m")

	cfg := Load()
	assert.Equal(t, 5, cfg.MaxPickupAttempts)
	assert.Equal(t, 0.9, cfg.PhotoMatchThreshold)
	assert.Equal(t, 48*time.Hour, cfg.PhotoRetention())
	assert.Equal(t, 30*time.Minute, cfg.SweepInterval)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("MAX_PICKUP_ATTEMPTS", "many")
	t.Setenv("PHOTO_MATCH_THRESHOLD", "high")
	t.Setenv("FACE_SKIP", "maybe")

	cfg := Load()
	assert.Equal(t, 3, cfg.MaxPickupAttempts)
	assert.Equal(t, 0.85, cfg.PhotoMatchThreshold)
	assert.True(t, cfg.FaceSkip)
}
