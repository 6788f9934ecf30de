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

	assert.Equal(t, 3, cfg.Lifecycle.TrialDays)
	assert.Equal(t, 30, cfg.Lifecycle.RenewalPeriodDays)
	assert.Equal(t, 2*time.Second, cfg.Lifecycle.AuthorizerTimeout)
	assert.Equal(t, "@every 30m", cfg.Lifecycle.SweepSchedule)
	assert.Equal(t, 7*24*time.Hour, cfg.Payment.IdempotencyTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RENEWAL_PERIOD_DAYS", "45")
	t.Setenv("LIFECYCLE_SWEEP_LOOKBACK", "6h")
	t.Setenv("ACTIVATION_CODE_MAX_ATTEMPTS", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45, cfg.Lifecycle.RenewalPeriodDays)
	assert.Equal(t, 6*time.Hour, cfg.Lifecycle.SweepLookback)
	assert.Equal(t, 3, cfg.Lifecycle.ActivationCodeMaxAttempts, "attempts are clamped to at least 3")
}

func TestLoadRejectsInvalidTrial(t *testing.T) {
	t.Setenv("LIFECYCLE_TRIAL_DAYS", "400")

	_, err := Load()
	assert.Error(t, err)
}

func TestDatabaseURL(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "fleet", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/fleet?sslmode=disable", c.URL())
	assert.Contains(t, c.DSN(), "dbname=fleet")
}
