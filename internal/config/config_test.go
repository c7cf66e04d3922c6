package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 0.99, cfg.Billing.FullYearPrice)
	assert.Equal(t, "usd", cfg.Billing.Currency)
	assert.Equal(t, 15*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Sweep.ExpiryInterval)
	assert.Equal(t, time.Hour, cfg.Sweep.DriftInterval)
	assert.Equal(t, 4, cfg.Sweep.DriftConcurrency)
	assert.Empty(t, cfg.Gateway.SecretKey)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("BILLING_FULL_YEAR_PRICE", "49.5")
	t.Setenv("BILLING_CURRENCY", "EUR")
	t.Setenv("GATEWAY_TIMEOUT", "3s")
	t.Setenv("SWEEP_ENABLED", "false")
	t.Setenv("SWEEP_DRIFT_CONCURRENCY", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 49.5, cfg.Billing.FullYearPrice)
	assert.Equal(t, "eur", cfg.Billing.Currency)
	assert.Equal(t, 3*time.Second, cfg.Gateway.Timeout)
	assert.False(t, cfg.Sweep.Enabled)
	assert.Equal(t, 4, cfg.Sweep.DriftConcurrency)
}

func TestValidate(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("GATEWAY_SECRET_KEY", "sk_test_123")
	_, err = Load()
	assert.ErrorContains(t, err, "GATEWAY_WEBHOOK_SECRET")

	t.Setenv("GATEWAY_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("BILLING_FULL_YEAR_PRICE", "-1")
	_, err = Load()
	assert.ErrorContains(t, err, "BILLING_FULL_YEAR_PRICE")
}
