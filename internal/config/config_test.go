package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.Equal(t, 8*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, 2, cfg.Provider.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.Dunning.Interval)
	assert.Equal(t, 5*time.Second, cfg.Notification.Timeout)
	assert.Equal(t, 30, cfg.Billing.DefaultIntervalDays)
	assert.Equal(t, "https://api.stripe.com", cfg.Stripe.BaseURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://billing@localhost/billing")
	t.Setenv("PROVIDER_TIMEOUT", "6s")
	t.Setenv("DUNNING_SWEEP_INTERVAL", "1h")
	t.Setenv("BILLING_PLAN_INTERVALS", "pro=30, yearly=365")
	t.Setenv("MERCADOPAGO_BASE_URL", "http://mp.local/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, time.Hour, cfg.Dunning.Interval)
	assert.Equal(t, "http://mp.local", cfg.MercadoPago.BaseURL)
	assert.Equal(t, 365, cfg.Billing.IntervalDays("yearly"))
	assert.Equal(t, 30, cfg.Billing.IntervalDays("pro"))
	assert.Equal(t, 30, cfg.Billing.IntervalDays("unknown"))
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "postgres without url", env: map[string]string{"STORE_DRIVER": "postgres", "DATABASE_URL": ""}},
		{name: "unknown driver", env: map[string]string{"STORE_DRIVER": "mongo"}},
		{name: "bad plan interval", env: map[string]string{"STORE_DRIVER": "memory", "BILLING_PLAN_INTERVALS": "pro=abc"}},
		{name: "missing equals", env: map[string]string{"STORE_DRIVER": "memory", "BILLING_PLAN_INTERVALS": "pro"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
