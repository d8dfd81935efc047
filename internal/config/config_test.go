package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erauner12/stripesync/internal/db"
)

func TestLoadDefaults(t *testing.T) {
	c := Load()

	assert.Equal(t, "stripe", c.Schema)
	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, "/webhooks", c.WebhookPath)
	assert.Equal(t, 10, c.MaxPostgresConns)
	assert.Equal(t, 4, c.WorkerCount)
	assert.True(t, c.AutoExpandLists)
	assert.True(t, c.BackfillRelated)
	assert.False(t, c.EnableSigma)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/sync")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_abc")
	t.Setenv("ENABLE_SIGMA", "true")
	t.Setenv("AUTO_EXPAND_LISTS", "false")
	t.Setenv("MAX_POSTGRES_CONNECTIONS", "25")
	t.Setenv("WEBHOOK_PATH", "/hooks/stripe")

	c := Load()
	assert.Equal(t, "postgres://localhost/sync", c.DatabaseURL)
	assert.Equal(t, "sk_test_abc", c.StripeKey)
	assert.True(t, c.EnableSigma)
	assert.False(t, c.AutoExpandLists)
	assert.Equal(t, 25, c.MaxPostgresConns)
	assert.Equal(t, "/hooks/stripe", c.WebhookPath)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			DatabaseURL:      "postgres://localhost/sync",
			Schema:           "stripe",
			WebhookPath:      "/webhooks",
			MaxPostgresConns: 10,
			WorkerCount:      4,
		}
	}

	c := base()
	require.NoError(t, c.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }},
		{"empty schema", func(c *Config) { c.Schema = "" }},
		{"schema with quote", func(c *Config) { c.Schema = `str"ipe` }},
		{"relative webhook path", func(c *Config) { c.WebhookPath = "webhooks" }},
		{"zero pool", func(c *Config) { c.MaxPostgresConns = 0 }},
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Equal(t, db.KindConfig, db.KindOf(err))
		})
	}
}

func TestRequireStripeKey(t *testing.T) {
	c := Config{}
	require.Error(t, c.RequireStripeKey())

	c.StripeKey = "sk_test_abc"
	require.NoError(t, c.RequireStripeKey())

	c = Config{MerchantConfigJSON: `[{"host":"x","apiKey":"sk"}]`}
	require.NoError(t, c.RequireStripeKey())
}
