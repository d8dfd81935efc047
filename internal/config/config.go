// Package config binds the process environment into one validated struct.
// Environment is the only source; no config files are read.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/erauner12/stripesync/internal/db"
)

// Config is everything the process reads from the environment. CLI flags
// may override individual fields after Load.
type Config struct {
	DatabaseURL string
	Schema      string

	StripeKey     string
	APIVersion    string
	WebhookSecret string

	MerchantConfigJSON string

	NgrokToken string
	PublicURL  string
	HTTPAddr   string

	WebhookPath        string
	KeepWebhooks       bool
	UseWebsocket       bool
	SkipBackfill       bool
	DisableMigrations  bool
	EnableSigma        bool
	AutoExpandLists    bool
	BackfillRelated    bool
	RevalidateObjects  bool

	MaxPostgresConns int
	WorkerCount      int

	// Webhook ingress rate limiting, keyed per merchant. Disabled until
	// RateLimitMax is set.
	RateLimitWindow int
	RateLimitMax    int
	RateLimitBurst  int

	AdminJWTSecret string
}

// Load reads the environment. Missing optionals take their defaults;
// nothing is validated here so commands can patch in flag overrides
// before calling Validate.
func Load() Config {
	v := viper.New()

	for _, name := range []string{
		"DATABASE_URL",
		"SCHEMA",
		"STRIPE_SECRET_KEY",
		"STRIPE_API_VERSION",
		"STRIPE_WEBHOOK_SECRET",
		"MERCHANT_CONFIG_JSON",
		"NGROK_AUTH_TOKEN",
		"PUBLIC_URL",
		"HTTP_ADDR",
		"WEBHOOK_PATH",
		"KEEP_WEBHOOKS_ON_SHUTDOWN",
		"USE_WEBSOCKET",
		"SKIP_BACKFILL",
		"DISABLE_MIGRATIONS",
		"ENABLE_SIGMA",
		"AUTO_EXPAND_LISTS",
		"BACKFILL_RELATED_ENTITIES",
		"REVALIDATE_OBJECTS_VIA_STRIPE_API",
		"MAX_POSTGRES_CONNECTIONS",
		"WORKER_COUNT",
		"RATE_LIMIT_WINDOW_SECONDS",
		"RATE_LIMIT_MAX_REQUESTS",
		"RATE_LIMIT_BURST",
		"ADMIN_JWT_SECRET",
	} {
		_ = v.BindEnv(name)
	}

	v.SetDefault("SCHEMA", "stripe")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("WEBHOOK_PATH", "/webhooks")
	v.SetDefault("AUTO_EXPAND_LISTS", true)
	v.SetDefault("BACKFILL_RELATED_ENTITIES", true)
	v.SetDefault("MAX_POSTGRES_CONNECTIONS", 10)
	v.SetDefault("WORKER_COUNT", 4)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	v.SetDefault("RATE_LIMIT_BURST", 120)

	return Config{
		DatabaseURL:        v.GetString("DATABASE_URL"),
		Schema:             v.GetString("SCHEMA"),
		StripeKey:          v.GetString("STRIPE_SECRET_KEY"),
		APIVersion:         v.GetString("STRIPE_API_VERSION"),
		WebhookSecret:      v.GetString("STRIPE_WEBHOOK_SECRET"),
		MerchantConfigJSON: v.GetString("MERCHANT_CONFIG_JSON"),
		NgrokToken:         v.GetString("NGROK_AUTH_TOKEN"),
		PublicURL:          v.GetString("PUBLIC_URL"),
		HTTPAddr:           v.GetString("HTTP_ADDR"),
		WebhookPath:        v.GetString("WEBHOOK_PATH"),
		KeepWebhooks:       v.GetBool("KEEP_WEBHOOKS_ON_SHUTDOWN"),
		UseWebsocket:       v.GetBool("USE_WEBSOCKET"),
		SkipBackfill:       v.GetBool("SKIP_BACKFILL"),
		DisableMigrations:  v.GetBool("DISABLE_MIGRATIONS"),
		EnableSigma:        v.GetBool("ENABLE_SIGMA"),
		AutoExpandLists:    v.GetBool("AUTO_EXPAND_LISTS"),
		BackfillRelated:    v.GetBool("BACKFILL_RELATED_ENTITIES"),
		RevalidateObjects:  v.GetBool("REVALIDATE_OBJECTS_VIA_STRIPE_API"),
		MaxPostgresConns:   v.GetInt("MAX_POSTGRES_CONNECTIONS"),
		WorkerCount:        v.GetInt("WORKER_COUNT"),
		RateLimitWindow:    v.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
		RateLimitMax:       v.GetInt("RATE_LIMIT_MAX_REQUESTS"),
		RateLimitBurst:     v.GetInt("RATE_LIMIT_BURST"),
		AdminJWTSecret:     v.GetString("ADMIN_JWT_SECRET"),
	}
}

// Validate checks the fields every command needs. Commands with extra
// requirements (a provider key, a webhook secret) layer their own checks
// on top.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return &db.Error{Kind: db.KindConfig, Err: errors.New("DATABASE_URL is required")}
	}
	if c.Schema == "" || strings.ContainsAny(c.Schema, `";`) {
		return &db.Error{Kind: db.KindConfig, Err: fmt.Errorf("invalid schema name %q", c.Schema)}
	}
	if !strings.HasPrefix(c.WebhookPath, "/") {
		return &db.Error{Kind: db.KindConfig, Err: fmt.Errorf("WEBHOOK_PATH must start with /, got %q", c.WebhookPath)}
	}
	if c.MaxPostgresConns < 1 {
		return &db.Error{Kind: db.KindConfig, Err: fmt.Errorf("MAX_POSTGRES_CONNECTIONS must be positive, got %d", c.MaxPostgresConns)}
	}
	if c.WorkerCount < 1 {
		return &db.Error{Kind: db.KindConfig, Err: fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)}
	}
	if c.RateLimitMax > 0 && (c.RateLimitWindow < 1 || c.RateLimitBurst < 1) {
		return &db.Error{Kind: db.KindConfig, Err: errors.New("rate limiting needs a positive window and burst")}
	}
	return nil
}

// RequireStripeKey is the extra check for commands that talk to the
// provider directly (backfill, single-merchant start).
func (c *Config) RequireStripeKey() error {
	if c.StripeKey == "" && c.MerchantConfigJSON == "" {
		return &db.Error{Kind: db.KindConfig, Err: errors.New("STRIPE_SECRET_KEY (or MERCHANT_CONFIG_JSON) is required")}
	}
	return nil
}
