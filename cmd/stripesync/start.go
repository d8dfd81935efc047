package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/httpapi"
	"github.com/erauner12/stripesync/internal/metrics"
	"github.com/erauner12/stripesync/internal/service"
	"github.com/erauner12/stripesync/internal/stream"
	"github.com/erauner12/stripesync/internal/stripeapi"
	"github.com/erauner12/stripesync/internal/worker"
)

var (
	startPublicURL  string
	startNgrokToken string
	startAddr       string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the sync engine",
	Long: `Applies migrations (unless DISABLE_MIGRATIONS), resolves each
configured merchant's account, then keeps the mirror current.

Event ingress: with a public URL, an ngrok token or MERCHANT_CONFIG_JSON
the engine serves webhooks over HTTP and registers a managed webhook
endpoint per merchant; otherwise it attaches to the provider's live event
stream and needs no inbound connectivity. The HTTP listener (health,
metrics, admin API) binds HTTP_ADDR either way. A tunnel in front of the
listener is the deployment's business; pass its base URL via --public-url.

Unless SKIP_BACKFILL is set an incremental backfill runs at startup and
then hourly, catching anything event delivery missed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

func init() {
	startCmd.Flags().StringVar(&startPublicURL, "public-url", "", "public base URL webhooks are reachable under (defaults to PUBLIC_URL)")
	startCmd.Flags().StringVar(&startNgrokToken, "ngrok-token", "", "selects webhook ingress (defaults to NGROK_AUTH_TOKEN)")
	startCmd.Flags().StringVar(&startAddr, "addr", "", "HTTP listen address (defaults to HTTP_ADDR)")
	rootCmd.AddCommand(startCmd)
}

// tenantDirectory adapts the service's merchant lookup to the ingress
// interface.
type tenantDirectory struct{ svc *service.Service }

func (d tenantDirectory) ByHost(host string) (httpapi.Tenant, bool) {
	t, ok := d.svc.TenantByHost(host)
	if !ok {
		return nil, false
	}
	return t, true
}

func (d tenantDirectory) Single() (httpapi.Tenant, bool) {
	t, ok := d.svc.SingleTenant()
	if !ok {
		return nil, false
	}
	return t, true
}

// streamHandler verifies and applies one stream-delivered event, and
// returns the delivery status recorded by the provider. The session's
// signing secret is installed on the tenant by OnReady before the first
// delivery arrives.
func streamHandler(t *service.Tenant) stream.Handler {
	return func(ctx context.Context, payload []byte, sig string) (int, string) {
		if err := stripeapi.VerifySignature(payload, sig, t.WebhookSecret(), 5*time.Minute, time.Now()); err != nil {
			metrics.Events.WithLabelValues("rejected").Inc()
			log.Warn().Err(err).Str("account", t.AccountID()).Msg("stream event failed signature check")
			return http.StatusBadRequest, ""
		}
		var ev stripeapi.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			metrics.Events.WithLabelValues("rejected").Inc()
			return http.StatusBadRequest, ""
		}
		if _, err := t.Process(ctx, &ev); err != nil {
			log.Error().Err(err).Str("event", ev.ID).Str("type", ev.Type).Msg("stream event processing failed")
			switch {
			case db.KindOf(err) == db.KindPermanent:
				return http.StatusBadRequest, ev.ID
			case db.IsTransient(err):
				return http.StatusBadGateway, ev.ID
			default:
				return http.StatusInternalServerError, ev.ID
			}
		}
		return http.StatusOK, ev.ID
	}
}

// periodicBackfill runs an incremental backfill immediately and then on
// every tick until ctx is cancelled.
func periodicBackfill(ctx context.Context, svc *service.Service, t *service.Tenant, trigger string, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		if err := svc.Backfill(ctx, t, trigger, service.BackfillOptions{}); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("account", t.AccountID()).Str("trigger", trigger).Msg("periodic backfill failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func runStart() error {
	cfg := loadConfig()
	if startPublicURL != "" {
		cfg.PublicURL = startPublicURL
	}
	if startNgrokToken != "" {
		cfg.NgrokToken = startNgrokToken
	}
	if startAddr != "" {
		cfg.HTTPAddr = startAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.RequireStripeKey(); err != nil {
		return err
	}

	// Webhook ingress needs somewhere the provider can reach; without
	// that (and unless forced) the live stream carries events instead.
	webhookIngress := cfg.PublicURL != "" || cfg.NgrokToken != "" || cfg.MerchantConfigJSON != ""
	if cfg.UseWebsocket {
		webhookIngress = false
	}
	if webhookIngress && cfg.PublicURL == "" {
		return db.Errorf(db.KindConfig, "webhook ingress needs PUBLIC_URL, the base URL the tunnel serves")
	}

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if !cfg.DisableMigrations {
		if err := applyMigrations(ctx, pool, cfg.Schema); err != nil {
			return err
		}
	}

	svc, err := service.New(pool, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	if err := svc.EnsureAccounts(ctx); err != nil {
		return err
	}

	// Everything below the HTTP listener hangs off bgCtx and stops
	// before the final webhook cleanup.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	if webhookIngress {
		if err := svc.EnsureWebhooks(ctx, cfg.PublicURL); err != nil {
			return err
		}
		log.Info().Str("public_url", cfg.PublicURL).Msg("webhook ingress ready")
	} else {
		for _, t := range svc.Tenants() {
			sc := &stream.Client{
				API:     t.Client,
				Handler: streamHandler(t),
				OnReady: t.SetSecret,
			}
			go func() {
				if err := sc.Run(bgCtx); err != nil && bgCtx.Err() == nil {
					log.Error().Err(err).Msg("event stream stopped")
				}
			}()
		}
		log.Info().Int("merchants", len(svc.Tenants())).Msg("live event stream ingress ready")
	}

	sweeper := &worker.Sweeper{Registry: svc.Registry}
	go func() { _ = sweeper.Run(bgCtx) }()

	if !cfg.SkipBackfill {
		for _, t := range svc.Tenants() {
			go periodicBackfill(bgCtx, svc, t, "worker", time.Hour)
			if cfg.EnableSigma {
				go periodicBackfill(bgCtx, svc, t, "sigma-worker", time.Hour)
			}
		}
	}

	// HTTP server setup
	srv := &httpapi.Server{
		Tenants:        tenantDirectory{svc},
		Syncer:         svc,
		Admin:          svc,
		WebhookPath:    cfg.WebhookPath,
		AdminJWTSecret: cfg.AdminJWTSecret,
		RateLimit: httpapi.RateLimitInfo{
			WindowSeconds: cfg.RateLimitWindow,
			MaxRequests:   cfg.RateLimitMax,
			Burst:         cfg.RateLimitBurst,
		},
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	cancelBg()
	svc.Close()

	if webhookIngress && !cfg.KeepWebhooks {
		if warnings := svc.DeleteWebhooks(shutdownCtx); len(warnings) > 0 {
			log.Warn().Strs("warnings", warnings).Msg("webhook cleanup incomplete")
		}
	}

	log.Info().Msg("sync engine stopped")
	return nil
}
