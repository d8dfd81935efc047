// Package httpapi is the ingress surface: the webhook receiver the
// provider (or a tunnel in front of it) posts events to, plus health,
// metrics, and a small JWT-guarded admin API for driving backfills.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stripesync/internal/accounts"
	"github.com/erauner12/stripesync/internal/auth"
	"github.com/erauner12/stripesync/internal/runs"
	"github.com/erauner12/stripesync/internal/stripeapi"
	"github.com/erauner12/stripesync/internal/tenants"
)

// Tenant is one configured merchant as the ingress sees it: enough to
// verify a webhook and hand the decoded event to the processor.
type Tenant interface {
	AccountID() string
	WebhookSecret() string
	Process(ctx context.Context, ev *stripeapi.Event) (string, error)
}

// Directory resolves the merchant behind a request host.
type Directory interface {
	ByHost(host string) (Tenant, bool)
	Single() (Tenant, bool)
}

// Syncer starts, cancels, and inspects backfill runs.
type Syncer interface {
	StartSync(ctx context.Context, accountID string, objects []string) (bool, error)
	CancelSync(ctx context.Context, accountID string) (int, error)
	RunSummaries(ctx context.Context, accountID string, limit int) ([]runs.RunSummary, error)
}

// AccountAdmin removes an account and everything mirrored under it.
type AccountAdmin interface {
	DeleteAccount(ctx context.Context, accountID string) (*accounts.DeleteReport, error)
}

// Server holds dependencies for HTTP handlers
type Server struct {
	Tenants Directory
	Syncer  Syncer
	Admin   AccountAdmin

	WebhookPath    string        // defaults to /webhooks
	SigTolerance   time.Duration // webhook timestamp tolerance, defaults to 5m
	AdminJWTSecret string        // empty leaves the admin group unmounted
	RateLimit      RateLimitInfo // zero MaxRequests disables ingress limiting
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error body with the given status code
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	log.Debug().
		Str("correlation_id", GetCorrelationID(r.Context())).
		Int("status", code).
		Str("error", msg).
		Msg("request rejected")
	writeJSON(w, code, map[string]string{"error": msg})
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) webhookPath() string {
	if s.WebhookPath == "" {
		return "/webhooks"
	}
	return s.WebhookPath
}

func (s *Server) sigTolerance() time.Duration {
	if s.SigTolerance <= 0 {
		return 5 * time.Minute
	}
	return s.SigTolerance
}

// resolveAccount picks the account for an admin operation: an explicit
// id wins, otherwise a single-merchant directory supplies the default.
func (s *Server) resolveAccount(account string) string {
	if account != "" {
		return account
	}
	if t, ok := s.Tenants.Single(); ok {
		return t.AccountID()
	}
	return ""
}

// Routes creates the HTTP router with all ingress endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)

	// Health check (unauthenticated)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Event ingress. Signature verification is the authentication here;
	// rate limiting buckets by merchant so one flood cannot starve the rest.
	r.Group(func(r chi.Router) {
		if s.RateLimit.MaxRequests > 0 {
			r.Use(RateLimitMiddleware(s.RateLimit, s.rateKey))
		}
		r.Post(s.webhookPath(), s.ReceiveWebhook)
	})

	// Admin API, only when a secret is configured
	if s.AdminJWTSecret != "" {
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(auth.JWTCfg{HS256Secret: s.AdminJWTSecret}))

			r.Get("/sync/runs", s.ListRuns)
			r.Post("/sync", s.StartSyncRun)
			r.Post("/sync/cancel", s.CancelSyncRun)
			r.Delete("/accounts/{id}", s.DeleteAccount)
		})
	}

	log.Info().
		Str("webhook_path", s.webhookPath()).
		Bool("admin_api", s.AdminJWTSecret != "").
		Msg("HTTP routes registered")
	return r
}

// rateKey buckets ingress requests by merchant account. Unknown hosts
// return "" and skip the limiter; they fail resolution right after.
func (s *Server) rateKey(r *http.Request) string {
	if t, ok := s.Tenants.ByHost(tenants.NormalizeHost(r.Host)); ok {
		return t.AccountID()
	}
	return ""
}
