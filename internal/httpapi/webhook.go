package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/metrics"
	"github.com/erauner12/stripesync/internal/stripeapi"
	"github.com/erauner12/stripesync/internal/tenants"
)

// maxEventBytes caps webhook bodies. Provider events are a few KB;
// anything near the cap is not one of ours.
const maxEventBytes = 1 << 20

// webhookAck is the body returned for an accepted delivery.
type webhookAck struct {
	Received bool `json:"received"`
}

// ReceiveWebhook handles POST {webhook path}.
//
// The merchant is picked by request host, the payload verified against
// that merchant's signing secret, and the event applied through the
// processor. Status codes steer the provider's redelivery: 2xx settles
// the delivery, 4xx marks it undeliverable, anything else gets retried.
// Processing is idempotent, so redelivery after a 5xx is safe.
func (s *Server) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.Tenants.ByHost(tenants.NormalizeHost(r.Host))
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown merchant host")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "could not read request body")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if err := stripeapi.VerifySignature(body, sig, tenant.WebhookSecret(), s.sigTolerance(), time.Now()); err != nil {
		metrics.Events.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Str("account", tenant.AccountID()).Msg("webhook signature rejected")
		writeError(w, r, http.StatusBadRequest, "signature verification failed")
		return
	}

	var ev stripeapi.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		metrics.Events.WithLabelValues("rejected").Inc()
		writeError(w, r, http.StatusBadRequest, "malformed event payload")
		return
	}

	outcome, err := tenant.Process(r.Context(), &ev)
	if err != nil {
		log.Error().Err(err).
			Str("account", tenant.AccountID()).
			Str("event", ev.ID).
			Str("type", ev.Type).
			Msg("event processing failed")
		switch {
		case db.KindOf(err) == db.KindPermanent:
			writeError(w, r, http.StatusBadRequest, "event could not be applied")
		case db.IsTransient(err):
			writeError(w, r, http.StatusBadGateway, "event processing failed, retry")
		default:
			writeError(w, r, http.StatusInternalServerError, "event processing failed")
		}
		return
	}

	log.Debug().
		Str("account", tenant.AccountID()).
		Str("event", ev.ID).
		Str("type", ev.Type).
		Str("outcome", outcome).
		Msg("event ingested")
	writeJSON(w, http.StatusOK, webhookAck{Received: true})
}
