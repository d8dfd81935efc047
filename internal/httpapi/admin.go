package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stripesync/internal/auth"
	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/runs"
)

// syncRequest is the body for POST /sync and POST /sync/cancel. The
// account may be omitted when exactly one merchant is configured.
type syncRequest struct {
	Account string   `json:"account"`
	Objects []string `json:"objects,omitempty"`
}

type syncStartedResponse struct {
	Account string `json:"account"`
	Created bool   `json:"created"` // false when an open run was joined
}

type syncCancelledResponse struct {
	Account   string `json:"account"`
	Cancelled int    `json:"cancelled"`
}

type runListResponse struct {
	Account string            `json:"account"`
	Runs    []runs.RunSummary `json:"runs"`
}

// ListRuns handles GET /sync/runs?account=&limit=
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	account := s.resolveAccount(r.URL.Query().Get("account"))
	if account == "" {
		writeError(w, r, http.StatusBadRequest, "account query param required")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 20, 100)

	sums, err := s.Syncer.RunSummaries(r.Context(), account, limit)
	if err != nil {
		log.Error().Err(err).Str("account", account).Msg("run summaries failed")
		writeError(w, r, http.StatusInternalServerError, "failed to load sync runs")
		return
	}
	if sums == nil {
		sums = []runs.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runListResponse{Account: account, Runs: sums})
}

// StartSyncRun handles POST /sync. A run that is already open for the
// account is joined rather than duplicated, reported via created=false.
func (s *Server) StartSyncRun(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	account := s.resolveAccount(req.Account)
	if account == "" {
		writeError(w, r, http.StatusBadRequest, "account required")
		return
	}

	created, err := s.Syncer.StartSync(r.Context(), account, req.Objects)
	if err != nil {
		log.Error().Err(err).Str("account", account).Msg("sync start failed")
		if db.KindOf(err) == db.KindConfig {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "failed to start sync")
		return
	}

	log.Info().
		Str("account", account).
		Str("admin", auth.Subject(r.Context())).
		Bool("created", created).
		Msg("sync run requested")
	writeJSON(w, http.StatusAccepted, syncStartedResponse{Account: account, Created: created})
}

// CancelSyncRun handles POST /sync/cancel.
func (s *Server) CancelSyncRun(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	account := s.resolveAccount(req.Account)
	if account == "" {
		writeError(w, r, http.StatusBadRequest, "account required")
		return
	}

	cancelled, err := s.Syncer.CancelSync(r.Context(), account)
	if err != nil {
		log.Error().Err(err).Str("account", account).Msg("sync cancel failed")
		writeError(w, r, http.StatusInternalServerError, "failed to cancel sync")
		return
	}

	log.Info().
		Str("account", account).
		Str("admin", auth.Subject(r.Context())).
		Int("cancelled", cancelled).
		Msg("sync runs cancelled")
	writeJSON(w, http.StatusOK, syncCancelledResponse{Account: account, Cancelled: cancelled})
}

// DeleteAccount handles DELETE /accounts/{id}?confirm=DELETE.
//
// This permanently removes the account row, every mirrored entity row
// under it, and all run bookkeeping. Requires the literal confirmation
// string so a stray curl cannot drop a tenant.
func (s *Server) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "account id required")
		return
	}
	if r.URL.Query().Get("confirm") != "DELETE" {
		writeError(w, r, http.StatusBadRequest, "confirmation required: pass ?confirm=DELETE")
		return
	}

	report, err := s.Admin.DeleteAccount(r.Context(), id)
	if err != nil {
		if db.IsNotFound(err) {
			writeError(w, r, http.StatusNotFound, "unknown account")
			return
		}
		log.Error().Err(err).Str("account", id).Msg("account delete failed")
		writeError(w, r, http.StatusInternalServerError, "delete failed")
		return
	}

	log.Info().
		Str("account", id).
		Str("admin", auth.Subject(r.Context())).
		Interface("deleted", report.DeletedRecordCounts).
		Int("warnings", len(report.Warnings)).
		Msg("account deleted")
	writeJSON(w, http.StatusOK, report)
}
