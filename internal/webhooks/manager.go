// Package webhooks manages provider webhook endpoints the service
// creates for itself: one per (account, public URL), with the signing
// secret persisted so restarts keep verifying old deliveries.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/registry"
	"github.com/erauner12/stripesync/internal/stripeapi"
)

// ProviderAPI is the slice of the provider client the manager needs.
type ProviderAPI interface {
	CreateWebhookEndpoint(ctx context.Context, endpointURL string, events []string) (*stripeapi.WebhookEndpoint, error)
	GetWebhookEndpoint(ctx context.Context, id string) (*stripeapi.WebhookEndpoint, error)
	DeleteWebhookEndpoint(ctx context.Context, id string) error
}

// Endpoint is one managed webhook endpoint.
type Endpoint struct {
	ID        string
	AccountID string
	URL       string
	Secret    string
	CreatedAt int64 // epoch millis
}

// Manager reconciles managed endpoints against the provider.
type Manager struct {
	Pool   *pgxpool.Pool
	Schema string
}

// EndpointURL joins the public base URL and the webhook path.
func EndpointURL(publicURL, path string) (string, error) {
	u, err := url.Parse(publicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", db.Errorf(db.KindConfig, "public URL %q must be absolute", publicURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// NormalizeURL canonicalizes an endpoint URL so every spelling of the
// same endpoint lands on the same (account_id, url) row: lowercase
// scheme and host, default port dropped, no trailing slash, no query
// or fragment.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", db.Errorf(db.KindConfig, "webhook URL %q must be absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch u.Scheme {
	case "http":
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case "https":
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.ForceQuery = false
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Ensure returns the managed endpoint for (account, url), creating or
// recreating it as needed. The URL is normalized first so repeated
// calls with different spellings converge on one row. A stored
// endpoint that was deleted or disabled on the provider side, or whose
// signing secret was lost, is replaced; the secret is only issued at
// creation time, so the stored one is reused whenever the remote
// endpoint is still alive.
func (m *Manager) Ensure(ctx context.Context, api ProviderAPI, accountID, endpointURL string) (*Endpoint, error) {
	endpointURL, nerr := NormalizeURL(endpointURL)
	if nerr != nil {
		return nil, nerr
	}

	var out *Endpoint
	err := db.WithTx(ctx, m.Pool, func(tx pgx.Tx) error {
		if err := db.AdvisoryXactLock(ctx, tx, "webhook:"+accountID); err != nil {
			return err
		}

		ep := &Endpoint{AccountID: accountID, URL: endpointURL}
		err := tx.QueryRow(ctx, fmt.Sprintf(
			"SELECT id, secret, created_at FROM %s.managed_webhooks WHERE account_id = $1 AND url = $2",
			m.Schema), accountID, endpointURL).Scan(&ep.ID, &ep.Secret, &ep.CreatedAt)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		if ep.ID != "" {
			remote, err := api.GetWebhookEndpoint(ctx, ep.ID)
			switch {
			case err == nil && remote.Status != "disabled" && ep.Secret != "":
				out = ep
				return nil
			case err == nil:
				// Disabled in the dashboard, or the stored secret was
				// lost. Deliveries would never verify; replace it.
				if derr := api.DeleteWebhookEndpoint(ctx, ep.ID); derr != nil {
					log.Warn().Err(derr).Str("endpoint", ep.ID).Msg("could not remove stale webhook endpoint")
				}
			case stripeapi.IsResourceMissing(err):
				log.Warn().Str("endpoint", ep.ID).Str("account", accountID).
					Msg("managed webhook endpoint gone from provider, recreating")
			default:
				return err
			}
		}

		created, err := api.CreateWebhookEndpoint(ctx, endpointURL, registry.EnabledEvents())
		if err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s.managed_webhooks (id, account_id, url, secret, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (account_id, url) DO UPDATE SET
				id = EXCLUDED.id, secret = EXCLUDED.secret, created_at = EXCLUDED.created_at`,
			m.Schema), created.ID, accountID, endpointURL, created.Secret, now); err != nil {
			return err
		}
		out = &Endpoint{ID: created.ID, AccountID: accountID, URL: endpointURL, Secret: created.Secret, CreatedAt: now}
		log.Info().Str("endpoint", created.ID).Str("account", accountID).Str("url", endpointURL).
			Msg("webhook endpoint created")
		return nil
	})
	if err != nil {
		return nil, db.Classify(err)
	}
	return out, nil
}

// Delete removes the managed endpoint for (account, url) on both
// sides. Missing on either side is not an error.
func (m *Manager) Delete(ctx context.Context, api ProviderAPI, accountID, endpointURL string) error {
	endpointURL, nerr := NormalizeURL(endpointURL)
	if nerr != nil {
		return nerr
	}

	var id string
	err := m.Pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT id FROM %s.managed_webhooks WHERE account_id = $1 AND url = $2",
		m.Schema), accountID, endpointURL).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return db.Classify(err)
	}
	if err := api.DeleteWebhookEndpoint(ctx, id); err != nil {
		return err
	}
	_, err = m.Pool.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s.managed_webhooks WHERE account_id = $1 AND url = $2",
		m.Schema), accountID, endpointURL)
	return db.Classify(err)
}

// DeleteAll tears down every managed endpoint for an account. Provider
// failures become warnings rather than aborting the teardown; the rows
// are removed regardless so a half-deleted account does not keep
// phantom endpoints in the mirror.
func (m *Manager) DeleteAll(ctx context.Context, api ProviderAPI, accountID string) ([]string, error) {
	rows, err := m.Pool.Query(ctx, fmt.Sprintf(
		"SELECT id FROM %s.managed_webhooks WHERE account_id = $1", m.Schema), accountID)
	if err != nil {
		return nil, db.Classify(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, db.Classify(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}

	var warnings []string
	for _, id := range ids {
		if err := api.DeleteWebhookEndpoint(ctx, id); err != nil {
			warnings = append(warnings, fmt.Sprintf("webhook endpoint %s could not be deleted: %v", id, err))
		}
	}
	if _, err := m.Pool.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s.managed_webhooks WHERE account_id = $1", m.Schema), accountID); err != nil {
		return warnings, db.Classify(err)
	}
	return warnings, nil
}
