package stripeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/metrics"
)

// DefaultBaseURL is the provider's public API host.
const DefaultBaseURL = "https://api.stripe.com"

// Client talks to the provider API. All requests carry the account's
// secret key and, when set, a pinned API version. A circuit breaker
// sits in front of the transport so a dead upstream sheds load fast
// instead of tying every worker up in 30s timeouts.
type Client struct {
	BaseURL string
	Key     string
	Version string

	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds a client for one account key.
func New(key, version string) *Client {
	return &Client{
		BaseURL: DefaultBaseURL,
		Key:     key,
		Version: version,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "stripe",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("provider breaker state change")
			},
		}),
	}
}

type httpResult struct {
	status int
	body   []byte
}

// do runs one request through the breaker. Transport failures and 5xx
// count against the breaker; 4xx are the caller's problem and do not.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, form url.Values) ([]byte, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	res, err := c.breaker.Execute(func() (any, error) {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return nil, &db.Error{Kind: db.KindFatal, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+c.Key)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if c.Version != "" {
			req.Header.Set("Stripe-Version", c.Version)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			metrics.ProviderRequests.WithLabelValues(method, "error").Inc()
			return nil, &db.Error{Kind: db.KindTransient, Err: err}
		}
		defer resp.Body.Close()
		metrics.ProviderRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
		b, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, &db.Error{Kind: db.KindTransient, Err: err}
		}
		if resp.StatusCode >= 500 {
			return nil, apiError(resp.StatusCode, b)
		}
		return &httpResult{status: resp.StatusCode, body: b}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &db.Error{Kind: db.KindTransient, Err: fmt.Errorf("provider circuit open: %w", err)}
		}
		return nil, err
	}

	r := res.(*httpResult)
	if r.status >= 400 {
		return nil, apiError(r.status, r.body)
	}
	return r.body, nil
}

// apiError decodes the provider's error document and classifies it.
func apiError(status int, body []byte) error {
	var wrap struct {
		Error APIError `json:"error"`
	}
	_ = json.Unmarshal(body, &wrap)
	ae := wrap.Error
	ae.Status = status
	if ae.Message == "" {
		ae.Message = http.StatusText(status)
	}

	kind := db.KindPermanent
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		kind = db.KindTransient
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = db.KindConfig
	case status == http.StatusNotFound:
		kind = db.KindNotFound
	}
	return &db.Error{Kind: kind, Err: &ae}
}

// IsResourceMissing reports whether err is the provider saying the
// object does not exist (deleted upstream, or a bogus id).
func IsResourceMissing(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status == http.StatusNotFound || ae.Code == "resource_missing"
	}
	return false
}

// List fetches one page.
func (c *Client) List(ctx context.Context, p ListParams) (*List, error) {
	q := url.Values{}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.CreatedGTE > 0 {
		q.Set("created[gte]", strconv.FormatInt(p.CreatedGTE, 10))
	}
	if p.CreatedLTE > 0 {
		q.Set("created[lte]", strconv.FormatInt(p.CreatedLTE, 10))
	}
	if p.StartingAfter != "" {
		q.Set("starting_after", p.StartingAfter)
	}
	for k, v := range p.Extra {
		q.Set(k, v)
	}

	b, err := c.do(ctx, http.MethodGet, p.Path, q, nil)
	if err != nil {
		return nil, err
	}
	var out List
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &db.Error{Kind: db.KindPermanent, Err: fmt.Errorf("decode list %s: %w", p.Path, err)}
	}
	return &out, nil
}

// ListURL fetches a page from a provider-supplied relative URL, used to
// walk expandable sublists (invoice lines, subscription items).
func (c *Client) ListURL(ctx context.Context, rel string, startingAfter string) (*List, error) {
	q := url.Values{"limit": {"100"}}
	if startingAfter != "" {
		q.Set("starting_after", startingAfter)
	}
	b, err := c.do(ctx, http.MethodGet, rel, q, nil)
	if err != nil {
		return nil, err
	}
	var out List
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &db.Error{Kind: db.KindPermanent, Err: fmt.Errorf("decode list %s: %w", rel, err)}
	}
	return &out, nil
}

// Retrieve fetches one object by id. path is a format with one %s slot
// for the id ("/v1/customers/%s").
func (c *Client) Retrieve(ctx context.Context, path string, id string) (map[string]any, error) {
	b, err := c.do(ctx, http.MethodGet, fmt.Sprintf(path, url.PathEscape(id)), nil, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &db.Error{Kind: db.KindPermanent, Err: fmt.Errorf("decode %s %s: %w", path, id, err)}
	}
	return out, nil
}

// GetAccount resolves the account the key belongs to. Used at startup
// to turn secret keys into stable account ids and seed the account row.
func (c *Client) GetAccount(ctx context.Context) (map[string]any, error) {
	b, err := c.do(ctx, http.MethodGet, "/v1/account", nil, nil)
	if err != nil {
		return nil, err
	}
	var acct map[string]any
	if err := json.Unmarshal(b, &acct); err != nil {
		return nil, &db.Error{Kind: db.KindPermanent, Err: fmt.Errorf("decode account: %w", err)}
	}
	if id, _ := acct["id"].(string); id == "" {
		return nil, &db.Error{Kind: db.KindConfig, Err: errors.New("account response has no id")}
	}
	return acct, nil
}

// CreateWebhookEndpoint registers url for the given event types and
// returns the endpoint including its signing secret.
func (c *Client) CreateWebhookEndpoint(ctx context.Context, endpointURL string, events []string) (*WebhookEndpoint, error) {
	form := url.Values{"url": {endpointURL}}
	for _, ev := range events {
		form.Add("enabled_events[]", ev)
	}
	b, err := c.do(ctx, http.MethodPost, "/v1/webhook_endpoints", nil, form)
	if err != nil {
		return nil, err
	}
	var out WebhookEndpoint
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &db.Error{Kind: db.KindPermanent, Err: fmt.Errorf("decode webhook endpoint: %w", err)}
	}
	return &out, nil
}

// GetWebhookEndpoint fetches one endpoint by id.
func (c *Client) GetWebhookEndpoint(ctx context.Context, id string) (*WebhookEndpoint, error) {
	b, err := c.do(ctx, http.MethodGet, "/v1/webhook_endpoints/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	var out WebhookEndpoint
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &db.Error{Kind: db.KindPermanent, Err: fmt.Errorf("decode webhook endpoint: %w", err)}
	}
	return &out, nil
}

// DeleteWebhookEndpoint removes an endpoint. Already-gone endpoints are
// not an error.
func (c *Client) DeleteWebhookEndpoint(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/webhook_endpoints/"+url.PathEscape(id), nil, url.Values{})
	if err != nil && !IsResourceMissing(err) {
		return err
	}
	return nil
}

// CreateCLISession opens a live event stream session for the account.
func (c *Client) CreateCLISession(ctx context.Context, deviceName string) (*CLISession, error) {
	form := url.Values{
		"device_name":          {deviceName},
		"websocket_features[]": {"webhooks"},
	}
	b, err := c.do(ctx, http.MethodPost, "/v1/stripecli/sessions", nil, form)
	if err != nil {
		return nil, err
	}
	var out CLISession
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &db.Error{Kind: db.KindPermanent, Err: fmt.Errorf("decode cli session: %w", err)}
	}
	if out.WebsocketURL == "" {
		return nil, &db.Error{Kind: db.KindPermanent, Err: errors.New("cli session response has no websocket_url")}
	}
	return &out, nil
}
