// Package tenants maps inbound request hosts to merchant credentials so
// one process can ingest webhooks for several accounts.
package tenants

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/erauner12/stripesync/internal/db"
)

// Wildcard matches any host. A single-merchant deployment registers its
// one merchant under it.
const Wildcard = "*"

// Merchant is one account's ingest identity.
type Merchant struct {
	Host          string `json:"host"`
	AccountID     string `json:"accountId"`
	APIKey        string `json:"apiKey"`
	WebhookSecret string `json:"webhookSecret"`
}

// Directory resolves hosts to merchants. Hosts are matched lowercase
// and without port.
type Directory struct {
	byHost map[string]*Merchant
}

// ParseMerchants decodes a MERCHANT_CONFIG_JSON blob. Duplicate hosts
// are a config error; so is a merchant without an API key.
func ParseMerchants(blob string) (*Directory, error) {
	var ms []Merchant
	if err := json.Unmarshal([]byte(blob), &ms); err != nil {
		return nil, &db.Error{Kind: db.KindConfig, Err: fmt.Errorf("merchant config: %w", err)}
	}
	if len(ms) == 0 {
		return nil, &db.Error{Kind: db.KindConfig, Err: fmt.Errorf("merchant config: no merchants")}
	}

	d := &Directory{byHost: make(map[string]*Merchant, len(ms))}
	for i := range ms {
		m := ms[i]
		host := NormalizeHost(m.Host)
		if host == "" {
			return nil, &db.Error{Kind: db.KindConfig, Err: fmt.Errorf("merchant %d: empty host", i)}
		}
		if m.APIKey == "" {
			return nil, &db.Error{Kind: db.KindConfig, Err: fmt.Errorf("merchant %q: missing apiKey", host)}
		}
		if _, dup := d.byHost[host]; dup {
			return nil, &db.Error{Kind: db.KindConfig, Err: fmt.Errorf("merchant %q: duplicate host", host)}
		}
		m.Host = host
		d.byHost[host] = &m
	}
	return d, nil
}

// Single builds a one-merchant directory registered under the wildcard
// host, for deployments configured with a plain secret key.
func Single(accountID, apiKey, webhookSecret string) *Directory {
	return &Directory{byHost: map[string]*Merchant{
		Wildcard: {Host: Wildcard, AccountID: accountID, APIKey: apiKey, WebhookSecret: webhookSecret},
	}}
}

// ByHost resolves a request host (possibly host:port) to its merchant,
// falling back to the wildcard entry.
func (d *Directory) ByHost(host string) (*Merchant, bool) {
	m, ok := d.byHost[NormalizeHost(host)]
	if !ok {
		m, ok = d.byHost[Wildcard]
	}
	return m, ok
}

// All returns every configured merchant.
func (d *Directory) All() []*Merchant {
	out := make([]*Merchant, 0, len(d.byHost))
	for _, m := range d.byHost {
		out = append(out, m)
	}
	return out
}

// SetAccountID pins the resolved account id onto a merchant after the
// startup account bootstrap.
func (m *Merchant) SetAccountID(id string) { m.AccountID = id }

// NormalizeHost lowercases and strips any port.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" {
		return h
	}
	return host
}
