// Package fetch turns a claimed slice into provider list requests,
// walking each object kind from newest to oldest.
package fetch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/metrics"
	"github.com/erauner12/stripesync/internal/registry"
	"github.com/erauner12/stripesync/internal/runs"
	"github.com/erauner12/stripesync/internal/stripeapi"
)

// Lister is the provider surface the fetcher drives.
type Lister interface {
	List(ctx context.Context, p stripeapi.ListParams) (*stripeapi.List, error)
}

// Page is one fetched page plus the navigation facts the run registry
// records: the oldest created seen and the last id for mid-page resume.
type Page struct {
	Items      []map[string]any
	HasMore    bool
	MinCreated int64
	LastID     string
}

// Fetcher fetches one page per call. Transient provider failures are
// retried in place with exponential backoff before the task fails.
type Fetcher struct {
	Client     Lister
	MaxRetries uint64 // transient retries per page; 0 means the default of 3
}

func (f *Fetcher) retries() uint64 {
	if f.MaxRetries == 0 {
		return 3
	}
	return f.MaxRetries
}

func newPageBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	return bo
}

// FetchPage fetches the next page for a task. The request window walks
// backward: the first page is unbounded above, each later page is
// bounded by created <= cursor, and starting_after resumes mid-page.
func (f *Fetcher) FetchPage(ctx context.Context, t *runs.Task) (*Page, error) {
	k, ok := registry.ByName(t.Object)
	if !ok {
		return nil, db.Errorf(db.KindPermanent, "unknown object kind %q", t.Object)
	}
	if k.RequiresContext != "" {
		return nil, db.Errorf(db.KindPermanent,
			"%s lists require a %s context and cannot be walked account-wide", k.Name, k.RequiresContext)
	}

	p := stripeapi.ListParams{Path: k.ListPath, Limit: k.EffectivePageSize()}
	if k.SupportsCreatedFilter {
		upper := t.CreatedLTE
		if t.Cursor > 0 {
			upper = t.Cursor
		}
		if upper > 0 {
			p.CreatedLTE = upper
		}
		if t.CreatedGTE > 0 {
			p.CreatedGTE = t.CreatedGTE
		}
	}
	if t.PageCursor != "" {
		p.StartingAfter = t.PageCursor
	}

	var list *stripeapi.List
	err := backoff.Retry(func() error {
		var err error
		list, err = f.Client.List(ctx, p)
		if err != nil && db.IsTransient(err) {
			log.Warn().Err(err).Str("object", k.Name).Msg("page fetch failed, retrying")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(newPageBackoff(), f.retries()), ctx))
	if err != nil {
		return nil, err
	}
	metrics.PagesFetched.WithLabelValues(k.Name).Inc()

	page := &Page{Items: list.Data, HasMore: list.HasMore}
	for _, item := range list.Data {
		created := itemCreated(item)
		if created > 0 && (page.MinCreated == 0 || created < page.MinCreated) {
			page.MinCreated = created
		}
	}
	if n := len(list.Data); n > 0 {
		page.LastID, _ = list.Data[n-1]["id"].(string)
	}
	return page, nil
}

func itemCreated(item map[string]any) int64 {
	switch v := item["created"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return 0
}
