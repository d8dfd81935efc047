// Package service assembles the sync engine: per-merchant provider
// clients and event processors over the shared stores, plus the worker
// pools that drive backfill runs. Commands and the HTTP ingress both
// sit on top of this.
package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stripesync/internal/accounts"
	"github.com/erauner12/stripesync/internal/config"
	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/entities"
	"github.com/erauner12/stripesync/internal/events"
	"github.com/erauner12/stripesync/internal/fetch"
	"github.com/erauner12/stripesync/internal/registry"
	"github.com/erauner12/stripesync/internal/runs"
	"github.com/erauner12/stripesync/internal/stripeapi"
	"github.com/erauner12/stripesync/internal/tenants"
	"github.com/erauner12/stripesync/internal/webhooks"
	"github.com/erauner12/stripesync/internal/worker"
)

// Tenant is the runtime for one merchant: its API client, its event
// processor, and the signing secret deliveries are verified against.
type Tenant struct {
	Merchant  *tenants.Merchant
	Client    *stripeapi.Client
	Processor *events.Processor

	secret atomic.Value // string; a live stream session swaps in its own
}

func (t *Tenant) AccountID() string { return t.Merchant.AccountID }

// WebhookSecret is the current signing secret: the configured one, or
// whatever SetSecret installed last.
func (t *Tenant) WebhookSecret() string {
	if s, ok := t.secret.Load().(string); ok && s != "" {
		return s
	}
	return t.Merchant.WebhookSecret
}

// SetSecret swaps the signing secret. Managed webhook creation and
// stream session setup both hand out fresh secrets at runtime.
func (t *Tenant) SetSecret(s string) { t.secret.Store(s) }

// Process applies one verified event for this merchant.
func (t *Tenant) Process(ctx context.Context, ev *stripeapi.Event) (string, error) {
	return t.Processor.Process(ctx, t.Merchant.AccountID, ev)
}

// Service owns the shared stores and the per-merchant runtimes.
type Service struct {
	Pool     *pgxpool.Pool
	Cfg      config.Config
	Registry *runs.Registry
	Accounts *accounts.Store
	Webhooks *webhooks.Manager

	tenants []*Tenant
	dir     *tenants.Directory

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[runs.RunKey]bool
}

// New builds the service from config: one tenant per configured
// merchant, each with its own client and event processor. The bulk
// path gets a separate upserter with related-entity backfill disabled;
// pulling parents mid-walk would race the pages that carry them.
func New(pool *pgxpool.Pool, cfg config.Config) (*Service, error) {
	var dir *tenants.Directory
	var err error
	if cfg.MerchantConfigJSON != "" {
		dir, err = tenants.ParseMerchants(cfg.MerchantConfigJSON)
		if err != nil {
			return nil, err
		}
	} else {
		if cfg.StripeKey == "" {
			return nil, db.Errorf(db.KindConfig, "STRIPE_SECRET_KEY (or MERCHANT_CONFIG_JSON) is required")
		}
		dir = tenants.Single("", cfg.StripeKey, cfg.WebhookSecret)
	}

	bg, cancel := context.WithCancel(context.Background())
	s := &Service{
		Pool:     pool,
		Cfg:      cfg,
		Registry: runs.NewRegistry(pool, cfg.Schema),
		Accounts: &accounts.Store{Pool: pool, Schema: cfg.Schema},
		Webhooks: &webhooks.Manager{Pool: pool, Schema: cfg.Schema},
		dir:      dir,
		bg:       bg,
		cancel:   cancel,
		active:   make(map[runs.RunKey]bool),
	}

	for _, m := range dir.All() {
		client := stripeapi.New(m.APIKey, cfg.APIVersion)
		s.tenants = append(s.tenants, &Tenant{
			Merchant: m,
			Client:   client,
			Processor: &events.Processor{
				Upserter: &entities.Upserter{
					Pool:     pool,
					Schema:   cfg.Schema,
					Provider: client,
					Opts: entities.Options{
						AutoExpandLists: cfg.AutoExpandLists,
						BackfillRelated: cfg.BackfillRelated,
						Revalidate:      cfg.RevalidateObjects,
					},
				},
				Accounts: s.Accounts,
			},
		})
	}
	return s, nil
}

// Close stops background runs and waits for their workers.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Tenants returns every merchant runtime.
func (s *Service) Tenants() []*Tenant { return s.tenants }

// TenantByHost resolves the merchant behind a request host.
func (s *Service) TenantByHost(host string) (*Tenant, bool) {
	m, ok := s.dir.ByHost(host)
	if !ok {
		return nil, false
	}
	return s.tenantFor(m)
}

// SingleTenant returns the runtime when exactly one merchant is
// configured.
func (s *Service) SingleTenant() (*Tenant, bool) {
	if len(s.tenants) != 1 {
		return nil, false
	}
	return s.tenants[0], true
}

// TenantByAccount resolves a merchant by its provider account id.
func (s *Service) TenantByAccount(accountID string) (*Tenant, bool) {
	for _, t := range s.tenants {
		if t.AccountID() == accountID {
			return t, true
		}
	}
	return nil, false
}

func (s *Service) tenantFor(m *tenants.Merchant) (*Tenant, bool) {
	for _, t := range s.tenants {
		if t.Merchant == m {
			return t, true
		}
	}
	return nil, false
}

// EnsureAccounts resolves each merchant's secret key to its account,
// seeds the account row, and pins the id on the merchant. Must run
// before anything keyed by account id.
func (s *Service) EnsureAccounts(ctx context.Context) error {
	for _, t := range s.tenants {
		doc, err := t.Client.GetAccount(ctx)
		if err != nil {
			return db.Errorf(db.KindOf(err), "resolve account for host %q: %v", t.Merchant.Host, err)
		}
		id, err := s.Accounts.Ensure(ctx, doc, t.Merchant.APIKey)
		if err != nil {
			return err
		}
		if t.Merchant.AccountID != "" && t.Merchant.AccountID != id {
			return db.Errorf(db.KindConfig, "host %q configured for %s but the key belongs to %s",
				t.Merchant.Host, t.Merchant.AccountID, id)
		}
		t.Merchant.SetAccountID(id)
		log.Info().Str("host", t.Merchant.Host).Str("account", id).Msg("account resolved")
	}
	return nil
}

// BackfillOptions shapes one backfill invocation.
type BackfillOptions struct {
	Objects   []string // empty = every account-walkable kind
	Since     int64    // unix seconds; bounds the walk when set
	Until     int64
	SliceDays int  // split the window into day chunks for parallel walking
	Full      bool // ignore stored cursors and re-walk everything
}

func (o BackfillOptions) windowed() bool {
	return o.Since > 0 || o.Until > 0 || o.SliceDays > 0
}

func (s *Service) slices(ctx context.Context, accountID string, opts BackfillOptions) ([]runs.Slice, error) {
	names := opts.Objects
	if len(names) == 0 {
		names = registry.BackfillOrder()
	}
	if opts.windowed() {
		return runs.WindowSlices(names, opts.Since, opts.Until, opts.SliceDays)
	}
	return s.Registry.Slices(ctx, accountID, names, !opts.Full)
}

func (s *Service) pool(t *Tenant) *worker.Pool {
	return &worker.Pool{
		Registry: s.Registry,
		Fetcher:  &fetch.Fetcher{Client: t.Client},
		Upserter: &entities.Upserter{
			Pool:     s.Pool,
			Schema:   s.Cfg.Schema,
			Provider: t.Client,
			Opts: entities.Options{
				AutoExpandLists: s.Cfg.AutoExpandLists,
				Revalidate:      s.Cfg.RevalidateObjects,
			},
		},
		AccountID: t.AccountID(),
		Count:     s.Cfg.WorkerCount,
	}
}

// Backfill seeds (or joins) a run and drives it with this process's
// workers until it closes or ctx is done.
func (s *Service) Backfill(ctx context.Context, t *Tenant, trigger string, opts BackfillOptions) error {
	slices, err := s.slices(ctx, t.AccountID(), opts)
	if err != nil {
		return err
	}
	return s.pool(t).Backfill(ctx, trigger, slices)
}

// StartSync seeds a full backfill run and drives it in the background.
// Reports whether a new run was created; an open run is joined, and a
// run this process is already working is left alone.
func (s *Service) StartSync(ctx context.Context, accountID string, objects []string) (bool, error) {
	t, ok := s.TenantByAccount(accountID)
	if !ok {
		return false, db.Errorf(db.KindNotFound, "no merchant configured for account %s", accountID)
	}

	slices, err := s.slices(ctx, accountID, BackfillOptions{Objects: objects, Full: true})
	if err != nil {
		return false, err
	}
	run, created, err := s.Registry.JoinOrCreateRun(ctx, accountID, "full", s.Cfg.WorkerCount, slices)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	working := s.active[run]
	if !working {
		s.active[run] = true
	}
	s.mu.Unlock()
	if working {
		return created, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, run)
			s.mu.Unlock()
		}()
		if err := s.pool(t).Run(s.bg, run); err != nil && s.bg.Err() == nil {
			log.Error().Err(err).Str("account", accountID).Int64("started_at", run.StartedAt).
				Msg("background sync run failed")
		}
	}()
	return created, nil
}

// CancelSync closes every open run for the account. Workers notice the
// closed run on their next claim and drain.
func (s *Service) CancelSync(ctx context.Context, accountID string) (int, error) {
	return s.Registry.CancelRun(ctx, accountID, "")
}

// RunSummaries lists recent runs for the account, newest first.
func (s *Service) RunSummaries(ctx context.Context, accountID string, limit int) ([]runs.RunSummary, error) {
	return s.Registry.Summary(ctx, accountID, limit)
}

// EnsureWebhooks registers a managed webhook endpoint per merchant
// under the public base URL and installs each endpoint's signing
// secret on its tenant.
func (s *Service) EnsureWebhooks(ctx context.Context, publicURL string) error {
	endpointURL, err := webhooks.EndpointURL(publicURL, s.Cfg.WebhookPath)
	if err != nil {
		return err
	}
	for _, t := range s.tenants {
		ep, err := s.Webhooks.Ensure(ctx, t.Client, t.AccountID(), endpointURL)
		if err != nil {
			return err
		}
		t.SetSecret(ep.Secret)
		log.Info().Str("account", t.AccountID()).Str("url", ep.URL).Str("endpoint", ep.ID).
			Msg("managed webhook ready")
	}
	return nil
}

// DeleteWebhooks removes every managed endpoint, remote first. Problems
// with single endpoints are logged and returned, not fatal.
func (s *Service) DeleteWebhooks(ctx context.Context) []string {
	var warnings []string
	for _, t := range s.tenants {
		w, err := s.Webhooks.DeleteAll(ctx, t.Client, t.AccountID())
		if err != nil {
			log.Warn().Err(err).Str("account", t.AccountID()).Msg("webhook cleanup failed")
			warnings = append(warnings, err.Error())
			continue
		}
		warnings = append(warnings, w...)
	}
	for _, w := range warnings {
		log.Warn().Msg(w)
	}
	return warnings
}

// DeleteAccount cancels open runs, removes managed webhooks, and drops
// the account with everything mirrored under it. Remote webhooks that
// cannot be removed become report warnings.
func (s *Service) DeleteAccount(ctx context.Context, accountID string) (*accounts.DeleteReport, error) {
	if _, err := s.Registry.CancelRun(ctx, accountID, ""); err != nil {
		return nil, err
	}

	var warnings []string
	if t, ok := s.TenantByAccount(accountID); ok {
		w, err := s.Webhooks.DeleteAll(ctx, t.Client, accountID)
		if err != nil {
			warnings = append(warnings, "managed webhooks not cleaned up: "+err.Error())
		} else {
			warnings = append(warnings, w...)
		}
	}

	report, err := s.Accounts.DangerousDelete(ctx, accountID)
	if err != nil {
		return nil, err
	}
	report.Warnings = append(report.Warnings, warnings...)
	return report, nil
}
