package webhooks

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/migrate"
	"github.com/erauner12/stripesync/internal/stripeapi"
)

const testSchema = "stripe_test"

type fakeAPI struct {
	mu         sync.Mutex
	created    int
	eps        map[string]*stripeapi.WebhookEndpoint
	failDelete map[string]error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{eps: map[string]*stripeapi.WebhookEndpoint{}, failDelete: map[string]error{}}
}

func (f *fakeAPI) CreateWebhookEndpoint(_ context.Context, endpointURL string, events []string) (*stripeapi.WebhookEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	ep := &stripeapi.WebhookEndpoint{
		ID:            fmt.Sprintf("we_%d", f.created),
		Object:        "webhook_endpoint",
		URL:           endpointURL,
		Secret:        fmt.Sprintf("whsec_%d", f.created),
		Status:        "enabled",
		EnabledEvents: events,
	}
	f.eps[ep.ID] = ep
	return ep, nil
}

func (f *fakeAPI) GetWebhookEndpoint(_ context.Context, id string) (*stripeapi.WebhookEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ep, ok := f.eps[id]; ok {
		return ep, nil
	}
	return nil, &db.Error{Kind: db.KindNotFound, Err: &stripeapi.APIError{
		Status: 404, Code: "resource_missing", Message: "No such webhook endpoint: " + id,
	}}
}

func (f *fakeAPI) DeleteWebhookEndpoint(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failDelete[id]; err != nil {
		return err
	}
	delete(f.eps, id)
	return nil
}

func getTestManager(t *testing.T) (*Manager, *pgxpool.Pool) {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	pool, err := db.Open(context.Background(), dbURL, db.DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := migrate.Apply(context.Background(), pool, testSchema); err != nil {
		t.Fatalf("Failed to migrate test schema: %v", err)
	}
	if _, err := pool.Exec(context.Background(), fmt.Sprintf("DELETE FROM %s.managed_webhooks", testSchema)); err != nil {
		t.Fatalf("Failed to clean managed_webhooks: %v", err)
	}
	return &Manager{Pool: pool, Schema: testSchema}, pool
}

func countEndpoints(t *testing.T, pool *pgxpool.Pool, account string) int {
	t.Helper()
	var n int
	err := pool.QueryRow(context.Background(), fmt.Sprintf(
		"SELECT count(*) FROM %s.managed_webhooks WHERE account_id = $1", testSchema), account).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestEndpointURL(t *testing.T) {
	u, err := EndpointURL("https://sync.example.com", "/webhooks")
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.com/webhooks", u)

	u, err = EndpointURL("https://sync.example.com/", "/webhooks")
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.com/webhooks", u)

	u, err = EndpointURL("https://sync.example.com/app", "/webhooks")
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.com/app/webhooks", u)

	_, err = EndpointURL("sync.example.com", "/webhooks")
	require.Error(t, err)
	assert.Equal(t, db.KindConfig, db.KindOf(err))
}

func TestNormalizeURL(t *testing.T) {
	u, err := NormalizeURL("HTTPS://Sync.Example.com:443/webhooks/")
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.com/webhooks", u)

	u, err = NormalizeURL("http://sync.example.com:80/webhooks?source=test#anchor")
	require.NoError(t, err)
	assert.Equal(t, "http://sync.example.com/webhooks", u)

	// Non-default ports survive.
	u, err = NormalizeURL("https://sync.example.com:8443/webhooks")
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.com:8443/webhooks", u)

	_, err = NormalizeURL("sync.example.com/webhooks")
	require.Error(t, err)
	assert.Equal(t, db.KindConfig, db.KindOf(err))
}

func TestEnsureReusesLiveEndpoint_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	m, pool := getTestManager(t)
	api := newFakeAPI()
	ctx := context.Background()

	ep1, err := m.Ensure(ctx, api, "acct_1", "https://sync.example.com/webhooks")
	require.NoError(t, err)
	assert.Equal(t, "we_1", ep1.ID)
	assert.Equal(t, "whsec_1", ep1.Secret)

	// A restart reconciles against the stored row instead of creating
	// a duplicate endpoint.
	ep2, err := m.Ensure(ctx, api, "acct_1", "https://sync.example.com/webhooks")
	require.NoError(t, err)
	assert.Equal(t, ep1.ID, ep2.ID)
	assert.Equal(t, ep1.Secret, ep2.Secret)
	assert.Equal(t, 1, api.created)
	assert.Equal(t, 1, countEndpoints(t, pool, "acct_1"))
}

func TestEnsureRecreatesWhenRemoteGone_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	m, pool := getTestManager(t)
	api := newFakeAPI()
	ctx := context.Background()

	ep1, err := m.Ensure(ctx, api, "acct_1", "https://sync.example.com/webhooks")
	require.NoError(t, err)

	// Someone deletes the endpoint in the provider dashboard.
	delete(api.eps, ep1.ID)

	ep2, err := m.Ensure(ctx, api, "acct_1", "https://sync.example.com/webhooks")
	require.NoError(t, err)
	assert.NotEqual(t, ep1.ID, ep2.ID)
	assert.NotEqual(t, ep1.Secret, ep2.Secret)
	assert.Equal(t, 2, api.created)
	assert.Equal(t, 1, countEndpoints(t, pool, "acct_1"))
}

func TestEnsureReplacesDisabledEndpoint_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	m, _ := getTestManager(t)
	api := newFakeAPI()
	ctx := context.Background()

	ep1, err := m.Ensure(ctx, api, "acct_1", "https://sync.example.com/webhooks")
	require.NoError(t, err)
	api.eps[ep1.ID].Status = "disabled"

	ep2, err := m.Ensure(ctx, api, "acct_1", "https://sync.example.com/webhooks")
	require.NoError(t, err)
	assert.NotEqual(t, ep1.ID, ep2.ID)
	_, gone := api.eps[ep1.ID]
	assert.False(t, gone, "disabled endpoint should be removed")
}

func TestEnsureNormalizesURL_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	m, pool := getTestManager(t)
	api := newFakeAPI()
	ctx := context.Background()

	ep1, err := m.Ensure(ctx, api, "acct_1", "https://sync.example.com/webhooks")
	require.NoError(t, err)

	// Another spelling of the same endpoint lands on the same row.
	ep2, err := m.Ensure(ctx, api, "acct_1", "HTTPS://Sync.Example.com:443/webhooks/")
	require.NoError(t, err)
	assert.Equal(t, ep1.ID, ep2.ID)
	assert.Equal(t, 1, api.created)
	assert.Equal(t, 1, countEndpoints(t, pool, "acct_1"))
}

func TestEnsureRecreatesWhenSecretLost_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	m, _ := getTestManager(t)
	api := newFakeAPI()
	ctx := context.Background()

	ep1, err := m.Ensure(ctx, api, "acct_1", "https://sync.example.com/webhooks")
	require.NoError(t, err)

	_, err = m.Pool.Exec(ctx, fmt.Sprintf(
		"UPDATE %s.managed_webhooks SET secret = '' WHERE id = $1", testSchema), ep1.ID)
	require.NoError(t, err)

	// A row without a secret can never verify a delivery again.
	ep2, err := m.Ensure(ctx, api, "acct_1", "https://sync.example.com/webhooks")
	require.NoError(t, err)
	assert.NotEqual(t, ep1.ID, ep2.ID)
	assert.NotEmpty(t, ep2.Secret)
	_, stale := api.eps[ep1.ID]
	assert.False(t, stale, "endpoint with a lost secret should be replaced")
}

func TestDeleteRemovesBothSides_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	m, pool := getTestManager(t)
	api := newFakeAPI()
	ctx := context.Background()

	_, err := m.Ensure(ctx, api, "acct_1", "https://sync.example.com/webhooks")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, api, "acct_1", "https://sync.example.com/webhooks"))
	assert.Empty(t, api.eps)
	assert.Zero(t, countEndpoints(t, pool, "acct_1"))

	// Deleting again is a no-op.
	require.NoError(t, m.Delete(ctx, api, "acct_1", "https://sync.example.com/webhooks"))
}

func TestDeleteAllCollectsWarnings_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	m, pool := getTestManager(t)
	api := newFakeAPI()
	ctx := context.Background()

	ep1, err := m.Ensure(ctx, api, "acct_1", "https://a.example.com/webhooks")
	require.NoError(t, err)
	_, err = m.Ensure(ctx, api, "acct_1", "https://b.example.com/webhooks")
	require.NoError(t, err)

	api.failDelete[ep1.ID] = &db.Error{Kind: db.KindTransient, Err: fmt.Errorf("provider 500")}

	warnings, err := m.DeleteAll(ctx, api, "acct_1")
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], ep1.ID)
	assert.Zero(t, countEndpoints(t, pool, "acct_1"))
}
