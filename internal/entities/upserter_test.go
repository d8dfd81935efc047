package entities

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/migrate"
	"github.com/erauner12/stripesync/internal/registry"
	"github.com/erauner12/stripesync/internal/stripeapi"
)

// fakeProvider scripts Retrieve and ListURL responses.
type fakeProvider struct {
	docs      map[string]Doc              // id → document
	pages     map[string][]*stripeapi.List // rel URL → pages in call order
	pageCalls map[string]int
	retrieved []string
}

func (f *fakeProvider) Retrieve(ctx context.Context, path, id string) (map[string]any, error) {
	f.retrieved = append(f.retrieved, id)
	doc, ok := f.docs[id]
	if !ok {
		return nil, &db.Error{Kind: db.KindNotFound, Err: &stripeapi.APIError{Status: 404, Code: "resource_missing"}}
	}
	return doc, nil
}

func (f *fakeProvider) ListURL(ctx context.Context, rel, startingAfter string) (*stripeapi.List, error) {
	if f.pageCalls == nil {
		f.pageCalls = map[string]int{}
	}
	pages := f.pages[rel]
	i := f.pageCalls[rel]
	f.pageCalls[rel]++
	if i >= len(pages) {
		return &stripeapi.List{}, nil
	}
	return pages[i], nil
}

func TestDedupByIDKeepsLastWrite(t *testing.T) {
	docs := []Doc{
		{"id": "cus_1", "email": "old@x"},
		{"id": "cus_2"},
		{"id": "cus_1", "email": "new@x"},
	}
	out := dedupByID(docs)
	require.Len(t, out, 2)
	assert.Equal(t, "new@x", out[0]["email"])
	assert.Equal(t, "cus_2", out[1]["id"])
}

func TestDocHelpers(t *testing.T) {
	doc := Doc{
		"id":       "sub_1",
		"object":   "subscription",
		"customer": "cus_1",
	}
	assert.Equal(t, "sub_1", docID(doc))
	assert.Equal(t, "subscription", kindOf(doc))
	assert.Equal(t, "cus_1", refValue(doc, "customer"))

	doc["customer"] = map[string]any{"id": "cus_2", "object": "customer"}
	assert.Equal(t, "cus_2", refValue(doc, "customer"))
	assert.Equal(t, "", refValue(doc, "missing"))
}

func TestUpsertIgnoresUnknownKinds(t *testing.T) {
	u := &Upserter{Schema: "stripe"}
	out, err := u.Upsert(context.Background(), []Doc{
		{"id": "bt_1", "object": "balance_transaction"},
		{"object": "customer"}, // no id
	}, "acct_1", 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Ignored)
	assert.Zero(t, out.Inserted)
}

func TestErrorSummaryTruncates(t *testing.T) {
	out := &Outcome{}
	for i := 0; i < 6; i++ {
		out.fail(fmt.Sprintf("cus_%d", i), fmt.Errorf("boom"))
	}
	summary := out.ErrorSummary()
	assert.Contains(t, summary, "cus_0: boom")
	assert.Contains(t, summary, "and 3 more")
	assert.NotContains(t, summary, "cus_4")
}

func TestExpandListWalksToCompletion(t *testing.T) {
	fp := &fakeProvider{pages: map[string][]*stripeapi.List{
		"/v1/subscription_items?subscription=sub_1": {
			{Data: []map[string]any{{"id": "si_3"}, {"id": "si_4"}}, HasMore: true},
			{Data: []map[string]any{{"id": "si_5"}}, HasMore: false},
		},
	}}
	u := &Upserter{Provider: fp, Opts: Options{AutoExpandLists: true}}

	doc := Doc{
		"id":     "sub_1",
		"object": "subscription",
		"items": map[string]any{
			"object":   "list",
			"data":     []any{map[string]any{"id": "si_1"}, map[string]any{"id": "si_2"}},
			"has_more": true,
			"url":      "/v1/subscription_items?subscription=sub_1",
		},
	}
	require.NoError(t, u.expandList(context.Background(), doc, "items"))

	stub, ok := listStub(doc["items"])
	require.True(t, ok)
	assert.Equal(t, false, stub["has_more"])
	data := stub["data"].([]any)
	require.Len(t, data, 5)
	assert.Equal(t, "si_5", data[4].(map[string]any)["id"])
}

func TestExpandListStopsOnEmptyPage(t *testing.T) {
	fp := &fakeProvider{pages: map[string][]*stripeapi.List{
		"/v1/invoices/in_1/lines": {
			{Data: nil, HasMore: true}, // dishonest page
		},
	}}
	u := &Upserter{Provider: fp}

	doc := Doc{
		"id": "in_1",
		"lines": map[string]any{
			"object":   "list",
			"data":     []any{map[string]any{"id": "il_1"}},
			"has_more": true,
			"url":      "/v1/invoices/in_1/lines",
		},
	}
	require.NoError(t, u.expandList(context.Background(), doc, "lines"))
	assert.Equal(t, 1, fp.pageCalls["/v1/invoices/in_1/lines"])
}

const testSchema = "stripe_test"

func getTestUpserter(t *testing.T) *Upserter {
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
	cleanEntityTables(t, pool)
	return &Upserter{Pool: pool, Schema: testSchema}
}

func cleanEntityTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	tables := registry.Tables()
	for i := range tables {
		tables[i] = testSchema + "." + tables[i]
	}
	if _, err := pool.Exec(context.Background(), "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE"); err != nil {
		t.Fatalf("Failed to clean tables: %v", err)
	}
}

func getRow(t *testing.T, u *Upserter, table, id string) (object string, lastSyncedAt int64, deleted bool) {
	t.Helper()
	err := u.Pool.QueryRow(context.Background(),
		fmt.Sprintf("SELECT object::text, last_synced_at, deleted FROM %s.%s WHERE id = $1", u.Schema, table), id).
		Scan(&object, &lastSyncedAt, &deleted)
	if err != nil {
		t.Fatalf("Failed to read %s/%s: %v", table, id, err)
	}
	return object, lastSyncedAt, deleted
}

func TestUpsertKeepsNewestWrite_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	u := getTestUpserter(t)
	ctx := context.Background()

	out, err := u.Upsert(ctx, []Doc{{"id": "cus_1", "object": "customer", "email": "v2@x"}}, "acct_1", 2000)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Inserted)

	// An older write loses and reports skipped.
	out, err = u.Upsert(ctx, []Doc{{"id": "cus_1", "object": "customer", "email": "v1@x"}}, "acct_1", 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Skipped)
	object, ls, _ := getRow(t, u, "customers", "cus_1")
	assert.Contains(t, object, "v2@x")
	assert.EqualValues(t, 2000, ls)

	// A newer write wins.
	out, err = u.Upsert(ctx, []Doc{{"id": "cus_1", "object": "customer", "email": "v3@x"}}, "acct_1", 3000)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Updated)
	object, _, _ = getRow(t, u, "customers", "cus_1")
	assert.Contains(t, object, "v3@x")

	// Replaying the same write is idempotent: guard passes on equal
	// timestamps and the bytes are identical.
	out, err = u.Upsert(ctx, []Doc{{"id": "cus_1", "object": "customer", "email": "v3@x"}}, "acct_1", 3000)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Updated)
	object2, _, _ := getRow(t, u, "customers", "cus_1")
	assert.Equal(t, object, object2)
}

func TestUpsertGroupsMixedBatch_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	u := getTestUpserter(t)

	out, err := u.Upsert(context.Background(), []Doc{
		{"id": "cus_10", "object": "customer"},
		{"id": "prod_10", "object": "product", "name": "Widget"},
		{"id": "cus_11", "object": "customer"},
	}, "acct_1", 1000)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Inserted)

	var n int
	require.NoError(t, u.Pool.QueryRow(context.Background(),
		fmt.Sprintf("SELECT count(*) FROM %s.customers", u.Schema)).Scan(&n))
	assert.Equal(t, 2, n)
	_, _, deleted := getRow(t, u, "products", "prod_10")
	assert.False(t, deleted)
}

func TestUpsertBackfillsMissingParent_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	u := getTestUpserter(t)
	fp := &fakeProvider{docs: map[string]Doc{
		"cus_20": {"id": "cus_20", "object": "customer", "email": "parent@x"},
	}}
	u.Provider = fp
	u.Opts = Options{BackfillRelated: true}

	out, err := u.Upsert(context.Background(), []Doc{
		{"id": "sub_20", "object": "subscription", "customer": "cus_20", "status": "active"},
	}, "acct_1", 1000)
	require.NoError(t, err)
	assert.Empty(t, out.Errors)
	assert.Equal(t, 2, out.Inserted, "subscription plus fetched parent")
	assert.Contains(t, fp.retrieved, "cus_20")

	object, _, _ := getRow(t, u, "customers", "cus_20")
	assert.Contains(t, object, "parent@x")
	object, _, _ = getRow(t, u, "subscriptions", "sub_20")
	assert.Contains(t, object, "active")
}

func TestUpsertMissingParentWithoutBackfill_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	u := getTestUpserter(t)

	out, err := u.Upsert(context.Background(), []Doc{
		{"id": "sub_30", "object": "subscription", "customer": "cus_ghost"},
	}, "acct_1", 1000)
	require.NoError(t, err)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "sub_30", out.Errors[0].ID)
	assert.Equal(t, 1, out.Errored)
}

func TestSoftDeleteBlocksOlderResurrection_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	u := getTestUpserter(t)
	ctx := context.Background()

	// Deletion arrives before the update it outran.
	applied, err := u.SoftDelete(ctx, "customer", "cus_40", "acct_1", 2000)
	require.NoError(t, err)
	assert.True(t, applied)
	_, _, deleted := getRow(t, u, "customers", "cus_40")
	assert.True(t, deleted)

	out, err := u.Upsert(ctx, []Doc{{"id": "cus_40", "object": "customer"}}, "acct_1", 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Skipped)
	_, _, deleted = getRow(t, u, "customers", "cus_40")
	assert.True(t, deleted, "older update must not resurrect the row")

	// A genuinely newer update does.
	out, err = u.Upsert(ctx, []Doc{{"id": "cus_40", "object": "customer"}}, "acct_1", 3000)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Updated)
	_, _, deleted = getRow(t, u, "customers", "cus_40")
	assert.False(t, deleted)
}

func TestRevalidateTombstonesGoneObjects_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	u := getTestUpserter(t)
	fp := &fakeProvider{docs: map[string]Doc{}} // provider knows nothing
	u.Provider = fp
	u.Opts = Options{Revalidate: true}

	out, err := u.Upsert(context.Background(), []Doc{
		{"id": "cus_50", "object": "customer", "email": "stale@x"},
	}, "acct_1", 1000)
	require.NoError(t, err)
	assert.Empty(t, out.Errors)
	assert.Contains(t, fp.retrieved, "cus_50")

	_, _, deleted := getRow(t, u, "customers", "cus_50")
	assert.True(t, deleted)
}
