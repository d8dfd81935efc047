package runs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/migrate"
)

const testSchema = "stripe_test"

func getTestRegistry(t *testing.T) *Registry {
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
	for _, table := range []string{"object_runs", "sync_runs", "sync_cursors", "rate_counters"} {
		if _, err := pool.Exec(context.Background(), fmt.Sprintf("DELETE FROM %s.%s", testSchema, table)); err != nil {
			t.Fatalf("Failed to clean %s: %v", table, err)
		}
	}
	return NewRegistry(pool, testSchema)
}

func threeSlices() []Slice {
	return []Slice{
		{Object: "customer", Priority: 1},
		{Object: "product", Priority: 2},
		{Object: "subscription", Priority: 7},
	}
}

func TestJoinOrCreateRunKeepsOneOpenRun_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	r := getTestRegistry(t)
	ctx := context.Background()

	key1, created, err := r.JoinOrCreateRun(ctx, "acct_1", "worker", 4, threeSlices())
	require.NoError(t, err)
	assert.True(t, created)

	// Joining again returns the same open run.
	key2, created, err := r.JoinOrCreateRun(ctx, "acct_1", "worker", 4, threeSlices())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, key1, key2)

	// A different trigger gets its own run.
	key3, created, err := r.JoinOrCreateRun(ctx, "acct_1", "sigma-worker", 4, threeSlices())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, key1.StartedAt, key3.StartedAt)

	// Closing frees the (account, trigger) pair for a new run.
	_, err = r.CancelRun(ctx, "acct_1", "worker")
	require.NoError(t, err)
	key4, created, err := r.JoinOrCreateRun(ctx, "acct_1", "worker", 4, threeSlices())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, key1.StartedAt, key4.StartedAt)
}

func TestFirstCompletionDoesNotCloseRun_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	r := getTestRegistry(t)
	ctx := context.Background()

	key, _, err := r.JoinOrCreateRun(ctx, "acct_2", "worker", 4, threeSlices())
	require.NoError(t, err)

	task, err := r.ClaimNextTask(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, r.CompleteObject(ctx, task, 100, 3))

	sums, err := r.Summary(ctx, "acct_2", 1)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Zero(t, sums[0].ClosedAt, "run must stay open with slices outstanding")
	assert.Equal(t, 3, sums[0].Total)
	assert.Equal(t, 1, sums[0].Complete)
	assert.Equal(t, "running", sums[0].Status)

	// Finishing the rest closes it.
	for {
		task, err := r.ClaimNextTask(ctx, key)
		require.NoError(t, err)
		if task == nil {
			break
		}
		require.NoError(t, r.CompleteObject(ctx, task, 100, 0))
	}
	sums, err = r.Summary(ctx, "acct_2", 1)
	require.NoError(t, err)
	assert.NotZero(t, sums[0].ClosedAt)
	assert.Equal(t, "complete", sums[0].Status)
}

func TestClaimHonorsPriorityAndConcurrencyCap_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	r := getTestRegistry(t)
	ctx := context.Background()

	key, _, err := r.JoinOrCreateRun(ctx, "acct_3", "worker", 1, threeSlices())
	require.NoError(t, err)

	task, err := r.ClaimNextTask(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "customer", task.Object, "parents claim first")

	// Cap of one: nothing else claimable while the first runs.
	blocked, err := r.ClaimNextTask(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	require.NoError(t, r.CompleteObject(ctx, task, 0, 0))
	next, err := r.ClaimNextTask(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "product", next.Object)
}

func TestConcurrentClaimsAreExclusive_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	r := getTestRegistry(t)
	ctx := context.Background()

	key, _, err := r.JoinOrCreateRun(ctx, "acct_4", "worker", 8, threeSlices())
	require.NoError(t, err)

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := r.ClaimNextTask(ctx, key)
			if err != nil || task == nil {
				return
			}
			mu.Lock()
			claimed[task.Object]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for object, n := range claimed {
		assert.Equal(t, 1, n, "slice %s claimed more than once", object)
	}
	assert.Len(t, claimed, 3)
}

func TestUpdateProgressAdvancesThenCompletes_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	r := getTestRegistry(t)
	ctx := context.Background()

	key, _, err := r.JoinOrCreateRun(ctx, "acct_5", "cli-backfill", 4, []Slice{{Object: "product", Priority: 2}})
	require.NoError(t, err)
	task, err := r.ClaimNextTask(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, task)

	done, err := r.UpdateProgress(ctx, task, Progress{MinCreated: 300, LastID: "prod_3", HasMore: true, Items: 100})
	require.NoError(t, err)
	assert.False(t, done)
	assert.EqualValues(t, 300, task.Cursor)
	assert.Equal(t, "prod_3", task.PageCursor)

	done, err = r.UpdateProgress(ctx, task, Progress{MinCreated: 100, LastID: "prod_9", HasMore: false, Items: 42})
	require.NoError(t, err)
	assert.True(t, done)

	// Final cursor lands in sync_cursors for the next incremental run.
	var cursor int64
	require.NoError(t, r.Pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT cursor FROM %s.sync_cursors WHERE account_id = 'acct_5' AND object = 'product'", testSchema)).Scan(&cursor))
	assert.EqualValues(t, 100, cursor)

	slices, err := r.Slices(ctx, "acct_5", []string{"product"}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 101, slices[0].CreatedGTE)

	sums, err := r.Summary(ctx, "acct_5", 1)
	require.NoError(t, err)
	assert.Equal(t, "complete", sums[0].Status)
	assert.EqualValues(t, 142, sums[0].Processed)
}

func TestPageOlderThanSliceBoundaryCompletes_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	r := getTestRegistry(t)
	ctx := context.Background()

	key, _, err := r.JoinOrCreateRun(ctx, "acct_6", "cli-backfill", 4,
		[]Slice{{Object: "charge", CreatedGTE: 500, Priority: 10}})
	require.NoError(t, err)
	task, err := r.ClaimNextTask(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, task)

	done, err := r.UpdateProgress(ctx, task, Progress{MinCreated: 400, LastID: "ch_1", HasMore: true, Items: 50})
	require.NoError(t, err)
	assert.True(t, done, "page past the slice floor must complete the slice")
}

func TestCancelRunErrorsInFlightSlices_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	r := getTestRegistry(t)
	ctx := context.Background()

	key, _, err := r.JoinOrCreateRun(ctx, "acct_7", "worker", 4, threeSlices())
	require.NoError(t, err)
	_, err = r.ClaimNextTask(ctx, key)
	require.NoError(t, err)

	n, err := r.CancelRun(ctx, "acct_7", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var msgs []string
	rows, err := r.Pool.Query(ctx, fmt.Sprintf(
		"SELECT error FROM %s.object_runs WHERE account_id = 'acct_7' AND status = 'error'", testSchema))
	require.NoError(t, err)
	for rows.Next() {
		var m string
		require.NoError(t, rows.Scan(&m))
		msgs = append(msgs, m)
	}
	rows.Close()
	require.NoError(t, rows.Err())
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, "cancelled", m)
	}

	sums, err := r.Summary(ctx, "acct_7", 1)
	require.NoError(t, err)
	assert.NotZero(t, sums[0].ClosedAt)
	assert.Equal(t, "error", sums[0].Status)
}

func TestReclaimStaleTasks_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	r := getTestRegistry(t)
	ctx := context.Background()

	key, _, err := r.JoinOrCreateRun(ctx, "acct_8", "worker", 4, []Slice{{Object: "customer", Priority: 1}})
	require.NoError(t, err)
	task, err := r.ClaimNextTask(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, task)

	// Nothing stale yet.
	n, err := r.ReclaimStaleTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Backdate the claim as if its worker died mid-task.
	stale := time.Now().Add(-10 * time.Minute).UnixMilli()
	_, err = r.Pool.Exec(ctx, fmt.Sprintf(
		"UPDATE %s.object_runs SET updated_at = $1 WHERE account_id = 'acct_8'", testSchema), stale)
	require.NoError(t, err)

	n, err = r.ReclaimStaleTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := r.ClaimNextTask(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "customer", reclaimed.Object)
}

func TestSweepStaleRunsCancels_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	r := getTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.JoinOrCreateRun(ctx, "acct_9", "worker", 4, threeSlices())
	require.NoError(t, err)

	// Fresh run survives the sweep.
	n, err := r.SweepStaleRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A run left open since yesterday does not.
	old := time.Now().Add(-7 * time.Hour).UnixMilli()
	_, err = r.Pool.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s.sync_runs (account_id, started_at, trigger) VALUES ('acct_9_old', $1, 'worker')", testSchema), old)
	require.NoError(t, err)
	_, err = r.Pool.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s.object_runs (account_id, run_started_at, object, priority, status) VALUES ('acct_9_old', $1, 'customer', 1, 'running')", testSchema), old)
	require.NoError(t, err)

	n, err = r.SweepStaleRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var status, msg string
	require.NoError(t, r.Pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT status, error FROM %s.object_runs WHERE account_id = 'acct_9_old'", testSchema)).Scan(&status, &msg))
	assert.Equal(t, "error", status)
	assert.Equal(t, "cancelled", msg)
}

func TestSlicesRejectsUnknownKind(t *testing.T) {
	r := &Registry{Schema: testSchema}
	_, err := r.Slices(context.Background(), "acct_x", []string{"warehouse"}, false)
	require.Error(t, err)
	assert.Equal(t, db.KindConfig, db.KindOf(err))
}
