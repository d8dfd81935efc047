package fetch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/runs"
	"github.com/erauner12/stripesync/internal/stripeapi"
)

// scriptedLister returns canned pages in order and records every
// request so tests can assert on the pagination parameters sent.
type scriptedLister struct {
	pages    []*stripeapi.List
	errs     []error
	requests []stripeapi.ListParams
}

func (s *scriptedLister) List(_ context.Context, p stripeapi.ListParams) (*stripeapi.List, error) {
	s.requests = append(s.requests, p)
	i := len(s.requests) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.pages) {
		return s.pages[i], nil
	}
	return &stripeapi.List{Object: "list"}, nil
}

func doc(id string, created int64) map[string]any {
	return map[string]any{"id": id, "object": "customer", "created": float64(created)}
}

func TestFetchPageWalksBackward(t *testing.T) {
	lister := &scriptedLister{pages: []*stripeapi.List{
		{Object: "list", Data: []map[string]any{doc("cus_3", 300), doc("cus_2", 200)}, HasMore: true},
		{Object: "list", Data: []map[string]any{doc("cus_1", 100)}, HasMore: false},
	}}
	f := &Fetcher{Client: lister}
	task := &runs.Task{Object: "customer"}

	page, err := f.FetchPage(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(200), page.MinCreated)
	assert.Equal(t, "cus_2", page.LastID)
	assert.Zero(t, lister.requests[0].CreatedLTE, "first page is unbounded above")
	assert.Empty(t, lister.requests[0].StartingAfter)

	// The registry records the page's oldest created as the new cursor.
	task.Cursor = page.MinCreated
	page, err = f.FetchPage(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.Equal(t, int64(100), page.MinCreated)
	assert.Equal(t, int64(200), lister.requests[1].CreatedLTE,
		"later pages are bounded by the previous page's oldest created")
}

func TestFetchPageResumesMidPage(t *testing.T) {
	lister := &scriptedLister{pages: []*stripeapi.List{
		{Object: "list", Data: []map[string]any{doc("cus_5", 200)}, HasMore: true},
	}}
	f := &Fetcher{Client: lister}

	_, err := f.FetchPage(context.Background(), &runs.Task{
		Object:     "customer",
		Cursor:     200,
		PageCursor: "cus_7",
	})
	require.NoError(t, err)
	assert.Equal(t, "cus_7", lister.requests[0].StartingAfter)
	assert.Equal(t, int64(200), lister.requests[0].CreatedLTE)
}

func TestFetchPageHonorsSliceWindow(t *testing.T) {
	lister := &scriptedLister{}
	f := &Fetcher{Client: lister}

	_, err := f.FetchPage(context.Background(), &runs.Task{
		Object:     "customer",
		CreatedGTE: 1000,
		CreatedLTE: 2000,
	})
	require.NoError(t, err)
	require.Len(t, lister.requests, 1)
	assert.Equal(t, int64(1000), lister.requests[0].CreatedGTE)
	assert.Equal(t, int64(2000), lister.requests[0].CreatedLTE)
	assert.Equal(t, "/v1/customers", lister.requests[0].Path)
	assert.Equal(t, 100, lister.requests[0].Limit)
}

func TestFetchPageRetriesTransient(t *testing.T) {
	transient := db.Errorf(db.KindTransient, "connection reset")
	lister := &scriptedLister{
		errs: []error{transient, transient, nil},
		pages: []*stripeapi.List{nil, nil,
			{Object: "list", Data: []map[string]any{doc("cus_1", 100)}},
		},
	}
	f := &Fetcher{Client: lister, MaxRetries: 2}

	page, err := f.FetchPage(context.Background(), &runs.Task{Object: "customer"})
	require.NoError(t, err)
	assert.Len(t, lister.requests, 3)
	assert.Equal(t, "cus_1", page.LastID)
}

func TestFetchPagePermanentFailsFast(t *testing.T) {
	lister := &scriptedLister{errs: []error{db.Errorf(db.KindPermanent, "invalid request")}}
	f := &Fetcher{Client: lister}

	_, err := f.FetchPage(context.Background(), &runs.Task{Object: "customer"})
	require.Error(t, err)
	assert.Equal(t, db.KindPermanent, db.KindOf(err))
	assert.Len(t, lister.requests, 1, "permanent failures are not retried")
}

func TestFetchPageRejectsContextBoundKinds(t *testing.T) {
	f := &Fetcher{Client: &scriptedLister{}}

	for _, object := range []string{"payment_method", "tax_id"} {
		_, err := f.FetchPage(context.Background(), &runs.Task{Object: object})
		require.Error(t, err, object)
		assert.Equal(t, db.KindPermanent, db.KindOf(err))
	}
}

func TestFetchPageUnknownObject(t *testing.T) {
	f := &Fetcher{Client: &scriptedLister{}}

	_, err := f.FetchPage(context.Background(), &runs.Task{Object: "llama"})
	require.Error(t, err)
	assert.Equal(t, db.KindPermanent, db.KindOf(err))
}
