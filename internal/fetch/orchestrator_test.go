package fetch

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"ordersync/internal/models"
	"ordersync/internal/session"
	"ordersync/internal/vendor"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVendor serves totalPages pages of perPage orders.
type fakeVendor struct {
	mu         sync.Mutex
	totalPages int
	perPage    int
	cursors    bool
	failPages  map[int]error
	queries    []vendor.PageQuery
	onRequest  func(n int)
}

func (f *fakeVendor) FetchPage(ctx context.Context, accountID string, feed vendor.Feed, q vendor.PageQuery) (vendor.Page, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	n := len(f.queries)
	f.mu.Unlock()
	if f.onRequest != nil {
		f.onRequest(n)
	}

	pageNumber := q.PageNumber
	if f.cursors && q.Cursor != "" {
		_, _ = fmt.Sscanf(q.Cursor, "c%d", &pageNumber)
	}
	if err, ok := f.failPages[pageNumber]; ok {
		return vendor.Page{}, err
	}

	orders := make([]models.VendorOrder, 0, f.perPage)
	for i := 0; i < f.perPage; i++ {
		orders = append(orders, models.VendorOrder{VendorOrderID: fmt.Sprintf("p%d-%d", pageNumber, i)})
	}
	page := vendor.Page{
		Orders:     orders,
		PageNumber: pageNumber,
		TotalPages: f.totalPages,
		HasMore:    pageNumber < f.totalPages,
	}
	if f.cursors && page.HasMore {
		page.NextCursor = fmt.Sprintf("c%d", pageNumber+1)
	}
	return page, nil
}

func (f *fakeVendor) requests() []vendor.PageQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vendor.PageQuery(nil), f.queries...)
}

func newOrchestrator(f *fakeVendor, pageSize int) *Orchestrator {
	logger := zerolog.Nop()
	return NewOrchestrator(f, pageSize, &logger)
}

func transient() error {
	return &vendor.APIError{Kind: vendor.KindServer, StatusCode: 503}
}

func TestFetchAll_CapKeepsLastPageWhole(t *testing.T) {
	f := &fakeVendor{totalPages: 10, perPage: 200}
	o := newOrchestrator(f, 200)

	var progress []PageProgress
	res, err := o.FetchAll(context.Background(), "acct", models.DateRange{}, Filters{}, 500, func(p PageProgress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	assert.Len(t, f.requests(), 3)
	assert.Len(t, res.Orders, 600)
	assert.True(t, res.Capped)
	assert.Equal(t, 3, res.Pages)
	require.Len(t, progress, 3)
	assert.Equal(t, PageProgress{Page: 3, Fetched: 600, TotalPages: 10}, progress[2])
}

func TestFetchAll_StopsWhenNoMorePages(t *testing.T) {
	f := &fakeVendor{totalPages: 4, perPage: 5}
	o := newOrchestrator(f, 5)

	res, err := o.FetchAll(context.Background(), "acct", models.DateRange{}, Filters{Feed: vendor.FeedProcessed}, 0, nil)
	require.NoError(t, err)
	assert.Len(t, res.Orders, 20)
	assert.False(t, res.Capped)

	reqs := f.requests()
	require.Len(t, reqs, 4)
	for i, q := range reqs {
		assert.Equal(t, i+1, q.PageNumber)
		assert.Equal(t, 5, q.PageSize)
	}
}

func TestFetchAll_FailedPageDroppedAndWalkContinues(t *testing.T) {
	f := &fakeVendor{totalPages: 4, perPage: 10, failPages: map[int]error{2: transient()}}
	o := newOrchestrator(f, 10)

	res, err := o.FetchAll(context.Background(), "acct", models.DateRange{}, Filters{}, 0, nil)
	require.NoError(t, err)

	assert.Len(t, res.Orders, 30)
	assert.True(t, res.Partial())
	require.Len(t, res.FailedPages, 1)
	assert.Equal(t, 2, res.FailedPages[0].Page)
	assert.Len(t, f.requests(), 4)
}

func TestFetchAll_FailingFirstPagesGiveUp(t *testing.T) {
	fail := map[int]error{1: transient(), 2: transient(), 3: transient(), 4: transient()}
	f := &fakeVendor{totalPages: 10, perPage: 1, failPages: fail}
	o := newOrchestrator(f, 1)

	res, err := o.FetchAll(context.Background(), "acct", models.DateRange{}, Filters{}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Orders)
	assert.Len(t, res.FailedPages, maxConsecutiveFailures)
}

func TestFetchAll_AuthErrorAborts(t *testing.T) {
	authErr := &session.AuthError{Kind: session.AuthRefreshFailed, AccountID: "acct"}
	f := &fakeVendor{totalPages: 5, perPage: 2, failPages: map[int]error{3: authErr}}
	o := newOrchestrator(f, 2)

	res, err := o.FetchAll(context.Background(), "acct", models.DateRange{}, Filters{}, 0, nil)
	require.ErrorAs(t, err, &authErr)
	assert.Len(t, res.Orders, 4)
	assert.Len(t, f.requests(), 3)
}

func TestFetchAll_CursorMode(t *testing.T) {
	t.Run("FollowsCursor", func(t *testing.T) {
		f := &fakeVendor{totalPages: 3, perPage: 2, cursors: true}
		o := newOrchestrator(f, 2)

		res, err := o.FetchAll(context.Background(), "acct", models.DateRange{}, Filters{}, 0, nil)
		require.NoError(t, err)
		assert.Len(t, res.Orders, 6)

		reqs := f.requests()
		require.Len(t, reqs, 3)
		assert.Empty(t, reqs[0].Cursor)
		assert.Equal(t, "c2", reqs[1].Cursor)
		assert.Equal(t, "c3", reqs[2].Cursor)
	})

	t.Run("FailedPageStops", func(t *testing.T) {
		f := &fakeVendor{totalPages: 5, perPage: 2, cursors: true, failPages: map[int]error{2: transient()}}
		o := newOrchestrator(f, 2)

		res, err := o.FetchAll(context.Background(), "acct", models.DateRange{}, Filters{}, 0, nil)
		require.NoError(t, err)
		assert.Len(t, res.Orders, 2)
		assert.Len(t, res.FailedPages, 1)
		assert.Len(t, f.requests(), 2)
	})
}

func TestFetchAll_CancelledAtPageBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeVendor{totalPages: 10, perPage: 3}
	f.onRequest = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	o := newOrchestrator(f, 3)

	res, err := o.FetchAll(ctx, "acct", models.DateRange{}, Filters{}, 0, nil)
	require.ErrorIs(t, err, context.Canceled)
	// The in-flight page completes; no further page is requested.
	assert.Len(t, res.Orders, 6)
	assert.Len(t, f.requests(), 2)
}

func TestFetchAll_DropsDuplicateIdentifiers(t *testing.T) {
	logger := zerolog.Nop()
	o := NewOrchestrator(dupVendor{}, 10, &logger)

	res, err := o.FetchAll(context.Background(), "acct", models.DateRange{}, Filters{}, 0, nil)
	require.NoError(t, err)
	assert.Len(t, res.Orders, 3)
	assert.Equal(t, 1, res.Duplicates)
}

type dupVendor struct{}

func (dupVendor) FetchPage(ctx context.Context, accountID string, feed vendor.Feed, q vendor.PageQuery) (vendor.Page, error) {
	return vendor.Page{Orders: []models.VendorOrder{
		{VendorOrderID: "a"},
		{VendorOrderID: "a"},
		{ChannelRef: "no-identity"},
		{OrderNumber: "17"},
	}}, nil
}
