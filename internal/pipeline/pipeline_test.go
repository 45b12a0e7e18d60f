package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/database"
	"ordersync/internal/events"
	"ordersync/internal/fetch"
	"ordersync/internal/importer"
	"ordersync/internal/models"
	"ordersync/internal/session"
	"ordersync/internal/vendor"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	err error
}

func (f *fakeTokens) GetValidToken(ctx context.Context, accountID string) (models.SessionToken, error) {
	if f.err != nil {
		return models.SessionToken{}, f.err
	}
	return models.SessionToken{AccountID: accountID, Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	results map[vendor.Feed]fetch.Result
	errs    map[vendor.Feed]error
	calls   []vendor.Feed
	block   chan struct{}
}

func (f *fakeFetcher) FetchAll(ctx context.Context, accountID string, rng models.DateRange, filters fetch.Filters, maxItems int, onProgress func(fetch.PageProgress)) (fetch.Result, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, filters.Feed)
	return f.results[filters.Feed], f.errs[filters.Feed]
}

type eventLog struct {
	mu     sync.Mutex
	events []*events.Event
}

func (l *eventLog) record(e *events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *eventLog) completed(t *testing.T) events.SyncCompletedPayload {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == events.EventSyncCompleted {
			var p events.SyncCompletedPayload
			require.NoError(t, e.Decode(&p))
			return p
		}
	}
	t.Fatal("no sync_completed event")
	return events.SyncCompletedPayload{}
}

func order(id string, qty int) models.VendorOrder {
	return models.VendorOrder{
		VendorOrderID: id,
		OrderNumber:   "N-" + id,
		Channel:       "amazon",
		ReceivedAt:    time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC),
		TotalCharge:   decimal.RequireFromString("12.5"),
		IsOpen:        true,
		Items: []models.VendorOrderItem{
			{SKU: "S-" + id, Quantity: qty, PricePerUnit: decimal.RequireFromString("12.5"), LineTotal: decimal.RequireFromString("12.5")},
		},
	}
}

func processedOrder(id string, at time.Time) models.VendorOrder {
	o := order(id, 1)
	o.IsOpen = false
	o.IsProcessed = true
	o.ProcessedAt = &at
	return o
}

type fixture struct {
	pipeline *Pipeline
	db       *database.DB
	fetcher  *fakeFetcher
	tokens   *fakeTokens
	log      *eventLog
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine := importer.NewEngine(db, config.SyncConfig{BatchSize: 2, Workers: 2}, &logger)
	f := &fixture{
		db:      db,
		fetcher: &fakeFetcher{results: map[vendor.Feed]fetch.Result{}, errs: map[vendor.Feed]error{}},
		tokens:  &fakeTokens{},
		log:     &eventLog{},
	}
	f.pipeline = New(f.tokens, f.fetcher, engine, config.SyncConfig{}, "acct", &logger)

	bus := events.NewEventBus()
	for _, typ := range []string{events.EventSyncStarted, events.EventBatchProcessed, events.EventSyncCompleted} {
		bus.Subscribe(typ, f.log.record)
	}
	f.pipeline.SetEvents(bus)
	return f
}

func lastWeek() models.DateRange {
	return models.LastDays(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), 7)
}

func TestRunSync(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	processedAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	f.fetcher.results[vendor.FeedOpen] = fetch.Result{
		Orders:      []models.VendorOrder{order("V1", 1), order("V2", 1), order("V3", 1)},
		FailedPages: []fetch.PageFailure{{Page: 2, Err: errors.New("502")}},
	}
	f.fetcher.results[vendor.FeedProcessed] = fetch.Result{
		Orders: []models.VendorOrder{processedOrder("V1", processedAt), processedOrder("V9", processedAt)},
	}

	res, err := f.pipeline.RunSync(ctx, lastWeek(), WithTrigger(TriggerScheduled))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, TriggerScheduled, res.Trigger)
	assert.Equal(t, 5, res.Fetched)
	assert.Equal(t, 1, res.FailedPages)
	assert.Equal(t, 3, res.Open.Created)
	assert.Equal(t, 4, res.Totals.Created)
	assert.Equal(t, 1, res.Totals.Updated)
	assert.Equal(t, []vendor.Feed{vendor.FeedOpen, vendor.FeedProcessed}, f.fetcher.calls)

	v1, err := f.db.GetOrderByIdentifier(ctx, "V1")
	require.NoError(t, err)
	assert.True(t, v1.IsProcessed)
	assert.False(t, v1.IsOpen)

	v9, err := f.db.GetOrderByIdentifier(ctx, "V9")
	require.NoError(t, err)
	assert.True(t, v9.IsProcessed)

	types := f.log.types()
	assert.Equal(t, []string{
		events.EventSyncStarted,
		events.EventBatchProcessed,
		events.EventBatchProcessed,
		events.EventSyncCompleted,
	}, types)

	done := f.log.completed(t)
	assert.True(t, done.Success)
	assert.Equal(t, res.RunID, done.RunID)
	assert.Equal(t, 1, done.FailedPages)

	snap, ok := f.pipeline.Progress()
	require.True(t, ok)
	assert.Equal(t, 2, snap.BatchIndex)
	assert.Equal(t, 2, snap.TotalBatches)
	assert.Equal(t, 3, snap.ProcessedCount)

	last, ok := f.pipeline.LastResult()
	require.True(t, ok)
	assert.Equal(t, res.RunID, last.RunID)
	assert.False(t, f.pipeline.Running())
}

func TestRunSync_SecondPassWritesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.fetcher.results[vendor.FeedOpen] = fetch.Result{Orders: []models.VendorOrder{order("V1", 1)}}

	first, err := f.pipeline.RunSync(ctx, lastWeek())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Totals.Created)

	second, err := f.pipeline.RunSync(ctx, lastWeek())
	require.NoError(t, err)
	assert.Zero(t, second.Totals.Created)
	assert.Zero(t, second.Totals.Updated)
	assert.Equal(t, 1, second.Totals.Skipped)

	forced, err := f.pipeline.RunSync(ctx, lastWeek(), WithForce())
	require.NoError(t, err)
	assert.Equal(t, 1, forced.Totals.Updated)
}

func TestRunSync_RecordFailureMarksRunUnsuccessful(t *testing.T) {
	f := setup(t)
	f.fetcher.results[vendor.FeedOpen] = fetch.Result{Orders: []models.VendorOrder{order("V1", 1), order("V2", -1)}}

	res, err := f.pipeline.RunSync(context.Background(), lastWeek())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Totals.Failed)
	assert.Equal(t, 1, res.Totals.Created)
	assert.False(t, f.log.completed(t).Success)
}

func TestRunSync_AuthErrorAbortsRun(t *testing.T) {
	f := setup(t)
	f.tokens.err = &session.AuthError{Kind: session.AuthNoConnection, AccountID: "acct"}

	res, err := f.pipeline.RunSync(context.Background(), lastWeek())
	var authErr *session.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, res.Success)
	assert.Empty(t, f.fetcher.calls)

	done := f.log.completed(t)
	assert.False(t, done.Success)
	assert.Contains(t, done.Error, "no_connection")
}

func TestRunSync_FetchAuthErrorSkipsImport(t *testing.T) {
	f := setup(t)
	f.fetcher.results[vendor.FeedOpen] = fetch.Result{Orders: []models.VendorOrder{order("V1", 1)}}
	f.fetcher.errs[vendor.FeedOpen] = &session.AuthError{Kind: session.AuthRefreshFailed, AccountID: "acct"}

	res, err := f.pipeline.RunSync(context.Background(), lastWeek())
	require.Error(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Zero(t, res.Totals.Processed)

	count, err := f.db.CountOrders(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRunSync_RejectsInvalidRange(t *testing.T) {
	f := setup(t)
	now := time.Now()

	_, err := f.pipeline.RunSync(context.Background(), models.DateRange{From: now, To: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.Empty(t, f.log.types())
}

func TestRunSync_OneRunAtATime(t *testing.T) {
	f := setup(t)
	f.fetcher.block = make(chan struct{})

	errs := make(chan error, 1)
	go func() {
		_, err := f.pipeline.RunSync(context.Background(), lastWeek())
		errs <- err
	}()

	require.Eventually(t, f.pipeline.Running, time.Second, time.Millisecond)
	_, err := f.pipeline.RunSync(context.Background(), lastWeek())
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(f.fetcher.block)
	require.NoError(t, <-errs)
	assert.False(t, f.pipeline.Running())
}

func TestRunSync_ProcessedFeedOnlyOrderStoredAsProcessed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	row, err := vendor.DecodeOrder([]byte(`{
		"pkOrderID": "P1",
		"nOrderId": 5001,
		"Source": "ebay",
		"dReceivedDate": "2026-03-09T08:00:00Z",
		"dProcessedOn": "2026-03-10T10:00:00Z",
		"fTotalCharge": 20.5,
		"Items": [{"SKU": "SKU-P1", "Quantity": 1, "PricePerUnit": 20.5}]
	}`))
	require.NoError(t, err)
	require.False(t, row.IsProcessed)
	f.fetcher.results[vendor.FeedProcessed] = fetch.Result{Orders: []models.VendorOrder{row}}

	first, err := f.pipeline.RunSync(ctx, lastWeek())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Totals.Created)

	stored, err := f.db.GetOrderByIdentifier(ctx, "P1")
	require.NoError(t, err)
	assert.True(t, stored.IsProcessed)
	assert.False(t, stored.IsOpen)
	require.NotNil(t, stored.ProcessedAt)
	assert.True(t, stored.ProcessedAt.Equal(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)))

	second, err := f.pipeline.RunSync(ctx, lastWeek())
	require.NoError(t, err)
	assert.Zero(t, second.Totals.Updated)
	assert.Zero(t, second.Totals.Created)
}
