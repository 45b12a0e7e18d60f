package recovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/database"
	"ordersync/internal/events"
	"ordersync/internal/importer"
	"ordersync/internal/models"
	"ordersync/internal/repository"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEscalator struct {
	mock.Mock
}

func (m *mockEscalator) Escalate(ctx context.Context, rec *models.FailedSyncRecord) error {
	return m.Called(ctx, rec).Error(0)
}

type stubLookup struct {
	orders []models.VendorOrder
	calls  int
}

func (s *stubLookup) OrdersByID(ctx context.Context, accountID string, ids []string) ([]models.VendorOrder, error) {
	s.calls++
	return s.orders, nil
}

type fixture struct {
	svc   *Service
	db    *database.DB
	clock time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine := importer.NewEngine(db, config.SyncConfig{}, &logger)
	svc := NewService(db, engine, config.RecoveryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Minute,
		MaxDelay:      time.Hour,
		BackoffFactor: 2,
		DeadLetterKey: "test:deadletter",
	}, &logger)
	engine.SetFailureSink(svc)

	f := &fixture{svc: svc, db: db, clock: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	svc.now = func() time.Time { return f.clock }
	return f
}

func order(id string, quantity int) models.VendorOrder {
	return models.VendorOrder{
		VendorOrderID: id,
		OrderNumber:   "N-" + id,
		Channel:       "amazon",
		ReceivedAt:    time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC),
		TotalCharge:   decimal.RequireFromString("20"),
		IsOpen:        true,
		Items: []models.VendorOrderItem{
			{SKU: "SKU-1", Quantity: quantity, PricePerUnit: decimal.RequireFromString("20"), LineTotal: decimal.RequireFromString("20")},
		},
	}
}

func TestCapture(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Capture(ctx, order("V1", -1), "constraint failed"))

	recs, err := f.svc.List(ctx, models.FailedSyncPending, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "V1", recs[0].Identifier)
	assert.Equal(t, 1, recs[0].AttemptCount)
	assert.Equal(t, "constraint failed", recs[0].LastFailureReason)
	assert.True(t, recs[0].NextRetryEligibleAt.Equal(f.clock.Add(time.Minute)))
	assert.Contains(t, recs[0].RawPayload, `"pkOrderID":"V1"`)

	// Not yet eligible.
	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
}

func TestSweep_ExhaustsAfterRepeatedFailures(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	queue := repository.NewMemoryStore()
	esc := new(mockEscalator)
	bus := events.NewEventBus()
	f.svc.SetDeadLetters(queue)
	f.svc.SetEscalator(esc)
	f.svc.SetEvents(bus)

	var exhausted []events.FailedSyncExhaustedPayload
	bus.Subscribe(events.EventFailedSyncExhausted, func(e *events.Event) error {
		var p events.FailedSyncExhaustedPayload
		require.NoError(t, e.Decode(&p))
		exhausted = append(exhausted, p)
		return nil
	})
	esc.On("Escalate", mock.Anything, mock.MatchedBy(func(rec *models.FailedSyncRecord) bool {
		return rec.Identifier == "V1" && rec.Status == models.FailedSyncExhausted
	})).Return(nil).Once()

	// The main path fails and hands the order to Capture.
	s, err := f.svc.importer.Import(ctx, []models.VendorOrder{order("V1", -1)}, false)
	require.NoError(t, err)
	require.Equal(t, 1, s.Failed)

	for i, delay := range []time.Duration{time.Minute, 2 * time.Minute} {
		f.advance(delay)
		res, err := f.svc.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, SweepResult{Attempted: 1, Retrying: 1}, res, "sweep %d", i+1)
	}

	f.advance(4 * time.Minute)
	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Attempted: 1, Exhausted: 1}, res)

	recs, err := f.svc.ListExhausted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 4, recs[0].AttemptCount)

	// Exhausted records are never selected again.
	f.advance(24 * time.Hour)
	res, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)

	esc.AssertExpectations(t)
	require.Len(t, exhausted, 1)
	assert.Equal(t, "V1", exhausted[0].Identifier)
	assert.Equal(t, 4, exhausted[0].Attempts)

	letters := queue.DeadLetters("test:deadletter")
	require.Len(t, letters, 1)
	var dead models.FailedSyncRecord
	require.NoError(t, json.Unmarshal(letters[0], &dead))
	assert.Equal(t, "V1", dead.Identifier)

	// The main path now skips the identifier.
	s, err = f.svc.importer.Import(ctx, []models.VendorOrder{order("V1", 1)}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Skipped)
}

func TestSweep_Resolves(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Capture(ctx, order("V2", 1), "vendor timeout"))
	f.advance(time.Minute)

	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Attempted: 1, Resolved: 1}, res)

	stored, err := f.db.GetOrderByIdentifier(ctx, "V2")
	require.NoError(t, err)
	assert.Equal(t, "N-V2", stored.OrderNumber)

	recs, err := f.svc.List(ctx, models.FailedSyncResolved, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].AttemptCount)
}

func TestSweep_RefetchesIdentifierOnlyPayload(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	lookup := &stubLookup{orders: []models.VendorOrder{order("V3", 1)}}
	f.svc.SetLookup("acct", lookup)

	require.NoError(t, f.svc.Capture(ctx, models.VendorOrder{VendorOrderID: "V3"}, "partial payload"))
	f.advance(time.Minute)

	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, 1, lookup.calls)
}

func TestRequeue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Capture(ctx, order("V4", -1), "bad quantity"))
	for _, d := range []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute} {
		f.advance(d)
		_, err := f.svc.Sweep(ctx)
		require.NoError(t, err)
	}
	recs, err := f.svc.ListExhausted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, f.svc.Requeue(ctx, recs[0].ID))

	rec, err := f.db.GetFailedSync(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailedSyncPending, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)

	// Eligible immediately.
	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)

	// Only exhausted records can be requeued.
	assert.ErrorIs(t, f.svc.Requeue(ctx, recs[0].ID), database.ErrNotFound)
	assert.ErrorIs(t, f.svc.Requeue(ctx, 999), database.ErrNotFound)
}

func TestStart_StopsOnCancel(t *testing.T) {
	f := setup(t)
	f.svc.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.Start(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recovery loop did not stop")
	}
}
