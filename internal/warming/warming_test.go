package warming

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/domain"
	"ordersync/internal/events"
	"ordersync/internal/models"
	"ordersync/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecomputer struct {
	mu    sync.Mutex
	tasks []Task
	fail  string
}

func (r *countingRecomputer) Recompute(ctx context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	if task.Key() == r.fail {
		return errors.New("boom")
	}
	return nil
}

type fixedSource struct{}

func (fixedSource) AggregateOrders(ctx context.Context, from, to time.Time, channel, status string) (domain.OrderAggregate, error) {
	return domain.OrderAggregate{Count: 2, Revenue: decimal.RequireFromString("31.50")}, nil
}

func newRedisStore(t *testing.T) (*repository.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return repository.NewRedisStore(client), s
}

func testSpace() Space {
	return Space{
		Windows:  []string{"today", "7d"},
		Channels: []string{"all", "amazon"},
		Statuses: []string{"all", "open", "processed"},
	}
}

func TestSpaceTasks(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	tasks, err := testSpace().Tasks(now)
	require.NoError(t, err)
	require.Len(t, tasks, 12)

	assert.Equal(t, "metrics:today:all:all", tasks[0].Key())
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), tasks[0].Range.From)
	assert.Equal(t, "metrics:7d:amazon:processed", tasks[11].Key())
	assert.Equal(t, now.AddDate(0, 0, -7), tasks[11].Range.From)
}

func TestResolveWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	rng, err := ResolveWindow("yesterday", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), rng.From)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), rng.To)

	rng, err = ResolveWindow("6h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-6*time.Hour), rng.From)

	for _, bad := range []string{"", "d", "0d", "-3d", "week", "3w"} {
		_, err := ResolveWindow(bad, now)
		assert.Error(t, err, bad)
	}
}

func TestLoadSpace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warming.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
windows: [today, 30d]
channels: [all, ebay]
statuses: [open]
`), 0o600))

	s, err := LoadSpace(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"today", "30d"}, s.Windows)
	assert.Equal(t, 4, s.Size())

	require.NoError(t, os.WriteFile(path, []byte("windows: [today]\nchannels: [all]\nstatuses: [shipped]\n"), 0o600))
	_, err = LoadSpace(path)
	assert.ErrorContains(t, err, "shipped")
}

func TestWarm_DebouncesPerWindow(t *testing.T) {
	store, mr := newRedisStore(t)
	rec := &countingRecomputer{}
	logger := zerolog.Nop()
	o := NewOrchestrator(testSpace(), store, rec, config.WarmingConfig{Debounce: 5 * time.Minute, Workers: 3}, &logger)

	ctx := context.Background()
	res, err := o.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Tasks)
	assert.Equal(t, []string{"today", "7d"}, res.Windows)
	assert.NotEmpty(t, res.ID)

	// A burst of completions inside the debounce window is collapsed.
	for i := 0; i < 5; i++ {
		res, err = o.Warm(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Tasks)
		assert.Equal(t, []string{"today", "7d"}, res.Debounced)
	}
	assert.Len(t, rec.tasks, 12)

	// One window expires early; only it is warmed again.
	mr.Del(gateKeyPrefix + "today")
	res, err = o.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Tasks)
	assert.Equal(t, []string{"today"}, res.Windows)

	mr.FastForward(5 * time.Minute)
	res, err = o.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Tasks)
}

func TestWarm_EventsAndFailures(t *testing.T) {
	rec := &countingRecomputer{fail: "metrics:7d:amazon:open"}
	logger := zerolog.Nop()
	o := NewOrchestrator(testSpace(), nil, rec, config.WarmingConfig{Workers: 2}, &logger)

	bus := events.NewEventBus()
	o.SetEvents(bus)

	var (
		mu   sync.Mutex
		seen []string
	)
	periods := make(map[string]events.WarmingPeriodPayload)
	record := func(e *events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
		if e.Type == events.EventWarmingPeriodWarmed {
			var p events.WarmingPeriodPayload
			require.NoError(t, e.Decode(&p))
			periods[p.Window] = p
		}
		return nil
	}
	bus.Subscribe(events.EventWarmingStarted, record)
	bus.Subscribe(events.EventWarmingPeriodWarmed, record)
	bus.Subscribe(events.EventWarmingCompleted, record)

	res, err := o.Warm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	require.Len(t, seen, 4)
	assert.Equal(t, events.EventWarmingStarted, seen[0])
	assert.Equal(t, events.EventWarmingCompleted, seen[3])
	assert.Equal(t, 6, periods["7d"].Tasks)
	assert.Equal(t, 1, periods["7d"].Failed)
	assert.Zero(t, periods["today"].Failed)
}

func TestAggregateRecomputer(t *testing.T) {
	store, mr := newRedisStore(t)
	r := NewAggregateRecomputer(fixedSource{}, store, time.Hour)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	task := Task{Window: "7d", Channel: "all", Status: "open", Range: mustResolve(t, "7d", now)}
	require.NoError(t, r.Recompute(context.Background(), task))

	raw, err := mr.Get("metrics:7d:all:open")
	require.NoError(t, err)

	var m Metric
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, 2, m.Count)
	assert.True(t, m.Revenue.Equal(decimal.RequireFromString("31.5")))
	assert.Equal(t, time.Hour, mr.TTL("metrics:7d:all:open"))
}

func TestRun_WarmsOnSyncCompleted(t *testing.T) {
	rec := &countingRecomputer{}
	logger := zerolog.Nop()
	space := Space{Windows: []string{"today"}, Channels: []string{"all"}, Statuses: []string{"all"}}
	o := NewOrchestrator(space, repository.NewMemoryStore(), rec, config.WarmingConfig{Debounce: time.Minute}, &logger)

	bus := events.NewEventBus()
	completed := make(chan struct{}, 4)
	bus.Subscribe(events.EventWarmingCompleted, func(*events.Event) error {
		completed <- struct{}{}
		return nil
	})
	o.SetEvents(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	signals, unsubscribe := bus.SubscribeChan(events.EventSyncCompleted, 4)
	go func() {
		o.Run(ctx, signals)
		close(done)
	}()

	require.NoError(t, bus.PublishJSON(events.EventSyncCompleted, events.SyncCompletedPayload{RunID: "r1", Success: true}))
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("warming did not run")
	}

	cancel()
	<-done
	unsubscribe()
	assert.Len(t, rec.tasks, 1)
}

func mustResolve(t *testing.T, name string, now time.Time) models.DateRange {
	t.Helper()
	r, err := ResolveWindow(name, now)
	require.NoError(t, err)
	return r
}

func TestRun_TrailingWarmAfterDebouncedSignal(t *testing.T) {
	rec := &countingRecomputer{}
	logger := zerolog.Nop()
	space := Space{Windows: []string{"today"}, Channels: []string{"all"}, Statuses: []string{"all"}}
	debounce := 200 * time.Millisecond
	o := NewOrchestrator(space, repository.NewMemoryStore(), rec, config.WarmingConfig{Debounce: debounce}, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan *events.Event, 4)
	done := make(chan struct{})
	go func() {
		o.Run(ctx, signals)
		close(done)
	}()

	warmed := func() int {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.tasks)
	}

	signals <- &events.Event{Type: events.EventSyncCompleted, Payload: []byte(`{"run_id":"r1"}`)}
	require.Eventually(t, func() bool { return warmed() == 1 }, time.Second, 5*time.Millisecond)

	// Both land inside the debounce window and collapse into one trailing pass.
	signals <- &events.Event{Type: events.EventSyncCompleted, Payload: []byte(`{"run_id":"r2"}`)}
	signals <- &events.Event{Type: events.EventSyncCompleted, Payload: []byte(`{"run_id":"r3"}`)}
	require.Eventually(t, func() bool { return warmed() == 2 }, time.Second, 5*time.Millisecond)

	time.Sleep(3 * debounce)
	assert.Equal(t, 2, warmed())

	cancel()
	<-done
}
