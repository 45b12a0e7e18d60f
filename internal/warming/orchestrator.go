// Package warming recomputes cached order metrics after each completed sync.
package warming

import (
	"context"
	"sync"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/domain"
	"ordersync/internal/events"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const gateKeyPrefix = "warming:debounce:"

// Batch is a named set of tasks with a completion callback.
type Batch struct {
	ID         string
	Name       string
	Tasks      []Task
	OnComplete func(BatchResult)
}

// BatchResult summarizes a finished batch.
type BatchResult struct {
	ID        string
	Windows   []string
	Debounced []string
	Tasks     int
	Failed    int
	Duration  time.Duration
}

type Orchestrator struct {
	space      Space
	gate       domain.Gate
	recomputer Recomputer
	events     domain.EventPublisher
	debounce   time.Duration
	workers    int
	logger     *zerolog.Logger
	now        func() time.Time
}

func NewOrchestrator(space Space, gate domain.Gate, recomputer Recomputer, cfg config.WarmingConfig, logger *zerolog.Logger) *Orchestrator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	l := logger.With().Str("component", "warming").Logger()
	return &Orchestrator{
		space:      space,
		gate:       gate,
		recomputer: recomputer,
		debounce:   cfg.Debounce,
		workers:    workers,
		logger:     &l,
		now:        time.Now,
	}
}

func (o *Orchestrator) SetEvents(pub domain.EventPublisher) {
	o.events = pub
}

// Start warms after every sync_completed event on bus until ctx is done.
func (o *Orchestrator) Start(ctx context.Context, bus *events.EventBus) {
	signals, cancel := bus.SubscribeChan(events.EventSyncCompleted, 1)
	defer cancel()
	o.Run(ctx, signals)
}

// Run consumes completion signals until ctx is done or signals closes.
// A signal that finds windows debounced schedules one trailing pass at the
// end of the debounce interval.
func (o *Orchestrator) Run(ctx context.Context, signals <-chan *events.Event) {
	o.logger.Info().Int("combinations", o.space.Size()).Dur("debounce", o.debounce).Msg("cache warming started")
	defer o.logger.Info().Msg("cache warming stopped")

	var (
		trailing *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if trailing != nil {
			trailing.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-signals:
			if !ok {
				return
			}
			var p events.SyncCompletedPayload
			if err := ev.Decode(&p); err != nil {
				o.logger.Warn().Err(err).Msg("bad sync_completed payload")
			}
			o.logger.Debug().Str("run_id", p.RunID).Msg("sync completion received")
			res, err := o.Warm(ctx)
			if err != nil && ctx.Err() == nil {
				o.logger.Error().Err(err).Msg("cache warming failed")
			}
			if len(res.Debounced) > 0 && fire == nil {
				trailing = time.NewTimer(o.debounce)
				fire = trailing.C
				o.logger.Debug().Strs("windows", res.Debounced).Dur("in", o.debounce).Msg("trailing warm scheduled")
			}
		case <-fire:
			trailing, fire = nil, nil
			if _, err := o.Warm(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error().Err(err).Msg("trailing cache warming failed")
			}
		}
	}
}

// Warm runs one pass over every window not warmed within the debounce
// interval. Skipped windows are listed in Debounced; when all of them are,
// no task runs.
func (o *Orchestrator) Warm(ctx context.Context) (BatchResult, error) {
	windows, debounced := o.admitWindows(ctx)
	if len(windows) == 0 {
		o.logger.Debug().Msg("cache warming debounced")
		return BatchResult{Debounced: debounced}, nil
	}

	space := o.space
	space.Windows = windows
	tasks, err := space.Tasks(o.now())
	if err != nil {
		return BatchResult{Debounced: debounced}, err
	}

	var result BatchResult
	batch := Batch{
		ID:    uuid.NewString(),
		Name:  "cache-warming",
		Tasks: tasks,
		OnComplete: func(r BatchResult) {
			result = r
			o.publish(events.EventWarmingCompleted, events.WarmingCompletedPayload{
				BatchID:  r.ID,
				Tasks:    r.Tasks,
				Failed:   r.Failed,
				Duration: r.Duration,
			})
		},
	}
	if err := o.dispatch(ctx, batch); err != nil {
		return BatchResult{Debounced: debounced}, err
	}
	result.Debounced = debounced
	return result, nil
}

// admitWindows splits the windows by whether their debounce gate was free.
func (o *Orchestrator) admitWindows(ctx context.Context) (admitted, debounced []string) {
	if o.gate == nil || o.debounce <= 0 {
		return append([]string(nil), o.space.Windows...), nil
	}

	for _, w := range o.space.Windows {
		ok, err := o.gate.TryAcquire(ctx, gateKeyPrefix+w, o.debounce)
		if err != nil {
			o.logger.Warn().Err(err).Str("window", w).Msg("debounce gate unavailable, warming anyway")
			ok = true
		}
		if ok {
			admitted = append(admitted, w)
		} else {
			debounced = append(debounced, w)
		}
	}
	return admitted, debounced
}

// dispatch runs the batch on a bounded pool. Task failures are counted,
// not propagated.
func (o *Orchestrator) dispatch(ctx context.Context, b Batch) error {
	start := o.now()
	log := o.logger.With().Str("batch_id", b.ID).Str("batch", b.Name).Logger()

	var windows []string
	perWindow := make(map[string]int)
	for _, t := range b.Tasks {
		if perWindow[t.Window] == 0 {
			windows = append(windows, t.Window)
		}
		perWindow[t.Window]++
	}
	pending := make(map[string]int, len(perWindow))
	for w, n := range perWindow {
		pending[w] = n
	}
	failed := make(map[string]int)

	o.publish(events.EventWarmingStarted, events.WarmingStartedPayload{BatchID: b.ID, Combinations: len(b.Tasks)})
	log.Info().Int("tasks", len(b.Tasks)).Strs("windows", windows).Msg("warming batch dispatched")

	var (
		mu          sync.Mutex
		totalFailed int
	)
	finish := func(t Task, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failed[t.Window]++
			totalFailed++
			log.Warn().Err(err).Str("key", t.Key()).Msg("metric recompute failed")
		}
		pending[t.Window]--
		if pending[t.Window] == 0 {
			o.publish(events.EventWarmingPeriodWarmed, events.WarmingPeriodPayload{
				BatchID: b.ID,
				Window:  t.Window,
				Tasks:   perWindow[t.Window],
				Failed:  failed[t.Window],
			})
		}
	}

	var g errgroup.Group
	g.SetLimit(o.workers)
	for _, t := range b.Tasks {
		if err := ctx.Err(); err != nil {
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			finish(t, o.recomputer.Recompute(ctx, t))
			return nil
		})
	}
	_ = g.Wait()

	res := BatchResult{
		ID:       b.ID,
		Windows:  windows,
		Tasks:    len(b.Tasks),
		Failed:   totalFailed,
		Duration: o.now().Sub(start),
	}
	log.Info().Int("tasks", res.Tasks).Int("failed", res.Failed).Dur("duration", res.Duration).Msg("warming batch completed")
	if b.OnComplete != nil {
		b.OnComplete(res)
	}
	return nil
}

func (o *Orchestrator) publish(eventType string, payload interface{}) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishJSON(eventType, payload); err != nil {
		o.logger.Warn().Err(err).Str("event", eventType).Msg("event publish failed")
	}
}
