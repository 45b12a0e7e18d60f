// Package pipeline runs one order sync end to end. Scheduled and manual
// triggers both go through RunSync.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/domain"
	"ordersync/internal/events"
	"ordersync/internal/fetch"
	"ordersync/internal/importer"
	"ordersync/internal/logging"
	"ordersync/internal/metrics"
	"ordersync/internal/models"
	"ordersync/internal/telemetry"
	"ordersync/internal/vendor"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrInvalidRange   = errors.New("invalid date range")
)

// TokenChecker is implemented by *session.Manager.
type TokenChecker interface {
	GetValidToken(ctx context.Context, accountID string) (models.SessionToken, error)
}

// Fetcher is implemented by *fetch.Orchestrator.
type Fetcher interface {
	FetchAll(ctx context.Context, accountID string, rng models.DateRange, filters fetch.Filters, maxItems int, onProgress func(fetch.PageProgress)) (fetch.Result, error)
}

// Importer is implemented by *importer.Engine.
type Importer interface {
	Import(ctx context.Context, orders []models.VendorOrder, force bool, opts ...importer.Option) (importer.Summary, error)
	MarkProcessed(ctx context.Context, statuses []models.ProcessedStatus) (importer.Summary, error)
}

type RunOption func(*runOptions)

type runOptions struct {
	trigger string
	force   bool
}

func WithTrigger(trigger string) RunOption {
	return func(o *runOptions) { o.trigger = trigger }
}

// WithForce writes every fetched order even when nothing tracked changed.
func WithForce() RunOption {
	return func(o *runOptions) { o.force = true }
}

// RunResult is the outcome of one sync run.
type RunResult struct {
	RunID       string           `json:"run_id"`
	Trigger     string           `json:"trigger"`
	Range       models.DateRange `json:"range"`
	Fetched     int              `json:"fetched"`
	FailedPages int              `json:"failed_pages"`
	Capped      bool             `json:"capped"`
	Open        importer.Summary `json:"-"`
	Processed   importer.Summary `json:"-"`
	Totals      Totals           `json:"totals"`
	StartedAt   time.Time        `json:"started_at"`
	Duration    time.Duration    `json:"duration"`
	Success     bool             `json:"success"`
	Error       string           `json:"error,omitempty"`
}

type Totals struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (t *Totals) add(s importer.Summary) {
	t.Processed += s.Processed
	t.Created += s.Created
	t.Updated += s.Updated
	t.Skipped += s.Skipped
	t.Failed += s.Failed
}

type Pipeline struct {
	tokens    TokenChecker
	fetcher   Fetcher
	importer  Importer
	tracker   *telemetry.Tracker
	events    domain.EventPublisher
	accountID string
	maxItems  int
	logger    *zerolog.Logger
	now       func() time.Time

	running atomic.Bool
	mu      sync.RWMutex
	last    *RunResult
}

func New(tokens TokenChecker, fetcher Fetcher, imp Importer, cfg config.SyncConfig, accountID string, logger *zerolog.Logger) *Pipeline {
	l := logger.With().Str("component", "pipeline").Logger()
	return &Pipeline{
		tokens:    tokens,
		fetcher:   fetcher,
		importer:  imp,
		tracker:   telemetry.New(),
		accountID: accountID,
		maxItems:  cfg.MaxItems,
		logger:    &l,
		now:       time.Now,
	}
}

func (p *Pipeline) SetEvents(pub domain.EventPublisher) {
	p.events = pub
}

// Running reports whether a run is in flight.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Progress returns the latest batch snapshot of the current or last run.
func (p *Pipeline) Progress() (models.SyncProgressSnapshot, bool) {
	return p.tracker.Latest()
}

// LastResult returns the result of the most recent finished run.
func (p *Pipeline) LastResult() (RunResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return RunResult{}, false
	}
	return *p.last, true
}

// RunSync fetches open and processed orders received in rng and imports
// them. Only one run executes at a time; a concurrent call returns
// ErrSyncInProgress without side effects. AuthError, store failures and
// cancellation end the run; per-page and per-record failures do not.
func (p *Pipeline) RunSync(ctx context.Context, rng models.DateRange, opts ...RunOption) (RunResult, error) {
	o := runOptions{trigger: TriggerManual}
	for _, opt := range opts {
		opt(&o)
	}
	if !rng.Valid() {
		return RunResult{}, fmt.Errorf("%w: from %s to %s", ErrInvalidRange, rng.From, rng.To)
	}
	if !p.running.CompareAndSwap(false, true) {
		return RunResult{}, ErrSyncInProgress
	}
	defer p.running.Store(false)

	res := RunResult{
		RunID:     uuid.NewString(),
		Trigger:   o.trigger,
		Range:     rng,
		StartedAt: p.now(),
	}
	log := logging.ForRun(p.logger, res.RunID, o.trigger)
	log.Info().Time("from", rng.From).Time("to", rng.To).Bool("force", o.force).Msg("sync started")
	p.publish(events.EventSyncStarted, events.SyncStartedPayload{
		RunID:     res.RunID,
		AccountID: p.accountID,
		From:      rng.From,
		To:        rng.To,
		Trigger:   o.trigger,
	})

	err := p.run(ctx, &res, o, &log)
	p.finish(&res, err, &log)
	return res, err
}

func (p *Pipeline) run(ctx context.Context, res *RunResult, o runOptions, log *zerolog.Logger) error {
	if _, err := p.tokens.GetValidToken(ctx, p.accountID); err != nil {
		return err
	}

	open, err := p.fetcher.FetchAll(ctx, p.accountID, res.Range, fetch.Filters{Feed: vendor.FeedOpen}, p.maxItems, nil)
	p.addFetch(res, open)
	if err != nil {
		return err
	}

	handle := p.tracker.Start(res.RunID)
	var counts telemetry.Counts
	onChunk := func(c importer.ChunkDone) {
		counts.Processed += c.Summary.Processed
		counts.Created += c.Summary.Created
		counts.Updated += c.Summary.Updated
		counts.Skipped += c.Summary.Skipped
		counts.Failed += c.Summary.Failed

		snap := p.tracker.ReportBatch(handle, c.Completed, c.Total, counts)
		p.publish(events.EventBatchProcessed, events.BatchProcessedPayload{
			RunID:               res.RunID,
			BatchIndex:          snap.BatchIndex,
			TotalBatches:        snap.TotalBatches,
			Processed:           snap.ProcessedCount,
			Created:             snap.CreatedCount,
			Updated:             snap.UpdatedCount,
			Failed:              snap.FailedCount,
			ThroughputPerSecond: snap.ThroughputPerSecond,
			EtaSeconds:          snap.EtaSeconds,
		})
	}

	res.Open, err = p.importer.Import(ctx, open.Orders, o.force, importer.WithChunkDone(onChunk))
	res.Totals.add(res.Open)
	if err != nil {
		return err
	}

	processed, err := p.fetcher.FetchAll(ctx, p.accountID, res.Range, fetch.Filters{Feed: vendor.FeedProcessed}, p.maxItems, nil)
	p.addFetch(res, processed)
	if err != nil {
		return err
	}
	return p.applyProcessed(ctx, res, processed.Orders, o.force, log)
}

// applyProcessed marks known orders processed and imports the ones never
// seen locally, such as orders processed between two runs.
func (p *Pipeline) applyProcessed(ctx context.Context, res *RunResult, orders []models.VendorOrder, force bool, log *zerolog.Logger) error {
	if len(orders) == 0 {
		return nil
	}

	statuses := make([]models.ProcessedStatus, len(orders))
	for i, order := range orders {
		st := models.ProcessedStatus{VendorOrderID: order.VendorOrderID, OrderNumber: order.OrderNumber}
		if order.ProcessedAt != nil {
			st.ProcessedAt = *order.ProcessedAt
		}
		statuses[i] = st
	}

	marked, err := p.importer.MarkProcessed(ctx, statuses)
	res.Processed = marked
	res.Totals.Updated += marked.Updated
	res.Totals.Failed += marked.Failed
	if err != nil {
		return err
	}

	var unknown []models.VendorOrder
	for _, r := range marked.Results {
		if r.Outcome == importer.OutcomeSkipped && r.OrderID == 0 && r.Err == nil {
			// Presence in the processed feed is the status, whatever the row's flags say.
			o := orders[r.Index]
			o.IsProcessed = true
			o.IsOpen = false
			unknown = append(unknown, o)
		}
	}
	if len(unknown) == 0 {
		return nil
	}

	log.Debug().Int("orders", len(unknown)).Msg("importing processed orders not seen before")
	imported, err := p.importer.Import(ctx, unknown, force)
	res.Processed.Merge(imported)
	res.Totals.add(imported)
	return err
}

func (p *Pipeline) addFetch(res *RunResult, f fetch.Result) {
	res.Fetched += len(f.Orders)
	res.FailedPages += len(f.FailedPages)
	res.Capped = res.Capped || f.Capped
}

func (p *Pipeline) finish(res *RunResult, err error, log *zerolog.Logger) {
	res.Duration = p.now().Sub(res.StartedAt)
	res.Success = err == nil && res.Totals.Failed == 0
	if err != nil {
		res.Error = err.Error()
	}

	metrics.ObserveSync(res.Duration, res.Success)
	p.mu.Lock()
	last := *res
	p.last = &last
	p.mu.Unlock()

	p.publish(events.EventSyncCompleted, events.SyncCompletedPayload{
		RunID:       res.RunID,
		Success:     res.Success,
		Processed:   res.Totals.Processed,
		Created:     res.Totals.Created,
		Updated:     res.Totals.Updated,
		Skipped:     res.Totals.Skipped,
		Failed:      res.Totals.Failed,
		FailedPages: res.FailedPages,
		Duration:    res.Duration,
		Error:       res.Error,
	})

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Int("fetched", res.Fetched).
		Int("created", res.Totals.Created).
		Int("updated", res.Totals.Updated).
		Int("skipped", res.Totals.Skipped).
		Int("failed", res.Totals.Failed).
		Int("failed_pages", res.FailedPages).
		Bool("success", res.Success).
		Dur("duration", res.Duration).
		Msg("sync finished")
}

func (p *Pipeline) publish(eventType string, payload interface{}) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishJSON(eventType, payload); err != nil {
		p.logger.Warn().Err(err).Str("event", eventType).Msg("event publish failed")
	}
}
