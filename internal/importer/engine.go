// Package importer turns normalized vendor orders into local records with
// chunked, transactional, dirty-checked upserts.
package importer

import (
	"context"
	"fmt"
	"sync"

	"ordersync/internal/config"
	"ordersync/internal/domain"
	"ordersync/internal/metrics"
	"ordersync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// exhaustedLookupSize bounds the identifiers per exhausted-record query.
const exhaustedLookupSize = 500

type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// RecordResult is the explicit per-record outcome. Err holds an
// *ImportError for failed records and a *ValidationError for records
// skipped as invalid.
type RecordResult struct {
	Index      int
	Identifier string
	OrderID    int64
	Outcome    Outcome
	Dirty      []string
	Err        error
}

type Summary struct {
	Processed int
	Created   int
	Updated   int
	Skipped   int
	Failed    int
	Results   []RecordResult
}

func (s *Summary) add(r RecordResult) {
	s.Processed++
	switch r.Outcome {
	case OutcomeCreated:
		s.Created++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
	s.Results = append(s.Results, r)
}

// Merge adds the counts and results of other to s.
func (s *Summary) Merge(other Summary) {
	s.Processed += other.Processed
	s.Created += other.Created
	s.Updated += other.Updated
	s.Skipped += other.Skipped
	s.Failed += other.Failed
	s.Results = append(s.Results, other.Results...)
}

// FailureSink receives orders whose import failed, after their chunk has
// committed.
type FailureSink interface {
	Capture(ctx context.Context, order models.VendorOrder, reason string) error
}

// ChunkDone is reported once per finished chunk. Completed counts finished
// chunks, so it grows by one per call even when chunks finish out of order.
type ChunkDone struct {
	Index     int
	Completed int
	Total     int
	Summary   Summary
}

type importOptions struct {
	onChunk     func(ChunkDone)
	skipCapture bool
}

type Option func(*importOptions)

// WithChunkDone registers a callback invoked after each chunk commits.
func WithChunkDone(fn func(ChunkDone)) Option {
	return func(o *importOptions) { o.onChunk = fn }
}

// WithoutCapture keeps failures out of the failure sink. Recovery uses it
// when it re-imports a captured payload itself.
func WithoutCapture() Option {
	return func(o *importOptions) { o.skipCapture = true }
}

type Engine struct {
	store     domain.OrderStore
	sink      FailureSink
	tracked   fieldSet
	batchSize int
	workers   int
	logger    *zerolog.Logger
}

func NewEngine(store domain.OrderStore, cfg config.SyncConfig, logger *zerolog.Logger) *Engine {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = models.DefaultBatchSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	tracked := cfg.TrackedFields
	if len(tracked) == 0 {
		tracked = config.DefaultTrackedFields()
	}
	l := logger.With().Str("component", "importer").Logger()
	return &Engine{
		store:     store,
		tracked:   newFieldSet(tracked),
		batchSize: batchSize,
		workers:   workers,
		logger:    &l,
	}
}

// SetFailureSink routes failed records to sink.
func (e *Engine) SetFailureSink(sink FailureSink) {
	e.sink = sink
}

func (e *Engine) BatchSize() int {
	return e.batchSize
}

// TotalChunks returns the number of chunks Import will use for n orders.
func (e *Engine) TotalChunks(n int) int {
	return (n + e.batchSize - 1) / e.batchSize
}

// Import upserts orders in chunks of BatchSize, one transaction per chunk
// and one savepoint per record. Unchanged records are written only when
// force is set. Cancellation is honoured between chunks; a chunk that has
// started always runs to commit. Only store-level failures are returned as
// errors; the summary then holds the chunks that did commit.
func (e *Engine) Import(ctx context.Context, orders []models.VendorOrder, force bool, opts ...Option) (Summary, error) {
	var o importOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}

	exhausted, err := e.exhaustedSet(ctx, orders)
	if err != nil {
		return Summary{}, err
	}

	apply := func(ctx context.Context, tx domain.OrderTx, i int) (RecordResult, error) {
		return e.importOne(ctx, tx, i, orders[i], force, exhausted)
	}
	after := func(ctx context.Context, s Summary) {
		e.captureFailures(ctx, orders, s, o.skipCapture)
	}

	summary, err := e.runChunks(ctx, len(orders), apply, after, o.onChunk)
	metrics.AddImportOutcome(string(OutcomeCreated), summary.Created)
	metrics.AddImportOutcome(string(OutcomeUpdated), summary.Updated)
	metrics.AddImportOutcome(string(OutcomeSkipped), summary.Skipped)
	metrics.AddImportOutcome(string(OutcomeFailed), summary.Failed)

	e.logger.Info().
		Int("processed", summary.Processed).
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Bool("force", force).
		Msg("import finished")
	return summary, err
}

type recordFunc func(ctx context.Context, tx domain.OrderTx, i int) (RecordResult, error)

// runChunks applies fn to every index in [0, n) on the bounded worker pool.
func (e *Engine) runChunks(
	ctx context.Context,
	n int,
	fn recordFunc,
	afterCommit func(ctx context.Context, s Summary),
	onChunk func(ChunkDone),
) (Summary, error) {
	total := e.TotalChunks(n)
	chunks := make([]Summary, total)
	committed := make([]bool, total)

	var (
		mu        sync.Mutex
		completed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for c := 0; c < total; c++ {
		lo := c * e.batchSize
		hi := lo + e.batchSize
		if hi > n {
			hi = n
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			// A started chunk is never interrupted mid-transaction.
			txCtx := context.WithoutCancel(gctx)
			var s Summary
			err := e.store.RunInTx(txCtx, func(tx domain.OrderTx) error {
				s = Summary{Results: make([]RecordResult, 0, hi-lo)}
				for i := lo; i < hi; i++ {
					res, err := e.applyInSavepoint(txCtx, tx, i-lo, i, fn)
					if err != nil {
						return err
					}
					s.add(res)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("chunk %d: %w", c, err)
			}

			if afterCommit != nil {
				afterCommit(txCtx, s)
			}

			mu.Lock()
			chunks[c] = s
			committed[c] = true
			completed++
			done := ChunkDone{Index: c, Completed: completed, Total: total, Summary: s}
			if onChunk != nil {
				onChunk(done)
			}
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	var summary Summary
	for c := range chunks {
		if committed[c] {
			summary.Merge(chunks[c])
		}
	}
	return summary, err
}

// applyInSavepoint isolates one record. A record error rolls back the
// record alone; only savepoint failures abort the chunk.
func (e *Engine) applyInSavepoint(ctx context.Context, tx domain.OrderTx, slot, i int, fn recordFunc) (RecordResult, error) {
	name := fmt.Sprintf("rec_%d", slot)
	if err := tx.Savepoint(ctx, name); err != nil {
		return RecordResult{}, err
	}

	res, recErr := fn(ctx, tx, i)
	if recErr != nil {
		if err := tx.RollbackTo(ctx, name); err != nil {
			return RecordResult{}, err
		}
		res.Outcome = OutcomeFailed
		res.OrderID = 0
		res.Err = recErr
	}
	if err := tx.Release(ctx, name); err != nil {
		return RecordResult{}, err
	}
	return res, nil
}

func (e *Engine) importOne(ctx context.Context, tx domain.OrderTx, i int, v models.VendorOrder, force bool, exhausted map[string]bool) (RecordResult, error) {
	res := RecordResult{Index: i, Identifier: v.Identifier()}

	if !v.HasIdentity() {
		res.Outcome = OutcomeSkipped
		res.Err = &ValidationError{Index: i, Reason: "missing vendor order id and order number"}
		e.logger.Warn().Int("index", i).Str("channel_ref", v.ChannelRef).Msg("order without identifiers skipped")
		return res, nil
	}
	if exhausted[v.VendorOrderID] || exhausted[v.OrderNumber] {
		res.Outcome = OutcomeSkipped
		return res, nil
	}

	fail := func(err error) (RecordResult, error) {
		e.logger.Error().
			Err(err).
			Int("index", i).
			Str("vendor_order_id", v.VendorOrderID).
			Str("order_number", v.OrderNumber).
			Msg("order import failed")
		return res, &ImportError{Index: i, VendorOrderID: v.VendorOrderID, OrderNumber: v.OrderNumber, Err: err}
	}

	stored, err := e.resolve(ctx, tx, v)
	if err != nil {
		return fail(err)
	}

	incoming := toOrder(v)
	if stored == nil {
		if err := tx.InsertOrder(ctx, incoming); err != nil {
			return fail(err)
		}
		if err := tx.ReplaceOrderItems(ctx, incoming.ID, incoming.Items); err != nil {
			return fail(err)
		}
		res.OrderID = incoming.ID
		res.Outcome = OutcomeCreated
		return res, nil
	}

	res.OrderID = stored.ID
	res.Dirty = e.tracked.dirtyFields(stored, incoming)
	if !force && len(res.Dirty) == 0 {
		res.Outcome = OutcomeSkipped
		return res, nil
	}

	merged := merge(stored, incoming)
	if err := tx.UpdateOrder(ctx, merged); err != nil {
		return fail(err)
	}
	if err := tx.ReplaceOrderItems(ctx, merged.ID, merged.Items); err != nil {
		return fail(err)
	}
	res.Outcome = OutcomeUpdated
	return res, nil
}

// resolve finds the local record by vendor order id, then order number.
func (e *Engine) resolve(ctx context.Context, tx domain.OrderTx, v models.VendorOrder) (*models.Order, error) {
	if v.VendorOrderID != "" {
		order, err := tx.FindOrderByVendorID(ctx, v.VendorOrderID)
		if err != nil || order != nil {
			return order, err
		}
	}
	if v.OrderNumber != "" {
		return tx.FindOrderByNumber(ctx, v.OrderNumber)
	}
	return nil, nil
}

func (e *Engine) exhaustedSet(ctx context.Context, orders []models.VendorOrder) (map[string]bool, error) {
	exhausted := make(map[string]bool)
	ids := make([]string, 0, exhaustedLookupSize)
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		found, err := e.store.ExhaustedIdentifiers(ctx, ids)
		if err != nil {
			return fmt.Errorf("lookup exhausted records: %w", err)
		}
		for id := range found {
			exhausted[id] = true
		}
		ids = ids[:0]
		return nil
	}

	for _, o := range orders {
		for _, id := range []string{o.VendorOrderID, o.OrderNumber} {
			if id == "" {
				continue
			}
			ids = append(ids, id)
			if len(ids) == exhaustedLookupSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return exhausted, nil
}

func (e *Engine) captureFailures(ctx context.Context, orders []models.VendorOrder, s Summary, skip bool) {
	if skip || e.sink == nil || s.Failed == 0 {
		return
	}
	for _, r := range s.Results {
		if r.Outcome != OutcomeFailed {
			continue
		}
		if err := e.sink.Capture(ctx, orders[r.Index], r.Err.Error()); err != nil {
			e.logger.Error().Err(err).Str("identifier", r.Identifier).Msg("failed to capture failed sync")
		}
	}
}
