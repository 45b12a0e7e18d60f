// Package telemetry turns per-batch counters into progress snapshots.
package telemetry

import (
	"sync"
	"time"

	"ordersync/internal/models"
)

// minElapsed keeps throughput finite on the first, near-instant batch.
const minElapsed = time.Millisecond

// Counts are the cumulative totals for a run so far.
type Counts struct {
	Processed int
	Created   int
	Updated   int
	Skipped   int
	Failed    int
}

// Handle tracks one run.
type Handle struct {
	RunID     string
	StartedAt time.Time
}

// Tracker computes snapshots and keeps only the latest.
type Tracker struct {
	now    func() time.Time
	mu     sync.RWMutex
	latest *models.SyncProgressSnapshot
}

func New() *Tracker {
	return &Tracker{now: time.Now}
}

// NewWithClock is New with an injected clock.
func NewWithClock(now func() time.Time) *Tracker {
	return &Tracker{now: now}
}

// Start opens a run and clears the previous snapshot.
func (t *Tracker) Start(runID string) *Handle {
	t.mu.Lock()
	t.latest = nil
	t.mu.Unlock()
	return &Handle{RunID: runID, StartedAt: t.now()}
}

// ReportBatch records that batchIndex (1-based) of totalBatches finished
// with the cumulative counts.
func (t *Tracker) ReportBatch(h *Handle, batchIndex, totalBatches int, c Counts) models.SyncProgressSnapshot {
	snap := Compute(h, t.now(), batchIndex, totalBatches, c)

	t.mu.Lock()
	t.latest = &snap
	t.mu.Unlock()
	return snap
}

// Latest returns the most recent snapshot, if any.
func (t *Tracker) Latest() (models.SyncProgressSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.latest == nil {
		return models.SyncProgressSnapshot{}, false
	}
	return *t.latest, true
}

// Compute derives elapsed time, throughput and ETA. Throughput is
// processed / max(elapsed, 1ms); ETA is the average time per finished
// batch times the batches remaining.
func Compute(h *Handle, now time.Time, batchIndex, totalBatches int, c Counts) models.SyncProgressSnapshot {
	elapsed := now.Sub(h.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	effective := elapsed
	if effective < minElapsed {
		effective = minElapsed
	}

	var eta float64
	if batchIndex > 0 {
		remaining := totalBatches - batchIndex
		if remaining > 0 {
			perBatch := elapsed.Seconds() / float64(batchIndex)
			eta = perBatch * float64(remaining)
		}
	}

	return models.SyncProgressSnapshot{
		RunID:               h.RunID,
		BatchIndex:          batchIndex,
		TotalBatches:        totalBatches,
		ProcessedCount:      c.Processed,
		CreatedCount:        c.Created,
		UpdatedCount:        c.Updated,
		SkippedCount:        c.Skipped,
		FailedCount:         c.Failed,
		Elapsed:             elapsed,
		ThroughputPerSecond: float64(c.Processed) / effective.Seconds(),
		EtaSeconds:          eta,
	}
}
