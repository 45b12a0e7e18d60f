package models

import "time"

// SyncProgressSnapshot is recomputed after every batch; only the latest is kept.
type SyncProgressSnapshot struct {
	RunID               string        `json:"run_id"`
	BatchIndex          int           `json:"batch_index"`
	TotalBatches        int           `json:"total_batches"`
	ProcessedCount      int           `json:"processed_count"`
	CreatedCount        int           `json:"created_count"`
	UpdatedCount        int           `json:"updated_count"`
	SkippedCount        int           `json:"skipped_count"`
	FailedCount         int           `json:"failed_count"`
	Elapsed             time.Duration `json:"elapsed"`
	ThroughputPerSecond float64       `json:"throughput_per_second"`
	EtaSeconds          float64       `json:"eta_seconds"`
}
