package models

import "time"

// FailedSyncRecord is a durable capture of an order that could not be imported.
type FailedSyncRecord struct {
	ID                  int64     `json:"id"`
	Identifier          string    `json:"identifier"`
	RawPayload          string    `json:"raw_payload"`
	AttemptCount        int       `json:"attempt_count"`
	LastFailureReason   string    `json:"last_failure_reason"`
	NextRetryEligibleAt time.Time `json:"next_retry_eligible_at"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Terminal reports whether automatic retries have stopped.
func (r *FailedSyncRecord) Terminal() bool {
	return r.Status == FailedSyncResolved || r.Status == FailedSyncExhausted
}
