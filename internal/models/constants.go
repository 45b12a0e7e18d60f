package models

const (
	SyncStatusSynced  = "synced"
	SyncStatusFailed  = "failed"
	SyncStatusPending = "pending"
)

const (
	FailedSyncPending   = "pending"
	FailedSyncResolved  = "resolved"
	FailedSyncExhausted = "exhausted"
)

const (
	// DefaultBatchSize orders per import transaction
	DefaultBatchSize = 50

	// DefaultPageSize orders requested per vendor page
	DefaultPageSize = 200

	// DefaultLookbackDays window for scheduled syncs
	DefaultLookbackDays = 7

	// DefaultSyncInterval between scheduled runs, in seconds
	DefaultSyncInterval = 15 * 60

	// DefaultTokenBufferSeconds refresh margin before token expiry
	DefaultTokenBufferSeconds = 5 * 60

	// MaxRetryAfterSeconds ceiling for vendor Retry-After hints
	MaxRetryAfterSeconds = 60

	// DefaultMaxRequestsPerWindow vendor quota per rate-limit window
	DefaultMaxRequestsPerWindow = 150

	// DefaultRateLimitWindow rate-limit window, in seconds
	DefaultRateLimitWindow = 60

	// DefaultRecoveryMaxAttempts retries before a failed sync is exhausted
	DefaultRecoveryMaxAttempts = 3

	// DefaultWarmingDebounce collapse window for cache warming, in seconds
	DefaultWarmingDebounce = 5 * 60
)
