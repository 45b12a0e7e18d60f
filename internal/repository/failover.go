package repository

import (
	"context"
	"sync/atomic"
	"time"

	"ordersync/internal/domain"
	"ordersync/internal/models"

	"github.com/rs/zerolog"
)

// Store is everything the sync pipeline keeps outside the database.
type Store interface {
	domain.WindowStore
	domain.TokenCache
	domain.Gate
	domain.MetricCache
	domain.DeadLetterQueue
}

const recoveryProbeInterval = time.Minute

// FailoverStore routes calls to primary and switches to fallback after a
// primary error. The primary is probed again once per minute.
type FailoverStore struct {
	primary   Store
	fallback  Store
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverStore(primary, fallback Store, logger *zerolog.Logger) *FailoverStore {
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// usePrimary reports whether the next call should try the primary.
func (r *FailoverStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return r.now().Sub(time.Unix(0, r.lastCheck.Load())) > recoveryProbeInterval
}

func (r *FailoverStore) markDown(op string, err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Str("op", op).Msg("Primary store failed, falling back to memory")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

func (r *FailoverStore) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary store recovered")
	}
}

func failover[T any](r *FailoverStore, op string, primary, fallback func(Store) (T, error)) (T, error) {
	if r.usePrimary() {
		v, err := primary(r.primary)
		if err == nil {
			r.markUp()
			return v, nil
		}
		r.markDown(op, err)
	}
	return fallback(r.fallback)
}

func (r *FailoverStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	call := func(s Store) (int64, error) { return s.Incr(ctx, key, ttl) }
	return failover(r, "incr", call, call)
}

func (r *FailoverStore) Reset(ctx context.Context, key string) error {
	call := func(s Store) (struct{}, error) { return struct{}{}, s.Reset(ctx, key) }
	_, err := failover(r, "reset", call, call)
	return err
}

func (r *FailoverStore) Get(ctx context.Context, accountID string) (*models.SessionToken, error) {
	call := func(s Store) (*models.SessionToken, error) { return s.Get(ctx, accountID) }
	return failover(r, "get_token", call, call)
}

func (r *FailoverStore) Put(ctx context.Context, token models.SessionToken) error {
	call := func(s Store) (struct{}, error) { return struct{}{}, s.Put(ctx, token) }
	_, err := failover(r, "put_token", call, call)
	return err
}

func (r *FailoverStore) Delete(ctx context.Context, accountID string) error {
	call := func(s Store) (struct{}, error) { return struct{}{}, s.Delete(ctx, accountID) }
	_, err := failover(r, "delete_token", call, call)
	return err
}

func (r *FailoverStore) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	call := func(s Store) (bool, error) { return s.TryAcquire(ctx, key, ttl) }
	return failover(r, "try_acquire", call, call)
}

func (r *FailoverStore) StoreMetric(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	call := func(s Store) (struct{}, error) { return struct{}{}, s.StoreMetric(ctx, key, value, ttl) }
	_, err := failover(r, "store_metric", call, call)
	return err
}

func (r *FailoverStore) PushDeadLetter(ctx context.Context, key string, payload interface{}) error {
	call := func(s Store) (struct{}, error) { return struct{}{}, s.PushDeadLetter(ctx, key, payload) }
	_, err := failover(r, "push_dead_letter", call, call)
	return err
}
