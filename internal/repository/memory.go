package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ordersync/internal/models"
)

type expiring struct {
	count     int64
	value     []byte
	expiresAt time.Time
}

// MemoryStore is the single-process counterpart of RedisStore.
type MemoryStore struct {
	mu          sync.Mutex
	windows     map[string]*expiring
	gates       map[string]time.Time
	metrics     map[string]*expiring
	tokens      sync.Map
	deadLetters map[string][][]byte
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:     make(map[string]*expiring),
		gates:       make(map[string]time.Time),
		metrics:     make(map[string]*expiring),
		deadLetters: make(map[string][][]byte),
		now:         time.Now,
	}
}

func (r *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.windows[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = &expiring{}
		r.windows[key] = entry
	}
	entry.count++
	entry.expiresAt = now.Add(ttl)
	return entry.count, nil
}

func (r *MemoryStore) Reset(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, key)
	return nil
}

func (r *MemoryStore) Get(ctx context.Context, accountID string) (*models.SessionToken, error) {
	val, ok := r.tokens.Load(accountID)
	if !ok {
		return nil, nil
	}
	token := val.(models.SessionToken)
	if token.Expired(r.now()) {
		r.tokens.Delete(accountID)
		return nil, nil
	}
	return &token, nil
}

func (r *MemoryStore) Put(ctx context.Context, token models.SessionToken) error {
	r.tokens.Store(token.AccountID, token)
	return nil
}

func (r *MemoryStore) Delete(ctx context.Context, accountID string) error {
	r.tokens.Delete(accountID)
	return nil
}

func (r *MemoryStore) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if until, ok := r.gates[key]; ok && now.Before(until) {
		return false, nil
	}
	r.gates[key] = now.Add(ttl)
	return true, nil
}

func (r *MemoryStore) StoreMetric(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal metric: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[key] = &expiring{value: data, expiresAt: r.now().Add(ttl)}
	return nil
}

// Metric returns the stored JSON for key, or nil when absent or expired.
func (r *MemoryStore) Metric(key string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.metrics[key]
	if !ok || !r.now().Before(entry.expiresAt) {
		return nil
	}
	return entry.value
}

func (r *MemoryStore) PushDeadLetter(ctx context.Context, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLetters[key] = append([][]byte{data}, r.deadLetters[key]...)
	return nil
}

func (r *MemoryStore) DeadLetters(key string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.deadLetters[key]...)
}
