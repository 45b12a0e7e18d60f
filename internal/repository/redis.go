package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/models"

	"github.com/redis/go-redis/v9"
)

var errNilClient = errors.New("redis client is nil")

// RedisStore keeps shared coordination state in Redis: rate-limit windows,
// session tokens, warming gates, cached metrics and the dead-letter list.
type RedisStore struct {
	client      *redis.Client
	tokenPrefix string
}

// NewRedisClient builds a Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:      client,
		tokenPrefix: "vendor:session:",
	}
}

// Incr increments key and sets its expiry in one MULTI/EXEC so a counter
// never outlives its window.
func (r *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if r.client == nil {
		return 0, errNilClient
	}

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment window %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (r *RedisStore) Reset(ctx context.Context, key string) error {
	if r.client == nil {
		return errNilClient
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to reset window %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, accountID string) (*models.SessionToken, error) {
	if r.client == nil {
		return nil, errNilClient
	}
	val, err := r.client.Get(ctx, r.tokenPrefix+accountID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session token from redis: %w", err)
	}

	var token models.SessionToken
	if err := json.Unmarshal([]byte(val), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session token: %w", err)
	}
	return &token, nil
}

// Put stores the token until it expires. Already expired tokens are not
// stored.
func (r *RedisStore) Put(ctx context.Context, token models.SessionToken) error {
	if r.client == nil {
		return errNilClient
	}
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return r.Delete(ctx, token.AccountID)
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal session token: %w", err)
	}
	if err := r.client.Set(ctx, r.tokenPrefix+token.AccountID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session token in redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, accountID string) error {
	if r.client == nil {
		return errNilClient
	}
	if err := r.client.Del(ctx, r.tokenPrefix+accountID).Err(); err != nil {
		return fmt.Errorf("failed to delete session token from redis: %w", err)
	}
	return nil
}

// TryAcquire sets key with SET NX PX and reports whether this caller won.
func (r *RedisStore) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if r.client == nil {
		return false, errNilClient
	}
	ok, err := r.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire gate %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisStore) StoreMetric(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if r.client == nil {
		return errNilClient
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal metric: %w", err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store metric %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) PushDeadLetter(ctx context.Context, key string, payload interface{}) error {
	if r.client == nil {
		return errNilClient
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := r.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
