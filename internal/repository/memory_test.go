package repository

import (
	"context"
	"testing"
	"time"

	"ordersync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	repo := NewMemoryStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	t.Run("Incr", func(t *testing.T) {
		n, _ := repo.Incr(ctx, "w", time.Second)
		assert.Equal(t, int64(1), n)
		n, _ = repo.Incr(ctx, "w", time.Second)
		assert.Equal(t, int64(2), n)

		now = now.Add(time.Second)
		n, _ = repo.Incr(ctx, "w", time.Second)
		assert.Equal(t, int64(1), n)

		require.NoError(t, repo.Reset(ctx, "w"))
		n, _ = repo.Incr(ctx, "w", time.Second)
		assert.Equal(t, int64(1), n)
	})

	t.Run("Tokens", func(t *testing.T) {
		token := models.SessionToken{Token: "t", AccountID: "a", ExpiresAt: now.Add(time.Hour)}
		require.NoError(t, repo.Put(ctx, token))

		got, err := repo.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, &token, got)

		now = now.Add(2 * time.Hour)
		got, err = repo.Get(ctx, "a")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Gate", func(t *testing.T) {
		ok, _ := repo.TryAcquire(ctx, "g", time.Minute)
		assert.True(t, ok)
		ok, _ = repo.TryAcquire(ctx, "g", time.Minute)
		assert.False(t, ok)
		now = now.Add(time.Minute)
		ok, _ = repo.TryAcquire(ctx, "g", time.Minute)
		assert.True(t, ok)
	})

	t.Run("MetricsAndDeadLetters", func(t *testing.T) {
		require.NoError(t, repo.StoreMetric(ctx, "m", map[string]int{"count": 1}, time.Minute))
		assert.JSONEq(t, `{"count":1}`, string(repo.Metric("m")))
		now = now.Add(time.Minute)
		assert.Nil(t, repo.Metric("m"))

		require.NoError(t, repo.PushDeadLetter(ctx, "dl", "first"))
		require.NoError(t, repo.PushDeadLetter(ctx, "dl", "second"))
		letters := repo.DeadLetters("dl")
		require.Len(t, letters, 2)
		assert.Equal(t, `"second"`, string(letters[0]))
	})
}
