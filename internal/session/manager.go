// Package session keeps a valid vendor session token per account,
// refreshing it shortly before it expires.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ordersync/internal/domain"
	"ordersync/internal/models"

	"github.com/rs/zerolog"
)

type Manager struct {
	cache     domain.TokenCache
	exchanger Exchanger
	buffer    time.Duration
	logger    *zerolog.Logger
	now       func() time.Time

	locks sync.Map // accountID -> *sync.Mutex
}

func NewManager(cache domain.TokenCache, exchanger Exchanger, buffer time.Duration, logger *zerolog.Logger) *Manager {
	l := logger.With().Str("component", "session").Logger()
	return &Manager{
		cache:     cache,
		exchanger: exchanger,
		buffer:    buffer,
		logger:    &l,
		now:       time.Now,
	}
}

func (m *Manager) lock(accountID string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(accountID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Manager) cached(ctx context.Context, accountID string) (models.SessionToken, bool) {
	tok, err := m.cache.Get(ctx, accountID)
	if err != nil {
		m.logger.Warn().Err(err).Str("account_id", accountID).Msg("token cache read failed")
		return models.SessionToken{}, false
	}
	if tok == nil || !tok.FreshFor(m.now(), m.buffer) {
		return models.SessionToken{}, false
	}
	return *tok, true
}

// GetValidToken returns a token that stays valid for at least the refresh
// buffer. Concurrent refreshes for one account collapse into one exchange.
func (m *Manager) GetValidToken(ctx context.Context, accountID string) (models.SessionToken, error) {
	if tok, ok := m.cached(ctx, accountID); ok {
		return tok, nil
	}

	mu := m.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	if tok, ok := m.cached(ctx, accountID); ok {
		return tok, nil
	}

	tok, err := m.exchanger.Exchange(ctx, accountID)
	if err == nil && !tok.FreshFor(m.now(), 0) {
		err = fmt.Errorf("exchanged token expired or has no expiry (expires_at %s)", tok.ExpiresAt.Format(time.RFC3339))
	}
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			err = &AuthError{Kind: AuthRefreshFailed, AccountID: accountID, Err: err}
		}
		m.logger.Error().Err(err).Str("account_id", accountID).Msg("session refresh failed")
		return models.SessionToken{}, err
	}
	tok.AccountID = accountID

	if err := m.cache.Put(ctx, tok); err != nil {
		m.logger.Warn().Err(err).Str("account_id", accountID).Msg("token cache write failed")
	}

	m.logger.Info().
		Str("account_id", accountID).
		Time("expires_at", tok.ExpiresAt).
		Msg("session token refreshed")
	return tok, nil
}

// Invalidate drops the cached token so the next call exchanges again.
func (m *Manager) Invalidate(ctx context.Context, accountID string) error {
	return m.cache.Delete(ctx, accountID)
}
