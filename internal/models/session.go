package models

import "time"

// SessionToken is a vendor bearer credential. Tokens are replaced, never edited.
type SessionToken struct {
	Token      string    `json:"token"`
	ServerHost string    `json:"server_host"`
	ExpiresAt  time.Time `json:"expires_at"`
	AccountID  string    `json:"account_id"`
}

// Expired reports whether the token can no longer be sent.
func (t SessionToken) Expired(now time.Time) bool {
	return t.Token == "" || !now.Before(t.ExpiresAt)
}

// FreshFor reports whether the token stays valid for at least buffer.
func (t SessionToken) FreshFor(now time.Time, buffer time.Duration) bool {
	return t.Token != "" && now.Before(t.ExpiresAt.Add(-buffer))
}
