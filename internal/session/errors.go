package session

import "fmt"

type AuthErrorKind string

const (
	// AuthNoConnection means no credentials are configured for the account.
	AuthNoConnection AuthErrorKind = "no_connection"
	// AuthRefreshFailed means the vendor rejected the credential exchange.
	AuthRefreshFailed AuthErrorKind = "refresh_failed"
)

// AuthError is fatal for the current sync run. It is never retried.
type AuthError struct {
	Kind      AuthErrorKind
	AccountID string
	Err       error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s for account %q: %v", e.Kind, e.AccountID, e.Err)
	}
	return fmt.Sprintf("session %s for account %q", e.Kind, e.AccountID)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Retryable() bool {
	return false
}
