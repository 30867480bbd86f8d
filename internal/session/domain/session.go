package domain

import "time"

// State is the session manager's lifecycle state. Transitions:
// Unauthenticated -> Authenticating -> Authenticated -> (Expired | SignedOut) -> Unauthenticated.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateExpired         State = "expired"
	StateSignedOut       State = "signed_out"
)

// UserSession represents the single authenticated session. Owned exclusively
// by the session manager; callers receive copies.
type UserSession struct {
	UserID       string
	Email        string
	DisplayName  string
	SessionStart time.Time
	LastActivity time.Time
	SessionToken string // opaque to callers
	Permissions  []string
}

// Expired reports whether the session has outlived timeout at the given instant.
func (s *UserSession) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.SessionStart) > timeout
}
