// Package service implements the session manager: authentication against the
// backend auth channel, session expiry, and authentication-change events.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"kitchen-cloud-sync/engine/internal/backend"
	"kitchen-cloud-sync/engine/internal/events"
	"kitchen-cloud-sync/engine/internal/security"
	"kitchen-cloud-sync/engine/internal/session/domain"
)

// AuthError taxonomy; the embedding application switches on these.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrAuthInProgress     = errors.New("authentication already in progress")
)

// Manager owns the process-wide UserSession. Only the Manager mutates it.
type Manager struct {
	handle        *backend.Handle
	tokens        *security.TokenProvider
	bus           *events.Bus
	timeout       time.Duration
	checkInterval time.Duration
	callTimeout   time.Duration

	mu        sync.Mutex
	state     domain.State
	session   *domain.UserSession
	stopCheck chan struct{}
	nowF      func() time.Time
}

// NewManager returns a session manager in the Unauthenticated state.
func NewManager(handle *backend.Handle, tokens *security.TokenProvider, bus *events.Bus, timeout, checkInterval, callTimeout time.Duration) *Manager {
	return &Manager{
		handle:        handle,
		tokens:        tokens,
		bus:           bus,
		timeout:       timeout,
		checkInterval: checkInterval,
		callTimeout:   callTimeout,
		state:         domain.StateUnauthenticated,
		nowF:          func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate verifies email/password against the backend auth channel.
// On success it creates the session, emits authentication_changed(true, info),
// and starts the periodic validity check. Failures map to the AuthError
// taxonomy and always resolve the state machine back to Unauthenticated.
func (m *Manager) Authenticate(ctx context.Context, email, password string) (domain.UserSession, error) {
	m.mu.Lock()
	if m.state == domain.StateAuthenticating {
		m.mu.Unlock()
		return domain.UserSession{}, ErrAuthInProgress
	}
	if m.state == domain.StateAuthenticated {
		m.signOutLocked(domain.StateSignedOut)
	}
	m.state = domain.StateAuthenticating
	m.mu.Unlock()

	info, err := m.verify(ctx, email, password)
	if err != nil {
		m.mu.Lock()
		m.state = domain.StateUnauthenticated
		m.mu.Unlock()
		return domain.UserSession{}, err
	}

	token, _, _, err := m.tokens.Issue(info.ID, info.Email, m.timeout)
	if err != nil {
		m.mu.Lock()
		m.state = domain.StateUnauthenticated
		m.mu.Unlock()
		return domain.UserSession{}, ErrBackendUnavailable
	}

	now := m.nowF()
	sess := &domain.UserSession{
		UserID:       info.ID,
		Email:        info.Email,
		DisplayName:  info.DisplayName,
		SessionStart: now,
		LastActivity: now,
		SessionToken: token,
		Permissions:  append([]string(nil), info.Permissions...),
	}

	m.mu.Lock()
	m.session = sess
	m.state = domain.StateAuthenticated
	m.startValidityCheckLocked()
	m.mu.Unlock()

	m.bus.Publish(events.AuthenticationChanged{
		Authenticated: true,
		UserInfo: map[string]string{
			"user_id":      info.ID,
			"email":        info.Email,
			"display_name": info.DisplayName,
		},
	})
	return *sess, nil
}

// SignOut invalidates the current session and cancels the validity timer.
// Emits authentication_changed(false, {}) if a session was active; otherwise no-op.
func (m *Manager) SignOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signOutLocked(domain.StateSignedOut)
}

// IsAuthenticated reports whether a live session exists. Pure query.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == domain.StateAuthenticated
}

// State returns the current lifecycle state.
func (m *Manager) State() domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns a copy of the active session, if any.
func (m *Manager) Current() (domain.UserSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.StateAuthenticated || m.session == nil {
		return domain.UserSession{}, false
	}
	return *m.session, true
}

// Touch records activity on the session. Returns ErrNotAuthenticated when no
// session is active.
func (m *Manager) Touch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.StateAuthenticated || m.session == nil {
		return ErrNotAuthenticated
	}
	m.session.LastActivity = m.nowF()
	return nil
}

// Close stops the validity timer without emitting events. For engine shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopValidityCheckLocked()
}

func (m *Manager) verify(ctx context.Context, email, password string) (*backend.UserInfo, error) {
	ch := m.handle.Channels()
	if ch == nil || ch.Auth == nil || !ch.Auth.Ready() {
		return nil, ErrBackendUnavailable
	}
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	info, err := ch.Auth.VerifyCredentials(callCtx, email, password)
	if err == nil {
		return info, nil
	}
	if errors.Is(err, backend.ErrInvalidCredentials) {
		return nil, ErrInvalidCredentials
	}
	switch backend.Classify(err) {
	case backend.FailureUnavailableOrTimeout:
		return nil, ErrNetworkUnavailable
	default:
		return nil, ErrBackendUnavailable
	}
}

// checkSessionValidity forces a sign-out when the session has outlived its
// timeout or its token no longer verifies. Timer-driven; also callable
// directly.
func (m *Manager) checkSessionValidity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.StateAuthenticated || m.session == nil {
		return
	}
	if m.session.Expired(m.nowF(), m.timeout) {
		m.signOutLocked(domain.StateExpired)
		return
	}
	if _, err := m.tokens.Validate(m.session.SessionToken); err != nil {
		m.signOutLocked(domain.StateExpired)
	}
}

// signOutLocked ends the session through the given terminal state and settles
// on Unauthenticated. Emits the sign-out event exactly once per session.
func (m *Manager) signOutLocked(via domain.State) {
	if m.state != domain.StateAuthenticated {
		return
	}
	m.stopValidityCheckLocked()
	m.session = nil
	m.state = via
	m.bus.Publish(events.AuthenticationChanged{Authenticated: false, UserInfo: map[string]string{}})
	m.state = domain.StateUnauthenticated
}

func (m *Manager) startValidityCheckLocked() {
	m.stopValidityCheckLocked()
	stop := make(chan struct{})
	m.stopCheck = stop
	interval := m.checkInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkSessionValidity()
			case <-stop:
				return
			}
		}
	}()
}

func (m *Manager) stopValidityCheckLocked() {
	if m.stopCheck != nil {
		close(m.stopCheck)
		m.stopCheck = nil
	}
}
