package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"kitchen-cloud-sync/engine/internal/backend"
	"kitchen-cloud-sync/engine/internal/events"
	"kitchen-cloud-sync/engine/internal/security"
	"kitchen-cloud-sync/engine/internal/session/domain"
)

type fakeAuth struct {
	info  *backend.UserInfo
	err   error
	ready bool
}

func (f *fakeAuth) VerifyCredentials(ctx context.Context, email, password string) (*backend.UserInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func (f *fakeAuth) Ready() bool { return f.ready }

func newTestManager(t *testing.T, auth backend.AuthChannel) (*Manager, *events.Bus, <-chan events.Event) {
	t.Helper()
	tokens, err := security.NewTokenProvider([]byte("test-key-0123456789abcdef"), "kitchensync-auth", "kitchensync-engine")
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(16)
	handle := backend.NewHandle(backend.NewChannels(nil, nil, auth, nil))
	m := NewManager(handle, tokens, bus, time.Hour, time.Minute, time.Second)
	t.Cleanup(m.Close)
	return m, bus, sub
}

func waitAuthEvent(t *testing.T, sub <-chan events.Event) events.AuthenticationChanged {
	t.Helper()
	select {
	case e, ok := <-sub:
		if !ok {
			t.Fatal("event channel closed")
		}
		ac, isAuth := e.(events.AuthenticationChanged)
		if !isAuth {
			t.Fatalf("event is %T, want AuthenticationChanged", e)
		}
		return ac
	case <-time.After(time.Second):
		t.Fatal("no authentication event received")
	}
	return events.AuthenticationChanged{}
}

func TestAuthenticate_Success(t *testing.T) {
	auth := &fakeAuth{
		info: &backend.UserInfo{
			ID:          "user-1",
			Email:       "cook@example.com",
			DisplayName: "Head Cook",
			Permissions: []string{"sync", "migrate"},
		},
		ready: true,
	}
	m, _, sub := newTestManager(t, auth)

	sess, err := m.Authenticate(context.Background(), "cook@example.com", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !m.IsAuthenticated() {
		t.Error("IsAuthenticated = false after successful authenticate")
	}
	if sess.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", sess.UserID)
	}
	if sess.SessionToken == "" {
		t.Error("SessionToken should not be empty")
	}
	if len(sess.Permissions) != 2 {
		t.Errorf("Permissions = %v, want 2 tags", sess.Permissions)
	}

	ev := waitAuthEvent(t, sub)
	if !ev.Authenticated {
		t.Error("event Authenticated = false, want true")
	}
	if ev.UserInfo["email"] != "cook@example.com" {
		t.Errorf("event email = %q", ev.UserInfo["email"])
	}
}

func TestAuthenticate_ErrorTaxonomy(t *testing.T) {
	testCases := []struct {
		name    string
		channel *fakeAuth
		want    error
	}{
		{"invalid credentials", &fakeAuth{err: backend.ErrInvalidCredentials, ready: true}, ErrInvalidCredentials},
		{"timeout is network", &fakeAuth{err: context.DeadlineExceeded, ready: true}, ErrNetworkUnavailable},
		{"unknown is backend", &fakeAuth{err: errors.New("exploded"), ready: true}, ErrBackendUnavailable},
		{"not ready is backend", &fakeAuth{ready: false}, ErrBackendUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, _, _ := newTestManager(t, tc.channel)
			_, err := m.Authenticate(context.Background(), "cook@example.com", "secret")
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
			if m.IsAuthenticated() {
				t.Error("IsAuthenticated should be false after failure")
			}
			if got := m.State(); got != domain.StateUnauthenticated {
				t.Errorf("State = %q, want unauthenticated", got)
			}
		})
	}
}

func TestSignOut_EmitsEventOnce(t *testing.T) {
	auth := &fakeAuth{info: &backend.UserInfo{ID: "user-1", Email: "cook@example.com"}, ready: true}
	m, _, sub := newTestManager(t, auth)

	if _, err := m.Authenticate(context.Background(), "cook@example.com", "secret"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	_ = waitAuthEvent(t, sub) // consume the sign-in event

	m.SignOut()
	m.SignOut() // second call must be a no-op

	ev := waitAuthEvent(t, sub)
	if ev.Authenticated {
		t.Error("event Authenticated = true, want false")
	}
	if len(ev.UserInfo) != 0 {
		t.Errorf("event UserInfo = %v, want empty", ev.UserInfo)
	}

	select {
	case e := <-sub:
		t.Errorf("unexpected extra event after double sign-out: %#v", e)
	case <-time.After(100 * time.Millisecond):
	}
	if m.IsAuthenticated() {
		t.Error("IsAuthenticated should be false after sign-out")
	}
}

func TestCheckSessionValidity_ExpiresSession(t *testing.T) {
	auth := &fakeAuth{info: &backend.UserInfo{ID: "user-1", Email: "cook@example.com"}, ready: true}
	m, _, sub := newTestManager(t, auth)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.nowF = func() time.Time { return now }

	if _, err := m.Authenticate(context.Background(), "cook@example.com", "secret"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	_ = waitAuthEvent(t, sub)

	// Still inside the timeout: nothing should happen.
	now = now.Add(59 * time.Minute)
	m.checkSessionValidity()
	if !m.IsAuthenticated() {
		t.Fatal("session should still be valid before timeout")
	}

	// Past the timeout: next check forces sign-out, exactly one event.
	now = now.Add(2 * time.Minute)
	m.checkSessionValidity()
	m.checkSessionValidity() // second check must not emit again

	if m.IsAuthenticated() {
		t.Error("IsAuthenticated should be false after expiry")
	}
	ev := waitAuthEvent(t, sub)
	if ev.Authenticated {
		t.Error("expiry event Authenticated = true, want false")
	}
	select {
	case e := <-sub:
		t.Errorf("unexpected extra event after expiry: %#v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCheckSessionValidity_RejectsTamperedToken(t *testing.T) {
	auth := &fakeAuth{info: &backend.UserInfo{ID: "user-1", Email: "cook@example.com"}, ready: true}
	m, _, sub := newTestManager(t, auth)

	if _, err := m.Authenticate(context.Background(), "cook@example.com", "secret"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	_ = waitAuthEvent(t, sub)

	// An intact token keeps the session alive.
	m.checkSessionValidity()
	if !m.IsAuthenticated() {
		t.Fatal("session with a valid token should survive the check")
	}

	m.mu.Lock()
	m.session.SessionToken = m.session.SessionToken + "tampered"
	m.mu.Unlock()

	m.checkSessionValidity()
	if m.IsAuthenticated() {
		t.Error("session with a tampered token should be signed out")
	}
	ev := waitAuthEvent(t, sub)
	if ev.Authenticated {
		t.Error("tampered-token event Authenticated = true, want false")
	}
}

func TestTouch(t *testing.T) {
	auth := &fakeAuth{info: &backend.UserInfo{ID: "user-1", Email: "cook@example.com"}, ready: true}
	m, _, _ := newTestManager(t, auth)

	if err := m.Touch(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Touch before auth: err = %v, want ErrNotAuthenticated", err)
	}

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.nowF = func() time.Time { return now }
	if _, err := m.Authenticate(context.Background(), "cook@example.com", "secret"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	now = now.Add(5 * time.Minute)
	if err := m.Touch(); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	sess, ok := m.Current()
	if !ok {
		t.Fatal("Current should return the session")
	}
	if !sess.LastActivity.Equal(now) {
		t.Errorf("LastActivity = %v, want %v", sess.LastActivity, now)
	}
	if !sess.SessionStart.Equal(now.Add(-5 * time.Minute)) {
		t.Errorf("SessionStart = %v, should be unchanged", sess.SessionStart)
	}
}

func TestAuthenticate_ReplacesExistingSession(t *testing.T) {
	auth := &fakeAuth{info: &backend.UserInfo{ID: "user-1", Email: "cook@example.com"}, ready: true}
	m, _, sub := newTestManager(t, auth)

	if _, err := m.Authenticate(context.Background(), "cook@example.com", "secret"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	_ = waitAuthEvent(t, sub)

	if _, err := m.Authenticate(context.Background(), "cook@example.com", "secret"); err != nil {
		t.Fatalf("re-Authenticate: %v", err)
	}
	// The old session is signed out (false event) before the new one starts (true event).
	first := waitAuthEvent(t, sub)
	if first.Authenticated {
		t.Error("first event should be the sign-out of the old session")
	}
	second := waitAuthEvent(t, sub)
	if !second.Authenticated {
		t.Error("second event should be the new sign-in")
	}
	if !m.IsAuthenticated() {
		t.Error("IsAuthenticated should be true after re-authentication")
	}
}
