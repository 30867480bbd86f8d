package diagnostics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"kitchen-cloud-sync/engine/internal/backend"
)

type fakeAdmin struct {
	projectID string
	err       error
	ready     bool
	calls     int
}

func (f *fakeAdmin) ProjectID(ctx context.Context) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.projectID, nil
}

func (f *fakeAdmin) Ready() bool { return f.ready }

type fakeData struct {
	pingErr error
	ready   bool
	calls   int
}

func (f *fakeData) AppendBatch(ctx context.Context, ownerID, collection string, docs []backend.Record) error {
	return errors.New("not implemented")
}

func (f *fakeData) ReadAll(ctx context.Context, ownerID, collection string) ([]backend.Record, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeData) ListCollections(ctx context.Context, ownerID string) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeData) Count(ctx context.Context, ownerID, collection string) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeData) Ping(ctx context.Context) error {
	f.calls++
	return f.pingErr
}

func (f *fakeData) Ready() bool { return f.ready }

type fakeAuthCh struct{ ready bool }

func (f *fakeAuthCh) VerifyCredentials(ctx context.Context, email, password string) (*backend.UserInfo, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAuthCh) Ready() bool { return f.ready }

type fakeSessions struct{ active bool }

func (f *fakeSessions) IsAuthenticated() bool { return f.active }

func newProber(admin *fakeAdmin, data *fakeData, auth *fakeAuthCh, factory backend.Factory) *Prober {
	handle := backend.NewHandle(backend.NewChannels(admin, data, auth, nil))
	return New(handle, factory, &fakeSessions{}, time.Second)
}

func TestProbe_FullyConnected(t *testing.T) {
	p := newProber(
		&fakeAdmin{projectID: "kitchen-prod", ready: true},
		&fakeData{ready: true},
		&fakeAuthCh{ready: true},
		nil,
	)

	r := p.Probe(context.Background())
	if r.Overall != StatusFullyConnected {
		t.Errorf("Overall = %q, want fully_connected", r.Overall)
	}
	if !r.AdminChannel.Available || !r.DataChannel.Available || !r.AuthChannel.Available {
		t.Error("all channels should be available")
	}
	if r.ProjectID != "kitchen-prod" {
		t.Errorf("ProjectID = %q, want kitchen-prod", r.ProjectID)
	}
}

func TestProbe_CredentialsInvalidIsAuthOnly(t *testing.T) {
	// Admin healthy, data raising a credentials error, auth healthy:
	// overall must be auth_only with a credentials_invalid classification.
	p := newProber(
		&fakeAdmin{projectID: "kitchen-prod", ready: true},
		&fakeData{ready: true, pingErr: &pgconn.PgError{Code: "28P01", Message: "password authentication failed"}},
		&fakeAuthCh{ready: true},
		nil,
	)

	r := p.Probe(context.Background())
	if r.Overall != StatusAuthOnly {
		t.Errorf("Overall = %q, want auth_only", r.Overall)
	}
	if r.DataChannel.Failure != backend.FailureCredentialsInvalid {
		t.Errorf("DataChannel.Failure = %q, want credentials_invalid", r.DataChannel.Failure)
	}
	if len(r.Recommendations) == 0 {
		t.Error("report should carry recommendations")
	}
}

func TestProbe_DatabaseOnly(t *testing.T) {
	p := newProber(
		&fakeAdmin{ready: false},
		&fakeData{ready: true},
		&fakeAuthCh{ready: false},
		nil,
	)

	r := p.Probe(context.Background())
	if r.Overall != StatusDatabaseOnly {
		t.Errorf("Overall = %q, want database_only", r.Overall)
	}
}

func TestProbe_Disconnected(t *testing.T) {
	p := newProber(&fakeAdmin{}, &fakeData{}, &fakeAuthCh{}, nil)

	r := p.Probe(context.Background())
	if r.Overall != StatusDisconnected {
		t.Errorf("Overall = %q, want disconnected", r.Overall)
	}
	if r.AdminChannel.Failure != backend.FailureUnavailableOrTimeout {
		t.Errorf("AdminChannel.Failure = %q, want unavailable_or_timeout", r.AdminChannel.Failure)
	}
}

func TestProbe_NilChannelsNeverRaises(t *testing.T) {
	handle := backend.NewHandle(nil)
	p := New(handle, nil, &fakeSessions{}, time.Second)

	r := p.Probe(context.Background())
	if r.Overall != StatusDisconnected {
		t.Errorf("Overall = %q, want disconnected", r.Overall)
	}
}

func TestProbe_ServesCachedReportWithinTTL(t *testing.T) {
	admin := &fakeAdmin{projectID: "kitchen-prod", ready: true}
	data := &fakeData{ready: true}
	p := newProber(admin, data, &fakeAuthCh{ready: true}, nil)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p.nowF = func() time.Time { return now }

	_ = p.Probe(context.Background())
	_ = p.Probe(context.Background())
	if data.calls != 1 {
		t.Errorf("data probed %d times within TTL, want 1", data.calls)
	}

	now = now.Add(reportTTL + time.Second)
	_ = p.Probe(context.Background())
	if data.calls != 2 {
		t.Errorf("data probed %d times after TTL, want 2", data.calls)
	}
}

func TestReinitialize_RecreatesChannels(t *testing.T) {
	closed := false
	oldChannels := backend.NewChannels(&fakeAdmin{ready: true}, &fakeData{ready: true}, &fakeAuthCh{ready: true},
		func() error { closed = true; return nil })
	handle := backend.NewHandle(oldChannels)

	fresh := backend.NewChannels(&fakeAdmin{projectID: "kitchen-prod", ready: true}, &fakeData{ready: true}, &fakeAuthCh{ready: true}, nil)
	factory := func(ctx context.Context) (*backend.Channels, error) { return fresh, nil }

	p := New(handle, factory, &fakeSessions{}, time.Second)
	if !p.Reinitialize(context.Background()) {
		t.Fatal("Reinitialize should succeed when the factory returns healthy channels")
	}
	if !closed {
		t.Error("old channels should have been closed")
	}
	if handle.Channels() != fresh {
		t.Error("handle should hold the recreated channels")
	}
}

func TestReinitialize_FactoryFailure(t *testing.T) {
	handle := backend.NewHandle(backend.NewChannels(&fakeAdmin{ready: true}, &fakeData{ready: true}, &fakeAuthCh{ready: true}, nil))
	factory := func(ctx context.Context) (*backend.Channels, error) { return nil, errors.New("dial failed") }

	p := New(handle, factory, &fakeSessions{}, time.Second)
	if p.Reinitialize(context.Background()) {
		t.Error("Reinitialize should report false when the factory fails")
	}
	// Repeated calls stay safe.
	if p.Reinitialize(context.Background()) {
		t.Error("repeated Reinitialize should still report false")
	}
}

func TestReinitialize_InvalidatesCache(t *testing.T) {
	data := &fakeData{ready: true}
	fresh := backend.NewChannels(&fakeAdmin{projectID: "p", ready: true}, data, &fakeAuthCh{ready: true}, nil)
	handle := backend.NewHandle(backend.NewChannels(&fakeAdmin{ready: true}, &fakeData{ready: true}, &fakeAuthCh{ready: true}, nil))
	factory := func(ctx context.Context) (*backend.Channels, error) { return fresh, nil }

	p := New(handle, factory, &fakeSessions{}, time.Second)
	_ = p.Probe(context.Background())

	if !p.Reinitialize(context.Background()) {
		t.Fatal("Reinitialize should succeed")
	}
	if data.calls == 0 {
		t.Error("Reinitialize should have re-probed the fresh data channel")
	}
}
