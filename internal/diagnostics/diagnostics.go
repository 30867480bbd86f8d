// Package diagnostics probes the backend channels and derives an overall
// connectivity state. Probes never raise to the caller; failures are
// classified and folded into the report.
package diagnostics

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"kitchen-cloud-sync/engine/internal/backend"
)

// SessionStater is the minimal session-manager surface the prober needs.
type SessionStater interface {
	IsAuthenticated() bool
}

// OverallStatus summarizes channel availability. Derivation priority, first
// match wins: fully_connected, auth_only, database_only, disconnected; error
// is reserved for failures of the probing itself.
type OverallStatus string

const (
	StatusFullyConnected OverallStatus = "fully_connected"
	StatusAuthOnly       OverallStatus = "auth_only"
	StatusDatabaseOnly   OverallStatus = "database_only"
	StatusDisconnected   OverallStatus = "disconnected"
	StatusError          OverallStatus = "error"
)

// ChannelStatus is the probe result for one backend channel.
type ChannelStatus struct {
	Available bool
	Failure   backend.FailureKind // empty when available
	Detail    string
}

// Report is a point-in-time snapshot of backend health. Value object owned by
// the caller; the prober caches one internally for a short TTL.
type Report struct {
	AdminChannel    ChannelStatus
	DataChannel     ChannelStatus
	AuthChannel     ChannelStatus
	SessionActive   bool
	ProjectID       string
	Overall         OverallStatus
	Recommendations []string
	GeneratedAt     time.Time
}

// reportTTL bounds how long a cached report is served before re-probing.
const reportTTL = 5 * time.Minute

// Prober runs channel diagnostics and owns the engine's only recovery
// mechanism, Reinitialize.
type Prober struct {
	handle      *backend.Handle
	factory     backend.Factory
	sessions    SessionStater
	callTimeout time.Duration

	mu       sync.Mutex
	cached   *Report
	cachedAt time.Time
	ttl      time.Duration
	nowF     func() time.Time
}

// New returns a Prober over the given channel handle. factory recreates
// channels during reinitialization; sessions supplies session state.
func New(handle *backend.Handle, factory backend.Factory, sessions SessionStater, callTimeout time.Duration) *Prober {
	return &Prober{
		handle:      handle,
		factory:     factory,
		sessions:    sessions,
		callTimeout: callTimeout,
		ttl:         reportTTL,
		nowF:        func() time.Time { return time.Now().UTC() },
	}
}

// Probe returns the current diagnostics report, re-probing the backend only
// when the cached report has outlived its TTL. Never returns an error.
func (p *Prober) Probe(ctx context.Context) *Report {
	p.mu.Lock()
	if p.cached != nil && p.nowF().Sub(p.cachedAt) < p.ttl {
		r := *p.cached
		p.mu.Unlock()
		return &r
	}
	p.mu.Unlock()

	report := p.probeFresh(ctx)

	p.mu.Lock()
	p.cached = report
	p.cachedAt = p.nowF()
	r := *report
	p.mu.Unlock()
	return &r
}

// Reinitialize tears down all channel handles, recreates them from persisted
// configuration, re-probes, and returns true only if at least one channel
// became available. Safe to call repeatedly.
func (p *Prober) Reinitialize(ctx context.Context) bool {
	old := p.handle.Replace(nil)
	if err := old.Close(); err != nil {
		log.Printf("diagnostics: closing old channels: %v", err)
	}

	p.invalidate()

	ch, err := p.factory(ctx)
	if err != nil {
		log.Printf("diagnostics: reinitialize failed: %v", err)
		return false
	}
	p.handle.Replace(ch)

	report := p.Probe(ctx)
	return report.AdminChannel.Available || report.DataChannel.Available || report.AuthChannel.Available
}

func (p *Prober) invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

func (p *Prober) probeFresh(ctx context.Context) (report *Report) {
	report = &Report{GeneratedAt: p.nowF()}
	defer func() {
		if r := recover(); r != nil {
			report.Overall = StatusError
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("diagnostics probe failed internally (%v); retry or reinitialize the connection", r))
		}
	}()

	ch := p.handle.Channels()

	report.AdminChannel, report.ProjectID = p.probeAdmin(ctx, ch)
	report.DataChannel = p.probeData(ctx, ch)
	report.AuthChannel = p.probeAuth(ch)
	if p.sessions != nil {
		report.SessionActive = p.sessions.IsAuthenticated()
	}

	report.Overall = derive(report)
	report.Recommendations = recommend(report)
	return report
}

func (p *Prober) probeAdmin(ctx context.Context, ch *backend.Channels) (ChannelStatus, string) {
	if ch == nil || ch.Admin == nil || !ch.Admin.Ready() {
		return ChannelStatus{Failure: backend.FailureUnavailableOrTimeout, Detail: "admin handle not initialized"}, ""
	}
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	projectID, err := ch.Admin.ProjectID(callCtx)
	if err != nil {
		return ChannelStatus{Failure: backend.Classify(err), Detail: err.Error()}, ""
	}
	return ChannelStatus{Available: true}, projectID
}

func (p *Prober) probeData(ctx context.Context, ch *backend.Channels) ChannelStatus {
	if ch == nil || ch.Data == nil || !ch.Data.Ready() {
		return ChannelStatus{Failure: backend.FailureUnavailableOrTimeout, Detail: "data handle not initialized"}
	}
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	if err := ch.Data.Ping(callCtx); err != nil {
		return ChannelStatus{Failure: backend.Classify(err), Detail: err.Error()}
	}
	return ChannelStatus{Available: true}
}

func (p *Prober) probeAuth(ch *backend.Channels) ChannelStatus {
	if ch == nil || ch.Auth == nil || !ch.Auth.Ready() {
		return ChannelStatus{Failure: backend.FailureUnavailableOrTimeout, Detail: "auth handle not initialized"}
	}
	return ChannelStatus{Available: true}
}

func derive(r *Report) OverallStatus {
	admin, data, auth := r.AdminChannel.Available, r.DataChannel.Available, r.AuthChannel.Available
	switch {
	case admin && data && auth:
		return StatusFullyConnected
	case auth:
		return StatusAuthOnly
	case data:
		return StatusDatabaseOnly
	default:
		return StatusDisconnected
	}
}

func recommend(r *Report) []string {
	var recs []string
	if r.DataChannel.Failure == backend.FailureCredentialsInvalid || r.AdminChannel.Failure == backend.FailureCredentialsInvalid {
		recs = append(recs, "backend credentials were rejected; update the stored service credentials")
	}
	if r.DataChannel.Failure == backend.FailurePermissionDenied {
		recs = append(recs, "the account lacks permission on the data store; review grants for the sync role")
	}
	if r.DataChannel.Failure == backend.FailureUnavailableOrTimeout || r.AdminChannel.Failure == backend.FailureUnavailableOrTimeout {
		recs = append(recs, "the backend is unreachable; check network connectivity, then reinitialize the connection")
	}
	if !r.AuthChannel.Available {
		recs = append(recs, "the auth channel is down; sign-in is unavailable until the connection is reinitialized")
	}
	if !r.SessionActive && r.AuthChannel.Available {
		recs = append(recs, "no active session; sign in to enable synchronization")
	}
	if r.Overall == StatusFullyConnected && r.SessionActive {
		recs = append(recs, "all systems operational")
	}
	return recs
}
