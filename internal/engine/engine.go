// Package engine assembles the sync engine: session manager, quota governor,
// health diagnostics, batch sync, and legacy migration behind one facade for
// the embedding application. All dependencies are wired here; nothing is
// global.
package engine

import (
	"context"
	"log"
	"time"

	"kitchen-cloud-sync/engine/internal/backend"
	pgbackend "kitchen-cloud-sync/engine/internal/backend/postgres"
	"kitchen-cloud-sync/engine/internal/config"
	"kitchen-cloud-sync/engine/internal/diagnostics"
	"kitchen-cloud-sync/engine/internal/events"
	"kitchen-cloud-sync/engine/internal/migration"
	"kitchen-cloud-sync/engine/internal/quota"
	"kitchen-cloud-sync/engine/internal/security"
	sessiondomain "kitchen-cloud-sync/engine/internal/session/domain"
	sessionservice "kitchen-cloud-sync/engine/internal/session/service"
	syncengine "kitchen-cloud-sync/engine/internal/sync"
	"kitchen-cloud-sync/engine/internal/telemetry"
	otelsetup "kitchen-cloud-sync/engine/internal/telemetry/otel"
)

// quotaResetInterval is how often the daily reset check runs. The governor
// also checks on every reservation, so this only bounds idle-period staleness.
const quotaResetInterval = time.Hour

// Engine is the application-facing facade over all sync components.
type Engine struct {
	bus        *events.Bus
	handle     *backend.Handle
	sessions   *sessionservice.Manager
	governor   *quota.Governor
	sync       *syncengine.Engine
	prober     *diagnostics.Prober
	migrations *migration.Service
	metrics    *telemetry.Metrics

	stopReset    func()
	shutdownOtel func(context.Context) error
}

// ownerAdapter exposes the session manager as the migration owner source.
type ownerAdapter struct {
	m *sessionservice.Manager
}

func (o ownerAdapter) CurrentUserID() (string, bool) {
	sess, ok := o.m.Current()
	return sess.UserID, ok
}

// New builds a fully wired engine from configuration. A backend that is down
// at startup is not fatal: the engine comes up disconnected and Reinitialize
// can recover it later.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	tokens, err := security.NewTokenProvider([]byte(cfg.SessionSigningKey), cfg.SessionIssuer, cfg.SessionAudience)
	if err != nil {
		return nil, err
	}

	providers, err := otelsetup.NewProviders(ctx, cfg.OTLPEndpoint, "kitchensync-engine", cfg.OTLPInsecure)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.New(providers.MeterProvider, providers.LoggerProvider)
	if err != nil {
		_ = providers.Shutdown(ctx)
		return nil, err
	}

	hasher := security.NewHasher(0)
	factory := pgbackend.NewFactory(cfg.DatabaseURL, cfg.AdminDatabaseURL, hasher)
	ch, err := factory(ctx)
	if err != nil {
		log.Printf("engine: backend unavailable at startup: %v", err)
		ch = nil
	}
	handle := backend.NewHandle(ch)

	bus := events.NewBus()
	sessions := sessionservice.NewManager(handle, tokens, bus,
		cfg.SessionTimeout(), cfg.SessionCheckInterval(), cfg.BackendCallTimeout())

	governor := quota.NewGovernor(cfg.MaxDailyReads, cfg.MaxDailyWrites)

	syncEng := syncengine.New(syncengine.Config{
		Handle:      handle,
		Governor:    governor,
		Bus:         bus,
		Sessions:    sessions,
		Metrics:     metrics,
		Tracer:      providers.TracerProvider.Tracer("kitchensync.engine"),
		BatchSize:   cfg.BatchSize,
		CallTimeout: cfg.BackendCallTimeout(),
		OpRetention: cfg.OpRetention(),
		Workers:     cfg.SyncWorkers,
	})

	e := &Engine{
		bus:          bus,
		handle:       handle,
		sessions:     sessions,
		governor:     governor,
		sync:         syncEng,
		prober:       diagnostics.New(handle, factory, sessions, cfg.BackendCallTimeout()),
		migrations:   migration.New(handle, syncEng, ownerAdapter{m: sessions}, metrics, cfg.BackendCallTimeout()),
		metrics:      metrics,
		stopReset:    governor.AutoReset(quotaResetInterval),
		shutdownOtel: providers.Shutdown,
	}
	return e, nil
}

// Subscribe returns a channel of engine notifications. See the events package
// for the event types.
func (e *Engine) Subscribe(buffer int) <-chan events.Event {
	return e.bus.Subscribe(buffer)
}

// Authenticate starts a session for the given credentials.
func (e *Engine) Authenticate(ctx context.Context, email, password string) (sessiondomain.UserSession, error) {
	sess, err := e.sessions.Authenticate(ctx, email, password)
	if err == nil {
		e.metrics.SessionStarted(ctx)
	}
	return sess, err
}

// SignOut ends the current session, if any.
func (e *Engine) SignOut() {
	e.sessions.SignOut()
}

// IsAuthenticated reports whether a live session exists.
func (e *Engine) IsAuthenticated() bool {
	return e.sessions.IsAuthenticated()
}

// Upload starts an asynchronous upload of the given collections and returns
// its operation id. Progress arrives on the event bus.
func (e *Engine) Upload(collections map[string][]backend.Record) (string, error) {
	return e.sync.Upload(collections)
}

// Download reads the named collections, or every collection when names is nil.
func (e *Engine) Download(ctx context.Context, names []string) (map[string][]backend.Record, error) {
	return e.sync.Download(ctx, names)
}

// OperationStatus returns the state of a recent sync operation.
func (e *Engine) OperationStatus(id string) (syncengine.Operation, bool) {
	return e.sync.OperationStatus(id)
}

// Cancel marks a running sync operation for cancellation between batches.
func (e *Engine) Cancel(id string) bool {
	return e.sync.Cancel(id)
}

// UsageSnapshot returns a read-only copy of the quota counters.
func (e *Engine) UsageSnapshot() quota.Counters {
	return e.governor.Snapshot()
}

// MigrationNeeded reports whether the legacy budget migration should run.
func (e *Engine) MigrationNeeded(ctx context.Context) (bool, error) {
	return e.migrations.MigrationNeeded(ctx)
}

// Migrate runs the legacy budget migration. logRemoval opts into logging a
// removal instruction for the legacy collection; nothing is deleted.
func (e *Engine) Migrate(ctx context.Context, logRemoval bool) (migration.Result, error) {
	return e.migrations.Migrate(ctx, logRemoval)
}

// EnsureDefaultCategories seeds the budget-category reference collection.
func (e *Engine) EnsureDefaultCategories(ctx context.Context) error {
	return e.migrations.EnsureDefaultCategories(ctx)
}

// Probe returns the current backend health report.
func (e *Engine) Probe(ctx context.Context) *diagnostics.Report {
	report := e.prober.Probe(ctx)
	e.metrics.ProbeResult(ctx, string(report.Overall))
	return report
}

// Reinitialize tears down and recreates all backend channels. Returns true if
// at least one channel came back.
func (e *Engine) Reinitialize(ctx context.Context) bool {
	return e.prober.Reinitialize(ctx)
}

// Close shuts the engine down: timers, worker pool, event dispatcher, backend
// connections, and telemetry export.
func (e *Engine) Close(ctx context.Context) error {
	e.sessions.Close()
	e.sync.Close()
	e.stopReset()
	e.bus.Close()
	if old := e.handle.Replace(nil); old != nil {
		if err := old.Close(); err != nil {
			log.Printf("engine: closing backend channels: %v", err)
		}
	}
	return e.shutdownOtel(ctx)
}
