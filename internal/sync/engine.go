// Package sync moves named record collections to and from the remote store in
// bounded batches, under the quota governor, reporting progress through the
// event bus. Uploads are at-least-once: committed batches are durable and are
// never rolled back, and the record hash annotates uploads without being used
// to skip duplicates on retry.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"kitchen-cloud-sync/engine/internal/backend"
	"kitchen-cloud-sync/engine/internal/events"
	"kitchen-cloud-sync/engine/internal/quota"
	sessiondomain "kitchen-cloud-sync/engine/internal/session/domain"
	"kitchen-cloud-sync/engine/internal/telemetry"
)

var (
	// ErrNotAuthenticated is returned when no session is active.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrClosed is returned after the engine has shut down.
	ErrClosed = errors.New("sync engine closed")
	// ErrBusy is returned when the background queue cannot accept more work.
	ErrBusy = errors.New("sync engine busy")
)

// SessionSource is the minimal session-manager surface the engine needs.
type SessionSource interface {
	Current() (sessiondomain.UserSession, bool)
	Touch() error
}

// Config wires an Engine. Uses a struct because the dependency list is long.
type Config struct {
	Handle      *backend.Handle
	Governor    *quota.Governor
	Bus         *events.Bus
	Sessions    SessionSource
	Metrics     *telemetry.Metrics // optional
	Tracer      trace.Tracer       // optional
	BatchSize   int
	CallTimeout time.Duration
	OpRetention time.Duration
	Workers     int
}

type uploadJob struct {
	opID        string
	ownerID     string
	collections map[string][]backend.Record
}

// Engine runs uploads on a small worker pool and downloads on the caller's
// goroutine. Entry points never block on backend I/O.
type Engine struct {
	handle      *backend.Handle
	governor    *quota.Governor
	bus         *events.Bus
	sessions    SessionSource
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
	ops         *OperationStore
	batchSize   int
	callTimeout time.Duration

	jobs      chan uploadJob
	done      chan struct{}
	stopSweep func()
	nowF      func() time.Time
}

// New returns a running Engine. Call Close to stop the worker pool.
func New(cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.OpRetention <= 0 {
		cfg.OpRetention = 24 * time.Hour
	}
	e := &Engine{
		handle:      cfg.Handle,
		governor:    cfg.Governor,
		bus:         cfg.Bus,
		sessions:    cfg.Sessions,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		ops:         NewOperationStore(cfg.OpRetention),
		batchSize:   cfg.BatchSize,
		callTimeout: cfg.CallTimeout,
		jobs:        make(chan uploadJob, 64),
		done:        make(chan struct{}),
		nowF:        func() time.Time { return time.Now().UTC() },
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	e.stopSweep = e.ops.AutoSweep(cfg.OpRetention / 4)
	return e
}

// Close stops the worker pool and the operation garbage collector. Queued
// uploads that have not started stay pending and are never picked up.
func (e *Engine) Close() {
	select {
	case <-e.done:
		return
	default:
	}
	close(e.done)
	e.stopSweep()
}

// Upload registers an upload of the given collections and returns its
// operation id immediately. Progress and completion arrive on the event bus.
func (e *Engine) Upload(collections map[string][]backend.Record) (string, error) {
	select {
	case <-e.done:
		return "", ErrClosed
	default:
	}
	sess, ok := e.sessions.Current()
	if !ok {
		return "", ErrNotAuthenticated
	}
	_ = e.sessions.Touch()

	opID := uuid.New().String()
	e.ops.Put(opID)

	job := uploadJob{opID: opID, ownerID: sess.UserID, collections: collections}
	select {
	case e.jobs <- job:
		return opID, nil
	default:
		e.ops.Fail(opID, ErrBusy.Error())
		return "", ErrBusy
	}
}

// Download reads the named collections (all of the user's collections when
// names is nil) and returns them with sync-only fields stripped. One unit of
// read quota is spent per record; when the budget runs out, reading stops
// collection-by-collection and whatever was already read is returned together
// with quota.ErrExceeded. A user with no collections yields an empty map.
func (e *Engine) Download(ctx context.Context, names []string) (map[string][]backend.Record, error) {
	sess, ok := e.sessions.Current()
	if !ok {
		return nil, ErrNotAuthenticated
	}
	_ = e.sessions.Touch()

	ch := e.handle.Channels()
	if ch == nil || ch.Data == nil || !ch.Data.Ready() {
		return nil, backend.ErrNotInitialized
	}

	if names == nil {
		listed, err := e.listCollections(ctx, ch, sess.UserID)
		if err != nil {
			return nil, err
		}
		names = listed
	}

	result := make(map[string][]backend.Record, len(names))
	exhausted := false
	for _, name := range names {
		if exhausted {
			break
		}
		total, err := e.count(ctx, ch, sess.UserID, name)
		if err != nil {
			return result, err
		}

		// Reserve before fetching: an exhausted budget must not trigger
		// backend reads whose records would only be thrown away.
		kept := 0
		for int64(kept) < total {
			if !e.governor.Reserve(quota.Read, 1) {
				exhausted = true
				e.metrics.QuotaDenied(ctx, quota.Read.String())
				break
			}
			kept++
		}
		if total > 0 && kept == 0 {
			break
		}

		var docs []backend.Record
		if kept > 0 {
			docs, err = e.readAll(ctx, ch, sess.UserID, name)
			if err != nil {
				return result, err
			}
			if kept < len(docs) {
				docs = docs[:kept]
			}
		}
		out := make([]backend.Record, 0, len(docs))
		for _, doc := range docs {
			out = append(out, StripSyncFields(doc))
		}
		result[name] = out
	}
	if exhausted {
		return result, quota.ErrExceeded
	}
	return result, nil
}

// OperationStatus returns the recorded state of a recent operation.
func (e *Engine) OperationStatus(id string) (Operation, bool) {
	return e.ops.Get(id)
}

// Cancel marks a running operation for cancellation between batches.
func (e *Engine) Cancel(id string) bool {
	return e.ops.RequestCancel(id)
}

func (e *Engine) worker() {
	for {
		select {
		case job := <-e.jobs:
			e.runUpload(job)
		case <-e.done:
			return
		}
	}
}

func (e *Engine) runUpload(job uploadJob) {
	ctx := context.Background()
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "sync.upload")
		defer span.End()
	}

	e.ops.Start(job.opID)

	total := 0
	names := make([]string, 0, len(job.collections))
	for name, recs := range job.collections {
		names = append(names, name)
		total += len(recs)
	}
	sort.Strings(names)

	if total == 0 {
		e.ops.Complete(job.opID)
		e.bus.Publish(events.Progress{OperationID: job.opID, Percent: 100})
		e.bus.Publish(events.Completed{OperationID: job.opID, Success: true})
		return
	}

	synced := 0
	for _, name := range names {
		recs := job.collections[name]
		for start := 0; start < len(recs); start += e.batchSize {
			end := start + e.batchSize
			if end > len(recs) {
				end = len(recs)
			}
			batch := recs[start:end]

			if e.ops.CancelRequested(job.opID) {
				e.fail(job.opID, "cancelled by caller")
				return
			}
			if !e.governor.Reserve(quota.Write, len(batch)) {
				e.metrics.QuotaDenied(ctx, quota.Write.String())
				e.fail(job.opID, quota.ErrExceeded.Error())
				return
			}

			envelopes := make([]backend.Record, len(batch))
			now := e.nowF()
			for i, r := range batch {
				envelopes[i] = Envelope(r, now)
			}

			began := time.Now()
			if err := e.appendBatch(ctx, job.ownerID, name, envelopes); err != nil {
				e.fail(job.opID, fmt.Sprintf("%s: %v", backend.Classify(err), err))
				return
			}
			e.metrics.BatchCommitted(ctx, time.Since(began))
			e.metrics.RecordsSynced(ctx, int64(len(batch)))

			synced += len(batch)
			e.ops.AddSynced(job.opID, len(batch))
			e.bus.Publish(events.Progress{OperationID: job.opID, Percent: synced * 100 / total})
		}
	}

	e.ops.Complete(job.opID)
	e.bus.Publish(events.Completed{OperationID: job.opID, Success: true})
}

func (e *Engine) fail(opID, message string) {
	e.ops.Fail(opID, message)
	e.bus.Publish(events.Completed{OperationID: opID, Success: false})
}

func (e *Engine) appendBatch(ctx context.Context, ownerID, collection string, docs []backend.Record) error {
	ch := e.handle.Channels()
	if ch == nil || ch.Data == nil || !ch.Data.Ready() {
		return backend.ErrNotInitialized
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return ch.Data.AppendBatch(callCtx, ownerID, collection, docs)
}

func (e *Engine) count(ctx context.Context, ch *backend.Channels, ownerID, collection string) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return ch.Data.Count(callCtx, ownerID, collection)
}

func (e *Engine) readAll(ctx context.Context, ch *backend.Channels, ownerID, collection string) ([]backend.Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return ch.Data.ReadAll(callCtx, ownerID, collection)
}

func (e *Engine) listCollections(ctx context.Context, ch *backend.Channels, ownerID string) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return ch.Data.ListCollections(callCtx, ownerID)
}
