// Package migration upgrades the obsolete budget collection to the current
// schema. One-shot and conservative: once the current collection has any
// records the migration is considered done for good, and the legacy
// collection is never deleted automatically.
package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kitchen-cloud-sync/engine/internal/backend"
	syncengine "kitchen-cloud-sync/engine/internal/sync"
	"kitchen-cloud-sync/engine/internal/telemetry"
)

// Collection names owned by this package.
const (
	LegacyCollection     = "budget_legacy"
	CurrentCollection    = "budgets"
	CategoriesCollection = "budget_categories"
)

// ErrSyncTimeout is returned when the underlying sync operation does not
// reach a terminal state before the context deadline.
var ErrSyncTimeout = errors.New("migration sync did not finish")

// defaultCategories seeds the reference collection. Allocations start at zero;
// assigning amounts is the user's job.
var defaultCategories = []string{
	"Produce",
	"Dairy",
	"Meat & Seafood",
	"Dry Goods",
	"Beverages",
	"Cleaning & Supplies",
}

type fieldKind int

const (
	fieldString fieldKind = iota
	fieldNumeric
	fieldTimestamp
)

// budgetSchema lists the fields every migrated budget record must carry.
// Missing values are backfilled, never dropped.
var budgetSchema = map[string]fieldKind{
	"category":   fieldString,
	"amount":     fieldNumeric,
	"spent":      fieldNumeric,
	"period":     fieldString,
	"created_at": fieldTimestamp,
}

// Result reports what a migration run did.
type Result struct {
	Performed       bool
	RecordsMigrated int
	Errors          []string
}

// Syncer is the batch-sync surface the migration writes and reads through,
// so migrated data is quota-governed like any other sync traffic.
type Syncer interface {
	Download(ctx context.Context, names []string) (map[string][]backend.Record, error)
	Upload(collections map[string][]backend.Record) (string, error)
	OperationStatus(id string) (syncengine.Operation, bool)
}

// Owner resolves the current user for direct collection counts.
type Owner interface {
	CurrentUserID() (string, bool)
}

// Service runs the legacy budget migration.
type Service struct {
	handle      *backend.Handle
	syncer      Syncer
	owner       Owner
	metrics     *telemetry.Metrics
	callTimeout time.Duration
	nowF        func() time.Time
}

// New wires a migration Service.
func New(handle *backend.Handle, syncer Syncer, owner Owner, metrics *telemetry.Metrics, callTimeout time.Duration) *Service {
	return &Service{
		handle:      handle,
		syncer:      syncer,
		owner:       owner,
		metrics:     metrics,
		callTimeout: callTimeout,
		nowF:        func() time.Time { return time.Now().UTC() },
	}
}

// MigrationNeeded reports whether the legacy collection has records while the
// current collection is still empty. A non-empty current collection means the
// migration already ran, even when stale legacy data remains.
func (s *Service) MigrationNeeded(ctx context.Context) (bool, error) {
	ownerID, ok := s.owner.CurrentUserID()
	if !ok {
		return false, syncengine.ErrNotAuthenticated
	}
	legacy, err := s.count(ctx, ownerID, LegacyCollection)
	if err != nil {
		return false, err
	}
	if legacy == 0 {
		return false, nil
	}
	current, err := s.count(ctx, ownerID, CurrentCollection)
	if err != nil {
		return false, err
	}
	return current == 0, nil
}

// Migrate reads the whole legacy collection, backfills missing schema fields
// (numeric fields to 0.0, timestamps to now, everything else to an empty
// string), and writes the result to the current collection through the sync
// engine. When logRemoval is set, a removal instruction for the legacy
// collection is logged; nothing is ever deleted.
func (s *Service) Migrate(ctx context.Context, logRemoval bool) (Result, error) {
	needed, err := s.MigrationNeeded(ctx)
	if err != nil {
		return Result{}, err
	}
	if !needed {
		return Result{Performed: false}, nil
	}

	legacy, err := s.syncer.Download(ctx, []string{LegacyCollection})
	if err != nil {
		return Result{}, fmt.Errorf("read legacy collection: %w", err)
	}
	records := legacy[LegacyCollection]
	if len(records) == 0 {
		return Result{Performed: false}, nil
	}

	migrated := make([]backend.Record, len(records))
	for i, r := range records {
		migrated[i] = s.backfill(r)
	}

	res := Result{Performed: true}
	opID, err := s.syncer.Upload(map[string][]backend.Record{CurrentCollection: migrated})
	if err != nil {
		return Result{}, fmt.Errorf("write migrated budgets: %w", err)
	}
	op, err := s.awaitOperation(ctx, opID)
	if err != nil {
		return res, err
	}
	res.RecordsMigrated = op.RecordsSynced
	if op.Status == syncengine.StatusFailed {
		res.Errors = append(res.Errors, op.ErrorMessage)
		return res, fmt.Errorf("write migrated budgets: %s", op.ErrorMessage)
	}

	if logRemoval {
		s.metrics.LegacyRemovalSuggested(ctx, LegacyCollection)
	}
	return res, nil
}

// EnsureDefaultCategories seeds the budget-category reference collection with
// the fixed default set when it is empty. Re-running with existing entries is
// a no-op.
func (s *Service) EnsureDefaultCategories(ctx context.Context) error {
	ownerID, ok := s.owner.CurrentUserID()
	if !ok {
		return syncengine.ErrNotAuthenticated
	}
	existing, err := s.count(ctx, ownerID, CategoriesCollection)
	if err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	seed := make([]backend.Record, len(defaultCategories))
	for i, name := range defaultCategories {
		seed[i] = backend.Record{"name": name, "allocation": 0.0}
	}
	opID, err := s.syncer.Upload(map[string][]backend.Record{CategoriesCollection: seed})
	if err != nil {
		return fmt.Errorf("seed default categories: %w", err)
	}
	op, err := s.awaitOperation(ctx, opID)
	if err != nil {
		return err
	}
	if op.Status == syncengine.StatusFailed {
		return fmt.Errorf("seed default categories: %s", op.ErrorMessage)
	}
	return nil
}

// backfill fills missing schema fields with their documented defaults and
// keeps every field the legacy record already carried.
func (s *Service) backfill(r backend.Record) backend.Record {
	out := make(backend.Record, len(r)+len(budgetSchema))
	for k, v := range r {
		out[k] = v
	}
	for field, kind := range budgetSchema {
		if v, ok := out[field]; ok && v != nil {
			continue
		}
		switch kind {
		case fieldNumeric:
			out[field] = 0.0
		case fieldTimestamp:
			out[field] = s.nowF().Format(time.RFC3339Nano)
		default:
			out[field] = ""
		}
	}
	return out
}

// awaitOperation polls the sync engine until the operation finishes.
func (s *Service) awaitOperation(ctx context.Context, opID string) (syncengine.Operation, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if op, ok := s.syncer.OperationStatus(opID); ok {
			if op.Status == syncengine.StatusCompleted || op.Status == syncengine.StatusFailed {
				return op, nil
			}
		}
		select {
		case <-ctx.Done():
			return syncengine.Operation{}, fmt.Errorf("%w: %v", ErrSyncTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Service) count(ctx context.Context, ownerID, collection string) (int64, error) {
	ch := s.handle.Channels()
	if ch == nil || ch.Data == nil || !ch.Data.Ready() {
		return 0, backend.ErrNotInitialized
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return ch.Data.Count(callCtx, ownerID, collection)
}
