package sync

import (
	"sync"
	"time"
)

// Status is the lifecycle of one sync operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Operation is the caller-visible record of one upload. Value object; the
// store hands out copies.
type Operation struct {
	OperationID   string
	Status        Status
	StartTime     time.Time
	EndTime       time.Time // zero until the operation finishes
	RecordsSynced int
	ErrorMessage  string
}

type opEntry struct {
	op              Operation
	cancelRequested bool
}

// OperationStore is a bounded in-memory map of recent operations for status
// lookup. Finished entries are garbage-collected after the retention window.
type OperationStore struct {
	mu        sync.RWMutex
	m         map[string]*opEntry
	retention time.Duration
	nowF      func() time.Time
}

// NewOperationStore returns a store that retains finished operations for the
// given window.
func NewOperationStore(retention time.Duration) *OperationStore {
	return &OperationStore{
		m:         make(map[string]*opEntry),
		retention: retention,
		nowF:      func() time.Time { return time.Now().UTC() },
	}
}

// Put registers a new pending operation.
func (s *OperationStore) Put(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = &opEntry{op: Operation{
		OperationID: id,
		Status:      StatusPending,
		StartTime:   s.nowF(),
	}}
}

// Get returns a copy of the operation, or ok false when unknown or already
// garbage-collected.
func (s *OperationStore) Get(id string) (Operation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[id]
	if !ok {
		return Operation{}, false
	}
	return e.op, true
}

// Start marks the operation in_progress.
func (s *OperationStore) Start(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[id]; ok {
		e.op.Status = StatusInProgress
	}
}

// AddSynced adds n to the operation's committed-record count.
func (s *OperationStore) AddSynced(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[id]; ok {
		e.op.RecordsSynced += n
	}
}

// Complete marks the operation completed.
func (s *OperationStore) Complete(id string) {
	s.finish(id, StatusCompleted, "")
}

// Fail marks the operation failed with the given message.
func (s *OperationStore) Fail(id, message string) {
	s.finish(id, StatusFailed, message)
}

func (s *OperationStore) finish(id string, st Status, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[id]; ok {
		e.op.Status = st
		e.op.EndTime = s.nowF()
		e.op.ErrorMessage = message
	}
}

// RequestCancel marks the operation for cancellation. Takes effect between
// batches; already-committed batches are not undone. Returns false when the
// operation is unknown or already finished.
func (s *OperationStore) RequestCancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[id]
	if !ok || e.op.Status == StatusCompleted || e.op.Status == StatusFailed {
		return false
	}
	e.cancelRequested = true
	return true
}

// CancelRequested reports whether cancellation was requested for the operation.
func (s *OperationStore) CancelRequested(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[id]
	return ok && e.cancelRequested
}

// Sweep drops finished operations older than the retention window.
func (s *OperationStore) Sweep() {
	now := s.nowF()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.m {
		if !e.op.EndTime.IsZero() && now.Sub(e.op.EndTime) > s.retention {
			delete(s.m, id)
		}
	}
}

// AutoSweep runs Sweep at the given interval until the returned stop function
// is called.
func (s *OperationStore) AutoSweep(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
