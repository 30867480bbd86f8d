// Package quota enforces the daily read/write budget against the remote
// store. The Governor is the single chokepoint: no other component mutates
// the counters.
package quota

import (
	"errors"
	"sync"
	"time"
)

// ErrExceeded is reported when a reservation is denied. The current sync
// operation is terminal on it; the engine itself stays usable.
var ErrExceeded = errors.New("quota exceeded")

// Kind selects which daily counter a reservation draws from.
type Kind int

const (
	// Read covers one record read from the remote store.
	Read Kind = iota
	// Write covers one record written to the remote store.
	Write
)

// String returns "read" or "write".
func (k Kind) String() string {
	if k == Read {
		return "read"
	}
	return "write"
}

// Counters is a read-only snapshot of quota state.
type Counters struct {
	ReadsUsed  int
	WritesUsed int
	MaxReads   int
	MaxWrites  int
	ResetDate  string // UTC calendar date the counters belong to, YYYY-MM-DD
}

// Governor tracks the rolling daily budget. All methods are safe for
// concurrent use.
type Governor struct {
	mu         sync.Mutex
	readsUsed  int
	writesUsed int
	maxReads   int
	maxWrites  int
	resetDate  string
	nowF       func() time.Time
}

// NewGovernor returns a Governor with the given daily caps.
func NewGovernor(maxReads, maxWrites int) *Governor {
	g := &Governor{
		maxReads:  maxReads,
		maxWrites: maxWrites,
		nowF:      func() time.Time { return time.Now().UTC() },
	}
	g.resetDate = g.today()
	return g
}

// Reserve atomically checks used+count against the cap for kind; on success
// it increments the counter and returns true, otherwise it returns false and
// leaves the counters untouched. The date check runs first so counters never
// silently span days.
func (g *Governor) Reserve(kind Kind, count int) bool {
	if count < 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNeededLocked()
	switch kind {
	case Read:
		if g.readsUsed+count > g.maxReads {
			return false
		}
		g.readsUsed += count
	case Write:
		if g.writesUsed+count > g.maxWrites {
			return false
		}
		g.writesUsed += count
	default:
		return false
	}
	return true
}

// DailyResetIfNeeded zeroes both counters when the UTC calendar date has
// advanced past the stored reset date.
func (g *Governor) DailyResetIfNeeded() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNeededLocked()
}

// Snapshot returns a read-only copy of the counters, after applying any
// pending daily reset.
func (g *Governor) Snapshot() Counters {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNeededLocked()
	return Counters{
		ReadsUsed:  g.readsUsed,
		WritesUsed: g.writesUsed,
		MaxReads:   g.maxReads,
		MaxWrites:  g.maxWrites,
		ResetDate:  g.resetDate,
	}
}

// AutoReset starts a background ticker that applies the daily reset check at
// the given interval. Returns a stop function tied to engine shutdown.
func (g *Governor) AutoReset(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				g.DailyResetIfNeeded()
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

func (g *Governor) resetIfNeededLocked() {
	if today := g.today(); today != g.resetDate {
		g.readsUsed = 0
		g.writesUsed = 0
		g.resetDate = today
	}
}

func (g *Governor) today() string {
	return g.nowF().UTC().Format("2006-01-02")
}
