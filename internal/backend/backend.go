// Package backend defines the remote document store channels the engine
// talks to: an admin channel (privileged project lookups), a data channel
// (document reads/writes), and an auth channel (credential verification).
// Raw driver errors never leave this boundary unclassified.
package backend

import (
	"context"
	"errors"
	"sync"
)

// Record is one flat business record: keys to numbers, strings, booleans, or nil.
type Record = map[string]any

// UserInfo describes an authenticated user as reported by the auth channel.
type UserInfo struct {
	ID          string
	Email       string
	DisplayName string
	Permissions []string
}

// Sentinel errors returned by channels; callers map them to their own taxonomy.
var (
	// ErrInvalidCredentials is returned by VerifyCredentials when the
	// email/password pair does not match a known user.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotInitialized is returned when a channel handle has been torn down.
	ErrNotInitialized = errors.New("backend channel not initialized")
)

// AuthChannel verifies interactive credentials against the remote backend.
type AuthChannel interface {
	// VerifyCredentials checks email/password and returns the user on success.
	// Returns ErrInvalidCredentials for a bad pair; other errors are backend failures.
	VerifyCredentials(ctx context.Context, email, password string) (*UserInfo, error)
	// Ready reports whether the channel handle is initialized.
	Ready() bool
}

// AdminChannel exposes privileged backend lookups.
type AdminChannel interface {
	// ProjectID resolves the backend project identifier.
	ProjectID(ctx context.Context) (string, error)
	// Ready reports whether the channel handle is initialized.
	Ready() bool
}

// DataChannel reads and writes named document collections for one owner.
type DataChannel interface {
	// AppendBatch writes docs to the collection in one transaction, preserving
	// the supplied order after any existing documents.
	AppendBatch(ctx context.Context, ownerID, collection string, docs []Record) error
	// ReadAll returns every document in the collection in insertion order.
	ReadAll(ctx context.Context, ownerID, collection string) ([]Record, error)
	// ListCollections returns the names of all collections the owner has documents in.
	ListCollections(ctx context.Context, ownerID string) ([]string, error)
	// Count returns the number of documents in the collection.
	Count(ctx context.Context, ownerID, collection string) (int64, error)
	// Ping performs a minimal side-effect-free read against the store.
	Ping(ctx context.Context) error
	// Ready reports whether the channel handle is initialized.
	Ready() bool
}

// Channels bundles the three channel handles plus their teardown.
type Channels struct {
	Admin AdminChannel
	Data  DataChannel
	Auth  AuthChannel

	closeFn func() error
}

// NewChannels builds a Channels bundle. closeFn may be nil.
func NewChannels(admin AdminChannel, data DataChannel, auth AuthChannel, closeFn func() error) *Channels {
	return &Channels{Admin: admin, Data: data, Auth: auth, closeFn: closeFn}
}

// Close tears down the underlying connections. Safe to call on nil.
func (c *Channels) Close() error {
	if c == nil || c.closeFn == nil {
		return nil
	}
	return c.closeFn()
}

// Factory creates a fresh Channels bundle from persisted configuration.
// Used at engine start and by diagnostics reinitialization.
type Factory func(ctx context.Context) (*Channels, error)

// Handle is a concurrency-safe holder for the current Channels bundle.
// Components fetch channels per call so reinitialization swaps them atomically.
type Handle struct {
	mu sync.RWMutex
	ch *Channels
}

// NewHandle returns a Handle holding ch (which may be nil).
func NewHandle(ch *Channels) *Handle {
	return &Handle{ch: ch}
}

// Channels returns the current bundle, or nil when torn down.
func (h *Handle) Channels() *Channels {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ch
}

// Replace swaps in a new bundle and returns the previous one (not closed).
func (h *Handle) Replace(ch *Channels) *Channels {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.ch
	h.ch = ch
	return old
}
