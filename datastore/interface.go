// Package datastore provides a unified interface for the persistent backends
// that hold a repository's objects and references. Adapters live in
// subpackages and register themselves with the factory on import.
package datastore

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrConflict       = errors.New("compare-and-swap conflict")
	ErrInvalidData    = errors.New("invalid data")
	ErrClosed         = errors.New("store is closed")
	ErrNotInitialized = errors.New("store is not initialized")
)

// DataStore is the main interface that all database implementations must satisfy.
type DataStore interface {
	// Lifecycle management
	Initialize(config Config) error
	Close() error
	HealthCheck(ctx context.Context) error

	ObjectStore() ObjectStore
	RefStore() RefStore

	// Backend information
	Type() string
	Info() map[string]interface{}
}

// ObjectStore holds serialized objects keyed by their identifier. Objects are
// immutable, so there is no update and no delete: storing an existing key is
// a no-op.
type ObjectStore interface {
	GetObject(ctx context.Context, hash string) ([]byte, error)
	PutObject(ctx context.Context, hash string, data []byte) error
	HasObject(ctx context.Context, hash string) (bool, error)

	ListObjects(ctx context.Context, prefix string, limit int) ([]string, error)
	CountObjects(ctx context.Context) (int64, error)
}

// RefEntry is the stored form of a reference. Exactly one of Target and
// Symbolic is set.
type RefEntry struct {
	Target   string `json:"target,omitempty" msgpack:"t,omitempty"`
	Symbolic string `json:"symbolic,omitempty" msgpack:"s,omitempty"`
}

// IsSymbolic reports whether the entry points at another reference.
func (e RefEntry) IsSymbolic() bool {
	return e.Symbolic != ""
}

// Equal compares two possibly-nil entries.
func (e *RefEntry) Equal(other *RefEntry) bool {
	if e == nil || other == nil {
		return e == nil && other == nil
	}
	return *e == *other
}

// RefStore holds the mutable reference namespace plus small configuration
// values (upstream links). Every method is atomic on its own.
type RefStore interface {
	GetRef(ctx context.Context, name string) (RefEntry, error)
	PutRef(ctx context.Context, name string, entry RefEntry) error
	// CompareAndSwapRef replaces the entry for name only if it currently
	// equals old. A nil old means name must be absent; a nil next deletes
	// it. A mismatch returns ErrConflict.
	CompareAndSwapRef(ctx context.Context, name string, old, next *RefEntry) error
	DeleteRef(ctx context.Context, name string) error
	ListRefs(ctx context.Context, prefix string) (map[string]RefEntry, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
	DeleteConfig(ctx context.Context, key string) error
}

// Metrics is the snapshot adapters report through Info.
type Metrics struct {
	Reads     int64         `json:"reads"`
	Writes    int64         `json:"writes"`
	Conflicts int64         `json:"conflicts"`
	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`
}
