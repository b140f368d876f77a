// Package memory implements an in-memory datastore.
// This is the fastest implementation but provides no persistence.
// Perfect for development, testing, and temporary repositories.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caiatech/refgraph/datastore"
)

// MemoryStore implements datastore.DataStore using in-memory maps
type MemoryStore struct {
	// Object storage
	objects   map[string][]byte
	objectsMu sync.RWMutex

	// References and configuration share a lock so a CAS observes both
	refs   map[string]datastore.RefEntry
	config map[string]string
	refsMu sync.RWMutex

	// Metrics
	reads     atomic.Int64
	writes    atomic.Int64
	conflicts atomic.Int64

	// Settings
	maxSize     int64
	currentSize atomic.Int64

	// Lifecycle
	startTime time.Time
	closed    atomic.Bool
}

// init registers the memory store factory
func init() {
	datastore.Register(datastore.TypeMemory, func(config datastore.Config) (datastore.DataStore, error) {
		return New(config), nil
	})
}

// New creates a new memory store
func New(config datastore.Config) *MemoryStore {
	maxSize := config.GetIntOption("max_size", 1024*1024*1024) // Default 1GB

	return &MemoryStore{
		objects:   make(map[string][]byte),
		refs:      make(map[string]datastore.RefEntry),
		config:    make(map[string]string),
		maxSize:   int64(maxSize),
		startTime: time.Now(),
	}
}

// Initialize initializes the memory store
func (m *MemoryStore) Initialize(config datastore.Config) error {
	// Memory store doesn't need initialization
	return nil
}

// Close closes the memory store
func (m *MemoryStore) Close() error {
	if m.closed.Swap(true) {
		return datastore.ErrClosed
	}

	// Clear all data
	m.objectsMu.Lock()
	m.objects = nil
	m.objectsMu.Unlock()

	m.refsMu.Lock()
	m.refs = nil
	m.config = nil
	m.refsMu.Unlock()

	return nil
}

// HealthCheck checks if the store is healthy
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	if m.closed.Load() {
		return datastore.ErrClosed
	}

	// Check memory usage
	if m.currentSize.Load() > m.maxSize {
		return fmt.Errorf("memory limit exceeded: %d > %d", m.currentSize.Load(), m.maxSize)
	}

	return nil
}

// Type returns the store type
func (m *MemoryStore) Type() string {
	return datastore.TypeMemory
}

// Info returns store information
func (m *MemoryStore) Info() map[string]interface{} {
	m.objectsMu.RLock()
	objectCount := len(m.objects)
	m.objectsMu.RUnlock()

	m.refsMu.RLock()
	refCount := len(m.refs)
	m.refsMu.RUnlock()

	return map[string]interface{}{
		"type":         datastore.TypeMemory,
		"objects":      objectCount,
		"refs":         refCount,
		"memory_used":  m.currentSize.Load(),
		"memory_limit": m.maxSize,
		"metrics":      m.GetMetrics(),
	}
}

// ObjectStore returns the object store interface
func (m *MemoryStore) ObjectStore() datastore.ObjectStore {
	return m
}

// RefStore returns the reference store interface
func (m *MemoryStore) RefStore() datastore.RefStore {
	return m
}

// GetMetrics returns store metrics
func (m *MemoryStore) GetMetrics() datastore.Metrics {
	return datastore.Metrics{
		Reads:     m.reads.Load(),
		Writes:    m.writes.Load(),
		Conflicts: m.conflicts.Load(),
		StartTime: m.startTime,
		Uptime:    time.Since(m.startTime),
	}
}

// ObjectStore implementation

func (m *MemoryStore) GetObject(ctx context.Context, hash string) ([]byte, error) {
	if m.closed.Load() {
		return nil, datastore.ErrClosed
	}
	m.reads.Add(1)

	m.objectsMu.RLock()
	data, exists := m.objects[hash]
	m.objectsMu.RUnlock()

	if !exists {
		return nil, datastore.ErrNotFound
	}

	// Return a copy to prevent external modification
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

func (m *MemoryStore) PutObject(ctx context.Context, hash string, data []byte) error {
	if m.closed.Load() {
		return datastore.ErrClosed
	}

	m.objectsMu.Lock()
	defer m.objectsMu.Unlock()

	if _, exists := m.objects[hash]; exists {
		return nil
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[hash] = stored
	m.currentSize.Add(int64(len(stored)))
	m.writes.Add(1)
	return nil
}

func (m *MemoryStore) HasObject(ctx context.Context, hash string) (bool, error) {
	if m.closed.Load() {
		return false, datastore.ErrClosed
	}

	m.objectsMu.RLock()
	_, exists := m.objects[hash]
	m.objectsMu.RUnlock()
	return exists, nil
}

func (m *MemoryStore) ListObjects(ctx context.Context, prefix string, limit int) ([]string, error) {
	if m.closed.Load() {
		return nil, datastore.ErrClosed
	}

	m.objectsMu.RLock()
	var hashes []string
	for hash := range m.objects {
		if strings.HasPrefix(hash, prefix) {
			hashes = append(hashes, hash)
		}
	}
	m.objectsMu.RUnlock()

	sort.Strings(hashes)
	if limit > 0 && len(hashes) > limit {
		hashes = hashes[:limit]
	}
	return hashes, nil
}

func (m *MemoryStore) CountObjects(ctx context.Context) (int64, error) {
	if m.closed.Load() {
		return 0, datastore.ErrClosed
	}

	m.objectsMu.RLock()
	defer m.objectsMu.RUnlock()
	return int64(len(m.objects)), nil
}

// RefStore implementation

func (m *MemoryStore) GetRef(ctx context.Context, name string) (datastore.RefEntry, error) {
	if m.closed.Load() {
		return datastore.RefEntry{}, datastore.ErrClosed
	}
	m.reads.Add(1)

	m.refsMu.RLock()
	entry, exists := m.refs[name]
	m.refsMu.RUnlock()

	if !exists {
		return datastore.RefEntry{}, datastore.ErrNotFound
	}
	return entry, nil
}

func (m *MemoryStore) PutRef(ctx context.Context, name string, entry datastore.RefEntry) error {
	if m.closed.Load() {
		return datastore.ErrClosed
	}

	m.refsMu.Lock()
	m.refs[name] = entry
	m.refsMu.Unlock()
	m.writes.Add(1)
	return nil
}

func (m *MemoryStore) CompareAndSwapRef(ctx context.Context, name string, old, next *datastore.RefEntry) error {
	if m.closed.Load() {
		return datastore.ErrClosed
	}

	m.refsMu.Lock()
	defer m.refsMu.Unlock()

	var current *datastore.RefEntry
	if entry, exists := m.refs[name]; exists {
		current = &entry
	}
	if !current.Equal(old) {
		m.conflicts.Add(1)
		return datastore.ErrConflict
	}

	if next == nil {
		delete(m.refs, name)
	} else {
		m.refs[name] = *next
	}
	m.writes.Add(1)
	return nil
}

func (m *MemoryStore) DeleteRef(ctx context.Context, name string) error {
	if m.closed.Load() {
		return datastore.ErrClosed
	}

	m.refsMu.Lock()
	defer m.refsMu.Unlock()

	if _, exists := m.refs[name]; !exists {
		return datastore.ErrNotFound
	}
	delete(m.refs, name)
	m.writes.Add(1)
	return nil
}

func (m *MemoryStore) ListRefs(ctx context.Context, prefix string) (map[string]datastore.RefEntry, error) {
	if m.closed.Load() {
		return nil, datastore.ErrClosed
	}

	m.refsMu.RLock()
	defer m.refsMu.RUnlock()

	result := make(map[string]datastore.RefEntry)
	for name, entry := range m.refs {
		if strings.HasPrefix(name, prefix) {
			result[name] = entry
		}
	}
	return result, nil
}

func (m *MemoryStore) GetConfig(ctx context.Context, key string) (string, error) {
	if m.closed.Load() {
		return "", datastore.ErrClosed
	}

	m.refsMu.RLock()
	value, exists := m.config[key]
	m.refsMu.RUnlock()

	if !exists {
		return "", datastore.ErrNotFound
	}
	return value, nil
}

func (m *MemoryStore) SetConfig(ctx context.Context, key, value string) error {
	if m.closed.Load() {
		return datastore.ErrClosed
	}

	m.refsMu.Lock()
	m.config[key] = value
	m.refsMu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteConfig(ctx context.Context, key string) error {
	if m.closed.Load() {
		return datastore.ErrClosed
	}

	m.refsMu.Lock()
	delete(m.config, key)
	m.refsMu.Unlock()
	return nil
}
