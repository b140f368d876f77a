package datastore

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an uninitialized store from its configuration.
type Factory func(config Config) (DataStore, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes an adapter available to Create. Adapters call it from init.
func Register(storeType string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if factory == nil {
		panic("datastore: Register factory is nil")
	}
	if _, dup := factories[storeType]; dup {
		panic("datastore: Register called twice for " + storeType)
	}
	factories[storeType] = factory
}

// Registered lists the adapter types linked into the binary.
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create validates config, builds the matching adapter and initializes it.
func Create(config Config) (DataStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid datastore config: %w", err)
	}

	factoriesMu.RLock()
	factory, ok := factories[config.Type]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown datastore type %q (is the adapter imported?)", config.Type)
	}

	store, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("create %s datastore: %w", config.Type, err)
	}
	if err := store.Initialize(config); err != nil {
		return nil, fmt.Errorf("initialize %s datastore: %w", config.Type, err)
	}
	return store, nil
}
