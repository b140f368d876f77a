// Package badger implements a BadgerDB-backed datastore.
// BadgerDB is an embedded, persistent key-value database optimized for SSD.
// Its LSM-tree layout suits append-mostly object data well.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/caiatech/refgraph/datastore"
	"github.com/caiatech/refgraph/logging"
)

// Key prefixes for different data types
const (
	prefixObject = "obj:"
	prefixRef    = "ref:"
	prefixConfig = "cfg:"
)

// maxTxnRetries bounds how often a ref update is replayed after badger
// reports an optimistic transaction conflict.
const maxTxnRetries = 16

// BadgerStore implements datastore.DataStore using BadgerDB
type BadgerStore struct {
	db     *badgerdb.DB
	path   string
	config datastore.Config
	logger *logging.Logger

	// Metrics
	reads     atomic.Int64
	writes    atomic.Int64
	conflicts atomic.Int64

	// Lifecycle
	startTime time.Time
	closed    atomic.Bool
	stopGC    chan struct{}
}

// init registers the BadgerDB store factory
func init() {
	datastore.Register(datastore.TypeBadger, func(config datastore.Config) (datastore.DataStore, error) {
		return New(config)
	})
}

// New creates a new BadgerDB store
func New(config datastore.Config) (*BadgerStore, error) {
	return &BadgerStore{
		path:      config.Connection,
		config:    config,
		logger:    logging.GetDefaultLogger().WithComponent("badger"),
		startTime: time.Now(),
		stopGC:    make(chan struct{}),
	}, nil
}

// Initialize opens the database.
func (s *BadgerStore) Initialize(config datastore.Config) error {
	if s.db != nil {
		return nil // Already initialized
	}

	opts := badgerdb.DefaultOptions(s.path)
	opts.Logger = nil
	opts.SyncWrites = config.GetBoolOption("sync_writes", false)
	opts.MemTableSize = int64(config.GetIntOption("memory_table_size", 64<<20))
	if config.GetBoolOption("in_memory", false) {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	s.db = db

	if !opts.InMemory {
		go s.runGC(config.GetDurationOption("gc_interval", 5*time.Minute))
	}
	return nil
}

// runGC runs periodic value log garbage collection
func (s *BadgerStore) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				s.logger.ErrorWithErr("value log GC failed", err)
			}
		}
	}
}

// Close closes the BadgerDB store
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return datastore.ErrClosed
	}
	close(s.stopGC)

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck checks if the store is healthy
func (s *BadgerStore) HealthCheck(ctx context.Context) error {
	if s.closed.Load() {
		return datastore.ErrClosed
	}
	if s.db == nil {
		return datastore.ErrNotInitialized
	}
	return s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte("health:check"))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *BadgerStore) Type() string {
	return datastore.TypeBadger
}

func (s *BadgerStore) Info() map[string]interface{} {
	info := map[string]interface{}{
		"type": datastore.TypeBadger,
		"path": s.path,
		"metrics": datastore.Metrics{
			Reads:     s.reads.Load(),
			Writes:    s.writes.Load(),
			Conflicts: s.conflicts.Load(),
			StartTime: s.startTime,
			Uptime:    time.Since(s.startTime),
		},
	}
	if s.db != nil {
		lsm, vlog := s.db.Size()
		info["lsm_size"] = lsm
		info["vlog_size"] = vlog
	}
	return info
}

func (s *BadgerStore) ObjectStore() datastore.ObjectStore {
	return s
}

func (s *BadgerStore) RefStore() datastore.RefStore {
	return s
}

func (s *BadgerStore) ready() error {
	if s.closed.Load() {
		return datastore.ErrClosed
	}
	if s.db == nil {
		return datastore.ErrNotInitialized
	}
	return nil
}

// get copies the value of key out of a read transaction.
func (s *BadgerStore) get(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, datastore.ErrNotFound
	}
	return data, err
}

// Objects

func (s *BadgerStore) GetObject(ctx context.Context, hash string) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.reads.Add(1)

	data, err := s.get(prefixObject + hash)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *BadgerStore) PutObject(ctx context.Context, hash string, data []byte) error {
	if err := s.ready(); err != nil {
		return err
	}

	key := []byte(prefixObject + hash)
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		s.writes.Add(1)
		return txn.Set(key, data)
	})
	// Two writers raced on the same immutable key; either copy is correct.
	if errors.Is(err, badgerdb.ErrConflict) {
		return nil
	}
	return err
}

func (s *BadgerStore) HasObject(ctx context.Context, hash string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}

	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(prefixObject + hash))
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *BadgerStore) ListObjects(ctx context.Context, prefix string, limit int) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var hashes []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixObject + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			hashes = append(hashes, strings.TrimPrefix(string(it.Item().Key()), prefixObject))
			if limit > 0 && len(hashes) >= limit {
				break
			}
		}
		return nil
	})
	return hashes, err
}

func (s *BadgerStore) CountObjects(ctx context.Context) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	var count int64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixObject)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Refs

func decodeRef(data []byte) (datastore.RefEntry, error) {
	var entry datastore.RefEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("%w: ref entry: %v", datastore.ErrInvalidData, err)
	}
	return entry, nil
}

func (s *BadgerStore) GetRef(ctx context.Context, name string) (datastore.RefEntry, error) {
	if err := s.ready(); err != nil {
		return datastore.RefEntry{}, err
	}
	s.reads.Add(1)

	data, err := s.get(prefixRef + name)
	if err != nil {
		return datastore.RefEntry{}, err
	}
	return decodeRef(data)
}

func (s *BadgerStore) PutRef(ctx context.Context, name string, entry datastore.RefEntry) error {
	return s.updateRef(name, func(*datastore.RefEntry) (*datastore.RefEntry, error) {
		return &entry, nil
	})
}

func (s *BadgerStore) CompareAndSwapRef(ctx context.Context, name string, old, next *datastore.RefEntry) error {
	return s.updateRef(name, func(current *datastore.RefEntry) (*datastore.RefEntry, error) {
		if !current.Equal(old) {
			s.conflicts.Add(1)
			return nil, datastore.ErrConflict
		}
		return next, nil
	})
}

func (s *BadgerStore) DeleteRef(ctx context.Context, name string) error {
	return s.updateRef(name, func(current *datastore.RefEntry) (*datastore.RefEntry, error) {
		if current == nil {
			return nil, datastore.ErrNotFound
		}
		return nil, nil
	})
}

// updateRef runs mutate inside a read-write transaction, replaying it when
// another transaction committed a write to the same key first.
func (s *BadgerStore) updateRef(name string, mutate func(*datastore.RefEntry) (*datastore.RefEntry, error)) error {
	if err := s.ready(); err != nil {
		return err
	}
	key := []byte(prefixRef + name)

	for attempt := 0; ; attempt++ {
		err := s.db.Update(func(txn *badgerdb.Txn) error {
			var current *datastore.RefEntry
			item, err := txn.Get(key)
			switch {
			case err == nil:
				data, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				entry, err := decodeRef(data)
				if err != nil {
					return err
				}
				current = &entry
			case !errors.Is(err, badgerdb.ErrKeyNotFound):
				return err
			}

			next, err := mutate(current)
			if err != nil {
				return err
			}
			if next == nil {
				return txn.Delete(key)
			}
			data, err := msgpack.Marshal(next)
			if err != nil {
				return err
			}
			return txn.Set(key, data)
		})
		if errors.Is(err, badgerdb.ErrConflict) && attempt < maxTxnRetries {
			continue
		}
		if err == nil {
			s.writes.Add(1)
		}
		return err
	}
}

func (s *BadgerStore) ListRefs(ctx context.Context, prefix string) (map[string]datastore.RefEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	result := make(map[string]datastore.RefEntry)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRef + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entry, err := decodeRef(data)
			if err != nil {
				return err
			}
			result[strings.TrimPrefix(string(item.Key()), prefixRef)] = entry
		}
		return nil
	})
	return result, err
}

// Config

func (s *BadgerStore) GetConfig(ctx context.Context, key string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	data, err := s.get(prefixConfig + key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *BadgerStore) SetConfig(ctx context.Context, key, value string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(prefixConfig+key), []byte(value))
	})
}

func (s *BadgerStore) DeleteConfig(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(prefixConfig + key))
	})
}
