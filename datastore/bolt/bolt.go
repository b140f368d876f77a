// Package bolt implements the datastore on a single bbolt file. Objects,
// references and config live in separate buckets; bbolt's serialized write
// transactions make compare-and-swap trivially atomic.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/caiatech/refgraph/datastore"
)

var (
	objectsBucket = []byte("objects")
	refsBucket    = []byte("refs")
	configBucket  = []byte("config")
)

// BoltStore implements datastore.DataStore on bbolt.
type BoltStore struct {
	db     *bolt.DB
	config datastore.Config
	mu     sync.RWMutex
	closed bool

	reads     atomic.Int64
	writes    atomic.Int64
	conflicts atomic.Int64
	startTime time.Time
}

func init() {
	datastore.Register(datastore.TypeBolt, func(config datastore.Config) (datastore.DataStore, error) {
		return New(config)
	})
}

// New creates a BoltDB datastore. The file is opened by Initialize.
func New(config datastore.Config) (*BoltStore, error) {
	if config.Connection == "" {
		return nil, fmt.Errorf("connection string is required for BoltDB")
	}

	return &BoltStore{
		config:    config,
		startTime: time.Now(),
	}, nil
}

// Initialize opens the database and creates the buckets.
func (s *BoltStore) Initialize(config datastore.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return datastore.ErrClosed
	}

	db, err := bolt.Open(config.Connection, 0600, &bolt.Options{
		Timeout: config.GetDurationOption("open_timeout", 10*time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to open BoltDB: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{objectsBucket, refsBucket, configBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize buckets: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the BoltDB connection
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the store is accessible
func (s *BoltStore) HealthCheck(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(objectsBucket) == nil {
			return fmt.Errorf("objects bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Type() string {
	return datastore.TypeBolt
}

func (s *BoltStore) Info() map[string]interface{} {
	info := map[string]interface{}{
		"type": datastore.TypeBolt,
		"path": s.config.Connection,
		"metrics": datastore.Metrics{
			Reads:     s.reads.Load(),
			Writes:    s.writes.Load(),
			Conflicts: s.conflicts.Load(),
			StartTime: s.startTime,
			Uptime:    time.Since(s.startTime),
		},
	}
	if db, err := s.handle(); err == nil {
		info["tx_count"] = db.Stats().TxN
	}
	return info
}

func (s *BoltStore) ObjectStore() datastore.ObjectStore {
	return s
}

func (s *BoltStore) RefStore() datastore.RefStore {
	return s
}

func (s *BoltStore) handle() (*bolt.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, datastore.ErrClosed
	}
	if s.db == nil {
		return nil, datastore.ErrNotInitialized
	}
	return s.db, nil
}

// lookup finds key exactly; bbolt's Get cannot tell a missing key from an
// empty value.
func lookup(b *bolt.Bucket, key []byte) ([]byte, bool) {
	k, v := b.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Objects

func (s *BoltStore) GetObject(ctx context.Context, hash string) ([]byte, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	s.reads.Add(1)

	var data []byte
	var found bool
	err = db.View(func(tx *bolt.Tx) error {
		data, found = lookup(tx.Bucket(objectsBucket), []byte(hash))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, datastore.ErrNotFound
	}
	return data, nil
}

func (s *BoltStore) PutObject(ctx context.Context, hash string, data []byte) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(objectsBucket)
		if _, exists := lookup(b, []byte(hash)); exists {
			return nil
		}
		s.writes.Add(1)
		return b.Put([]byte(hash), data)
	})
}

func (s *BoltStore) HasObject(ctx context.Context, hash string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}

	var found bool
	err = db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(objectsBucket).Cursor().Seek([]byte(hash))
		found = k != nil && string(k) == hash
		return nil
	})
	return found, err
}

func (s *BoltStore) ListObjects(ctx context.Context, prefix string, limit int) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var hashes []string
	err = db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(objectsBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			hashes = append(hashes, string(k))
			if limit > 0 && len(hashes) >= limit {
				break
			}
		}
		return nil
	})
	return hashes, err
}

func (s *BoltStore) CountObjects(ctx context.Context) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.View(func(tx *bolt.Tx) error {
		count = int64(tx.Bucket(objectsBucket).Stats().KeyN)
		return nil
	})
	return count, err
}

// Refs

func decodeRef(data []byte) (*datastore.RefEntry, error) {
	var entry datastore.RefEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: ref entry: %v", datastore.ErrInvalidData, err)
	}
	return &entry, nil
}

func currentRef(b *bolt.Bucket, name string) (*datastore.RefEntry, error) {
	data := b.Get([]byte(name))
	if data == nil {
		return nil, nil
	}
	return decodeRef(data)
}

func (s *BoltStore) GetRef(ctx context.Context, name string) (datastore.RefEntry, error) {
	db, err := s.handle()
	if err != nil {
		return datastore.RefEntry{}, err
	}
	s.reads.Add(1)

	var entry *datastore.RefEntry
	err = db.View(func(tx *bolt.Tx) error {
		var err error
		entry, err = currentRef(tx.Bucket(refsBucket), name)
		return err
	})
	if err != nil {
		return datastore.RefEntry{}, err
	}
	if entry == nil {
		return datastore.RefEntry{}, datastore.ErrNotFound
	}
	return *entry, nil
}

func (s *BoltStore) PutRef(ctx context.Context, name string, entry datastore.RefEntry) error {
	return s.updateRef(name, func(*datastore.RefEntry) (*datastore.RefEntry, error) {
		return &entry, nil
	})
}

func (s *BoltStore) CompareAndSwapRef(ctx context.Context, name string, old, next *datastore.RefEntry) error {
	return s.updateRef(name, func(current *datastore.RefEntry) (*datastore.RefEntry, error) {
		if !current.Equal(old) {
			s.conflicts.Add(1)
			return nil, datastore.ErrConflict
		}
		return next, nil
	})
}

func (s *BoltStore) DeleteRef(ctx context.Context, name string) error {
	return s.updateRef(name, func(current *datastore.RefEntry) (*datastore.RefEntry, error) {
		if current == nil {
			return nil, datastore.ErrNotFound
		}
		return nil, nil
	})
}

func (s *BoltStore) updateRef(name string, mutate func(*datastore.RefEntry) (*datastore.RefEntry, error)) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(refsBucket)
		current, err := currentRef(b, name)
		if err != nil {
			return err
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}
		s.writes.Add(1)
		if next == nil {
			return b.Delete([]byte(name))
		}
		data, err := msgpack.Marshal(next)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), data)
	})
}

func (s *BoltStore) ListRefs(ctx context.Context, prefix string) (map[string]datastore.RefEntry, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	result := make(map[string]datastore.RefEntry)
	err = db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(refsBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			entry, err := decodeRef(v)
			if err != nil {
				return err
			}
			result[string(k)] = *entry
		}
		return nil
	})
	return result, err
}

// Config

func (s *BoltStore) GetConfig(ctx context.Context, key string) (string, error) {
	db, err := s.handle()
	if err != nil {
		return "", err
	}

	var value []byte
	err = db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(configBucket).Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", datastore.ErrNotFound
	}
	return string(value), nil
}

func (s *BoltStore) SetConfig(ctx context.Context, key, value string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(configBucket).Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) DeleteConfig(ctx context.Context, key string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(configBucket).Delete([]byte(key))
	})
}
