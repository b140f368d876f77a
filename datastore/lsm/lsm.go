// Package lsm implements the datastore as a small log-structured merge
// tree in one directory: writes go to a write-ahead log and an in-memory
// table, full memtables are flushed to immutable sorted tables, and tables
// are merged once there are too many. Objects, references and config share
// one keyspace under distinct prefixes.
package lsm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/caiatech/refgraph/datastore"
)

const (
	objectPrefix = "o/"
	refPrefix    = "r/"
	configPrefix = "c/"

	tableExt = ".sst"
)

func init() {
	datastore.Register(datastore.TypeLSM, func(config datastore.Config) (datastore.DataStore, error) {
		return New(config)
	})
}

// LSMStore implements datastore.DataStore on an LSM tree. A single
// RWMutex orders every mutation, which is what makes compare-and-swap
// atomic.
type LSMStore struct {
	config datastore.Config
	dir    string

	memTableSize int64
	maxTables    int
	bloomBits    int
	syncWrites   bool

	mu      sync.RWMutex
	closed  bool
	wal     *writeAheadLog
	mem     *memTable
	tables  []*table // newest first
	nextSeq uint64

	reads       atomic.Int64
	writes      atomic.Int64
	conflicts   atomic.Int64
	flushes     atomic.Int64
	compactions atomic.Int64
	startTime   time.Time
}

// New creates an LSM datastore rooted at config.Connection. The directory
// is opened by Initialize.
func New(config datastore.Config) (*LSMStore, error) {
	if config.Connection == "" {
		return nil, fmt.Errorf("LSM store requires a directory path")
	}
	return &LSMStore{
		config:       config,
		dir:          config.Connection,
		memTableSize: int64(config.GetIntOption("memtable_size", 4<<20)),
		maxTables:    config.GetIntOption("max_tables", 4),
		bloomBits:    config.GetIntOption("bloom_bits", 10),
		syncWrites:   config.GetBoolOption("sync_writes", true),
		startTime:    time.Now(),
	}, nil
}

// Initialize opens existing tables and replays the write-ahead log.
func (s *LSMStore) Initialize(config datastore.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return datastore.ErrClosed
	}
	if s.wal != nil {
		return nil
	}
	if s.maxTables < 1 {
		s.maxTables = 1
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create LSM directory: %w", err)
	}

	if err := s.openTables(); err != nil {
		return err
	}

	wal, records, err := openWAL(s.dir, s.syncWrites)
	if err != nil {
		s.closeTables()
		return err
	}
	s.wal = wal
	s.mem = newMemTable()
	for _, rec := range records {
		s.mem.apply(rec)
	}
	if s.mem.size >= s.memTableSize {
		return s.flushLocked()
	}
	return nil
}

// openTables loads every table file, newest first. Leftover temporary
// files from an interrupted flush are removed.
func (s *LSMStore) openTables() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read LSM directory: %w", err)
	}

	var seqs []uint64
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, tableExt+".tmp") {
			os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if !strings.HasSuffix(name, tableExt) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, tableExt), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })

	for _, seq := range seqs {
		t, err := openTable(s.tablePath(seq), seq)
		if err != nil {
			s.closeTables()
			return err
		}
		s.tables = append(s.tables, t)
		if seq >= s.nextSeq {
			s.nextSeq = seq + 1
		}
	}
	return nil
}

func (s *LSMStore) tablePath(seq uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%012d%s", seq, tableExt))
}

func (s *LSMStore) closeTables() {
	for _, t := range s.tables {
		t.close()
	}
	s.tables = nil
}

// Close flushes the memtable and releases every file.
func (s *LSMStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.wal == nil {
		return nil
	}

	err := s.flushLocked()
	if cerr := s.wal.close(); err == nil {
		err = cerr
	}
	s.closeTables()
	return err
}

func (s *LSMStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLocked(); err != nil {
		return err
	}
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("LSM directory unavailable: %w", err)
	}
	return nil
}

func (s *LSMStore) Type() string {
	return datastore.TypeLSM
}

func (s *LSMStore) Info() map[string]interface{} {
	s.mu.RLock()
	tables, memBytes := len(s.tables), int64(0)
	if s.mem != nil {
		memBytes = s.mem.size
	}
	s.mu.RUnlock()

	return map[string]interface{}{
		"type":           datastore.TypeLSM,
		"path":           s.dir,
		"tables":         tables,
		"memtable_bytes": memBytes,
		"flushes":        s.flushes.Load(),
		"compactions":    s.compactions.Load(),
		"metrics": datastore.Metrics{
			Reads:     s.reads.Load(),
			Writes:    s.writes.Load(),
			Conflicts: s.conflicts.Load(),
			StartTime: s.startTime,
			Uptime:    time.Since(s.startTime),
		},
	}
}

func (s *LSMStore) ObjectStore() datastore.ObjectStore {
	return s
}

func (s *LSMStore) RefStore() datastore.RefStore {
	return s
}

func (s *LSMStore) checkLocked() error {
	if s.closed {
		return datastore.ErrClosed
	}
	if s.wal == nil {
		return datastore.ErrNotInitialized
	}
	return nil
}

// applyLocked logs and applies records, flushing when the memtable is full.
func (s *LSMStore) applyLocked(records ...record) error {
	if err := s.wal.append(records...); err != nil {
		return err
	}
	for _, rec := range records {
		s.mem.apply(rec)
	}
	s.writes.Add(int64(len(records)))
	if s.mem.size >= s.memTableSize {
		return s.flushLocked()
	}
	return nil
}

// flushLocked writes the memtable out as the newest table and empties the
// log.
func (s *LSMStore) flushLocked() error {
	if s.mem.len() == 0 {
		return nil
	}

	seq := s.nextSeq
	path := s.tablePath(seq)
	if err := writeTable(path, s.mem.sorted(), s.bloomBits); err != nil {
		return err
	}
	t, err := openTable(path, seq)
	if err != nil {
		return err
	}
	s.nextSeq++
	s.tables = append([]*table{t}, s.tables...)
	s.mem = newMemTable()
	s.flushes.Add(1)

	if err := s.wal.reset(); err != nil {
		return err
	}
	if len(s.tables) > s.maxTables {
		return s.compactLocked()
	}
	return nil
}

// compactLocked merges every table into one. Tombstones are kept: if the
// process dies after the merged table is written but before its inputs are
// removed, the inputs must not bring deleted keys back.
func (s *LSMStore) compactLocked() error {
	merged := make(map[string]entry)
	for i := len(s.tables) - 1; i >= 0; i-- {
		err := s.tables[i].scan("", func(rec kv) { merged[rec.key] = rec.entry })
		if err != nil {
			return err
		}
	}
	records := make([]kv, 0, len(merged))
	for k, e := range merged {
		records = append(records, kv{key: k, entry: e})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].key < records[j].key })

	seq := s.nextSeq
	path := s.tablePath(seq)
	if err := writeTable(path, records, s.bloomBits); err != nil {
		return err
	}
	t, err := openTable(path, seq)
	if err != nil {
		return err
	}
	s.nextSeq++

	old := s.tables
	s.tables = []*table{t}
	for _, o := range old {
		o.close()
		os.Remove(o.path)
	}
	s.compactions.Add(1)
	return nil
}

// getLocked finds the newest version of key.
func (s *LSMStore) getLocked(key string) ([]byte, bool, error) {
	if e, ok := s.mem.get(key); ok {
		return e.value, !e.deleted, nil
	}
	for _, t := range s.tables {
		e, ok, err := t.get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return e.value, !e.deleted, nil
		}
	}
	return nil, false, nil
}

// scanLocked returns the live keys under prefix with their newest values,
// in key order.
func (s *LSMStore) scanLocked(prefix string) ([]kv, error) {
	merged := make(map[string]entry)
	for i := len(s.tables) - 1; i >= 0; i-- {
		err := s.tables[i].scan(prefix, func(rec kv) { merged[rec.key] = rec.entry })
		if err != nil {
			return nil, err
		}
	}
	for k, e := range s.mem.data {
		if strings.HasPrefix(k, prefix) {
			merged[k] = e
		}
	}

	out := make([]kv, 0, len(merged))
	for k, e := range merged {
		if !e.deleted {
			out = append(out, kv{key: k, entry: e})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, nil
}

// Objects

func (s *LSMStore) GetObject(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	s.reads.Add(1)

	data, ok, err := s.getLocked(objectPrefix + hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, datastore.ErrNotFound
	}
	return append([]byte{}, data...), nil
}

func (s *LSMStore) PutObject(ctx context.Context, hash string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}

	_, exists, err := s.getLocked(objectPrefix + hash)
	if err != nil || exists {
		return err
	}
	return s.applyLocked(record{Key: objectPrefix + hash, Value: data})
}

func (s *LSMStore) HasObject(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return false, err
	}
	_, ok, err := s.getLocked(objectPrefix + hash)
	return ok, err
}

func (s *LSMStore) ListObjects(ctx context.Context, prefix string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}

	found, err := s.scanLocked(objectPrefix + prefix)
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, rec := range found {
		hashes = append(hashes, strings.TrimPrefix(rec.key, objectPrefix))
		if limit > 0 && len(hashes) >= limit {
			break
		}
	}
	return hashes, nil
}

func (s *LSMStore) CountObjects(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return 0, err
	}

	found, err := s.scanLocked(objectPrefix)
	if err != nil {
		return 0, err
	}
	return int64(len(found)), nil
}

// Refs

func decodeRef(data []byte) (*datastore.RefEntry, error) {
	var entry datastore.RefEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: ref entry: %v", datastore.ErrInvalidData, err)
	}
	return &entry, nil
}

func (s *LSMStore) currentRefLocked(name string) (*datastore.RefEntry, error) {
	data, ok, err := s.getLocked(refPrefix + name)
	if err != nil || !ok {
		return nil, err
	}
	return decodeRef(data)
}

func (s *LSMStore) GetRef(ctx context.Context, name string) (datastore.RefEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return datastore.RefEntry{}, err
	}
	s.reads.Add(1)

	entry, err := s.currentRefLocked(name)
	if err != nil {
		return datastore.RefEntry{}, err
	}
	if entry == nil {
		return datastore.RefEntry{}, datastore.ErrNotFound
	}
	return *entry, nil
}

func (s *LSMStore) PutRef(ctx context.Context, name string, entry datastore.RefEntry) error {
	return s.updateRef(name, func(*datastore.RefEntry) (*datastore.RefEntry, error) {
		return &entry, nil
	})
}

func (s *LSMStore) CompareAndSwapRef(ctx context.Context, name string, old, next *datastore.RefEntry) error {
	return s.updateRef(name, func(current *datastore.RefEntry) (*datastore.RefEntry, error) {
		if !current.Equal(old) {
			s.conflicts.Add(1)
			return nil, datastore.ErrConflict
		}
		return next, nil
	})
}

func (s *LSMStore) DeleteRef(ctx context.Context, name string) error {
	return s.updateRef(name, func(current *datastore.RefEntry) (*datastore.RefEntry, error) {
		if current == nil {
			return nil, datastore.ErrNotFound
		}
		return nil, nil
	})
}

// updateRef reads, decides and writes under the write lock.
func (s *LSMStore) updateRef(name string, mutate func(*datastore.RefEntry) (*datastore.RefEntry, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}

	current, err := s.currentRefLocked(name)
	if err != nil {
		return err
	}
	next, err := mutate(current)
	if err != nil {
		return err
	}
	if next == nil {
		if current == nil {
			return nil
		}
		return s.applyLocked(record{Key: refPrefix + name, Deleted: true})
	}
	data, err := msgpack.Marshal(next)
	if err != nil {
		return err
	}
	return s.applyLocked(record{Key: refPrefix + name, Value: data})
}

func (s *LSMStore) ListRefs(ctx context.Context, prefix string) (map[string]datastore.RefEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}

	found, err := s.scanLocked(refPrefix + prefix)
	if err != nil {
		return nil, err
	}
	result := make(map[string]datastore.RefEntry, len(found))
	for _, rec := range found {
		entry, err := decodeRef(rec.value)
		if err != nil {
			return nil, err
		}
		result[strings.TrimPrefix(rec.key, refPrefix)] = *entry
	}
	return result, nil
}

// Config

func (s *LSMStore) GetConfig(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return "", err
	}

	value, ok, err := s.getLocked(configPrefix + key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", datastore.ErrNotFound
	}
	return string(value), nil
}

func (s *LSMStore) SetConfig(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	return s.applyLocked(record{Key: configPrefix + key, Value: []byte(value)})
}

func (s *LSMStore) DeleteConfig(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}

	_, exists, err := s.getLocked(configPrefix + key)
	if err != nil || !exists {
		return err
	}
	return s.applyLocked(record{Key: configPrefix + key, Deleted: true})
}
