// Package sqlstore holds the database/sql implementation shared by the
// SQLite and PostgreSQL adapters. Every reference update is a single
// conditional statement, so compare-and-swap needs no explicit transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/caiatech/refgraph/datastore"
)

// Dialect captures what differs between SQL engines.
type Dialect struct {
	// Name is the datastore type reported by Type.
	Name string
	// Driver is the database/sql driver name.
	Driver string
	// BlobType is the column type for raw object bytes.
	BlobType string
	// Numbered placeholders ($1, $2) instead of '?'.
	Numbered bool
	// DSN turns the configured connection into a driver DSN.
	DSN func(config datastore.Config) string
	// Tune applies pool settings after open.
	Tune func(db *sql.DB, config datastore.Config)
}

// Store implements datastore.DataStore over database/sql.
type Store struct {
	dialect Dialect
	db      *sql.DB

	reads     atomic.Int64
	writes    atomic.Int64
	conflicts atomic.Int64
	startTime time.Time
	closed    atomic.Bool
}

// New creates a store for dialect. The database is opened by Initialize.
func New(dialect Dialect) *Store {
	return &Store{
		dialect:   dialect,
		startTime: time.Now(),
	}
}

// DB exposes the underlying handle for tests and maintenance tools.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Initialize(config datastore.Config) error {
	if s.db != nil {
		return nil // Already initialized
	}

	db, err := sql.Open(s.dialect.Driver, s.dialect.DSN(config))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if s.dialect.Tune != nil {
		s.dialect.Tune(db, config)
	}

	ctx := context.Background()
	if config.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectionTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect: %w", err)
	}

	s.db = db
	if err := s.migrate(ctx); err != nil {
		db.Close()
		s.db = nil
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS refgraph_objects (
			hash TEXT PRIMARY KEY,
			data %s NOT NULL
		)`, s.dialect.BlobType),
		`CREATE TABLE IF NOT EXISTS refgraph_refs (
			name TEXT PRIMARY KEY,
			target TEXT NOT NULL DEFAULT '',
			symbolic TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS refgraph_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return datastore.ErrClosed
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Type() string {
	return s.dialect.Name
}

func (s *Store) Info() map[string]interface{} {
	info := map[string]interface{}{
		"type":   s.dialect.Name,
		"driver": s.dialect.Driver,
		"metrics": datastore.Metrics{
			Reads:     s.reads.Load(),
			Writes:    s.writes.Load(),
			Conflicts: s.conflicts.Load(),
			StartTime: s.startTime,
			Uptime:    time.Since(s.startTime),
		},
	}
	if s.db != nil {
		stats := s.db.Stats()
		info["open_connections"] = stats.OpenConnections
		info["in_use"] = stats.InUse
	}
	return info
}

func (s *Store) ObjectStore() datastore.ObjectStore {
	return s
}

func (s *Store) RefStore() datastore.RefStore {
	return s
}

func (s *Store) ready() error {
	if s.closed.Load() {
		return datastore.ErrClosed
	}
	if s.db == nil {
		return datastore.ErrNotInitialized
	}
	return nil
}

// rebind rewrites '?' placeholders for dialects that number them.
func (s *Store) rebind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// likePrefix escapes LIKE wildcards so prefix matches literally.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// Objects

func (s *Store) GetObject(ctx context.Context, hash string) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.reads.Add(1)

	var data []byte
	err := s.queryRow(ctx, "SELECT data FROM refgraph_objects WHERE hash = ?", hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, datastore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *Store) PutObject(ctx context.Context, hash string, data []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}

	res, err := s.exec(ctx,
		"INSERT INTO refgraph_objects (hash, data) VALUES (?, ?) ON CONFLICT (hash) DO NOTHING",
		hash, data)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.writes.Add(1)
	}
	return nil
}

func (s *Store) HasObject(ctx context.Context, hash string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}

	var one int
	err := s.queryRow(ctx, "SELECT 1 FROM refgraph_objects WHERE hash = ?", hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ListObjects(ctx context.Context, prefix string, limit int) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := `SELECT hash FROM refgraph_objects WHERE hash LIKE ? ESCAPE '\' ORDER BY hash`
	args := []interface{}{likePrefix(prefix)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (s *Store) CountObjects(ctx context.Context) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var count int64
	err := s.queryRow(ctx, "SELECT COUNT(*) FROM refgraph_objects").Scan(&count)
	return count, err
}

// Refs

func (s *Store) GetRef(ctx context.Context, name string) (datastore.RefEntry, error) {
	if err := s.ready(); err != nil {
		return datastore.RefEntry{}, err
	}
	s.reads.Add(1)

	var entry datastore.RefEntry
	err := s.queryRow(ctx, "SELECT target, symbolic FROM refgraph_refs WHERE name = ?", name).
		Scan(&entry.Target, &entry.Symbolic)
	if errors.Is(err, sql.ErrNoRows) {
		return datastore.RefEntry{}, datastore.ErrNotFound
	}
	return entry, err
}

func (s *Store) PutRef(ctx context.Context, name string, entry datastore.RefEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO refgraph_refs (name, target, symbolic) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET target = excluded.target, symbolic = excluded.symbolic`,
		name, entry.Target, entry.Symbolic)
	if err == nil {
		s.writes.Add(1)
	}
	return err
}

func (s *Store) CompareAndSwapRef(ctx context.Context, name string, old, next *datastore.RefEntry) error {
	if err := s.ready(); err != nil {
		return err
	}

	var (
		res sql.Result
		err error
	)
	switch {
	case old == nil && next == nil:
		_, err := s.GetRef(ctx, name)
		if errors.Is(err, datastore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		s.conflicts.Add(1)
		return datastore.ErrConflict
	case old == nil:
		res, err = s.exec(ctx,
			"INSERT INTO refgraph_refs (name, target, symbolic) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING",
			name, next.Target, next.Symbolic)
	case next == nil:
		res, err = s.exec(ctx,
			"DELETE FROM refgraph_refs WHERE name = ? AND target = ? AND symbolic = ?",
			name, old.Target, old.Symbolic)
	default:
		res, err = s.exec(ctx,
			"UPDATE refgraph_refs SET target = ?, symbolic = ? WHERE name = ? AND target = ? AND symbolic = ?",
			next.Target, next.Symbolic, name, old.Target, old.Symbolic)
	}
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		s.conflicts.Add(1)
		return datastore.ErrConflict
	}
	s.writes.Add(1)
	return nil
}

func (s *Store) DeleteRef(ctx context.Context, name string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.exec(ctx, "DELETE FROM refgraph_refs WHERE name = ?", name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return datastore.ErrNotFound
	}
	s.writes.Add(1)
	return nil
}

func (s *Store) ListRefs(ctx context.Context, prefix string) (map[string]datastore.RefEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT name, target, symbolic FROM refgraph_refs WHERE name LIKE ? ESCAPE '\'`),
		likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]datastore.RefEntry)
	for rows.Next() {
		var (
			name  string
			entry datastore.RefEntry
		)
		if err := rows.Scan(&name, &entry.Target, &entry.Symbolic); err != nil {
			return nil, err
		}
		result[name] = entry
	}
	return result, rows.Err()
}

// Config

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	var value string
	err := s.queryRow(ctx, "SELECT value FROM refgraph_config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", datastore.ErrNotFound
	}
	return value, err
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO refgraph_config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.exec(ctx, "DELETE FROM refgraph_config WHERE key = ?", key)
	return err
}
