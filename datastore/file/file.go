// Package file implements a datastore laid out like a git directory: zlib
// compressed loose objects fanned out by hash prefix, one file per reference,
// and a TOML config file for per-branch settings.
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caiatech/refgraph/datastore"
	"github.com/klauspost/compress/zlib"
)

const (
	objectsDir = "objects"
	configFile = "config.toml"
	lockSuffix = ".lock"

	symbolicPrefix = "ref: "
)

var (
	lockWaitLimit  = 5 * time.Second
	lockRetryDelay = 5 * time.Millisecond
)

// FileStore implements datastore.DataStore on a directory tree.
type FileStore struct {
	root string

	// configMu serializes config.toml rewrites within the process; the
	// lockfile covers other processes.
	configMu sync.Mutex

	reads     atomic.Int64
	writes    atomic.Int64
	conflicts atomic.Int64

	startTime time.Time
	closed    atomic.Bool
}

func init() {
	datastore.Register(datastore.TypeFile, func(config datastore.Config) (datastore.DataStore, error) {
		return New(config.Connection), nil
	})
}

// New creates a store rooted at path. Call Initialize before use.
func New(path string) *FileStore {
	return &FileStore{
		root:      path,
		startTime: time.Now(),
	}
}

// Initialize creates the directory layout.
func (f *FileStore) Initialize(config datastore.Config) error {
	for _, dir := range []string{
		f.root,
		filepath.Join(f.root, objectsDir),
		filepath.Join(f.root, "refs", "heads"),
		filepath.Join(f.root, "refs", "remotes"),
		filepath.Join(f.root, "refs", "tags"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (f *FileStore) Close() error {
	if f.closed.Swap(true) {
		return datastore.ErrClosed
	}
	return nil
}

func (f *FileStore) HealthCheck(ctx context.Context) error {
	if f.closed.Load() {
		return datastore.ErrClosed
	}
	info, err := os.Stat(filepath.Join(f.root, objectsDir))
	if err != nil {
		return fmt.Errorf("objects directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("objects path is not a directory")
	}
	return nil
}

func (f *FileStore) Type() string {
	return datastore.TypeFile
}

func (f *FileStore) Info() map[string]interface{} {
	return map[string]interface{}{
		"type": datastore.TypeFile,
		"root": f.root,
		"metrics": datastore.Metrics{
			Reads:     f.reads.Load(),
			Writes:    f.writes.Load(),
			Conflicts: f.conflicts.Load(),
			StartTime: f.startTime,
			Uptime:    time.Since(f.startTime),
		},
	}
}

func (f *FileStore) ObjectStore() datastore.ObjectStore {
	return f
}

func (f *FileStore) RefStore() datastore.RefStore {
	return f
}

// Objects

func (f *FileStore) objectPath(hash string) (string, error) {
	if len(hash) < 3 || strings.ContainsAny(hash, `/\.`) {
		return "", fmt.Errorf("%w: bad object key %q", datastore.ErrInvalidData, hash)
	}
	return filepath.Join(f.root, objectsDir, hash[:2], hash[2:]), nil
}

func (f *FileStore) GetObject(ctx context.Context, hash string) ([]byte, error) {
	if f.closed.Load() {
		return nil, datastore.ErrClosed
	}
	path, err := f.objectPath(hash)
	if err != nil {
		return nil, err
	}
	f.reads.Add(1)

	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, datastore.ErrNotFound
		}
		return nil, fmt.Errorf("read object %s: %w", hash, err)
	}

	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: object %s: %v", datastore.ErrInvalidData, hash, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: object %s: %v", datastore.ErrInvalidData, hash, err)
	}
	return data, nil
}

func (f *FileStore) PutObject(ctx context.Context, hash string, data []byte) error {
	if f.closed.Load() {
		return datastore.ErrClosed
	}
	path, err := f.objectPath(hash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("compress object %s: %w", hash, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("compress object %s: %w", hash, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write object %s: %w", hash, err)
	}
	if err := writeFileAtomic(path, buf.Bytes(), 0o444); err != nil {
		return fmt.Errorf("write object %s: %w", hash, err)
	}
	f.writes.Add(1)
	return nil
}

func (f *FileStore) HasObject(ctx context.Context, hash string) (bool, error) {
	if f.closed.Load() {
		return false, datastore.ErrClosed
	}
	path, err := f.objectPath(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f *FileStore) ListObjects(ctx context.Context, prefix string, limit int) ([]string, error) {
	if f.closed.Load() {
		return nil, datastore.ErrClosed
	}
	hashes, err := f.walkObjects(prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(hashes)
	if limit > 0 && len(hashes) > limit {
		hashes = hashes[:limit]
	}
	return hashes, nil
}

func (f *FileStore) CountObjects(ctx context.Context) (int64, error) {
	if f.closed.Load() {
		return 0, datastore.ErrClosed
	}
	hashes, err := f.walkObjects("")
	if err != nil {
		return 0, err
	}
	return int64(len(hashes)), nil
}

func (f *FileStore) walkObjects(prefix string) ([]string, error) {
	var hashes []string
	dirs, err := os.ReadDir(filepath.Join(f.root, objectsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return hashes, nil
		}
		return nil, err
	}

	for _, dir := range dirs {
		if !dir.IsDir() || len(dir.Name()) != 2 {
			continue
		}
		if len(prefix) >= 2 && dir.Name() != prefix[:2] {
			continue
		}
		if len(prefix) == 1 && dir.Name()[0] != prefix[0] {
			continue
		}

		files, err := os.ReadDir(filepath.Join(f.root, objectsDir, dir.Name()))
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			if file.IsDir() || strings.HasPrefix(file.Name(), ".tmp") {
				continue
			}
			hash := dir.Name() + file.Name()
			if strings.HasPrefix(hash, prefix) {
				hashes = append(hashes, hash)
			}
		}
	}
	return hashes, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Config

func (f *FileStore) configPath() string {
	return filepath.Join(f.root, configFile)
}

func (f *FileStore) readConfig() (map[string]string, error) {
	values := make(map[string]string)
	if _, err := toml.DecodeFile(f.configPath(), &values); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", datastore.ErrInvalidData, configFile, err)
	}
	return values, nil
}

func (f *FileStore) updateConfig(mutate func(map[string]string)) error {
	f.configMu.Lock()
	defer f.configMu.Unlock()

	lock, err := acquireLock(f.configPath() + lockSuffix)
	if err != nil {
		return err
	}
	defer lock.release()

	values, err := f.readConfig()
	if err != nil {
		return err
	}
	mutate(values)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(values); err != nil {
		return fmt.Errorf("encode %s: %w", configFile, err)
	}
	return lock.commit(f.configPath(), buf.Bytes())
}

func (f *FileStore) GetConfig(ctx context.Context, key string) (string, error) {
	if f.closed.Load() {
		return "", datastore.ErrClosed
	}
	values, err := f.readConfig()
	if err != nil {
		return "", err
	}
	value, ok := values[key]
	if !ok {
		return "", datastore.ErrNotFound
	}
	return value, nil
}

func (f *FileStore) SetConfig(ctx context.Context, key, value string) error {
	if f.closed.Load() {
		return datastore.ErrClosed
	}
	return f.updateConfig(func(values map[string]string) {
		values[key] = value
	})
}

func (f *FileStore) DeleteConfig(ctx context.Context, key string) error {
	if f.closed.Load() {
		return datastore.ErrClosed
	}
	return f.updateConfig(func(values map[string]string) {
		delete(values, key)
	})
}
