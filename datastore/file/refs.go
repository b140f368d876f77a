package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caiatech/refgraph/datastore"
)

// refLock is an exclusive lockfile next to the file it guards. Writing
// through it and renaming over the target makes updates atomic.
type refLock struct {
	path string
	file *os.File
}

func acquireLock(lockPath string) (*refLock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(lockWaitLimit)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return &refLock{path: lockPath, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for lock %q", lockPath)
		}
		time.Sleep(lockRetryDelay)
	}
}

// commit writes data into the lockfile and renames it over target. The lock
// is consumed either way.
func (l *refLock) commit(target string, data []byte) error {
	if _, err := l.file.Write(data); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	if err := os.Rename(l.path, target); err != nil {
		return err
	}
	l.path = ""
	return nil
}

func (l *refLock) release() {
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path != "" {
		_ = os.Remove(l.path)
		l.path = ""
	}
}

func (f *FileStore) refPath(name string) (string, error) {
	if name == "" || strings.HasSuffix(name, lockSuffix) || name == configFile ||
		strings.HasPrefix(name, objectsDir+"/") || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: bad reference name %q", datastore.ErrInvalidData, name)
	}
	return filepath.Join(f.root, filepath.FromSlash(name)), nil
}

func encodeRef(entry datastore.RefEntry) []byte {
	if entry.IsSymbolic() {
		return []byte(symbolicPrefix + entry.Symbolic + "\n")
	}
	return []byte(entry.Target + "\n")
}

func decodeRef(data []byte) datastore.RefEntry {
	line := strings.TrimSpace(string(data))
	if target, ok := strings.CutPrefix(line, symbolicPrefix); ok {
		return datastore.RefEntry{Symbolic: strings.TrimSpace(target)}
	}
	return datastore.RefEntry{Target: line}
}

func readRef(path string) (*datastore.RefEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		// A directory at the path means only longer names exist below it.
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
				return nil, nil
			}
		}
		return nil, err
	}
	entry := decodeRef(data)
	return &entry, nil
}

func (f *FileStore) GetRef(ctx context.Context, name string) (datastore.RefEntry, error) {
	if f.closed.Load() {
		return datastore.RefEntry{}, datastore.ErrClosed
	}
	path, err := f.refPath(name)
	if err != nil {
		return datastore.RefEntry{}, err
	}
	f.reads.Add(1)

	entry, err := readRef(path)
	if err != nil {
		return datastore.RefEntry{}, fmt.Errorf("read ref %q: %w", name, err)
	}
	if entry == nil {
		return datastore.RefEntry{}, datastore.ErrNotFound
	}
	return *entry, nil
}

func (f *FileStore) PutRef(ctx context.Context, name string, entry datastore.RefEntry) error {
	return f.update(name, func(*datastore.RefEntry) (*datastore.RefEntry, error) {
		return &entry, nil
	})
}

func (f *FileStore) CompareAndSwapRef(ctx context.Context, name string, old, next *datastore.RefEntry) error {
	return f.update(name, func(current *datastore.RefEntry) (*datastore.RefEntry, error) {
		if !current.Equal(old) {
			f.conflicts.Add(1)
			return nil, datastore.ErrConflict
		}
		return next, nil
	})
}

func (f *FileStore) DeleteRef(ctx context.Context, name string) error {
	return f.update(name, func(current *datastore.RefEntry) (*datastore.RefEntry, error) {
		if current == nil {
			return nil, datastore.ErrNotFound
		}
		return nil, nil
	})
}

// update holds the ref's lockfile while mutate decides the new value. A nil
// result removes the ref file.
func (f *FileStore) update(name string, mutate func(current *datastore.RefEntry) (*datastore.RefEntry, error)) error {
	if f.closed.Load() {
		return datastore.ErrClosed
	}
	path, err := f.refPath(name)
	if err != nil {
		return err
	}

	lock, err := acquireLock(path + lockSuffix)
	if err != nil {
		return fmt.Errorf("update ref %q: lock: %w", name, err)
	}
	defer lock.release()

	current, err := readRef(path)
	if err != nil {
		return fmt.Errorf("update ref %q: read: %w", name, err)
	}

	next, err := mutate(current)
	if err != nil {
		return err
	}

	if next == nil {
		if current != nil {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("delete ref %q: %w", name, err)
			}
		}
	} else if err := lock.commit(path, encodeRef(*next)); err != nil {
		return fmt.Errorf("update ref %q: %w", name, err)
	}
	f.writes.Add(1)
	return nil
}

// ListRefs returns top-level refs such as HEAD plus everything under refs/.
func (f *FileStore) ListRefs(ctx context.Context, prefix string) (map[string]datastore.RefEntry, error) {
	if f.closed.Load() {
		return nil, datastore.ErrClosed
	}
	result := make(map[string]datastore.RefEntry)

	top, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}
	for _, e := range top {
		name := e.Name()
		if e.IsDir() || name == configFile || strings.HasSuffix(name, lockSuffix) || !strings.HasPrefix(name, prefix) {
			continue
		}
		entry, err := readRef(filepath.Join(f.root, name))
		if err != nil {
			return nil, err
		}
		if entry != nil {
			result[name] = *entry
		}
	}

	refsRoot := filepath.Join(f.root, "refs")
	err = filepath.WalkDir(refsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), lockSuffix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		entry, err := readRef(path)
		if err != nil {
			return err
		}
		if entry != nil {
			result[name] = *entry
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return result, nil
}
