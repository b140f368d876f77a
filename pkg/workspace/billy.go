package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/caiatech/refgraph/pkg/object"
	"github.com/caiatech/refgraph/pkg/vcserr"
)

// indexEntry is one staged path. Data holds content staged since the last
// snapshot; entries realigned from a tree only carry Hash.
type indexEntry struct {
	Mode string
	Hash object.Hash
	Data []byte
}

// BillyWorktree keeps files on a go-billy filesystem and the index in
// memory.
type BillyWorktree struct {
	fs    billy.Filesystem
	mu    sync.Mutex
	index map[string]indexEntry
}

// NewBillyWorktree uses fs as the working directory.
func NewBillyWorktree(fs billy.Filesystem) *BillyWorktree {
	return &BillyWorktree{
		fs:    fs,
		index: make(map[string]indexEntry),
	}
}

// NewMemoryWorktree returns a worktree that never touches disk.
func NewMemoryWorktree() *BillyWorktree {
	return NewBillyWorktree(memfs.New())
}

// NewOSWorktree returns a worktree rooted at dir.
func NewOSWorktree(dir string) *BillyWorktree {
	return NewBillyWorktree(osfs.New(dir))
}

// Filesystem exposes the working directory.
func (w *BillyWorktree) Filesystem() billy.Filesystem {
	return w.fs
}

func cleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	clean := path.Clean("/" + p)[1:]
	if clean == "" || clean != strings.TrimPrefix(path.Clean(p), "./") {
		return "", vcserr.Invalid("workspace.path", "path %q is outside the worktree", p)
	}
	return clean, nil
}

// Stage records the current content of each path. Directories are staged
// recursively; a path that no longer exists is dropped from the index.
func (w *BillyWorktree) Stage(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range paths {
		clean, err := cleanPath(p)
		if err != nil {
			return err
		}

		info, err := w.fs.Lstat(clean)
		if errors.Is(err, os.ErrNotExist) {
			w.dropLocked(clean)
			continue
		}
		if err != nil {
			return fmt.Errorf("stage %s: %w", clean, err)
		}

		if !info.IsDir() {
			if err := w.stageFileLocked(clean, info); err != nil {
				return err
			}
			continue
		}

		if err := w.walkLocked(clean, w.stageFileLocked); err != nil {
			return fmt.Errorf("stage %s: %w", clean, err)
		}
	}
	return nil
}

// StageAll stages every file in the worktree and drops index entries whose
// files are gone.
func (w *BillyWorktree) StageAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.index = make(map[string]indexEntry)
	return w.walkLocked("/", w.stageFileLocked)
}

// walkLocked calls fn for every non-directory below dir.
func (w *BillyWorktree) walkLocked(dir string, fn func(string, os.FileInfo) error) error {
	entries, err := w.fs.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, fi := range entries {
		name := path.Join(dir, fi.Name())
		if fi.IsDir() {
			if err := w.walkLocked(name, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(strings.TrimPrefix(name, "/"), fi); err != nil {
			return err
		}
	}
	return nil
}

func (w *BillyWorktree) stageFileLocked(name string, info os.FileInfo) error {
	entry := indexEntry{Mode: object.ModeFile}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := w.fs.Readlink(name)
		if err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
		entry.Mode = object.ModeSymlink
		entry.Data = []byte(target)
	default:
		data, err := util.ReadFile(w.fs, name)
		if err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
		if info.Mode().Perm()&0o111 != 0 {
			entry.Mode = object.ModeExecutable
		}
		entry.Data = data
	}
	w.index[name] = entry
	return nil
}

// dropLocked removes p and anything staged beneath it.
func (w *BillyWorktree) dropLocked(p string) {
	delete(w.index, p)
	prefix := p + "/"
	for name := range w.index {
		if strings.HasPrefix(name, prefix) {
			delete(w.index, name)
		}
	}
}

// Unstage removes paths from the index and leaves the files alone.
func (w *BillyWorktree) Unstage(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range paths {
		clean, err := cleanPath(p)
		if err != nil {
			return err
		}
		w.dropLocked(clean)
	}
	return nil
}

// Remove deletes paths from disk and from the index.
func (w *BillyWorktree) Remove(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range paths {
		clean, err := cleanPath(p)
		if err != nil {
			return err
		}
		if err := util.RemoveAll(w.fs, clean); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", clean, err)
		}
		w.dropLocked(clean)
	}
	return nil
}

// Staged lists the indexed paths in order.
func (w *BillyWorktree) Staged() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.index))
	for name := range w.index {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// dirNode is a directory while the snapshot is being assembled.
type dirNode struct {
	files map[string]indexEntry
	dirs  map[string]*dirNode
}

func newDirNode() *dirNode {
	return &dirNode{files: make(map[string]indexEntry), dirs: make(map[string]*dirNode)}
}

// SnapshotIndex implements Worktree.
func (w *BillyWorktree) SnapshotIndex(ctx context.Context, ow ObjectWriter) (*object.Tree, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	root := newDirNode()
	for name, entry := range w.index {
		if entry.Data != nil {
			id, err := ow.Write(ctx, object.NewBlob(entry.Data))
			if err != nil {
				return nil, fmt.Errorf("snapshot %s: %w", name, err)
			}
			entry.Hash, entry.Data = id, nil
			w.index[name] = entry
		}

		parts := strings.Split(name, "/")
		node := root
		for _, dir := range parts[:len(parts)-1] {
			child, ok := node.dirs[dir]
			if !ok {
				child = newDirNode()
				node.dirs[dir] = child
			}
			node = child
		}
		node.files[parts[len(parts)-1]] = entry
	}

	return w.buildTree(ctx, ow, root)
}

// buildTree writes every subtree of node and returns node's own tree.
func (w *BillyWorktree) buildTree(ctx context.Context, ow ObjectWriter, node *dirNode) (*object.Tree, error) {
	tree := object.NewTree()
	for name, entry := range node.files {
		if _, clash := node.dirs[name]; clash {
			return nil, vcserr.Invalid("workspace.snapshot", "%q is staged as both a file and a directory", name)
		}
		tree.AddEntry(entry.Mode, name, entry.Hash)
	}
	for name, child := range node.dirs {
		sub, err := w.buildTree(ctx, ow, child)
		if err != nil {
			return nil, err
		}
		id, err := ow.Write(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", name, err)
		}
		tree.AddEntry(object.ModeTree, name, id)
	}
	return tree, nil
}

// flatten maps every file path under tree to its entry.
func flatten(ctx context.Context, r ObjectReader, tree *object.Tree, prefix string, out map[string]indexEntry) error {
	for _, e := range tree.Entries {
		name := path.Join(prefix, e.Name)
		if !e.IsTree() {
			out[name] = indexEntry{Mode: e.Mode, Hash: e.Hash}
			continue
		}
		sub, err := r.ReadTree(ctx, e.Hash)
		if err != nil {
			return fmt.Errorf("read tree %s: %w", name, err)
		}
		if err := flatten(ctx, r, sub, name, out); err != nil {
			return err
		}
	}
	return nil
}

// Materialize implements Worktree.
func (w *BillyWorktree) Materialize(ctx context.Context, r ObjectReader, tree *object.Tree) error {
	target := make(map[string]indexEntry)
	if err := flatten(ctx, r, tree, "", target); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for name := range w.index {
		if _, keep := target[name]; keep {
			continue
		}
		if err := w.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("materialize: remove %s: %w", name, err)
		}
	}

	names := make([]string, 0, len(target))
	for name := range target {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.writeLocked(ctx, r, name, target[name]); err != nil {
			return fmt.Errorf("materialize %s: %w", name, err)
		}
	}
	return nil
}

func (w *BillyWorktree) writeLocked(ctx context.Context, r ObjectReader, name string, entry indexEntry) error {
	blob, err := r.ReadBlob(ctx, entry.Hash)
	if err != nil {
		return err
	}

	if err := w.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return err
	}
	if info, err := w.fs.Lstat(name); err == nil && (info.IsDir() || info.Mode()&os.ModeSymlink != 0) {
		if err := util.RemoveAll(w.fs, name); err != nil {
			return err
		}
	}

	switch entry.Mode {
	case object.ModeSymlink:
		return w.fs.Symlink(string(blob.Content), name)
	case object.ModeExecutable:
		return util.WriteFile(w.fs, name, blob.Content, 0o755)
	default:
		return util.WriteFile(w.fs, name, blob.Content, 0o644)
	}
}

// RealignIndex implements Worktree.
func (w *BillyWorktree) RealignIndex(ctx context.Context, r ObjectReader, tree *object.Tree) error {
	next := make(map[string]indexEntry)
	if err := flatten(ctx, r, tree, "", next); err != nil {
		return err
	}

	w.mu.Lock()
	w.index = next
	w.mu.Unlock()
	return nil
}
