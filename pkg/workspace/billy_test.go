package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiatech/refgraph/datastore"
	"github.com/caiatech/refgraph/datastore/memory"
	"github.com/caiatech/refgraph/pkg/object"
	"github.com/caiatech/refgraph/pkg/storage"
	"github.com/caiatech/refgraph/pkg/vcserr"
)

func newObjects(t *testing.T) *storage.ObjectStore {
	t.Helper()
	backend := memory.New(datastore.DefaultConfig(datastore.TypeMemory))
	s, err := storage.New(backend, storage.Options{CacheSize: 32})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		backend.Close()
	})
	return s
}

func writeFile(t *testing.T, w *BillyWorktree, name, content string) {
	t.Helper()
	require.NoError(t, util.WriteFile(w.Filesystem(), name, []byte(content), 0o644))
}

func readFile(t *testing.T, w *BillyWorktree, name string) string {
	t.Helper()
	data, err := util.ReadFile(w.Filesystem(), name)
	require.NoError(t, err)
	return string(data)
}

// snapshot writes the root tree too and returns its identifier.
func snapshot(t *testing.T, w *BillyWorktree, objects *storage.ObjectStore) (*object.Tree, object.Hash) {
	t.Helper()
	ctx := context.Background()
	tree, err := w.SnapshotIndex(ctx, objects)
	require.NoError(t, err)
	id, err := objects.Write(ctx, tree)
	require.NoError(t, err)
	return tree, id
}

func TestStageAndSnapshot(t *testing.T) {
	ctx := context.Background()
	objects := newObjects(t)
	w := NewMemoryWorktree()

	writeFile(t, w, "README.md", "hello")
	writeFile(t, w, "src/main.go", "package main")
	writeFile(t, w, "src/util/strings.go", "package util")
	require.NoError(t, util.WriteFile(w.Filesystem(), "run.sh", []byte("#!/bin/sh"), 0o755))
	writeFile(t, w, "untracked.txt", "ignored")

	require.NoError(t, w.Stage("README.md", "src", "run.sh"))
	assert.Equal(t, []string{"README.md", "run.sh", "src/main.go", "src/util/strings.go"}, w.Staged())

	root, _ := snapshot(t, w, objects)
	require.Len(t, root.Entries, 3)

	readme, ok := root.Entry("README.md")
	require.True(t, ok)
	assert.Equal(t, object.ModeFile, readme.Mode)
	blob, err := objects.ReadBlob(ctx, readme.Hash)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(blob.Content))

	script, ok := root.Entry("run.sh")
	require.True(t, ok)
	assert.Equal(t, object.ModeExecutable, script.Mode)

	src, ok := root.Entry("src")
	require.True(t, ok)
	assert.Equal(t, object.ModeTree, src.Mode)
	srcTree, err := objects.ReadTree(ctx, src.Hash)
	require.NoError(t, err)
	sub, ok := srcTree.Entry("util")
	require.True(t, ok)
	assert.True(t, sub.IsTree())
}

func TestSnapshotIsDeterministic(t *testing.T) {
	objects := newObjects(t)

	a := NewMemoryWorktree()
	writeFile(t, a, "x/1", "one")
	writeFile(t, a, "y", "two")
	require.NoError(t, a.Stage("y", "x"))

	b := NewMemoryWorktree()
	writeFile(t, b, "y", "two")
	writeFile(t, b, "x/1", "one")
	require.NoError(t, b.Stage("x/1", "y"))

	_, idA := snapshot(t, a, objects)
	_, idB := snapshot(t, b, objects)
	assert.Equal(t, idA, idB)
}

func TestEmptyIndexSnapshot(t *testing.T) {
	objects := newObjects(t)
	tree, _ := snapshot(t, NewMemoryWorktree(), objects)
	assert.Empty(t, tree.Entries)
}

func TestStageDeletedFileDropsIt(t *testing.T) {
	w := NewMemoryWorktree()
	writeFile(t, w, "a.txt", "a")
	require.NoError(t, w.Stage("a.txt"))

	require.NoError(t, w.Filesystem().Remove("a.txt"))
	require.NoError(t, w.Stage("a.txt"))
	assert.Empty(t, w.Staged())
}

func TestStageAll(t *testing.T) {
	w := NewMemoryWorktree()
	writeFile(t, w, "a.txt", "a")
	writeFile(t, w, "dir/b.txt", "b")

	require.NoError(t, w.StageAll())
	assert.Equal(t, []string{"a.txt", "dir/b.txt"}, w.Staged())
}

func TestUnstageAndRemove(t *testing.T) {
	w := NewMemoryWorktree()
	writeFile(t, w, "keep.txt", "k")
	writeFile(t, w, "dir/a.txt", "a")
	writeFile(t, w, "dir/b.txt", "b")
	require.NoError(t, w.Stage("keep.txt", "dir"))

	require.NoError(t, w.Unstage("dir"))
	assert.Equal(t, []string{"keep.txt"}, w.Staged())
	assert.Equal(t, "a", readFile(t, w, "dir/a.txt"))

	require.NoError(t, w.Remove("keep.txt"))
	assert.Empty(t, w.Staged())
	_, err := w.Filesystem().Stat("keep.txt")
	assert.True(t, os.IsNotExist(err))
}

func TestRejectsPathsOutsideWorktree(t *testing.T) {
	w := NewMemoryWorktree()
	for _, p := range []string{"../escape", "/abs/path", ""} {
		err := w.Stage(p)
		assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err), p)
	}
}

func TestFileDirectoryClash(t *testing.T) {
	objects := newObjects(t)
	w := NewMemoryWorktree()
	writeFile(t, w, "a/b", "x")
	require.NoError(t, w.Stage("a/b"))

	// Force an index that records "a" both as a file and a directory.
	w.index["a"] = indexEntry{Mode: object.ModeFile, Data: []byte("y")}

	_, err := w.SnapshotIndex(context.Background(), objects)
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))
}

func TestMaterialize(t *testing.T) {
	ctx := context.Background()
	objects := newObjects(t)

	src := NewMemoryWorktree()
	writeFile(t, src, "a.txt", "version one")
	writeFile(t, src, "dir/b.txt", "bee")
	require.NoError(t, src.Stage("a.txt", "dir"))
	target, _ := snapshot(t, src, objects)

	w := NewMemoryWorktree()
	writeFile(t, w, "a.txt", "local edits")
	writeFile(t, w, "stale.txt", "tracked but gone from target")
	writeFile(t, w, "notes.txt", "never tracked")
	require.NoError(t, w.Stage("a.txt", "stale.txt"))

	require.NoError(t, w.Materialize(ctx, objects, target))

	assert.Equal(t, "version one", readFile(t, w, "a.txt"))
	assert.Equal(t, "bee", readFile(t, w, "dir/b.txt"))
	assert.Equal(t, "never tracked", readFile(t, w, "notes.txt"))
	_, err := w.Filesystem().Stat("stale.txt")
	assert.True(t, os.IsNotExist(err))

	// Materialize alone leaves the index as it was.
	assert.Equal(t, []string{"a.txt", "stale.txt"}, w.Staged())
}

func TestRealignIndex(t *testing.T) {
	ctx := context.Background()
	objects := newObjects(t)

	src := NewMemoryWorktree()
	writeFile(t, src, "a.txt", "committed")
	writeFile(t, src, "dir/b.txt", "bee")
	require.NoError(t, src.Stage("a.txt", "dir"))
	target, targetID := snapshot(t, src, objects)

	w := NewMemoryWorktree()
	writeFile(t, w, "a.txt", "working copy edit")
	writeFile(t, w, "extra.txt", "x")
	require.NoError(t, w.Stage("a.txt", "extra.txt"))

	require.NoError(t, w.RealignIndex(ctx, objects, target))
	assert.Equal(t, []string{"a.txt", "dir/b.txt"}, w.Staged())
	assert.Equal(t, "working copy edit", readFile(t, w, "a.txt"))

	// The realigned index snapshots back to the same tree.
	_, again := snapshot(t, w, objects)
	assert.Equal(t, targetID, again)
}

func TestOSWorktree(t *testing.T) {
	ctx := context.Background()
	objects := newObjects(t)
	dir := t.TempDir()

	w := NewOSWorktree(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("on disk"), 0o644))
	require.NoError(t, w.Stage("file.txt"))
	tree, _ := snapshot(t, w, objects)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("changed"), 0o644))
	require.NoError(t, w.Materialize(ctx, objects, tree))

	data, err := os.ReadFile(filepath.Join(dir, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "on disk", string(data))
}

func TestBillyWorktreeIsWorktree(t *testing.T) {
	var _ Worktree = NewMemoryWorktree()
}
