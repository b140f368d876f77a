// Package workspace provides the working-directory collaborator the
// repository commits from and resets into.
package workspace

import (
	"context"

	"github.com/caiatech/refgraph/pkg/object"
)

// ObjectWriter stores objects produced while snapshotting.
type ObjectWriter interface {
	Write(ctx context.Context, obj object.Object) (object.Hash, error)
}

// ObjectReader loads the trees and blobs a reset needs.
type ObjectReader interface {
	ReadTree(ctx context.Context, id object.Hash) (*object.Tree, error)
	ReadBlob(ctx context.Context, id object.Hash) (*object.Blob, error)
}

// Worktree is a working directory plus its staging index.
type Worktree interface {
	// SnapshotIndex writes staged blobs and subtrees through w and returns
	// the root tree. The root itself is left for the caller to write.
	SnapshotIndex(ctx context.Context, w ObjectWriter) (*object.Tree, error)
	// Materialize overwrites tracked files to match tree and removes files
	// the index tracks that tree does not contain. The index is untouched.
	Materialize(ctx context.Context, r ObjectReader, tree *object.Tree) error
	// RealignIndex replaces the index with the contents of tree without
	// touching files.
	RealignIndex(ctx context.Context, r ObjectReader, tree *object.Tree) error
}
