// Package history walks commit ancestry in topological order.
package history

import (
	"container/heap"
	"context"
	"errors"
	"io"

	"github.com/caiatech/refgraph/pkg/object"
	"github.com/caiatech/refgraph/pkg/vcserr"
)

// CommitReader loads commits by identifier.
type CommitReader interface {
	ReadCommit(ctx context.Context, id object.Hash) (*object.Commit, error)
}

// Entry is one commit emitted by a Walker.
type Entry struct {
	ID     object.Hash
	Commit *object.Commit
}

// Walker emits every commit reachable from its starting points exactly
// once. A commit is never emitted before any of its reachable descendants;
// among commits that are ready at the same time the newest committer time
// goes first, then the smallest identifier.
//
// The first call to Next reads the whole reachable graph, since a commit
// can only be emitted once all of its children are known. Memory and reads
// grow with history size regardless of how many entries are consumed.
//
// A Walker is single-use and must not be shared between goroutines.
type Walker struct {
	reader CommitReader
	starts []object.Hash

	loaded   bool
	commits  map[object.Hash]*object.Commit
	children map[object.Hash]int
	ready    readyQueue
	err      error
}

// NewWalker snapshots starts. Nothing is read until the first Next.
func NewWalker(reader CommitReader, starts ...object.Hash) *Walker {
	return &Walker{
		reader: reader,
		starts: append([]object.Hash(nil), starts...),
	}
}

// Next returns the next commit, or io.EOF once every reachable commit has
// been returned.
func (w *Walker) Next(ctx context.Context) (*Entry, error) {
	if w.err != nil {
		return nil, w.err
	}
	if !w.loaded {
		if err := w.load(ctx); err != nil {
			w.err = err
			return nil, err
		}
	}
	if w.ready.Len() == 0 {
		w.err = io.EOF
		return nil, io.EOF
	}

	id := heap.Pop(&w.ready).(object.Hash)
	commit := w.commits[id]
	for _, parent := range uniqueParents(commit) {
		w.children[parent]--
		if w.children[parent] == 0 {
			heap.Push(&w.ready, parent)
		}
	}
	return &Entry{ID: id, Commit: commit}, nil
}

// Collect drains the walker. A positive limit stops after that many
// commits; it bounds the result, not the objects read.
func (w *Walker) Collect(ctx context.Context, limit int) ([]Entry, error) {
	var out []Entry
	for limit <= 0 || len(out) < limit {
		entry, err := w.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, nil
}

// load reads the reachable graph and counts, for each commit, how many
// reachable commits name it as a parent.
func (w *Walker) load(ctx context.Context) error {
	w.loaded = true
	w.commits = make(map[object.Hash]*object.Commit)
	w.children = make(map[object.Hash]int)

	stack := make([]object.Hash, 0, len(w.starts))
	for _, id := range w.starts {
		if _, seen := w.commits[id]; seen {
			continue
		}
		if err := w.read(ctx, id); err != nil {
			return err
		}
		stack = append(stack, id)
	}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, parent := range uniqueParents(w.commits[id]) {
			w.children[parent]++
			if _, seen := w.commits[parent]; seen {
				continue
			}
			if err := w.read(ctx, parent); err != nil {
				return err
			}
			stack = append(stack, parent)
		}
	}

	w.ready = readyQueue{commits: w.commits}
	for id := range w.commits {
		if w.children[id] == 0 {
			w.ready.ids = append(w.ready.ids, id)
		}
	}
	heap.Init(&w.ready)
	return nil
}

func (w *Walker) read(ctx context.Context, id object.Hash) error {
	commit, err := w.reader.ReadCommit(ctx, id)
	if err != nil {
		if vcserr.KindOf(err) == vcserr.KindInvalidOperation {
			return vcserr.Corrupt("history.walk", "%s is not a commit: %w", id, err)
		}
		return err
	}
	w.commits[id] = commit
	return nil
}

// uniqueParents drops repeated parent entries so that in-degrees stay
// consistent.
func uniqueParents(c *object.Commit) []object.Hash {
	if len(c.Parents) < 2 {
		return c.Parents
	}
	seen := make(map[object.Hash]struct{}, len(c.Parents))
	out := make([]object.Hash, 0, len(c.Parents))
	for _, p := range c.Parents {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

type readyQueue struct {
	ids     []object.Hash
	commits map[object.Hash]*object.Commit
}

func (q readyQueue) Len() int { return len(q.ids) }

func (q readyQueue) Less(i, j int) bool {
	a, b := q.commits[q.ids[i]].Committer.When, q.commits[q.ids[j]].Committer.When
	if !a.Equal(b) {
		return a.After(b)
	}
	return q.ids[i] < q.ids[j]
}

func (q readyQueue) Swap(i, j int) { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }

func (q *readyQueue) Push(x interface{}) { q.ids = append(q.ids, x.(object.Hash)) }

func (q *readyQueue) Pop() interface{} {
	old := q.ids
	n := len(old)
	id := old[n-1]
	q.ids = old[:n-1]
	return id
}
