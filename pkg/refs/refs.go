// Package refs implements the mutable reference namespace: direct and
// symbolic references, bounded symbolic resolution and compare-and-swap
// updates over a datastore.RefStore.
package refs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/caiatech/refgraph/datastore"
	"github.com/caiatech/refgraph/logging"
	"github.com/caiatech/refgraph/metrics"
	"github.com/caiatech/refgraph/pkg/object"
	"github.com/caiatech/refgraph/pkg/vcserr"
)

// DefaultMaxDepth bounds symbolic resolution.
const DefaultMaxDepth = 10

// Ref is a single reference as stored. Exactly one of Hash and Symbolic is
// set.
type Ref struct {
	Name     string
	Hash     object.Hash
	Symbolic string
	Type     RefType
}

// IsSymbolic reports whether the reference points at another reference.
func (r Ref) IsSymbolic() bool {
	return r.Symbolic != ""
}

func fromEntry(name string, e datastore.RefEntry) Ref {
	return Ref{
		Name:     name,
		Hash:     object.Hash(e.Target),
		Symbolic: e.Symbolic,
		Type:     Classify(name),
	}
}

// Options configures a Table.
type Options struct {
	MaxDepth int
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	RepoID   string
}

// Table is the reference namespace of one repository. Writers are
// serialized by a table lock held only around the backend update; readers
// never take it.
type Table struct {
	store    datastore.RefStore
	mu       sync.Mutex
	maxDepth int

	logger  *logging.Logger
	metrics *metrics.Metrics
	repo    string
}

// NewTable wraps store.
func NewTable(store datastore.RefStore, opts Options) *Table {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	return &Table{
		store:    store,
		maxDepth: opts.MaxDepth,
		logger:   opts.Logger.WithComponent("refs"),
		metrics:  opts.Metrics,
		repo:     opts.RepoID,
	}
}

// MaxDepth returns the symbolic hop limit.
func (t *Table) MaxDepth() int {
	return t.maxDepth
}

// Get returns the stored entry for name without following it.
func (t *Table) Get(ctx context.Context, name string) (Ref, error) {
	entry, err := t.store.GetRef(ctx, name)
	if err != nil {
		return Ref{}, translate("refs.get", name, err)
	}
	return fromEntry(name, entry), nil
}

// Exists reports whether name has an entry.
func (t *Table) Exists(ctx context.Context, name string) (bool, error) {
	_, err := t.Get(ctx, name)
	if errors.Is(err, vcserr.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Chain follows name through symbolic links and returns every name visited.
// The last element is either a direct reference or a name with no entry
// (an unborn branch). A chain longer than MaxDepth is a ReferenceCycle.
func (t *Table) Chain(ctx context.Context, name string) ([]string, error) {
	chain := []string{name}
	current := name
	for hops := 0; ; hops++ {
		entry, err := t.store.GetRef(ctx, current)
		if errors.Is(err, datastore.ErrNotFound) {
			return chain, nil
		}
		if err != nil {
			return nil, translate("refs.resolve", current, err)
		}
		if !entry.IsSymbolic() {
			return chain, nil
		}
		if hops >= t.maxDepth {
			return nil, vcserr.Cycle("refs.resolve", name, hops)
		}
		current = entry.Symbolic
		chain = append(chain, current)
	}
}

// ResolveName returns the name of the direct reference name ends at. The
// final reference need not exist.
func (t *Table) ResolveName(ctx context.Context, name string) (string, error) {
	chain, err := t.Chain(ctx, name)
	if err != nil {
		return "", err
	}
	return chain[len(chain)-1], nil
}

// Resolve follows name to an object identifier. Any missing link is
// NotFound.
func (t *Table) Resolve(ctx context.Context, name string) (object.Hash, error) {
	final, err := t.ResolveName(ctx, name)
	if err != nil {
		return "", err
	}
	entry, err := t.store.GetRef(ctx, final)
	if err != nil {
		return "", translate("refs.resolve", final, err)
	}
	// The chain ended here, so the entry is direct unless it was swapped
	// between the two reads.
	if entry.IsSymbolic() {
		return "", vcserr.Conflict("refs.resolve", final, errors.New("reference changed during resolution"))
	}
	return object.Hash(entry.Target), nil
}

// SetDirect points name at id, creating or overwriting it.
func (t *Table) SetDirect(ctx context.Context, name string, id object.Hash) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if id.IsZero() {
		return vcserr.Invalid("refs.set", "empty target for %s", name)
	}
	return t.write(ctx, "set_direct", name, func() error {
		return t.store.PutRef(ctx, name, datastore.RefEntry{Target: string(id)})
	})
}

// SetSymbolic makes name an alias of target.
func (t *Table) SetSymbolic(ctx context.Context, name, target string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ValidateName(target); err != nil {
		return err
	}
	if name == target {
		return vcserr.Invalid("refs.set", "%s cannot point at itself", name)
	}
	return t.write(ctx, "set_symbolic", name, func() error {
		return t.store.PutRef(ctx, name, datastore.RefEntry{Symbolic: target})
	})
}

// CompareAndSwap points name at next only if it currently points directly
// at expected. An empty expected means name must not exist yet. A mismatch
// is ConcurrentUpdate.
func (t *Table) CompareAndSwap(ctx context.Context, name string, expected, next object.Hash) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if next.IsZero() {
		return vcserr.Invalid("refs.cas", "empty target for %s", name)
	}

	var old *datastore.RefEntry
	if !expected.IsZero() {
		old = &datastore.RefEntry{Target: string(expected)}
	}
	return t.write(ctx, "cas", name, func() error {
		return t.store.CompareAndSwapRef(ctx, name, old, &datastore.RefEntry{Target: string(next)})
	})
}

// Delete removes name. HEAD and any reference HEAD currently resolves
// through cannot be deleted.
func (t *Table) Delete(ctx context.Context, name string) error {
	if name == HEAD {
		return vcserr.Invalid("refs.delete", "HEAD cannot be deleted")
	}

	return t.write(ctx, "delete", name, func() error {
		current, err := t.store.GetRef(ctx, name)
		if err != nil {
			return err
		}

		chain, err := t.Chain(ctx, HEAD)
		if err != nil {
			return err
		}
		for _, link := range chain[1:] {
			if link == name {
				return vcserr.Invalid("refs.delete", "%s is checked out", name)
			}
		}

		return t.store.CompareAndSwapRef(ctx, name, &current, nil)
	})
}

// write runs fn under the table lock and records the outcome.
func (t *Table) write(ctx context.Context, op, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	err := fn()
	t.mu.Unlock()

	if err != nil {
		err = translate("refs."+op, name, err)
	}
	t.metrics.RefUpdates.WithLabelValues(t.repo, op, metrics.RefResult(err, vcserr.IsRetryable)).Inc()
	if kind := vcserr.KindOf(err); err != nil && (kind == vcserr.KindUnknown || kind == vcserr.KindInternalConsistency) {
		t.logger.WithFields(map[string]interface{}{
			"op":  op,
			"ref": name,
		}).ErrorWithErr("reference update failed", err)
	}
	return err
}

// List returns the references whose names start with prefix, sorted by
// name.
func (t *Table) List(ctx context.Context, prefix string) ([]Ref, error) {
	entries, err := t.store.ListRefs(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("refs.list %q: %w", prefix, err)
	}

	out := make([]Ref, 0, len(entries))
	for name, entry := range entries {
		out = append(out, fromEntry(name, entry))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// translate maps backend sentinels onto error kinds. Errors that already
// carry a kind pass through.
func translate(op, name string, err error) error {
	if vcserr.KindOf(err) != vcserr.KindUnknown {
		return err
	}
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		return vcserr.NotFoundErr(op, name, err)
	case errors.Is(err, datastore.ErrConflict):
		return vcserr.Conflict(op, name, err)
	case errors.Is(err, datastore.ErrInvalidData):
		return vcserr.Corrupt(op, "reference %s: %w", name, err)
	default:
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
}
