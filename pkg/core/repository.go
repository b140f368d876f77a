// Package core is the repository manager: it ties the object store, the
// reference table and the working directory together into branches,
// commits and resets.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/caiatech/refgraph/datastore"
	"github.com/caiatech/refgraph/logging"
	"github.com/caiatech/refgraph/metrics"
	"github.com/caiatech/refgraph/pkg/events"
	"github.com/caiatech/refgraph/pkg/object"
	"github.com/caiatech/refgraph/pkg/refs"
	"github.com/caiatech/refgraph/pkg/storage"
	"github.com/caiatech/refgraph/pkg/vcserr"
	"github.com/caiatech/refgraph/pkg/workspace"
)

// hashConfigKey records which algorithm a repository's identifiers use.
const hashConfigKey = "core.hash_algorithm"

// DefaultBranch is checked out by Init when no other name is configured.
const DefaultBranch = "main"

// Options configures Open and Init.
type Options struct {
	// DataStore persists objects, references and config. Required.
	DataStore datastore.DataStore
	// Worktree defaults to an in-memory worktree.
	Worktree  workspace.Worktree
	Algorithm object.Algorithm
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	// Events receives reference changes. When nil the repository creates
	// and owns a bus of its own.
	Events *events.Bus

	MaxSymbolicDepth int
	DefaultBranch    string
	// CommitRetries is used by CreateCommitWithRetry when no explicit
	// attempt count is given.
	CommitRetries int
	// CacheSize bounds the object cache. Zero selects the default and a
	// negative value disables caching.
	CacheSize int
	Compress  bool
}

// Repository is one open repository. All methods are safe for concurrent
// use.
type Repository struct {
	id string

	store    datastore.DataStore
	objects  *storage.ObjectStore
	refs     *refs.Table
	worktree workspace.Worktree

	logger  *logging.Logger
	metrics *metrics.Metrics
	events  *events.Bus

	defaultBranch string
	commitRetries int

	// closers run on Close in reverse order.
	closers []io.Closer
	closed  atomic.Bool

	now func() time.Time
	// beforeRepoint runs between reading a branch tip and swapping it.
	beforeRepoint func()
}

// Open opens an initialized repository. A store without HEAD is NotFound.
func Open(ctx context.Context, opts Options) (*Repository, error) {
	r, err := newRepository(ctx, opts)
	if err != nil {
		return nil, err
	}

	if _, err := r.refs.Get(ctx, refs.HEAD); err != nil {
		r.Close()
		if errors.Is(err, vcserr.ErrNotFound) {
			return nil, vcserr.NotFoundErr("core.open", refs.HEAD, errors.New("repository is not initialized"))
		}
		return nil, err
	}
	if err := r.checkAlgorithm(ctx, false); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Init opens the repository in opts.DataStore, initializing it first if
// needed: HEAD is pointed at the default branch, which stays unborn until
// the first commit.
func Init(ctx context.Context, opts Options) (*Repository, error) {
	r, err := newRepository(ctx, opts)
	if err != nil {
		return nil, err
	}

	err = r.logger.LogOperation("init", func() error {
		if err := r.checkAlgorithm(ctx, true); err != nil {
			return err
		}
		exists, err := r.refs.Exists(ctx, refs.HEAD)
		if err != nil || exists {
			return err
		}
		return r.refs.SetSymbolic(ctx, refs.HEAD, refs.BranchPrefix+r.defaultBranch)
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func newRepository(ctx context.Context, opts Options) (*Repository, error) {
	if opts.DataStore == nil {
		return nil, vcserr.Invalid("core.open", "a datastore is required")
	}
	if err := opts.DataStore.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("core.open: datastore %s unhealthy: %w", opts.DataStore.Type(), err)
	}

	if opts.Algorithm == "" {
		opts.Algorithm = object.DefaultAlgorithm
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = DefaultBranch
	}
	if err := refs.ValidateName(refs.BranchPrefix + opts.DefaultBranch); err != nil {
		return nil, err
	}
	if opts.CommitRetries <= 0 {
		opts.CommitRetries = 5
	}
	switch {
	case opts.CacheSize == 0:
		opts.CacheSize = storage.DefaultCacheSize
	case opts.CacheSize < 0:
		opts.CacheSize = 0
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Worktree == nil {
		opts.Worktree = workspace.NewMemoryWorktree()
	}

	id := uuid.NewString()
	logger := opts.Logger.WithFields(map[string]interface{}{
		"repo":    id,
		"backend": opts.DataStore.Type(),
	})

	objects, err := storage.New(opts.DataStore.ObjectStore(), storage.Options{
		Algorithm: opts.Algorithm,
		CacheSize: opts.CacheSize,
		Compress:  opts.Compress,
		Logger:    logger,
		Metrics:   opts.Metrics,
		RepoID:    id,
	})
	if err != nil {
		return nil, err
	}
	closers := []io.Closer{objects}

	bus := opts.Events
	if bus == nil {
		bus = events.NewBus(events.DefaultBufferSize, logger)
		closers = append(closers, bus)
	}

	r := &Repository{
		id:      id,
		store:   opts.DataStore,
		objects: objects,
		refs: refs.NewTable(opts.DataStore.RefStore(), refs.Options{
			MaxDepth: opts.MaxSymbolicDepth,
			Logger:   logger,
			Metrics:  opts.Metrics,
			RepoID:   id,
		}),
		worktree:      opts.Worktree,
		logger:        logger.WithComponent("core"),
		metrics:       opts.Metrics,
		events:        bus,
		defaultBranch: opts.DefaultBranch,
		commitRetries: opts.CommitRetries,
		closers:       closers,
		now:           time.Now,
	}
	r.logger.Debug("repository opened")
	return r, nil
}

// checkAlgorithm compares the configured algorithm with the one recorded
// in the store, recording it when record is set and none is stored.
func (r *Repository) checkAlgorithm(ctx context.Context, record bool) error {
	stored, err := r.store.RefStore().GetConfig(ctx, hashConfigKey)
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		if !record {
			return nil
		}
		return r.store.RefStore().SetConfig(ctx, hashConfigKey, string(r.objects.Algorithm()))
	case err != nil:
		return fmt.Errorf("core.open: %w", err)
	}

	alg, err := object.ParseAlgorithm(stored)
	if err != nil {
		return vcserr.Corrupt("core.open", "%s: %w", hashConfigKey, err)
	}
	if alg != r.objects.Algorithm() {
		return vcserr.Invalid("core.open", "repository uses %s identifiers, not %s", alg, r.objects.Algorithm())
	}
	return nil
}

// ID is the instance identifier used in logs and metric labels.
func (r *Repository) ID() string {
	return r.id
}

// Objects exposes the object store.
func (r *Repository) Objects() *storage.ObjectStore {
	return r.objects
}

// Refs exposes the reference table.
func (r *Repository) Refs() *refs.Table {
	return r.refs
}

// Worktree returns the working directory collaborator.
func (r *Repository) Worktree() workspace.Worktree {
	return r.worktree
}

// Metrics returns the collectors this repository reports to.
func (r *Repository) Metrics() *metrics.Metrics {
	return r.metrics
}

// Events is the bus reference changes are published on.
func (r *Repository) Events() *events.Bus {
	return r.events
}

// publish reports a completed reference change.
func (r *Repository) publish(typ events.Type, ref string, old, next object.Hash) {
	r.events.Publish(events.Event{
		Type:       typ,
		Repository: r.id,
		Ref:        ref,
		Old:        old,
		New:        next,
		Timestamp:  r.now(),
	})
}

// Close releases the repository. The datastore is closed only when the
// repository created it.
func (r *Repository) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Debug("repository closed")
	return errors.Join(errs...)
}

// run wraps an operation with the closed check, logging and timing.
func (r *Repository) run(ctx context.Context, op string, fn func() error) error {
	if r.closed.Load() {
		return vcserr.Invalid("core."+op, "repository is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	defer r.metrics.ObserveOperation(r.id, op, start)
	return r.logger.LogOperation(op, fn)
}
