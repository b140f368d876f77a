package core

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/caiatech/refgraph/config"
	"github.com/caiatech/refgraph/datastore"
	_ "github.com/caiatech/refgraph/datastore/all"
	"github.com/caiatech/refgraph/metrics"
	"github.com/caiatech/refgraph/pkg/workspace"
)

// OpenFromConfig creates the configured datastore and opens the repository
// in it, initializing it if needed. A nil worktree is chosen from the
// configuration. The repository owns the datastore and closes it.
func OpenFromConfig(ctx context.Context, cfg *config.Config, wt workspace.Worktree) (*Repository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logCloser, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}

	store, err := datastore.Create(cfg.Storage)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("create %s datastore: %w", cfg.Storage.Type, err)
	}

	if wt == nil {
		if cfg.Worktree.Path != "" {
			wt = workspace.NewOSWorktree(cfg.Worktree.Path)
		} else {
			wt = workspace.NewMemoryWorktree()
		}
	}

	m := metrics.NewNop()
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	cacheSize := cfg.Repository.ObjectCacheSize
	if cacheSize == 0 {
		cacheSize = -1
	}

	r, err := Init(ctx, Options{
		DataStore:        store,
		Worktree:         wt,
		Algorithm:        cfg.Algorithm(),
		Logger:           logger,
		Metrics:          m,
		MaxSymbolicDepth: cfg.Repository.MaxSymbolicDepth,
		DefaultBranch:    cfg.Repository.DefaultBranch,
		CommitRetries:    cfg.Repository.CommitRetries,
		CacheSize:        cacheSize,
		Compress:         cfg.Storage.EnableCompression,
	})
	if err != nil {
		store.Close()
		logCloser.Close()
		return nil, err
	}

	// Closed in reverse: datastore before the log file.
	r.closers = append([]io.Closer{logCloser, store}, r.closers...)
	return r, nil
}
