package core_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiatech/refgraph/datastore"
	"github.com/caiatech/refgraph/datastore/file"
	"github.com/caiatech/refgraph/logging"
	"github.com/caiatech/refgraph/pkg/core"
)

func TestMigrateCopiesRepository(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "one")
	first := f.commit("first")
	f.write("b.txt", "two")
	f.commit("second")

	remote, err := f.repo.CreateBranch(f.ctx, "refs/remotes/origin/main", first.ID())
	require.NoError(t, err)
	require.NoError(t, f.branch("main").SetUpstream(f.ctx, remote))

	dst := file.New(filepath.Join(t.TempDir(), "copy"))
	require.NoError(t, dst.Initialize(datastore.Config{Type: datastore.TypeFile}))
	defer dst.Close()

	stats, err := core.Migrate(f.ctx, f.store, dst, logging.Nop())
	require.NoError(t, err)

	count, err := f.store.ObjectStore().CountObjects(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int(count), stats.Objects)
	assert.Equal(t, 3, stats.Refs)
	assert.Equal(t, 2, stats.Config)

	copied, err := core.Open(context.Background(), core.Options{DataStore: dst, Logger: logging.Nop()})
	require.NoError(t, err)
	defer copied.Close()

	b, err := copied.Branch(f.ctx, "main")
	require.NoError(t, err)
	commits, err := b.Commits(f.ctx)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "second", commits[0].Message())

	up, err := b.Upstream(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, "origin/main", up.DisplayName())

	// A second run finds everything already present.
	again, err := core.Migrate(f.ctx, f.store, dst, logging.Nop())
	require.NoError(t, err)
	assert.Zero(t, again.Objects)
}
