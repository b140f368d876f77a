package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiatech/refgraph/datastore"
)

func TestBadgerStoreCompliance(t *testing.T) {
	config := datastore.Config{
		Type:       datastore.TypeBadger,
		Connection: t.TempDir(),
	}
	store, err := datastore.Create(config)
	require.NoError(t, err)

	datastore.RunComplianceTests(t, datastore.ComplianceTestSuite{
		Store:   store,
		Config:  config,
		Cleanup: func() { store.Close() },
	})
}

func TestBadgerStoreInMemory(t *testing.T) {
	ctx := context.Background()
	config := datastore.Config{
		Type:       datastore.TypeBadger,
		Connection: "unused",
		Options:    map[string]interface{}{"in_memory": true},
	}
	store, err := New(config)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(config))
	defer store.Close()

	require.NoError(t, store.PutObject(ctx, "abc123", []byte("data")))
	data, err := store.GetObject(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	// Keys of other kinds never leak into object listings.
	require.NoError(t, store.PutRef(ctx, "refs/heads/main", datastore.RefEntry{Target: "abc123"}))
	require.NoError(t, store.SetConfig(ctx, "core.bare", "false"))
	count, err := store.CountObjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestBadgerStoreNotInitialized(t *testing.T) {
	store, err := New(datastore.Config{Type: datastore.TypeBadger, Connection: t.TempDir()})
	require.NoError(t, err)

	assert.ErrorIs(t, store.HealthCheck(context.Background()), datastore.ErrNotInitialized)
}
