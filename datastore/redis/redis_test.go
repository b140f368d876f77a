package redis

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiatech/refgraph/datastore"
)

// testConfig points at TEST_REDIS_URL when set and at a miniredis instance
// otherwise.
func testConfig(t *testing.T) (datastore.Config, *miniredis.Miniredis) {
	t.Helper()
	config := datastore.DefaultConfig(datastore.TypeRedis)
	config.Options = map[string]interface{}{"key_prefix": "test:" + t.Name() + ":"}

	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		config.Connection = url
		return config, nil
	}

	mini := miniredis.RunT(t)
	config.Connection = "redis://" + mini.Addr() + "/0"
	return config, mini
}

func TestRedisStoreCompliance(t *testing.T) {
	config, _ := testConfig(t)
	store, err := datastore.Create(config)
	require.NoError(t, err)

	datastore.RunComplianceTests(t, datastore.ComplianceTestSuite{
		Store:   store,
		Config:  config,
		Cleanup: func() { store.Close() },
	})
}

func TestRedisStoreKeyLayout(t *testing.T) {
	config, mini := testConfig(t)
	if mini == nil {
		t.Skip("key layout is checked against miniredis only")
	}
	ctx := context.Background()

	store, err := New(config)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(config))
	defer store.Close()

	require.NoError(t, store.PutObject(ctx, "abc", []byte("data")))
	require.NoError(t, store.PutRef(ctx, "refs/heads/main", datastore.RefEntry{Target: "abc"}))
	require.NoError(t, store.SetConfig(ctx, "branch.main.upstream", "refs/remotes/origin/main"))

	prefix := store.prefix
	assert.True(t, mini.Exists(prefix+"obj:abc"))
	assert.True(t, mini.Exists(prefix+"ref:refs/heads/main"))
	members, err := mini.Members(prefix + "refs")
	require.NoError(t, err)
	assert.Equal(t, []string{"refs/heads/main"}, members)
	assert.Equal(t, "refs/remotes/origin/main", mini.HGet(prefix+"config", "branch.main.upstream"))
}

func TestRedisStoreBadURL(t *testing.T) {
	_, err := New(datastore.Config{Type: datastore.TypeRedis, Connection: "not-a-url://x"})
	assert.Error(t, err)
}

func TestRedisStoreUnreachable(t *testing.T) {
	config, mini := testConfig(t)
	if mini == nil {
		t.Skip("needs a server that can be stopped")
	}
	mini.Close()

	_, err := datastore.Create(config)
	assert.Error(t, err)
}
