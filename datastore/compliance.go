package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ComplianceTestSuite describes one adapter under test.
type ComplianceTestSuite struct {
	Store   DataStore
	Config  Config
	Cleanup func()
}

// RunComplianceTests checks the behavior every adapter must share. Adapter
// packages call it from their own tests.
func RunComplianceTests(t *testing.T, suite ComplianceTestSuite) {
	if suite.Cleanup != nil {
		t.Cleanup(suite.Cleanup)
	}
	store := suite.Store
	require.NotNil(t, store)
	require.NoError(t, store.HealthCheck(context.Background()))
	assert.Equal(t, suite.Config.Type, store.Type())
	assert.NotEmpty(t, store.Info())

	t.Run("Objects", func(t *testing.T) { testObjects(t, store.ObjectStore()) })
	t.Run("ObjectList", func(t *testing.T) { testObjectList(t, store.ObjectStore()) })
	t.Run("Refs", func(t *testing.T) { testRefs(t, store.RefStore()) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, store.RefStore()) })
	t.Run("ConcurrentCompareAndSwap", func(t *testing.T) { testConcurrentCAS(t, store.RefStore()) })
	t.Run("Config", func(t *testing.T) { testConfig(t, store.RefStore()) })
}

func testObjects(t *testing.T, objects ObjectStore) {
	ctx := context.Background()
	hash := "c0ffee0000000000000000000000000000000001"

	_, err := objects.GetObject(ctx, hash)
	assert.ErrorIs(t, err, ErrNotFound)

	has, err := objects.HasObject(ctx, hash)
	require.NoError(t, err)
	assert.False(t, has)

	data := []byte("blob 5\x00hello")
	require.NoError(t, objects.PutObject(ctx, hash, data))
	// Storing the same key again is a no-op.
	require.NoError(t, objects.PutObject(ctx, hash, data))

	got, err := objects.GetObject(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	has, err = objects.HasObject(ctx, hash)
	require.NoError(t, err)
	assert.True(t, has)

	empty := "c0ffee0000000000000000000000000000000002"
	require.NoError(t, objects.PutObject(ctx, empty, []byte{}))
	got, err = objects.GetObject(ctx, empty)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testObjectList(t *testing.T, objects ObjectStore) {
	ctx := context.Background()

	before, err := objects.CountObjects(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		hash := fmt.Sprintf("ab12%036d", i)
		require.NoError(t, objects.PutObject(ctx, hash, []byte(fmt.Sprintf("data %d", i))))
	}
	require.NoError(t, objects.PutObject(ctx, "cd34000000000000000000000000000000000000", []byte("other")))

	after, err := objects.CountObjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+6, after)

	listed, err := objects.ListObjects(ctx, "ab12", 0)
	require.NoError(t, err)
	assert.Len(t, listed, 5)
	for _, h := range listed {
		assert.Contains(t, h, "ab12")
	}

	limited, err := objects.ListObjects(ctx, "ab12", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testRefs(t *testing.T, refs RefStore) {
	ctx := context.Background()

	_, err := refs.GetRef(ctx, "refs/heads/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	direct := RefEntry{Target: "1111111111111111111111111111111111111111"}
	require.NoError(t, refs.PutRef(ctx, "refs/heads/main", direct))
	require.NoError(t, refs.PutRef(ctx, "refs/heads/feature/x", direct))
	require.NoError(t, refs.PutRef(ctx, "refs/remotes/origin/main", direct))
	require.NoError(t, refs.PutRef(ctx, "HEAD", RefEntry{Symbolic: "refs/heads/main"}))

	got, err := refs.GetRef(ctx, "HEAD")
	require.NoError(t, err)
	assert.True(t, got.IsSymbolic())
	assert.Equal(t, "refs/heads/main", got.Symbolic)

	got, err = refs.GetRef(ctx, "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, direct, got)

	heads, err := refs.ListRefs(ctx, "refs/heads/")
	require.NoError(t, err)
	assert.Len(t, heads, 2)
	assert.Contains(t, heads, "refs/heads/feature/x")

	all, err := refs.ListRefs(ctx, "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 4)

	require.NoError(t, refs.DeleteRef(ctx, "refs/heads/feature/x"))
	_, err = refs.GetRef(ctx, "refs/heads/feature/x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, refs.DeleteRef(ctx, "refs/heads/feature/x"), ErrNotFound)
}

func testCompareAndSwap(t *testing.T, refs RefStore) {
	ctx := context.Background()
	name := "refs/heads/cas"
	a := &RefEntry{Target: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	b := &RefEntry{Target: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}

	// Create requires absence.
	require.NoError(t, refs.CompareAndSwapRef(ctx, name, nil, a))
	assert.ErrorIs(t, refs.CompareAndSwapRef(ctx, name, nil, b), ErrConflict)

	// Stale expectation fails and leaves the value alone.
	assert.ErrorIs(t, refs.CompareAndSwapRef(ctx, name, b, b), ErrConflict)
	got, err := refs.GetRef(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, *a, got)

	require.NoError(t, refs.CompareAndSwapRef(ctx, name, a, b))
	got, err = refs.GetRef(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, *b, got)

	// Direct and symbolic entries never compare equal.
	sym := &RefEntry{Symbolic: "refs/heads/main"}
	assert.ErrorIs(t, refs.CompareAndSwapRef(ctx, name, sym, a), ErrConflict)

	// A nil next deletes.
	require.NoError(t, refs.CompareAndSwapRef(ctx, name, b, nil))
	_, err = refs.GetRef(ctx, name)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, refs.CompareAndSwapRef(ctx, name, b, nil), ErrConflict)
}

func testConcurrentCAS(t *testing.T, refs RefStore) {
	ctx := context.Background()
	name := "refs/heads/race"
	start := &RefEntry{Target: "0000000000000000000000000000000000000001"}
	require.NoError(t, refs.PutRef(ctx, name, *start))

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := &RefEntry{Target: fmt.Sprintf("%040d", i+100)}
			err := refs.CompareAndSwapRef(ctx, name, start, next)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func testConfig(t *testing.T, refs RefStore) {
	ctx := context.Background()
	key := "branch.main.upstream"

	_, err := refs.GetConfig(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, refs.SetConfig(ctx, key, "refs/remotes/origin/main"))
	value, err := refs.GetConfig(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "refs/remotes/origin/main", value)

	require.NoError(t, refs.SetConfig(ctx, key, "refs/remotes/upstream/main"))
	value, err = refs.GetConfig(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "refs/remotes/upstream/main", value)

	require.NoError(t, refs.DeleteConfig(ctx, key))
	_, err = refs.GetConfig(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}
