package refs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiatech/refgraph/datastore"
	"github.com/caiatech/refgraph/datastore/memory"
	"github.com/caiatech/refgraph/metrics"
	"github.com/caiatech/refgraph/pkg/object"
	"github.com/caiatech/refgraph/pkg/vcserr"
)

const (
	hashA = object.Hash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	hashB = object.Hash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func newTestTable(t *testing.T, opts Options) (*Table, *memory.MemoryStore) {
	t.Helper()
	backend := memory.New(datastore.DefaultConfig(datastore.TypeMemory))
	t.Cleanup(func() { backend.Close() })
	return NewTable(backend, opts), backend
}

func TestSetAndResolve(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Options{})

	require.NoError(t, table.SetDirect(ctx, "refs/heads/main", hashA))
	require.NoError(t, table.SetSymbolic(ctx, HEAD, "refs/heads/main"))

	id, err := table.Resolve(ctx, HEAD)
	require.NoError(t, err)
	assert.Equal(t, hashA, id)

	name, err := table.ResolveName(ctx, HEAD)
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", name)

	head, err := table.Get(ctx, HEAD)
	require.NoError(t, err)
	assert.True(t, head.IsSymbolic())
	assert.Equal(t, "refs/heads/main", head.Symbolic)

	main, err := table.Get(ctx, "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, hashA, main.Hash)
	assert.Equal(t, RefTypeBranch, main.Type)
}

func TestResolveUnbornBranch(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Options{})

	require.NoError(t, table.SetSymbolic(ctx, HEAD, "refs/heads/main"))

	name, err := table.ResolveName(ctx, HEAD)
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", name)

	_, err = table.Resolve(ctx, HEAD)
	assert.True(t, errors.Is(err, vcserr.ErrNotFound))
}

func TestResolveChains(t *testing.T) {
	ctx := context.Background()

	for depth := 1; depth <= DefaultMaxDepth; depth++ {
		t.Run(fmt.Sprintf("depth %d", depth), func(t *testing.T) {
			table, _ := newTestTable(t, Options{})
			require.NoError(t, table.SetDirect(ctx, "refs/heads/r0", hashB))
			for i := 1; i <= depth; i++ {
				require.NoError(t, table.SetSymbolic(ctx, fmt.Sprintf("refs/heads/r%d", i), fmt.Sprintf("refs/heads/r%d", i-1)))
			}

			id, err := table.Resolve(ctx, fmt.Sprintf("refs/heads/r%d", depth))
			require.NoError(t, err)
			assert.Equal(t, hashB, id)

			chain, err := table.Chain(ctx, fmt.Sprintf("refs/heads/r%d", depth))
			require.NoError(t, err)
			assert.Len(t, chain, depth+1)
		})
	}
}

func TestResolveTooDeep(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Options{MaxDepth: 3})

	require.NoError(t, table.SetDirect(ctx, "refs/heads/r0", hashA))
	for i := 1; i <= 4; i++ {
		require.NoError(t, table.SetSymbolic(ctx, fmt.Sprintf("refs/heads/r%d", i), fmt.Sprintf("refs/heads/r%d", i-1)))
	}

	_, err := table.Resolve(ctx, "refs/heads/r3")
	require.NoError(t, err)

	_, err = table.Resolve(ctx, "refs/heads/r4")
	assert.True(t, errors.Is(err, vcserr.ErrReferenceCycle))
}

func TestResolveCycle(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Options{})

	require.NoError(t, table.SetSymbolic(ctx, "refs/heads/a", "refs/heads/b"))
	require.NoError(t, table.SetSymbolic(ctx, "refs/heads/b", "refs/heads/c"))
	require.NoError(t, table.SetSymbolic(ctx, "refs/heads/c", "refs/heads/a"))

	_, err := table.Resolve(ctx, "refs/heads/a")
	assert.Equal(t, vcserr.KindReferenceCycle, vcserr.KindOf(err))

	_, err = table.ResolveName(ctx, "refs/heads/b")
	assert.Equal(t, vcserr.KindReferenceCycle, vcserr.KindOf(err))
}

func TestSetRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Options{})

	err := table.SetDirect(ctx, "main", hashA)
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	err = table.SetDirect(ctx, "refs/heads/main", "")
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	err = table.SetSymbolic(ctx, "refs/heads/a", "refs/heads/a")
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	err = table.SetSymbolic(ctx, HEAD, "refs/heads/bad..name")
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Options{})
	name := "refs/heads/main"

	require.NoError(t, table.CompareAndSwap(ctx, name, "", hashA))

	err := table.CompareAndSwap(ctx, name, "", hashB)
	assert.True(t, errors.Is(err, vcserr.ErrConcurrentUpdate))
	assert.True(t, vcserr.IsRetryable(err))

	err = table.CompareAndSwap(ctx, name, hashB, hashA)
	assert.True(t, errors.Is(err, vcserr.ErrConcurrentUpdate))

	require.NoError(t, table.CompareAndSwap(ctx, name, hashA, hashB))
	id, err := table.Resolve(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, hashB, id)
}

func TestConcurrentCompareAndSwapSingleWinner(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Options{})
	name := "refs/heads/main"
	require.NoError(t, table.SetDirect(ctx, name, hashA))

	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := object.Hash(fmt.Sprintf("%040x", i+1))
			err := table.CompareAndSwap(ctx, name, hashA, next)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case vcserr.IsRetryable(err):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(15), conflicts)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Options{})

	require.NoError(t, table.SetDirect(ctx, "refs/heads/main", hashA))
	require.NoError(t, table.SetDirect(ctx, "refs/heads/topic", hashA))
	require.NoError(t, table.SetSymbolic(ctx, HEAD, "refs/heads/main"))

	err := table.Delete(ctx, "refs/heads/main")
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	err = table.Delete(ctx, HEAD)
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	require.NoError(t, table.Delete(ctx, "refs/heads/topic"))
	ok, err := table.Exists(ctx, "refs/heads/topic")
	require.NoError(t, err)
	assert.False(t, ok)

	err = table.Delete(ctx, "refs/heads/topic")
	assert.True(t, errors.Is(err, vcserr.ErrNotFound))
}

func TestDeleteThroughIntermediateLink(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Options{})

	require.NoError(t, table.SetDirect(ctx, "refs/heads/main", hashA))
	require.NoError(t, table.SetSymbolic(ctx, "refs/heads/alias", "refs/heads/main"))
	require.NoError(t, table.SetSymbolic(ctx, HEAD, "refs/heads/alias"))

	for _, name := range []string{"refs/heads/alias", "refs/heads/main"} {
		err := table.Delete(ctx, name)
		assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err), name)
	}
}

func TestDeleteWithDetachedHead(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Options{})

	require.NoError(t, table.SetDirect(ctx, "refs/heads/main", hashA))
	require.NoError(t, table.SetDirect(ctx, HEAD, hashA))

	require.NoError(t, table.Delete(ctx, "refs/heads/main"))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Options{})

	require.NoError(t, table.SetDirect(ctx, "refs/heads/zeta", hashA))
	require.NoError(t, table.SetDirect(ctx, "refs/heads/alpha", hashB))
	require.NoError(t, table.SetDirect(ctx, "refs/remotes/origin/main", hashA))
	require.NoError(t, table.SetSymbolic(ctx, HEAD, "refs/heads/alpha"))

	branches, err := table.List(ctx, BranchPrefix)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, "refs/heads/alpha", branches[0].Name)
	assert.Equal(t, "refs/heads/zeta", branches[1].Name)

	all, err := table.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, HEAD, all[0].Name)
}

func TestUpstream(t *testing.T) {
	ctx := context.Background()
	table, backend := newTestTable(t, Options{})

	_, ok, err := table.Upstream(ctx, "refs/heads/main")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, table.SetUpstream(ctx, "refs/heads/main", "refs/remotes/origin/main"))
	remote, ok, err := table.Upstream(ctx, "refs/heads/main")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "refs/remotes/origin/main", remote)

	value, err := backend.GetConfig(ctx, "branch.main.upstream")
	require.NoError(t, err)
	assert.Equal(t, "refs/remotes/origin/main", value)

	require.NoError(t, table.UnsetUpstream(ctx, "refs/heads/main"))
	_, ok, err = table.Upstream(ctx, "refs/heads/main")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, table.UnsetUpstream(ctx, "refs/heads/main"))
}

func TestSetUpstreamPreconditions(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Options{})

	err := table.SetUpstream(ctx, "refs/heads/main", "refs/heads/other")
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	err = table.SetUpstream(ctx, "refs/remotes/origin/x", "refs/remotes/origin/main")
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))
}

func TestUpstreamCorruptLink(t *testing.T) {
	ctx := context.Background()
	table, backend := newTestTable(t, Options{})

	require.NoError(t, backend.SetConfig(ctx, "branch.main.upstream", "refs/heads/other"))

	_, _, err := table.Upstream(ctx, "refs/heads/main")
	assert.Equal(t, vcserr.KindInternalConsistency, vcserr.KindOf(err))
}

func TestUpdateMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	table, _ := newTestTable(t, Options{Metrics: m, RepoID: "r"})

	require.NoError(t, table.CompareAndSwap(ctx, "refs/heads/main", "", hashA))
	_ = table.CompareAndSwap(ctx, "refs/heads/main", "", hashA)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefUpdates.WithLabelValues("r", "cas", metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefUpdates.WithLabelValues("r", "cas", metrics.ResultConflict)))
}

func TestReadsSeeWholeUpdates(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Options{})
	require.NoError(t, table.SetDirect(ctx, "refs/heads/main", hashA))
	require.NoError(t, table.SetSymbolic(ctx, HEAD, "refs/heads/main"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			next := hashA
			if i%2 == 1 {
				next = hashB
			}
			assert.NoError(t, table.SetDirect(ctx, "refs/heads/main", next))
		}
	}()

	for i := 0; i < 500; i++ {
		id, err := table.Resolve(ctx, HEAD)
		require.NoError(t, err)
		assert.Contains(t, []object.Hash{hashA, hashB}, id)
	}
	close(stop)
	wg.Wait()
}
