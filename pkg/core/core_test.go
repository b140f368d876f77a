package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiatech/refgraph/datastore"
	"github.com/caiatech/refgraph/datastore/memory"
	"github.com/caiatech/refgraph/logging"
	"github.com/caiatech/refgraph/metrics"
	"github.com/caiatech/refgraph/pkg/core"
	"github.com/caiatech/refgraph/pkg/events"
	"github.com/caiatech/refgraph/pkg/object"
	"github.com/caiatech/refgraph/pkg/refs"
	"github.com/caiatech/refgraph/pkg/vcserr"
	"github.com/caiatech/refgraph/pkg/workspace"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memory.MemoryStore
	wt    *workspace.BillyWorktree
	repo  *core.Repository
	clock int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: memory.New(datastore.DefaultConfig(datastore.TypeMemory)),
		wt:    workspace.NewMemoryWorktree(),
	}
	repo, err := core.Init(f.ctx, core.Options{
		DataStore: f.store,
		Worktree:  f.wt,
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)
	f.repo = repo

	// Strictly increasing commit times keep history order deterministic.
	core.SetClock(repo, func() time.Time {
		n := atomic.AddInt64(&f.clock, 1)
		return time.Unix(1700000000+n, 0).UTC()
	})
	t.Cleanup(func() { repo.Close() })
	return f
}

func (f *fixture) author() object.Signature {
	sig, err := object.NewSignature("Ada Lovelace", "ada@example.com")
	require.NoError(f.t, err)
	return sig
}

func (f *fixture) write(name, content string) {
	f.t.Helper()
	require.NoError(f.t, util.WriteFile(f.wt.Filesystem(), name, []byte(content), 0o644))
	require.NoError(f.t, f.wt.Stage(name))
}

func (f *fixture) read(name string) string {
	f.t.Helper()
	data, err := util.ReadFile(f.wt.Filesystem(), name)
	require.NoError(f.t, err)
	return string(data)
}

func (f *fixture) commit(msg string) *core.Commit {
	f.t.Helper()
	c, err := f.repo.CreateCommit(f.ctx, f.author(), msg)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) branch(name string) *core.Branch {
	f.t.Helper()
	b, err := f.repo.Branch(f.ctx, name)
	require.NoError(f.t, err)
	return b
}

func TestInitPointsHeadAtUnbornDefaultBranch(t *testing.T) {
	f := newFixture(t)

	head, err := f.repo.Head(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, core.AttachedLocal, head.State)
	assert.True(t, head.Unborn())
	assert.Equal(t, "refs/heads/main", head.Branch.Name())

	ref, err := f.repo.Refs().Get(f.ctx, refs.HEAD)
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", ref.Symbolic)
}

func TestInitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	first := f.commit("first")

	again, err := core.Init(f.ctx, core.Options{DataStore: f.store, DefaultBranch: "other"})
	require.NoError(t, err)
	defer again.Close()

	head, err := again.Head(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", head.Branch.Name())
	assert.Equal(t, first.ID(), head.Target)
	assert.NotEqual(t, f.repo.ID(), again.ID())
}

func TestOpenRequiresInit(t *testing.T) {
	ctx := context.Background()
	store := memory.New(datastore.DefaultConfig(datastore.TypeMemory))

	_, err := core.Open(ctx, core.Options{DataStore: store})
	assert.True(t, errors.Is(err, vcserr.ErrNotFound))

	repo, err := core.Init(ctx, core.Options{DataStore: store})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo, err = core.Open(ctx, core.Options{DataStore: store})
	require.NoError(t, err)
	require.NoError(t, repo.Close())
}

func TestOpenRejectsOtherHashAlgorithm(t *testing.T) {
	ctx := context.Background()
	store := memory.New(datastore.DefaultConfig(datastore.TypeMemory))

	repo, err := core.Init(ctx, core.Options{DataStore: store, Algorithm: object.SHA256})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	_, err = core.Open(ctx, core.Options{DataStore: store, Algorithm: object.SHA1})
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))
}

func TestOpenWithoutDataStore(t *testing.T) {
	_, err := core.Init(context.Background(), core.Options{})
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))
}

func TestFirstCommitIsRoot(t *testing.T) {
	f := newFixture(t)
	f.write("README.md", "hello")

	first := f.commit("initial commit")
	assert.Empty(t, first.Parents())
	assert.Equal(t, "refs/heads/main", first.Branch().Name())
	assert.Equal(t, first.Author().When, first.Committer().When)
	assert.Equal(t, "Ada Lovelace", first.Committer().Name)

	second := f.commit("second commit")
	assert.Equal(t, []object.Hash{first.ID()}, second.Parents())

	tip, err := f.branch("main").Tip(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID(), tip)

	tree, err := f.repo.Objects().ReadTree(f.ctx, first.Tree())
	require.NoError(t, err)
	_, ok := tree.Entry("README.md")
	assert.True(t, ok)
}

func TestCreateCommitValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.CreateCommit(f.ctx, f.author(), "  \n")
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	_, err = f.repo.CreateCommit(f.ctx, object.Signature{Name: "", Email: "x@example.com"}, "msg")
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	_, err = f.repo.CreateCommit(f.ctx, f.author(), "bad \xff byte")
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	_, err = f.repo.Branch(f.ctx, "main")
	assert.True(t, errors.Is(err, vcserr.ErrNotFound), "failed commits must not create the branch")
}

func TestCommitLostRaceThenRetry(t *testing.T) {
	f := newFixture(t)

	var winner *core.Commit
	core.SetBeforeRepoint(f.repo, func() {
		// Another writer lands a commit between the parent read and the swap.
		core.SetBeforeRepoint(f.repo, nil)
		winner = f.commit("winner")
	})

	_, err := f.repo.CreateCommit(f.ctx, f.author(), "loser")
	require.Error(t, err)
	assert.True(t, errors.Is(err, vcserr.ErrConcurrentUpdate))
	assert.True(t, vcserr.IsRetryable(err))
	require.NotNil(t, winner)

	retried := f.commit("loser")
	assert.Equal(t, []object.Hash{winner.ID()}, retried.Parents())

	commits, err := f.branch("main").Commits(f.ctx)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, retried.ID(), commits[0].ID())
	assert.Equal(t, winner.ID(), commits[1].ID())
}

func TestCreateCommitWithRetryRecovers(t *testing.T) {
	f := newFixture(t)

	races := 2
	var hook func()
	hook = func() {
		core.SetBeforeRepoint(f.repo, nil)
		f.commit(fmt.Sprintf("interloper %d", races))
		races--
		if races > 0 {
			core.SetBeforeRepoint(f.repo, hook)
		}
	}
	core.SetBeforeRepoint(f.repo, hook)

	c, err := f.repo.CreateCommitWithRetry(f.ctx, f.author(), "persistent", 5)
	require.NoError(t, err)
	assert.Len(t, c.Parents(), 1)

	commits, err := f.branch("main").Commits(f.ctx)
	require.NoError(t, err)
	assert.Len(t, commits, 3)
	assert.Equal(t, "persistent", commits[0].Message())
}

func TestCreateCommitWithRetryGivesUp(t *testing.T) {
	f := newFixture(t)

	var hook func()
	hook = func() {
		core.SetBeforeRepoint(f.repo, nil)
		f.commit("interloper")
		core.SetBeforeRepoint(f.repo, hook)
	}
	core.SetBeforeRepoint(f.repo, hook)

	_, err := f.repo.CreateCommitWithRetry(f.ctx, f.author(), "never lands", 3)
	assert.True(t, vcserr.IsRetryable(err))
}

func TestCreateCommitWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.CreateCommitWithRetry(f.ctx, f.author(), "", 5)
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))
}

func TestConcurrentCommitsFormLinearHistory(t *testing.T) {
	f := newFixture(t)

	const writers = 12
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.repo.CreateCommitWithRetry(f.ctx, f.author(), fmt.Sprintf("commit %d", i), 1000)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	commits, err := f.branch("main").Commits(f.ctx)
	require.NoError(t, err)
	require.Len(t, commits, writers)

	for i, c := range commits {
		if i == len(commits)-1 {
			assert.Empty(t, c.Parents())
			continue
		}
		assert.Equal(t, []object.Hash{commits[i+1].ID()}, c.Parents())
	}
}

func TestIsActiveComparesNames(t *testing.T) {
	f := newFixture(t)
	first := f.commit("first")

	_, err := f.repo.CreateBranch(f.ctx, "twin", first.ID())
	require.NoError(t, err)

	main, twin := f.branch("main"), f.branch("twin")
	mainTip, _ := main.Tip(f.ctx)
	twinTip, _ := twin.Tip(f.ctx)
	assert.Equal(t, mainTip, twinTip)

	active, err := main.IsActive(f.ctx)
	require.NoError(t, err)
	assert.True(t, active)

	active, err = twin.IsActive(f.ctx)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, f.repo.Detach(f.ctx, first.ID()))
	active, err = main.IsActive(f.ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestUpstream(t *testing.T) {
	f := newFixture(t)
	first := f.commit("first")
	main := f.branch("main")

	up, err := main.Upstream(f.ctx)
	require.NoError(t, err)
	assert.Nil(t, up)
	tracking, err := main.IsTrackingRemote(f.ctx)
	require.NoError(t, err)
	assert.False(t, tracking)

	remote, err := f.repo.CreateBranch(f.ctx, "refs/remotes/origin/main", first.ID())
	require.NoError(t, err)
	assert.Equal(t, core.RemoteBranch, remote.Kind())
	assert.Equal(t, "origin/main", remote.DisplayName())

	require.NoError(t, main.SetUpstream(f.ctx, remote))
	up, err = main.Upstream(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, "refs/remotes/origin/main", up.Name())
	tracking, err = main.IsTrackingRemote(f.ctx)
	require.NoError(t, err)
	assert.True(t, tracking)

	// Removing the remote-tracking ref leaves a dangling link.
	require.NoError(t, f.repo.DeleteBranch(f.ctx, remote))
	up, err = main.Upstream(f.ctx)
	require.NoError(t, err)
	assert.Nil(t, up)
}

func TestSetUpstreamRequiresRemoteBranch(t *testing.T) {
	f := newFixture(t)
	first := f.commit("first")
	other, err := f.repo.CreateBranch(f.ctx, "other", first.ID())
	require.NoError(t, err)

	err = f.branch("main").SetUpstream(f.ctx, other)
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	err = f.branch("main").SetUpstream(f.ctx, nil)
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))
}

func TestUpstreamCorruptLink(t *testing.T) {
	f := newFixture(t)
	f.commit("first")

	require.NoError(t, f.store.SetConfig(f.ctx, refs.UpstreamConfigKey("refs/heads/main"), "refs/heads/elsewhere"))

	_, err := f.branch("main").Upstream(f.ctx)
	assert.Equal(t, vcserr.KindInternalConsistency, vcserr.KindOf(err))
}

func TestResetUnbornBranchIsNoop(t *testing.T) {
	f := newFixture(t)

	head, err := f.repo.Head(f.ctx)
	require.NoError(t, err)
	require.NoError(t, head.Branch.Reset(f.ctx, false))
	require.NoError(t, head.Branch.Reset(f.ctx, true))

	_, err = head.Branch.Tip(f.ctx)
	assert.True(t, errors.Is(err, vcserr.ErrNotFound))
}

func TestResetMixedRealignsIndexOnly(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "committed")
	c := f.commit("first")

	f.write("a.txt", "edited")
	f.write("new.txt", "staged only")

	require.NoError(t, f.branch("main").Reset(f.ctx, false))

	assert.Equal(t, []string{"a.txt"}, f.wt.Staged())
	assert.Equal(t, "edited", f.read("a.txt"))

	tip, err := f.branch("main").Tip(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, c.ID(), tip)
}

func TestResetHardOverwritesWorktree(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "committed")
	f.commit("first")

	f.write("a.txt", "edited")
	f.write("new.txt", "staged only")

	require.NoError(t, f.branch("main").Reset(f.ctx, true))

	assert.Equal(t, "committed", f.read("a.txt"))
	assert.Equal(t, []string{"a.txt"}, f.wt.Staged())
	_, err := f.wt.Filesystem().Stat("new.txt")
	assert.Error(t, err)
}

func TestResetInactiveBranchLeavesWorktree(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "v1")
	first := f.commit("first")
	other, err := f.repo.CreateBranch(f.ctx, "other", first.ID())
	require.NoError(t, err)

	f.write("a.txt", "v2")
	require.NoError(t, other.Reset(f.ctx, true))
	assert.Equal(t, "v2", f.read("a.txt"))
}

func TestResetNeverDeletesHistory(t *testing.T) {
	f := newFixture(t)
	f.commit("one")
	f.commit("two")

	before, err := f.repo.Objects().Len(f.ctx)
	require.NoError(t, err)
	require.NoError(t, f.branch("main").Reset(f.ctx, true))
	after, err := f.repo.Objects().Len(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	commits, err := f.branch("main").Commits(f.ctx)
	require.NoError(t, err)
	assert.Len(t, commits, 2)
}

func TestCheckoutAndDetach(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "v1")
	first := f.commit("first")
	feature, err := f.repo.CreateBranch(f.ctx, "feature", first.ID())
	require.NoError(t, err)

	f.write("a.txt", "v2")
	f.write("b.txt", "only on main")
	second := f.commit("second")

	require.NoError(t, f.repo.Checkout(f.ctx, feature))
	assert.Equal(t, "v1", f.read("a.txt"))
	_, err = f.wt.Filesystem().Stat("b.txt")
	assert.Error(t, err)

	head, err := f.repo.Head(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, core.AttachedLocal, head.State)
	assert.Equal(t, "refs/heads/feature", head.Branch.Name())

	require.NoError(t, f.repo.Detach(f.ctx, second.ID()))
	head, err = f.repo.Head(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, core.Detached, head.State)
	assert.Nil(t, head.Branch)
	assert.Equal(t, "only on main", f.read("b.txt"))

	// Commits on a detached HEAD move HEAD only.
	detached := f.commit("detached work")
	assert.Nil(t, detached.Branch())
	head, err = f.repo.Head(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, detached.ID(), head.Target)

	mainTip, err := f.branch("main").Tip(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID(), mainTip)
}

func TestCheckoutRemoteBranchRefused(t *testing.T) {
	f := newFixture(t)
	first := f.commit("first")
	remote, err := f.repo.CreateBranch(f.ctx, "refs/remotes/origin/main", first.ID())
	require.NoError(t, err)

	err = f.repo.Checkout(f.ctx, remote)
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))
}

func TestCreateBranchPreconditions(t *testing.T) {
	f := newFixture(t)
	first := f.commit("first")

	_, err := f.repo.CreateBranch(f.ctx, "main", first.ID())
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	_, err = f.repo.CreateBranch(f.ctx, "ghost", object.Hash("0123456789012345678901234567890123456789"))
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	_, err = f.repo.CreateBranch(f.ctx, "tree", first.Tree())
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	_, err = f.repo.CreateBranch(f.ctx, "refs/tags/v1", first.ID())
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	_, err = f.repo.CreateBranch(f.ctx, "bad..name", first.ID())
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))
}

func TestBranchLookupAndListing(t *testing.T) {
	f := newFixture(t)
	first := f.commit("first")
	_, err := f.repo.CreateBranch(f.ctx, "feature/login", first.ID())
	require.NoError(t, err)
	_, err = f.repo.CreateBranch(f.ctx, "refs/remotes/origin/main", first.ID())
	require.NoError(t, err)

	b := f.branch("feature/login")
	assert.Equal(t, "refs/heads/feature/login", b.Name())
	assert.Equal(t, "feature/login", b.DisplayName())

	r := f.branch("origin/main")
	assert.Equal(t, core.RemoteBranch, r.Kind())

	_, err = f.repo.Branch(f.ctx, "nope")
	assert.True(t, errors.Is(err, vcserr.ErrNotFound))

	locals, err := f.repo.Branches(f.ctx, core.LocalBranch)
	require.NoError(t, err)
	require.Len(t, locals, 2)
	assert.Equal(t, "feature/login", locals[0].DisplayName())
	assert.Equal(t, "main", locals[1].DisplayName())

	remotes, err := f.repo.Branches(f.ctx, core.RemoteBranch)
	require.NoError(t, err)
	require.Len(t, remotes, 1)
}

func TestDeleteBranch(t *testing.T) {
	f := newFixture(t)
	first := f.commit("first")
	topic, err := f.repo.CreateBranch(f.ctx, "topic", first.ID())
	require.NoError(t, err)
	remote, err := f.repo.CreateBranch(f.ctx, "refs/remotes/origin/topic", first.ID())
	require.NoError(t, err)
	require.NoError(t, topic.SetUpstream(f.ctx, remote))

	err = f.repo.DeleteBranch(f.ctx, f.branch("main"))
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	require.NoError(t, f.repo.DeleteBranch(f.ctx, topic))
	_, err = f.repo.Branch(f.ctx, "topic")
	assert.True(t, errors.Is(err, vcserr.ErrNotFound))

	_, err = f.store.GetConfig(f.ctx, refs.UpstreamConfigKey("refs/heads/topic"))
	assert.True(t, errors.Is(err, datastore.ErrNotFound))

	err = f.repo.DeleteBranch(f.ctx, topic)
	assert.True(t, errors.Is(err, vcserr.ErrNotFound))
}

func TestDeleteBranchSurfacesResolveErrors(t *testing.T) {
	f := newFixture(t)
	first := f.commit("first")
	loop, err := f.repo.CreateBranch(f.ctx, "loop", first.ID())
	require.NoError(t, err)
	require.NoError(t, f.store.PutRef(f.ctx, "refs/heads/loop", datastore.RefEntry{Symbolic: "refs/heads/loop"}))

	err = f.repo.DeleteBranch(f.ctx, loop)
	assert.Equal(t, vcserr.KindReferenceCycle, vcserr.KindOf(err))

	_, err = f.store.GetRef(f.ctx, "refs/heads/loop")
	assert.NoError(t, err, "a failed delete must leave the reference in place")
}

func TestDeleteActiveBranchKeepsUpstream(t *testing.T) {
	f := newFixture(t)
	first := f.commit("first")
	remote, err := f.repo.CreateBranch(f.ctx, "refs/remotes/origin/main", first.ID())
	require.NoError(t, err)
	require.NoError(t, f.branch("main").SetUpstream(f.ctx, remote))

	err = f.repo.DeleteBranch(f.ctx, f.branch("main"))
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))

	up, err := f.branch("main").Upstream(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, "refs/remotes/origin/main", up.Name())
}

// configFailStore refuses config deletes so upstream cleanup fails after
// the reference itself is gone.
type configFailStore struct {
	datastore.DataStore
}

func (configFailStore) DeleteConfig(context.Context, string) error {
	return errors.New("config backend unavailable")
}

func TestDeleteBranchSucceedsWhenUpstreamCleanupFails(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(datastore.DefaultConfig(datastore.TypeMemory))
	repo, err := core.Init(ctx, core.Options{
		DataStore: configFailStore{backend},
		Worktree:  workspace.NewMemoryWorktree(),
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	sig, err := object.NewSignature("Ada Lovelace", "ada@example.com")
	require.NoError(t, err)
	first, err := repo.CreateCommit(ctx, sig, "first")
	require.NoError(t, err)

	topic, err := repo.CreateBranch(ctx, "topic", first.ID())
	require.NoError(t, err)
	remote, err := repo.CreateBranch(ctx, "refs/remotes/origin/topic", first.ID())
	require.NoError(t, err)
	require.NoError(t, topic.SetUpstream(ctx, remote))

	require.NoError(t, repo.DeleteBranch(ctx, topic))
	_, err = repo.Branch(ctx, "topic")
	assert.True(t, errors.Is(err, vcserr.ErrNotFound))
}

func TestCommitsCarryBranchBackReference(t *testing.T) {
	f := newFixture(t)
	f.commit("one")
	f.commit("two\n\nwith a body")

	commits, err := f.branch("main").Commits(f.ctx)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "two", commits[0].Summary())
	for _, c := range commits {
		assert.Equal(t, "refs/heads/main", c.Branch().Name())
	}
}

func TestCommitLookupByAbbreviation(t *testing.T) {
	f := newFixture(t)
	c := f.commit("findable")

	got, err := f.repo.Commit(f.ctx, string(c.ID()[:8]))
	require.NoError(t, err)
	assert.Equal(t, c.ID(), got.ID())
	assert.Nil(t, got.Branch())
}

func TestWalkerSnapshotsTip(t *testing.T) {
	f := newFixture(t)
	f.commit("one")

	w, err := f.branch("main").Walker(f.ctx)
	require.NoError(t, err)
	f.commit("two")

	entries, err := w.Collect(f.ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOperationMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	repo, err := core.Init(ctx, core.Options{
		DataStore: memory.New(datastore.DefaultConfig(datastore.TypeMemory)),
		Metrics:   m,
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)
	defer repo.Close()

	sig, err := object.NewSignature("Ada", "ada@example.com")
	require.NoError(t, err)
	_, err = repo.CreateCommit(ctx, sig, "counted")
	require.NoError(t, err)

	b, err := repo.Branch(ctx, "main")
	require.NoError(t, err)
	require.NoError(t, b.Reset(ctx, true))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commits.WithLabelValues(repo.ID())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resets.WithLabelValues(repo.ID(), "hard")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RefUpdates.WithLabelValues(repo.ID(), "cas", metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefUpdates.WithLabelValues(repo.ID(), "set_symbolic", metrics.ResultOK)))
}

func TestClosedRepository(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.Close())
	require.NoError(t, f.repo.Close())

	_, err := f.repo.CreateCommit(f.ctx, f.author(), "too late")
	assert.Equal(t, vcserr.KindInvalidOperation, vcserr.KindOf(err))
}

func TestReferenceChangesArePublished(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var got []events.Event
	_, err := f.repo.Events().Subscribe("", func(ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)

	first := f.commit("first")
	second := f.commit("second")
	topic, err := f.repo.CreateBranch(f.ctx, "topic", first.ID())
	require.NoError(t, err)
	require.NoError(t, f.branch("main").Reset(f.ctx, false))
	require.NoError(t, f.repo.Checkout(f.ctx, topic))
	require.NoError(t, f.repo.Checkout(f.ctx, f.branch("main")))
	require.NoError(t, f.repo.DeleteBranch(f.ctx, topic))

	// Close drains the repository-owned bus.
	require.NoError(t, f.repo.Close())

	want := []events.Event{
		{Type: events.CommitCreated, Ref: "refs/heads/main", New: first.ID()},
		{Type: events.CommitCreated, Ref: "refs/heads/main", Old: first.ID(), New: second.ID()},
		{Type: events.BranchCreated, Ref: "refs/heads/topic", New: first.ID()},
		{Type: events.BranchReset, Ref: "refs/heads/main", Old: second.ID(), New: second.ID()},
		{Type: events.HeadMoved, Ref: "HEAD", New: first.ID()},
		{Type: events.HeadMoved, Ref: "HEAD", New: second.ID()},
		{Type: events.BranchDeleted, Ref: "refs/heads/topic", Old: first.ID()},
	}
	require.Len(t, got, len(want))
	for i, ev := range got {
		assert.Equal(t, want[i].Type, ev.Type, "event %d", i)
		assert.Equal(t, want[i].Ref, ev.Ref, "event %d", i)
		assert.Equal(t, want[i].Old, ev.Old, "event %d", i)
		assert.Equal(t, want[i].New, ev.New, "event %d", i)
		assert.Equal(t, f.repo.ID(), ev.Repository)
	}
}

func TestSharedEventBusOutlivesRepository(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(0, logging.Nop())
	defer bus.Close()

	repo, err := core.Init(ctx, core.Options{
		DataStore: memory.New(datastore.DefaultConfig(datastore.TypeMemory)),
		Logger:    logging.Nop(),
		Events:    bus,
	})
	require.NoError(t, err)
	assert.Same(t, bus, repo.Events())
	require.NoError(t, repo.Close())

	_, err = bus.Subscribe("", func(events.Event) error { return nil })
	assert.NoError(t, err)
}

func TestCurrentBranch(t *testing.T) {
	f := newFixture(t)
	c := f.commit("first")

	b, err := f.repo.CurrentBranch(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "main", b.DisplayName())

	require.NoError(t, f.repo.Detach(f.ctx, c.ID()))
	b, err = f.repo.CurrentBranch(f.ctx)
	require.NoError(t, err)
	assert.Nil(t, b)
}
