package core

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/caiatech/refgraph/pkg/events"
	"github.com/caiatech/refgraph/pkg/object"
	"github.com/caiatech/refgraph/pkg/refs"
	"github.com/caiatech/refgraph/pkg/vcserr"
)

// Commit is a view of a stored commit. Branch, when set, is the branch the
// commit was reached from and is for display only.
type Commit struct {
	id     object.Hash
	raw    *object.Commit
	branch *Branch
}

func (c *Commit) ID() object.Hash             { return c.id }
func (c *Commit) Tree() object.Hash           { return c.raw.TreeHash }
func (c *Commit) Author() object.Signature    { return c.raw.Author }
func (c *Commit) Committer() object.Signature { return c.raw.Committer }
func (c *Commit) Message() string             { return c.raw.Message }
func (c *Commit) Summary() string             { return c.raw.Summary() }
func (c *Commit) Time() time.Time             { return c.raw.Committer.When }
func (c *Commit) Branch() *Branch             { return c.branch }
func (c *Commit) Object() *object.Commit      { return c.raw }
func (c *Commit) Parents() []object.Hash      { return append([]object.Hash(nil), c.raw.Parents...) }
func (c *Commit) String() string              { return c.id.Short() + " " + c.Summary() }

// Commit loads a commit by identifier or unambiguous abbreviation.
func (r *Repository) Commit(ctx context.Context, id string) (*Commit, error) {
	full, err := r.objects.Expand(ctx, id)
	if err != nil {
		return nil, err
	}
	raw, err := r.objects.ReadCommit(ctx, full)
	if err != nil {
		return nil, err
	}
	return &Commit{id: full, raw: raw}, nil
}

// CreateCommit snapshots the index into a tree and records a commit on top
// of whatever HEAD points at, then moves that reference to it. On an empty
// repository the commit has no parents. If another writer moves the
// reference first the call fails with ConcurrentUpdate and nothing is
// repointed.
func (r *Repository) CreateCommit(ctx context.Context, author object.Signature, message string) (*Commit, error) {
	var out *Commit
	err := r.run(ctx, "commit", func() error {
		if strings.TrimSpace(message) == "" {
			return vcserr.Invalid("core.commit", "empty commit message")
		}
		if !utf8.ValidString(message) {
			return vcserr.Invalid("core.commit", "commit message is not valid UTF-8")
		}
		if err := author.Validate(); err != nil {
			return vcserr.Invalid("core.commit", "%w", err)
		}

		tree, err := r.worktree.SnapshotIndex(ctx, r.objects)
		if err != nil {
			return err
		}
		treeID, err := r.objects.Write(ctx, tree)
		if err != nil {
			return err
		}

		target, err := r.refs.ResolveName(ctx, refs.HEAD)
		if err != nil {
			return err
		}
		parent, err := r.refs.Resolve(ctx, target)
		if err != nil && !errors.Is(err, vcserr.ErrNotFound) {
			return err
		}

		sig := author
		sig.When = r.now()
		commit := object.NewCommit(treeID, sig, message)
		if !parent.IsZero() {
			commit.AddParent(parent)
		}
		id, err := r.objects.Write(ctx, commit)
		if err != nil {
			return err
		}

		if r.beforeRepoint != nil {
			r.beforeRepoint()
		}
		if err := r.refs.CompareAndSwap(ctx, target, parent, id); err != nil {
			return err
		}

		out = &Commit{id: id, raw: commit}
		if target != refs.HEAD {
			out.branch, _ = r.branchView(target)
		}
		r.metrics.Commits.WithLabelValues(r.id).Inc()
		r.publish(events.CommitCreated, target, parent, id)
		r.logger.WithFields(map[string]interface{}{
			"commit": string(id),
			"ref":    target,
			"parent": string(parent),
		}).Info("commit created")
		return nil
	})
	return out, err
}

// CreateCommitWithRetry calls CreateCommit until it stops failing with
// ConcurrentUpdate or attempts run out. attempts <= 0 uses the configured
// retry count.
func (r *Repository) CreateCommitWithRetry(ctx context.Context, author object.Signature, message string, attempts int) (*Commit, error) {
	if attempts <= 0 {
		attempts = r.commitRetries
	}

	var err error
	for i := 0; i < attempts; i++ {
		var c *Commit
		c, err = r.CreateCommit(ctx, author, message)
		if err == nil || !vcserr.IsRetryable(err) {
			return c, err
		}
		r.logger.WithField("attempt", i+1).Debug("commit lost a race, retrying")
	}
	return nil, err
}

// Reset repoints branch at the tip of its own history. An unborn branch is
// left alone. When branch is checked out the index is realigned to the
// tip's tree and, for a hard reset, the worktree is overwritten too.
// History is never deleted.
func (r *Repository) Reset(ctx context.Context, b *Branch, hard bool) error {
	return r.run(ctx, "reset", func() error {
		commits, err := b.Commits(ctx)
		if err != nil {
			return err
		}
		if len(commits) == 0 {
			return nil
		}

		tip := commits[0].ID()
		if err := r.refs.CompareAndSwap(ctx, b.name, tip, tip); err != nil {
			return err
		}

		mode := "mixed"
		if hard {
			mode = "hard"
		}
		r.metrics.Resets.WithLabelValues(r.id, mode).Inc()
		r.publish(events.BranchReset, b.name, tip, tip)

		active, err := b.IsActive(ctx)
		if err != nil || !active {
			return err
		}
		return r.syncWorktree(ctx, tip, hard)
	})
}
