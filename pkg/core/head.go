package core

import (
	"context"
	"errors"

	"github.com/caiatech/refgraph/pkg/events"
	"github.com/caiatech/refgraph/pkg/object"
	"github.com/caiatech/refgraph/pkg/refs"
	"github.com/caiatech/refgraph/pkg/vcserr"
)

// HeadState describes what HEAD points at.
type HeadState int

const (
	Detached HeadState = iota
	AttachedLocal
	AttachedRemote
)

func (s HeadState) String() string {
	switch s {
	case AttachedLocal:
		return "attached"
	case AttachedRemote:
		return "attached-remote"
	default:
		return "detached"
	}
}

// Head is a point-in-time reading of HEAD. Branch is nil when detached;
// Target is empty on an unborn branch.
type Head struct {
	State  HeadState
	Branch *Branch
	Target object.Hash
}

// Unborn reports whether HEAD names a branch that has no commits yet.
func (h Head) Unborn() bool {
	return h.Target.IsZero()
}

// Head reads HEAD.
func (r *Repository) Head(ctx context.Context) (Head, error) {
	name, err := r.refs.ResolveName(ctx, refs.HEAD)
	if err != nil {
		return Head{}, err
	}

	target, err := r.refs.Resolve(ctx, name)
	if err != nil && !errors.Is(err, vcserr.ErrNotFound) {
		return Head{}, err
	}

	if name == refs.HEAD {
		if target.IsZero() {
			return Head{}, vcserr.NotFound("core.head", refs.HEAD)
		}
		return Head{State: Detached, Target: target}, nil
	}

	b, err := r.branchView(name)
	if err != nil {
		return Head{}, vcserr.Corrupt("core.head", "HEAD resolves to %s: %w", name, err)
	}
	state := AttachedLocal
	if b.kind == RemoteBranch {
		state = AttachedRemote
	}
	return Head{State: state, Branch: b, Target: target}, nil
}

// CurrentBranch returns the checked-out branch, or nil when HEAD is
// detached.
func (r *Repository) CurrentBranch(ctx context.Context) (*Branch, error) {
	head, err := r.Head(ctx)
	if err != nil {
		return nil, err
	}
	return head.Branch, nil
}

// Checkout attaches HEAD to a local branch and updates the worktree and
// index to its tip. Checking out an unborn branch only moves HEAD.
func (r *Repository) Checkout(ctx context.Context, b *Branch) error {
	return r.run(ctx, "checkout", func() error {
		if b.kind != LocalBranch {
			return vcserr.Invalid("core.checkout", "%s is remote-tracking; detach at its tip instead", b.name)
		}

		tip, err := b.Tip(ctx)
		switch {
		case errors.Is(err, vcserr.ErrNotFound):
		case err != nil:
			return err
		default:
			if err := r.syncWorktree(ctx, tip, true); err != nil {
				return err
			}
		}
		if err := r.refs.SetSymbolic(ctx, refs.HEAD, b.name); err != nil {
			return err
		}
		r.publish(events.HeadMoved, refs.HEAD, "", tip)
		return nil
	})
}

// Detach points HEAD directly at a commit and updates the worktree and
// index to it.
func (r *Repository) Detach(ctx context.Context, id object.Hash) error {
	return r.run(ctx, "detach", func() error {
		if err := r.syncWorktree(ctx, id, true); err != nil {
			return err
		}
		if err := r.refs.SetDirect(ctx, refs.HEAD, id); err != nil {
			return err
		}
		r.publish(events.HeadMoved, refs.HEAD, "", id)
		return nil
	})
}

// syncWorktree realigns the index to the commit's tree, overwriting files
// first when hard is set.
func (r *Repository) syncWorktree(ctx context.Context, id object.Hash, hard bool) error {
	commit, err := r.objects.ReadCommit(ctx, id)
	if err != nil {
		return err
	}
	tree, err := r.objects.ReadTree(ctx, commit.TreeHash)
	if err != nil {
		return err
	}

	if hard {
		if err := r.worktree.Materialize(ctx, r.objects, tree); err != nil {
			return err
		}
	}
	return r.worktree.RealignIndex(ctx, r.objects, tree)
}
