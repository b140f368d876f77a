package core

import (
	"context"
	"errors"
	"strings"

	"github.com/caiatech/refgraph/pkg/events"
	"github.com/caiatech/refgraph/pkg/history"
	"github.com/caiatech/refgraph/pkg/object"
	"github.com/caiatech/refgraph/pkg/refs"
	"github.com/caiatech/refgraph/pkg/storage"
	"github.com/caiatech/refgraph/pkg/vcserr"
)

// BranchKind separates local branches from remote-tracking ones.
type BranchKind int

const (
	LocalBranch BranchKind = iota
	RemoteBranch
)

func (k BranchKind) String() string {
	if k == RemoteBranch {
		return "remote"
	}
	return "local"
}

// Branch is a view of a branch reference. It holds only the name and a
// pointer back to its repository; the tip is read on demand.
type Branch struct {
	repo *Repository
	name string
	kind BranchKind
}

func (r *Repository) branchView(name string) (*Branch, error) {
	switch refs.Classify(name) {
	case refs.RefTypeBranch:
		return &Branch{repo: r, name: name, kind: LocalBranch}, nil
	case refs.RefTypeRemote:
		return &Branch{repo: r, name: name, kind: RemoteBranch}, nil
	default:
		return nil, vcserr.Invalid("core.branch", "%s is not a branch", name)
	}
}

// Name returns the fully qualified reference name.
func (b *Branch) Name() string { return b.name }

// DisplayName returns the name without its branch namespace.
func (b *Branch) DisplayName() string { return refs.DisplayName(b.name) }

// Kind reports whether the branch is local or remote-tracking.
func (b *Branch) Kind() BranchKind { return b.kind }

func (b *Branch) String() string { return b.DisplayName() }

// Tip returns the commit the branch points at. An unborn branch is
// NotFound.
func (b *Branch) Tip(ctx context.Context) (object.Hash, error) {
	return b.repo.refs.Resolve(ctx, b.name)
}

// IsActive reports whether HEAD symbolically resolves to this branch.
// Branches that merely share a tip are not active.
func (b *Branch) IsActive(ctx context.Context) (bool, error) {
	name, err := b.repo.refs.ResolveName(ctx, refs.HEAD)
	if err != nil {
		return false, err
	}
	return name == b.name, nil
}

// IsTrackingRemote reports whether the branch has an upstream that exists.
func (b *Branch) IsTrackingRemote(ctx context.Context) (bool, error) {
	up, err := b.Upstream(ctx)
	return up != nil, err
}

// Upstream returns the remote-tracking branch this branch follows. No
// configured upstream, or an upstream whose reference is gone, yields
// (nil, nil). A link that names something other than a remote-tracking
// branch is InternalConsistency.
func (b *Branch) Upstream(ctx context.Context) (*Branch, error) {
	if b.kind != LocalBranch {
		return nil, nil
	}
	remote, ok, err := b.repo.refs.Upstream(ctx, b.name)
	if err != nil || !ok {
		return nil, err
	}

	exists, err := b.repo.refs.Exists(ctx, remote)
	if err != nil || !exists {
		return nil, err
	}
	return b.repo.branchView(remote)
}

// SetUpstream links this local branch to remote, which must be an existing
// remote-tracking branch.
func (b *Branch) SetUpstream(ctx context.Context, remote *Branch) error {
	return b.repo.run(ctx, "set_upstream", func() error {
		if remote == nil || remote.kind != RemoteBranch {
			return vcserr.Invalid("core.set_upstream", "upstream must be a remote-tracking branch")
		}
		if b.kind != LocalBranch {
			return vcserr.Invalid("core.set_upstream", "%s is not a local branch", b.name)
		}
		if _, err := remote.Tip(ctx); err != nil {
			return err
		}
		return b.repo.refs.SetUpstream(ctx, b.name, remote.name)
	})
}

// UnsetUpstream removes the upstream link, if any.
func (b *Branch) UnsetUpstream(ctx context.Context) error {
	return b.repo.run(ctx, "unset_upstream", func() error {
		return b.repo.refs.UnsetUpstream(ctx, b.name)
	})
}

// Walker returns a fresh history walker starting at the current tip. An
// unborn branch yields a walker with nothing to emit.
func (b *Branch) Walker(ctx context.Context) (*history.Walker, error) {
	tip, err := b.Tip(ctx)
	if errors.Is(err, vcserr.ErrNotFound) {
		return history.NewWalker(b.repo.objects), nil
	}
	if err != nil {
		return nil, err
	}
	return history.NewWalker(b.repo.objects, tip), nil
}

// Commits returns the branch history, newest first. An unborn branch has
// an empty history.
func (b *Branch) Commits(ctx context.Context) ([]*Commit, error) {
	w, err := b.Walker(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := w.Collect(ctx, 0)
	if err != nil {
		return nil, err
	}

	out := make([]*Commit, len(entries))
	for i, e := range entries {
		out[i] = &Commit{id: e.ID, raw: e.Commit, branch: b}
	}
	return out, nil
}

// Reset repoints the branch at the tip of its own history. See
// Repository.Reset.
func (b *Branch) Reset(ctx context.Context, hard bool) error {
	return b.repo.Reset(ctx, b, hard)
}

// Branch looks up a branch by full or short name. Short names are tried as
// local branches first, then as remote-tracking branches.
func (r *Repository) Branch(ctx context.Context, name string) (*Branch, error) {
	candidates := []string{name}
	if !strings.HasPrefix(name, "refs/") {
		candidates = []string{refs.BranchPrefix + name, refs.RemotePrefix + name}
	}

	for _, full := range candidates {
		exists, err := r.refs.Exists(ctx, full)
		if err != nil {
			return nil, err
		}
		if exists {
			return r.branchView(full)
		}
	}
	return nil, vcserr.NotFound("core.branch", name)
}

// Branches lists branches of one kind, sorted by name.
func (r *Repository) Branches(ctx context.Context, kind BranchKind) ([]*Branch, error) {
	prefix := refs.BranchPrefix
	if kind == RemoteBranch {
		prefix = refs.RemotePrefix
	}

	list, err := r.refs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Branch, 0, len(list))
	for _, ref := range list {
		b, err := r.branchView(ref.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// CreateBranch creates a branch at target. Short names become local
// branches; remote-tracking branches are created by passing a full
// refs/remotes/ name. The name must be new and target must be a commit.
func (r *Repository) CreateBranch(ctx context.Context, name string, target object.Hash) (*Branch, error) {
	var b *Branch
	err := r.run(ctx, "create_branch", func() error {
		view, err := r.branchView(refs.Qualify(name))
		if err != nil {
			return err
		}
		if err := refs.ValidateName(view.name); err != nil {
			return err
		}

		if _, err := r.objects.ReadCommit(ctx, target); err != nil {
			if errors.Is(err, vcserr.ErrNotFound) || errors.Is(err, storage.ErrWrongType) {
				return vcserr.Invalid("core.create_branch", "target %s is not an existing commit: %w", target, err)
			}
			return err
		}

		err = r.refs.CompareAndSwap(ctx, view.name, "", target)
		if vcserr.IsRetryable(err) {
			return vcserr.Invalid("core.create_branch", "branch %s already exists", view.name)
		}
		if err != nil {
			return err
		}
		r.publish(events.BranchCreated, view.name, "", target)
		b = view
		return nil
	})
	return b, err
}

// DeleteBranch removes the branch and its upstream link. The checked-out
// branch cannot be deleted. Once the reference is gone the call succeeds
// and a failure to drop the upstream link is only logged.
func (r *Repository) DeleteBranch(ctx context.Context, b *Branch) error {
	return r.run(ctx, "delete_branch", func() error {
		tip, err := b.Tip(ctx)
		if err != nil && !errors.Is(err, vcserr.ErrNotFound) {
			return err
		}
		if err := r.refs.Delete(ctx, b.name); err != nil {
			return err
		}
		r.publish(events.BranchDeleted, b.name, tip, "")
		if b.kind == LocalBranch {
			if err := r.refs.UnsetUpstream(ctx, b.name); err != nil {
				r.logger.WithField("branch", b.name).ErrorWithErr("failed to remove upstream link", err)
			}
		}
		return nil
	})
}
