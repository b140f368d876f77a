package refs

import (
	"context"
	"errors"
	"strings"

	"github.com/caiatech/refgraph/datastore"
	"github.com/caiatech/refgraph/pkg/vcserr"
)

// UpstreamConfigKey is the config key holding the upstream of a local branch.
func UpstreamConfigKey(local string) string {
	return "branch." + strings.TrimPrefix(local, BranchPrefix) + ".upstream"
}

// Upstream returns the remote-tracking reference local is linked to. ok is
// false when no link is configured, which is not an error. A stored link
// outside refs/remotes/ is InternalConsistency.
func (t *Table) Upstream(ctx context.Context, local string) (remote string, ok bool, err error) {
	value, err := t.store.GetConfig(ctx, UpstreamConfigKey(local))
	if errors.Is(err, datastore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, translate("refs.upstream", local, err)
	}
	if !strings.HasPrefix(value, RemotePrefix) || ValidateName(value) != nil {
		return "", false, vcserr.Corrupt("refs.upstream", "upstream of %s is %q, not a remote-tracking reference", local, value)
	}
	return value, true, nil
}

// SetUpstream links the local branch to a remote-tracking reference.
func (t *Table) SetUpstream(ctx context.Context, local, remote string) error {
	if Classify(local) != RefTypeBranch {
		return vcserr.Invalid("refs.set_upstream", "%s is not a local branch", local)
	}
	if Classify(remote) != RefTypeRemote {
		return vcserr.Invalid("refs.set_upstream", "%s is not a remote-tracking branch", remote)
	}
	if err := ValidateName(remote); err != nil {
		return err
	}
	return t.write(ctx, "set_upstream", local, func() error {
		return t.store.SetConfig(ctx, UpstreamConfigKey(local), remote)
	})
}

// UnsetUpstream removes the link. Removing a link that does not exist is
// not an error.
func (t *Table) UnsetUpstream(ctx context.Context, local string) error {
	return t.write(ctx, "unset_upstream", local, func() error {
		return t.store.DeleteConfig(ctx, UpstreamConfigKey(local))
	})
}
