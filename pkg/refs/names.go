package refs

import (
	"strings"

	"github.com/caiatech/refgraph/pkg/vcserr"
)

// Well-known names and namespaces.
const (
	HEAD         = "HEAD"
	BranchPrefix = "refs/heads/"
	RemotePrefix = "refs/remotes/"
	TagPrefix    = "refs/tags/"
)

type RefType string

const (
	RefTypeBranch RefType = "branch"
	RefTypeRemote RefType = "remote"
	RefTypeTag    RefType = "tag"
	RefTypeOther  RefType = "other"
)

// Classify reports which namespace name lives in.
func Classify(name string) RefType {
	switch {
	case strings.HasPrefix(name, BranchPrefix):
		return RefTypeBranch
	case strings.HasPrefix(name, RemotePrefix):
		return RefTypeRemote
	case strings.HasPrefix(name, TagPrefix):
		return RefTypeTag
	default:
		return RefTypeOther
	}
}

// DisplayName strips the first occurrence of the local or remote branch
// namespace from name. Only one prefix is removed, and only its first
// occurrence: "refs/heads/refs/heads/x" becomes "refs/heads/x".
func DisplayName(name string) string {
	for _, prefix := range []string{BranchPrefix, RemotePrefix} {
		if i := strings.Index(name, prefix); i >= 0 {
			return name[:i] + name[i+len(prefix):]
		}
	}
	return name
}

// Qualify expands a short branch name. Names already under refs/ and HEAD
// are returned unchanged.
func Qualify(name string) string {
	if name == HEAD || strings.HasPrefix(name, "refs/") {
		return name
	}
	return BranchPrefix + name
}

// ValidateName applies git's reference naming rules. It accepts HEAD and
// anything under refs/.
func ValidateName(name string) error {
	if name == HEAD {
		return nil
	}
	if !strings.HasPrefix(name, "refs/") || len(name) == len("refs/") {
		return vcserr.Invalid("refs.validate", "reference name %q must be HEAD or start with refs/", name)
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return vcserr.Invalid("refs.validate", "reference name %q has a forbidden ending", name)
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "@{") {
		return vcserr.Invalid("refs.validate", "reference name %q contains a forbidden sequence", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return vcserr.Invalid("refs.validate", "reference name %q contains %q", name, r)
		}
	}
	for _, component := range strings.Split(name, "/") {
		if strings.HasPrefix(component, ".") {
			return vcserr.Invalid("refs.validate", "reference name %q has a component starting with '.'", name)
		}
	}
	return nil
}
