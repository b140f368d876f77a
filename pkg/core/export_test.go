package core

import "time"

// SetBeforeRepoint installs a hook that runs after CreateCommit has read the
// parent and before it swaps the reference.
func SetBeforeRepoint(r *Repository, fn func()) {
	r.beforeRepoint = fn
}

// SetClock replaces the commit timestamp source.
func SetClock(r *Repository, now func() time.Time) {
	r.now = now
}
