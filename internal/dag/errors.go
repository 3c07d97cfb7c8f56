package dag

import "errors"

// Usage errors. The operation is rejected and nothing changes.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyTracked     = errors.New("already tracked")
	ErrNotTracked         = errors.New("not tracked")
	ErrInvalidPath        = errors.New("path outside repository")
	ErrAlreadyInitialized = errors.New("repository already initialized")
	ErrNotInitialized     = errors.New("repository not initialized")
	ErrNothingToCommit    = errors.New("nothing to commit")
	ErrAmbiguousRef       = errors.New("ambiguous commit reference")
	ErrDirtyTree          = errors.New("working tree has uncommitted changes")
	ErrLocked             = errors.New("repository locked by another process")
)

// Integrity errors. Local data or a peer's data cannot be trusted; the
// offending operation aborts and a network source is disconnected.
var (
	ErrInvalidParent = errors.New("invalid parent")
	ErrBrokenChain   = errors.New("broken commit chain")
	ErrHashMismatch  = errors.New("hash mismatch")
)

// IsIntegrity reports whether err is a data or protocol integrity violation.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrInvalidParent) ||
		errors.Is(err, ErrBrokenChain) ||
		errors.Is(err, ErrHashMismatch)
}
