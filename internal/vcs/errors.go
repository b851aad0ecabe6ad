package vcs

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the VCS primitive.
var (
	ErrNothingToCommit = errors.New("vcs: nothing to commit")
	ErrRefNotFound     = errors.New("vcs: ref not found")
	ErrDirtyWorkspace  = errors.New("vcs: workspace has uncommitted changes")
	ErrBranchExists    = errors.New("vcs: branch already exists")
	ErrPathExists      = errors.New("vcs: path already exists")
)

// ConflictError is returned by CherryPick when the replay could not be
// applied cleanly. Paths lists the files git reported as conflicting.
type ConflictError struct {
	Paths []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("vcs: conflict in %d file(s): %v", len(e.Paths), e.Paths)
}

// IsConflict reports whether err is (or wraps) a *ConflictError.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
