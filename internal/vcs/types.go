package vcs

// Status reports the working tree state, mirroring `git status --porcelain`.
type Status struct {
	Staged    []string
	Modified  []string
	Deleted   []string
	Untracked []string
}

// Clean reports whether the working tree has no staged or unstaged changes.
func (s Status) Clean() bool {
	return len(s.Staged) == 0 && len(s.Modified) == 0 && len(s.Deleted) == 0 && len(s.Untracked) == 0
}

// WorktreeEntry is one entry of `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path   string
	Branch string // empty when detached
	Head   string
}

// DiffStat summarizes lines added/removed per file.
type DiffStat struct {
	Path      string
	Additions int
	Deletions int
}
