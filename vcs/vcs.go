// Package vcs abstracts the git operations the coordinator core needs
// (spec §4.B). The core never invokes git directly; it only calls this
// port, so tests can substitute a fake implementation.
package vcs

import (
	"context"
	"strings"
)

// VCS is the abstract set of version-control operations the coordinator
// requires. Failures are returned as plain errors carrying the underlying
// message; the core classifies them via errs.ClassifyVcsError.
type VCS interface {
	CurrentBranch(ctx context.Context) (string, error)
	BranchExists(ctx context.Context, name string) (bool, error)
	RemoteBranchExists(ctx context.Context, remote, name string) (bool, error)
	IsClean(ctx context.Context) (bool, error)
	Fetch(ctx context.Context, remote, branch string) error
	PullRebase(ctx context.Context, remote, branch string) error
	Add(ctx context.Context, paths []string) error
	Commit(ctx context.Context, message string) error
	Push(ctx context.Context, remote, branch string, setUpstream bool) error
	Checkout(ctx context.Context, branch string) error
	CreateBranch(ctx context.Context, name, start string) error
	DeleteBranch(ctx context.Context, name string, force bool) error
	Merge(ctx context.Context, branch string, ffOnly bool) error
	CommitHash(ctx context.Context, ref string) (string, error)
	MergeBase(ctx context.Context, a, b string) (string, error)
	WorktreeAdd(ctx context.Context, path, branch, start string) error
	WorktreeRemove(ctx context.Context, path string, force bool) error
	WorktreeList(ctx context.Context) ([]Worktree, error)
	Raw(ctx context.Context, args []string) (string, error)
	ShowFileAtRef(ctx context.Context, ref, path string) (string, error)
	ListTreeAtRef(ctx context.Context, ref, dir string) ([]string, error)
}

// Worktree describes one entry from `git worktree list`.
type Worktree struct {
	Path   string
	Branch string
	Head   string
}

// DiffNames returns the file paths that differ between two refs. Used by
// runtime.Coordinator.Done to derive the "actual files changed" set for its
// lane-signal audit record (spec §4.H).
func DiffNames(ctx context.Context, v VCS, from, to string) ([]string, error) {
	out, err := v.Raw(ctx, []string{"diff", "--name-only", from + ".." + to})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
