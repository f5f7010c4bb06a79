package runtime

import (
	"context"
	"fmt"

	"github.com/lumenflow/lumenflow/vcs"
)

// fakeVCS is an in-memory stand-in for vcs.VCS, tracking just enough state
// (branch tips, worktrees, merge bases) to drive the coordinator and merge
// executor through their success and failure paths without shelling out to
// git.
type fakeVCS struct {
	branches   map[string]string // branch -> commit hash
	mergeBase  map[string]string // "a|b" -> base hash
	worktrees  []vcs.Worktree
	current    string

	failMerge     error
	failPush      error
	failWorktree  error
	pushCallCount int
}

func newFakeVCS() *fakeVCS {
	return &fakeVCS{
		branches:  map[string]string{"main": "trunk-0"},
		mergeBase: map[string]string{},
		current:   "main",
	}
}

func (f *fakeVCS) CurrentBranch(ctx context.Context) (string, error) { return f.current, nil }

func (f *fakeVCS) BranchExists(ctx context.Context, name string) (bool, error) {
	_, ok := f.branches[name]
	return ok, nil
}

func (f *fakeVCS) RemoteBranchExists(ctx context.Context, remote, name string) (bool, error) {
	return f.BranchExists(ctx, name)
}

func (f *fakeVCS) IsClean(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeVCS) Fetch(ctx context.Context, remote, branch string) error { return nil }

func (f *fakeVCS) PullRebase(ctx context.Context, remote, branch string) error { return nil }

func (f *fakeVCS) Add(ctx context.Context, paths []string) error { return nil }

func (f *fakeVCS) Commit(ctx context.Context, message string) error { return nil }

func (f *fakeVCS) Push(ctx context.Context, remote, branch string, setUpstream bool) error {
	f.pushCallCount++
	if f.failPush != nil {
		err := f.failPush
		f.failPush = nil
		return err
	}
	return nil
}

func (f *fakeVCS) Checkout(ctx context.Context, branch string) error {
	f.current = branch
	return nil
}

func (f *fakeVCS) CreateBranch(ctx context.Context, name, start string) error {
	f.branches[name] = f.branches[start]
	return nil
}

func (f *fakeVCS) DeleteBranch(ctx context.Context, name string, force bool) error {
	delete(f.branches, name)
	return nil
}

func (f *fakeVCS) Merge(ctx context.Context, branch string, ffOnly bool) error {
	if f.failMerge != nil {
		err := f.failMerge
		f.failMerge = nil
		return err
	}
	head, ok := f.branches[branch]
	if !ok {
		return fmt.Errorf("fakevcs: unknown branch %q", branch)
	}
	f.branches[f.current] = head
	return nil
}

func (f *fakeVCS) CommitHash(ctx context.Context, ref string) (string, error) {
	if hash, ok := f.branches[ref]; ok {
		return hash, nil
	}
	return ref, nil
}

// MergeBase returns the configured merge-base for the pair, or a sentinel
// distinct from any branch tip (i.e. "not merged") when the test hasn't
// configured one.
func (f *fakeVCS) MergeBase(ctx context.Context, a, b string) (string, error) {
	if base, ok := f.mergeBase[a+"|"+b]; ok {
		return base, nil
	}
	if base, ok := f.mergeBase[b+"|"+a]; ok {
		return base, nil
	}
	return "unconfigured-merge-base", nil
}

func (f *fakeVCS) WorktreeAdd(ctx context.Context, path, branch, start string) error {
	if f.failWorktree != nil {
		return f.failWorktree
	}
	f.worktrees = append(f.worktrees, vcs.Worktree{Path: path, Branch: branch, Head: start})
	return nil
}

func (f *fakeVCS) WorktreeRemove(ctx context.Context, path string, force bool) error {
	out := f.worktrees[:0]
	for _, w := range f.worktrees {
		if w.Path != path {
			out = append(out, w)
		}
	}
	f.worktrees = out
	return nil
}

func (f *fakeVCS) WorktreeList(ctx context.Context) ([]vcs.Worktree, error) {
	return f.worktrees, nil
}

func (f *fakeVCS) Raw(ctx context.Context, args []string) (string, error) { return "", nil }

func (f *fakeVCS) ShowFileAtRef(ctx context.Context, ref, path string) (string, error) {
	return "", nil
}

func (f *fakeVCS) ListTreeAtRef(ctx context.Context, ref, dir string) ([]string, error) {
	return nil, nil
}

var _ vcs.VCS = (*fakeVCS)(nil)
