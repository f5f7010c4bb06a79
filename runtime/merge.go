// Package runtime implements the coordinator core: the atomic merge
// executor (spec §4.G) and the WU lifecycle coordinator (spec §4.H) built
// on top of the vcs, eventlog, and lanelock ports.
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lumenflow/lumenflow/errs"
	"github.com/lumenflow/lumenflow/vcs"
)

// ErrMergeConflict is surfaced when a fast-forward merge cannot be made to
// succeed even after one rebase-retry (spec §4.G step 3).
var ErrMergeConflict = errors.New("runtime: merge conflict")

// AfterMergeFunc is the caller-supplied closure invoked with the scratch
// worktree bound VCS adapter (spec §4.G step 4). It writes metadata,
// stages, and commits; it does not push.
type AfterMergeFunc func(ctx context.Context, worktreePath string, wt vcs.VCS) error

// WorktreeFactory binds a VCS port implementation to a different working
// directory, the operation GitVCS.WithDir performs. Abstracted so
// MergeExecutor can be tested against a fake VCS.
type WorktreeFactory func(dir string) vcs.VCS

// MergeExecutor merges a lane branch into trunk through a disposable
// scratch worktree, guaranteeing the caller's live trunk checkout is never
// left broken (spec §4.G).
type MergeExecutor struct {
	// Trunk is the trunk VCS adapter the caller is working against.
	Trunk vcs.VCS
	// ScratchRoot is the directory new scratch worktrees are created under.
	ScratchRoot string
	// WithDir rebinds Trunk to a new working directory for the scratch
	// worktree.
	WithDir WorktreeFactory
	// TrunkBranch names the trunk branch (e.g. "main").
	TrunkBranch string
	// Remote is the remote name used for fetch/push (e.g. "origin").
	Remote string
	// MaxPushRetries bounds the rebase-retry loop in step 5.
	MaxPushRetries int
}

// snapshot captures a file's prior content for rollback.
type snapshot struct {
	path    string
	existed bool
	content []byte
}

// WithAtomicMerge runs the full merge procedure of spec §4.G. affectedPaths
// names the files the after closure is expected to write, relative to
// worktreePath unless already absolute; their prior contents are snapshotted
// before the closure runs and restored if any later step fails. On any
// failure in steps 3-5, the scratch worktree is removed; the caller's live
// trunk is never touched directly.
func (m *MergeExecutor) WithAtomicMerge(ctx context.Context, wuID, laneBranch string, affectedPaths []string, after AfterMergeFunc) error {
	token, err := randomToken()
	if err != nil {
		return fmt.Errorf("runtime: generate scratch token: %w", err)
	}
	worktreePath := filepath.Join(m.ScratchRoot, fmt.Sprintf("merge-%s-%d-%s", wuID, time.Now().UnixNano(), token))

	trunkHead, err := m.Trunk.CommitHash(ctx, m.TrunkBranch)
	if err != nil {
		return fmt.Errorf("runtime: resolve trunk head: %w", err)
	}
	if err := m.Trunk.WorktreeAdd(ctx, worktreePath, "", trunkHead); err != nil {
		return fmt.Errorf("runtime: create scratch worktree: %w", err)
	}

	scratch := m.WithDir(worktreePath)

	cleanup := func() {
		_ = m.Trunk.WorktreeRemove(ctx, worktreePath, true)
	}

	if err := m.ffMergeWithRebaseRetry(ctx, scratch, laneBranch); err != nil {
		cleanup()
		return err
	}

	snaps, err := snapshotFiles(resolvePaths(worktreePath, affectedPaths))
	if err != nil {
		cleanup()
		return fmt.Errorf("runtime: snapshot affected files: %w", err)
	}

	if after != nil {
		if err := after(ctx, worktreePath, scratch); err != nil {
			restoreFiles(snaps)
			cleanup()
			return fmt.Errorf("runtime: after_merge closure failed: %w", err)
		}
	}

	if err := m.pushWithRebaseRetry(ctx, scratch); err != nil {
		restoreFiles(snaps)
		cleanup()
		return err
	}

	cleanup()
	return nil
}

// resolvePaths joins each relative path onto root, leaving absolute paths
// untouched.
func resolvePaths(root string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if filepath.IsAbs(p) {
			out[i] = p
		} else {
			out[i] = filepath.Join(root, p)
		}
	}
	return out
}

func (m *MergeExecutor) ffMergeWithRebaseRetry(ctx context.Context, scratch vcs.VCS, laneBranch string) error {
	err := scratch.Merge(ctx, laneBranch, true)
	if err == nil {
		return nil
	}

	classified := errs.ClassifyVcsError(err)
	if !errors.Is(classified, errs.ErrVcsRetryable) {
		return fmt.Errorf("%w: %v", ErrMergeConflict, err)
	}

	if rebaseErr := scratch.PullRebase(ctx, m.Remote, m.TrunkBranch); rebaseErr != nil {
		return fmt.Errorf("%w: rebase recovery failed: %v", ErrMergeConflict, rebaseErr)
	}
	if retryErr := scratch.Merge(ctx, laneBranch, true); retryErr != nil {
		return fmt.Errorf("%w: %v", ErrMergeConflict, retryErr)
	}
	return nil
}

func (m *MergeExecutor) pushWithRebaseRetry(ctx context.Context, scratch vcs.VCS) error {
	maxRetries := m.MaxPushRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = scratch.Push(ctx, m.Remote, m.TrunkBranch, false)
		if lastErr == nil {
			return nil
		}

		classified := errs.ClassifyVcsError(lastErr)
		if !errors.Is(classified, errs.ErrVcsRetryable) {
			return fmt.Errorf("runtime: push trunk: %w", lastErr)
		}
		if rebaseErr := scratch.PullRebase(ctx, m.Remote, m.TrunkBranch); rebaseErr != nil {
			return fmt.Errorf("runtime: push retry rebase: %w", rebaseErr)
		}
	}
	return fmt.Errorf("runtime: push trunk: exhausted %d retries: %w", maxRetries, lastErr)
}

// snapshotFiles records the current content of paths so a failed closure
// can be rolled back (spec §4.G rollback discipline).
func snapshotFiles(paths []string) ([]snapshot, error) {
	snaps := make([]snapshot, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				snaps = append(snaps, snapshot{path: p, existed: false})
				continue
			}
			return nil, fmt.Errorf("runtime: snapshot %s: %w", p, err)
		}
		snaps = append(snaps, snapshot{path: p, existed: true, content: data})
	}
	return snaps, nil
}

// restoreFiles reverts every snapshot, removing files that did not exist
// before and rewriting those that did.
func restoreFiles(snaps []snapshot) {
	for _, s := range snaps {
		if !s.existed {
			_ = os.Remove(s.path)
			continue
		}
		_ = os.WriteFile(s.path, s.content, 0o644)
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
