package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lumenflow/lumenflow/clock"
	"github.com/lumenflow/lumenflow/config"
	"github.com/lumenflow/lumenflow/errs"
	"github.com/lumenflow/lumenflow/eventlog"
	"github.com/lumenflow/lumenflow/lanelock"
	"github.com/lumenflow/lumenflow/log"
	"github.com/lumenflow/lumenflow/sink"
	"github.com/lumenflow/lumenflow/types"
	"github.com/lumenflow/lumenflow/vcs"
)

// Coordinator is the WU lifecycle coordinator (spec §4.H): the single
// entry point CLI/MCP callers invoke. It composes the lock manager, event
// log, merge executor, and sink behind the legal-transition state machine.
type Coordinator struct {
	Store   *eventlog.Store
	Locks   *lanelock.Manager
	Merge   *MergeExecutor
	Sink    sink.Sink
	Paths   config.Paths
	Clock   clock.Clock
	Log     *log.Logger
}

// Create appends a create event for a fresh WU id. Idempotent: if the id
// already exists with the same lane and title, it returns the existing
// record without appending a duplicate event.
func (c *Coordinator) Create(ctx context.Context, wuID, lane, title string, priority types.Priority, createdMode types.CreatedMode, initiative string) (*types.WorkUnit, error) {
	idx := c.Store.Index()
	if rec, ok := idx.ByID[wuID]; ok {
		if rec.Lane == lane && rec.Title == title {
			wu := rec.WorkUnit
			return &wu, nil
		}
		return nil, errs.New(errs.ErrValidation, "create", map[string]any{"wu_id": wuID},
			fmt.Errorf("wu_id %q already exists with different lane/title", wuID))
	}

	ev := &types.WUEvent{
		EventID:     types.NewEventID(),
		WUID:        wuID,
		Type:        types.EventCreate,
		Timestamp:   c.Clock.Now(),
		Lane:        lane,
		Title:       title,
		Priority:    priority,
		CreatedMode: createdMode,
		Initiative:  initiative,
	}
	if err := c.Store.AppendAndApply(ev); err != nil {
		return nil, err
	}

	rec := c.Store.Index().ByID[wuID]
	wu := rec.WorkUnit
	return &wu, nil
}

// Claim acquires the lane lock and transitions a ready WU to in_progress
// (spec §4.H claim).
func (c *Coordinator) Claim(ctx context.Context, wuID, lane, session string) (*ClaimResult, error) {
	idx := c.Store.Index()
	rec, ok := idx.ByID[wuID]
	if !ok {
		return nil, errs.New(errs.ErrValidation, "claim", map[string]any{"wu_id": wuID}, fmt.Errorf("unknown wu_id"))
	}
	if rec.Status != types.StatusReady {
		return nil, errs.IllegalTransition("claim", wuID, string(rec.Status), string(types.StatusInProgress))
	}

	res, err := c.Locks.Acquire(lane, wuID, session)
	if err != nil {
		return nil, err
	}
	if !res.Acquired {
		if res.ExistingLock != nil && res.IsStale {
			if _, err := c.Locks.ForceRemoveStale(lane); err == nil {
				res, err = c.Locks.Acquire(lane, wuID, session)
				if err != nil {
					return nil, err
				}
			}
		}
		if !res.Acquired {
			holder := ""
			age := 0.0
			if res.ExistingLock != nil {
				holder = res.ExistingLock.WUID
				age = c.Clock.Now().Sub(res.ExistingLock.Timestamp).Seconds()
			}
			return nil, errs.LaneBusy("claim", lane, holder, age)
		}
	}

	ev := &types.WUEvent{
		EventID:      types.NewEventID(),
		WUID:         wuID,
		Type:         types.EventClaim,
		Timestamp:    c.Clock.Now(),
		Lane:         lane,
		AgentSession: session,
	}
	if err := c.Store.AppendAndApply(ev); err != nil {
		_, _ = c.Locks.Release(lane, wuID, true)
		return nil, err
	}

	return &ClaimResult{WUID: wuID, BranchName: laneBranchName(lane)}, nil
}

// Block transitions an in_progress WU to blocked and releases its lane
// lock (spec §4.H).
func (c *Coordinator) Block(ctx context.Context, wuID, lane, reason string) error {
	if err := c.checkTransition(wuID, types.StatusBlocked); err != nil {
		return err
	}
	ev := &types.WUEvent{
		EventID: types.NewEventID(), WUID: wuID, Type: types.EventBlock,
		Timestamp: c.Clock.Now(), Reason: reason,
	}
	if err := c.Store.AppendAndApply(ev); err != nil {
		return err
	}
	_, err := c.Locks.Release(lane, wuID, false)
	return err
}

// Unblock transitions a blocked or waiting WU back to in_progress,
// re-acquiring the lane lock.
func (c *Coordinator) Unblock(ctx context.Context, wuID, lane, session string) error {
	if err := c.checkTransition(wuID, types.StatusInProgress); err != nil {
		return err
	}
	res, err := c.Locks.Acquire(lane, wuID, session)
	if err != nil {
		return err
	}
	if !res.Acquired {
		holder := ""
		if res.ExistingLock != nil {
			holder = res.ExistingLock.WUID
		}
		return errs.LaneBusy("unblock", lane, holder, 0)
	}
	ev := &types.WUEvent{
		EventID: types.NewEventID(), WUID: wuID, Type: types.EventUnblock, Timestamp: c.Clock.Now(),
	}
	return c.Store.AppendAndApply(ev)
}

// Wait transitions an in_progress WU to waiting (spec decision: see
// DESIGN.md "What event drives the waiting status").
func (c *Coordinator) Wait(ctx context.Context, wuID, lane, reason string) error {
	if err := c.checkTransition(wuID, types.StatusWaiting); err != nil {
		return err
	}
	ev := &types.WUEvent{
		EventID: types.NewEventID(), WUID: wuID, Type: types.EventWait,
		Timestamp: c.Clock.Now(), Reason: reason,
	}
	if err := c.Store.AppendAndApply(ev); err != nil {
		return err
	}
	_, err := c.Locks.Release(lane, wuID, false)
	return err
}

// Release abandons an in_progress WU without completion, returning it to
// ready and releasing the lane lock.
func (c *Coordinator) Release(ctx context.Context, wuID, lane, reason string) error {
	if err := c.checkTransition(wuID, types.StatusReady); err != nil {
		return err
	}
	ev := &types.WUEvent{
		EventID: types.NewEventID(), WUID: wuID, Type: types.EventRelease,
		Timestamp: c.Clock.Now(), Reason: reason,
	}
	if err := c.Store.AppendAndApply(ev); err != nil {
		return err
	}
	_, err := c.Locks.Release(lane, wuID, false)
	return err
}

// Checkpoint records a liveness signal without changing status.
func (c *Coordinator) Checkpoint(ctx context.Context, wuID, note, sessionID, progress, nextSteps string) error {
	ev := &types.WUEvent{
		EventID: types.NewEventID(), WUID: wuID, Type: types.EventCheckpoint,
		Timestamp: c.Clock.Now(), Note: note, SessionID: sessionID, Progress: progress, NextSteps: nextSteps,
	}
	return c.Store.AppendAndApply(ev)
}

// Delegate records a parent->child spawn relationship.
func (c *Coordinator) Delegate(ctx context.Context, parentWUID, childWUID, delegationID string) error {
	ev := &types.WUEvent{
		EventID: types.NewEventID(), WUID: childWUID, Type: types.EventDelegate,
		Timestamp: c.Clock.Now(), ParentWUID: parentWUID, ChildWUID: childWUID, DelegationID: delegationID,
	}
	return c.Store.AppendAndApply(ev)
}

func (c *Coordinator) checkTransition(wuID string, to types.Status) error {
	rec, ok := c.Store.Index().ByID[wuID]
	if !ok {
		return errs.New(errs.ErrValidation, "transition", map[string]any{"wu_id": wuID}, fmt.Errorf("unknown wu_id"))
	}
	if !types.LegalTransition(rec.Status, to) {
		return errs.IllegalTransition("transition", wuID, string(rec.Status), string(to))
	}
	return nil
}

// DoneOptions configures Coordinator.Done.
type DoneOptions struct {
	LaneBranch string
	Trunk      vcs.VCS
	WriteStamp func(path string) error
	UpdateMeta AfterMergeFunc
	// AffectedPaths names the files UpdateMeta is expected to write, so the
	// rollback discipline (spec §4.G) can snapshot and restore them around
	// a failed metadata transaction. On the atomic-merge path relative paths
	// resolve against the scratch merge worktree; the branch_pr and
	// already-merged paths use them as given.
	AffectedPaths []string
	CompletedAt   time.Time
}

// Done completes a WU according to its created_mode (spec §4.H). Callers
// provide UpdateMeta as the metadata transaction the atomic merge executor
// invokes inside the scratch worktree.
func (c *Coordinator) Done(ctx context.Context, wuID, lane string, opts DoneOptions) (*DoneResult, error) {
	rec, ok := c.Store.Index().ByID[wuID]
	if !ok {
		return nil, errs.New(errs.ErrValidation, "done", map[string]any{"wu_id": wuID}, fmt.Errorf("unknown wu_id"))
	}
	if !types.LegalTransition(rec.Status, types.StatusDone) {
		return nil, errs.IllegalTransition("done", wuID, string(rec.Status), string(types.StatusDone))
	}

	result := &DoneResult{WUID: wuID}

	switch rec.CreatedMode {
	case types.CreatedModeWorktree, types.CreatedModeBranchOnly:
		if recovered, err := c.alreadyMergedRecovery(ctx, wuID, lane, opts); err == nil && recovered {
			result.AlreadyMergedPath = true
			return c.finishDone(ctx, wuID, lane, opts, result)
		}

		if err := c.Merge.WithAtomicMerge(ctx, wuID, opts.LaneBranch, opts.AffectedPaths, opts.UpdateMeta); err != nil {
			return nil, err
		}
		result.MetadataUpdated = true
		if opts.WriteStamp != nil {
			if err := opts.WriteStamp(c.Paths.Stamp(wuID)); err != nil {
				return nil, fmt.Errorf("runtime: write stamp: %w", err)
			}
			result.StampWritten = true
		}

	case types.CreatedModeBranchPR:
		if opts.UpdateMeta != nil {
			snaps, snapErr := snapshotFiles(opts.AffectedPaths)
			if snapErr != nil {
				return nil, fmt.Errorf("runtime: snapshot branch_pr metadata: %w", snapErr)
			}
			if err := opts.UpdateMeta(ctx, "", opts.Trunk); err != nil {
				restoreFiles(snaps)
				return nil, fmt.Errorf("runtime: branch_pr metadata update: %w", err)
			}
		}
		result.MetadataUpdated = true

	default:
		return nil, errs.New(errs.ErrValidation, "done", map[string]any{"wu_id": wuID, "created_mode": rec.CreatedMode},
			fmt.Errorf("unknown created_mode"))
	}

	return c.finishDone(ctx, wuID, lane, opts, result)
}

func (c *Coordinator) finishDone(ctx context.Context, wuID, lane string, opts DoneOptions, result *DoneResult) (*DoneResult, error) {
	completedAt := opts.CompletedAt
	if completedAt.IsZero() {
		completedAt = c.Clock.Now()
	}
	ev := &types.WUEvent{
		EventID: types.NewEventID(), WUID: wuID, Type: types.EventComplete,
		Timestamp: c.Clock.Now(), CompletedAt: completedAt,
	}
	if err := c.Store.AppendAndApply(ev); err != nil {
		result.PartialFailures = append(result.PartialFailures, fmt.Sprintf("append complete event: %v", err))
		return result, err
	}
	result.EventAppended = true

	if _, err := c.Locks.Release(lane, wuID, false); err != nil {
		result.PartialFailures = append(result.PartialFailures, fmt.Sprintf("release lane lock: %v", err))
	} else {
		result.LockReleased = true
	}

	c.emitLaneSignal(ctx, wuID, lane, opts)
	return result, nil
}

// alreadyMergedRecovery detects the spec §4.H "resilience" case: the lane
// branch is missing or already merged, AND its worktree is gone. Returns
// (true, nil) only when all three conditions hold and the reduced path has
// been executed.
func (c *Coordinator) alreadyMergedRecovery(ctx context.Context, wuID, lane string, opts DoneOptions) (bool, error) {
	if opts.Trunk == nil {
		return false, nil
	}

	merged, err := c.laneBranchMerged(ctx, opts)
	if err != nil || !merged {
		return false, nil
	}

	gone, err := c.laneWorktreeGone(ctx, opts.Trunk, opts.LaneBranch)
	if err != nil || !gone {
		return false, nil
	}

	if opts.UpdateMeta != nil {
		snaps, snapErr := snapshotFiles(opts.AffectedPaths)
		if snapErr != nil {
			return true, fmt.Errorf("runtime: snapshot already-merged metadata: %w", snapErr)
		}
		if err := opts.UpdateMeta(ctx, "", opts.Trunk); err != nil {
			restoreFiles(snaps)
			return true, fmt.Errorf("runtime: already-merged metadata update: %w", err)
		}
	}
	if opts.WriteStamp != nil {
		_ = opts.WriteStamp(c.Paths.Stamp(wuID))
	}
	return true, nil
}

// laneBranchMerged reports whether the lane branch is missing, or present
// but already merged to trunk (its tip equals its merge-base with HEAD).
func (c *Coordinator) laneBranchMerged(ctx context.Context, opts DoneOptions) (bool, error) {
	exists, err := opts.Trunk.BranchExists(ctx, opts.LaneBranch)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}
	base, err := opts.Trunk.MergeBase(ctx, opts.LaneBranch, "HEAD")
	if err != nil {
		return false, err
	}
	head, err := opts.Trunk.CommitHash(ctx, opts.LaneBranch)
	if err != nil {
		return false, err
	}
	return base == head, nil
}

// laneWorktreeGone reports whether no live worktree remains checked out
// against laneBranch.
func (c *Coordinator) laneWorktreeGone(ctx context.Context, v vcs.VCS, laneBranch string) (bool, error) {
	worktrees, err := v.WorktreeList(ctx)
	if err != nil {
		return false, err
	}
	for _, wt := range worktrees {
		if wt.Branch == laneBranch {
			return false, nil
		}
	}
	return true, nil
}

func (c *Coordinator) emitLaneSignal(ctx context.Context, wuID, lane string, opts DoneOptions) {
	if c.Sink == nil {
		return
	}
	var changed []string
	if opts.Trunk != nil && opts.LaneBranch != "" {
		names, err := vcs.DiffNames(ctx, opts.Trunk, "HEAD", opts.LaneBranch)
		if err == nil {
			changed = names
		}
	}
	// Fail-open: audit emission never blocks completion (spec §7).
	_ = c.Sink.Emit(ctx, "audit", map[string]any{
		"wu_id":         wuID,
		"lane":          lane,
		"files_changed": changed,
		"timestamp":     c.Clock.Now(),
	})
}

func laneBranchName(lane string) string {
	return "lane/" + filepath.Base(lane)
}
