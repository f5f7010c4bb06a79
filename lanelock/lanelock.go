// Package lanelock manages per-lane exclusive locks as atomic
// exclusive-create files (spec §4.E), the local half of lane mutual
// exclusion. The event log (package eventlog) is the cross-host authority;
// this package only arbitrates concurrent claims on one host.
//
// Grounded on nikolasavic/lokt's internal/lock package: atomic O_EXCL
// create, read-existing-on-conflict, dead-PID auto-prune, audited
// force-release.
package lanelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lumenflow/lumenflow/clock"
	"github.com/lumenflow/lumenflow/types"
)

// ErrNotOwner is returned by Release when wu_id is provided, force is
// false, and it does not match the lock's current owner.
var ErrNotOwner = errors.New("lanelock: caller is not lock owner")

// Lock is the lane lock file's on-disk shape (spec §6).
type Lock = types.LockEntry

// Manager acquires and releases lane locks, stored as
// locks/<kebab(lane)>.lock under Root (the state root).
type Manager struct {
	Root           string
	Clock          clock.Clock
	Probe          clock.Probe
	StaleThreshold time.Duration
	Auditor        *AuditWriter
}

// NewManager returns a Manager with the given root and stale threshold.
// Clock and Probe are set to the real system implementations.
func NewManager(root string, staleThreshold time.Duration) *Manager {
	return &Manager{
		Root:           root,
		Clock:          clock.System{},
		Probe:          clock.SystemProbe{},
		StaleThreshold: staleThreshold,
	}
}

func (m *Manager) path(lane string) string {
	return filepath.Join(m.Root, "locks", kebab(lane)+".lock")
}

// AcquireResult reports the outcome of Acquire.
type AcquireResult struct {
	Acquired     bool
	ExistingLock *Lock
	IsStale      bool
}

// Acquire attempts to claim lane for wuID. Re-acquisition by the same wu_id
// is idempotent. A lock held by a dead PID is pruned and retried once.
func (m *Manager) Acquire(lane, wuID string, session string) (AcquireResult, error) {
	path := m.path(lane)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return AcquireResult{}, fmt.Errorf("lanelock: ensure dir: %w", err)
	}

	lock := Lock{
		WUID:         wuID,
		Lane:         lane,
		Timestamp:    m.Clock.Now(),
		PID:          os.Getpid(),
		AgentSession: session,
	}

	if ok, err := m.tryCreate(path, lock); err != nil {
		return AcquireResult{}, err
	} else if ok {
		return AcquireResult{Acquired: true}, nil
	}

	existing, err := m.read(path)
	if err != nil {
		// Unreadable (concurrent writer, truncated file): treat as held by
		// an unknown owner, caller may retry.
		return AcquireResult{Acquired: false, IsStale: false}, nil
	}

	if existing.WUID == wuID {
		return AcquireResult{Acquired: true}, nil
	}

	if !m.Probe.IsAlive(existing.PID) {
		if err := os.Remove(path); err == nil {
			if ok, err := m.tryCreate(path, lock); err != nil {
				return AcquireResult{}, err
			} else if ok {
				return AcquireResult{Acquired: true}, nil
			}
		}
		// Lost the race after removal; fall through and report current holder.
		existing, err = m.read(path)
		if err != nil {
			return AcquireResult{Acquired: false}, nil
		}
	}

	return AcquireResult{
		Acquired:     false,
		ExistingLock: existing,
		IsStale:      m.isStale(existing),
	}, nil
}

func (m *Manager) tryCreate(path string, lock Lock) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("lanelock: create lock file: %w", err)
	}
	defer f.Close()

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return false, fmt.Errorf("lanelock: marshal lock: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return false, fmt.Errorf("lanelock: write lock file: %w", err)
	}
	return true, nil
}

func (m *Manager) read(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("lanelock: corrupt lock file %s: %w", path, err)
	}
	return &lock, nil
}

func (m *Manager) isStale(lock *Lock) bool {
	return m.Clock.Now().Sub(lock.Timestamp) > m.StaleThreshold
}

// ReleaseResult reports the outcome of Release.
type ReleaseResult struct {
	Released bool
	NotFound bool
}

// Release removes lane's lock. If wuID is non-empty and force is false,
// the caller must own the lock.
func (m *Manager) Release(lane, wuID string, force bool) (ReleaseResult, error) {
	path := m.path(lane)
	existing, err := m.read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ReleaseResult{Released: true, NotFound: true}, nil
		}
		// Corrupt lock file: no valid owner, safe to remove.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return ReleaseResult{}, fmt.Errorf("lanelock: remove corrupt lock: %w", rmErr)
		}
		return ReleaseResult{Released: true}, nil
	}

	if wuID != "" && existing.WUID != wuID && !force {
		return ReleaseResult{}, ErrNotOwner
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return ReleaseResult{}, fmt.Errorf("lanelock: remove lock: %w", err)
	}
	return ReleaseResult{Released: true}, nil
}

// CheckResult reports lane's current lock state without mutating it.
type CheckResult struct {
	Locked   bool
	Metadata *Lock
	IsStale  bool
}

// Check reads lane's lock state read-only.
func (m *Manager) Check(lane string) (CheckResult, error) {
	existing, err := m.read(m.path(lane))
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Locked: false}, nil
		}
		return CheckResult{}, err
	}
	return CheckResult{Locked: true, Metadata: existing, IsStale: m.isStale(existing)}, nil
}

// ForceRemoveStale removes lane's lock only if it is currently stale.
// Returns false without error if the lock is absent or not stale.
func (m *Manager) ForceRemoveStale(lane string) (bool, error) {
	check, err := m.Check(lane)
	if err != nil || !check.Locked || !check.IsStale {
		return false, err
	}
	if err := os.Remove(m.path(lane)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("lanelock: remove stale lock: %w", err)
	}
	return true, nil
}

// AuditedUnlock removes lane's lock, refusing to remove an active
// (non-zombie, non-stale) lock unless force is true. reason must be
// non-empty and is recorded in the audit log.
func (m *Manager) AuditedUnlock(lane, reason string, force bool) error {
	if reason == "" {
		return errors.New("lanelock: audited unlock requires a non-empty reason")
	}

	check, err := m.Check(lane)
	if err != nil {
		return err
	}
	if !check.Locked {
		return nil
	}

	zombie := !m.Probe.IsAlive(check.Metadata.PID)
	action := "removed"
	if !force && !zombie && !check.IsStale {
		return fmt.Errorf("lanelock: refusing to remove active lock on lane %q without force", lane)
	}

	path := m.path(lane)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lanelock: audited remove: %w", err)
	}

	if m.Auditor != nil {
		// Fail-open: an audit-log write failure must not unwind a lock
		// release that already succeeded.
		_ = m.Auditor.Emit(AuditRecord{
			Timestamp: m.Clock.Now(),
			Lane:      lane,
			Action:    action,
			Reason:    reason,
			Forced:    force,
		})
	}
	return nil
}

func kebab(s string) string {
	out := make([]rune, 0, len(s))
	prevHyphen := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
			prevHyphen = false
		case r >= 'A' && r <= 'Z':
			out = append(out, r-'A'+'a')
			prevHyphen = false
		default:
			if !prevHyphen && len(out) > 0 {
				out = append(out, '-')
				prevHyphen = true
			}
		}
	}
	for len(out) > 0 && out[len(out)-1] == '-' {
		out = out[:len(out)-1]
	}
	return string(out)
}
