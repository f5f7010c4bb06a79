package lanelock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumenflow/lumenflow/clock"
)

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

type fakeProbe struct{ alive map[int]bool }

func (f fakeProbe) IsAlive(pid int) bool { return f.alive[pid] }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	return &Manager{
		Root:           dir,
		Clock:          fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		Probe:          fakeProbe{alive: map[int]bool{os.Getpid(): true}},
		StaleThreshold: 2 * time.Hour,
	}
}

func TestAcquireFreshLane(t *testing.T) {
	m := newTestManager(t)
	res, err := m.Acquire("Operations: Tooling", "WU-1", "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("expected acquired=true on fresh lane")
	}
	if _, err := os.Stat(m.path("Operations: Tooling")); err != nil {
		t.Fatalf("expected lock file to exist: %v", err)
	}
}

func TestAcquireIdempotentSameOwner(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Acquire("Lane", "WU-1", ""); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	res, err := m.Acquire("Lane", "WU-1", "")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("expected re-acquisition by same owner to succeed")
	}
}

func TestAcquireBlockedByOtherOwner(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Acquire("Lane", "WU-1", ""); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	res, err := m.Acquire("Lane", "WU-2", "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Acquired {
		t.Fatalf("expected acquire to fail for a different owner's live lock")
	}
	if res.ExistingLock == nil || res.ExistingLock.WUID != "WU-1" {
		t.Fatalf("expected existing lock to report WU-1, got %+v", res.ExistingLock)
	}
}

func TestAcquirePrunesZombieLock(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{
		Root:           dir,
		Clock:          fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		Probe:          fakeProbe{alive: map[int]bool{}},
		StaleThreshold: 2 * time.Hour,
	}
	if _, err := m.Acquire("Lane", "WU-1", ""); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	res, err := m.Acquire("Lane", "WU-2", "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("expected zombie lock (dead pid) to be pruned and reclaimed")
	}
}

func TestReleaseNotOwnerWithoutForce(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Acquire("Lane", "WU-1", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := m.Release("Lane", "WU-2", false)
	if err == nil {
		t.Fatalf("expected ErrNotOwner")
	}
}

func TestReleaseAbsentLockIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	res, err := m.Release("Lane", "", false)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !res.Released || !res.NotFound {
		t.Fatalf("expected released=true, not_found=true for absent lock")
	}
}

func TestCheckReportsStale(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{
		Root:           dir,
		Clock:          fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		Probe:          fakeProbe{alive: map[int]bool{os.Getpid(): true}},
		StaleThreshold: time.Hour,
	}
	if _, err := m.Acquire("Lane", "WU-1", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Clock = fakeClock{now: time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)}
	res, err := m.Check("Lane")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Locked || !res.IsStale {
		t.Fatalf("expected locked=true, is_stale=true after threshold elapsed, got %+v", res)
	}
}

func TestForceRemoveStaleNoopOnActiveLock(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Acquire("Lane", "WU-1", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	removed, err := m.ForceRemoveStale("Lane")
	if err != nil {
		t.Fatalf("ForceRemoveStale: %v", err)
	}
	if removed {
		t.Fatalf("expected ForceRemoveStale to leave an active lock untouched")
	}
}

func TestAuditedUnlockRefusesActiveWithoutForce(t *testing.T) {
	m := newTestManager(t)
	m.Auditor = NewAuditWriter(filepath.Join(t.TempDir(), "force-bypasses.log"))
	if _, err := m.Acquire("Lane", "WU-1", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.AuditedUnlock("Lane", "operator override", false); err == nil {
		t.Fatalf("expected refusal to remove an active lock without force")
	}
}

func TestAuditedUnlockRequiresReason(t *testing.T) {
	m := newTestManager(t)
	if err := m.AuditedUnlock("Lane", "", true); err == nil {
		t.Fatalf("expected error for empty reason")
	}
}

func TestAuditedUnlockForcesAndWritesAuditLog(t *testing.T) {
	m := newTestManager(t)
	auditPath := filepath.Join(t.TempDir(), "force-bypasses.log")
	m.Auditor = NewAuditWriter(auditPath)
	if _, err := m.Acquire("Lane", "WU-1", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.AuditedUnlock("Lane", "operator override", true); err != nil {
		t.Fatalf("AuditedUnlock: %v", err)
	}
	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("expected audit log to exist: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected a written audit record")
	}
}

func TestKebabLaneName(t *testing.T) {
	if got := kebab("Operations: Tooling"); got != "operations-tooling" {
		t.Fatalf("kebab: got %q", got)
	}
}
