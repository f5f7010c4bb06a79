package spawn

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumenflow/lumenflow/eventlog"
	"github.com/lumenflow/lumenflow/lanelock"
	"github.com/lumenflow/lumenflow/types"
)

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

type fakeProbe struct{ alive map[int]bool }

func (f fakeProbe) IsAlive(pid int) bool { return f.alive[pid] }

func newTestRecoverer(t *testing.T, now time.Time, alive map[int]bool) (*Recoverer, string) {
	t.Helper()
	dir := t.TempDir()
	locks := &lanelock.Manager{
		Root:           dir,
		Clock:          fakeClock{now: now},
		Probe:          fakeProbe{alive: alive},
		StaleThreshold: 2 * time.Hour,
	}
	reg := NewRegistry(filepath.Join(dir, "spawns.jsonl"))
	return &Recoverer{
		Registry:              reg,
		Locks:                 locks,
		Clock:                 fakeClock{now: now},
		Probe:                 fakeProbe{alive: alive},
		RecoveryDir:           filepath.Join(dir, "recovery"),
		StaleThreshold:        2 * time.Hour,
		NoCheckpointThreshold: time.Hour,
	}, dir
}

func TestRecoverAlreadyCompleted(t *testing.T) {
	r, _ := newTestRecoverer(t, time.Now(), nil)
	_ = r.Registry.Append(types.SpawnRecord{SpawnID: "s1", ParentWU: "WU-1", TargetWU: "WU-2", Lane: "Ops", Status: types.SpawnCompleted})
	if err := r.Registry.Load(); err != nil {
		t.Fatal(err)
	}

	res, err := r.Recover("s1", nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.Action != ActionNone || res.Reason != "already completed" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRecoverMissingLock(t *testing.T) {
	r, _ := newTestRecoverer(t, time.Now(), nil)
	_ = r.Registry.Append(types.SpawnRecord{SpawnID: "s1", ParentWU: "WU-1", TargetWU: "WU-2", Lane: "Ops", Status: types.SpawnRunning})
	if err := r.Registry.Load(); err != nil {
		t.Fatal(err)
	}

	res, err := r.Recover("s1", eventlog.NewIndexedState())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.Action != ActionNone || res.Reason != "no lock file" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRecoverZombieTakesPriorityOverStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r, dir := newTestRecoverer(t, now, map[int]bool{})
	_ = r.Registry.Append(types.SpawnRecord{SpawnID: "s1", ParentWU: "WU-1", TargetWU: "WU-2", Lane: "Ops", Status: types.SpawnRunning})
	if err := r.Registry.Load(); err != nil {
		t.Fatal(err)
	}

	// Seed a lock that is both dead-PID and stale (older than threshold).
	staleTS := now.Add(-3 * time.Hour)
	path := filepath.Join(dir, "locks", "ops.lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	entry := types.LockEntry{WUID: "WU-2", Lane: "Ops", Timestamp: staleTS, PID: 999999}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := r.Recover("s1", eventlog.NewIndexedState())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.Action != ActionReleasedZombie {
		t.Fatalf("expected released_zombie (zombie beats stale), got %+v", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected lock file removed")
	}

	rec, ok := r.Registry.Get("s1")
	if !ok || rec.Status != types.SpawnCrashed {
		t.Fatalf("expected spawn marked crashed, got %+v", rec)
	}

	entries, err := os.ReadDir(r.RecoveryDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one audit file, got %v err=%v", entries, err)
	}
}

func TestRecoverStaleAliveHolder(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r, dir := newTestRecoverer(t, now, map[int]bool{4242: true})
	_ = r.Registry.Append(types.SpawnRecord{SpawnID: "s1", ParentWU: "WU-1", TargetWU: "WU-2", Lane: "Ops", Status: types.SpawnRunning})
	if err := r.Registry.Load(); err != nil {
		t.Fatal(err)
	}

	staleTS := now.Add(-3 * time.Hour)
	path := filepath.Join(dir, "locks", "ops.lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	entry := types.LockEntry{WUID: "WU-2", Lane: "Ops", Timestamp: staleTS, PID: 4242}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := r.Recover("s1", eventlog.NewIndexedState())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.Action != ActionReleasedStale {
		t.Fatalf("expected released_stale, got %+v", res)
	}
}

func TestRecoverStuckEscalatesWithoutRemovingLock(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r, dir := newTestRecoverer(t, now, map[int]bool{4242: true})
	_ = r.Registry.Append(types.SpawnRecord{SpawnID: "s1", ParentWU: "WU-1", TargetWU: "WU-2", Lane: "Ops", Status: types.SpawnRunning})
	if err := r.Registry.Load(); err != nil {
		t.Fatal(err)
	}

	freshTS := now.Add(-30 * time.Minute)
	path := filepath.Join(dir, "locks", "ops.lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	entry := types.LockEntry{WUID: "WU-2", Lane: "Ops", Timestamp: freshTS, PID: 4242}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	idx := eventlog.NewIndexedState()
	idx.Apply(&types.WUEvent{EventID: "e1", WUID: "WU-2", Type: types.EventCreate, Timestamp: now.Add(-2 * time.Hour), Lane: "Ops", Title: "t"})

	res, err := r.Recover("s1", idx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.Action != ActionEscalatedStuck {
		t.Fatalf("expected escalated_stuck, got %+v", res)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected lock file to remain: %v", err)
	}
}

func TestRecoverHealthy(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r, dir := newTestRecoverer(t, now, map[int]bool{4242: true})
	_ = r.Registry.Append(types.SpawnRecord{SpawnID: "s1", ParentWU: "WU-1", TargetWU: "WU-2", Lane: "Ops", Status: types.SpawnRunning})
	if err := r.Registry.Load(); err != nil {
		t.Fatal(err)
	}

	freshTS := now.Add(-30 * time.Minute)
	path := filepath.Join(dir, "locks", "ops.lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	entry := types.LockEntry{WUID: "WU-2", Lane: "Ops", Timestamp: freshTS, PID: 4242}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	idx := eventlog.NewIndexedState()
	idx.Apply(&types.WUEvent{EventID: "e1", WUID: "WU-2", Type: types.EventCreate, Timestamp: now.Add(-2 * time.Hour), Lane: "Ops", Title: "t"})
	idx.Apply(&types.WUEvent{EventID: "e2", WUID: "WU-2", Type: types.EventCheckpoint, Timestamp: now.Add(-10 * time.Minute), Note: "still going"})

	res, err := r.Recover("s1", idx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.Action != ActionNone || res.Reason != "healthy" {
		t.Fatalf("expected healthy, got %+v", res)
	}
}
