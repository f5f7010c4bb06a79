package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumenflow/lumenflow/types"
)

func newCreateEvent(wuID, lane string) *types.WUEvent {
	return &types.WUEvent{
		EventID:   types.NewEventID(),
		WUID:      wuID,
		Type:      types.EventCreate,
		Timestamp: time.Now().UTC(),
		Lane:      lane,
		Title:     "test wu",
	}
}

func TestAppendAndApplyBuildsIndex(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "wu-events.jsonl"), nil)

	if _, _, err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := store.AppendAndApply(newCreateEvent("WU-1", "Lane A")); err != nil {
		t.Fatalf("AppendAndApply create: %v", err)
	}

	claim := &types.WUEvent{
		EventID:   types.NewEventID(),
		WUID:      "WU-1",
		Type:      types.EventClaim,
		Timestamp: time.Now().UTC(),
		Lane:      "Lane A",
	}
	if err := store.AppendAndApply(claim); err != nil {
		t.Fatalf("AppendAndApply claim: %v", err)
	}

	idx := store.Index()
	rec, ok := idx.ByID["WU-1"]
	if !ok {
		t.Fatalf("expected WU-1 in index")
	}
	if rec.Status != types.StatusInProgress {
		t.Fatalf("expected status in_progress, got %s", rec.Status)
	}
	if _, inLane := idx.ByLane["Lane A"]["WU-1"]; !inLane {
		t.Fatalf("expected WU-1 indexed under Lane A")
	}
}

func TestAppendAndApplyRejectsIllegalTransition(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "wu-events.jsonl"), nil)
	if _, _, err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := store.AppendAndApply(newCreateEvent("WU-1", "Lane A")); err != nil {
		t.Fatalf("create: %v", err)
	}

	complete := &types.WUEvent{
		EventID:     types.NewEventID(),
		WUID:        "WU-1",
		Type:        types.EventComplete,
		Timestamp:   time.Now().UTC(),
		CompletedAt: time.Now().UTC(),
	}
	err := store.AppendAndApply(complete)
	if err == nil {
		t.Fatalf("expected IllegalTransition for ready -> done")
	}
}

func TestLoadReplaysExistingLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wu-events.jsonl")
	store := NewStore(path, nil)
	if _, _, err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := store.AppendAndApply(newCreateEvent("WU-1", "Lane A")); err != nil {
		t.Fatalf("create: %v", err)
	}

	reloaded := NewStore(path, nil)
	idx, repair, err := reloaded.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if repair != nil {
		t.Fatalf("expected no repair on clean log")
	}
	if _, ok := idx.ByID["WU-1"]; !ok {
		t.Fatalf("expected WU-1 to survive replay")
	}
}

func TestLoadRepairsCorruptLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wu-events.jsonl")

	var lines []string
	good := newCreateEvent("WU-1", "Lane A")
	goodLine, _ := jsonLine(good)
	lines = append(lines, goodLine)
	for i := 0; i < 5; i++ {
		lines = append(lines, "{not valid json")
	}
	if err := os.WriteFile(path, []byte(joinLines(lines)), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path, nil)
	_, repair, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if repair == nil {
		t.Fatalf("expected repair record for a majority-invalid log")
	}
	if repair.LinesKept != 1 || repair.LinesRemoved != 5 {
		t.Fatalf("unexpected repair counts: %+v", repair)
	}
	if _, err := os.Stat(repair.BackupPath); err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
}

func jsonLine(ev *types.WUEvent) (string, error) {
	data, err := json.Marshal(ev)
	return string(data), err
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}
