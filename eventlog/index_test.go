package eventlog

import (
	"testing"
	"time"

	"github.com/lumenflow/lumenflow/types"
)

func TestIndexApplyDelegateTracksChildren(t *testing.T) {
	idx := NewIndexedState()
	idx.Apply(&types.WUEvent{
		EventID: types.NewEventID(), WUID: "WU-2", Type: types.EventCreate,
		Timestamp: time.Now().UTC(), Lane: "Lane A", Title: "child",
	})
	idx.Apply(&types.WUEvent{
		EventID: types.NewEventID(), WUID: "WU-2", Type: types.EventDelegate,
		Timestamp: time.Now().UTC(), ParentWUID: "WU-1", ChildWUID: "WU-2", DelegationID: "d-1",
	})

	children := idx.Children("WU-1")
	if len(children) != 1 || children[0] != "WU-2" {
		t.Fatalf("expected WU-1's children to be [WU-2], got %v", children)
	}
}

func TestIndexApplyWaitAndUnblockRoundtrip(t *testing.T) {
	idx := NewIndexedState()
	idx.Apply(&types.WUEvent{
		EventID: types.NewEventID(), WUID: "WU-1", Type: types.EventCreate,
		Timestamp: time.Now().UTC(), Lane: "Lane A", Title: "t",
	})
	idx.Apply(&types.WUEvent{
		EventID: types.NewEventID(), WUID: "WU-1", Type: types.EventClaim,
		Timestamp: time.Now().UTC(), Lane: "Lane A",
	})
	idx.Apply(&types.WUEvent{
		EventID: types.NewEventID(), WUID: "WU-1", Type: types.EventWait,
		Timestamp: time.Now().UTC(), Reason: "waiting on WU-9",
	})
	if idx.ByID["WU-1"].Status != types.StatusWaiting {
		t.Fatalf("expected status waiting, got %s", idx.ByID["WU-1"].Status)
	}
	if _, inSet := idx.ByStatus[types.StatusWaiting]["WU-1"]; !inSet {
		t.Fatalf("expected WU-1 indexed under waiting status")
	}

	idx.Apply(&types.WUEvent{
		EventID: types.NewEventID(), WUID: "WU-1", Type: types.EventUnblock,
		Timestamp: time.Now().UTC(),
	})
	if idx.ByID["WU-1"].Status != types.StatusInProgress {
		t.Fatalf("expected unblock from waiting to return to in_progress, got %s", idx.ByID["WU-1"].Status)
	}
	if _, stillWaiting := idx.ByStatus[types.StatusWaiting]["WU-1"]; stillWaiting {
		t.Fatalf("expected WU-1 removed from waiting set after unblock")
	}
}

func TestIndexApplyCheckpointUpdatesLastCheckpoint(t *testing.T) {
	idx := NewIndexedState()
	idx.Apply(&types.WUEvent{
		EventID: types.NewEventID(), WUID: "WU-1", Type: types.EventCreate,
		Timestamp: time.Now().UTC(), Lane: "Lane A", Title: "t",
	})
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	idx.Apply(&types.WUEvent{
		EventID: types.NewEventID(), WUID: "WU-1", Type: types.EventCheckpoint,
		Timestamp: ts, Note: "still working",
	})
	if !idx.ByID["WU-1"].LastCheckpointAt.Equal(ts) {
		t.Fatalf("expected checkpoint timestamp recorded")
	}
}
