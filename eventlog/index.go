package eventlog

import (
	"time"

	"github.com/lumenflow/lumenflow/types"
)

// Record is one WU's projected state plus bookkeeping the core needs beyond
// types.WorkUnit (last checkpoint time). Delegation children are tracked in
// IndexedState.ChildrenOf, not on the record.
type Record struct {
	types.WorkUnit
	LastCheckpointAt time.Time
}

// IndexedState is the in-memory projection built by replaying the event log
// (spec §4.D). All lookups are O(1) expected time. Writes only happen
// through Apply, called by Store.AppendAndApply and Store.Load.
type IndexedState struct {
	ByID       map[string]*Record
	ByStatus   map[types.Status]map[string]struct{}
	ByLane     map[string]map[string]struct{}
	ChildrenOf map[string]map[string]struct{}
}

// NewIndexedState returns an empty projection.
func NewIndexedState() *IndexedState {
	return &IndexedState{
		ByID:       make(map[string]*Record),
		ByStatus:   make(map[types.Status]map[string]struct{}),
		ByLane:     make(map[string]map[string]struct{}),
		ChildrenOf: make(map[string]map[string]struct{}),
	}
}

func (idx *IndexedState) setStatus(wuID string, from, to types.Status) {
	if from != "" {
		if set, ok := idx.ByStatus[from]; ok {
			delete(set, wuID)
		}
	}
	if idx.ByStatus[to] == nil {
		idx.ByStatus[to] = make(map[string]struct{})
	}
	idx.ByStatus[to][wuID] = struct{}{}
}

func (idx *IndexedState) addToLane(wuID, lane string) {
	if lane == "" {
		return
	}
	if idx.ByLane[lane] == nil {
		idx.ByLane[lane] = make(map[string]struct{})
	}
	idx.ByLane[lane][wuID] = struct{}{}
}

// Apply is the pure projection function: it pattern-matches on the event
// variant and updates every index (spec §4.C apply_event).
func (idx *IndexedState) Apply(ev *types.WUEvent) {
	switch ev.Type {
	case types.EventCreate:
		rec := &Record{WorkUnit: types.WorkUnit{
			ID:          ev.WUID,
			Lane:        ev.Lane,
			Title:       ev.Title,
			Status:      types.StatusReady,
			Priority:    ev.Priority,
			CreatedMode: ev.CreatedMode,
			Initiative:  ev.Initiative,
		}}
		idx.ByID[ev.WUID] = rec
		idx.setStatus(ev.WUID, "", types.StatusReady)
		idx.addToLane(ev.WUID, ev.Lane)

	case types.EventClaim:
		rec, ok := idx.ByID[ev.WUID]
		if !ok {
			return
		}
		from := rec.Status
		rec.Status = types.StatusInProgress
		if ev.Lane != "" {
			rec.Lane = ev.Lane
		}
		idx.setStatus(ev.WUID, from, types.StatusInProgress)
		idx.addToLane(ev.WUID, rec.Lane)

	case types.EventBlock:
		rec, ok := idx.ByID[ev.WUID]
		if !ok {
			return
		}
		from := rec.Status
		rec.Status = types.StatusBlocked
		idx.setStatus(ev.WUID, from, types.StatusBlocked)

	case types.EventUnblock:
		rec, ok := idx.ByID[ev.WUID]
		if !ok {
			return
		}
		from := rec.Status
		rec.Status = types.StatusInProgress
		idx.setStatus(ev.WUID, from, types.StatusInProgress)

	case types.EventWait:
		rec, ok := idx.ByID[ev.WUID]
		if !ok {
			return
		}
		from := rec.Status
		rec.Status = types.StatusWaiting
		idx.setStatus(ev.WUID, from, types.StatusWaiting)

	case types.EventComplete:
		rec, ok := idx.ByID[ev.WUID]
		if !ok {
			return
		}
		from := rec.Status
		rec.Status = types.StatusDone
		idx.setStatus(ev.WUID, from, types.StatusDone)

	case types.EventRelease:
		rec, ok := idx.ByID[ev.WUID]
		if !ok {
			return
		}
		from := rec.Status
		rec.Status = types.StatusReady
		idx.setStatus(ev.WUID, from, types.StatusReady)

	case types.EventCheckpoint:
		if rec, ok := idx.ByID[ev.WUID]; ok {
			rec.LastCheckpointAt = ev.Timestamp
		}

	case types.EventDelegate:
		if idx.ChildrenOf[ev.ParentWUID] == nil {
			idx.ChildrenOf[ev.ParentWUID] = make(map[string]struct{})
		}
		idx.ChildrenOf[ev.ParentWUID][ev.ChildWUID] = struct{}{}

	case types.EventCutover:
		// Schema migration marker; no projection state to update.
	}
}

// StatusIDs returns the ids currently in status, for read-only queries.
func (idx *IndexedState) StatusIDs(status types.Status) []string {
	return setKeys(idx.ByStatus[status])
}

// LaneIDs returns the ids currently assigned to lane.
func (idx *IndexedState) LaneIDs(lane string) []string {
	return setKeys(idx.ByLane[lane])
}

// Children returns the ids delegated from parentID.
func (idx *IndexedState) Children(parentID string) []string {
	return setKeys(idx.ChildrenOf[parentID])
}

func setKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
