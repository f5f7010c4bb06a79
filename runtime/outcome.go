package runtime

import "github.com/lumenflow/lumenflow/lanelock"

// ClaimResult is returned by Coordinator.Claim (spec §4.H).
type ClaimResult struct {
	WUID         string
	WorktreePath string
	BranchName   string
}

// DoneResult is returned by Coordinator.Done (spec §4.H). PartialFailures
// lists the post-completion steps (complete-event append, lane lock release)
// that failed; it is filled the same way for every created_mode. A failed
// stamp write on the already-merged recovery path is not recorded here.
type DoneResult struct {
	WUID               string
	StampWritten       bool
	MetadataUpdated    bool
	EventAppended      bool
	LockReleased       bool
	AlreadyMergedPath  bool
	PartialFailures    []string
}

// LaneBusyResult carries the existing holder's metadata when a lane
// acquisition fails, so callers can report who holds the lock.
type LaneBusyResult struct {
	Lane         string
	ExistingLock *lanelock.Lock
	IsStale      bool
}
