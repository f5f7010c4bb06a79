package spawn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lumenflow/lumenflow/clock"
	"github.com/lumenflow/lumenflow/eventlog"
	"github.com/lumenflow/lumenflow/lanelock"
	"github.com/lumenflow/lumenflow/types"
)

// Action is the recovery action taken for a spawn (spec §4.I).
type Action string

const (
	ActionNone            Action = "none"
	ActionReleasedZombie  Action = "released_zombie"
	ActionReleasedStale   Action = "released_stale"
	ActionEscalatedStuck  Action = "escalated_stuck"
)

// RecoverResult is the outcome of Recover.
type RecoverResult struct {
	Recovered bool
	Action    Action
	Reason    string
}

// auditContext is the {target_wu, lane, lock_metadata?} context of an audit
// record, using the camelCase field names spec §6 mandates for this file
// (distinct from the snake_case event log / lock file schemas).
type auditContext struct {
	TargetWU     string            `json:"targetWuId"`
	Lane         string            `json:"lane"`
	LockMetadata *lanelock.Lock    `json:"lockMetadata,omitempty"`
}

// auditRecord is the recovery/spawn-<id>-<timestamp>.json shape (spec §6).
type auditRecord struct {
	Timestamp time.Time    `json:"timestamp"`
	SpawnID   string       `json:"spawnId"`
	Action    Action       `json:"action"`
	Reason    string       `json:"reason"`
	Context   auditContext `json:"context"`
}

// Recoverer applies the spec §4.I recovery priority ladder to spawn
// records, consulting the lane lock manager and the checkpoint stream.
type Recoverer struct {
	Registry             *Registry
	Locks                *lanelock.Manager
	Clock                clock.Clock
	Probe                clock.Probe
	RecoveryDir          string
	StaleThreshold        time.Duration
	NoCheckpointThreshold time.Duration
}

// Recover applies the priority-ordered recovery ladder (spec §4.I) to the
// spawn identified by spawnID, consulting idx for the target WU's last
// checkpoint time.
func (r *Recoverer) Recover(spawnID string, idx *eventlog.IndexedState) (RecoverResult, error) {
	rec, ok := r.Registry.Get(spawnID)
	if !ok {
		return RecoverResult{}, fmt.Errorf("spawn: unknown spawn_id %q", spawnID)
	}

	// 1. Already completed.
	if rec.Status.Terminal() {
		return RecoverResult{Recovered: false, Action: ActionNone, Reason: "already completed"}, nil
	}

	check, err := r.Locks.Check(rec.Lane)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("spawn: check lane lock: %w", err)
	}

	// 2. Missing lock.
	if !check.Locked {
		return RecoverResult{Recovered: false, Action: ActionNone, Reason: "no lock file"}, nil
	}

	// 3. Zombie takes priority over stale when both conditions hold.
	if !r.Probe.IsAlive(check.Metadata.PID) {
		if _, err := r.Locks.Release(rec.Lane, "", true); err != nil {
			return RecoverResult{}, fmt.Errorf("spawn: release zombie lock: %w", err)
		}
		if err := r.markAndAudit(rec, types.SpawnCrashed, ActionReleasedZombie, "lock owner process is not alive", check.Metadata); err != nil {
			return RecoverResult{}, err
		}
		return RecoverResult{Recovered: true, Action: ActionReleasedZombie, Reason: "lock owner process is not alive"}, nil
	}

	// 4. Stale.
	if check.IsStale {
		if _, err := r.Locks.Release(rec.Lane, "", true); err != nil {
			return RecoverResult{}, fmt.Errorf("spawn: release stale lock: %w", err)
		}
		if err := r.markAndAudit(rec, types.SpawnTimeout, ActionReleasedStale, "lock exceeded stale threshold", check.Metadata); err != nil {
			return RecoverResult{}, err
		}
		return RecoverResult{Recovered: true, Action: ActionReleasedStale, Reason: "lock exceeded stale threshold"}, nil
	}

	// 5. No recent checkpoint.
	if idx != nil {
		var lastCheckpoint time.Time
		if target, ok := idx.ByID[rec.TargetWU]; ok {
			lastCheckpoint = target.LastCheckpointAt
		}
		if lastCheckpoint.IsZero() || r.Clock.Now().Sub(lastCheckpoint) > r.noCheckpointThreshold() {
			if err := r.markAndAudit(rec, types.SpawnStuck, ActionEscalatedStuck, "no checkpoint within threshold", check.Metadata); err != nil {
				return RecoverResult{}, err
			}
			return RecoverResult{Recovered: true, Action: ActionEscalatedStuck, Reason: "no checkpoint within threshold"}, nil
		}
	}

	// 6. Healthy.
	return RecoverResult{Recovered: false, Action: ActionNone, Reason: "healthy"}, nil
}

func (r *Recoverer) noCheckpointThreshold() time.Duration {
	if r.NoCheckpointThreshold > 0 {
		return r.NoCheckpointThreshold
	}
	return time.Hour
}

func (r *Recoverer) markAndAudit(rec *types.SpawnRecord, status types.SpawnStatus, action Action, reason string, lock *lanelock.Lock) error {
	now := r.Clock.Now()
	updated := *rec
	updated.Status = status
	updated.CompletedAt = &now
	if err := r.Registry.Append(updated); err != nil {
		return fmt.Errorf("spawn: mark %s: %w", status, err)
	}
	return r.writeAudit(auditRecord{
		Timestamp: now,
		SpawnID:   rec.SpawnID,
		Action:    action,
		Reason:    reason,
		Context: auditContext{
			TargetWU:     rec.TargetWU,
			Lane:         rec.Lane,
			LockMetadata: lock,
		},
	})
}

// writeAudit persists an audit record to
// recovery/spawn-<id>-<timestamp>.json. Required fields (spec §4.I) are
// always populated by the caller before reaching here.
func (r *Recoverer) writeAudit(rec auditRecord) error {
	if err := os.MkdirAll(r.RecoveryDir, 0o755); err != nil {
		return fmt.Errorf("spawn: ensure recovery dir: %w", err)
	}
	name := fmt.Sprintf("spawn-%s-%s.json", rec.SpawnID, rec.Timestamp.UTC().Format("20060102T150405.000000000Z"))
	path := filepath.Join(r.RecoveryDir, name)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("spawn: marshal audit record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("spawn: write audit record: %w", err)
	}
	return nil
}
