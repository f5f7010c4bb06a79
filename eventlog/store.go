// Package eventlog implements the append-only JSONL event log and its
// in-memory projection (spec §4.C, §4.D): the distributed source of truth
// for work-unit lifecycle state.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lumenflow/lumenflow/clock"
	"github.com/lumenflow/lumenflow/errs"
	"github.com/lumenflow/lumenflow/log"
	"github.com/lumenflow/lumenflow/sink"
	"github.com/lumenflow/lumenflow/types"
)

// CorruptionThreshold is the invalid-line ratio at or above which load() treats
// the file as corrupt and repairs it (spec §4.C).
const CorruptionThreshold = 0.20

// LockStaleTTL bounds how long a `.lock` sibling file may persist before a
// dead-PID holder's lock is considered stale and removed.
const LockStaleTTL = 30 * time.Second

// RepairRecord documents one corruption repair (spec §4.C step 2).
type RepairRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	LinesKept   int       `json:"lines_kept"`
	LinesRemoved int      `json:"lines_removed"`
	BackupPath  string    `json:"backup_path"`
	Warnings    []string  `json:"warnings"`
}

// Store is the event log at Path, guarded by a sibling `.lock` file.
type Store struct {
	Path  string
	Clock clock.Clock
	Probe clock.Probe
	Log   *log.Logger
	Sink  sink.Sink

	mu    sync.Mutex
	index *IndexedState
}

// NewStore returns a Store for the event log at path. Sink defaults to a
// no-op; callers that want corruption repairs reported set Store.Sink after
// construction.
func NewStore(path string, logger *log.Logger) *Store {
	return &Store{
		Path:  path,
		Clock: clock.System{},
		Probe: clock.SystemProbe{},
		Log:   logger,
		Sink:  sink.NopSink{},
	}
}

func (s *Store) lockPath() string { return s.Path + ".lock" }

// Load acquires the file lock, reads every line, validates it, and applies
// each event to a fresh in-memory index. Returns the resulting index and
// any RepairRecord produced by corruption repair (nil if none was needed).
func (s *Store) Load() (*IndexedState, *RepairRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquireFileLock()
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	return s.loadLocked()
}

func (s *Store) loadLocked() (*IndexedState, *RepairRecord, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			idx := NewIndexedState()
			s.index = idx
			return idx, nil, nil
		}
		return nil, nil, fmt.Errorf("eventlog: read %s: %w", s.Path, err)
	}

	lines := splitLines(string(data))
	nonEmpty := 0
	valid := make([]string, 0, len(lines))
	events := make([]types.WUEvent, 0, len(lines))
	var warnings []string

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		nonEmpty++
		var ev types.WUEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			warnings = append(warnings, fmt.Sprintf("unmarshal failed: %v", err))
			continue
		}
		if err := ev.Validate(); err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		valid = append(valid, line)
		events = append(events, ev)
	}

	var repair *RepairRecord
	if nonEmpty > 0 {
		invalidRatio := float64(nonEmpty-len(valid)) / float64(nonEmpty)
		if invalidRatio >= CorruptionThreshold {
			rec, err := s.repair(valid, nonEmpty-len(valid), warnings)
			if err != nil {
				return nil, nil, err
			}
			repair = rec
		}
	}

	idx := NewIndexedState()
	for i := range events {
		idx.Apply(&events[i])
	}
	s.index = idx
	return idx, repair, nil
}

func (s *Store) repair(validLines []string, removed int, warnings []string) (*RepairRecord, error) {
	ts := s.Clock.Now()
	backupPath := fmt.Sprintf("%s.backup.%s", s.Path, ts.Format("20060102T150405Z0700"))

	original, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read for backup: %w", err)
	}
	if err := os.WriteFile(backupPath, original, 0o644); err != nil {
		return nil, fmt.Errorf("eventlog: write backup: %w", err)
	}

	rewritten := strings.Join(validLines, "\n")
	if len(validLines) > 0 {
		rewritten += "\n"
	}
	if err := os.WriteFile(s.Path, []byte(rewritten), 0o644); err != nil {
		return nil, fmt.Errorf("eventlog: rewrite after repair: %w", err)
	}

	if s.Log != nil {
		s.Log.Warn("eventlog: corruption repaired", map[string]any{
			"lines_kept":    len(validLines),
			"lines_removed": removed,
			"backup_path":   backupPath,
		})
	}

	rec := &RepairRecord{
		Timestamp:    ts,
		LinesKept:    len(validLines),
		LinesRemoved: removed,
		BackupPath:   backupPath,
		Warnings:     warnings,
	}

	if s.Sink != nil {
		_ = s.Sink.Emit(context.Background(), "repair", rec)
	}

	return rec, nil
}

// AppendAndApply validates event against the current projection's legal
// transition table, serializes it to a single JSON line, appends it under
// the file lock, then applies it to the in-memory index.
func (s *Store) AppendAndApply(event *types.WUEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquireFileLock()
	if err != nil {
		return err
	}
	defer unlock()

	if s.index == nil {
		if _, _, err := s.loadLocked(); err != nil {
			return err
		}
	}

	if err := event.Validate(); err != nil {
		return errs.New(errs.ErrValidation, "append_and_apply", map[string]any{"wu_id": event.WUID}, err)
	}

	if target, checks := event.Type.TargetStatus(); checks {
		current := types.StatusReady
		if rec, ok := s.index.ByID[event.WUID]; ok {
			current = rec.Status
		} else if event.Type != types.EventCreate {
			return errs.New(errs.ErrValidation, "append_and_apply",
				map[string]any{"wu_id": event.WUID}, fmt.Errorf("unknown wu_id %q", event.WUID))
		}
		if !types.LegalTransition(current, target) {
			return errs.IllegalTransition("append_and_apply", event.WUID, string(current), string(target))
		}
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event: %w", err)
	}

	f, err := os.OpenFile(s.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}

	s.index.Apply(event)
	return nil
}

// Index returns the most recently loaded projection. Callers must Load
// before calling this.
func (s *Store) Index() *IndexedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// acquireFileLock creates Path+".lock" via atomic exclusive-create,
// retrying with bounded backoff. A lock older than LockStaleTTL and owned
// by a dead PID is removed after a warning.
func (s *Store) acquireFileLock() (func(), error) {
	delay := 10 * time.Millisecond
	const maxDelay = 500 * time.Millisecond
	deadline := s.Clock.Now().Add(5 * time.Second)

	for {
		f, err := os.OpenFile(s.lockPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { _ = os.Remove(s.lockPath()) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("eventlog: create lock: %w", err)
		}

		if s.tryBreakStaleLock() {
			continue
		}

		if s.Clock.Now().After(deadline) {
			return nil, fmt.Errorf("eventlog: timed out acquiring lock %s", s.lockPath())
		}
		time.Sleep(delay)
		if delay < maxDelay {
			delay *= 2
		}
	}
}

func (s *Store) tryBreakStaleLock() bool {
	info, err := os.Stat(s.lockPath())
	if err != nil {
		return false
	}
	if s.Clock.Now().Sub(info.ModTime()) <= LockStaleTTL {
		return false
	}

	data, err := os.ReadFile(s.lockPath())
	if err != nil {
		return false
	}
	var pid int
	fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid)
	if pid > 0 && s.Probe.IsAlive(pid) {
		return false
	}

	if s.Log != nil {
		s.Log.Warn("eventlog: removing stale lock", map[string]any{"pid": pid, "path": s.lockPath()})
	}
	return os.Remove(s.lockPath()) == nil
}

func splitLines(data string) []string {
	scanner := bufio.NewScanner(strings.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
