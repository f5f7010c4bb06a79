package lanelock

import (
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"
)

// AuditRecord is one lane-lock safety-override event.
type AuditRecord struct {
	Timestamp time.Time
	Lane      string
	Action    string
	Reason    string
	Forced    bool
}

// AuditWriter appends force-bypass audit records to a pipe-delimited log
// file (spec §6: `<ISO timestamp> | <hook> | <user> | <branch> | <reason> |
// <cwd>`), one record per line. The hook field carries the record's action
// (prefixed "force_" when forced) and the branch field carries the lane
// name. Grounded on lokt's audit.Writer: an
// append-only, best-effort event emitter that callers treat as safe to call
// with a nil receiver.
type AuditWriter struct {
	mu   sync.Mutex
	path string
}

// NewAuditWriter returns an AuditWriter appending to path.
func NewAuditWriter(path string) *AuditWriter {
	return &AuditWriter{path: path}
}

// Emit appends one audit record. Errors are returned, not swallowed: callers
// that want fail-open behavior (spec §4.H: "fail-open on any error") choose
// to discard the error themselves.
func (w *AuditWriter) Emit(rec AuditRecord) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	hook := rec.Action
	if rec.Forced {
		hook = "force_" + hook
	}

	u := "unknown"
	if cur, err := user.Current(); err == nil {
		u = cur.Username
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}

	line := fmt.Sprintf("%s | %s | %s | %s | %s | %s\n",
		rec.Timestamp.UTC().Format(time.RFC3339), hook, u, rec.Lane, rec.Reason, cwd)

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("lanelock: open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("lanelock: write audit record: %w", err)
	}
	return nil
}
