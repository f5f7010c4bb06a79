// Package errs classifies coordinator failures per spec §7.
//
// Sentinel errors are returned wrapped in a CoordinatorError so callers use
// errors.Is/errors.As instead of string matching, mirroring the teacher's
// lode.StorageError / classifierTable pattern.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds, one per spec §7 taxonomy entry.
var (
	ErrValidation         = errors.New("validation error")
	ErrIllegalTransition  = errors.New("illegal transition")
	ErrLaneBusy           = errors.New("lane busy")
	ErrNotOwner           = errors.New("not lock owner")
	ErrIDGenerationFailed = errors.New("id generation failed")
	ErrCorruptionRepaired = errors.New("event log corruption repaired")
	ErrMergeConflict      = errors.New("merge conflict")
	ErrVcsRetryable       = errors.New("vcs error (retryable)")
	ErrVcsFatal           = errors.New("vcs error (fatal)")
	ErrTransientIO        = errors.New("transient i/o error")
	ErrBug                = errors.New("internal invariant violation")
)

// CoordinatorError wraps an underlying error with a classification Kind,
// the operation that failed, and arbitrary structured context.
type CoordinatorError struct {
	Kind    error
	Op      string
	Context map[string]any
	Err     error
}

func (e *CoordinatorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *CoordinatorError) Unwrap() error { return e.Err }

// Is reports whether the error matches the target sentinel kind.
func (e *CoordinatorError) Is(target error) bool { return errors.Is(e.Kind, target) }

// New builds a classified CoordinatorError.
func New(kind error, op string, ctx map[string]any, err error) *CoordinatorError {
	return &CoordinatorError{Kind: kind, Op: op, Context: ctx, Err: err}
}

// IllegalTransition builds the §7 IllegalTransition error, which always
// names the rejected `from` and `to` states.
func IllegalTransition(op, wuID string, from, to string) *CoordinatorError {
	return New(ErrIllegalTransition, op, map[string]any{
		"wu_id": wuID,
		"from":  from,
		"to":    to,
	}, nil)
}

// LaneBusy builds the §7 LaneBusy error, carrying the current holder.
func LaneBusy(op, lane, holderWUID string, ageSeconds float64) *CoordinatorError {
	return New(ErrLaneBusy, op, map[string]any{
		"lane":        lane,
		"holder":      holderWUID,
		"age_seconds": ageSeconds,
	}, nil)
}

// vcsPatternTable pairs ordered substrings with the retryable classification
// (spec §4.F / §9): a small ordered list of substrings is the documented
// extension point, not a full parser of git's error output.
var vcsPatternTable = []string{
	"non-fast-forward",
	"fetch first",
	"cannot lock ref",
	"remote rejected",
	"push rejected",
	"failed to push",
	"stale info",
	"! [rejected]",
}

// ClassifyVcsError reports whether a VCS error message indicates a
// retryable collision (non-fast-forward push, ref contention) rather than a
// fatal error. First-match-wins over the ordered pattern table, same shape
// as the teacher's classifierTable in lode/errors.go.
func ClassifyVcsError(err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range vcsPatternTable {
		if strings.Contains(lower, pattern) {
			return ErrVcsRetryable
		}
	}
	return ErrVcsFatal
}
