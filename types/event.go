package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a WUEvent variant (spec §3 "WUEvent").
type EventType string

const (
	EventCreate     EventType = "create"
	EventClaim      EventType = "claim"
	EventCheckpoint EventType = "checkpoint"
	EventBlock      EventType = "block"
	EventUnblock    EventType = "unblock"
	EventWait       EventType = "wait"
	EventComplete   EventType = "complete"
	EventRelease    EventType = "release"
	EventDelegate   EventType = "delegate"

	// EventCutover is the sentinel "delegation cutover" event that may be
	// written once per log to migrate legacy schemas (spec §3).
	EventCutover EventType = "delegation_cutover"
)

// TargetStatus is the status a given event type drives the WU to, used by
// the event log's transition validation (spec §4.C). Events that do not
// change status (checkpoint, delegate, cutover) map to the zero value and
// are never checked against the transition table.
func (t EventType) TargetStatus() (Status, bool) {
	switch t {
	case EventClaim:
		return StatusInProgress, true
	case EventBlock:
		return StatusBlocked, true
	case EventUnblock:
		return StatusInProgress, true
	case EventWait:
		return StatusWaiting, true
	case EventComplete:
		return StatusDone, true
	case EventRelease:
		return StatusReady, true
	default:
		return "", false
	}
}

// WUEvent is a single immutable record appended to the event log.
// Field names match the bit-exact JSONL schema in spec §6.
type WUEvent struct {
	EventID   string    `json:"event_id"`
	WUID      string    `json:"wu_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Lane is present on create and claim events.
	Lane string `json:"lane,omitempty"`
	// Title is present on create events.
	Title string `json:"title,omitempty"`
	// Priority is present on create events.
	Priority Priority `json:"priority,omitempty"`
	// CreatedMode is present on create events.
	CreatedMode CreatedMode `json:"created_mode,omitempty"`
	// Initiative is present on create events.
	Initiative string `json:"initiative,omitempty"`
	// AgentSession is present on claim events.
	AgentSession string `json:"agent_session,omitempty"`
	// CompletedAt is present on complete events.
	CompletedAt time.Time `json:"completed_at,omitempty"`
	// Reason is present on block, wait and release events.
	Reason string `json:"reason,omitempty"`
	// Note is present on checkpoint events.
	Note string `json:"note,omitempty"`
	// SessionID is present on checkpoint events.
	SessionID string `json:"session_id,omitempty"`
	// Progress is present on checkpoint events.
	Progress string `json:"progress,omitempty"`
	// NextSteps is present on checkpoint events.
	NextSteps string `json:"next_steps,omitempty"`
	// ParentWUID is present on delegate events.
	ParentWUID string `json:"parent_wu_id,omitempty"`
	// ChildWUID is present on delegate events.
	ChildWUID string `json:"child_wu_id,omitempty"`
	// DelegationID is present on delegate events.
	DelegationID string `json:"delegation_id,omitempty"`
}

// NewEventID returns a fresh unique event identifier.
// Uniqueness is delegated to UUIDv4 collision resistance rather than a
// sequence counter, so that concurrent appenders on different machines
// never need to coordinate to avoid collisions (spec §5 "Across machines").
// The ids are random: they carry no ordering, and event order is the order
// of lines in the log.
func NewEventID() string {
	return uuid.NewString()
}

// Validate checks the event carries the fields spec §6 requires for its
// type and that its WUID/EventID are non-empty.
func (e *WUEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event: missing event_id")
	}
	if e.WUID == "" {
		return fmt.Errorf("event: missing wu_id")
	}
	switch e.Type {
	case EventCreate:
		if e.Lane == "" || e.Title == "" {
			return fmt.Errorf("event %s: create requires lane and title", e.EventID)
		}
	case EventClaim:
		if e.Lane == "" {
			return fmt.Errorf("event %s: claim requires lane", e.EventID)
		}
	case EventComplete:
		if e.CompletedAt.IsZero() {
			return fmt.Errorf("event %s: complete requires completed_at", e.EventID)
		}
	case EventBlock, EventWait:
		if e.Reason == "" {
			return fmt.Errorf("event %s: %s requires reason", e.EventID, e.Type)
		}
	case EventUnblock, EventRelease, EventCheckpoint, EventCutover:
		// no additional required fields
	case EventDelegate:
		if e.ParentWUID == "" || e.ChildWUID == "" || e.DelegationID == "" {
			return fmt.Errorf("event %s: delegate requires parent_wu_id, child_wu_id, delegation_id", e.EventID)
		}
	default:
		return fmt.Errorf("event %s: unknown type %q", e.EventID, e.Type)
	}
	return nil
}
