package types

// SchemaVersion is the event-log schema version. Bumped whenever a new
// event variant or required field is added; the delegation cutover event
// (EventCutover) exists precisely to migrate logs written under an older
// SchemaVersion.
const SchemaVersion = "1.0.0"
