package api

import "time"

// OutcomeKind is the tagged-variant discriminator for UpdateOutcome.
type OutcomeKind string

const (
	NoChangeDetected OutcomeKind = "no_change"
	UpdateAvailable  OutcomeKind = "update_available"
	UpdateApplied    OutcomeKind = "update_applied"
	UpdateFailed     OutcomeKind = "update_failed"
	RolledBack       OutcomeKind = "rolled_back"
)

// UpdateOutcome is the result of checking one image in one cycle.
// It is transient: the engine persists state derived from it but never the
// outcome itself, except in the bounded in-memory history.
type UpdateOutcome struct {
	Image      string      `json:"image"`
	Kind       OutcomeKind `json:"kind"`
	OldDigest  string      `json:"old_digest,omitempty"`
	NewDigest  string      `json:"new_digest,omitempty"`
	OldVersion string      `json:"old_version,omitempty"`
	NewVersion string      `json:"new_version,omitempty"`
	// Reason carries the failure cause for UpdateFailed and RolledBack.
	Reason     string    `json:"reason,omitempty"`
	AutoUpdate bool      `json:"auto_update"`
	DryRun     bool      `json:"dry_run,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

type EventType string

const (
	EventCycleStarted  EventType = "cycle_started"
	EventCycleFinished EventType = "cycle_finished"
	EventOutcome       EventType = "outcome"
)

// Event is what the engine pushes to its sink: one outcome event per image
// per cycle, bracketed by cycle_started/cycle_finished signals.
type Event struct {
	Type    EventType      `json:"type"`
	CycleID string         `json:"cycle_id"`
	Total   int            `json:"total,omitempty"`
	Outcome *UpdateOutcome `json:"outcome,omitempty"`
}

// EventSink consumes engine events. Delivery and retry are entirely the
// sink's concern; the engine calls Handle synchronously and ignores sink
// failures.
type EventSink interface {
	Handle(Event)
}
