package model

import "errors"

// EventKind tags a notification event as mid-stream output or final outcome.
type EventKind string

const (
	// EventPartial carries incremental output from a running job.
	EventPartial EventKind = "partial"
	// EventTerminal carries the final outcome for a logical key. Exactly one
	// terminal event is published per completed submission.
	EventTerminal EventKind = "terminal"
)

// Valid reports whether the kind is one this system publishes.
func (k EventKind) Valid() bool {
	return k == EventPartial || k == EventTerminal
}

// NotificationEvent is the wire unit of the notification stream. Events are
// correlated by logical key, not job ID, so subscribers do not need to know
// which queue attempt produced the outcome.
type NotificationEvent struct {
	CorrelationID string    `json:"correlation_id"`
	Kind          EventKind `json:"kind"`
	// Message holds a chunk of partial output. Only set on partial events.
	Message string `json:"message,omitempty"`
	// ResultRef points at the stored artifact. Only set on successful
	// terminal events.
	ResultRef string `json:"result_ref,omitempty"`
	// Error describes the terminal failure. Only set on failed terminal
	// events.
	Error string `json:"error,omitempty"`
}

// Validate checks the event is publishable.
func (e *NotificationEvent) Validate() error {
	if e.CorrelationID == "" {
		return errors.New("correlation id is required")
	}
	if !e.Kind.Valid() {
		return errors.New("invalid event kind")
	}
	return nil
}

// Terminal reports whether this event closes the stream for its key.
// The kind tag decides; message content never does.
func (e *NotificationEvent) Terminal() bool {
	return e.Kind == EventTerminal
}

// Failed reports whether a terminal event describes a failure.
func (e *NotificationEvent) Failed() bool {
	return e.Terminal() && e.Error != ""
}
