package schemas

import "time"

// -- Notification Event Schemas --

// EventKind classifies events published to observers of a test run.
type EventKind string

const (
	// EventMessage is a human-readable progress string.
	EventMessage EventKind = "message"
	// EventScriptUpdate carries the serialized TestScriptState after a review.
	EventScriptUpdate EventKind = "test_script_update"
	// EventTestCases carries the loaded test plan.
	EventTestCases EventKind = "test_cases"
	// EventVerdict is the terminal pass/fail signal.
	EventVerdict EventKind = "verdict"
)

// Event is the payload published on the notification bus.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Kind      EventKind `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
