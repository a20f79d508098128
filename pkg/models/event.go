// Package models defines the data types shared across Hats: events, hats,
// tasks, memories, and the records that describe a running loop.
package models

import "time"

// Event is an immutable message routed from a publisher to at most one
// matching hat. Events are values — once published they never change;
// history is append-only.
type Event struct {
	// Topic is a dotted string such as "build.done".
	Topic string `json:"topic"`
	// Payload is an optional free-form string carried with the event.
	Payload string `json:"payload,omitempty"`
	// SourceHat is the id of the hat that published this event, empty
	// for events synthesized by the loop itself (starting event,
	// timeouts, the default-publish safety net).
	SourceHat string `json:"source_hat,omitempty"`
	// TargetHat is set once routing has resolved a matching hat.
	TargetHat string `json:"target_hat,omitempty"`
	// Timestamp is a monotonically increasing creation time.
	Timestamp time.Time `json:"timestamp"`
	// Iteration is the loop iteration number that produced this event.
	Iteration int `json:"iteration"`
	// Synthetic marks events the loop manufactured itself (the
	// default-publish safety net), as opposed to ones a hat actually
	// emitted. Synthetic events do not reset consecutive_failures.
	Synthetic bool `json:"synthetic,omitempty"`
}

// NewEvent constructs an Event with the given topic and payload, stamped
// with the current time and iteration number.
func NewEvent(topic, payload string, iteration int) Event {
	return Event{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
		Iteration: iteration,
	}
}
