package model

import (
	"encoding/json"
	"time"
)

// Event is a unit of work that must be served by an agent whose capability set
// contains RequesterIdentity.
//
// Descriptive fields are immutable once ingested. Timing fields are written at
// most once, in declaration order: the dispatcher stamps the queue and dispatch
// times, the executing agent stamps the execution times. An Event is intended
// for a single run.
type Event struct {
	ID                string          `json:"id"`
	RequesterIdentity string          `json:"requester_identity"`
	Payload           json.RawMessage `json:"payload,omitempty"`

	QueuedAt           time.Time     `json:"queued_at"`
	DispatchStartedAt  time.Time     `json:"dispatch_started_at"`
	WaitTime           time.Duration `json:"wait_time"`
	ExecutionStartedAt time.Time     `json:"execution_started_at"`
	ExecutionEndedAt   time.Time     `json:"execution_ended_at"`
	Duration           time.Duration `json:"duration"`
}

// NewEvent creates an event with no timing information.
func NewEvent(id, requesterIdentity string, payload json.RawMessage) *Event {
	return &Event{
		ID:                id,
		RequesterIdentity: requesterIdentity,
		Payload:           payload,
	}
}

// MarkQueued records when the event left the input queue. It reports false if
// the timestamp was already set.
func (e *Event) MarkQueued(now time.Time) bool {
	if !e.QueuedAt.IsZero() {
		return false
	}
	e.QueuedAt = now
	return true
}

// MarkDispatchStarted records when the dispatcher began looking for an agent
// and derives WaitTime from QueuedAt.
func (e *Event) MarkDispatchStarted(now time.Time) bool {
	if !e.DispatchStartedAt.IsZero() {
		return false
	}
	e.DispatchStartedAt = now
	if !e.QueuedAt.IsZero() {
		e.WaitTime = nonNegative(now.Sub(e.QueuedAt))
	}
	return true
}

// MarkExecutionStarted records when an agent began processing the event.
func (e *Event) MarkExecutionStarted(now time.Time) bool {
	if !e.ExecutionStartedAt.IsZero() {
		return false
	}
	e.ExecutionStartedAt = now
	return true
}

// MarkExecutionEnded records when processing finished and derives Duration.
func (e *Event) MarkExecutionEnded(now time.Time) bool {
	if !e.ExecutionEndedAt.IsZero() {
		return false
	}
	e.ExecutionEndedAt = now
	if !e.ExecutionStartedAt.IsZero() {
		e.Duration = nonNegative(now.Sub(e.ExecutionStartedAt))
	}
	return true
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
