package async

import "time"

// EventKind names a job lifecycle signal.
type EventKind string

const (
	EventEnqueued  EventKind = "enqueued"
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventRetrying  EventKind = "retrying"
	EventFailed    EventKind = "failed"
	EventStalled   EventKind = "stalled"
	EventCancelled EventKind = "cancelled"
)

// Event is published to subscribers on every job transition.
// Job is a snapshot; subscribers must not mutate it.
type Event struct {
	Kind  EventKind     `json:"kind"`
	Job   *Job          `json:"job,omitempty"`
	Error string        `json:"error,omitempty"`
	Delay time.Duration `json:"delay,omitempty"`
	Count int           `json:"count,omitempty"`
	At    time.Time     `json:"at"`
}
