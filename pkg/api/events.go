package api

import "time"

// EventType identifies an instance history event.
type EventType string

const (
	EventSubmitted    EventType = "instance.submitted"
	EventSuspended    EventType = "instance.suspended"
	EventResumed      EventType = "instance.resumed"
	EventCompleted    EventType = "instance.completed"
	EventFailed       EventType = "instance.failed"
	EventDeadLettered EventType = "instance.dead_lettered"
	EventManualRetry  EventType = "instance.manual_retry"
	EventCancelled    EventType = "instance.cancelled"
	EventRecovered    EventType = "instance.recovered"

	EventStageStarted   EventType = "stage.started"
	EventStageCompleted EventType = "stage.completed"
	EventStageFailed    EventType = "stage.failed"
)

// WorkflowEvent is a small append-only history record for audit and debugging.
type WorkflowEvent struct {
	InstanceID string
	At         time.Time
	Type       EventType
	Stage      Stage
	Status     Status

	// Short human-oriented detail (decision kind, error string). No payloads.
	Detail string
}
