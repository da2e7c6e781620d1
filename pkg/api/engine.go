package api

import (
	"context"
	"time"
)

// ExternalEventKind identifies what an external event asks the engine to do.
type ExternalEventKind string

const (
	// EventKindDecision delivers the owner's approval decision.
	EventKindDecision ExternalEventKind = "decision"
	// EventKindManualRetry is an operator retry of an error or dead_letter instance.
	EventKindManualRetry ExternalEventKind = "manual_retry"
)

// ExternalEvent resumes an instance. ID deduplicates deliveries: an event
// whose ID was already applied is a no-op.
type ExternalEvent struct {
	ID       string
	Kind     ExternalEventKind
	Decision *Decision
	// Force is required to revive a dead_letter instance.
	Force bool
	Actor string
	At    time.Time
}

// ErrorFilter selects instances for ListErrors. Zero fields do not filter.
// Since/Until bound the error timestamp.
type ErrorFilter struct {
	OwnerID   string
	ErrorType string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Engine drives workflow instances through their stages.
type Engine interface {
	// Submit creates the instance for item and runs it until it suspends or
	// finishes. Re-submitting an item returns the existing instance.
	Submit(ctx context.Context, item Item) (*WorkflowInstance, error)

	// Start creates the instance for item without running it. created is
	// false when the instance already existed.
	Start(ctx context.Context, item Item) (inst *WorkflowInstance, created bool, err error)

	// Run drives an active instance from its current stage.
	Run(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// Resume applies an external event: an approval decision for a suspended
	// instance, or a manual retry for an error or dead_letter instance.
	Resume(ctx context.Context, instanceID string, ev ExternalEvent) (*WorkflowInstance, error)

	// ResumeByMessageRef resolves the instance correlated with a messaging
	// gateway reference and resumes it.
	ResumeByMessageRef(ctx context.Context, messageRef string, ev ExternalEvent) (*WorkflowInstance, error)

	// Cancel completes the instance with a cancellation marker. A stage in
	// flight is interrupted and its result discarded.
	Cancel(ctx context.Context, instanceID, reason string) (*WorkflowInstance, error)

	GetStatus(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// ListErrors returns error and dead_letter instances.
	ListErrors(ctx context.Context, filter ErrorFilter) ([]InstanceSummary, error)

	// ListStalled returns active instances with no checkpoint for olderThan.
	ListStalled(ctx context.Context, olderThan time.Duration) ([]InstanceSummary, error)

	// RecoverStalled re-runs stalled instances whose lease is free.
	RecoverStalled(ctx context.Context, olderThan time.Duration) ([]*WorkflowInstance, error)

	ListEvents(ctx context.Context, instanceID string) ([]WorkflowEvent, error)
}
