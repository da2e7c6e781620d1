package api

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle status of a WorkflowInstance.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuspended  Status = "suspended"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusDeadLetter Status = "dead_letter"
)

// AllStatuses lists every status value.
var AllStatuses = []Status{StatusActive, StatusSuspended, StatusCompleted, StatusError, StatusDeadLetter}

// Terminal reports whether no automatic processing happens in s.
// dead_letter is terminal for the engine but can still be revived by an operator.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

var transitions = map[Status][]Status{
	StatusActive:     {StatusActive, StatusSuspended, StatusCompleted, StatusError, StatusDeadLetter},
	StatusSuspended:  {StatusActive, StatusCompleted},
	StatusError:      {StatusActive, StatusDeadLetter, StatusCompleted},
	StatusDeadLetter: {StatusActive, StatusCompleted},
}

// CanTransition reports whether an instance may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Classification is the routing-relevant outcome of the classify stage.
type Classification string

const (
	ClassificationSortOnly      Classification = "sort_only"
	ClassificationNeedsResponse Classification = "needs_response"
)

// AllClassifications lists every classification the router must handle.
var AllClassifications = []Classification{ClassificationSortOnly, ClassificationNeedsResponse}

// Item is a snapshot of an inbound item (an email) as received from the source.
type Item struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"owner_id"`
	ThreadID   string            `json:"thread_id,omitempty"`
	Subject    string            `json:"subject"`
	Sender     string            `json:"sender"`
	Body       string            `json:"body"`
	ReceivedAt time.Time         `json:"received_at"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// RetrievedContext is what the context retrieval service knows about an item.
type RetrievedContext struct {
	History      []string `json:"history,omitempty"`
	RelatedItems []string `json:"related_items,omitempty"`
}

// ClassificationResult is returned by a Classifier.
type ClassificationResult struct {
	NeedsResponse bool   `json:"needs_response"`
	Category      string `json:"category"`
	Priority      string `json:"priority"`
	Language      string `json:"language,omitempty"`
	Tone          string `json:"tone,omitempty"`
}

// Classification maps the classifier output onto the routing enum.
func (r ClassificationResult) Classification() Classification {
	if r.NeedsResponse {
		return ClassificationNeedsResponse
	}
	return ClassificationSortOnly
}

// DecisionKind is what the owner decided to do with an item.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionEdit    DecisionKind = "edit"
	DecisionReject  DecisionKind = "reject"
	// DecisionSort is recorded automatically for sort_only items.
	DecisionSort DecisionKind = "sort"
)

// Decision is the approval decision delivered by an external event.
type Decision struct {
	Kind      DecisionKind `json:"kind"`
	Content   string       `json:"content,omitempty"`
	Labels    []string     `json:"labels,omitempty"`
	DecidedBy string       `json:"decided_by,omitempty"`
	DecidedAt time.Time    `json:"decided_at"`
}

// maxProcessedEvents bounds WorkflowInstance.ProcessedEvents.
const maxProcessedEvents = 32

// WorkflowInstance is one tracked execution of the pipeline for a single item.
type WorkflowInstance struct {
	ID      string
	ItemID  string
	OwnerID string
	Item    Item

	CurrentStage Stage
	Status       Status

	Classification Classification
	Category       string
	Priority       string
	Language       string
	Tone           string

	Context          *RetrievedContext
	DraftContent     string
	MessageRef       string
	ApprovalDecision *Decision
	ActionAck        string

	// RetryCount counts failed attempts of the current stage's call.
	RetryCount int
	// FailureCount counts transitions into error across manual resumes.
	FailureCount int

	FailedStage      Stage
	FailedOperation  string
	ErrorType        string
	ErrorMessage     string
	ErrorTimestamp   time.Time
	DeadLetterReason string

	Cancelled    bool
	CancelReason string

	ProcessedEvents []string

	CreatedAt time.Time
	UpdatedAt time.Time

	LeaseOwner     string
	LeaseExpiresAt time.Time
}

// Clone returns a deep copy of w.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	c := *w
	c.Item.Headers = maps.Clone(w.Item.Headers)
	if w.Context != nil {
		ctx := RetrievedContext{
			History:      slices.Clone(w.Context.History),
			RelatedItems: slices.Clone(w.Context.RelatedItems),
		}
		c.Context = &ctx
	}
	if w.ApprovalDecision != nil {
		d := *w.ApprovalDecision
		d.Labels = slices.Clone(w.ApprovalDecision.Labels)
		c.ApprovalDecision = &d
	}
	c.ProcessedEvents = slices.Clone(w.ProcessedEvents)
	return &c
}

// HasProcessed reports whether the external event with the given id was
// already applied to this instance.
func (w *WorkflowInstance) HasProcessed(eventID string) bool {
	return eventID != "" && slices.Contains(w.ProcessedEvents, eventID)
}

// MarkProcessed records eventID, keeping only the most recent ids.
func (w *WorkflowInstance) MarkProcessed(eventID string) {
	if eventID == "" || w.HasProcessed(eventID) {
		return
	}
	w.ProcessedEvents = append(w.ProcessedEvents, eventID)
	if n := len(w.ProcessedEvents); n > maxProcessedEvents {
		w.ProcessedEvents = slices.Clone(w.ProcessedEvents[n-maxProcessedEvents:])
	}
}

// ClearError resets the diagnostic fields written on failure.
// FailureCount is left untouched.
func (w *WorkflowInstance) ClearError() {
	w.RetryCount = 0
	w.FailedOperation = ""
	w.ErrorType = ""
	w.ErrorMessage = ""
	w.ErrorTimestamp = time.Time{}
}

// InstanceSummary is the operator-facing view of an instance.
type InstanceSummary struct {
	ID               string    `json:"instance_id"`
	ItemID           string    `json:"item_id"`
	OwnerID          string    `json:"owner_id"`
	Status           Status    `json:"status"`
	CurrentStage     Stage     `json:"current_stage"`
	Classification   string    `json:"classification,omitempty"`
	RetryCount       int       `json:"retry_count"`
	FailureCount     int       `json:"failure_count"`
	FailedStage      Stage     `json:"failed_stage,omitempty"`
	FailedOperation  string    `json:"failed_operation,omitempty"`
	ErrorType        string    `json:"error_type,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ErrorTimestamp   time.Time `json:"error_timestamp,omitzero"`
	DeadLetterReason string    `json:"dead_letter_reason,omitempty"`
	Cancelled        bool      `json:"cancelled,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Summary returns the operator-facing view of w.
func (w *WorkflowInstance) Summary() InstanceSummary {
	return InstanceSummary{
		ID:               w.ID,
		ItemID:           w.ItemID,
		OwnerID:          w.OwnerID,
		Status:           w.Status,
		CurrentStage:     w.CurrentStage,
		Classification:   string(w.Classification),
		RetryCount:       w.RetryCount,
		FailureCount:     w.FailureCount,
		FailedStage:      w.FailedStage,
		FailedOperation:  w.FailedOperation,
		ErrorType:        w.ErrorType,
		ErrorMessage:     w.ErrorMessage,
		ErrorTimestamp:   w.ErrorTimestamp,
		DeadLetterReason: w.DeadLetterReason,
		Cancelled:        w.Cancelled,
		UpdatedAt:        w.UpdatedAt,
	}
}
