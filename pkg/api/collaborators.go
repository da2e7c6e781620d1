package api

import (
	"context"
	"time"
)

// Classifier decides whether an item needs a response and tags it.
type Classifier interface {
	Classify(ctx context.Context, item Item) (ClassificationResult, error)
}

// ContextRetriever returns history and related items for an item.
type ContextRetriever interface {
	Retrieve(ctx context.Context, itemID string) (RetrievedContext, error)
}

// DraftRequest is the input of a DraftGenerator.
type DraftRequest struct {
	Item     Item
	Context  RetrievedContext
	Language string
	Tone     string
}

// DraftGenerator produces a reply draft for an item.
type DraftGenerator interface {
	Generate(ctx context.Context, req DraftRequest) (string, error)
}

// NotificationPayload is what the owner sees when asked to review an item.
type NotificationPayload struct {
	InstanceID     string         `json:"instance_id"`
	ItemID         string         `json:"item_id"`
	Subject        string         `json:"subject"`
	Sender         string         `json:"sender"`
	Classification Classification `json:"classification"`
	Category       string         `json:"category,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	Draft          string         `json:"draft,omitempty"`
}

// MessagingGateway delivers review requests to owners. The returned message
// reference is correlated to the instance; decisions come back through
// Engine.ResumeByMessageRef.
type MessagingGateway interface {
	Notify(ctx context.Context, ownerID string, payload NotificationPayload) (messageRef string, err error)
}

// ActionExecutor applies the decided action (label, move, send) to the item.
type ActionExecutor interface {
	Apply(ctx context.Context, itemID string, decision Decision) (ack string, err error)
}

// CredentialRefresher is implemented by collaborators that can renew expired
// credentials. The retry executor calls it at most once per call.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context) error
}

// FailureNotice describes a transition into error or dead_letter.
type FailureNotice struct {
	InstanceID       string
	OwnerID          string
	ItemID           string
	Subject          string
	Status           Status
	Stage            Stage
	Operation        string
	ErrorType        string
	ErrorMessage     string
	FailureCount     int
	DeadLetterReason string
	At               time.Time
}

// OwnerNotifier tells owners about failed items. Delivery is best effort.
type OwnerNotifier interface {
	NotifyFailure(ctx context.Context, notice FailureNotice) error
}

// Alert is raised when an operational threshold is crossed.
type Alert struct {
	Name      string
	Message   string
	Rate      float64
	Threshold float64
	Failures  int
	Total     int
	Window    time.Duration
	At        time.Time
}

// AlertSink receives operational alerts.
type AlertSink interface {
	Alert(ctx context.Context, alert Alert) error
}

// Collaborators bundles everything the stages call out to.
// Notifier may be nil; the other fields are required.
type Collaborators struct {
	Retriever  ContextRetriever
	Classifier Classifier
	Drafter    DraftGenerator
	Messenger  MessagingGateway
	Actions    ActionExecutor
	Notifier   OwnerNotifier
}
