// Package console provides collaborators that log what they would do
// instead of talking to a mail provider. They back local runs and the
// serve command when no provider is configured.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/petrijr/inboxflow/pkg/api"
)

// Gateway implements every outbound collaborator on top of a logger.
type Gateway struct {
	logger *slog.Logger
	seq    atomic.Int64

	mu      sync.Mutex
	history map[string][]string // thread id -> subjects
}

var (
	_ api.ContextRetriever = (*Gateway)(nil)
	_ api.MessagingGateway = (*Gateway)(nil)
	_ api.ActionExecutor   = (*Gateway)(nil)
	_ api.OwnerNotifier    = (*Gateway)(nil)
	_ api.AlertSink        = (*Gateway)(nil)
)

// New creates a Gateway. A nil logger means slog.Default().
func New(logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{logger: logger, history: make(map[string][]string)}
}

// Remember records item so later items of the same thread see it as history.
func (g *Gateway) Remember(item api.Item) {
	if item.ThreadID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history[item.ThreadID] = append(g.history[item.ThreadID], item.Subject)
}

// Retrieve returns the subjects remembered for the thread. The item id is
// of the form thread/item when the caller encodes a thread.
func (g *Gateway) Retrieve(ctx context.Context, itemID string) (api.RetrievedContext, error) {
	thread, _, ok := strings.Cut(itemID, "/")
	if !ok {
		return api.RetrievedContext{}, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return api.RetrievedContext{History: append([]string(nil), g.history[thread]...)}, nil
}

func (g *Gateway) Notify(ctx context.Context, ownerID string, payload api.NotificationPayload) (string, error) {
	ref := fmt.Sprintf("console-%d", g.seq.Add(1))
	g.logger.InfoContext(ctx, "review requested",
		slog.String("owner_id", ownerID),
		slog.String("instance_id", payload.InstanceID),
		slog.String("item_id", payload.ItemID),
		slog.String("subject", payload.Subject),
		slog.String("classification", string(payload.Classification)),
		slog.String("message_ref", ref),
		slog.Int("draft_len", len(payload.Draft)),
	)
	return ref, nil
}

func (g *Gateway) Apply(ctx context.Context, itemID string, decision api.Decision) (string, error) {
	g.logger.InfoContext(ctx, "action applied",
		slog.String("item_id", itemID),
		slog.String("decision", string(decision.Kind)),
		slog.Any("labels", decision.Labels),
	)
	return fmt.Sprintf("%s:%s", decision.Kind, itemID), nil
}

func (g *Gateway) NotifyFailure(ctx context.Context, n api.FailureNotice) error {
	g.logger.WarnContext(ctx, "item failed",
		slog.String("owner_id", n.OwnerID),
		slog.String("instance_id", n.InstanceID),
		slog.String("status", string(n.Status)),
		slog.String("stage", string(n.Stage)),
		slog.String("error_type", n.ErrorType),
		slog.Int("failure_count", n.FailureCount),
		slog.String("dead_letter_reason", n.DeadLetterReason),
	)
	return nil
}

func (g *Gateway) Alert(ctx context.Context, a api.Alert) error {
	g.logger.ErrorContext(ctx, "alert",
		slog.String("name", a.Name),
		slog.String("message", a.Message),
		slog.Float64("rate", a.Rate),
		slog.Float64("threshold", a.Threshold),
	)
	return nil
}
