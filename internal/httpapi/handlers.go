package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/petrijr/inboxflow/internal/engine"
	"github.com/petrijr/inboxflow/pkg/api"
)

// defaultStalledAfter applies when a stalled query has no older_than.
const defaultStalledAfter = 10 * time.Minute

// InstanceView is the JSON shape of one instance.
type InstanceView struct {
	api.InstanceSummary
	Category     string        `json:"category,omitempty"`
	Priority     string        `json:"priority,omitempty"`
	Draft        string        `json:"draft,omitempty"`
	MessageRef   string        `json:"message_ref,omitempty"`
	Decision     *api.Decision `json:"decision,omitempty"`
	ActionAck    string        `json:"action_ack,omitempty"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

func viewOf(inst *api.WorkflowInstance) InstanceView {
	return InstanceView{
		InstanceSummary: inst.Summary(),
		Category:        inst.Category,
		Priority:        inst.Priority,
		Draft:           inst.DraftContent,
		MessageRef:      inst.MessageRef,
		Decision:        inst.ApprovalDecision,
		ActionAck:       inst.ActionAck,
		CancelReason:    inst.CancelReason,
		CreatedAt:       inst.CreatedAt,
	}
}

// AcceptedResponse answers a queued request.
type AcceptedResponse struct {
	InstanceID string `json:"instance_id,omitempty"`
	MessageRef string `json:"message_ref,omitempty"`
	Status     string `json:"status"`
}

// SubmitItem creates (or returns) the instance for an item.
// (POST /api/v1/items)
func (s *Server) SubmitItem(c echo.Context) error {
	ctx := c.Request().Context()

	var item api.Item
	if err := c.Bind(&item); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if item.ID == "" || item.OwnerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, api.ErrInvalidItem.Error())
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = time.Now().UTC()
	}

	if s.worker != nil {
		if err := s.worker.EnqueueSubmit(ctx, item); err != nil {
			return engineError(err)
		}
		return c.JSON(http.StatusAccepted, AcceptedResponse{
			InstanceID: engine.InstanceID(item.OwnerID, item.ID),
			Status:     "queued",
		})
	}

	inst, err := s.engine.Submit(ctx, item)
	if err != nil {
		return engineError(err)
	}
	return c.JSON(http.StatusOK, viewOf(inst))
}

// DecisionRequest is the body of a decision callback.
type DecisionRequest struct {
	// EventID deduplicates redelivered callbacks. Empty means a fresh id.
	EventID   string           `json:"event_id"`
	Kind      api.DecisionKind `json:"kind"`
	Content   string           `json:"content"`
	Labels    []string         `json:"labels"`
	DecidedBy string           `json:"decided_by"`
}

// DeliverDecision resumes the instance correlated with a message reference.
// (POST /api/v1/decisions/:ref)
func (s *Server) DeliverDecision(c echo.Context) error {
	ctx := c.Request().Context()
	ref := c.Param("ref")

	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	switch req.Kind {
	case api.DecisionApprove, api.DecisionEdit, api.DecisionReject:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be approve, edit or reject")
	}
	if req.EventID == "" {
		req.EventID = uuid.NewString()
	}

	now := time.Now().UTC()
	ev := api.ExternalEvent{
		ID:   req.EventID,
		Kind: api.EventKindDecision,
		Decision: &api.Decision{
			Kind:      req.Kind,
			Content:   req.Content,
			Labels:    req.Labels,
			DecidedBy: req.DecidedBy,
			DecidedAt: now,
		},
		Actor: req.DecidedBy,
		At:    now,
	}

	if s.worker != nil {
		if err := s.worker.EnqueueResumeByRef(ctx, ref, ev); err != nil {
			return engineError(err)
		}
		return c.JSON(http.StatusAccepted, AcceptedResponse{MessageRef: ref, Status: "queued"})
	}

	inst, err := s.engine.ResumeByMessageRef(ctx, ref, ev)
	if err != nil {
		return engineError(err)
	}
	return c.JSON(http.StatusOK, viewOf(inst))
}

// GetInstance returns the current state of an instance.
// (GET /api/v1/instances/:id)
func (s *Server) GetInstance(c echo.Context) error {
	inst, err := s.engine.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return engineError(err)
	}
	return c.JSON(http.StatusOK, viewOf(inst))
}

// EventView is the JSON shape of a history event.
type EventView struct {
	At     time.Time `json:"at"`
	Type   string    `json:"type"`
	Stage  string    `json:"stage,omitempty"`
	Status string    `json:"status,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// ListEvents returns the history of an instance.
// (GET /api/v1/instances/:id/events)
func (s *Server) ListEvents(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := s.engine.GetStatus(ctx, id); err != nil {
		return engineError(err)
	}
	events, err := s.engine.ListEvents(ctx, id)
	if err != nil {
		return engineError(err)
	}
	out := make([]EventView, 0, len(events))
	for _, ev := range events {
		out = append(out, EventView{
			At:     ev.At,
			Type:   string(ev.Type),
			Stage:  string(ev.Stage),
			Status: string(ev.Status),
			Detail: ev.Detail,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// RetryRequest is the body of a manual retry.
type RetryRequest struct {
	EventID string `json:"event_id"`
	Force   bool   `json:"force"`
	Actor   string `json:"actor"`
}

// RetryInstance resumes an error or dead_letter instance at its failed stage.
// (POST /api/v1/instances/:id/retry)
func (s *Server) RetryInstance(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req RetryRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
		}
	}
	if req.EventID == "" {
		req.EventID = uuid.NewString()
	}
	ev := api.ExternalEvent{
		ID:    req.EventID,
		Kind:  api.EventKindManualRetry,
		Force: req.Force,
		Actor: req.Actor,
		At:    time.Now().UTC(),
	}

	if s.worker != nil {
		// Validate synchronously so the caller learns about refusals.
		inst, err := s.engine.GetStatus(ctx, id)
		if err != nil {
			return engineError(err)
		}
		if inst.Status != api.StatusError && inst.Status != api.StatusDeadLetter {
			return echo.NewHTTPError(http.StatusConflict, api.ErrInvalidTransition.Error())
		}
		if inst.Status == api.StatusDeadLetter && !req.Force {
			return echo.NewHTTPError(http.StatusConflict, api.ErrDeadLettered.Error())
		}
		if err := s.worker.EnqueueResume(ctx, id, ev); err != nil {
			return engineError(err)
		}
		return c.JSON(http.StatusAccepted, AcceptedResponse{InstanceID: id, Status: "queued"})
	}

	inst, err := s.engine.Resume(ctx, id, ev)
	if err != nil {
		return engineError(err)
	}
	return c.JSON(http.StatusOK, viewOf(inst))
}

// CancelRequest is the body of a cancellation.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CancelInstance stops an instance and marks it completed and cancelled.
// (POST /api/v1/instances/:id/cancel)
func (s *Server) CancelInstance(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}
	inst, err := s.engine.Cancel(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return engineError(err)
	}
	return c.JSON(http.StatusOK, viewOf(inst))
}

// ListErrors returns error and dead_letter instances.
// (GET /api/v1/errors?owner=&error_type=&since=&until=&limit=)
func (s *Server) ListErrors(c echo.Context) error {
	filter := api.ErrorFilter{
		OwnerID:   c.QueryParam("owner"),
		ErrorType: c.QueryParam("error_type"),
	}
	var err error
	if filter.Since, err = parseTime(c.QueryParam("since")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "since: "+err.Error())
	}
	if filter.Until, err = parseTime(c.QueryParam("until")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "until: "+err.Error())
	}
	if v := c.QueryParam("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
	}

	list, err := s.engine.ListErrors(c.Request().Context(), filter)
	if err != nil {
		return engineError(err)
	}
	if list == nil {
		list = []api.InstanceSummary{}
	}
	return c.JSON(http.StatusOK, list)
}

// ListStalled returns active instances with no recent checkpoint.
// (GET /api/v1/stalled?older_than=10m)
func (s *Server) ListStalled(c echo.Context) error {
	olderThan, err := parseDuration(c.QueryParam("older_than"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "older_than: "+err.Error())
	}
	list, err := s.engine.ListStalled(c.Request().Context(), olderThan)
	if err != nil {
		return engineError(err)
	}
	if list == nil {
		list = []api.InstanceSummary{}
	}
	return c.JSON(http.StatusOK, list)
}

// RecoverStalled re-runs stalled instances whose lease is free.
// (POST /api/v1/stalled/recover?older_than=10m)
func (s *Server) RecoverStalled(c echo.Context) error {
	olderThan, err := parseDuration(c.QueryParam("older_than"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "older_than: "+err.Error())
	}
	recovered, err := s.engine.RecoverStalled(c.Request().Context(), olderThan)
	if err != nil {
		return engineError(err)
	}
	out := make([]InstanceView, 0, len(recovered))
	for _, inst := range recovered {
		out = append(out, viewOf(inst))
	}
	return c.JSON(http.StatusOK, out)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return defaultStalledAfter, nil
	}
	return time.ParseDuration(v)
}
