// Package stages implements the pipeline stages run by the engine.
//
// Every stage checks the instance fields it owns before calling out, so a
// stage re-run after a crash or a manual retry never repeats an external
// effect that was already checkpointed.
package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/inboxflow/internal/retry"
	"github.com/petrijr/inboxflow/pkg/api"
)

// Operation names passed to the retry executor. They show up in logs,
// retry telemetry and FailedOperation.
const (
	OpRetrieve = "context.retrieve"
	OpClassify = "classifier.classify"
	OpGenerate = "drafter.generate"
	OpNotify   = "messenger.notify"
	OpApply    = "actions.apply"
)

// ErrMissingDecision is returned by execute_action when a needs_response
// instance reaches it without an approval decision.
var ErrMissingDecision = errors.New("stages: approval decision missing")

type runner struct {
	c  api.Collaborators
	ex *retry.Executor
}

// Table returns the stage table for the given collaborators. All external
// calls go through ex.
func Table(c api.Collaborators, ex *retry.Executor) (api.StageTable, error) {
	if err := Check(c); err != nil {
		return nil, err
	}
	r := &runner{c: c, ex: ex}
	return api.StageTable{
		api.StageExtractContext:   r.extractContext,
		api.StageClassify:         r.classify,
		api.StageGenerateResponse: r.generateResponse,
		api.StageNotifyOwner:      r.notifyOwner,
		api.StageAwaitDecision:    awaitDecision,
		api.StageExecuteAction:    r.executeAction,
	}, nil
}

// Check reports the first required collaborator that is missing.
func Check(c api.Collaborators) error {
	switch {
	case c.Retriever == nil:
		return fmt.Errorf("%w: context retriever", api.ErrMissingCollaborator)
	case c.Classifier == nil:
		return fmt.Errorf("%w: classifier", api.ErrMissingCollaborator)
	case c.Drafter == nil:
		return fmt.Errorf("%w: draft generator", api.ErrMissingCollaborator)
	case c.Messenger == nil:
		return fmt.Errorf("%w: messaging gateway", api.ErrMissingCollaborator)
	case c.Actions == nil:
		return fmt.Errorf("%w: action executor", api.ErrMissingCollaborator)
	}
	return nil
}

func (r *runner) extractContext(ctx context.Context, inst *api.WorkflowInstance) (api.StageResult, error) {
	if inst.Context != nil {
		return api.Continue(), nil
	}
	rc, err := retry.Value(ctx, r.ex, OpRetrieve, func(ctx context.Context) (api.RetrievedContext, error) {
		return r.c.Retriever.Retrieve(ctx, inst.ItemID)
	}, retry.RefreshWith(r.c.Retriever))
	if err != nil {
		return api.StageResult{}, err
	}
	inst.Context = &rc
	return api.Continue(), nil
}

func (r *runner) classify(ctx context.Context, inst *api.WorkflowInstance) (api.StageResult, error) {
	if inst.Classification != "" {
		return api.Continue(), nil
	}
	res, err := retry.Value(ctx, r.ex, OpClassify, func(ctx context.Context) (api.ClassificationResult, error) {
		return r.c.Classifier.Classify(ctx, inst.Item)
	}, retry.RefreshWith(r.c.Classifier))
	if err != nil {
		return api.StageResult{}, err
	}
	inst.Classification = res.Classification()
	inst.Category = res.Category
	inst.Priority = res.Priority
	inst.Language = res.Language
	inst.Tone = res.Tone
	return api.Continue(), nil
}

func (r *runner) generateResponse(ctx context.Context, inst *api.WorkflowInstance) (api.StageResult, error) {
	if inst.DraftContent != "" {
		return api.Continue(), nil
	}
	req := api.DraftRequest{
		Item:     inst.Item,
		Language: inst.Language,
		Tone:     inst.Tone,
	}
	if inst.Context != nil {
		req.Context = *inst.Context
	}
	draft, err := retry.Value(ctx, r.ex, OpGenerate, func(ctx context.Context) (string, error) {
		return r.c.Drafter.Generate(ctx, req)
	}, retry.RefreshWith(r.c.Drafter))
	if err != nil {
		return api.StageResult{}, err
	}
	if draft == "" {
		return api.StageResult{}, api.Permanent(fmt.Errorf("%s: empty draft", OpGenerate))
	}
	inst.DraftContent = draft
	return api.Continue(), nil
}

func (r *runner) notifyOwner(ctx context.Context, inst *api.WorkflowInstance) (api.StageResult, error) {
	if inst.MessageRef != "" {
		return api.Continue(), nil
	}
	payload := api.NotificationPayload{
		InstanceID:     inst.ID,
		ItemID:         inst.ItemID,
		Subject:        inst.Item.Subject,
		Sender:         inst.Item.Sender,
		Classification: inst.Classification,
		Category:       inst.Category,
		Priority:       inst.Priority,
		Draft:          inst.DraftContent,
	}
	ref, err := retry.Value(ctx, r.ex, OpNotify, func(ctx context.Context) (string, error) {
		return r.c.Messenger.Notify(ctx, inst.OwnerID, payload)
	}, retry.RefreshWith(r.c.Messenger))
	if err != nil {
		return api.StageResult{}, err
	}
	inst.MessageRef = ref
	return api.Continue(), nil
}

// awaitDecision suspends until an external event sets ApprovalDecision.
func awaitDecision(ctx context.Context, inst *api.WorkflowInstance) (api.StageResult, error) {
	if inst.ApprovalDecision != nil {
		return api.Continue(), nil
	}
	return api.Suspend(), nil
}

func (r *runner) executeAction(ctx context.Context, inst *api.WorkflowInstance) (api.StageResult, error) {
	if inst.ActionAck != "" {
		return api.Terminate(api.StatusCompleted), nil
	}
	decision, err := decisionFor(inst)
	if err != nil {
		return api.StageResult{}, err
	}
	ack, err := retry.Value(ctx, r.ex, OpApply, func(ctx context.Context) (string, error) {
		return r.c.Actions.Apply(ctx, inst.ItemID, decision)
	}, retry.RefreshWith(r.c.Actions))
	if err != nil {
		return api.StageResult{}, err
	}
	if ack == "" {
		ack = string(decision.Kind)
	}
	inst.ApprovalDecision = &decision
	inst.ActionAck = ack
	return api.Terminate(api.StatusCompleted), nil
}

// decisionFor returns the decision to apply. Sort-only items never wait for
// the owner and get a sort decision built from the classifier output.
func decisionFor(inst *api.WorkflowInstance) (api.Decision, error) {
	if inst.ApprovalDecision != nil {
		return *inst.ApprovalDecision, nil
	}
	if inst.Classification == api.ClassificationSortOnly {
		d := api.Decision{
			Kind:      api.DecisionSort,
			DecidedBy: "inboxflow",
			DecidedAt: time.Now(),
		}
		if inst.Category != "" {
			d.Labels = []string{inst.Category}
		}
		return d, nil
	}
	return api.Decision{}, api.Permanent(ErrMissingDecision)
}
