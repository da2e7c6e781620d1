package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/inboxflow/pkg/api"
)

// fail is the single place where a stage failure becomes an error or
// dead_letter status. inst is the last checkpoint; the failed stage's
// working copy is dropped.
func (e *engineImpl) fail(ctx context.Context, inst *api.WorkflowInstance, stage api.Stage, cause error) (*api.WorkflowInstance, error) {
	work := inst.Clone()
	work.FailureCount++
	work.FailedStage = stage
	work.FailedOperation = api.OperationOf(cause)
	if work.FailedOperation == "" {
		work.FailedOperation = string(stage)
	}
	work.ErrorType = api.ErrorTypeOf(cause)
	work.ErrorMessage = cause.Error()
	work.ErrorTimestamp = e.now()
	work.RetryCount = retriesOf(cause)

	to := api.StatusError
	evType := api.EventFailed
	if work.FailureCount >= e.ceiling {
		to = api.StatusDeadLetter
		evType = api.EventDeadLettered
		work.DeadLetterReason = deadLetterReason(work, e.ceiling)
	}

	e.logger.WarnContext(ctx, "instance_failed",
		slog.String("instance_id", work.ID),
		slog.String("stage", string(stage)),
		slog.String("operation", work.FailedOperation),
		slog.String("error_type", work.ErrorType),
		slog.Int("retry_count", work.RetryCount),
		slog.Int("failure_count", work.FailureCount),
		slog.String("status", string(to)),
		slog.String("error", work.ErrorMessage),
	)

	if err := e.transition(ctx, inst, work, to, evType, work.ErrorMessage); err != nil {
		return inst, err
	}
	e.notifyOwner(ctx, work)
	return work, nil
}

// manualRetry re-enters an error instance at its failed stage, or a
// dead_letter instance at the entry stage when the event is forced.
func (e *engineImpl) manualRetry(ctx context.Context, l *lease, inst *api.WorkflowInstance, ev api.ExternalEvent) (*api.WorkflowInstance, error) {
	work := inst.Clone()
	work.MarkProcessed(ev.ID)

	switch inst.Status {
	case api.StatusError:
		if inst.FailureCount >= e.ceiling {
			work.DeadLetterReason = deadLetterReason(work, e.ceiling)
			if err := e.transition(ctx, inst, work, api.StatusDeadLetter, api.EventDeadLettered, "manual retry refused"); err != nil {
				return inst, err
			}
			e.notifyOwner(ctx, work)
			return work, fmt.Errorf("%w: %s", api.ErrDeadLettered, work.DeadLetterReason)
		}
		work.ClearError()
		if work.FailedStage != "" {
			work.CurrentStage = work.FailedStage
		}

	case api.StatusDeadLetter:
		if !ev.Force {
			return inst, fmt.Errorf("%w: forced retry required", api.ErrDeadLettered)
		}
		work.ClearError()
		work.FailureCount = 0
		work.DeadLetterReason = ""
		work.FailedStage = ""
		work.CurrentStage = api.EntryStage

	default:
		return inst, fmt.Errorf("%w: manual retry of %s instance", api.ErrInvalidTransition, inst.Status)
	}

	detail := string(work.CurrentStage)
	if ev.Actor != "" {
		detail += " by " + ev.Actor
	}
	if err := e.transition(ctx, inst, work, api.StatusActive, api.EventManualRetry, detail); err != nil {
		return inst, err
	}
	return e.drive(ctx, l, work)
}

func (e *engineImpl) notifyOwner(ctx context.Context, inst *api.WorkflowInstance) {
	if e.notifier == nil {
		return
	}
	notice := api.FailureNotice{
		InstanceID:       inst.ID,
		OwnerID:          inst.OwnerID,
		ItemID:           inst.ItemID,
		Subject:          inst.Item.Subject,
		Status:           inst.Status,
		Stage:            inst.FailedStage,
		Operation:        inst.FailedOperation,
		ErrorType:        inst.ErrorType,
		ErrorMessage:     inst.ErrorMessage,
		FailureCount:     inst.FailureCount,
		DeadLetterReason: inst.DeadLetterReason,
		At:               e.now(),
	}
	if err := e.notifier.NotifyFailure(context.WithoutCancel(ctx), notice); err != nil {
		e.logger.WarnContext(ctx, "owner_notification_failed",
			slog.String("instance_id", inst.ID),
			slog.String("error", err.Error()),
		)
	}
}

// retriesOf returns how many attempts of the failing call failed before
// the one that ended it.
func retriesOf(err error) int {
	var re *api.RetriesExhaustedError
	if errors.As(err, &re) {
		return re.Attempts
	}
	var pf *api.PermanentFailureError
	if errors.As(err, &pf) {
		return pf.Attempt
	}
	return 0
}

func deadLetterReason(inst *api.WorkflowInstance, ceiling int) string {
	return fmt.Sprintf("failed %d times (ceiling %d); last failure in stage %s, operation %s: %s: %s",
		inst.FailureCount, ceiling, inst.FailedStage, inst.FailedOperation, inst.ErrorType, inst.ErrorMessage)
}
