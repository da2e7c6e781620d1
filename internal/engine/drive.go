package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/petrijr/inboxflow/pkg/api"
)

// drive runs inst from its current stage until it suspends, finishes or
// fails. The caller holds l. Every stage outcome is checkpointed before the
// next stage starts.
//
// Stage failures are recorded on the instance and drive returns a nil
// error; a non-nil error means the store, the lease or ctx failed.
func (e *engineImpl) drive(ctx context.Context, l *lease, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	runCtx, cancel := context.WithCancel(api.WithInstanceID(ctx, inst.ID))
	defer cancel()
	l.fl.bind(cancel)

	if inst.CurrentStage == "" {
		inst.CurrentStage = api.EntryStage
	}

	for inst.Status == api.StatusActive {
		if cancelled, reason := l.fl.cancelRequested(); cancelled {
			return e.markCancelled(ctx, inst, reason)
		}

		stage := inst.CurrentStage
		fn, err := e.registry.Get(stage)
		if err != nil {
			return e.fail(ctx, inst, stage, err)
		}

		work := inst.Clone()
		e.observer.OnStageStart(runCtx, work, stage)
		start := e.now()
		res, stageErr := fn(runCtx, work)
		e.observer.OnStageCompleted(runCtx, work, stage, stageErr, e.now().Sub(start))

		next, err := e.settle(ctx, l.fl, inst, work, stage, res, stageErr)
		if err != nil {
			return next, err
		}
		inst = next
		if inst.Status != api.StatusActive {
			return inst, nil
		}

		if err := e.checkpoints.RenewLease(ctx, inst.ID, l.owner, e.leaseTTL); err != nil {
			return inst, fmt.Errorf("renew lease: %w", err)
		}
	}
	return inst, nil
}

// settle applies the outcome of one stage run. Once Cancel has been
// requested the result is dropped and the last checkpoint is completed as
// cancelled instead.
func (e *engineImpl) settle(
	ctx context.Context,
	fl *inflight,
	inst, work *api.WorkflowInstance,
	stage api.Stage,
	res api.StageResult,
	stageErr error,
) (*api.WorkflowInstance, error) {
	if cancelled, reason := fl.cancelRequested(); cancelled {
		e.logger.InfoContext(ctx, "stage_result_discarded",
			slog.String("instance_id", inst.ID),
			slog.String("stage", string(stage)),
		)
		return e.markCancelled(ctx, inst, reason)
	}
	if ctx.Err() != nil {
		// Shutdown. The instance stays active at this stage and is picked up
		// by the stalled scan or the next Run.
		return inst, ctx.Err()
	}

	if stageErr != nil {
		e.record(ctx, inst, api.EventStageFailed, stageErr.Error())
		return e.fail(ctx, inst, stage, stageErr)
	}

	work.RetryCount = 0
	switch res.Signal {
	case api.SignalContinue:
		next, err := e.registry.Next(work)
		if err != nil {
			return e.fail(ctx, inst, stage, err)
		}
		e.record(ctx, work, api.EventStageCompleted, string(next))
		if next == api.StageEnd {
			return e.finish(ctx, inst, work, api.StatusCompleted)
		}
		work.CurrentStage = next
		return e.advance(ctx, inst, work, api.StatusActive, api.EventStageCompleted)

	case api.SignalSuspend:
		return e.advance(ctx, inst, work, api.StatusSuspended, api.EventSuspended)

	case api.SignalTerminate:
		e.record(ctx, work, api.EventStageCompleted, "terminate")
		return e.finish(ctx, inst, work, res.Status)

	default:
		return e.fail(ctx, inst, stage, fmt.Errorf("stage %s returned unknown signal %d", stage, res.Signal))
	}
}

func (e *engineImpl) finish(ctx context.Context, inst, work *api.WorkflowInstance, status api.Status) (*api.WorkflowInstance, error) {
	if status == "" {
		status = api.StatusCompleted
	}
	return e.advance(ctx, inst, work, status, api.EventCompleted)
}

// advance checkpoints work and registers its message reference. The
// correlation is written first so a decision can never arrive for a
// reference the store does not know.
func (e *engineImpl) advance(ctx context.Context, inst, work *api.WorkflowInstance, status api.Status, evType api.EventType) (*api.WorkflowInstance, error) {
	if work.MessageRef != "" && work.MessageRef != inst.MessageRef {
		if err := e.checkpoints.PutCorrelation(ctx, work.MessageRef, work.ID); err != nil {
			return inst, fmt.Errorf("correlate %s: %w", work.MessageRef, err)
		}
	}

	// Stage-to-stage progress is recorded by the caller; only status
	// changes get their own history entry here.
	if status == inst.Status {
		work.UpdatedAt = e.now()
		if err := e.checkpoints.Save(ctx, work); err != nil {
			return inst, err
		}
		return work, nil
	}
	if err := e.transition(ctx, inst, work, status, evType, string(work.CurrentStage)); err != nil {
		return inst, err
	}
	return work, nil
}
