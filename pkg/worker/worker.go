package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/inboxflow/internal/taskqueue"
	"github.com/petrijr/inboxflow/pkg/api"
)

// Config controls how a Worker handles tasks it cannot run yet.
type Config struct {
	// MaxRedeliveries bounds how often a task whose instance is leased by
	// another driver goes back to the queue. Zero means 10.
	MaxRedeliveries int
	// LockedBackoff is the delay before a requeued task is eligible again.
	// Zero means one second.
	LockedBackoff time.Duration

	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
	logger *slog.Logger
}

// New creates a new Worker with the default Config.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a new Worker.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = 10
	}
	if cfg.LockedBackoff <= 0 {
		cfg.LockedBackoff = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
	}
}

// Engine returns the engine tasks are executed on.
func (w *Worker) Engine() api.Engine { return w.engine }

// EnqueueSubmit enqueues the submission of item. It does NOT run the
// pipeline itself; that is done by ProcessOne.
func (w *Worker) EnqueueSubmit(ctx context.Context, item api.Item) error {
	return w.enqueue(ctx, taskqueue.NewSubmitTask(item))
}

// EnqueueRun enqueues a task that drives instanceID.
func (w *Worker) EnqueueRun(ctx context.Context, instanceID string) error {
	return w.enqueue(ctx, taskqueue.NewRunTask(instanceID))
}

// EnqueueResume enqueues delivery of ev to instanceID.
func (w *Worker) EnqueueResume(ctx context.Context, instanceID string, ev api.ExternalEvent) error {
	return w.enqueue(ctx, taskqueue.NewResumeTask(instanceID, ev))
}

// EnqueueResumeByRef enqueues delivery of ev to the instance correlated
// with messageRef.
func (w *Worker) EnqueueResumeByRef(ctx context.Context, messageRef string, ev api.ExternalEvent) error {
	return w.enqueue(ctx, taskqueue.NewResumeByRefTask(messageRef, ev))
}

func (w *Worker) enqueue(ctx context.Context, t taskqueue.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return w.queue.Enqueue(ctx, t)
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx ended or the queue failed).
//   - processed == true: a task was handled; err reports a handler failure.
//
// A task whose instance is leased elsewhere goes back to the queue with a
// delay and counts as processed without error.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	err = w.Handle(ctx, task)
	if errors.Is(err, api.ErrInstanceLocked) {
		return true, w.redeliver(ctx, task, err)
	}
	return true, err
}

// Handle executes task on the engine.
func (w *Worker) Handle(ctx context.Context, task *taskqueue.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	var (
		inst *api.WorkflowInstance
		err  error
	)
	switch task.Type {
	case taskqueue.TaskTypeSubmit:
		inst, err = w.engine.Submit(ctx, *task.Item)
	case taskqueue.TaskTypeRun:
		inst, err = w.engine.Run(ctx, task.InstanceID)
	case taskqueue.TaskTypeResume:
		if task.InstanceID != "" {
			inst, err = w.engine.Resume(ctx, task.InstanceID, *task.Event)
		} else {
			inst, err = w.engine.ResumeByMessageRef(ctx, task.MessageRef, *task.Event)
		}
	}
	if err != nil {
		return fmt.Errorf("%s task %s: %w", task.Type, task.ID, err)
	}

	w.logger.DebugContext(ctx, "task_done",
		slog.String("task_id", task.ID),
		slog.String("type", string(task.Type)),
		slog.String("instance_id", inst.ID),
		slog.String("status", string(inst.Status)),
	)
	return nil
}

func (w *Worker) redeliver(ctx context.Context, task *taskqueue.Task, cause error) error {
	if task.Attempts >= w.cfg.MaxRedeliveries {
		return fmt.Errorf("giving up after %d redeliveries: %w", task.Attempts, cause)
	}
	next := *task
	next.Attempts++
	next.NotBefore = time.Now().Add(w.cfg.LockedBackoff)

	w.logger.InfoContext(ctx, "task_requeued",
		slog.String("task_id", task.ID),
		slog.String("type", string(task.Type)),
		slog.Int("attempts", next.Attempts),
	)
	return w.queue.Enqueue(context.WithoutCancel(ctx), next)
}
