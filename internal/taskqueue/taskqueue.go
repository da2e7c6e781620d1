// Package taskqueue carries engine work between the intake side (HTTP,
// pollers) and the worker pool.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/inboxflow/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeSubmit creates and runs the instance for Item.
	TaskTypeSubmit TaskType = "submit"
	// TaskTypeRun drives an existing active instance.
	TaskTypeRun TaskType = "run"
	// TaskTypeResume delivers Event to InstanceID, or to the instance
	// correlated with MessageRef when InstanceID is empty.
	TaskTypeResume TaskType = "resume"
)

// ErrInvalidTask is returned for tasks missing the fields their type needs.
var ErrInvalidTask = errors.New("taskqueue: invalid task")

// Task is a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	Item       *api.Item
	InstanceID string
	MessageRef string
	Event      *api.ExternalEvent

	// Attempts counts deliveries that were handed back to the queue.
	Attempts int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time
}

// Validate reports whether t carries what its type needs.
func (t Task) Validate() error {
	switch t.Type {
	case TaskTypeSubmit:
		if t.Item == nil || t.Item.ID == "" || t.Item.OwnerID == "" {
			return errors.Join(ErrInvalidTask, api.ErrInvalidItem)
		}
	case TaskTypeRun:
		if t.InstanceID == "" {
			return errors.Join(ErrInvalidTask, errors.New("run task without instance id"))
		}
	case TaskTypeResume:
		if t.Event == nil {
			return errors.Join(ErrInvalidTask, errors.New("resume task without event"))
		}
		if t.InstanceID == "" && t.MessageRef == "" {
			return errors.Join(ErrInvalidTask, errors.New("resume task without target"))
		}
	default:
		return errors.Join(ErrInvalidTask, errors.New("unknown task type "+string(t.Type)))
	}
	return nil
}

// NewSubmitTask returns a task that submits item.
func NewSubmitTask(item api.Item) Task {
	return Task{ID: uuid.NewString(), Type: TaskTypeSubmit, Item: &item, EnqueuedAt: time.Now()}
}

// NewRunTask returns a task that drives instanceID.
func NewRunTask(instanceID string) Task {
	return Task{ID: uuid.NewString(), Type: TaskTypeRun, InstanceID: instanceID, EnqueuedAt: time.Now()}
}

// NewResumeTask returns a task that delivers ev to instanceID.
func NewResumeTask(instanceID string, ev api.ExternalEvent) Task {
	return Task{ID: uuid.NewString(), Type: TaskTypeResume, InstanceID: instanceID, Event: &ev, EnqueuedAt: time.Now()}
}

// NewResumeByRefTask returns a task that delivers ev to the instance
// correlated with messageRef.
func NewResumeByRefTask(messageRef string, ev api.ExternalEvent) Task {
	return Task{ID: uuid.NewString(), Type: TaskTypeResume, MessageRef: messageRef, Event: &ev, EnqueuedAt: time.Now()}
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

// prepare fills in the fields every backend relies on.
func prepare(t *Task) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
}

// idleWait blocks for d or until ctx is done.
func idleWait(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		stopTimer(tmr)
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// stoppedTimer returns a reusable timer that is not running.
func stoppedTimer() *time.Timer {
	tmr := time.NewTimer(0)
	stopTimer(tmr)
	return tmr
}

func stopTimer(tmr *time.Timer) {
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
}
