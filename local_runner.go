package inboxflow

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/inboxflow/internal/taskqueue"
	"github.com/petrijr/inboxflow/pkg/api"
	"github.com/petrijr/inboxflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a
// worker pool for development, tests and single-process deployments.
//
// Typical usage:
//
//	runner, _ := inboxflow.NewLocalRunner(collaborators)
//
//	// Synchronous run (no queue/worker involved):
//	inst, err := runner.Engine.Submit(ctx, item)
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx, 2)
//	_ = runner.SubmitAsync(ctx, item)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue used by the Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine,
// in-memory queue, and a Worker with default config.
func NewLocalRunner(c Collaborators, opts ...EngineOption) (*LocalRunner, error) {
	eng, err := NewInMemoryEngine(c, opts...)
	if err != nil {
		return nil, err
	}
	q := taskqueue.NewInMemoryQueue()
	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: worker.New(eng, q),
	}, nil
}

// StartWorkers starts a pool of 'concurrency' task loops that run until
// Stop is called or ctx ends.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("inboxflow: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	pool := worker.NewPool(r.Worker, worker.PoolConfig{Concurrency: concurrency})
	go func(done chan struct{}) {
		defer close(done)
		_ = pool.Run(ctx)
	}(r.done)
	return nil
}

// Stop cancels the pool started by StartWorkers and waits for it to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	cancel()
	<-done
}

// SubmitAsync enqueues the submission of item.
func (r *LocalRunner) SubmitAsync(ctx context.Context, item Item) error {
	return r.Worker.EnqueueSubmit(ctx, item)
}

// DecideAsync enqueues delivery of an owner decision by message reference.
func (r *LocalRunner) DecideAsync(ctx context.Context, messageRef, eventID string, d Decision) error {
	return r.Worker.EnqueueResumeByRef(ctx, messageRef, ExternalEvent{
		ID:       eventID,
		Kind:     api.EventKindDecision,
		Decision: &d,
		Actor:    d.DecidedBy,
	})
}
