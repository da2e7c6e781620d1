package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/inboxflow/internal/engine"
	"github.com/petrijr/inboxflow/internal/persistence"
	"github.com/petrijr/inboxflow/internal/taskqueue"
	"github.com/petrijr/inboxflow/pkg/api"
)

// stubCollab answers every collaborator call immediately.
type stubCollab struct {
	needsResponse bool
	applied       atomic.Int64
}

func (s *stubCollab) Retrieve(ctx context.Context, itemID string) (api.RetrievedContext, error) {
	return api.RetrievedContext{}, nil
}

func (s *stubCollab) Classify(ctx context.Context, item api.Item) (api.ClassificationResult, error) {
	return api.ClassificationResult{NeedsResponse: s.needsResponse, Category: "inbox"}, nil
}

func (s *stubCollab) Generate(ctx context.Context, req api.DraftRequest) (string, error) {
	return "draft for " + req.Item.ID, nil
}

func (s *stubCollab) Notify(ctx context.Context, ownerID string, payload api.NotificationPayload) (string, error) {
	return "ref-" + payload.ItemID, nil
}

func (s *stubCollab) Apply(ctx context.Context, itemID string, decision api.Decision) (string, error) {
	s.applied.Add(1)
	return "ok", nil
}

func (s *stubCollab) collaborators() api.Collaborators {
	return api.Collaborators{Retriever: s, Classifier: s, Drafter: s, Messenger: s, Actions: s}
}

type fixture struct {
	store  persistence.CheckpointStore
	engine api.Engine
	queue  *taskqueue.InMemoryQueue
	collab *stubCollab
}

func newFixture(t *testing.T, needsResponse bool) *fixture {
	t.Helper()
	store := persistence.NewInMemoryStore()
	collab := &stubCollab{needsResponse: needsResponse}
	eng, err := engine.NewEngine(engine.Config{
		Persistence:   persistence.Persistence{Checkpoints: store},
		Collaborators: collab.collaborators(),
		LeaseOwner:    "worker-test",
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return &fixture{store: store, engine: eng, queue: taskqueue.NewInMemoryQueue(), collab: collab}
}

func item(id string) api.Item {
	return api.Item{ID: id, OwnerID: "owner-1", Subject: "hello"}
}

func TestWorker_SubmitThenResumeByRef(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, true)
	w := New(fx.engine, fx.queue)

	if err := w.EnqueueSubmit(ctx, item("item-1")); err != nil {
		t.Fatalf("EnqueueSubmit failed: %v", err)
	}
	processed, err := w.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("ProcessOne failed: processed=%v err=%v", processed, err)
	}

	id := engine.InstanceID("owner-1", "item-1")
	inst, err := fx.engine.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if inst.Status != api.StatusSuspended {
		t.Fatalf("expected suspended, got %s", inst.Status)
	}

	ev := api.ExternalEvent{ID: "ev-1", Kind: api.EventKindDecision, Decision: &api.Decision{Kind: api.DecisionApprove}}
	if err := w.EnqueueResumeByRef(ctx, inst.MessageRef, ev); err != nil {
		t.Fatalf("EnqueueResumeByRef failed: %v", err)
	}
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}

	inst, err = fx.engine.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if inst.Status != api.StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
}

func TestWorker_RequeuesLockedInstance(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)
	w := NewWithConfig(fx.engine, fx.queue, Config{MaxRedeliveries: 1, LockedBackoff: 50 * time.Millisecond})

	inst, _, err := fx.engine.Start(ctx, item("item-1"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if ok, err := fx.store.TryAcquireLease(ctx, inst.ID, "other-node", time.Minute); err != nil || !ok {
		t.Fatalf("TryAcquireLease failed: ok=%v err=%v", ok, err)
	}

	if err := w.EnqueueRun(ctx, inst.ID); err != nil {
		t.Fatalf("EnqueueRun failed: %v", err)
	}
	processed, err := w.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("expected requeue without error, got processed=%v err=%v", processed, err)
	}
	if fx.queue.Len() != 1 {
		t.Fatalf("expected task back on the queue, got len %d", fx.queue.Len())
	}

	// Second delivery exceeds MaxRedeliveries.
	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	processed, err = w.ProcessOne(dctx)
	if !processed || !errors.Is(err, api.ErrInstanceLocked) {
		t.Fatalf("expected ErrInstanceLocked after redeliveries, got processed=%v err=%v", processed, err)
	}
	if fx.queue.Len() != 0 {
		t.Fatalf("expected task dropped, got len %d", fx.queue.Len())
	}
}

func TestWorker_RejectsInvalidTasks(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)
	w := New(fx.engine, fx.queue)

	if err := w.EnqueueSubmit(ctx, api.Item{ID: "no-owner"}); !errors.Is(err, taskqueue.ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask from Enqueue, got %v", err)
	}

	if err := fx.queue.Enqueue(ctx, taskqueue.Task{Type: "archive"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	processed, err := w.ProcessOne(ctx)
	if !processed || !errors.Is(err, taskqueue.ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got processed=%v err=%v", processed, err)
	}
}

func TestWorker_ProcessOneHonoursContext(t *testing.T) {
	fx := newFixture(t, false)
	w := New(fx.engine, fx.queue)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	processed, err := w.ProcessOne(ctx)
	if processed || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got processed=%v err=%v", processed, err)
	}
}

func TestPool_ProcessesQueuedItems(t *testing.T) {
	fx := newFixture(t, false)
	w := New(fx.engine, fx.queue)
	pool := NewPool(w, PoolConfig{Concurrency: 3})

	const n = 12
	for i := range n {
		if err := w.EnqueueSubmit(context.Background(), item(fmt.Sprintf("item-%d", i))); err != nil {
			t.Fatalf("EnqueueSubmit failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for fx.collab.applied.Load() < n {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("only %d of %d items completed", fx.collab.applied.Load(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not stop")
	}

	for i := range n {
		inst, err := fx.engine.GetStatus(context.Background(), engine.InstanceID("owner-1", fmt.Sprintf("item-%d", i)))
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if inst.Status != api.StatusCompleted {
			t.Fatalf("item-%d: expected completed, got %s", i, inst.Status)
		}
	}
}

func TestPool_RecoverOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)
	pool := NewPool(New(fx.engine, fx.queue), PoolConfig{StalledAfter: 0})

	inst, _, err := fx.engine.Start(ctx, item("item-1"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(time.Millisecond)

	pool.RecoverOnce(ctx)

	got, err := fx.engine.GetStatus(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if got.Status != api.StatusCompleted {
		t.Fatalf("expected recovered instance to complete, got %s", got.Status)
	}
}
