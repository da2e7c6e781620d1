package inboxflow

import (
	"database/sql"

	"github.com/petrijr/inboxflow/internal/taskqueue"
	workerpkg "github.com/petrijr/inboxflow/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	// queue is kept unexported; the public API focuses on Engine and Worker.
	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Instances, their history and queued tasks are
// persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:inboxflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := inboxflow.NewSQLiteBundle(db, collaborators, worker.Config{})
//	_ = bundle.Worker.EnqueueSubmit(ctx, item)
//	pool := worker.NewPool(bundle.Worker, worker.PoolConfig{Concurrency: 4})
func NewSQLiteBundle(db *sql.DB, c Collaborators, cfg workerpkg.Config, opts ...EngineOption) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db, c, opts...)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	w := workerpkg.NewWithConfig(eng, q, cfg)

	return &WorkerBundle{
		Engine: eng,
		Worker: w,
		queue:  q,
	}, nil
}

// Pending reports how many tasks are waiting in the bundle's queue.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}
