package taskqueue

import (
	"context"
	"slices"
	"sync"
	"time"
)

// InMemoryQueue keeps tasks ordered by NotBefore, FIFO among equals.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	tasks  []Task
	notify chan struct{}
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{notify: make(chan struct{}, 1)}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepare(&t)

	q.mu.Lock()
	i, _ := slices.BinarySearchFunc(q.tasks, t.NotBefore, func(e Task, at time.Time) int {
		if e.NotBefore.After(at) {
			return 1
		}
		return -1
	})
	q.tasks = slices.Insert(q.tasks, i, t)
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *InMemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := stoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		var wait time.Duration = -1
		if len(q.tasks) > 0 {
			head := q.tasks[0]
			if d := time.Until(head.NotBefore); d > 0 {
				wait = d
			} else {
				q.tasks = slices.Delete(q.tasks, 0, 1)
				more := len(q.tasks) > 0
				q.mu.Unlock()
				if more {
					q.wake()
				}
				return &head, nil
			}
		}
		q.mu.Unlock()

		if wait < 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-q.notify:
			}
			continue
		}

		tmr.Reset(wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
			stopTimer(tmr)
		case <-tmr.C:
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
