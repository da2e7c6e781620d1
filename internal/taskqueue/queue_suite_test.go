package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/inboxflow/pkg/api"
)

// queueSuite is run against every Queue implementation.
type queueSuite struct {
	suite.Suite
	queue Queue
	reset func()
}

func (s *queueSuite) SetupTest() {
	if s.reset != nil {
		s.reset()
	}
}

func (s *queueSuite) ctx(d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	s.T().Cleanup(cancel)
	return ctx
}

func testTaskItem(id string) api.Item {
	return api.Item{ID: id, OwnerID: "owner-1", Subject: "subject " + id}
}

func (s *queueSuite) TestEnqueueDequeueFIFO() {
	ctx := s.ctx(5 * time.Second)

	for _, id := range []string{"a", "b", "c"} {
		s.Require().NoError(s.queue.Enqueue(ctx, NewSubmitTask(testTaskItem(id))))
	}
	s.Equal(3, s.queue.Len())

	for _, want := range []string{"a", "b", "c"} {
		got, err := s.queue.Dequeue(ctx)
		s.Require().NoError(err)
		s.Require().NotNil(got.Item)
		s.Equal(want, got.Item.ID)
	}
	s.Equal(0, s.queue.Len())
}

func (s *queueSuite) TestTaskRoundTrip() {
	ctx := s.ctx(5 * time.Second)

	ev := api.ExternalEvent{
		ID:       "ev-1",
		Kind:     api.EventKindDecision,
		Decision: &api.Decision{Kind: api.DecisionEdit, Content: "edited reply", Labels: []string{"work"}},
		Actor:    "owner-1",
	}
	in := NewResumeByRefTask("msg-42", ev)
	in.Attempts = 2
	s.Require().NoError(s.queue.Enqueue(ctx, in))

	out, err := s.queue.Dequeue(ctx)
	s.Require().NoError(err)
	s.Equal(in.ID, out.ID)
	s.Equal(TaskTypeResume, out.Type)
	s.Equal("msg-42", out.MessageRef)
	s.Equal(2, out.Attempts)
	s.Require().NotNil(out.Event)
	s.Equal("ev-1", out.Event.ID)
	s.Require().NotNil(out.Event.Decision)
	s.Equal("edited reply", out.Event.Decision.Content)
	s.Equal([]string{"work"}, out.Event.Decision.Labels)
	s.NoError(out.Validate())
}

func (s *queueSuite) TestNotBeforeDelaysDelivery() {
	ctx := s.ctx(10 * time.Second)

	start := time.Now()
	delayed := NewRunTask("late")
	delayed.NotBefore = start.Add(300 * time.Millisecond)
	s.Require().NoError(s.queue.Enqueue(ctx, delayed))
	s.Require().NoError(s.queue.Enqueue(ctx, NewRunTask("now")))

	first, err := s.queue.Dequeue(ctx)
	s.Require().NoError(err)
	s.Equal("now", first.InstanceID)

	second, err := s.queue.Dequeue(ctx)
	s.Require().NoError(err)
	s.Equal("late", second.InstanceID)
	// Backends store NotBefore with millisecond precision.
	s.GreaterOrEqual(time.Since(start), 299*time.Millisecond, "delayed task delivered early")
}

func (s *queueSuite) TestDequeueHonoursContext() {
	ctx := s.ctx(150 * time.Millisecond)

	_, err := s.queue.Dequeue(ctx)
	s.True(errors.Is(err, context.DeadlineExceeded), "expected deadline exceeded, got %v", err)
}

func (s *queueSuite) TestConcurrentConsumers() {
	ctx := s.ctx(10 * time.Second)
	const n = 20

	for i := range n {
		s.Require().NoError(s.queue.Enqueue(ctx, NewRunTask(string(rune('a'+i)))))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				total := 0
				for _, c := range seen {
					total += c
				}
				mu.Unlock()
				if total >= n {
					return
				}

				dctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
				task, err := s.queue.Dequeue(dctx)
				cancel()
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				mu.Lock()
				seen[task.InstanceID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Len(seen, n)
	for id, c := range seen {
		s.Equal(1, c, "task %s delivered %d times", id, c)
	}
}
