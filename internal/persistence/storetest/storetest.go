// Package storetest holds a conformance suite shared by every CheckpointStore
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/inboxflow/internal/persistence"
	"github.com/petrijr/inboxflow/pkg/api"
)

// CheckpointSuite exercises the CheckpointStore contract. Embedders set Store
// and optionally Reset, which runs before each test.
type CheckpointSuite struct {
	suite.Suite
	Store persistence.CheckpointStore
	Reset func()

	ctx  context.Context
	base time.Time
}

func (s *CheckpointSuite) SetupTest() {
	if s.Reset != nil {
		s.Reset()
	}
	s.ctx = context.Background()
	s.base = time.Unix(1_700_000_000, 0)
}

func (s *CheckpointSuite) newInstance(id, owner string, status api.Status, updated time.Time) *api.WorkflowInstance {
	return &api.WorkflowInstance{
		ID:           id,
		ItemID:       "item-" + id,
		OwnerID:      owner,
		Item:         api.Item{ID: "item-" + id, OwnerID: owner, Subject: "hello " + id},
		CurrentStage: api.StageExtractContext,
		Status:       status,
		CreatedAt:    s.base,
		UpdatedAt:    updated,
	}
}

func (s *CheckpointSuite) mustCreate(inst *api.WorkflowInstance) {
	s.Require().NoErrorf(s.Store.Create(s.ctx, inst), "Create %s", inst.ID)
}

func (s *CheckpointSuite) TestCreateAndLoad() {
	inst := s.newInstance("a", "owner-1", api.StatusActive, s.base)
	inst.Classification = api.ClassificationNeedsResponse
	inst.Context = &api.RetrievedContext{History: []string{"h1", "h2"}}
	inst.ApprovalDecision = &api.Decision{Kind: api.DecisionApprove, DecidedBy: "owner-1"}
	inst.MarkProcessed("ev-1")
	s.mustCreate(inst)

	got, err := s.Store.Load(s.ctx, "a")
	s.Require().NoError(err)
	s.Equal("item-a", got.ItemID)
	s.Equal(api.ClassificationNeedsResponse, got.Classification)
	s.Require().NotNil(got.Context)
	s.Equal([]string{"h1", "h2"}, got.Context.History)
	s.Require().NotNil(got.ApprovalDecision)
	s.Equal(api.DecisionApprove, got.ApprovalDecision.Kind)
	s.True(got.HasProcessed("ev-1"))
	s.True(got.UpdatedAt.Equal(s.base))
}

func (s *CheckpointSuite) TestCreateDuplicate() {
	s.mustCreate(s.newInstance("dup", "o", api.StatusActive, s.base))
	err := s.Store.Create(s.ctx, s.newInstance("dup", "o", api.StatusActive, s.base))
	s.ErrorIs(err, persistence.ErrInstanceExists)
}

func (s *CheckpointSuite) TestLoadMissing() {
	_, err := s.Store.Load(s.ctx, "nope")
	s.ErrorIs(err, persistence.ErrInstanceNotFound)
}

func (s *CheckpointSuite) TestSaveMissing() {
	err := s.Store.Save(s.ctx, s.newInstance("ghost", "o", api.StatusActive, s.base))
	s.ErrorIs(err, persistence.ErrInstanceNotFound)
}

func (s *CheckpointSuite) TestSaveOverwrites() {
	inst := s.newInstance("s1", "o", api.StatusActive, s.base)
	s.mustCreate(inst)

	inst.CurrentStage = api.StageAwaitDecision
	inst.Status = api.StatusSuspended
	inst.DraftContent = "draft"
	inst.UpdatedAt = s.base.Add(time.Second)
	s.Require().NoError(s.Store.Save(s.ctx, inst))

	got, err := s.Store.Load(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal(api.StageAwaitDecision, got.CurrentStage)
	s.Equal(api.StatusSuspended, got.Status)
	s.Equal("draft", got.DraftContent)

	list, err := s.Store.List(s.ctx, persistence.InstanceFilter{Statuses: []api.Status{api.StatusActive}})
	s.Require().NoError(err)
	s.Empty(list, "status index should follow Save")
}

func (s *CheckpointSuite) TestSaveKeepsLease() {
	inst := s.newInstance("l1", "o", api.StatusActive, s.base)
	s.mustCreate(inst)

	ok, err := s.Store.TryAcquireLease(s.ctx, "l1", "worker-a", time.Minute)
	s.Require().NoError(err)
	s.Require().True(ok)

	// A stale copy without lease fields must not clear the lease.
	inst.CurrentStage = api.StageClassify
	s.Require().NoError(s.Store.Save(s.ctx, inst))

	got, err := s.Store.Load(s.ctx, "l1")
	s.Require().NoError(err)
	s.Equal("worker-a", got.LeaseOwner)
	s.True(got.LeaseExpiresAt.After(time.Now()))

	ok, err = s.Store.TryAcquireLease(s.ctx, "l1", "worker-b", time.Minute)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *CheckpointSuite) TestListFilters() {
	a := s.newInstance("a", "o1", api.StatusActive, s.base.Add(3*time.Second))
	b := s.newInstance("b", "o1", api.StatusError, s.base.Add(1*time.Second))
	b.ErrorType = api.ErrorTypeRetriesExhausted
	b.ErrorTimestamp = s.base.Add(1 * time.Second)
	c := s.newInstance("c", "o2", api.StatusError, s.base.Add(2*time.Second))
	c.ErrorType = api.ErrorTypePermanent
	c.ErrorTimestamp = s.base.Add(2 * time.Second)
	d := s.newInstance("d", "o2", api.StatusDeadLetter, s.base.Add(4*time.Second))
	d.ErrorType = api.ErrorTypePermanent
	d.ErrorTimestamp = s.base.Add(4 * time.Second)
	for _, inst := range []*api.WorkflowInstance{a, b, c, d} {
		s.mustCreate(inst)
	}

	ids := func(f persistence.InstanceFilter) []string {
		list, err := s.Store.List(s.ctx, f)
		s.Require().NoError(err)
		out := make([]string, 0, len(list))
		for _, inst := range list {
			out = append(out, inst.ID)
		}
		return out
	}

	s.Equal([]string{"b", "c", "a", "d"}, ids(persistence.InstanceFilter{}))
	s.Equal([]string{"b", "c", "d"}, ids(persistence.InstanceFilter{
		Statuses: []api.Status{api.StatusError, api.StatusDeadLetter},
	}))
	s.Equal([]string{"b", "a"}, ids(persistence.InstanceFilter{OwnerID: "o1"}))
	s.Equal([]string{"c", "d"}, ids(persistence.InstanceFilter{ErrorType: api.ErrorTypePermanent}))
	s.Equal([]string{"c"}, ids(persistence.InstanceFilter{
		Statuses:   []api.Status{api.StatusError, api.StatusDeadLetter},
		ErrorSince: s.base.Add(2 * time.Second),
		ErrorUntil: s.base.Add(3 * time.Second),
	}))
	s.Equal([]string{"b", "c"}, ids(persistence.InstanceFilter{UpdatedBefore: s.base.Add(3 * time.Second)}))
	s.Equal([]string{"b"}, ids(persistence.InstanceFilter{Limit: 1}))
}

func (s *CheckpointSuite) TestLeaseLifecycle() {
	s.mustCreate(s.newInstance("x", "o", api.StatusActive, s.base))

	acq, err := s.Store.TryAcquireLease(s.ctx, "x", "owner1", time.Minute)
	s.Require().NoError(err)
	s.True(acq, "owner1 should acquire")

	acq, err = s.Store.TryAcquireLease(s.ctx, "x", "owner1", time.Minute)
	s.Require().NoError(err)
	s.True(acq, "lease should be re-entrant")

	acq, err = s.Store.TryAcquireLease(s.ctx, "x", "owner2", time.Minute)
	s.Require().NoError(err)
	s.False(acq, "owner2 must not steal a live lease")

	s.ErrorIs(s.Store.RenewLease(s.ctx, "x", "owner2", time.Minute), api.ErrInstanceLocked)
	s.NoError(s.Store.RenewLease(s.ctx, "x", "owner1", time.Minute))

	// Releasing someone else's lease leaves it in place.
	s.NoError(s.Store.ReleaseLease(s.ctx, "x", "owner2"))
	got, err := s.Store.Load(s.ctx, "x")
	s.Require().NoError(err)
	s.Equal("owner1", got.LeaseOwner)

	s.NoError(s.Store.ReleaseLease(s.ctx, "x", "owner1"))
	s.NoError(s.Store.ReleaseLease(s.ctx, "x", "owner1"), "release is idempotent")

	got, err = s.Store.Load(s.ctx, "x")
	s.Require().NoError(err)
	s.Empty(got.LeaseOwner)

	acq, err = s.Store.TryAcquireLease(s.ctx, "x", "owner2", time.Minute)
	s.Require().NoError(err)
	s.True(acq, "owner2 should acquire after release")
}

func (s *CheckpointSuite) TestLeaseExpiry() {
	s.mustCreate(s.newInstance("exp", "o", api.StatusActive, s.base))

	acq, err := s.Store.TryAcquireLease(s.ctx, "exp", "owner1", 50*time.Millisecond)
	s.Require().NoError(err)
	s.Require().True(acq)

	time.Sleep(150 * time.Millisecond)

	acq, err = s.Store.TryAcquireLease(s.ctx, "exp", "owner2", time.Minute)
	s.Require().NoError(err)
	s.True(acq, "expired lease should be taken over")
	s.ErrorIs(s.Store.RenewLease(s.ctx, "exp", "owner1", time.Minute), api.ErrInstanceLocked)
}

func (s *CheckpointSuite) TestLeaseUnknownInstance() {
	_, err := s.Store.TryAcquireLease(s.ctx, "missing", "owner1", time.Minute)
	s.ErrorIs(err, persistence.ErrInstanceNotFound)
}

func (s *CheckpointSuite) TestLeaseContention() {
	s.mustCreate(s.newInstance("race", "o", api.StatusActive, s.base))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			ok, err := s.Store.TryAcquireLease(s.ctx, "race", owner, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				winners++
			}
		}(fmt.Sprintf("owner-%d", i))
	}
	wg.Wait()

	s.Empty(errs)
	s.Equal(1, winners, "exactly one owner should win the lease")
}

func (s *CheckpointSuite) TestCorrelation() {
	_, err := s.Store.LookupCorrelation(s.ctx, "msg-1")
	s.True(errors.Is(err, persistence.ErrCorrelationNotFound), "got %v", err)

	s.Require().NoError(s.Store.PutCorrelation(s.ctx, "msg-1", "inst-1"))
	id, err := s.Store.LookupCorrelation(s.ctx, "msg-1")
	s.Require().NoError(err)
	s.Equal("inst-1", id)

	s.Require().NoError(s.Store.PutCorrelation(s.ctx, "msg-1", "inst-2"))
	id, err = s.Store.LookupCorrelation(s.ctx, "msg-1")
	s.Require().NoError(err)
	s.Equal("inst-2", id)
}
