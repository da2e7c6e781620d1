package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petrijr/inboxflow/pkg/api"
)

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// InMemoryStore is a simple, goroutine-safe CheckpointStore backed by maps.
// Instances are copied on the way in and out.
type InMemoryStore struct {
	mu           sync.RWMutex
	instances    map[string]*api.WorkflowInstance
	leases       map[string]memoryLease
	correlations map[string]string
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances:    make(map[string]*api.WorkflowInstance),
		leases:       make(map[string]memoryLease),
		correlations: make(map[string]string),
	}
}

// Ensure InMemoryStore implements CheckpointStore.
var _ CheckpointStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) Create(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return ErrInstanceExists
	}
	s.instances[inst.ID] = stripLease(inst)
	return nil
}

func (s *InMemoryStore) Save(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}
	s.instances[inst.ID] = stripLease(inst)
	return nil
}

func (s *InMemoryStore) Load(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return s.withLease(inst), nil
}

func (s *InMemoryStore) List(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.instances {
		if !filter.Matches(inst) {
			continue
		}
		result = append(result, s.withLease(inst))
	}
	return sortAndLimit(result, filter.Limit), nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[instanceID]; !ok {
		return false, ErrInstanceNotFound
	}

	now := time.Now()
	cur, ok := s.leases[instanceID]
	if ok && cur.owner != owner && now.Before(cur.expiresAt) {
		return false, nil
	}
	s.leases[instanceID] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[instanceID]
	if !ok || cur.owner != owner {
		return api.ErrInstanceLocked
	}
	s.leases[instanceID] = memoryLease{owner: owner, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[instanceID]
	if !ok {
		return nil
	}
	if cur.owner == owner || !time.Now().Before(cur.expiresAt) {
		delete(s.leases, instanceID)
	}
	return nil
}

func (s *InMemoryStore) PutCorrelation(ctx context.Context, messageRef, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.correlations[messageRef] = instanceID
	return nil
}

func (s *InMemoryStore) LookupCorrelation(ctx context.Context, messageRef string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.correlations[messageRef]
	if !ok {
		return "", ErrCorrelationNotFound
	}
	return id, nil
}

// withLease returns a copy of inst carrying the live lease. Caller holds mu.
func (s *InMemoryStore) withLease(inst *api.WorkflowInstance) *api.WorkflowInstance {
	c := inst.Clone()
	if l, ok := s.leases[inst.ID]; ok && time.Now().Before(l.expiresAt) {
		c.LeaseOwner = l.owner
		c.LeaseExpiresAt = l.expiresAt
	}
	return c
}

func stripLease(inst *api.WorkflowInstance) *api.WorkflowInstance {
	c := inst.Clone()
	c.LeaseOwner = ""
	c.LeaseExpiresAt = time.Time{}
	return c
}
