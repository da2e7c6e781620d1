package persistence

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/petrijr/inboxflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when an instance is not found.
	ErrInstanceNotFound = api.ErrInstanceNotFound

	// ErrInstanceExists is returned by Create when the id is taken.
	ErrInstanceExists = api.ErrInstanceExists

	// ErrCorrelationNotFound is returned when a message reference is unknown.
	ErrCorrelationNotFound = api.ErrCorrelationNotFound
)

// InstanceFilter is used to select instances from the store.
// Zero values mean "no filter" for that field.
type InstanceFilter struct {
	Statuses  []api.Status
	OwnerID   string
	ErrorType string

	// ErrorSince and ErrorUntil bound ErrorTimestamp (inclusive).
	ErrorSince time.Time
	ErrorUntil time.Time

	// UpdatedBefore selects instances whose last checkpoint is older.
	UpdatedBefore time.Time

	Limit int
}

// Matches reports whether inst satisfies the filter.
func (f InstanceFilter) Matches(inst *api.WorkflowInstance) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, inst.Status) {
		return false
	}
	if f.OwnerID != "" && inst.OwnerID != f.OwnerID {
		return false
	}
	if f.ErrorType != "" && inst.ErrorType != f.ErrorType {
		return false
	}
	if !f.ErrorSince.IsZero() && inst.ErrorTimestamp.Before(f.ErrorSince) {
		return false
	}
	if !f.ErrorUntil.IsZero() && inst.ErrorTimestamp.After(f.ErrorUntil) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !inst.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// CheckpointStore persists workflow instances keyed by instance id.
//
// Save never touches lease fields; leases are managed only through the lease
// methods, and Load reports the current lease in LeaseOwner/LeaseExpiresAt.
type CheckpointStore interface {
	// Create stores a new instance. It returns ErrInstanceExists if the id is taken.
	Create(ctx context.Context, inst *api.WorkflowInstance) error
	// Save overwrites the checkpoint of an existing instance.
	Save(ctx context.Context, inst *api.WorkflowInstance) error
	Load(ctx context.Context, id string) (*api.WorkflowInstance, error)
	// List returns matching instances ordered by UpdatedAt, oldest first.
	List(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an instance.
	// If the instance is currently leased by another owner and the lease has not expired,
	// it returns acquired=false, err=nil.
	//
	// Implementations should treat a lease owned by the same owner as re-entrant.
	// Unknown instances yield ErrInstanceNotFound.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	// It returns api.ErrInstanceLocked if owner does not hold the lease.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent
	// and leaves leases held by other owners untouched.
	ReleaseLease(ctx context.Context, instanceID, owner string) error

	// PutCorrelation maps a messaging gateway reference to an instance.
	PutCorrelation(ctx context.Context, messageRef, instanceID string) error
	// LookupCorrelation returns ErrCorrelationNotFound for unknown references.
	LookupCorrelation(ctx context.Context, messageRef string) (string, error)
}

// sortAndLimit orders instances by UpdatedAt then ID and applies the limit.
func sortAndLimit(out []*api.WorkflowInstance, limit int) []*api.WorkflowInstance {
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
