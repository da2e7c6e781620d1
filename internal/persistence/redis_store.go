package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/inboxflow/pkg/api"
)

// RedisStore is a CheckpointStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>            => gob-encoded instance checkpoint
//	<prefix>lease:<id>           => lease owner, expiring with the lease
//	<prefix>corr:<messageRef>    => instance id
//	<prefix>idx:all              => SET of all instance IDs
//	<prefix>idx:status:<status>  => SET of instance IDs for a given status
//
// Status indexes narrow List; the decoded checkpoint is always filtered again.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ CheckpointStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "inboxflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "inboxflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) keyLease(id string) string {
	return r.prefix + "lease:" + id
}

func (r *RedisStore) keyInstance(id string) string {
	return r.prefix + "inst:" + id
}

func (r *RedisStore) keyCorrelation(ref string) string {
	return r.prefix + "corr:" + ref
}

func (r *RedisStore) keyAll() string {
	return r.prefix + "idx:all"
}

func (r *RedisStore) keyStatus(status api.Status) string {
	return r.prefix + "idx:status:" + string(status)
}

func (r *RedisStore) Create(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := encodeState(inst)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.keyInstance(inst.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInstanceExists
	}
	return r.reindex(ctx, inst)
}

func (r *RedisStore) Save(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := encodeState(inst)
	if err != nil {
		return err
	}
	ok, err := r.client.SetXX(ctx, r.keyInstance(inst.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInstanceNotFound
	}
	return r.reindex(ctx, inst)
}

// reindex moves the instance id into the set for its current status.
func (r *RedisStore) reindex(ctx context.Context, inst *api.WorkflowInstance) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.keyAll(), inst.ID)
	for _, st := range api.AllStatuses {
		if st != inst.Status {
			pipe.SRem(ctx, r.keyStatus(st), inst.ID)
		}
	}
	pipe.SAdd(ctx, r.keyStatus(inst.Status), inst.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Load(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, r.keyInstance(id))
	ownerCmd := pipe.Get(ctx, r.keyLease(id))
	ttlCmd := pipe.PTTL(ctx, r.keyLease(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	data, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	inst, err := decodeState(data)
	if err != nil {
		return nil, err
	}
	if owner, err := ownerCmd.Result(); err == nil {
		if ttl, err := ttlCmd.Result(); err == nil && ttl > 0 {
			inst.LeaseOwner = owner
			inst.LeaseExpiresAt = time.Now().Add(ttl)
		}
	}
	return inst, nil
}

func (r *RedisStore) List(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	var ids []string
	var err error

	switch len(filter.Statuses) {
	case 0:
		ids, err = r.client.SMembers(ctx, r.keyAll()).Result()
	case 1:
		ids, err = r.client.SMembers(ctx, r.keyStatus(filter.Statuses[0])).Result()
	default:
		keys := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			keys = append(keys, r.keyStatus(st))
		}
		ids, err = r.client.SUnion(ctx, keys...).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.WorkflowInstance{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.WorkflowInstance{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var instances []*api.WorkflowInstance
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := decodeState(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(inst) {
			instances = append(instances, inst)
		}
	}

	return sortAndLimit(instances, filter.Limit), nil
}

var (
	// Lua script for acquiring a lease with re-entrant behavior for the same owner.
	// Returns 1 if acquired/refreshed, 0 if held by another owner, -1 if the
	// instance does not exist.
	redisLeaseAcquireLua = `
local key = KEYS[1]
local inst = KEYS[2]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

if redis.call('EXISTS', inst) == 0 then
	return -1
end
local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for renewing a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenewLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for releasing a lease. Returns 1 if released, 0 otherwise.
	redisLeaseReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

func (r *RedisStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	res, err := r.client.Eval(ctx, redisLeaseAcquireLua,
		[]string{r.keyLease(instanceID), r.keyInstance(instanceID)},
		owner, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	switch res {
	case 1:
		return true, nil
	case -1:
		return false, ErrInstanceNotFound
	default:
		return false, nil
	}
}

func (r *RedisStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	res, err := r.client.Eval(ctx, redisLeaseRenewLua, []string{r.keyLease(instanceID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res != 1 {
		return api.ErrInstanceLocked
	}
	return nil
}

func (r *RedisStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	// A missing or foreign lease is left alone.
	if err := r.client.Eval(ctx, redisLeaseReleaseLua, []string{r.keyLease(instanceID)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", instanceID, err)
	}
	return nil
}

func (r *RedisStore) PutCorrelation(ctx context.Context, messageRef, instanceID string) error {
	return r.client.Set(ctx, r.keyCorrelation(messageRef), instanceID, 0).Err()
}

func (r *RedisStore) LookupCorrelation(ctx context.Context, messageRef string) (string, error) {
	id, err := r.client.Get(ctx, r.keyCorrelation(messageRef)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCorrelationNotFound
	}
	return id, err
}
