package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/inboxflow/internal/persistence"
	"github.com/petrijr/inboxflow/internal/retry"
	"github.com/petrijr/inboxflow/internal/stages"
	"github.com/petrijr/inboxflow/pkg/api"
)

const (
	// DefaultDeadLetterCeiling is the cumulative failure count at which an
	// instance is dead-lettered instead of parked in error.
	DefaultDeadLetterCeiling = 3
	// DefaultLeaseTTL bounds how long a crashed driver keeps an instance.
	DefaultLeaseTTL = 5 * time.Minute
)

var instanceNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("inboxflow.instance"))

// InstanceID derives the instance id of an item. Submitting the same item
// twice always yields the same id. The owner is length-prefixed so no two
// (owner, item) pairs share a name.
func InstanceID(ownerID, itemID string) string {
	name := fmt.Sprintf("%d:%s%s", len(ownerID), ownerID, itemID)
	return uuid.NewSHA1(instanceNamespace, []byte(name)).String()
}

// Config describes how to construct an engine.
type Config struct {
	Persistence persistence.Persistence

	// Collaborators builds the default stage table. Ignored when Stages is set.
	Collaborators api.Collaborators
	Stages        api.StageTable
	// Router defaults to router.Route.
	Router api.RouteFunc

	// Retry is used when Executor is nil. A zero policy means retry.DefaultPolicy.
	Retry    retry.Policy
	Executor *retry.Executor

	// Notifier receives failure notices. Defaults to Collaborators.Notifier.
	Notifier api.OwnerNotifier

	Observer api.Observer
	Logger   *slog.Logger

	DeadLetterCeiling int
	LeaseTTL          time.Duration
	// LeaseOwner prefixes the lease tokens of this engine. Defaults to a
	// random UUID. Every acquisition gets its own token, so two drivers in
	// one process exclude each other.
	LeaseOwner string

	Now func() time.Time
}

// inflight tracks an instance leased by this engine so Cancel can hand
// the cancellation to the current holder. done is closed after the lease
// is released.
type inflight struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
	reason    string
	done      chan struct{}
}

// bind attaches the cancel func of a running drive.
func (fl *inflight) bind(cancel context.CancelFunc) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.cancel = cancel
	if fl.cancelled {
		cancel()
	}
}

func (fl *inflight) requestCancel(reason string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if !fl.cancelled {
		fl.cancelled = true
		fl.reason = reason
	}
	if fl.cancel != nil {
		fl.cancel()
	}
}

func (fl *inflight) cancelRequested() (bool, string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.cancelled, fl.reason
}

// lease is one hold of an instance lease.
type lease struct {
	instanceID string
	owner      string
	fl         *inflight
}

type engineImpl struct {
	checkpoints persistence.CheckpointStore
	events      persistence.EventStore
	registry    *stageRegistry
	notifier    api.OwnerNotifier
	observer    api.Observer
	logger      *slog.Logger

	ceiling    int
	leaseTTL   time.Duration
	leaseOwner string
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflight
}

var _ api.Engine = (*engineImpl)(nil)

// NewEngine validates cfg, including the router against the stage table,
// and returns an engine.
func NewEngine(cfg Config) (api.Engine, error) {
	if cfg.Persistence.Checkpoints == nil {
		return nil, errors.New("engine: checkpoint store is required")
	}

	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	table := cfg.Stages
	if table == nil {
		ex := cfg.Executor
		if ex == nil {
			policy := cfg.Retry
			if policy == (retry.Policy{}) {
				policy = retry.DefaultPolicy()
			}
			ex = retry.New(policy, retry.WithObserver(obs), retry.WithLogger(logger))
		}
		var err error
		table, err = stages.Table(cfg.Collaborators, ex)
		if err != nil {
			return nil, err
		}
	}

	reg, err := newStageRegistry(table, cfg.Router)
	if err != nil {
		return nil, err
	}

	e := &engineImpl{
		checkpoints: cfg.Persistence.Checkpoints,
		events:      cfg.Persistence.Events,
		registry:    reg,
		notifier:    cfg.Notifier,
		observer:    obs,
		logger:      logger,
		ceiling:     cfg.DeadLetterCeiling,
		leaseTTL:    cfg.LeaseTTL,
		leaseOwner:  cfg.LeaseOwner,
		now:         cfg.Now,
		inflight:    make(map[string]*inflight),
	}
	if e.events == nil {
		e.events = persistence.NoopEventStore{}
	}
	if e.notifier == nil {
		e.notifier = cfg.Collaborators.Notifier
	}
	if e.ceiling <= 0 {
		e.ceiling = DefaultDeadLetterCeiling
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = DefaultLeaseTTL
	}
	if e.leaseOwner == "" {
		e.leaseOwner = uuid.NewString()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// NewInMemoryEngine returns an engine with in-memory checkpoints and history.
func NewInMemoryEngine(c api.Collaborators) (api.Engine, error) {
	return NewEngine(Config{
		Persistence: persistence.Persistence{
			Checkpoints: persistence.NewInMemoryStore(),
			Events:      persistence.NewInMemoryEventStore(),
		},
		Collaborators: c,
	})
}

func NewSQLiteEngine(db *sql.DB, c api.Collaborators) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(Config{
		Persistence:   persistence.Persistence{Checkpoints: store, Events: events},
		Collaborators: c,
	})
}

func NewPostgresEngine(db *sql.DB, c api.Collaborators) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(Config{
		Persistence:   persistence.Persistence{Checkpoints: store},
		Collaborators: c,
	})
}

func NewRedisEngine(client *redis.Client, c api.Collaborators) (api.Engine, error) {
	return NewEngine(Config{
		Persistence:   persistence.Persistence{Checkpoints: persistence.NewRedisStore(client, "inboxflow:")},
		Collaborators: c,
	})
}

func NewMongoEngine(client *mongo.Client, dbName string, c api.Collaborators) (api.Engine, error) {
	return NewEngine(Config{
		Persistence:   persistence.Persistence{Checkpoints: persistence.NewMongoStore(client, dbName, "")},
		Collaborators: c,
	})
}

func (e *engineImpl) Submit(ctx context.Context, item api.Item) (*api.WorkflowInstance, error) {
	inst, created, err := e.Start(ctx, item)
	if err != nil {
		return nil, err
	}
	if !created {
		return inst, nil
	}
	return e.Run(ctx, inst.ID)
}

func (e *engineImpl) Start(ctx context.Context, item api.Item) (*api.WorkflowInstance, bool, error) {
	if item.ID == "" || item.OwnerID == "" {
		return nil, false, api.ErrInvalidItem
	}

	now := e.now()
	inst := &api.WorkflowInstance{
		ID:           InstanceID(item.OwnerID, item.ID),
		ItemID:       item.ID,
		OwnerID:      item.OwnerID,
		Item:         item,
		CurrentStage: api.EntryStage,
		Status:       api.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := e.checkpoints.Create(ctx, inst)
	if errors.Is(err, persistence.ErrInstanceExists) {
		existing, err := e.checkpoints.Load(ctx, inst.ID)
		if err != nil {
			return nil, false, err
		}
		if existing.OwnerID != item.OwnerID || existing.ItemID != item.ID {
			return nil, false, fmt.Errorf("%w: id %s belongs to item %s of %s",
				api.ErrInstanceExists, inst.ID, existing.ItemID, existing.OwnerID)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	e.observer.OnSubmitted(ctx, inst)
	e.record(ctx, inst, api.EventSubmitted, "")
	return inst, true, nil
}

func (e *engineImpl) Run(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	l, release, err := e.acquire(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	inst, err := e.checkpoints.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != api.StatusActive {
		return inst, nil
	}
	return e.drive(ctx, l, inst)
}

func (e *engineImpl) Resume(ctx context.Context, instanceID string, ev api.ExternalEvent) (*api.WorkflowInstance, error) {
	l, release, err := e.acquire(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	inst, err := e.checkpoints.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.HasProcessed(ev.ID) {
		e.logger.InfoContext(ctx, "duplicate_event",
			slog.String("instance_id", inst.ID),
			slog.String("event_id", ev.ID),
		)
		return inst, nil
	}

	switch ev.Kind {
	case api.EventKindDecision:
		return e.applyDecision(ctx, l, inst, ev)
	case api.EventKindManualRetry:
		return e.manualRetry(ctx, l, inst, ev)
	default:
		return inst, fmt.Errorf("%w: unknown kind %q", api.ErrInvalidEvent, ev.Kind)
	}
}

func (e *engineImpl) ResumeByMessageRef(ctx context.Context, messageRef string, ev api.ExternalEvent) (*api.WorkflowInstance, error) {
	id, err := e.checkpoints.LookupCorrelation(ctx, messageRef)
	if err != nil {
		return nil, err
	}
	return e.Resume(ctx, id, ev)
}

func (e *engineImpl) applyDecision(ctx context.Context, l *lease, inst *api.WorkflowInstance, ev api.ExternalEvent) (*api.WorkflowInstance, error) {
	if ev.Decision == nil {
		return inst, fmt.Errorf("%w: decision event without decision", api.ErrInvalidEvent)
	}
	if inst.Status != api.StatusSuspended {
		// Late or replayed decisions must not disturb the instance.
		e.logger.InfoContext(ctx, "decision_ignored",
			slog.String("instance_id", inst.ID),
			slog.String("status", string(inst.Status)),
		)
		return inst, nil
	}

	work := inst.Clone()
	d := *ev.Decision
	if d.DecidedAt.IsZero() {
		d.DecidedAt = e.now()
	}
	if d.DecidedBy == "" {
		d.DecidedBy = ev.Actor
	}
	work.ApprovalDecision = &d
	work.MarkProcessed(ev.ID)
	if err := e.transition(ctx, inst, work, api.StatusActive, api.EventResumed, string(d.Kind)); err != nil {
		return inst, err
	}
	return e.drive(ctx, l, work)
}

// Cancel completes an instance as cancelled. When this engine is driving
// the instance, the driver writes the cancelled checkpoint under its own
// lease; Cancel waits for it to let go and then checks the result.
func (e *engineImpl) Cancel(ctx context.Context, instanceID, reason string) (*api.WorkflowInstance, error) {
	var (
		release func()
		err     error
	)
	for {
		if fl := e.lookupInflight(instanceID); fl != nil {
			fl.requestCancel(reason)
			select {
			case <-fl.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		_, release, err = e.acquire(ctx, instanceID)
		if errors.Is(err, api.ErrInstanceLocked) && e.lookupInflight(instanceID) != nil {
			// Another local driver took the lease in between.
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	defer release()

	inst, err := e.checkpoints.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == api.StatusCompleted {
		if inst.Cancelled {
			return inst, nil
		}
		return inst, fmt.Errorf("%w: instance %s already completed", api.ErrInvalidTransition, instanceID)
	}
	return e.markCancelled(ctx, inst, reason)
}

// markCancelled checkpoints inst, the last checkpoint, as a cancelled
// completion.
func (e *engineImpl) markCancelled(ctx context.Context, inst *api.WorkflowInstance, reason string) (*api.WorkflowInstance, error) {
	work := inst.Clone()
	work.Cancelled = true
	work.CancelReason = reason
	if err := e.transition(ctx, inst, work, api.StatusCompleted, api.EventCancelled, reason); err != nil {
		return inst, err
	}
	return work, nil
}

func (e *engineImpl) GetStatus(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	return e.checkpoints.Load(ctx, instanceID)
}

func (e *engineImpl) ListErrors(ctx context.Context, filter api.ErrorFilter) ([]api.InstanceSummary, error) {
	list, err := e.checkpoints.List(ctx, persistence.InstanceFilter{
		Statuses:   []api.Status{api.StatusError, api.StatusDeadLetter},
		OwnerID:    filter.OwnerID,
		ErrorType:  filter.ErrorType,
		ErrorSince: filter.Since,
		ErrorUntil: filter.Until,
		Limit:      filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	return summaries(list), nil
}

func (e *engineImpl) ListStalled(ctx context.Context, olderThan time.Duration) ([]api.InstanceSummary, error) {
	list, err := e.stalled(ctx, olderThan)
	if err != nil {
		return nil, err
	}
	return summaries(list), nil
}

func (e *engineImpl) stalled(ctx context.Context, olderThan time.Duration) ([]*api.WorkflowInstance, error) {
	return e.checkpoints.List(ctx, persistence.InstanceFilter{
		Statuses:      []api.Status{api.StatusActive},
		UpdatedBefore: e.now().Add(-olderThan),
	})
}

func (e *engineImpl) RecoverStalled(ctx context.Context, olderThan time.Duration) ([]*api.WorkflowInstance, error) {
	list, err := e.stalled(ctx, olderThan)
	if err != nil {
		return nil, err
	}

	var out []*api.WorkflowInstance
	for _, inst := range list {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if inst.LeaseOwner != "" && time.Now().Before(inst.LeaseExpiresAt) {
			// Slow, not stalled: a live driver still holds it.
			continue
		}
		e.record(ctx, inst, api.EventRecovered, string(inst.CurrentStage))
		res, err := e.Run(ctx, inst.ID)
		if errors.Is(err, api.ErrInstanceLocked) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("recover %s: %w", inst.ID, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func (e *engineImpl) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	return e.events.ListEvents(ctx, instanceID)
}

// acquire takes the instance lease under a fresh owner token and returns
// it with its release function.
func (e *engineImpl) acquire(ctx context.Context, instanceID string) (*lease, func(), error) {
	owner := e.leaseOwner + "/" + uuid.NewString()
	ok, err := e.checkpoints.TryAcquireLease(ctx, instanceID, owner, e.leaseTTL)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", api.ErrInstanceLocked, instanceID)
	}

	l := &lease{instanceID: instanceID, owner: owner, fl: e.track(instanceID)}
	return l, func() {
		if err := e.checkpoints.ReleaseLease(context.WithoutCancel(ctx), instanceID, owner); err != nil {
			e.logger.WarnContext(ctx, "lease_release_failed",
				slog.String("instance_id", instanceID),
				slog.String("error", err.Error()),
			)
		}
		e.untrack(instanceID, l.fl)
		close(l.fl.done)
	}, nil
}

func (e *engineImpl) track(instanceID string) *inflight {
	e.mu.Lock()
	defer e.mu.Unlock()
	fl := &inflight{done: make(chan struct{})}
	e.inflight[instanceID] = fl
	return fl
}

func (e *engineImpl) untrack(instanceID string, fl *inflight) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[instanceID] == fl {
		delete(e.inflight, instanceID)
	}
}

func (e *engineImpl) lookupInflight(instanceID string) *inflight {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[instanceID]
}

// transition moves work to status, checkpoints it and reports the change.
// prev is the last checkpointed state.
func (e *engineImpl) transition(ctx context.Context, prev, work *api.WorkflowInstance, to api.Status, evType api.EventType, detail string) error {
	from := prev.Status
	if from != to && !api.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", api.ErrInvalidTransition, from, to)
	}
	work.Status = to
	work.UpdatedAt = e.now()
	if err := e.checkpoints.Save(ctx, work); err != nil {
		return err
	}
	if from != to {
		e.observer.OnTransition(ctx, work, from, to)
	}
	e.record(ctx, work, evType, detail)
	return nil
}

// record appends to the history. History is best effort.
func (e *engineImpl) record(ctx context.Context, inst *api.WorkflowInstance, typ api.EventType, detail string) {
	ev := api.WorkflowEvent{
		InstanceID: inst.ID,
		At:         e.now(),
		Type:       typ,
		Stage:      inst.CurrentStage,
		Status:     inst.Status,
		Detail:     detail,
	}
	if err := e.events.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.WarnContext(ctx, "event_append_failed",
			slog.String("instance_id", inst.ID),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

func summaries(list []*api.WorkflowInstance) []api.InstanceSummary {
	out := make([]api.InstanceSummary, 0, len(list))
	for _, inst := range list {
		out = append(out, inst.Summary())
	}
	return out
}
