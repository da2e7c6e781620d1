package inboxflow

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/inboxflow/internal/engine"
	"github.com/petrijr/inboxflow/internal/persistence"
	"github.com/petrijr/inboxflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowInstance     = api.WorkflowInstance
	InstanceSummary      = api.InstanceSummary
	WorkflowEvent        = api.WorkflowEvent
	Item                 = api.Item
	Decision             = api.Decision
	ExternalEvent        = api.ExternalEvent
	ErrorFilter          = api.ErrorFilter
	Status               = api.Status
	Collaborators        = api.Collaborators
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	StatusActive     = api.StatusActive
	StatusSuspended  = api.StatusSuspended
	StatusCompleted  = api.StatusCompleted
	StatusError      = api.StatusError
	StatusDeadLetter = api.StatusDeadLetter
)

// InstanceID returns the id the engine assigns to an owner's item.
func InstanceID(ownerID, itemID string) string {
	return engine.InstanceID(ownerID, itemID)
}

// EngineOption customises an engine built by the constructors below.
type EngineOption func(*engine.Config)

// WithObserver installs obs for stage, retry and transition callbacks.
func WithObserver(obs Observer) EngineOption {
	return func(c *engine.Config) { c.Observer = obs }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) EngineOption {
	return func(c *engine.Config) { c.Retry = p }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(c *engine.Config) { c.Logger = l }
}

// WithDeadLetterCeiling sets the failure count at which instances are
// dead-lettered.
func WithDeadLetterCeiling(n int) EngineOption {
	return func(c *engine.Config) { c.DeadLetterCeiling = n }
}

// WithLease sets the lease owner name and lease duration.
func WithLease(owner string, ttl time.Duration) EngineOption {
	return func(c *engine.Config) {
		c.LeaseOwner = owner
		c.LeaseTTL = ttl
	}
}

func newEngine(p persistence.Persistence, c Collaborators, opts []EngineOption) (Engine, error) {
	cfg := engine.Config{Persistence: p, Collaborators: c}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.NewEngine(cfg)
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(c Collaborators, opts ...EngineOption) (Engine, error) {
	return newEngine(persistence.Persistence{
		Checkpoints: persistence.NewInMemoryStore(),
		Events:      persistence.NewInMemoryEventStore(),
	}, c, opts)
}

// NewSQLiteEngine returns an Engine that checkpoints instances and records
// their history in a SQLite database.
func NewSQLiteEngine(db *sql.DB, c Collaborators, opts ...EngineOption) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(persistence.Persistence{Checkpoints: store, Events: events}, c, opts)
}

// NewPostgresEngine returns an Engine that checkpoints instances in PostgreSQL.
func NewPostgresEngine(db *sql.DB, c Collaborators, opts ...EngineOption) (Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(persistence.Persistence{Checkpoints: store}, c, opts)
}

// NewRedisEngine returns an Engine that checkpoints instances in Redis.
func NewRedisEngine(client *redis.Client, c Collaborators, opts ...EngineOption) (Engine, error) {
	return newEngine(persistence.Persistence{Checkpoints: persistence.NewRedisStore(client, "inboxflow:")}, c, opts)
}

// NewMongoEngine returns an Engine that checkpoints instances in MongoDB.
func NewMongoEngine(client *mongo.Client, dbName string, c Collaborators, opts ...EngineOption) (Engine, error) {
	return newEngine(persistence.Persistence{Checkpoints: persistence.NewMongoStore(client, dbName, "")}, c, opts)
}

// Convenience helpers that just forward to the underlying Engine.

// Decide delivers an owner decision to the instance correlated with
// messageRef. eventID deduplicates redeliveries.
func Decide(ctx context.Context, eng Engine, messageRef, eventID string, d Decision) (*WorkflowInstance, error) {
	return eng.ResumeByMessageRef(ctx, messageRef, ExternalEvent{
		ID:       eventID,
		Kind:     api.EventKindDecision,
		Decision: &d,
		Actor:    d.DecidedBy,
		At:       time.Now(),
	})
}

// Retry re-runs an error instance from its failed stage. force is required
// for dead_letter instances, which restart from the first stage.
func Retry(ctx context.Context, eng Engine, instanceID, eventID string, force bool) (*WorkflowInstance, error) {
	return eng.Resume(ctx, instanceID, ExternalEvent{
		ID:    eventID,
		Kind:  api.EventKindManualRetry,
		Force: force,
		At:    time.Now(),
	})
}

// RecoverStalled delegates to eng.RecoverStalled.
//
// It is typically called on process startup before starting any workers:
//
//	recovered, err := inboxflow.RecoverStalled(ctx, engine, 10*time.Minute)
func RecoverStalled(ctx context.Context, eng Engine, olderThan time.Duration) ([]*WorkflowInstance, error) {
	return eng.RecoverStalled(ctx, olderThan)
}
