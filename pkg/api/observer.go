package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// RetryAttempt describes one failed attempt of an external call that will be
// retried. It is emitted to observers and logs and never persisted.
type RetryAttempt struct {
	InstanceID string
	Operation  string
	// Attempt is the 0-based index of the attempt that failed.
	Attempt    int
	Delay      time.Duration
	ErrorClass ErrorKind
	Err        error
}

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay instance execution.
type Observer interface {
	// OnSubmitted is called once when an instance is created.
	OnSubmitted(ctx context.Context, inst *WorkflowInstance)

	// OnStageStart is called before invoking a stage function.
	OnStageStart(ctx context.Context, inst *WorkflowInstance, stage Stage)

	// OnStageCompleted is called after a stage function returns, for both
	// successes and failures (err != nil).
	OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage Stage, err error, d time.Duration)

	// OnRetry is called for every failed attempt that will be retried.
	OnRetry(ctx context.Context, attempt RetryAttempt)

	// OnTransition is called after a status change has been checkpointed.
	// from is empty for a newly created instance.
	OnTransition(ctx context.Context, inst *WorkflowInstance, from, to Status)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnSubmitted(ctx context.Context, inst *WorkflowInstance)               {}
func (NoopObserver) OnStageStart(ctx context.Context, inst *WorkflowInstance, stage Stage) {}
func (NoopObserver) OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage Stage, err error, d time.Duration) {
}
func (NoopObserver) OnRetry(ctx context.Context, attempt RetryAttempt)                            {}
func (NoopObserver) OnTransition(ctx context.Context, inst *WorkflowInstance, from, to Status) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnSubmitted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnSubmitted(ctx, inst)
	}
}

func (c *CompositeObserver) OnStageStart(ctx context.Context, inst *WorkflowInstance, stage Stage) {
	for _, o := range c.observers {
		o.OnStageStart(ctx, inst, stage)
	}
}

func (c *CompositeObserver) OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage Stage, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStageCompleted(ctx, inst, stage, err, d)
	}
}

func (c *CompositeObserver) OnRetry(ctx context.Context, attempt RetryAttempt) {
	for _, o := range c.observers {
		o.OnRetry(ctx, attempt)
	}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, inst *WorkflowInstance, from, to Status) {
	for _, o := range c.observers {
		o.OnTransition(ctx, inst, from, to)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance and stage
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnSubmitted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "instance_submitted",
		slog.String("instance_id", inst.ID),
		slog.String("item_id", inst.ItemID),
		slog.String("owner_id", inst.OwnerID),
	)
}

func (o *LoggingObserver) OnStageStart(ctx context.Context, inst *WorkflowInstance, stage Stage) {
	o.Logger.DebugContext(ctx, "stage_start",
		slog.String("instance_id", inst.ID),
		slog.String("stage", string(stage)),
	)
}

func (o *LoggingObserver) OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage Stage, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "stage_completed",
		slog.String("instance_id", inst.ID),
		slog.String("stage", string(stage)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRetry(ctx context.Context, a RetryAttempt) {
	o.Logger.WarnContext(ctx, "retry_scheduled",
		slog.String("instance_id", a.InstanceID),
		slog.String("operation", a.Operation),
		slog.Int("attempt", a.Attempt),
		slog.Duration("delay", a.Delay),
		slog.String("error_class", string(a.ErrorClass)),
		slog.Any("error", a.Err),
	)
}

func (o *LoggingObserver) OnTransition(ctx context.Context, inst *WorkflowInstance, from, to Status) {
	level := slog.LevelInfo
	if to == StatusError || to == StatusDeadLetter {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "status_transition",
		slog.String("instance_id", inst.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("stage", string(inst.CurrentStage)),
		slog.String("error_type", inst.ErrorType),
	)
}

// BasicMetrics collects simple counters and gauges in process.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	submitted     atomic.Int64
	stageSuccess  atomic.Int64
	stageFailure  atomic.Int64
	retries       atomic.Int64
	completed     atomic.Int64
	errors        atomic.Int64
	deadLetters   atomic.Int64
	suspended     atomic.Int64
	inError       atomic.Int64
	totalStageDur atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	Submitted     int64
	StageSuccess  int64
	StageFailure  int64
	RetryAttempts int64
	Completed     int64
	Errors        int64
	DeadLetters   int64

	// Gauges.
	Suspended int64
	InError   int64

	AvgStageDuration time.Duration
}

func (m *BasicMetrics) OnSubmitted(ctx context.Context, inst *WorkflowInstance) {
	m.submitted.Add(1)
}

func (m *BasicMetrics) OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage Stage, err error, d time.Duration) {
	if err != nil {
		m.stageFailure.Add(1)
		return
	}
	m.stageSuccess.Add(1)
	m.totalStageDur.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnRetry(ctx context.Context, attempt RetryAttempt) {
	m.retries.Add(1)
}

func (m *BasicMetrics) OnTransition(ctx context.Context, inst *WorkflowInstance, from, to Status) {
	if from == to {
		return
	}
	switch from {
	case StatusSuspended:
		m.suspended.Add(-1)
	case StatusError:
		m.inError.Add(-1)
	}
	switch to {
	case StatusSuspended:
		m.suspended.Add(1)
	case StatusError:
		m.inError.Add(1)
		m.errors.Add(1)
	case StatusDeadLetter:
		m.deadLetters.Add(1)
	case StatusCompleted:
		m.completed.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	success := m.stageSuccess.Load()
	totalNs := m.totalStageDur.Load()

	var avg time.Duration
	if success > 0 {
		avg = time.Duration(totalNs / success)
	}

	return BasicMetricsSnapshot{
		Submitted:        m.submitted.Load(),
		StageSuccess:     success,
		StageFailure:     m.stageFailure.Load(),
		RetryAttempts:    m.retries.Load(),
		Completed:        m.completed.Load(),
		Errors:           m.errors.Load(),
		DeadLetters:      m.deadLetters.Load(),
		Suspended:        m.suspended.Load(),
		InError:          m.inError.Load(),
		AvgStageDuration: avg,
	}
}
