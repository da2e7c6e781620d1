// Package telemetry exports engine activity as OpenTelemetry metrics.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petrijr/inboxflow/pkg/api"
)

// meterName is the instrumentation scope name for inboxflow metrics.
const meterName = "github.com/petrijr/inboxflow"

// Observer records engine callbacks on OTel instruments.
//
// Instruments:
//   - inboxflow.instances.submitted (Int64Counter)
//   - inboxflow.stage.duration (Float64Histogram): seconds, attributes stage and outcome
//   - inboxflow.stage.failures (Int64Counter): attributes stage and error_type
//   - inboxflow.retry.attempts (Int64Counter): attributes operation and error_class
//   - inboxflow.instances.transitions (Int64Counter): attributes from and to
//   - inboxflow.instances.dead_lettered (Int64Counter)
//   - inboxflow.instances.suspended (Int64UpDownCounter)
//   - inboxflow.instances.in_error (Int64UpDownCounter)
type Observer struct {
	api.NoopObserver

	submitted     metric.Int64Counter
	stageDuration metric.Float64Histogram
	stageFailures metric.Int64Counter
	retries       metric.Int64Counter
	transitions   metric.Int64Counter
	deadLetters   metric.Int64Counter
	suspended     metric.Int64UpDownCounter
	inError       metric.Int64UpDownCounter
}

// NewObserver creates an Observer on the global MeterProvider.
func NewObserver() (*Observer, error) {
	return NewObserverWithMeter(otel.Meter(meterName))
}

// NewObserverWithMeter creates an Observer using meter.
func NewObserverWithMeter(meter metric.Meter) (*Observer, error) {
	var (
		o   Observer
		err error
	)
	if o.submitted, err = meter.Int64Counter("inboxflow.instances.submitted",
		metric.WithDescription("Instances created"),
		metric.WithUnit("{instance}"),
	); err != nil {
		return nil, err
	}
	if o.stageDuration, err = meter.Float64Histogram("inboxflow.stage.duration",
		metric.WithDescription("Duration of stage execution in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if o.stageFailures, err = meter.Int64Counter("inboxflow.stage.failures",
		metric.WithDescription("Stages that returned an error"),
		metric.WithUnit("{stage}"),
	); err != nil {
		return nil, err
	}
	if o.retries, err = meter.Int64Counter("inboxflow.retry.attempts",
		metric.WithDescription("Failed external calls that were retried"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if o.transitions, err = meter.Int64Counter("inboxflow.instances.transitions",
		metric.WithDescription("Status transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if o.deadLetters, err = meter.Int64Counter("inboxflow.instances.dead_lettered",
		metric.WithDescription("Instances moved to dead_letter"),
		metric.WithUnit("{instance}"),
	); err != nil {
		return nil, err
	}
	if o.suspended, err = meter.Int64UpDownCounter("inboxflow.instances.suspended",
		metric.WithDescription("Instances awaiting an owner decision"),
		metric.WithUnit("{instance}"),
	); err != nil {
		return nil, err
	}
	if o.inError, err = meter.Int64UpDownCounter("inboxflow.instances.in_error",
		metric.WithDescription("Instances in error status"),
		metric.WithUnit("{instance}"),
	); err != nil {
		return nil, err
	}
	return &o, nil
}

func (o *Observer) OnSubmitted(ctx context.Context, inst *api.WorkflowInstance) {
	o.submitted.Add(ctx, 1)
}

func (o *Observer) OnStageCompleted(ctx context.Context, inst *api.WorkflowInstance, stage api.Stage, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		o.stageFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(stage)),
			attribute.String("error_type", api.ErrorTypeOf(err)),
		))
	}
	o.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("outcome", outcome),
	))
}

func (o *Observer) OnRetry(ctx context.Context, a api.RetryAttempt) {
	o.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", a.Operation),
		attribute.String("error_class", string(a.ErrorClass)),
	))
}

func (o *Observer) OnTransition(ctx context.Context, inst *api.WorkflowInstance, from, to api.Status) {
	if from == to {
		return
	}
	o.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))

	switch from {
	case api.StatusSuspended:
		o.suspended.Add(ctx, -1)
	case api.StatusError:
		o.inError.Add(ctx, -1)
	}
	switch to {
	case api.StatusSuspended:
		o.suspended.Add(ctx, 1)
	case api.StatusError:
		o.inError.Add(ctx, 1)
	case api.StatusDeadLetter:
		o.deadLetters.Add(ctx, 1)
	}
}
