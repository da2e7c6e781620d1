// Package api contains the types shared by every part of inboxflow: the
// workflow instance record, the stage contract, the collaborator interfaces,
// the error taxonomy, and the observer hooks.
//
// Most users interact with the higher-level inboxflow package, which
// re-exports the types from this package that an embedding application needs.
//
// # Instances and stages
//
// A WorkflowInstance tracks one inbound item. It moves through a fixed set of
// stages (AllStages): context extraction, classification, optional draft
// generation, owner notification, waiting for the owner's decision, and
// finally executing the decided action. A RouteFunc picks the next stage
// from the instance alone; a StageFunc does the work of one stage and returns
// a StageResult telling the engine whether to continue, suspend, or finish.
//
// # Status
//
// Instances are active while stages run, suspended while waiting for an
// external decision, and completed when finished or cancelled. A failed
// external call moves the instance to error; once the cumulative failure
// count reaches the configured ceiling it moves to dead_letter, from which
// only a forced operator retry brings it back. CanTransition encodes the
// allowed moves.
//
// # Errors
//
// External calls fail with one of three kinds (KindOf): transient failures
// are retried with backoff, permanent-recoverable failures get a single
// credential refresh, and permanent-terminal failures are never retried.
// Collaborators can mark errors explicitly with Transient, Permanent and
// AuthExpired, or return errors exposing a StatusCode() method.
//
// # Observability
//
// The Observer interface receives stage, retry and status transition
// callbacks. LoggingObserver writes them with log/slog, BasicMetrics keeps
// in-process counters, and NewCompositeObserver fans out to several.
package api
