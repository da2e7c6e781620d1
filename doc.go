// Package inboxflow is the core of an inbound-mail agent: it takes each
// received item through context retrieval, classification, reply drafting,
// owner review and the final mailbox action, and survives crashes and
// flaky collaborators along the way.
//
// # Core Concepts
//
//  1. Engine
//  2. Collaborators
//  3. Worker and Pool
//  4. Observers
//  5. LocalRunner
//
// # Engine
//
// The Engine keeps one WorkflowInstance per (owner, item) pair. Submitting
// the same item twice returns the existing instance. Every stage outcome is
// checkpointed before the next stage runs, so a restarted process resumes
// where the previous one stopped instead of repeating external effects.
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability, with instance history)
//   - Postgres
//   - Redis
//   - MongoDB
//
// An instance is driven by one process at a time. Drivers take a lease on
// the instance; a crashed driver's lease expires and the stalled scan picks
// the instance up again.
//
// # Stages
//
// Items flow through extract_context, classify, then either straight to
// execute_action (sort_only) or through generate_response, notify_owner and
// await_decision (needs_response). await_decision suspends the instance
// until the messaging gateway reports the owner's decision:
//
//	inst, err := inboxflow.Decide(ctx, eng, messageRef, callbackID, decision)
//
// # Failures
//
// Collaborator calls are retried with exponential backoff when they fail
// transiently (timeouts, 429, 5xx). Expired credentials get one refresh.
// Anything else fails the stage at once. A failed instance is parked in
// error with the failing stage and error type recorded, and its owner is
// notified. Operators resume it with Retry; after repeated failures it is
// moved to dead_letter and only a forced retry revives it.
//
// # Worker
//
// A Worker pulls tasks (submit, run, resume) from a queue and executes
// them on an Engine. A Pool runs several task loops and periodically
// recovers stalled instances. Each backend has a matching queue.
//
// # Observers
//
// Observers receive stage, retry and status transition callbacks.
// LoggingObserver logs them, BasicMetrics counts them in process, and the
// telemetry package exports them as OpenTelemetry metrics.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue and pool for local
// development and tests.
package inboxflow
