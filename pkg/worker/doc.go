// Package worker drives inboxflow instances from a task queue.
//
// Intake code (the HTTP API, mailbox pollers, the CLI) enqueues tasks: submit
// an item, run an instance, or deliver an external event. A Worker dequeues
// one task at a time and hands it to the engine; a Pool runs several workers
// side by side and periodically recovers instances that stalled without a
// checkpoint.
//
// # Leases
//
// The engine holds a lease on an instance while driving it. A task whose
// instance is leased by another process is put back on the queue with a
// delay instead of failing, up to Config.MaxRedeliveries times.
//
// # Backends
//
// Workers are decoupled from any particular persistence backend. The queue
// implementations in the taskqueue package (in-memory, SQLite, Postgres,
// Redis, MongoDB) can be combined with any checkpoint store.
package worker
