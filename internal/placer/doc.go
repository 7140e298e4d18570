// Package placer implements the per-user fair block placement scheduler.
//
// Producers call Enqueue concurrently; a single tick loop drains a bounded
// number of entries per tick, round-robin across users within a standard
// and a priority tier, and hands them to an Executor outside the lock.
//
// Each user queue has a hard limit (lock) and a soft limit (unlock) with
// hysteresis between them, an optional global cap across all queues, a set
// of cancellable jobs and a moving-average placing speed used for status
// messages.
package placer
