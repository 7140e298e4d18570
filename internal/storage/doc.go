// Package storage persists the scheduler audit trail (locks, unlocks,
// purges, job changes) and the notifier dedup state.
//
// Queue contents are never persisted; a restart starts with empty queues.
package storage
