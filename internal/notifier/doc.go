// Package notifier delivers short user-facing messages from the scheduler
// (queue locked, unlocked, status lines) through a transport.Sender.
//
// NotifyUser never blocks: messages go to a bounded queue drained by a small
// worker pool under a shared rate limit, with retries and a dedup window so
// repeated identical lines to the same user are suppressed. The dedup state
// can be persisted through storage to survive restarts.
package notifier
