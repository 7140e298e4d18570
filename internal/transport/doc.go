// Package transport defines the delivery boundary for user-facing messages.
//
// The placer never talks to a transport directly: it hands text to the
// notifier, which owns queueing, rate limiting, and retries, and the notifier
// calls a Sender. Adapters live in subpackages (console, telegram).
package transport
