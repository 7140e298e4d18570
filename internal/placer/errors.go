package placer

import (
	"errors"
	"fmt"
)

var (
	ErrQueueLocked      = errors.New("placer: queue locked")
	ErrGlobalQueueFull  = errors.New("placer: global queue full")
	ErrJobLimitExceeded = errors.New("placer: job limit exceeded")
	ErrUnknownJob       = errors.New("placer: unknown job")
	ErrStopped          = errors.New("placer: stopped")
)

// QueueLockedError is returned by Enqueue when the user queue is locked.
// Stored reports whether the rejected call's entry was still queued, which
// happens on the call that reached the hard limit.
type QueueLockedError struct {
	User   string
	Stored bool
}

func (e *QueueLockedError) Error() string {
	if e.Stored {
		return fmt.Sprintf("placer: queue locked for %s (last entry queued)", e.User)
	}
	return fmt.Sprintf("placer: queue locked for %s", e.User)
}

func (e *QueueLockedError) Is(target error) bool { return target == ErrQueueLocked }

// Stored reports whether err is a lock rejection that kept the entry.
func Stored(err error) bool {
	var le *QueueLockedError
	return errors.As(err, &le) && le.Stored
}

// Retryable reports whether a producer should back off and retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrQueueLocked) || errors.Is(err, ErrGlobalQueueFull)
}
