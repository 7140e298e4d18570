// Package audit copies scheduler lifecycle events from the event bus into
// the configured store.
package audit

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"blockplacer/internal/eventbus"
	"blockplacer/internal/storage"
	logx "blockplacer/pkg/logx"
)

// recorded lists the event types written to the audit trail. Dispatch
// failures are throttled upstream and still recorded.
var recorded = map[string]bool{
	eventbus.QueueLocked:     true,
	eventbus.QueueUnlocked:   true,
	eventbus.QueueRejected:   true,
	eventbus.QueuePurged:     true,
	eventbus.QueuesPurgedAll: true,
	eventbus.JobAdded:        true,
	eventbus.JobRemoved:      true,
	eventbus.DispatchFailed:  true,
	eventbus.PlacerStopped:   true,
	eventbus.ConfigReloaded:  true,
}

type Recorder struct {
	store storage.Store
	log   logx.Logger

	written atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log.With(logx.String("comp", "audit"))}
}

// Run consumes events until ctx is done or the channel closes.
func (r *Recorder) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			r.Record(ctx, e)
		}
	}
}

// Record writes one event if its type is audited.
func (r *Recorder) Record(ctx context.Context, e eventbus.Event) {
	if r.store == nil || !recorded[e.Type] {
		return
	}
	entry := storage.AuditEntry{At: e.Time, Kind: e.Type, User: e.User, Count: countOf(e.Data)}
	if len(e.Data) > 0 {
		if b, err := json.Marshal(e.Data); err == nil {
			entry.Detail = string(b)
		}
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.store.AppendAudit(wctx, entry); err != nil {
		r.failed.Add(1)
		r.log.Warn("audit append failed", logx.String("kind", e.Type), logx.Err(err))
		return
	}
	r.written.Add(1)
}

func (r *Recorder) Stats() (written, failed uint64) {
	return r.written.Load(), r.failed.Load()
}

// countOf picks the most meaningful numeric field of an event.
func countOf(data map[string]any) int {
	for _, k := range []string{"dropped", "depth", "queued", "job", "ticks"} {
		if v, ok := data[k].(int); ok {
			return v
		}
	}
	return 0
}
