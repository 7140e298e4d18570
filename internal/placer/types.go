package placer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"blockplacer/internal/world"
)

// Config controls the scheduler. Budgets and limits are block counts.
type Config struct {
	// Interval is the tick period.
	Interval time.Duration
	// TalkInterval sends verbose status every N ticks. 0 disables it.
	TalkInterval int

	BlockCount         int
	PriorityBlockCount int

	// HardLimit locks a user queue once its depth reaches it. 0 disables per-user limits.
	HardLimit int
	// SoftLimit unlocks a locked queue once its depth drops below it at a tick.
	SoftLimit int
	// MaxQueueSize caps the total number of queued entries. <=0 means unlimited.
	MaxQueueSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:           750 * time.Millisecond,
		TalkInterval:       10,
		BlockCount:         1000,
		PriorityBlockCount: 1000,
		HardLimit:          500000,
		SoftLimit:          250000,
		MaxQueueSize:       10000000,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Interval < 0:
		return fmt.Errorf("placer: interval must be >= 0")
	case c.TalkInterval < 0:
		return fmt.Errorf("placer: talk_interval must be >= 0")
	case c.BlockCount < 0 || c.PriorityBlockCount < 0:
		return fmt.Errorf("placer: block budgets must be >= 0")
	case c.HardLimit < 0:
		return fmt.Errorf("placer: hard_limit must be >= 0")
	}
	if c.HardLimit > 0 {
		if c.SoftLimit <= 0 {
			return fmt.Errorf("placer: soft_limit must be > 0 when hard_limit is set")
		}
		if c.SoftLimit > c.HardLimit {
			return fmt.Errorf("placer: soft_limit (%d) must be <= hard_limit (%d)", c.SoftLimit, c.HardLimit)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultConfig().Interval
	}
	return c
}

// Capability is a per-user permission queried from the Policy.
type Capability string

const (
	// BypassQueueLimit exempts a user from the hard limit and the global cap.
	BypassQueueLimit Capability = "queue.bypass"
	// PriorityTier drains the user from the priority budget instead of the standard one.
	PriorityTier Capability = "queue.priority"
	// VerboseQueueStatus sends periodic status lines to the user.
	VerboseQueueStatus Capability = "queue.talkative"
)

// Policy answers capability and job-limit questions for a user.
type Policy interface {
	HasCapability(user string, c Capability) bool
	// MaxJobs returns the concurrent job cap; negative means unlimited.
	MaxJobs(user string) int
}

// Executor applies drained entries to the world.
type Executor interface {
	ApplyValue(ctx context.Context, session string, loc world.Vec3, value world.Block) error
	ApplyMask(ctx context.Context, session string, mask world.Mask) error
}

// Notifier delivers a short text to a user. It must not block for long.
type Notifier interface {
	NotifyUser(user, text string)
}

// Entry is a single queued unit of work: MutationEntry, MaskEntry or
// JobDoneEntry.
type Entry interface {
	SessionID() string
	entry()
}

// MutationEntry sets one block.
type MutationEntry struct {
	Session  string
	Location world.Vec3
	Value    world.Block
}

func (e MutationEntry) SessionID() string { return e.Session }
func (MutationEntry) entry()              {}

// MaskEntry replaces the session mask before later mutations of the same session.
type MaskEntry struct {
	Session string
	Mask    world.Mask
}

func (e MaskEntry) SessionID() string { return e.Session }
func (MaskEntry) entry()              {}

// JobDoneEntry trails the entries of a job. Draining it marks the job done
// and releases it; it never reaches the executor.
type JobDoneEntry struct {
	Session string
	User    string
	Job     Job
}

func (e JobDoneEntry) SessionID() string { return e.Session }
func (JobDoneEntry) entry()              {}

// Job is a long-running producer operation registered under a user.
type Job interface {
	ID() int
	Status() string
	Cancel()
}

// JobEntry is the standard Job implementation. Cancel is safe to call many
// times; only the first call cancels the job context.
type JobEntry struct {
	id   int
	name string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	status string
}

func NewJobEntry(parent context.Context, id int, name string) *JobEntry {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &JobEntry{id: id, name: name, ctx: ctx, cancel: cancel, status: "waiting"}
}

func (j *JobEntry) ID() int      { return j.id }
func (j *JobEntry) Name() string { return j.name }

func (j *JobEntry) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *JobEntry) SetStatus(s string) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *JobEntry) Cancel() { j.cancel() }

// Context is canceled when the job is canceled.
func (j *JobEntry) Context() context.Context { return j.ctx }

func (j *JobEntry) Canceled() bool { return j.ctx.Err() != nil }

func (j *JobEntry) String() string {
	if j.name == "" {
		return fmt.Sprintf("#%d", j.id)
	}
	return fmt.Sprintf("#%d %s", j.id, j.name)
}

// Snapshot is an operator view of the scheduler.
type Snapshot struct {
	Running           bool           `json:"running"`
	ShutdownRequested bool           `json:"shutdown_requested"`
	Stopped           bool           `json:"stopped"`
	Ticks             uint64         `json:"ticks"`
	Queued            int            `json:"queued"`
	Locked            []string       `json:"locked"`
	Users             []UserSnapshot `json:"users"`
	Dispatched        uint64         `json:"dispatched"`
	DispatchFailed    uint64         `json:"dispatch_failed"`
	LastDispatchError string         `json:"last_dispatch_error,omitempty"`
	Config            ConfigView     `json:"config"`
}

type UserSnapshot struct {
	User     string  `json:"user"`
	Depth    int     `json:"depth"`
	MaxDepth int     `json:"max_depth"`
	Progress float64 `json:"progress"`
	Locked   bool    `json:"locked"`
	Speed    float64 `json:"speed"`
	Jobs     int     `json:"jobs"`
}

type ConfigView struct {
	Interval           string `json:"interval"`
	TalkInterval       int    `json:"talk_interval"`
	BlockCount         int    `json:"block_count"`
	PriorityBlockCount int    `json:"priority_block_count"`
	HardLimit          int    `json:"hard_limit"`
	SoftLimit          int    `json:"soft_limit"`
	MaxQueueSize       int    `json:"max_queue_size"`
}

func (c Config) view() ConfigView {
	return ConfigView{
		Interval:           c.Interval.String(),
		TalkInterval:       c.TalkInterval,
		BlockCount:         c.BlockCount,
		PriorityBlockCount: c.PriorityBlockCount,
		HardLimit:          c.HardLimit,
		SoftLimit:          c.SoftLimit,
		MaxQueueSize:       c.MaxQueueSize,
	}
}
