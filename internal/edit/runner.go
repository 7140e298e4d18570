// Package edit produces placement entries for region operations. Each
// operation runs as a registered job: entries are enqueued one by one and
// the producer backs off while the user queue is locked or the global queue
// is full.
package edit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"blockplacer/internal/placer"
	"blockplacer/internal/world"
	logx "blockplacer/pkg/logx"
)

var ErrCanceled = errors.New("edit: job canceled")

// Scheduler is the subset of placer.Service used by producers.
type Scheduler interface {
	Enqueue(user string, e placer.Entry) error
	NextJobID(user string) int
	AddJob(user string, job placer.Job, force bool) error
	RemoveJob(user string, id int) bool
}

// Classifier decides whether an operation is queued or applied directly.
type Classifier interface {
	Queued(op string) bool
}

type Config struct {
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// StatusEvery updates the job status after this many queued entries.
	StatusEvery int
}

func (c Config) withDefaults() Config {
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.StatusEvery <= 0 {
		c.StatusEvery = 256
	}
	return c
}

// Operation fills Region with Block for User. Mask, when set, is queued
// ahead of the mutations so it applies to all of them.
type Operation struct {
	User   string
	Name   string
	Region world.Region
	Block  world.Block
	Mask   world.Mask
}

type Result struct {
	JobID  int
	Total  int
	Queued int
	Direct bool
	Waits  int
}

type Runner struct {
	sched  Scheduler
	direct placer.Executor
	cls    Classifier
	cfg    Config
	log    logx.Logger

	// idMu serializes job id allocation with registration.
	idMu sync.Mutex
}

func NewRunner(cfg Config, sched Scheduler, direct placer.Executor, cls Classifier, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		sched:  sched,
		direct: direct,
		cls:    cls,
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "edit")),
	}
}

// Run produces every entry of op. The job stays registered until the placer
// has dispatched all of them. It returns ErrCanceled when the job is
// canceled (for example by a purge) before all entries were queued.
func (r *Runner) Run(ctx context.Context, op Operation) (Result, error) {
	res := Result{Total: op.Region.Volume(), JobID: -1}
	if r.cls != nil && !r.cls.Queued(op.Name) {
		res.Direct = true
		return res, r.applyDirect(ctx, op, &res)
	}

	job, err := r.register(ctx, op)
	if err != nil {
		return res, err
	}
	res.JobID = job.ID()

	if err := r.produce(job, op, &res); err != nil {
		r.sched.RemoveJob(op.User, job.ID())
		return res, err
	}
	r.log.Debug("operation queued", logx.String("user", op.User), logx.String("op", op.Name), logx.Int("job", job.ID()), logx.Int("entries", res.Queued), logx.Int("waits", res.Waits))
	return res, nil
}

// produce queues the mask, the mutations and finally the entry that
// releases job once everything before it has been placed.
func (r *Runner) produce(job *placer.JobEntry, op Operation, res *Result) error {
	session := fmt.Sprintf("%s#%d", op.User, job.ID())
	jctx := job.Context()

	if op.Mask != nil {
		if err := r.submit(jctx, job, op.User, placer.MaskEntry{Session: session, Mask: op.Mask}, res); err != nil {
			return err
		}
	}

	var runErr error
	op.Region.Each(func(loc world.Vec3) bool {
		e := placer.MutationEntry{Session: session, Location: loc, Value: op.Block}
		if err := r.submit(jctx, job, op.User, e, res); err != nil {
			runErr = err
			return false
		}
		res.Queued++
		if res.Queued%r.cfg.StatusEvery == 0 {
			job.SetStatus(fmt.Sprintf("queued %d/%d", res.Queued, res.Total))
		}
		return true
	})
	if runErr != nil {
		return runErr
	}
	job.SetStatus(fmt.Sprintf("placing %d blocks", res.Queued))
	return r.submit(jctx, job, op.User, placer.JobDoneEntry{Session: session, User: op.User, Job: job}, res)
}

func (r *Runner) register(ctx context.Context, op Operation) (*placer.JobEntry, error) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	job := placer.NewJobEntry(ctx, r.sched.NextJobID(op.User), op.Name)
	if err := r.sched.AddJob(op.User, job, false); err != nil {
		return nil, err
	}
	return job, nil
}

// submit enqueues e, waiting with exponential backoff while the scheduler
// rejects the user. A lock rejection that kept the entry counts as queued.
func (r *Runner) submit(ctx context.Context, job *placer.JobEntry, user string, e placer.Entry, res *Result) error {
	delay := r.cfg.RetryBase
	for {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		err := r.sched.Enqueue(user, e)
		if err == nil || placer.Stored(err) {
			return nil
		}
		if !placer.Retryable(err) {
			return fmt.Errorf("edit: enqueue: %w", err)
		}

		res.Waits++
		if errors.Is(err, placer.ErrGlobalQueueFull) {
			job.SetStatus("waiting: block queue full")
		} else {
			job.SetStatus("waiting: queue locked")
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ErrCanceled
		case <-t.C:
		}
		delay *= 2
		if delay > r.cfg.RetryMaxDelay {
			delay = r.cfg.RetryMaxDelay
		}
	}
}

func (r *Runner) applyDirect(ctx context.Context, op Operation, res *Result) error {
	if r.direct == nil {
		return errors.New("edit: no direct executor")
	}
	session := op.User + "#direct"
	if err := r.direct.ApplyMask(ctx, session, op.Mask); err != nil {
		return err
	}
	var err error
	op.Region.Each(func(loc world.Vec3) bool {
		if err = r.direct.ApplyValue(ctx, session, loc, op.Block); err != nil {
			return false
		}
		res.Queued++
		return true
	})
	return err
}
