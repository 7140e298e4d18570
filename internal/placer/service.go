package placer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"blockplacer/internal/eventbus"
	rtsup "blockplacer/internal/runtime/supervisor"
	"blockplacer/internal/world"
	logx "blockplacer/pkg/logx"
)

const (
	msgLocked     = "Your block queue is full. Wait for items to finish placing."
	msgUnlocked   = "Your block queue is unlocked. You can place blocks again."
	msgGlobalFull = "Out of block queue space. Try again shortly."

	warnThrottleEvery = 5 * time.Second
)

// Deps are the collaborators of the scheduler. Nil members get no-op defaults.
type Deps struct {
	Policy   Policy
	Executor Executor
	Notifier Notifier
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	policy   Policy
	exec     Executor
	notifier Notifier

	users  map[string]*userState
	locked map[string]struct{}
	queued int

	ticks     uint64
	cursorStd int
	cursorPri int
	lastTick  time.Time

	shutdown bool
	stopped  bool
	done     chan struct{}

	sup     *rtsup.Supervisor
	stopCh  chan struct{}
	resetCh chan time.Duration

	dispatched      atomic.Uint64
	dispatchFailed  atomic.Uint64
	lastDispatchErr atomic.Value // string
	lastFailWarnAt  atomic.Int64
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "placer")),
		bus:      deps.Bus,
		policy:   deps.Policy,
		exec:     deps.Executor,
		notifier: deps.Notifier,
		users:    map[string]*userState{},
		locked:   map[string]struct{}{},
		done:     make(chan struct{}),
		resetCh:  make(chan time.Duration, 1),
	}
	if s.policy == nil {
		s.policy = openPolicy{}
	}
	if s.exec == nil {
		s.exec = discardExecutor{}
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	return s
}

// Start launches the tick loop. It is idempotent and fails once the
// scheduler has reached its terminal state.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.stopCh = make(chan struct{})
	sup, stopCh := s.sup, s.stopCh
	cfg := s.cfg
	s.mu.Unlock()

	sup.GoRestart("tick", func(c context.Context) error {
		return s.loop(c, stopCh)
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("placer started",
		logx.Duration("interval", cfg.Interval),
		logx.Int("block_count", cfg.BlockCount),
		logx.Int("priority_block_count", cfg.PriorityBlockCount),
		logx.Int("hard_limit", cfg.HardLimit),
		logx.Int("soft_limit", cfg.SoftLimit),
	)
	return nil
}

// Stop halts the tick loop without discarding queued entries; Start may be
// called again unless the scheduler already reached its terminal state.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup, stopCh := s.sup, s.stopCh
	s.sup, s.stopCh = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	close(stopCh)
	err := sup.Stop(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.log.Info("placer stopped")
	return err
}

// Supervisor returns the tick loop supervisor (nil when not running).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps limits and budgets at runtime. A changed interval takes
// effect on the next tick.
func (s *Service) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if prev.Interval != cfg.Interval {
		select {
		case s.resetCh <- cfg.Interval:
		default:
			select {
			case <-s.resetCh:
			default:
			}
			s.resetCh <- cfg.Interval
		}
	}
	s.log.Info("placer config applied", logx.Duration("interval", cfg.Interval), logx.Int("hard_limit", cfg.HardLimit), logx.Int("soft_limit", cfg.SoftLimit))
	return nil
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// effects collects side effects produced under mu so they run after unlock.
type effects struct {
	notes   []notice
	events  []eventbus.Event
	cancels []Job
	stopped bool
}

type notice struct{ user, text string }

func (fx *effects) notify(user, text string) { fx.notes = append(fx.notes, notice{user, text}) }

func (fx *effects) publish(typ, user string, data map[string]any) {
	fx.events = append(fx.events, eventbus.Event{Type: typ, User: user, Data: data})
}

func (s *Service) flush(fx *effects) {
	for _, j := range fx.cancels {
		j.Cancel()
	}
	for _, n := range fx.notes {
		s.notifier.NotifyUser(n.user, n.text)
	}
	if s.bus != nil {
		for _, e := range fx.events {
			s.bus.Publish(e)
		}
	}
	if fx.stopped {
		close(s.done)
	}
}

// userLocked returns state for user, creating it when absent. Caller holds mu.
func (s *Service) userLocked(user string) *userState {
	st := s.users[user]
	if st == nil {
		st = newUserState()
		s.users[user] = st
	}
	return st
}

// forgetLocked drops user state. Caller holds mu.
func (s *Service) forgetLocked(user string) {
	delete(s.users, user)
	delete(s.locked, user)
}

// Enqueue adds e to the user's queue without blocking.
//
// The call that makes the queue reach the hard limit returns a
// *QueueLockedError with Stored set; the entry is kept. Later calls are
// rejected with ErrQueueLocked until the queue unlocks at a tick.
func (s *Service) Enqueue(user string, e Entry) error {
	if e == nil {
		return errors.New("placer: nil entry")
	}
	var fx effects
	err := s.enqueue(user, e, &fx)
	s.flush(&fx)
	return err
}

func (s *Service) enqueue(user string, e Entry, fx *effects) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	st := s.userLocked(user)
	if st.locked {
		if !st.informed {
			st.informed = true
			fx.notify(user, msgLocked)
		}
		return &QueueLockedError{User: user}
	}

	cfg := s.cfg
	bypass := s.policy.HasCapability(user, BypassQueueLimit)

	if cfg.MaxQueueSize > 0 && s.queued >= cfg.MaxQueueSize && !bypass {
		if !st.informed {
			st.informed = true
			fx.notify(user, msgGlobalFull)
		}
		fx.publish(eventbus.QueueRejected, user, map[string]any{"queued": s.queued, "max": cfg.MaxQueueSize})
		if st.depth() == 0 && len(st.jobs) == 0 {
			s.forgetLocked(user)
		}
		return ErrGlobalQueueFull
	}

	st.push(e)
	s.queued++
	st.informed = false

	if cfg.HardLimit > 0 && st.depth() >= cfg.HardLimit && !bypass {
		st.locked = true
		st.informed = true
		s.locked[user] = struct{}{}
		fx.notify(user, msgLocked)
		fx.publish(eventbus.QueueLocked, user, map[string]any{"depth": st.depth(), "hard_limit": cfg.HardLimit})
		s.log.Debug("queue locked", logx.String("user", user), logx.Int("depth", st.depth()))
		return &QueueLockedError{User: user, Stored: true}
	}
	return nil
}

// QueueDepth returns the number of entries queued for user.
func (s *Service) QueueDepth(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.users[user]; st != nil {
		return st.depth()
	}
	return 0
}

// Locked reports whether the user's queue is locked.
func (s *Service) Locked(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locked[user]
	return ok
}

// Users returns the ids with live state, sorted.
func (s *Service) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedUsersLocked()
}

func (s *Service) sortedUsersLocked() []string {
	out := make([]string, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Purge cancels the user's jobs and drops its queue and lock.
func (s *Service) Purge(user string) int {
	var fx effects
	s.mu.Lock()
	n := s.purgeLocked(user, &fx)
	s.mu.Unlock()
	s.flush(&fx)
	if n > 0 {
		s.log.Info("queue purged", logx.String("user", user), logx.Int("dropped", n))
	}
	return n
}

func (s *Service) purgeLocked(user string, fx *effects) int {
	st := s.users[user]
	if st == nil {
		delete(s.locked, user)
		return 0
	}
	fx.cancels = append(fx.cancels, st.sortedJobs()...)
	n := st.drop()
	s.queued -= n
	s.forgetLocked(user)
	fx.publish(eventbus.QueuePurged, user, map[string]any{"dropped": n})
	return n
}

// PurgeAll purges every user and returns the number of dropped entries.
func (s *Service) PurgeAll() int {
	var fx effects
	s.mu.Lock()
	total := 0
	users := s.sortedUsersLocked()
	for _, u := range users {
		total += s.purgeLocked(u, &fx)
	}
	fx.events = fx.events[:0]
	fx.publish(eventbus.QueuesPurgedAll, "", map[string]any{"users": len(users), "dropped": total})
	s.mu.Unlock()
	s.flush(&fx)
	s.log.Info("all queues purged", logx.Int("users", len(users)), logx.Int("dropped", total))
	return total
}

// NextJobID returns 1 + the highest registered job id, or 0.
func (s *Service) NextJobID(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.users[user]; st != nil {
		return st.nextJobID()
	}
	return 0
}

// AddJob registers job under user. Replacing an existing id and force
// bypass the per-user job cap.
func (s *Service) AddJob(user string, job Job, force bool) error {
	if job == nil {
		return errors.New("placer: nil job")
	}
	var fx effects
	err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		st := s.users[user]
		var (
			existing int
			replace  bool
		)
		if st != nil {
			existing = len(st.jobs)
			_, replace = st.jobs[job.ID()]
		}
		if !replace && !force {
			if limit := s.policy.MaxJobs(user); limit >= 0 && existing+1 > limit {
				return fmt.Errorf("%w: %s has %d of %d", ErrJobLimitExceeded, user, existing, limit)
			}
		}
		st = s.userLocked(user)
		st.jobs[job.ID()] = job
		fx.publish(eventbus.JobAdded, user, map[string]any{"job": job.ID(), "forced": force})
		return nil
	}()
	s.flush(&fx)
	return err
}

// RemoveJob cancels and unregisters a job. It reports whether the job was
// registered; removing an absent job does nothing.
func (s *Service) RemoveJob(user string, id int) bool {
	return s.removeJob(user, id, nil)
}

// removeJob removes id when it is registered and, if want is set, still
// names want.
func (s *Service) removeJob(user string, id int, want Job) bool {
	var fx effects
	s.mu.Lock()
	st := s.users[user]
	var job Job
	if st != nil {
		job = st.jobs[id]
	}
	if want != nil && job != want {
		job = nil
	}
	if job != nil {
		delete(st.jobs, id)
		fx.cancels = append(fx.cancels, job)
		fx.publish(eventbus.JobRemoved, user, map[string]any{"job": id})
		if st.depth() == 0 && len(st.jobs) == 0 && !st.locked {
			s.forgetLocked(user)
		}
	}
	s.mu.Unlock()
	s.flush(&fx)
	return job != nil
}

// Job looks up a registered job.
func (s *Service) Job(user string, id int) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.users[user]; st != nil {
		if j := st.jobs[id]; j != nil {
			return j, nil
		}
	}
	return nil, fmt.Errorf("%w: %s #%d", ErrUnknownJob, user, id)
}

// Jobs returns the user's jobs ordered by id.
func (s *Service) Jobs(user string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.users[user]; st != nil {
		return st.sortedJobs()
	}
	return nil
}

func (s *Service) HasJobs(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.users[user]
	return st != nil && len(st.jobs) > 0
}

// JobLines renders a jobs listing: a header followed by one line per job.
func (s *Service) JobLines(user string) []string {
	jobs := s.Jobs(user)
	lines := make([]string, 0, len(jobs)+1)
	lines = append(lines, fmt.Sprintf("Jobs (%d):", len(jobs)))
	for _, j := range jobs {
		lines = append(lines, fmt.Sprintf("%s %s", jobLabel(j), j.Status()))
	}
	return lines
}

func jobLabel(j Job) string {
	if st, ok := j.(fmt.Stringer); ok {
		return st.String()
	}
	return fmt.Sprintf("#%d", j.ID())
}

// Status renders the user's status line, or reports false when the user
// has no queue.
func (s *Service) Status(user string) (string, bool) {
	s.mu.Lock()
	st := s.users[user]
	if st == nil {
		s.mu.Unlock()
		return "", false
	}
	depth, speed, hard := st.depth(), st.speed, s.cfg.HardLimit
	s.mu.Unlock()
	bypass := s.policy.HasCapability(user, BypassQueueLimit)
	return StatusMessage(depth, hard, speed, bypass), true
}

// RequestShutdown asks the loop to stop once a tick drains nothing.
func (s *Service) RequestShutdown() {
	s.mu.Lock()
	already := s.shutdown
	s.shutdown = true
	s.mu.Unlock()
	if !already {
		s.log.Info("placer shutdown requested")
	}
}

// Done is closed when the scheduler reaches its terminal state.
func (s *Service) Done() <-chan struct{} { return s.done }

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:           s.sup != nil,
		ShutdownRequested: s.shutdown,
		Stopped:           s.stopped,
		Ticks:             s.ticks,
		Queued:            s.queued,
		Config:            s.cfg.view(),
	}
	for _, u := range s.sortedUsersLocked() {
		st := s.users[u]
		snap.Users = append(snap.Users, UserSnapshot{
			User:     u,
			Depth:    st.depth(),
			MaxDepth: st.maxDepth,
			Progress: st.progress(),
			Locked:   st.locked,
			Speed:    st.speed,
			Jobs:     len(st.jobs),
		})
	}
	for u := range s.locked {
		snap.Locked = append(snap.Locked, u)
	}
	s.mu.Unlock()

	sort.Strings(snap.Locked)
	snap.Dispatched = s.dispatched.Load()
	snap.DispatchFailed = s.dispatchFailed.Load()
	if v, ok := s.lastDispatchErr.Load().(string); ok {
		snap.LastDispatchError = v
	}
	return snap
}

type openPolicy struct{}

func (openPolicy) HasCapability(string, Capability) bool { return false }
func (openPolicy) MaxJobs(string) int                    { return -1 }

type discardExecutor struct{}

func (discardExecutor) ApplyValue(context.Context, string, world.Vec3, world.Block) error { return nil }
func (discardExecutor) ApplyMask(context.Context, string, world.Mask) error              { return nil }

type nopNotifier struct{}

func (nopNotifier) NotifyUser(string, string) {}
