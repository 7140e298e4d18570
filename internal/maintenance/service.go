// Package maintenance runs cron-scheduled housekeeping against the placer:
// purging all queues, sending a status digest to users with queued work, or
// requesting a graceful drain-and-stop.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"blockplacer/internal/placer"
	logx "blockplacer/pkg/logx"
)

// Actions.
const (
	ActionPurgeAll     = "purge_all"
	ActionStatusDigest = "status_digest"
	ActionShutdown     = "shutdown"
)

type Task struct {
	Name   string `json:"name" yaml:"name"`
	Spec   string `json:"spec" yaml:"spec"`
	Action string `json:"action" yaml:"action"`
}

type Config struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Timezone string `json:"timezone" yaml:"timezone"`
	Tasks    []Task `json:"tasks" yaml:"tasks"`
}

// Placer is the scheduler surface used by maintenance actions.
type Placer interface {
	PurgeAll() int
	Users() []string
	Status(user string) (string, bool)
	RequestShutdown()
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks every task spec and action.
func (c Config) Validate() error {
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("maintenance: timezone %q: %w", tz, err)
		}
	}
	seen := map[string]bool{}
	for i, t := range c.Tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("maintenance: task %d has no name", i)
		}
		if seen[name] {
			return fmt.Errorf("maintenance: duplicate task %q", name)
		}
		seen[name] = true
		if _, err := parser.Parse(t.Spec); err != nil {
			return fmt.Errorf("maintenance: task %q spec %q: %w", name, t.Spec, err)
		}
		switch t.Action {
		case ActionPurgeAll, ActionStatusDigest, ActionShutdown:
		default:
			return fmt.Errorf("maintenance: task %q unknown action %q", name, t.Action)
		}
	}
	return nil
}

type RunInfo struct {
	Name    string    `json:"name"`
	Action  string    `json:"action"`
	Runs    uint64    `json:"runs"`
	LastRun time.Time `json:"last_run,omitempty"`
	Next    time.Time `json:"next,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	placer Placer
	notify placer.Notifier

	c       *cron.Cron
	entries map[string]cron.EntryID
	runs    map[string]*taskRuns
}

type taskRuns struct {
	n    atomic.Uint64
	last atomic.Int64
}

func New(cfg Config, p Placer, notify placer.Notifier, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "maintenance")),
		placer:  p,
		notify:  notify,
		entries: map[string]cron.EntryID{},
		runs:    map[string]*taskRuns{},
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

// Apply re-registers tasks. The cron runner restarts when it is running or
// newly enabled.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.c
	s.c = nil
	s.cfg = cfg
	s.mu.Unlock()

	// Running tasks take mu; wait for them without holding it.
	if old != nil {
		<-old.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Enabled && s.c == nil {
		s.startLocked()
	}
}

func (s *Service) startLocked() {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	s.entries = map[string]cron.EntryID{}
	for _, t := range s.cfg.Tasks {
		t := t
		if s.runs[t.Name] == nil {
			s.runs[t.Name] = &taskRuns{}
		}
		id, err := s.c.AddFunc(t.Spec, func() { s.Run(t) })
		if err != nil {
			s.log.Warn("maintenance task rejected", logx.String("task", t.Name), logx.String("spec", t.Spec), logx.Err(err))
			continue
		}
		s.entries[t.Name] = id
	}
	s.c.Start()
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("tasks", len(s.entries)))
}

// Run executes one task immediately.
func (s *Service) Run(t Task) {
	start := time.Now()
	s.mu.Lock()
	r := s.runs[t.Name]
	if r == nil {
		r = &taskRuns{}
		s.runs[t.Name] = r
	}
	s.mu.Unlock()
	r.n.Add(1)
	r.last.Store(start.UnixNano())

	switch t.Action {
	case ActionPurgeAll:
		n := s.placer.PurgeAll()
		s.log.Info("maintenance purge", logx.String("task", t.Name), logx.Int("dropped", n))
	case ActionStatusDigest:
		sent := 0
		for _, u := range s.placer.Users() {
			line, ok := s.placer.Status(u)
			if !ok || s.notify == nil {
				continue
			}
			s.notify.NotifyUser(u, "You have "+line)
			sent++
		}
		s.log.Info("maintenance status digest", logx.String("task", t.Name), logx.Int("users", sent))
	case ActionShutdown:
		s.placer.RequestShutdown()
		s.log.Info("maintenance shutdown requested", logx.String("task", t.Name))
	default:
		s.log.Warn("unknown maintenance action", logx.String("task", t.Name), logx.String("action", t.Action))
		return
	}
	s.log.Debug("maintenance task done", logx.String("task", t.Name), logx.Duration("took", time.Since(start)))
}

// Snapshot lists configured tasks with their run counters and next fire time.
func (s *Service) Snapshot() []RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunInfo, 0, len(s.cfg.Tasks))
	for _, t := range s.cfg.Tasks {
		ri := RunInfo{Name: t.Name, Action: t.Action}
		if r := s.runs[t.Name]; r != nil {
			ri.Runs = r.n.Load()
			if ns := r.last.Load(); ns != 0 {
				ri.LastRun = time.Unix(0, ns)
			}
		}
		if s.c != nil {
			if id, ok := s.entries[t.Name]; ok {
				ri.Next = s.c.Entry(id).Next
			}
		}
		out = append(out, ri)
	}
	return out
}
