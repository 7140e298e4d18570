package placer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"blockplacer/internal/world"
)

type fakePolicy struct {
	mu      sync.Mutex
	caps    map[string]map[Capability]bool
	maxJobs map[string]int
}

func newFakePolicy() *fakePolicy {
	return &fakePolicy{caps: map[string]map[Capability]bool{}, maxJobs: map[string]int{}}
}

func (p *fakePolicy) grant(user string, c Capability) *fakePolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.caps[user] == nil {
		p.caps[user] = map[Capability]bool{}
	}
	p.caps[user][c] = true
	return p
}

func (p *fakePolicy) HasCapability(user string, c Capability) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps[user][c]
}

func (p *fakePolicy) MaxJobs(user string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.maxJobs[user]; ok {
		return n
	}
	return -1
}

type applied struct {
	session string
	loc     world.Vec3
	mask    bool
}

type recordingExecutor struct {
	mu      sync.Mutex
	applied []applied
	failOn  map[string]error
	panicOn map[string]bool
}

func (e *recordingExecutor) ApplyValue(_ context.Context, session string, loc world.Vec3, _ world.Block) error {
	if e.panicOn[session] {
		panic("executor blew up")
	}
	if err := e.failOn[session]; err != nil {
		return err
	}
	e.mu.Lock()
	e.applied = append(e.applied, applied{session: session, loc: loc})
	e.mu.Unlock()
	return nil
}

func (e *recordingExecutor) ApplyMask(_ context.Context, session string, _ world.Mask) error {
	e.mu.Lock()
	e.applied = append(e.applied, applied{session: session, mask: true})
	e.mu.Unlock()
	return nil
}

func (e *recordingExecutor) sessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.applied))
	for _, a := range e.applied {
		out = append(out, a.session)
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes map[string][]string
}

func (n *recordingNotifier) NotifyUser(user, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.notes == nil {
		n.notes = map[string][]string{}
	}
	n.notes[user] = append(n.notes[user], text)
}

func (n *recordingNotifier) get(user string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notes[user]...)
}

type countingJob struct {
	id      int
	mu      sync.Mutex
	cancels int
}

func (j *countingJob) ID() int        { return j.id }
func (j *countingJob) Status() string { return "running" }
func (j *countingJob) Cancel() {
	j.mu.Lock()
	j.cancels++
	j.mu.Unlock()
}

func (j *countingJob) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancels
}

type harness struct {
	svc    *Service
	policy *fakePolicy
	exec   *recordingExecutor
	notes  *recordingNotifier
	now    time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("bad test config: %v", err)
	}
	h := &harness{
		policy: newFakePolicy(),
		exec:   &recordingExecutor{},
		notes:  &recordingNotifier{},
		now:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	h.svc = New(cfg, Deps{Policy: h.policy, Executor: h.exec, Notifier: h.notes})
	return h
}

// step runs one tick d after the previous one.
func (h *harness) step(d time.Duration) bool {
	h.now = h.now.Add(d)
	return h.svc.tick(context.Background(), h.now)
}

func (h *harness) fill(t *testing.T, user string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := h.svc.Enqueue(user, MutationEntry{Session: user, Location: world.Vec3{X: i}, Value: world.Block{Type: "stone"}})
		if err != nil && !Stored(err) {
			t.Fatalf("enqueue %s #%d: %v", user, i, err)
		}
	}
}

var errBoom = errors.New("boom")
