package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"blockplacer/internal/edit"
	"blockplacer/internal/placer"
	kit "blockplacer/internal/transport"
	logx "blockplacer/pkg/logx"
)

type sent struct {
	to   kit.Target
	text string
}

type recorder struct {
	mu  sync.Mutex
	out []sent
}

func (r *recorder) SendText(_ context.Context, to kit.Target, text string, _ *kit.SendOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, sent{to: to, text: text})
	return nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.out))
	for _, s := range r.out {
		out = append(out, s.text)
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, substr string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range r.texts() {
			if strings.Contains(s, substr) {
				return s
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no reply containing %q; got %q", substr, r.texts())
	return ""
}

type operators map[string]bool

func (o operators) HasCapability(user string, c placer.Capability) bool {
	return c == OperatorCapability && o[user]
}

type fakeJob struct{ id int }

func (j fakeJob) ID() int        { return j.id }
func (j fakeJob) Status() string { return "running" }
func (j fakeJob) Cancel()        {}

type fakePlacer struct {
	mu      sync.Mutex
	depth   map[string]int
	jobs    map[string]map[int]bool
	purgedN int
}

func newFakePlacer() *fakePlacer {
	return &fakePlacer{depth: map[string]int{}, jobs: map[string]map[int]bool{}}
}

func (f *fakePlacer) Status(user string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.depth[user]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("queued %d", d), true
}

func (f *fakePlacer) JobLines(user string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []string{fmt.Sprintf("Jobs (%d):", len(f.jobs[user]))}
}

func (f *fakePlacer) Job(user string, id int) (placer.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs[user][id] {
		return fakeJob{id: id}, nil
	}
	return nil, fmt.Errorf("%w: %s #%d", placer.ErrUnknownJob, user, id)
}

func (f *fakePlacer) RemoveJob(user string, id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.jobs[user][id] {
		return false
	}
	delete(f.jobs[user], id)
	return true
}

func (f *fakePlacer) Purge(user string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.depth[user]
	delete(f.depth, user)
	return n
}

func (f *fakePlacer) PurgeAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.depth {
		n += d
	}
	f.depth = map[string]int{}
	f.purgedN++
	return n
}

func (f *fakePlacer) Snapshot() placer.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := placer.Snapshot{}
	for u, d := range f.depth {
		s.Queued += d
		s.Users = append(s.Users, placer.UserSnapshot{User: u, Depth: d})
	}
	return s
}

func startRouter(t *testing.T, d Deps, auth Authorizer) (*recorder, chan kit.Message) {
	t.Helper()
	rec := &recorder{}
	r := NewRouter(Config{Workers: 2}, rec, auth, logx.Nop())
	r.Register(Builtin(d))

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan kit.Message, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, in)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return rec, in
}

func msg(user, text string) kit.Message {
	return kit.Message{From: kit.Target{User: user}, Text: text}
}

func TestUserCommands(t *testing.T) {
	t.Parallel()
	p := newFakePlacer()
	p.depth["alice"] = 42
	p.jobs["alice"] = map[int]bool{3: true}

	cases := []struct {
		name string
		user string
		text string
		want string
	}{
		{name: "status", user: "alice", text: "/status", want: "queued 42"},
		{name: "status alias with bot suffix", user: "alice", text: "/s@placer_bot", want: "queued 42"},
		{name: "empty status", user: "bob", text: "/status", want: "Your queue is empty."},
		{name: "jobs", user: "alice", text: "/jobs", want: "Jobs (1):"},
		{name: "cancel unknown", user: "alice", text: "/cancel 9", want: "unknown job"},
		{name: "cancel bad id", user: "alice", text: "/cancel x", want: "bad arguments"},
		{name: "unknown command", user: "alice", text: "/dance", want: "unknown command /dance"},
		{name: "help", user: "alice", text: "/help", want: "/purgeall - drop every queued entry of every user (operator)"},
		{name: "help for one", user: "alice", text: "/help c", want: "usage: /cancel <id>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec, in := startRouter(t, Deps{Placer: p}, operators{})
			in <- msg(tc.user, tc.text)
			rec.waitFor(t, tc.want)
		})
	}
}

func TestCancelRemovesJob(t *testing.T) {
	t.Parallel()
	p := newFakePlacer()
	p.jobs["alice"] = map[int]bool{3: true}
	rec, in := startRouter(t, Deps{Placer: p}, nil)

	in <- msg("alice", "/cancel #3")
	rec.waitFor(t, "Job #3 cancelled.")
	if _, err := p.Job("alice", 3); !errors.Is(err, placer.ErrUnknownJob) {
		t.Fatalf("job still registered: %v", err)
	}
}

func TestOperatorCommandsNeedCapability(t *testing.T) {
	t.Parallel()
	p := newFakePlacer()
	p.depth["alice"] = 5
	p.depth["bob"] = 7
	rec, in := startRouter(t, Deps{Placer: p}, operators{"root": true})

	in <- msg("alice", "/purgeall")
	rec.waitFor(t, "not allowed")
	if p.Snapshot().Queued != 12 {
		t.Fatal("non-operator purged queues")
	}

	in <- msg("root", "/queues")
	rec.waitFor(t, "Queued 12 entries across 2 users:")

	in <- msg("root", "/purgeall")
	rec.waitFor(t, "Purged 12 queued entries.")
}

func TestNonCommandTextIgnored(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	r := NewRouter(Config{}, rec, nil, logx.Nop())
	r.Register(Builtin(Deps{Placer: newFakePlacer()}))
	r.Dispatch(context.Background(), msg("alice", "hello there"))
	r.Dispatch(context.Background(), msg("alice", "   "))
	if len(rec.texts()) != 0 || len(r.jobs) != 0 {
		t.Fatalf("plain text routed: %q", rec.texts())
	}
}

func TestDispatchRepliesBusyWhenQueueFull(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	r := NewRouter(Config{QueueSize: 1}, rec, nil, logx.Nop())
	r.Register(Builtin(Deps{Placer: newFakePlacer()}))

	// no workers running
	r.Dispatch(context.Background(), msg("alice", "/status"))
	r.Dispatch(context.Background(), msg("alice", "/status"))
	got := rec.texts()
	if len(got) != 1 || got[0] != "busy, try again" {
		t.Fatalf("replies = %q", got)
	}
}

func TestHandlerPanicRepliesError(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	r := NewRouter(Config{Workers: 1}, rec, nil, logx.Nop())
	r.Register([]Command{{
		Name: "boom",
		Handle: func(context.Context, *Request) error {
			panic("kaboom")
		},
	}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan kit.Message, 1)
	go func() { _ = r.Run(ctx, in) }()

	in <- msg("alice", "/boom")
	rec.waitFor(t, "error: panic: kaboom")
}

func TestHandlerTimeout(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	r := NewRouter(Config{Workers: 1}, rec, nil, logx.Nop())
	r.Register([]Command{{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Handle: func(ctx context.Context, _ *Request) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan kit.Message, 1)
	go func() { _ = r.Run(ctx, in) }()

	in <- msg("alice", "/slow")
	rec.waitFor(t, "context deadline exceeded")
}

func TestFillRunsEditInBackground(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		got edit.Operation
	)
	d := Deps{
		Placer: newFakePlacer(),
		Edit: func(_ context.Context, op edit.Operation) (edit.Result, error) {
			mu.Lock()
			got = op
			mu.Unlock()
			return edit.Result{JobID: 0, Total: op.Region.Volume(), Queued: op.Region.Volume()}, nil
		},
		MaxFillVolume: 100,
	}
	rec, in := startRouter(t, d, nil)

	in <- msg("alice", "/fill 0 0 0 1 1 1 stone")
	rec.waitFor(t, "Filling 8 blocks with stone.")
	rec.waitFor(t, "Fill queued 8 of 8 blocks (job #0).")
	mu.Lock()
	defer mu.Unlock()
	if got.User != "alice" || got.Name != "set" || got.Block.Type != "stone" {
		t.Fatalf("operation = %+v", got)
	}

	in <- msg("alice", "/fill 0 0 0 9 9 9 stone")
	rec.waitFor(t, "1000 blocks exceeds the limit of 100")
}

func TestParseFill(t *testing.T) {
	t.Parallel()
	cases := []struct {
		args    string
		wantErr bool
		volume  int
	}{
		{args: "0 0 0 2 0 0 dirt", volume: 3},
		{args: "5 5 5 4 4 4 wool:3", volume: 8},
		{args: "0 0 0 1 1 dirt", wantErr: true},
		{args: "a 0 0 1 1 1 dirt", wantErr: true},
		{args: "0 0 0 1 1 1 wool:x", wantErr: true},
	}
	for _, tc := range cases {
		op, err := parseFill("u", strings.Fields(tc.args))
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.args)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.args, err)
		}
		if op.Region.Volume() != tc.volume {
			t.Fatalf("%q: volume = %d", tc.args, op.Region.Volume())
		}
	}
}
