package maintenance

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "blockplacer/pkg/logx"
)

type fakePlacer struct {
	mu       sync.Mutex
	purged   int
	shutdown bool
}

func (f *fakePlacer) PurgeAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged++
	return 3
}
func (f *fakePlacer) Users() []string { return []string{"alice", "bob"} }
func (f *fakePlacer) Status(u string) (string, bool) {
	if u == "bob" {
		return "", false
	}
	return "5 blocks queued.", true
}
func (f *fakePlacer) RequestShutdown() {
	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
}

func (f *fakePlacer) purges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purged
}

type notes struct {
	mu  sync.Mutex
	got map[string]string
}

func (n *notes) NotifyUser(user, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.got == nil {
		n.got = map[string]string{}
	}
	n.got[user] = text
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"ok", Config{Tasks: []Task{{Name: "nightly", Spec: "0 4 * * *", Action: ActionPurgeAll}}}, true},
		{"seconds", Config{Tasks: []Task{{Name: "fast", Spec: "*/10 * * * * *", Action: ActionStatusDigest}}}, true},
		{"descriptor", Config{Tasks: []Task{{Name: "every", Spec: "@every 1m", Action: ActionShutdown}}}, true},
		{"bad spec", Config{Tasks: []Task{{Name: "x", Spec: "nope", Action: ActionPurgeAll}}}, false},
		{"bad action", Config{Tasks: []Task{{Name: "x", Spec: "@daily", Action: "explode"}}}, false},
		{"duplicate", Config{Tasks: []Task{{Name: "x", Spec: "@daily", Action: ActionPurgeAll}, {Name: "x", Spec: "@daily", Action: ActionPurgeAll}}}, false},
		{"bad tz", Config{Timezone: "Mars/Olympus"}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestRunActions(t *testing.T) {
	t.Parallel()
	p := &fakePlacer{}
	n := &notes{}
	s := New(Config{}, p, n, logx.Nop())

	s.Run(Task{Name: "purge", Action: ActionPurgeAll})
	s.Run(Task{Name: "digest", Action: ActionStatusDigest})
	s.Run(Task{Name: "stop", Action: ActionShutdown})

	if p.purges() != 1 || !p.shutdown {
		t.Fatalf("placer = %+v", p)
	}
	if len(n.got) != 1 || n.got["alice"] != "You have 5 blocks queued." {
		t.Fatalf("digest = %v", n.got)
	}
}

func TestCronFiresTask(t *testing.T) {
	t.Parallel()
	p := &fakePlacer{}
	s := New(Config{
		Enabled: true,
		Tasks:   []Task{{Name: "purge", Spec: "@every 1s", Action: ActionPurgeAll}},
	}, p, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
	deadline := time.Now().Add(3 * time.Second)
	for p.purges() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("cron task did not fire")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.Snapshot()[0].Runs == 0 {
		t.Fatal("run not counted")
	}
}
