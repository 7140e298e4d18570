package placer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"blockplacer/internal/world"
)

func testConfig() Config {
	return Config{
		Interval:           time.Second,
		BlockCount:         10,
		PriorityBlockCount: 10,
		HardLimit:          1000,
		SoftLimit:          500,
	}
}

func TestTickPreservesFIFOPerUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.fill(t, "alice", 5)
	h.step(time.Second)

	h.exec.mu.Lock()
	defer h.exec.mu.Unlock()
	if len(h.exec.applied) != 5 {
		t.Fatalf("applied %d, want 5", len(h.exec.applied))
	}
	for i, a := range h.exec.applied {
		if a.loc.X != i {
			t.Fatalf("entry %d out of order: %+v", i, a)
		}
	}
}

func TestLockUnlockHysteresis(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.HardLimit, cfg.SoftLimit, cfg.BlockCount = 10, 4, 3
	h := newHarness(t, cfg)
	e := MutationEntry{Session: "s", Value: world.Block{Type: "stone"}}

	for i := 0; i < 9; i++ {
		if err := h.svc.Enqueue("alice", e); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	err := h.svc.Enqueue("alice", e)
	if !errors.Is(err, ErrQueueLocked) || !Stored(err) {
		t.Fatalf("10th enqueue err = %v, want stored lock", err)
	}
	if got := h.svc.QueueDepth("alice"); got != 10 {
		t.Fatalf("depth = %d, want 10", got)
	}
	err = h.svc.Enqueue("alice", e)
	if !errors.Is(err, ErrQueueLocked) || Stored(err) {
		t.Fatalf("11th enqueue err = %v, want unstored lock", err)
	}
	if got := h.svc.QueueDepth("alice"); got != 10 {
		t.Fatalf("depth after rejected enqueue = %d", got)
	}
	if got := h.notes.get("alice"); !reflect.DeepEqual(got, []string{msgLocked}) {
		t.Fatalf("notes = %q", got)
	}

	// 10 -> 7 -> 4: still locked at the soft limit.
	h.step(time.Second)
	h.step(time.Second)
	if !h.svc.Locked("alice") {
		t.Fatal("unlocked at depth 4, want locked until below soft limit")
	}
	if err := h.svc.Enqueue("alice", e); !errors.Is(err, ErrQueueLocked) {
		t.Fatalf("enqueue while locked: %v", err)
	}

	h.step(time.Second) // 4 -> 1
	if h.svc.Locked("alice") {
		t.Fatal("still locked at depth 1")
	}
	notes := h.notes.get("alice")
	if notes[len(notes)-1] != msgUnlocked {
		t.Fatalf("last note = %q, want unlock", notes[len(notes)-1])
	}
	if err := h.svc.Enqueue("alice", e); err != nil {
		t.Fatalf("enqueue after unlock: %v", err)
	}
}

func TestRoundRobinSplitsBudget(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.BlockCount = 6
	h := newHarness(t, cfg)
	for _, u := range []string{"alice", "bob", "carol"} {
		h.fill(t, u, 10)
	}
	h.step(time.Second)
	for _, u := range []string{"alice", "bob", "carol"} {
		if got := h.svc.QueueDepth(u); got != 8 {
			t.Fatalf("%s depth = %d, want 8", u, got)
		}
	}
}

func TestHugeBudgetsDrainEverything(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		std, pri int
	}{
		{name: "max standard", std: math.MaxInt, pri: 1},
		{name: "max both", std: math.MaxInt, pri: math.MaxInt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.BlockCount, cfg.PriorityBlockCount = tc.std, tc.pri
			h := newHarness(t, cfg)
			h.fill(t, "alice", 3)
			h.step(time.Second)
			if got := h.svc.QueueDepth("alice"); got != 0 {
				t.Fatalf("depth = %d, want 0", got)
			}
			h.exec.mu.Lock()
			defer h.exec.mu.Unlock()
			if len(h.exec.applied) != 3 {
				t.Fatalf("applied %d, want 3", len(h.exec.applied))
			}
		})
	}
}

func TestRoundRobinFairnessWithinOne(t *testing.T) {
	t.Parallel()
	for _, budget := range []int{1, 4, 7, 11} {
		budget := budget
		t.Run(fmt.Sprintf("budget=%d", budget), func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.BlockCount = budget
			h := newHarness(t, cfg)
			users := []string{"a", "b", "c", "d"}
			for _, u := range users {
				h.fill(t, u, 50)
			}
			h.step(time.Second)
			lo, hi, total := math.MaxInt, 0, 0
			for _, u := range users {
				d := 50 - h.svc.QueueDepth(u)
				lo, hi, total = min(lo, d), max(hi, d), total+d
			}
			if total != budget || hi-lo > 1 {
				t.Fatalf("drained total=%d lo=%d hi=%d", total, lo, hi)
			}
		})
	}
}

func TestCursorPersistsAcrossTicks(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.BlockCount = 1
	h := newHarness(t, cfg)
	h.fill(t, "alice", 2)
	h.fill(t, "bob", 2)

	h.step(time.Second)
	h.step(time.Second)
	h.step(time.Second)
	if got, want := h.exec.sessions(), []string{"alice", "bob", "alice"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestEmptyQueuesDoNotConsumeBudget(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.BlockCount = 6
	h := newHarness(t, cfg)
	h.fill(t, "alice", 1)
	h.fill(t, "bob", 10)
	h.step(time.Second)
	if got := h.svc.QueueDepth("bob"); got != 5 {
		t.Fatalf("bob depth = %d, want 5", got)
	}
}

func TestPriorityTierUsesOwnBudget(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.BlockCount, cfg.PriorityBlockCount = 4, 6
	h := newHarness(t, cfg)
	h.policy.grant("vip", PriorityTier)
	h.fill(t, "vip", 20)
	h.fill(t, "alice", 20)
	h.fill(t, "bob", 20)

	h.step(time.Second)
	if got := h.svc.QueueDepth("vip"); got != 14 {
		t.Fatalf("vip depth = %d, want 14", got)
	}
	if a, b := h.svc.QueueDepth("alice"), h.svc.QueueDepth("bob"); a != 18 || b != 18 {
		t.Fatalf("standard depths = %d/%d, want 18/18", a, b)
	}
}

func TestSpeedMovingAverage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.fill(t, "alice", 600)

	h.step(time.Second) // first tick uses the interval: 10 blocks / 1s
	if got := h.svc.Snapshot().Users[0].Speed; math.Abs(got-2) > 1e-9 {
		t.Fatalf("speed = %v, want 2", got)
	}
	h.step(2 * time.Second) // 10 blocks / 2s
	if got := h.svc.Snapshot().Users[0].Speed; math.Abs(got-2.6) > 1e-9 {
		t.Fatalf("speed = %v, want 2.6", got)
	}
	for i := 0; i < 50; i++ {
		h.step(time.Second)
	}
	got := h.svc.Snapshot().Users[0].Speed
	if got < 0 || math.Abs(got-10) > 0.01 {
		t.Fatalf("speed = %v, want ~10", got)
	}
}

func TestZeroElapsedKeepsSpeed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.fill(t, "alice", 30)
	h.step(time.Second)
	h.step(0)
	if got := h.svc.Snapshot().Users[0].Speed; math.Abs(got-2) > 1e-9 {
		t.Fatalf("speed = %v, want unchanged 2", got)
	}
}

func TestDrainedUserIsForgotten(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.HardLimit, cfg.SoftLimit = 3, 1
	cfg.BlockCount = 3
	h := newHarness(t, cfg)
	h.fill(t, "alice", 3)
	if !h.svc.Locked("alice") {
		t.Fatal("want locked")
	}
	h.step(time.Second)
	if users := h.svc.Users(); len(users) != 0 {
		t.Fatalf("users = %v, want none", users)
	}
	if err := h.svc.Enqueue("alice", MutationEntry{Session: "s"}); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if h.svc.Locked("alice") {
		t.Fatal("recreated state should be unlocked")
	}
}

func TestJobDoneEntryReleasesJobAfterItsEntries(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.BlockCount = 2
	h := newHarness(t, cfg)
	job := NewJobEntry(context.Background(), 0, "set")
	if err := h.svc.AddJob("alice", job, false); err != nil {
		t.Fatal(err)
	}
	h.fill(t, "alice", 3)
	if err := h.svc.Enqueue("alice", JobDoneEntry{Session: "alice", User: "alice", Job: job}); err != nil {
		t.Fatal(err)
	}

	h.step(time.Second)
	if !h.svc.HasJobs("alice") {
		t.Fatal("job released while entries were still queued")
	}
	h.step(time.Second)
	if h.svc.HasJobs("alice") {
		t.Fatal("job still registered after its entries were placed")
	}
	if job.Status() != "done" || !job.Canceled() {
		t.Fatalf("status = %q canceled = %v", job.Status(), job.Canceled())
	}
	if got := h.svc.Snapshot().Dispatched; got != 3 {
		t.Fatalf("dispatched = %d, want 3", got)
	}
}

func TestJobDoneEntryIgnoresReusedID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	old := NewJobEntry(context.Background(), 0, "set")
	if err := h.svc.AddJob("alice", old, false); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Enqueue("alice", JobDoneEntry{Session: "alice", User: "alice", Job: old}); err != nil {
		t.Fatal(err)
	}
	h.svc.RemoveJob("alice", 0)
	next := NewJobEntry(context.Background(), 0, "set")
	if err := h.svc.AddJob("alice", next, false); err != nil {
		t.Fatal(err)
	}

	h.step(time.Second)
	if j, err := h.svc.Job("alice", 0); err != nil || j != Job(next) {
		t.Fatalf("job 0 = %v, %v; want the newer job kept", j, err)
	}
}

func TestUserWithJobsIsRetainedWhenEmpty(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	if err := h.svc.AddJob("alice", &countingJob{id: 0}, false); err != nil {
		t.Fatal(err)
	}
	h.fill(t, "alice", 2)
	h.step(time.Second)
	if !h.svc.HasJobs("alice") || len(h.svc.Users()) != 1 {
		t.Fatal("user holding jobs should survive an empty queue")
	}
}

func TestTalkIntervalSendsStatus(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TalkInterval = 2
	h := newHarness(t, cfg)
	h.policy.grant("alice", VerboseQueueStatus)
	h.fill(t, "alice", 100)
	h.fill(t, "bob", 100)

	h.step(time.Second)
	if n := len(h.notes.get("alice")); n != 0 {
		t.Fatalf("talked on tick 1: %d notes", n)
	}
	h.step(time.Second)
	want := "You have 90 out of 1000 blocks (9.00%) queued. Placing speed: 1.80bps, 50.00s left."
	if got := h.notes.get("alice"); len(got) != 1 || got[0] != want {
		t.Fatalf("notes = %q, want %q", got, want)
	}
	if got := h.notes.get("bob"); len(got) != 0 {
		t.Fatalf("bob is not verbose, got %q", got)
	}
}

func TestDispatchFailuresAreSwallowed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.exec.failOn = map[string]error{"bad": errBoom}
	h.exec.panicOn = map[string]bool{"worse": true}
	for _, sess := range []string{"ok", "bad", "worse", "ok"} {
		if err := h.svc.Enqueue("alice", MutationEntry{Session: sess}); err != nil {
			t.Fatal(err)
		}
	}
	h.step(time.Second)

	if got := h.exec.sessions(); !reflect.DeepEqual(got, []string{"ok", "ok"}) {
		t.Fatalf("applied = %v", got)
	}
	snap := h.svc.Snapshot()
	if snap.Dispatched != 2 || snap.DispatchFailed != 2 || snap.LastDispatchError == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestMaskEntriesReachExecutorInOrder(t *testing.T) {
	t.Parallel()
	w := world.New()
	h := newHarness(t, testConfig())
	h.svc.exec = w
	region := world.NewRegion(world.Vec3{}, world.Vec3{X: 1})
	_ = h.svc.Enqueue("alice", MaskEntry{Session: "s", Mask: world.RegionMask{Region: region}})
	_ = h.svc.Enqueue("alice", MutationEntry{Session: "s", Location: world.Vec3{X: 1}, Value: world.Block{Type: "stone"}})
	_ = h.svc.Enqueue("alice", MutationEntry{Session: "s", Location: world.Vec3{X: 5}, Value: world.Block{Type: "stone"}})
	h.step(time.Second)

	st := w.Stats()
	if st.Blocks != 1 || st.Skipped != 1 {
		t.Fatalf("world stats = %+v", st)
	}
}

func TestShutdownStopsAfterIdleTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.fill(t, "alice", 5)
	h.svc.RequestShutdown()

	if h.step(time.Second) {
		t.Fatal("stopped on a tick that drained work")
	}
	select {
	case <-h.svc.Done():
		t.Fatal("done closed early")
	default:
	}
	if !h.step(time.Second) {
		t.Fatal("expected terminal state on idle tick")
	}
	select {
	case <-h.svc.Done():
	default:
		t.Fatal("done not closed")
	}
	if err := h.svc.Enqueue("alice", MutationEntry{Session: "s"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue after stop: %v", err)
	}
	if h.step(time.Second) {
		t.Fatal("terminal state reported twice")
	}
}
