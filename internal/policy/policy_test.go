package policy

import (
	"testing"

	"blockplacer/internal/placer"
)

func intp(n int) *int { return &n }

func testConfig() Config {
	return Config{
		DefaultGroup: "player",
		Groups: map[string]Group{
			"player": {Capabilities: []string{"queue.talkative"}, MaxJobs: intp(2)},
			"vip":    {Capabilities: []string{"queue.priority", "queue.talkative"}},
			"admin":  {Capabilities: []string{"*"}},
			"banned": {MaxJobs: intp(0)},
		},
		Users: map[string]string{"Alice": "vip", "root": "admin", "eve": "banned"},
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	p := New(testConfig())
	cases := []struct {
		user string
		cap  placer.Capability
		want bool
	}{
		{"alice", placer.PriorityTier, true},
		{"ALICE", placer.BypassQueueLimit, false},
		{"root", placer.BypassQueueLimit, true},
		{"bob", placer.VerboseQueueStatus, true},
		{"bob", placer.PriorityTier, false},
		{"eve", placer.VerboseQueueStatus, false},
	}
	for _, tc := range cases {
		if got := p.HasCapability(tc.user, tc.cap); got != tc.want {
			t.Errorf("HasCapability(%s, %s) = %v, want %v", tc.user, tc.cap, got, tc.want)
		}
	}
}

func TestMaxJobs(t *testing.T) {
	t.Parallel()
	p := New(testConfig())
	for user, want := range map[string]int{"bob": 2, "alice": -1, "eve": 0} {
		if got := p.MaxJobs(user); got != want {
			t.Errorf("MaxJobs(%s) = %d, want %d", user, got, want)
		}
	}
}

func TestUpdateSwapsTable(t *testing.T) {
	t.Parallel()
	p := New(testConfig())
	cfg := testConfig()
	cfg.Users["bob"] = "admin"
	p.Update(cfg)
	if !p.HasCapability("bob", placer.BypassQueueLimit) || p.Group("bob") != "admin" {
		t.Fatal("update not applied")
	}
}

func TestNoGroupDeniesEverything(t *testing.T) {
	t.Parallel()
	p := New(Config{})
	if p.HasCapability("x", placer.VerboseQueueStatus) || p.MaxJobs("x") != 0 {
		t.Fatal("empty policy should deny")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := testConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	bad := testConfig()
	bad.Users["mallory"] = "ghost"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected unknown group error")
	}
	bad = testConfig()
	bad.DefaultGroup = "ghost"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected unknown default group error")
	}
}
