package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file: { enabled: false, path: "" }
placer:
  interval: 500ms
  hard_limit: 0
  block_count: 64
policy:
  default_group: player
  groups:
    player: { capabilities: [queue.talkative], max_jobs: 2 }
    staff: { capabilities: ["*"] }
  users: { alice: staff }
transport:
  kind: telegram
  telegram:
    token: secret
    chats: { alice: 42 }
maintenance:
  enabled: true
  tasks:
    - { name: nightly, spec: "@daily", action: purge_all }
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode(FormatYAML, []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Placer.Interval != "500ms" {
		t.Fatalf("interval = %q", cfg.Placer.Interval)
	}
	if cfg.Placer.HardLimit == nil || *cfg.Placer.HardLimit != 0 {
		t.Fatalf("explicit hard_limit 0 lost: %v", cfg.Placer.HardLimit)
	}
	if cfg.Placer.SoftLimit != nil {
		t.Fatalf("omitted soft_limit should stay nil")
	}
	if got := IntOr(cfg.Placer.BlockCount, 1000); got != 64 {
		t.Fatalf("block_count = %d", got)
	}
	if g := cfg.Policy.Groups["player"]; g.MaxJobs == nil || *g.MaxJobs != 2 {
		t.Fatalf("player max_jobs = %v", g.MaxJobs)
	}
	if cfg.Policy.Groups["staff"].MaxJobs != nil {
		t.Fatalf("staff max_jobs should be unlimited")
	}
	if cfg.Transport.Telegram.Chats["alice"] != 42 {
		t.Fatalf("chats = %v", cfg.Transport.Telegram.Chats)
	}
	if len(cfg.Maintenance.Tasks) != 1 || cfg.Maintenance.Tasks[0].Spec != "@daily" {
		t.Fatalf("tasks = %+v", cfg.Maintenance.Tasks)
	}
	if cfg.Notifier != nil || cfg.Storage != nil {
		t.Fatalf("omitted pointer sections should be nil")
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		format string
		body   string
	}{
		{"unknown json key", FormatJSON, `{"placer":{"tick":"1s"}}`},
		{"unknown yaml key", FormatYAML, "placer:\n  tick: 1s\n"},
		{"trailing json", FormatJSON, `{} {}`},
		{"bad yaml", FormatYAML, "placer: [\n"},
		{"wrong type", FormatJSON, `{"placer":{"hard_limit":"many"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.format, []byte(tc.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode(FormatYAML, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg == nil {
		t.Fatal("nil config")
	}
}

func TestFormatOf(t *testing.T) {
	t.Parallel()
	for path, want := range map[string]string{
		"a.yaml":      FormatYAML,
		"b.YML":       FormatYAML,
		"c.json":      FormatJSON,
		"config":      FormatJSON,
		"/x/y/z.conf": FormatJSON,
	} {
		if got := formatOf(path); got != want {
			t.Errorf("formatOf(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", time.Second, time.Second, false},
		{"0s", time.Second, time.Second, false},
		{" 250ms ", time.Second, 250 * time.Millisecond, false},
		{"-1s", time.Second, 0, true},
		{"soon", time.Second, 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationOrDefault("x", tc.raw, tc.def)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: err = %v", tc.raw, err)
		}
		if !tc.wantErr && got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.raw, got, tc.want)
		}
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "placer.json", `{"placer":{"block_count":10}}`)

	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	changed, err := m.Reload(context.Background())
	if err != nil || changed {
		t.Fatalf("unchanged reload: changed=%v err=%v", changed, err)
	}

	writeFile(t, dir, "placer.json", `{"placer":{"block_count":20}}`)
	changed, err = m.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("changed reload: changed=%v err=%v", changed, err)
	}
	select {
	case cfg := <-sub:
		if got := IntOr(cfg.Placer.BlockCount, 0); got != 20 {
			t.Fatalf("published block_count = %d", got)
		}
	default:
		t.Fatal("no config published")
	}
	if got := IntOr(m.Get().Placer.BlockCount, 0); got != 20 {
		t.Fatalf("committed block_count = %d", got)
	}
}

func TestReloadValidatorRejects(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "placer.yaml", "placer:\n  block_count: 10\n")

	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	errBad := errors.New("bad")
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if IntOr(cfg.Placer.BlockCount, 0) > 100 {
			return errBad
		}
		return nil
	})

	writeFile(t, dir, "placer.yaml", "placer:\n  block_count: 1000\n")
	changed, err := m.Reload(context.Background())
	if !errors.Is(err, errBad) || changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	if got := IntOr(m.Get().Placer.BlockCount, 0); got != 10 {
		t.Fatalf("rejected config committed: %d", got)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatal("subscriber should hold the newest config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("unsubscribed channel should be closed")
	}
	m.publish(a) // no subscribers left
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "placer.json", `{"placer":{"block_count":1}}`)

	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		// rewrite until the watcher is up and sees it
		writeFile(t, dir, "placer.json", `{"placer":{"block_count":2}}`)
		select {
		case cfg := <-sub:
			if got := IntOr(cfg.Placer.BlockCount, 0); got != 2 {
				t.Fatalf("block_count = %d", got)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("watch did not publish")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	two := 2
	oldCfg := &Config{}
	newCfg := &Config{
		Placer:    PlacerConfig{BlockCount: &two},
		Transport: TransportConfig{Telegram: TelegramConfig{Token: "t"}},
		Debug:     DebugConfig{Enabled: true, Token: "secret"},
		Commands:  CommandsConfig{Enabled: true},
		Notifier:  func() *NotifierConfig { n := DefaultNotifier(); return &n }(),
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"commands", "debug", "placer", "transport"}
	if !slices.Equal(sections, want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}

	sections, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(sections) != 0 {
		t.Fatalf("identical configs reported %v", sections)
	}
}
