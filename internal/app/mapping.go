package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"blockplacer/internal/commands"
	"blockplacer/internal/config"
	"blockplacer/internal/edit"
	"blockplacer/internal/eligibility"
	"blockplacer/internal/maintenance"
	"blockplacer/internal/notifier"
	"blockplacer/internal/observability/debug"
	"blockplacer/internal/placer"
	"blockplacer/internal/policy"
	"blockplacer/internal/storage"
	"blockplacer/internal/transport/telegram"
	kit "blockplacer/internal/transport"
	logx "blockplacer/pkg/logx"
)

// Transport kinds.
const (
	TransportConsole  = "console"
	TransportTelegram = "telegram"
)

func mapPlacerConfig(cfg *config.Config) (placer.Config, error) {
	def := placer.DefaultConfig()
	pc := cfg.Placer
	interval, err := config.ParseDurationOrDefault("placer.interval", pc.Interval, def.Interval)
	if err != nil {
		return placer.Config{}, err
	}
	out := placer.Config{
		Interval:           interval,
		TalkInterval:       config.IntOr(pc.TalkInterval, def.TalkInterval),
		BlockCount:         config.IntOr(pc.BlockCount, def.BlockCount),
		PriorityBlockCount: config.IntOr(pc.PriorityBlockCount, def.PriorityBlockCount),
		HardLimit:          config.IntOr(pc.HardLimit, def.HardLimit),
		SoftLimit:          config.IntOr(pc.SoftLimit, def.SoftLimit),
		MaxQueueSize:       config.IntOr(pc.MaxQueueSize, def.MaxQueueSize),
	}
	if pc.HardLimit != nil && pc.SoftLimit == nil && out.SoftLimit > out.HardLimit {
		// only hard_limit given: keep the default ratio
		out.SoftLimit = out.HardLimit / 2
		if out.HardLimit > 0 && out.SoftLimit == 0 {
			out.SoftLimit = 1
		}
	}
	if err := out.Validate(); err != nil {
		return placer.Config{}, err
	}
	return out, nil
}

func mapPolicyConfig(cfg *config.Config) (policy.Config, error) {
	pc := cfg.Policy
	out := policy.Config{
		DefaultGroup: strings.TrimSpace(pc.DefaultGroup),
		Groups:       make(map[string]policy.Group, len(pc.Groups)),
		Users:        make(map[string]string, len(pc.Users)),
	}
	for name, g := range pc.Groups {
		out.Groups[name] = policy.Group{Capabilities: g.Capabilities, MaxJobs: g.MaxJobs}
	}
	for user, group := range pc.Users {
		out.Users[user] = group
	}
	if err := out.Validate(); err != nil {
		return policy.Config{}, err
	}
	return out, nil
}

func mapEligibilityConfig(cfg *config.Config) (eligibility.Config, error) {
	ec := cfg.Eligibility
	out := eligibility.DefaultConfig()
	if ec.Whitelist != nil {
		out.Whitelist = ec.Whitelist
	}
	out.Blacklist = ec.Blacklist
	out.Debug = ec.Debug
	if err := out.Validate(); err != nil {
		return eligibility.Config{}, err
	}
	return out, nil
}

func mapEditConfig(cfg *config.Config) (edit.Config, error) {
	ec := cfg.Edit
	base, err := config.ParseDurationField("edit.retry_base", ec.RetryBase)
	if err != nil {
		return edit.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("edit.retry_max_delay", ec.RetryMaxDelay)
	if err != nil {
		return edit.Config{}, err
	}
	if ec.StatusEvery < 0 {
		return edit.Config{}, fmt.Errorf("edit.status_every must be >= 0")
	}
	return edit.Config{RetryBase: base, RetryMaxDelay: maxDelay, StatusEvery: ec.StatusEvery}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: numeric fields must be >= 0")
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     dedup,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}, nil
}

// mapStorageConfig reports enabled=false when the section is omitted or the
// driver is "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	if !storage.ValidDriver(driver) {
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	mc := cfg.Maintenance
	out := maintenance.Config{Enabled: mc.Enabled, Timezone: strings.TrimSpace(mc.Timezone)}
	for _, t := range mc.Tasks {
		out.Tasks = append(out.Tasks, maintenance.Task{Name: t.Name, Spec: t.Spec, Action: t.Action})
	}
	if err := out.Validate(); err != nil {
		return maintenance.Config{}, err
	}
	return out, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	dc := cfg.Debug
	rt, err := config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 10*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	// 0 keeps /debug/pprof/profile usable
	wt, err := config.ParseDurationField("debug.write_timeout", dc.WriteTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	out := debug.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		Pprof:         dc.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}
	if err := out.Validate(); err != nil {
		return debug.Config{}, err
	}
	return out, nil
}

func mapCommandsConfig(cfg *config.Config) (commands.Config, int, error) {
	cc := cfg.Commands
	timeout, err := config.ParseDurationField("commands.timeout", cc.Timeout)
	if err != nil {
		return commands.Config{}, 0, err
	}
	if cc.Workers < 0 || cc.QueueSize < 0 || cc.MaxFillVolume < 0 {
		return commands.Config{}, 0, errors.New("commands: workers, queue_size and max_fill_volume must be >= 0")
	}
	return commands.Config{Workers: cc.Workers, QueueSize: cc.QueueSize, Timeout: timeout}, cc.MaxFillVolume, nil
}

func transportKind(cfg *config.Config) string {
	k := strings.ToLower(strings.TrimSpace(cfg.Transport.Kind))
	if k == "" {
		return TransportConsole
	}
	return k
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	tc := cfg.Transport.Telegram
	return telegram.Config{
		Token:         strings.TrimSpace(tc.Token),
		Chats:         tc.Chats,
		DefaultChatID: tc.DefaultChatID,
		ThreadID:      tc.ThreadID,
	}
}

func validateTransport(cfg *config.Config) error {
	switch transportKind(cfg) {
	case TransportConsole:
		return nil
	case TransportTelegram:
		if strings.TrimSpace(cfg.Transport.Telegram.Token) == "" {
			return errors.New("transport.telegram.token is required when transport.kind=telegram")
		}
		return nil
	default:
		return fmt.Errorf("unknown transport.kind: %s", cfg.Transport.Kind)
	}
}

func mapLoggingConfig(cfg *config.Config) (logx.Config, error) {
	lc := cfg.Logging
	if lc.Level != "" && !logx.ValidLevel(lc.Level) {
		return logx.Config{}, fmt.Errorf("logging.level: unknown level %q", lc.Level)
	}
	if lc.Relay.MinLevel != "" && !logx.ValidLevel(lc.Relay.MinLevel) {
		return logx.Config{}, fmt.Errorf("logging.relay.min_level: unknown level %q", lc.Relay.MinLevel)
	}
	if lc.Relay.RatePerSec < 0 {
		return logx.Config{}, fmt.Errorf("logging.relay.rate_per_sec must be >= 0")
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Relay: logx.RelayConfig{
			Enabled: lc.Relay.Enabled,
			Target: kit.Target{
				User:     strings.TrimSpace(lc.Relay.User),
				ChatID:   lc.Relay.ChatID,
				ThreadID: lc.Relay.ThreadID,
			},
			MinLevel:   lc.Relay.MinLevel,
			RatePerSec: lc.Relay.RatePerSec,
		},
	}, nil
}

// ValidateConfig runs every section mapping. It backs the reload validator
// and the validate command.
func ValidateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	steps := []func() error{
		func() error { _, err := mapLoggingConfig(cfg); return err },
		func() error { _, err := mapPlacerConfig(cfg); return err },
		func() error { _, err := mapPolicyConfig(cfg); return err },
		func() error { _, err := mapEligibilityConfig(cfg); return err },
		func() error { _, err := mapEditConfig(cfg); return err },
		func() error { return validateTransport(cfg) },
		func() error { _, err := mapNotifierConfig(cfg); return err },
		func() error { _, _, err := mapStorageConfig(cfg); return err },
		func() error { _, err := mapMaintenanceConfig(cfg); return err },
		func() error { _, _, err := mapCommandsConfig(cfg); return err },
		func() error { _, err := mapDebugConfig(cfg); return err },
	}
	var errs []error
	for _, step := range steps {
		if err := step(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
