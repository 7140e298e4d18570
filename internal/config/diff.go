package config

import (
	"reflect"
	"sort"
	"strings"

	logx "blockplacer/pkg/logx"
)

// SummarizeConfigChange returns the changed section names (sorted) and safe
// structured attrs for logging. Tokens are reported only as "*_set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.relay_enabled", newCfg.Logging.Relay.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Placer, newCfg.Placer) {
		p := newCfg.Placer
		changed = append(changed, "placer")
		attrs = append(attrs,
			logx.String("placer.interval", strings.TrimSpace(p.Interval)),
			logx.Int("placer.block_count", IntOr(p.BlockCount, -1)),
			logx.Int("placer.priority_block_count", IntOr(p.PriorityBlockCount, -1)),
			logx.Int("placer.hard_limit", IntOr(p.HardLimit, -1)),
			logx.Int("placer.soft_limit", IntOr(p.SoftLimit, -1)),
			logx.Int("placer.max_queue_size", IntOr(p.MaxQueueSize, -1)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Policy, newCfg.Policy) {
		changed = append(changed, "policy")
		attrs = append(attrs,
			logx.String("policy.default_group", newCfg.Policy.DefaultGroup),
			logx.Int("policy.groups", len(newCfg.Policy.Groups)),
			logx.Int("policy.users", len(newCfg.Policy.Users)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Eligibility, newCfg.Eligibility) {
		changed = append(changed, "eligibility")
		attrs = append(attrs,
			logx.Int("eligibility.whitelist", len(newCfg.Eligibility.Whitelist)),
			logx.Int("eligibility.blacklist", len(newCfg.Eligibility.Blacklist)),
			logx.Bool("eligibility.debug", newCfg.Eligibility.Debug),
		)
	}

	if !reflect.DeepEqual(oldCfg.Edit, newCfg.Edit) {
		changed = append(changed, "edit")
	}

	ot, nt := oldCfg.Transport, newCfg.Transport
	if !strings.EqualFold(strings.TrimSpace(ot.Kind), strings.TrimSpace(nt.Kind)) ||
		ot.Telegram.Token != nt.Telegram.Token ||
		ot.Telegram.DefaultChatID != nt.Telegram.DefaultChatID ||
		ot.Telegram.ThreadID != nt.Telegram.ThreadID ||
		!reflect.DeepEqual(ot.Telegram.Chats, nt.Telegram.Chats) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.kind", strings.TrimSpace(nt.Kind)),
			logx.Bool("transport.token_set", strings.TrimSpace(nt.Telegram.Token) != ""),
			logx.Bool("transport.token_changed", ot.Telegram.Token != nt.Telegram.Token),
			logx.Int("transport.chats", len(nt.Telegram.Chats)),
		)
	}

	oldN, newN := notifierOrDefault(oldCfg.Notifier), notifierOrDefault(newCfg.Notifier)
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	// Nil means disabled.
	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if strings.TrimSpace(oldS.Driver) != strings.TrimSpace(newS.Driver) ||
		strings.TrimSpace(oldS.Path) != strings.TrimSpace(newS.Path) ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(newS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.timezone", newCfg.Maintenance.Timezone),
			logx.Int("maintenance.tasks", len(newCfg.Maintenance.Tasks)),
		)
	}

	if oldCfg.Commands != newCfg.Commands {
		c := newCfg.Commands
		changed = append(changed, "commands")
		attrs = append(attrs,
			logx.Bool("commands.enabled", c.Enabled),
			logx.Bool("commands.stdin", c.Stdin),
			logx.Int("commands.workers", c.Workers),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		d := newCfg.Debug
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", d.Enabled),
			logx.String("debug.addr", strings.TrimSpace(d.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(d.Token) != ""),
			logx.Bool("debug.allow_insecure", d.AllowInsecure),
			logx.Bool("debug.pprof", d.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// DefaultNotifier mirrors the notifier runtime defaults so an omitted section
// and an explicit default section compare equal.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      20,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

func notifierOrDefault(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}
