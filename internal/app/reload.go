package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"blockplacer/internal/config"
	"blockplacer/internal/eventbus"
	logx "blockplacer/pkg/logx"
	"blockplacer/pkg/sdnotify"
)

// restartOnly lists sections that are read once at startup.
var restartOnly = []string{"commands", "edit", "storage"}

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
}

// applyConfig pushes a validated config to every live component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = sdnotify.Reloading()
	defer func() { _, _ = sdnotify.Ready() }()

	has := func(s string) bool { return slices.Contains(sections, s) }
	for _, s := range restartOnly {
		if has(s) {
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	if has("logging") && a.logs != nil {
		if lc, err := mapLoggingConfig(next); err != nil {
			a.log.Warn("invalid logging config; keeping previous", logx.Err(err))
		} else {
			a.logs.Apply(lc)
		}
	}

	if has("transport") {
		a.applyTransport(prev, next)
	}

	if has("placer") {
		if pc, err := mapPlacerConfig(next); err != nil {
			a.log.Warn("invalid placer config; keeping previous", logx.Err(err))
		} else if err := a.placer.Apply(pc); err != nil {
			a.log.Warn("placer rejected config", logx.Err(err))
		}
	}

	if has("policy") {
		if pc, err := mapPolicyConfig(next); err != nil {
			a.log.Warn("invalid policy config; keeping previous", logx.Err(err))
		} else {
			a.policy.Update(pc)
		}
	}

	if has("eligibility") {
		if ec, err := mapEligibilityConfig(next); err != nil {
			a.log.Warn("invalid eligibility config; keeping previous", logx.Err(err))
		} else if err := a.cls.Update(ec); err != nil {
			a.log.Warn("eligibility rejected config", logx.Err(err))
		}
	}

	if has("notifier") {
		if nc, err := mapNotifierConfig(next); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(nc)
			if nc.Enabled {
				a.notif.Start(ctx)
			} else {
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			}
		}
	}

	if has("maintenance") {
		if mc, err := mapMaintenanceConfig(next); err != nil {
			a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
		} else {
			a.maint.Apply(mc)
		}
	}

	if has("debug") {
		if dc, err := mapDebugConfig(next); err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(ctx, dc)
		}
	}

	eventbus.Publish(a.bus, eventbus.ConfigReloaded, "", map[string]any{"sections": sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyTransport updates the telegram chat mapping in place. Switching the
// transport kind or the bot token needs a restart.
func (a *App) applyTransport(prev, next *config.Config) {
	if transportKind(prev) != transportKind(next) ||
		strings.TrimSpace(prev.Transport.Telegram.Token) != strings.TrimSpace(next.Transport.Telegram.Token) {
		a.log.Warn("transport kind or token changed; restart required")
		return
	}
	if a.tg != nil {
		a.tg.Apply(mapTelegramConfig(next))
	}
}
