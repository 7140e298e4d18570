package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"blockplacer/internal/audit"
	"blockplacer/internal/commands"
	"blockplacer/internal/config"
	"blockplacer/internal/edit"
	"blockplacer/internal/eligibility"
	"blockplacer/internal/eventbus"
	"blockplacer/internal/maintenance"
	"blockplacer/internal/notifier"
	"blockplacer/internal/observability/debug"
	"blockplacer/internal/placer"
	"blockplacer/internal/policy"
	rtsup "blockplacer/internal/runtime/supervisor"
	"blockplacer/internal/storage"
	kit "blockplacer/internal/transport"
	"blockplacer/internal/transport/console"
	"blockplacer/internal/transport/telegram"
	"blockplacer/internal/world"
	logx "blockplacer/pkg/logx"
	"blockplacer/pkg/sdnotify"
)

// Options tune process-level wiring. Zero values are production defaults.
type Options struct {
	// Stdout receives console transport output.
	Stdout io.Writer
	// Log replaces the configured logging service (tests, simulate).
	Log *logx.Logger
	// Stdin feeds console chat commands when commands.stdin is set.
	Stdin io.Reader
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	recorder *audit.Recorder

	sender kit.Sender
	tg     *telegram.Sender
	notif  *notifier.Service

	policy *policy.Service
	cls    *eligibility.Classifier
	world  *world.World
	placer *placer.Service
	runner *edit.Runner

	cmds     *commands.Router
	listener kit.Listener

	maint *maintenance.Service
	debug *debug.Service
}

// New loads cfgPath and builds every component. The config file is watched
// for changes once Start runs.
func New(cfgPath string, opt Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, opt)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// NewWithConfig builds the app from an in-memory config without a watcher.
func NewWithConfig(cfg *config.Config, opt Options) (*App, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return build(cfg, opt)
}

func build(cfg *config.Config, opt Options) (*App, error) {
	if err := ValidateConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opt.Stdout == nil {
		opt.Stdout = os.Stdout
	}
	a := &App{bus: eventbus.New()}

	bootLog := logx.NewConsole("INFO")
	switch transportKind(cfg) {
	case TransportTelegram:
		tg, err := telegram.New(mapTelegramConfig(cfg), bootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		a.tg, a.sender = tg, tg
	default:
		a.sender = console.New(opt.Stdout)
	}

	if opt.Log != nil {
		a.log = *opt.Log
	} else {
		lc, _ := mapLoggingConfig(cfg)
		a.logs, a.log = logx.New(lc, a.sender)
	}
	log := a.log
	a.log = log.With(logx.String("comp", "app"))

	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.recorder = audit.NewRecorder(st, log)
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	nc, _ := mapNotifierConfig(cfg)
	a.notif = notifier.New(nc, a.sender, log.With(logx.String("comp", "notifier")), a.bus, a.store)

	pc, _ := mapPolicyConfig(cfg)
	a.policy = policy.New(pc)

	ec, _ := mapEligibilityConfig(cfg)
	cls, err := eligibility.New(ec, log)
	if err != nil {
		return nil, err
	}
	a.cls = cls

	a.world = world.New()
	plc, _ := mapPlacerConfig(cfg)
	a.placer = placer.New(plc, placer.Deps{
		Policy:   a.policy,
		Executor: a.world,
		Notifier: a.notif,
		Bus:      a.bus,
		Log:      log,
	})

	edc, _ := mapEditConfig(cfg)
	a.runner = edit.NewRunner(edc, a.placer, a.world, a.cls, log)

	if cfg.Commands.Enabled {
		cc, maxFill, _ := mapCommandsConfig(cfg)
		a.cmds = commands.NewRouter(cc, a.sender, a.policy, log)
		a.cmds.Register(commands.Builtin(commands.Deps{
			Placer:        a.placer,
			Edit:          a.Edit,
			MaxFillVolume: maxFill,
		}))
		switch {
		case a.tg != nil:
			a.listener = a.tg
		case cfg.Commands.Stdin:
			in := opt.Stdin
			if in == nil {
				in = os.Stdin
			}
			a.listener = console.NewReader(in)
		default:
			a.log.Warn("commands enabled without an inbound source")
		}
	}

	mc, _ := mapMaintenanceConfig(cfg)
	a.maint = maintenance.New(mc, a.placer, a.notif, log)

	dc, _ := mapDebugConfig(cfg)
	a.debug = debug.New(dc, debug.Sources{
		Health: a.health,
		Views:  a.views(),
		Audit:  a.store,
	}, log)
	return a, nil
}

func (a *App) Placer() *placer.Service { return a.placer }

func (a *App) World() *world.World { return a.world }

func (a *App) Notifier() *notifier.Service { return a.notif }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Edit runs one producer operation through the eligibility check and queue.
func (a *App) Edit(ctx context.Context, op edit.Operation) (edit.Result, error) {
	return a.runner.Run(ctx, op)
}

// Done is closed when the app supervisor context ends: a fatal error, a
// completed placer drain, or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	snap := a.placer.Snapshot()
	if !snap.Running && !snap.Stopped {
		return errors.New("placer not running")
	}
	return nil
}

func (a *App) views() map[string]func() any {
	return map[string]func() any{
		"placer": func() any { return a.placer.Snapshot() },
		"notifier": func() any {
			return map[string]any{"stats": a.notif.Stats(), "history": a.notif.History()}
		},
		"maintenance": func() any { return a.maint.Snapshot() },
		"world":       func() any { return a.world.Stats() },
		"supervisors": func() any { return a.supervisors() },
		"eventbus":    func() any { return map[string]any{"dropped": a.bus.Dropped()} },
		"audit_recorder": func() any {
			if a.recorder == nil {
				return map[string]any{"enabled": false}
			}
			w, f := a.recorder.Stats()
			return map[string]any{"enabled": true, "written": w, "failed": f}
		},
	}
}

func (a *App) supervisors() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	add := func(name string, s *rtsup.Supervisor) {
		if s != nil {
			out[name] = s.Snapshot()
		}
	}
	add("app", a.sup)
	add("placer", a.placer.Supervisor())
	add("notifier", a.notif.Supervisor())
	add("debug", a.debug.Supervisor())
	if a.cmds != nil {
		add("commands", a.cmds.Supervisor())
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return nil
	}
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.notif.Start(c)
	if a.recorder != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("audit.record", func(c context.Context) {
			defer unsub()
			a.recorder.Run(c, events)
		})
	}
	a.startEventLog()

	if err := a.placer.Start(c); err != nil {
		return err
	}
	// A drained placer (shutdown task or RequestShutdown) ends the app.
	a.sup.Go0("placer.done", func(c context.Context) {
		select {
		case <-c.Done():
		case <-a.placer.Done():
			a.log.Info("placer drained; stopping")
			a.sup.Cancel()
		}
	})

	a.maint.Start(c)
	a.debug.Start(c)
	a.startCommands()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(ValidateConfig)
		a.startReload()
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	if _, err := sdnotify.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.sup.Go("sd.watchdog", func(c context.Context) error {
		return sdnotify.Watchdog(c, a.health)
	})
	a.sup.Go0("sd.status", a.statusLoop)

	a.log.Info("app started", logx.String("transport", kit.ChannelOf(a.sender)))
	return nil
}

func (a *App) startCommands() {
	if a.cmds == nil {
		return
	}
	in := make(chan kit.Message, 64)
	a.sup.Go("commands.router", func(c context.Context) error { return a.cmds.Run(c, in) })
	if a.listener == nil {
		return
	}
	a.sup.Go0("commands.listen", func(c context.Context) {
		if err := a.listener.Listen(c, in); err != nil {
			a.log.Warn("command listener stopped", logx.Err(err))
		}
	})
}

// statusLoop mirrors queue totals into the service manager status line.
func (a *App) statusLoop(ctx context.Context) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := a.placer.Snapshot()
			_, _ = sdnotify.Status("queued=%d users=%d locked=%d", s.Queued, len(s.Users), len(s.Locked))
		}
	}
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	log := a.log.With(logx.String("comp", "events"))
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				log.Debug("event", logx.String("type", e.Type), logx.String("user", e.User), logx.Any("data", e.Data))
			}
		}
	})
}

// Stop asks the placer to drain, waits for it within drain, then tears down
// every component. Queued entries left after drain are discarded.
func (a *App) Stop(ctx context.Context, drain time.Duration) error {
	if a.sup == nil {
		return nil
	}
	if _, err := sdnotify.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}
	a.log.Info("stopping", logx.Duration("drain", drain))

	a.placer.RequestShutdown()
	if drain > 0 {
		t := time.NewTimer(drain)
		select {
		case <-a.placer.Done():
		case <-t.C:
			a.log.Warn("placer drain timed out", logx.Int("queued", a.placer.Snapshot().Queued))
		case <-ctx.Done():
		}
		t.Stop()
	}

	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("placer", 2*time.Second, a.placer.Stop)
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
