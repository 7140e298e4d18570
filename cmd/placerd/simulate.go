package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"blockplacer/internal/app"
	"blockplacer/internal/config"
	"blockplacer/internal/edit"
	"blockplacer/internal/placer"
	"blockplacer/internal/world"
	logx "blockplacer/pkg/logx"
)

type simOptions struct {
	ConfigPath string
	Users      int
	Ops        int
	Size       int
	Interval   time.Duration
	BlockCount int
	HardLimit  int
	Drain      time.Duration
	Notices    bool
	Progress   bool
}

type simSummary struct {
	Users    int
	Entries  int
	Placed   uint64
	Waits    int
	Ticks    uint64
	Failed   uint64
	Leftover int
	Elapsed  time.Duration
}

func newSimulateCmd() *cobra.Command {
	opt := simOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive concurrent producers against an in-memory world",
		Long: `simulate starts the scheduler with an in-memory world and runs one
producer per user, each filling cubes of --size blocks. Without --config the
first user gets the priority tier and the hard limit is small enough that
producers hit the queue lock and back off.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sum, err := simulate(cmd.Context(), opt, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"users=%d entries=%d placed=%d waits=%d ticks=%d failed=%d leftover=%d elapsed=%s\n",
				sum.Users, sum.Entries, sum.Placed, sum.Waits, sum.Ticks, sum.Failed, sum.Leftover, sum.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opt.ConfigPath, "config", "c", "", "optional config file; flags below are ignored for sections it sets")
	f.IntVar(&opt.Users, "users", 4, "number of concurrent producers")
	f.IntVar(&opt.Ops, "ops", 3, "operations per producer")
	f.IntVar(&opt.Size, "size", 10, "cube edge length per operation")
	f.DurationVar(&opt.Interval, "interval", 50*time.Millisecond, "tick interval")
	f.IntVar(&opt.BlockCount, "block-count", 500, "blocks per tier per tick")
	f.IntVar(&opt.HardLimit, "hard-limit", 800, "per-user hard limit (0 disables)")
	f.DurationVar(&opt.Drain, "drain", time.Minute, "max time to drain after producers finish")
	f.BoolVar(&opt.Notices, "notices", false, "print user notifications")
	f.BoolVar(&opt.Progress, "progress", true, "show a progress bar")
	return cmd
}

func simConfig(opt simOptions) *config.Config {
	soft := opt.HardLimit / 2
	if opt.HardLimit > 0 && soft == 0 {
		soft = 1
	}
	talk := 20
	return &config.Config{
		Placer: config.PlacerConfig{
			Interval:           opt.Interval.String(),
			TalkInterval:       &talk,
			BlockCount:         &opt.BlockCount,
			PriorityBlockCount: &opt.BlockCount,
			HardLimit:          &opt.HardLimit,
			SoftLimit:          &soft,
		},
		Policy: config.PolicyConfig{
			DefaultGroup: "player",
			Groups: map[string]config.GroupConfig{
				"player": {Capabilities: []string{string(placer.VerboseQueueStatus)}},
				"vip":    {Capabilities: []string{string(placer.PriorityTier), string(placer.VerboseQueueStatus)}},
			},
			Users: map[string]string{simUser(0): "vip"},
		},
		Edit: config.EditConfig{RetryBase: "10ms", RetryMaxDelay: "200ms"},
	}
}

func simUser(i int) string { return fmt.Sprintf("player%d", i) }

func simulate(ctx context.Context, opt simOptions, out, errOut io.Writer) (simSummary, error) {
	if opt.Users <= 0 || opt.Ops <= 0 || opt.Size <= 0 {
		return simSummary{}, fmt.Errorf("users, ops and size must be > 0")
	}
	cfg := simConfig(opt)
	if opt.ConfigPath != "" {
		loaded, err := config.NewConfigManager(opt.ConfigPath).Parse()
		if err != nil {
			return simSummary{}, err
		}
		cfg = loaded
	}

	notices := io.Discard
	if opt.Notices {
		notices = out
	}
	log := logx.NewConsole("WARN")
	a, err := app.NewWithConfig(cfg, app.Options{Stdout: notices, Log: &log})
	if err != nil {
		return simSummary{}, err
	}

	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.Start(runCtx); err != nil {
		return simSummary{}, err
	}

	edge := opt.Size - 1
	total := opt.Users * opt.Ops * opt.Size * opt.Size * opt.Size

	var bar *progressbar.ProgressBar
	if opt.Progress {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(errOut),
			progressbar.OptionSetDescription("placing"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(errOut) }),
		)
	}
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-a.Done():
				return
			case <-t.C:
				if bar == nil {
					continue
				}
				s := a.Placer().Snapshot()
				bar.Describe(fmt.Sprintf("placing q=%d locked=%d", s.Queued, len(s.Locked)))
				_ = bar.Set64(int64(s.Dispatched))
			}
		}
	}()

	waits := make([]int, opt.Users)
	g, gctx := errgroup.WithContext(runCtx)
	for u := 0; u < opt.Users; u++ {
		g.Go(func() error {
			user := simUser(u)
			for i := 0; i < opt.Ops; i++ {
				// stack each operation above the previous one; users get disjoint columns
				origin := world.Vec3{X: u * (opt.Size + 1), Y: i * opt.Size}
				res, err := a.Edit(gctx, edit.Operation{
					User:   user,
					Name:   "set",
					Region: world.NewRegion(origin, world.Vec3{X: origin.X + edge, Y: origin.Y + edge, Z: edge}),
					Block:  world.Block{Type: "stone"},
				})
				waits[u] += res.Waits
				if err != nil {
					return fmt.Errorf("%s op %d: %w", user, i, err)
				}
			}
			return nil
		})
	}
	prodErr := g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), opt.Drain+5*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, opt.Drain)
	cancel()
	<-progressDone

	snap := a.Placer().Snapshot()
	if bar != nil {
		_ = bar.Set64(int64(snap.Dispatched))
		_ = bar.Finish()
	}
	sum := simSummary{
		Users:    opt.Users,
		Entries:  total,
		Placed:   a.World().Stats().Placed,
		Ticks:    snap.Ticks,
		Failed:   snap.DispatchFailed,
		Leftover: snap.Queued,
		Elapsed:  time.Since(start),
	}
	for _, w := range waits {
		sum.Waits += w
	}
	if prodErr != nil {
		return sum, prodErr
	}
	if sum.Leftover > 0 {
		return sum, fmt.Errorf("drain timed out with %d entries queued", sum.Leftover)
	}
	return sum, nil
}
