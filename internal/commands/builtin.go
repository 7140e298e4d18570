package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"blockplacer/internal/edit"
	"blockplacer/internal/placer"
	"blockplacer/internal/world"
)

// Placer is the scheduler surface used by the built-in commands.
type Placer interface {
	Status(user string) (string, bool)
	JobLines(user string) []string
	Job(user string, id int) (placer.Job, error)
	RemoveJob(user string, id int) bool
	Purge(user string) int
	PurgeAll() int
	Snapshot() placer.Snapshot
}

type Deps struct {
	Placer Placer
	// Edit runs a fill for the sender. Nil disables /fill.
	Edit func(ctx context.Context, op edit.Operation) (edit.Result, error)
	// MaxFillVolume caps /fill regions; 0 means DefaultMaxFillVolume.
	MaxFillVolume int
}

const DefaultMaxFillVolume = 100_000

var errUsage = errors.New("bad arguments")

// Builtin returns the user and operator commands backed by d.
func Builtin(d Deps) []Command {
	if d.MaxFillVolume <= 0 {
		d.MaxFillVolume = DefaultMaxFillVolume
	}
	p := d.Placer
	cmds := []Command{
		{
			Name:        "status",
			Aliases:     []string{"s"},
			Description: "show your queue",
			Usage:       "/status",
			Handle: func(ctx context.Context, req *Request) error {
				line, ok := p.Status(req.From.User)
				if !ok {
					line = "Your queue is empty."
				}
				return req.Reply(ctx, line)
			},
		},
		{
			Name:        "jobs",
			Aliases:     []string{"j"},
			Description: "list your running jobs",
			Usage:       "/jobs",
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, strings.Join(p.JobLines(req.From.User), "\n"))
			},
		},
		{
			Name:        "cancel",
			Aliases:     []string{"c"},
			Description: "cancel one of your jobs",
			Usage:       "/cancel <id>",
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 1 {
					return fmt.Errorf("%w: usage /cancel <id>", errUsage)
				}
				id, err := strconv.Atoi(strings.TrimPrefix(req.Args[0], "#"))
				if err != nil {
					return fmt.Errorf("%w: job id %q", errUsage, req.Args[0])
				}
				if _, err := p.Job(req.From.User, id); err != nil {
					return err
				}
				if !p.RemoveJob(req.From.User, id) {
					return fmt.Errorf("%w: %s #%d", placer.ErrUnknownJob, req.From.User, id)
				}
				return req.Reply(ctx, fmt.Sprintf("Job #%d cancelled.", id))
			},
		},
		{
			Name:        "purge",
			Aliases:     []string{"p"},
			Description: "drop everything you have queued",
			Usage:       "/purge",
			Handle: func(ctx context.Context, req *Request) error {
				n := p.Purge(req.From.User)
				return req.Reply(ctx, fmt.Sprintf("Purged %d queued entries.", n))
			},
		},
		{
			Name:        "queues",
			Aliases:     []string{"q"},
			Description: "show every user queue",
			Usage:       "/queues",
			Access:      AccessOperator,
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, queuesText(p.Snapshot()))
			},
		},
		{
			Name:        "purgeall",
			Description: "drop every queued entry of every user",
			Usage:       "/purgeall",
			Access:      AccessOperator,
			Handle: func(ctx context.Context, req *Request) error {
				n := p.PurgeAll()
				return req.Reply(ctx, fmt.Sprintf("Purged %d queued entries.", n))
			},
		},
	}
	if d.Edit != nil {
		cmds = append(cmds, fillCommand(d))
	}
	return cmds
}

func fillCommand(d Deps) Command {
	return Command{
		Name:        "fill",
		Aliases:     []string{"f"},
		Description: "fill a box with one block type",
		Usage:       "/fill <x1> <y1> <z1> <x2> <y2> <z2> <block>",
		Handle: func(ctx context.Context, req *Request) error {
			op, err := parseFill(req.From.User, req.Args)
			if err != nil {
				return err
			}
			if v := op.Region.Volume(); v > d.MaxFillVolume {
				return fmt.Errorf("%w: %d blocks exceeds the limit of %d", errUsage, v, d.MaxFillVolume)
			}
			if err := req.Reply(ctx, fmt.Sprintf("Filling %d blocks with %s.", op.Region.Volume(), op.Block)); err != nil {
				return err
			}
			// Queueing can wait on a locked queue far longer than the handler timeout.
			req.Go("fill."+req.ReqID, func(c context.Context) {
				res, err := d.Edit(c, op)
				text := fmt.Sprintf("Fill queued %d of %d blocks (job #%d).", res.Queued, res.Total, res.JobID)
				if res.Direct {
					text = fmt.Sprintf("Fill placed %d blocks.", res.Total)
				}
				if err != nil {
					text = fmt.Sprintf("Fill stopped after %d of %d blocks: %v", res.Queued, res.Total, err)
				}
				_ = req.Reply(context.WithoutCancel(c), text)
			})
			return nil
		},
	}
}

func parseFill(user string, args []string) (edit.Operation, error) {
	if len(args) != 7 {
		return edit.Operation{}, fmt.Errorf("%w: usage /fill <x1> <y1> <z1> <x2> <y2> <z2> <block>", errUsage)
	}
	var n [6]int
	for i := range n {
		v, err := strconv.Atoi(args[i])
		if err != nil {
			return edit.Operation{}, fmt.Errorf("%w: coordinate %q", errUsage, args[i])
		}
		n[i] = v
	}
	block, err := world.ParseBlock(args[6])
	if err != nil {
		return edit.Operation{}, err
	}
	return edit.Operation{
		User:   user,
		Name:   "set",
		Region: world.NewRegion(world.Vec3{X: n[0], Y: n[1], Z: n[2]}, world.Vec3{X: n[3], Y: n[4], Z: n[5]}),
		Block:  block,
	}, nil
}

func queuesText(s placer.Snapshot) string {
	if len(s.Users) == 0 {
		return "No queues."
	}
	lines := make([]string, 0, len(s.Users)+1)
	lines = append(lines, fmt.Sprintf("Queued %d entries across %d users:", s.Queued, len(s.Users)))
	for _, u := range s.Users {
		line := fmt.Sprintf("%s depth=%d jobs=%d speed=%.1f/s", u.User, u.Depth, u.Jobs, u.Speed)
		if u.Locked {
			line += " locked"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
