// Package commands routes inbound chat messages ("/status", "/cancel 3") to
// handlers that query and steer the placer on behalf of the sender.
package commands

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"blockplacer/internal/placer"
	rtsup "blockplacer/internal/runtime/supervisor"
	kit "blockplacer/internal/transport"
	logx "blockplacer/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOperator
)

// OperatorCapability unlocks AccessOperator commands.
const OperatorCapability placer.Capability = "commands.operator"

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // overrides Config.Timeout
	Handle      HandlerFunc
}

type Request struct {
	From    kit.Target
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	sender kit.Sender
	spawn  func(name string, fn func(ctx context.Context))
}

// Reply sends text back to where the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.sender == nil {
		return nil
	}
	return r.sender.SendText(ctx, r.From, text, &kit.SendOptions{DisablePreview: true})
}

// Go runs fn in the background under the router supervisor. Use it for work
// that outlives the handler timeout.
func (r *Request) Go(name string, fn func(ctx context.Context)) {
	if r.spawn != nil {
		r.spawn(name, fn)
		return
	}
	go fn(context.Background())
}

// Authorizer answers operator checks.
type Authorizer interface {
	HasCapability(user string, c placer.Capability) bool
}

type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = max(2, runtime.NumCPU())
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

type Router struct {
	cfg    Config
	log    logx.Logger
	sender kit.Sender
	auth   Authorizer

	mu    sync.RWMutex
	cmds  map[string]*Command
	alias map[string]*Command

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	jobs chan func()
	seq  atomic.Uint64
}

func NewRouter(cfg Config, sender kit.Sender, auth Authorizer, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Router{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "commands")),
		sender: sender,
		auth:   auth,
		cmds:   map[string]*Command{},
		alias:  map[string]*Command{},
		jobs:   make(chan func(), cfg.QueueSize),
	}
}

// Supervisor returns the worker supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// Register replaces the command table. A help command is always added.
func (r *Router) Register(cmds []Command) {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "list commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(req.Args))
		},
	}
	cmds = append(cmds, helper)

	table := map[string]*Command{}
	alias := map[string]*Command{}
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || strings.Contains(name, " ") || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		table[name] = &cc
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = &cc
		}
	}
	// names win over aliases
	for name := range table {
		delete(alias, name)
	}

	r.mu.Lock()
	r.cmds = table
	r.alias = alias
	r.mu.Unlock()
}

func (r *Router) lookup(word string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.cmds[word]; ok {
		return c, true
	}
	c, ok := r.alias[word]
	return c, ok
}

// Run executes queued commands on a bounded worker pool and routes every
// message from in until ctx ends or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan kit.Message) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.runMu.Lock()
	r.sup = sup
	r.runMu.Unlock()

	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("job_queue_cap", cap(r.jobs)))
	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second), rtsup.WithPublishFirstError(true))
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			r.Dispatch(sup.Context(), msg)
		}
	}
}

// Dispatch parses msg and queues the matching command. Text that does not
// start with "/" is ignored.
func (r *Router) Dispatch(ctx context.Context, msg kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	reply := func(s string) {
		if r.sender != nil {
			_ = r.sender.SendText(ctx, msg.From, s, nil)
		}
	}

	cmd, ok := r.lookup(word)
	if !ok {
		reply(fmt.Sprintf("unknown command /%s, try /help", word))
		return
	}
	if cmd.Access == AccessOperator && !r.isOperator(msg.From.User) {
		reply("not allowed")
		return
	}

	rid := strconv.FormatUint(r.seq.Add(1), 36)
	req := &Request{
		From:    msg.From,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.String("user", msg.From.User),
			logx.String("cmd", cmd.Name),
		),
		sender: r.sender,
		spawn:  r.spawner(),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	final := Chain(cmd.Handle,
		MWRequestLog(r.log),
		MWReplyError(),
		MWPanicRecover(r.log),
		MWTimeout(timeout),
	)

	select {
	case r.jobs <- func() { _ = final(ctx, req) }:
	default:
		reply("busy, try again")
	}
}

func (r *Router) spawner() func(string, func(context.Context)) {
	sup := r.Supervisor()
	if sup == nil {
		return nil
	}
	return func(name string, fn func(context.Context)) { sup.Go0(name, fn) }
}

func (r *Router) isOperator(user string) bool {
	return r.auth != nil && user != "" && r.auth.HasCapability(user, OperatorCapability)
}

func (r *Router) helpText(args []string) string {
	if len(args) > 0 {
		word := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		c, ok := r.lookup(word)
		if !ok {
			return fmt.Sprintf("unknown command /%s, try /help", word)
		}
		lines := []string{fmt.Sprintf("/%s - %s", c.Name, c.Description)}
		if c.Usage != "" {
			lines = append(lines, "usage: "+c.Usage)
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "aliases: /"+strings.Join(c.Aliases, ", /"))
		}
		if c.Access == AccessOperator {
			lines = append(lines, "operators only")
		}
		return strings.Join(lines, "\n")
	}

	r.mu.RLock()
	cmds := make([]*Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		cmds = append(cmds, c)
	}
	r.mu.RUnlock()
	// operator commands last
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].Access != cmds[j].Access {
			return cmds[i].Access < cmds[j].Access
		}
		return cmds[i].Name < cmds[j].Name
	})

	lines := []string{"Commands:"}
	for _, c := range cmds {
		line := "/" + c.Name
		if c.Description != "" {
			line += " - " + c.Description
		}
		if c.Access == AccessOperator {
			line += " (operator)"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
