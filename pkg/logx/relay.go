package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "blockplacer/internal/transport"
)

const (
	relayQueueSize = 256
	relayMaxText   = 3500
	relayMaxValue  = 600
	relayMaxStack  = 900
)

// relay is a zerolog sink that forwards selected lines through a Sender.
// Writes never block: lines that do not fit in the queue are dropped.
type relay struct {
	sender kit.Sender
	queue  chan relayItem

	mu      sync.Mutex
	to      kit.Target
	min     zerolog.Level
	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

type relayItem struct {
	to  kit.Target
	msg string
}

func newRelay(sender kit.Sender) *relay {
	return &relay{sender: sender, queue: make(chan relayItem, relayQueueSize)}
}

// configure applies cfg and starts the sender loop the first time the relay
// is enabled.
func (r *relay) configure(cfg RelayConfig) {
	rps := max(1, cfg.RatePerSec)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = cfg.Target
	r.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	r.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Enabled && r.cancel == nil && r.sender != nil {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.done = make(chan struct{})
		go r.loop(ctx, r.done)
	}
}

func (r *relay) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *relay) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-r.queue:
			_ = r.sender.SendText(ctx, it.to, it.msg, &kit.SendOptions{DisablePreview: true})
		}
	}
}

func (r *relay) Write(p []byte) (int, error) { return r.WriteLevel(zerolog.InfoLevel, p) }

func (r *relay) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r.mu.Lock()
	to, floor, lim := r.to, r.min, r.limiter
	r.mu.Unlock()

	if r.sender == nil || to.IsZero() || lim == nil || level < floor || !lim.Allow() {
		return len(p), nil
	}
	if msg := relayText(p); msg != "" {
		select {
		case r.queue <- relayItem{to: to, msg: msg}:
		default:
		}
	}
	return len(p), nil
}

// relayText renders a JSON log line as "[LEVEL] message" followed by one
// "- key=value" line per field, sorted by key.
func relayText(p []byte) string {
	line := bytes.TrimSpace(p)
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		return clip(string(line), relayMaxText)
	}

	var b strings.Builder
	if lvl, _ := fields[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := fields[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(fields, zerolog.LevelFieldName)
	delete(fields, zerolog.MessageFieldName)
	delete(fields, zerolog.TimestampFieldName)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := relayMaxValue
		if k == "stack" {
			limit = relayMaxStack
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(fields[k]), limit))
	}
	return clip(b.String(), relayMaxText)
}

func clip(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	default:
		return s[:n-3] + "..."
	}
}
