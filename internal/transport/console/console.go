package console

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	kit "blockplacer/internal/transport"
)

// Sender writes messages as plain lines. It is the default transport and the
// one used by the simulate command.
type Sender struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func New(out io.Writer) *Sender {
	return &Sender{out: out, now: time.Now}
}

func (s *Sender) Channel() string { return "console" }

func (s *Sender) SendText(ctx context.Context, to kit.Target, text string, opt *kit.SendOptions) error {
	_ = opt
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if s == nil || s.out == nil {
		return nil
	}
	who := strings.TrimSpace(to.User)
	if who == "" {
		who = fmt.Sprintf("chat:%d", to.ChatID)
	}
	line := fmt.Sprintf("%s [%s] %s\n", s.now().Format("15:04:05"), who, strings.TrimRight(text, "\n"))

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.out, line)
	return err
}
