package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "blockplacer/internal/transport"
	logx "blockplacer/pkg/logx"
)

var ErrNoChat = errors.New("telegram: no chat mapped for user")

const pollTimeout = 10 * time.Second

var errPollExited = errors.New("telegram: poll loop exited")

// Config configures the Telegram transport.
//
// Chats maps placer user ids to Telegram chat ids. Users without a mapping
// fall back to DefaultChatID (0 drops the message with ErrNoChat).
type Config struct {
	Token         string
	Chats         map[string]int64
	DefaultChatID int64
	ThreadID      int
}

type Sender struct {
	log logx.Logger
	bot *tele.Bot

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: pollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{log: log, bot: b, cfg: cfg}, nil
}

func (s *Sender) Channel() string { return "telegram" }

// Apply swaps the chat mapping. The token is fixed for the life of the bot.
func (s *Sender) Apply(cfg Config) {
	s.mu.Lock()
	cfg.Token = s.cfg.Token
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Sender) resolve(to kit.Target) kit.Target {
	if to.ChatID != 0 {
		return to
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.cfg.Chats[to.User]; ok {
		to.ChatID = id
	} else {
		to.ChatID = s.cfg.DefaultChatID
	}
	if to.ThreadID == 0 {
		to.ThreadID = s.cfg.ThreadID
	}
	return to
}

func (s *Sender) SendText(ctx context.Context, to kit.Target, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	to = s.resolve(to)
	if to.ChatID == 0 {
		return fmt.Errorf("%w: %q", ErrNoChat, to.User)
	}

	// Status lines are prefixed with the user when they land in a shared chat.
	if to.User != "" {
		s.mu.RLock()
		_, direct := s.cfg.Chats[to.User]
		s.mu.RUnlock()
		if !direct {
			text = to.User + ": " + text
		}
	}

	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitText(text, textLimit) {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if _, err := s.bot.Send(chat, chunk, sendOpt); err != nil {
			s.log.Debug("telegram send failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
			return err
		}
	}
	return nil
}

const textLimit = 4000

// splitText splits long messages into chunks Telegram accepts, preferring
// newline boundaries near the end of each window.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
