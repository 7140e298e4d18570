package telegram

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "blockplacer/internal/runtime/supervisor"
	kit "blockplacer/internal/transport"
	logx "blockplacer/pkg/logx"
)

// Listen long-polls Telegram and forwards text messages to out until ctx
// ends. Only one Listen may run per Sender.
func (s *Sender) Listen(ctx context.Context, out chan<- kit.Message) error {
	var dropped atomic.Uint64
	s.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		msg := kit.Message{
			From: kit.Target{
				User:     s.userOf(m),
				ChatID:   m.Chat.ID,
				ThreadID: m.ThreadID,
			},
			Text: m.Text,
		}
		select {
		case out <- msg:
		default:
			dropped.Add(1)
		}
		return nil
	})

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "telegram.inbound"))),
		rtsup.WithCancelOnError(false),
	)
	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		report := func() {
			if n := dropped.Swap(0); n > 0 {
				s.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-t.C:
				report()
			}
		}
	})
	// bot.Stop blocks unless Start is running, so track it.
	var (
		runMu   sync.Mutex
		running bool
		stopped bool
	)
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		runMu.Lock()
		stopped = true
		run := running
		runMu.Unlock()
		if run {
			go s.bot.Stop()
		}
	})
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		runMu.Lock()
		if stopped {
			runMu.Unlock()
			return nil
		}
		running = true
		runMu.Unlock()

		s.log.Info("polling started")
		s.bot.Start()
		s.log.Info("polling stopped")

		runMu.Lock()
		running = false
		runMu.Unlock()
		if c.Err() != nil {
			return nil
		}
		return errPollExited
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	<-sup.Context().Done()
	wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		s.log.Warn("telegram listener stop timed out", logx.Err(err))
	}
	return nil
}

// userOf maps a private chat back to its placer user. Messages from other
// chats are attributed to the Telegram account as "tg:<id>".
func (s *Sender) userOf(m *tele.Message) string {
	if m.Chat.Type == tele.ChatPrivate {
		s.mu.RLock()
		for user, id := range s.cfg.Chats {
			if id == m.Chat.ID {
				s.mu.RUnlock()
				return user
			}
		}
		s.mu.RUnlock()
	}
	if m.Sender != nil {
		return "tg:" + strconv.FormatInt(m.Sender.ID, 10)
	}
	return "tg:" + strconv.FormatInt(m.Chat.ID, 10)
}
