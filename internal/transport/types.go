package transport

import "context"

// Target addresses one recipient.
//
// User is the placer user id. Adapters that need a concrete chat resolve it
// from their own mapping when ChatID is zero.
type Target struct {
	User     string
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

func (t Target) IsZero() bool { return t.User == "" && t.ChatID == 0 }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Channel  string // "console", "telegram"
	Priority int    // 0 low.. 10 high
	Target   Target
	Text     string
	Options  *SendOptions
}

// Sender delivers text to a single target.
type Sender interface {
	SendText(ctx context.Context, to Target, text string, opt *SendOptions) error
}

// Named is implemented by senders that want to label notifications with a channel.
type Named interface {
	Channel() string
}

// ChannelOf returns the channel label for s, or "unknown".
func ChannelOf(s Sender) string {
	if n, ok := s.(Named); ok {
		return n.Channel()
	}
	return "unknown"
}

// Message is one inbound line of text. From is where replies go.
type Message struct {
	From Target
	Text string
}

// Listener is implemented by transports that accept inbound messages.
// Listen blocks until ctx ends; messages that do not fit in out are dropped.
type Listener interface {
	Listen(ctx context.Context, out chan<- Message) error
}
