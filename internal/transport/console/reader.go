package console

import (
	"bufio"
	"context"
	"io"
	"strings"

	kit "blockplacer/internal/transport"
)

// Reader turns "<user> <text>" lines into inbound messages, e.g.
// "alice /status". Lines without text are skipped.
type Reader struct {
	in io.Reader
}

func NewReader(in io.Reader) *Reader { return &Reader{in: in} }

// ParseLine splits a console line into a message.
func ParseLine(line string) (kit.Message, bool) {
	user, text, ok := strings.Cut(strings.TrimSpace(line), " ")
	text = strings.TrimSpace(text)
	if !ok || user == "" || text == "" {
		return kit.Message{}, false
	}
	return kit.Message{From: kit.Target{User: user}, Text: text}, true
}

// Listen reads until EOF or ctx ends. A blocked read is abandoned on cancel.
func (r *Reader) Listen(ctx context.Context, out chan<- kit.Message) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			msg, ok := ParseLine(line)
			if !ok {
				continue
			}
			select {
			case out <- msg:
			default:
			}
		}
	}
}
