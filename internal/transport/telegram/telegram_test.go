package telegram

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "blockplacer/internal/transport"
)

func TestSplitTextShortMessage(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2 (%q)", len(got), got)
	}
	if got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestSplitTextHardCut(t *testing.T) {
	t.Parallel()
	got := splitText(strings.Repeat("x", 25), 10)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	total := 0
	for _, c := range got {
		total += len(c)
	}
	if total != 25 {
		t.Fatalf("lost characters: %d", total)
	}
}

func TestResolveUsesMappingThenDefault(t *testing.T) {
	t.Parallel()
	s := &Sender{cfg: Config{Chats: map[string]int64{"alice": 11}, DefaultChatID: 99, ThreadID: 7}}

	if got := s.resolve(kit.Target{User: "alice"}); got.ChatID != 11 || got.ThreadID != 7 {
		t.Fatalf("alice resolved to %+v", got)
	}
	if got := s.resolve(kit.Target{User: "bob"}); got.ChatID != 99 {
		t.Fatalf("bob resolved to %+v", got)
	}
	if got := s.resolve(kit.Target{User: "carol", ChatID: 5}); got.ChatID != 5 {
		t.Fatalf("explicit chat overridden: %+v", got)
	}
}

func TestUserOfPrivateChatOnly(t *testing.T) {
	t.Parallel()
	s := &Sender{cfg: Config{Chats: map[string]int64{"alice": 11}}}

	private := &tele.Message{Chat: &tele.Chat{ID: 11, Type: tele.ChatPrivate}, Sender: &tele.User{ID: 5}}
	if got := s.userOf(private); got != "alice" {
		t.Fatalf("private chat user = %q", got)
	}
	group := &tele.Message{Chat: &tele.Chat{ID: 11, Type: tele.ChatGroup}, Sender: &tele.User{ID: 5}}
	if got := s.userOf(group); got != "tg:5" {
		t.Fatalf("group chat user = %q", got)
	}
	unknown := &tele.Message{Chat: &tele.Chat{ID: 12, Type: tele.ChatPrivate}, Sender: &tele.User{ID: 12}}
	if got := s.userOf(unknown); got != "tg:12" {
		t.Fatalf("unmapped chat user = %q", got)
	}
}
