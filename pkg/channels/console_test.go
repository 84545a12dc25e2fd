package channels

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/sipeed/partyline/pkg/config"
	"github.com/sipeed/partyline/pkg/link"
	"github.com/sipeed/partyline/pkg/relay"
)

func newTestConsole(out *bytes.Buffer) (*ConsoleChannel, *recordingSink) {
	ch := NewConsoleChannelWithOptions(ConsoleOptions{ChannelID: "term", UserName: "ops", Out: out})
	sink := &recordingSink{}
	ch.Subscribe("term", link.EventMessage|link.EventDeleted, sink)
	return ch, sink
}

func TestConsoleHandleLine(t *testing.T) {
	var out bytes.Buffer
	ch, sink := newTestConsole(&out)
	ctx := context.Background()

	ch.HandleLine(ctx, "   ")
	ch.HandleLine(ctx, "hello [all]")
	ch.HandleLine(ctx, "/reply 1 me too")
	ch.HandleLine(ctx, "/del 1")

	if len(sink.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(sink.messages))
	}
	first := sink.messages[0]
	if first.MessageID != "1" || first.Content != "hello &#91;all&#93;" || first.Author.Kind != relay.PrincipalHuman {
		t.Fatalf("first = %+v", first)
	}
	if first.Author.Username != "ops" || first.Platform != link.PlatformConsole || first.BotID != "console" {
		t.Fatalf("first identity = %+v", first)
	}
	if got := sink.messages[1].Content; got != "[CQ:quote,id=1]me too" {
		t.Fatalf("reply content = %q", got)
	}
	if len(sink.deleted) != 1 || sink.deleted[0].MessageID != "1" || sink.deleted[0].ChannelID != "term" {
		t.Fatalf("deleted = %+v", sink.deleted)
	}
	if !strings.Contains(out.String(), "(#1)") || !strings.Contains(out.String(), "(#2)") {
		t.Fatalf("output missing ids: %q", out.String())
	}
}

func TestConsoleSendAndDelete(t *testing.T) {
	var out bytes.Buffer
	ch, _ := newTestConsole(&out)
	ctx := context.Background()

	id, err := ch.SendMessage(ctx, "term", "[CQ:quote,id=4]&#91;QQ&#93;Alice (1)：\nhi [CQ:at,name=Bob][CQ:image,url=https://x/p.png]")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if id != "1" {
		t.Fatalf("id = %q, want 1", id)
	}
	want := "#1 [reply #4] [QQ]Alice (1)：\nhi @Bob[image https://x/p.png]\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}

	if err := ch.DeleteMessage(ctx, "term", "1"); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}
	if !strings.HasSuffix(out.String(), "#1 deleted\n") {
		t.Fatalf("output = %q", out.String())
	}

	if _, err := ch.SendMessage(ctx, "other", "x"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestConsoleUnlinked(t *testing.T) {
	var out bytes.Buffer
	ch := NewConsoleChannelWithOptions(ConsoleOptions{Out: &out})
	ch.HandleLine(context.Background(), "anyone?")
	if !strings.Contains(out.String(), "console is not linked") {
		t.Fatalf("output = %q", out.String())
	}

	fromConfig := NewConsoleChannel(config.ConsoleConfig{})
	if fromConfig.config.ChannelID != "console" || fromConfig.config.UserName != "console" {
		t.Fatalf("defaults = %+v", fromConfig.config)
	}
}
