package channels

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/partyline/pkg/config"
	"github.com/sipeed/partyline/pkg/link"
	"github.com/sipeed/partyline/pkg/message"
	"github.com/sipeed/partyline/pkg/relay"
)

func TestFromDiscordMessage(t *testing.T) {
	m := &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		Content:   "hi <@42> and <@!43>, ping <@&7> in <#99> [ok]",
		Mentions: []*discordgo.User{
			{ID: "42", Username: "bob"},
			{ID: "43", Username: "carol", GlobalName: "Carol"},
		},
		MessageReference: &discordgo.MessageReference{MessageID: "m0"},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn/x.png", ContentType: "image/png"},
			{URL: "https://cdn/y.zip", ContentType: "application/zip"},
		},
	}

	segs := fromDiscordMessage(m, nil)

	want := []message.Segment{
		message.Quote("m0"),
		message.Text("hi "),
		message.Mention("42", "bob"),
		message.Text(" and "),
		message.Mention("43", "Carol"),
		message.Text(", ping "),
		{Type: message.SegmentMention, Role: "7"},
		message.Text(" in "),
		message.Text("<#99>"),
		message.Text(" [ok]"),
		message.Image("https://cdn/x.png"),
		message.Text("\nhttps://cdn/y.zip"),
	}
	if len(segs) != len(want) {
		t.Fatalf("segments = %+v, want %+v", segs, want)
	}
	for i := range want {
		if segs[i] != want[i] {
			t.Fatalf("segs[%d] = %+v, want %+v", i, segs[i], want[i])
		}
	}

	// Through markup and back the text keeps its brackets.
	if got := message.PlainText(message.Parse(message.Join(segs))); got != "hi @bob and @Carol, ping @7 in <#99> [ok][图片]\nhttps://cdn/y.zip" {
		t.Fatalf("plain text = %q", got)
	}
}

func TestDiscordRoleMentionName(t *testing.T) {
	ch, err := NewDiscordChannel(config.DiscordConfig{Token: "test"})
	if err != nil {
		t.Fatalf("NewDiscordChannel() error = %v", err)
	}
	ch.ctx = context.Background()
	err = ch.session.State.GuildAdd(&discordgo.Guild{
		ID:       "g1",
		Roles:    []*discordgo.Role{{ID: "7", Name: "mods"}},
		Channels: []*discordgo.Channel{{ID: "c1", GuildID: "g1"}},
	})
	if err != nil {
		t.Fatalf("GuildAdd() error = %v", err)
	}
	sink := &recordingSink{}
	ch.Subscribe("c1", link.EventMessage, sink)

	ch.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m1", ChannelID: "c1", GuildID: "g1", Content: "ping <@&7> <@&8>",
		Author: &discordgo.User{ID: "u1", Username: "alice"},
	}})
	if len(sink.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(sink.messages))
	}
	segs := message.Parse(sink.messages[0].Content)
	if got := message.PlainText(segs); got != "ping @mods @8" {
		t.Fatalf("plain text = %q", got)
	}
	if content, _ := toDiscordContent(segs); content != "ping <@&7> <@&8>" {
		t.Fatalf("discord content = %q", content)
	}

	// Fetched messages have no guild id; the cached channel supplies it.
	fm := &discordgo.Message{ChannelID: "c1", Content: "<@&7>"}
	fetched := fromDiscordMessage(fm, ch.roleNames(fm))
	if len(fetched) != 1 || fetched[0].Name != "mods" || fetched[0].Role != "7" {
		t.Fatalf("fetched segments = %+v", fetched)
	}
}

func TestToDiscordContent(t *testing.T) {
	segs := message.Parse("[CQ:quote,id=555]&#91;QQ&#93;Alice (1)：\nhey [CQ:at,id=42] [CQ:at,role=7][CQ:at,name=Dan][CQ:image,url=https://x/y.png]")

	content, replyTo := toDiscordContent(segs)

	if replyTo != "555" {
		t.Fatalf("replyTo = %q, want 555", replyTo)
	}
	want := "[QQ]Alice (1)：\nhey <@42> <@&7>@Dan\nhttps://x/y.png"
	if content != want {
		t.Fatalf("content = %q, want %q", content, want)
	}
}

func TestDiscordAuthor(t *testing.T) {
	m := &discordgo.Message{
		Author: &discordgo.User{ID: "1", Username: "dan", GlobalName: "Dan", Discriminator: "0"},
		Member: &discordgo.Member{Nick: "Danny"},
	}
	a := discordAuthor(m)
	if a.Nickname != "Danny" || a.Username != "dan" || a.Kind != relay.PrincipalHuman {
		t.Fatalf("author = %+v", a)
	}
	if got := relay.SenderName(a); got != "Danny (1)" {
		t.Fatalf("sender name = %q", got)
	}

	m.WebhookID = "hook"
	if discordAuthor(m).Kind != relay.PrincipalBot {
		t.Fatal("webhook posts are not human")
	}
}

func TestDiscordHandleMessageCreate_SelfAndDelete(t *testing.T) {
	ch, err := NewDiscordChannel(config.DiscordConfig{Token: "test"})
	if err != nil {
		t.Fatalf("NewDiscordChannel() error = %v", err)
	}
	ch.ctx = context.Background()
	ch.setBotID("bot-1")
	sink := &recordingSink{}
	ch.Subscribe("c1", link.EventMessage|link.EventSelfMessage|link.EventDeleted, sink)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ch.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m1", ChannelID: "c1", Content: "hello", Timestamp: ts,
		Author: &discordgo.User{ID: "u1", Username: "alice"},
	}})
	ch.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m2", ChannelID: "c1", Content: "[QQ]relayed",
		Author: &discordgo.User{ID: "bot-1", Username: "partyline", Bot: true},
	}})
	ch.handleMessageDelete(nil, &discordgo.MessageDelete{Message: &discordgo.Message{ID: "m1", ChannelID: "c1"}})

	if len(sink.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(sink.messages))
	}
	if sink.messages[0].Kind != link.EventMessage || !sink.messages[0].Timestamp.Equal(ts) {
		t.Fatalf("first event = %+v", sink.messages[0])
	}
	if sink.messages[1].Kind != link.EventSelfMessage || sink.messages[1].Author.Kind != relay.PrincipalBot {
		t.Fatalf("second event = %+v", sink.messages[1])
	}
	if sink.messages[1].BotID != "bot-1" || sink.messages[1].Platform != link.PlatformDiscord {
		t.Fatalf("event identity = %s/%s", sink.messages[1].Platform, sink.messages[1].BotID)
	}
	if len(sink.deleted) != 1 || sink.deleted[0].MessageID != "m1" {
		t.Fatalf("deleted = %+v", sink.deleted)
	}
}
