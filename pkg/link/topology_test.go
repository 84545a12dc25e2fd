package link

import (
	"errors"
	"testing"

	"github.com/sipeed/partyline/pkg/config"
)

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func ep(platform, channel string) config.EndpointConfig {
	return config.EndpointConfig{Platform: platform, ChannelID: config.FlexibleString(channel), BotID: "bot"}
}

func TestResolve_DropsShortLinks(t *testing.T) {
	topo := Resolve([]config.LinkConfig{
		{ep("onebot", "1")},
		{},
		{ep("onebot", "2"), ep("discord", "3")},
	})

	if len(topo.Links) != 1 {
		t.Fatalf("links = %d, want 1", len(topo.Links))
	}
	if len(topo.Dropped) != 2 {
		t.Fatalf("dropped = %d, want 2: %v", len(topo.Dropped), topo.Dropped)
	}
	if _, ok := topo.Subscription(ChannelKey{Platform: PlatformOneBot, ChannelID: "1"}); ok {
		t.Fatal("single-endpoint link must not register a subscription")
	}
	if len(topo.Subscriptions) != 2 {
		t.Fatalf("subscriptions = %d, want 2", len(topo.Subscriptions))
	}
}

func TestResolve_InvalidEndpointCanShrinkLinkBelowTwo(t *testing.T) {
	topo := Resolve([]config.LinkConfig{
		{ep("onebot", "1"), ep("matrix", "2")},
	})

	if len(topo.Links) != 0 || len(topo.Subscriptions) != 0 {
		t.Fatalf("expected nothing resolved, got links=%v subs=%d", topo.Links, len(topo.Subscriptions))
	}
	var cfgErr *ConfigError
	if !errors.As(topo.Dropped[0], &cfgErr) || cfgErr.Endpoint != 1 {
		t.Fatalf("first drop = %v, want endpoint 1 error", topo.Dropped[0])
	}
}

func TestResolve_MergesPlatformDefaults(t *testing.T) {
	dc := ep("discord", "3")
	dc.WebhookID = "hook"
	dc.WebhookToken = "secret"
	tl := ep("telegram", "4")
	tl.MsgPrefix = strPtr("[TG]")
	tl.MentionOnly = boolPtr(true)

	topo := Resolve([]config.LinkConfig{{ep("onebot", "2"), dc, tl}})

	l := topo.Links[0]
	if l[0].MsgPrefix != "[QQ]" || !l[0].UsePrefix {
		t.Fatalf("onebot defaults = %+v", l[0])
	}
	if l[1].MsgPrefix != "[DC]" || l[1].UsePrefix {
		t.Fatalf("discord defaults = %+v", l[1])
	}
	if !l[1].HasIdentity() {
		t.Fatal("discord endpoint should have webhook identity")
	}
	if l[2].MsgPrefix != "[TG]" || !l[2].MentionOnly {
		t.Fatalf("telegram overrides = %+v", l[2])
	}

	wantPrefixes := []string{"[QQ]", "[DC]", "[TG]"}
	if len(topo.Prefixes) != len(wantPrefixes) {
		t.Fatalf("prefixes = %v, want %v", topo.Prefixes, wantPrefixes)
	}
	for i, p := range wantPrefixes {
		if topo.Prefixes[i] != p {
			t.Fatalf("prefixes = %v, want %v", topo.Prefixes, wantPrefixes)
		}
	}
	if !topo.IsSelf("hook") || topo.IsSelf("bot") || topo.IsSelf("") {
		t.Fatal("self denylist should contain exactly the webhook id")
	}
}

func TestResolve_DestinationsAndEvents(t *testing.T) {
	topo := Resolve([]config.LinkConfig{{ep("onebot", "1"), ep("discord", "2"), ep("telegram", "3")}})

	sub, ok := topo.Subscription(ChannelKey{Platform: PlatformOneBot, ChannelID: "1"})
	if !ok {
		t.Fatal("missing onebot subscription")
	}
	if len(sub.Destinations) != 2 {
		t.Fatalf("destinations = %d, want 2", len(sub.Destinations))
	}
	for _, d := range sub.Destinations {
		if d.Key() == sub.Source.Key() {
			t.Fatal("source must not be its own destination")
		}
	}
	if !sub.Events.Has(EventMessage | EventSelfMessage | EventDeleted) {
		t.Fatalf("onebot events = %b, want message, self and deleted", sub.Events)
	}

	tl, _ := topo.Subscription(ChannelKey{Platform: PlatformTelegram, ChannelID: "3"})
	if tl.Events.Has(EventDeleted) {
		t.Fatal("telegram reports no deletions, no deleted subscription expected")
	}
}

func TestResolve_ChannelInTwoLinksGetsUnionOfPeers(t *testing.T) {
	topo := Resolve([]config.LinkConfig{
		{ep("onebot", "1"), ep("discord", "2")},
		{ep("onebot", "1"), ep("telegram", "3")},
	})

	sub, _ := topo.Subscription(ChannelKey{Platform: PlatformOneBot, ChannelID: "1"})
	if len(sub.Destinations) != 2 {
		t.Fatalf("destinations = %+v, want discord and telegram", sub.Destinations)
	}
	if len(topo.Subscriptions) != 3 {
		t.Fatalf("subscriptions = %d, want 3", len(topo.Subscriptions))
	}
}

func TestResolve_RejectsHalfConfiguredWebhook(t *testing.T) {
	dc := ep("discord", "2")
	dc.WebhookID = "hook"

	topo := Resolve([]config.LinkConfig{{ep("onebot", "1"), dc, ep("telegram", "3")}})

	if len(topo.Links) != 1 || len(topo.Links[0]) != 2 {
		t.Fatalf("links = %v, want the discord endpoint dropped", topo.Links)
	}
	if topo.IsSelf("hook") {
		t.Fatal("dropped endpoint must not contribute to the self denylist")
	}
}

func TestTopology_HasRelayPrefix(t *testing.T) {
	topo := Resolve([]config.LinkConfig{{ep("onebot", "1"), ep("discord", "2")}})

	if !topo.HasRelayPrefix("[DC]Alice: hi") {
		t.Fatal("expected [DC] prefix to be recognised")
	}
	if topo.HasRelayPrefix("hello [DC]") {
		t.Fatal("prefix must only match at the start")
	}
}

func TestResolve_EmptyPrefixFallsBackToDefault(t *testing.T) {
	qq := ep("onebot", "1")
	qq.MsgPrefix = strPtr("")
	dc := ep("discord", "2")
	dc.MsgPrefix = strPtr("  ")

	topo := Resolve([]config.LinkConfig{{qq, dc}})

	if got := topo.Links[0][0].MsgPrefix; got != "[QQ]" {
		t.Fatalf("onebot prefix = %q, want [QQ]", got)
	}
	if got := topo.Links[0][1].MsgPrefix; got != "[DC]" {
		t.Fatalf("discord prefix = %q, want [DC]", got)
	}
	if !topo.HasRelayPrefix("[QQ]Alice (1)：\nhi") || !topo.HasRelayPrefix("[DC]bob (2)：\nhi") {
		t.Fatalf("prefixes = %v, relayed headers not recognised", topo.Prefixes)
	}
}
