package link

import (
	"fmt"
	"strings"

	"github.com/sipeed/partyline/pkg/config"
	"github.com/sipeed/partyline/pkg/logger"
)

// ChannelKey identifies a channel across platforms ("platform:channelId").
type ChannelKey struct {
	Platform  Platform
	ChannelID string
}

func (k ChannelKey) String() string {
	return string(k.Platform) + ":" + k.ChannelID
}

// Endpoint is a fully resolved channel participating in a link.
type Endpoint struct {
	Platform     Platform
	ChannelID    string
	BotID        string
	MentionOnly  bool
	UsePrefix    bool
	MsgPrefix    string
	GuildID      string
	WebhookID    string
	WebhookToken string
}

func (e Endpoint) Key() ChannelKey {
	return ChannelKey{Platform: e.Platform, ChannelID: e.ChannelID}
}

// HasIdentity reports whether the endpoint can post under a per-message
// sender identity (webhook credentials are configured).
func (e Endpoint) HasIdentity() bool {
	return e.WebhookID != "" && e.WebhookToken != ""
}

type Link []Endpoint

func (l Link) String() string {
	parts := make([]string, 0, len(l))
	for _, ep := range l {
		parts = append(parts, ep.Key().String())
	}
	return strings.Join(parts, " ⇿ ")
}

// EventKinds is a bit set of the events a subscription listens to.
type EventKinds uint8

const (
	EventMessage EventKinds = 1 << iota
	EventSelfMessage
	EventDeleted
)

func (k EventKinds) Has(other EventKinds) bool { return k&other == other }

// Subscription is what one source channel listens to and where its messages
// go. A channel that appears in several links gets a single subscription
// whose destinations are the union of its peers.
type Subscription struct {
	Source       Endpoint
	Destinations []Endpoint
	Events       EventKinds
}

// ConfigError describes a link or endpoint dropped while resolving.
type ConfigError struct {
	Link     int
	Endpoint int
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Endpoint < 0 {
		return fmt.Sprintf("link %d: %s", e.Link, e.Reason)
	}
	return fmt.Sprintf("link %d endpoint %d: %s", e.Link, e.Endpoint, e.Reason)
}

type Topology struct {
	Links         []Link
	Subscriptions []*Subscription
	// Prefixes holds every configured message prefix, used to recognise
	// relayed text coming back around.
	Prefixes []string
	// Dropped lists everything Resolve discarded.
	Dropped []*ConfigError

	selfIDs  map[string]struct{}
	bySource map[ChannelKey]*Subscription
}

// Resolve validates the configured links, merges per-platform defaults into
// every endpoint and derives subscriptions, the prefix list and the
// self-identity denylist. Invalid entries are dropped and reported in
// Dropped; Resolve itself never fails.
func Resolve(raw []config.LinkConfig) *Topology {
	t := &Topology{
		selfIDs:  make(map[string]struct{}),
		bySource: make(map[ChannelKey]*Subscription),
	}

	for li, rawLink := range raw {
		resolved := make(Link, 0, len(rawLink))
		seen := make(map[ChannelKey]bool, len(rawLink))

		for ei, rawEp := range rawLink {
			ep, err := resolveEndpoint(rawEp)
			if err != nil {
				t.drop(&ConfigError{Link: li, Endpoint: ei, Reason: err.Error()})
				continue
			}
			if seen[ep.Key()] {
				t.drop(&ConfigError{Link: li, Endpoint: ei, Reason: "duplicate channel " + ep.Key().String()})
				continue
			}
			seen[ep.Key()] = true
			resolved = append(resolved, ep)
		}

		if len(resolved) < 2 {
			t.drop(&ConfigError{Link: li, Endpoint: -1, Reason: fmt.Sprintf("needs at least 2 endpoints, has %d", len(resolved))})
			continue
		}
		t.Links = append(t.Links, resolved)
	}

	for _, l := range t.Links {
		for i, src := range l {
			if src.MsgPrefix != "" {
				t.Prefixes = appendUnique(t.Prefixes, src.MsgPrefix)
			}
			if src.WebhookID != "" {
				t.selfIDs[src.WebhookID] = struct{}{}
			}

			sub, ok := t.bySource[src.Key()]
			if !ok {
				sub = &Subscription{Source: src, Events: EventMessage | EventSelfMessage}
				if src.Platform.Traits().DeletionEvents {
					sub.Events |= EventDeleted
				}
				t.bySource[src.Key()] = sub
				t.Subscriptions = append(t.Subscriptions, sub)
			} else if sub.Source != src {
				logger.WarnCF("link", "Channel configured differently in several links, using the first", map[string]interface{}{
					"channel": src.Key().String(),
				})
			}

			for j, dst := range l {
				if i == j || containsEndpoint(sub.Destinations, dst.Key()) {
					continue
				}
				sub.Destinations = append(sub.Destinations, dst)
			}
		}
		logger.InfoCF("link", "Link established", map[string]interface{}{
			"link": l.String(),
		})
	}

	return t
}

func (t *Topology) drop(err *ConfigError) {
	t.Dropped = append(t.Dropped, err)
	logger.WarnCF("link", "Dropped invalid link configuration", map[string]interface{}{
		"error": err.Error(),
	})
}

// Subscription returns the subscription whose source is key.
func (t *Topology) Subscription(key ChannelKey) (*Subscription, bool) {
	sub, ok := t.bySource[key]
	return sub, ok
}

// IsSelf reports whether userID is an identity the relay itself posts as.
func (t *Topology) IsSelf(userID string) bool {
	if userID == "" {
		return false
	}
	_, ok := t.selfIDs[userID]
	return ok
}

// HasRelayPrefix reports whether content starts with any configured prefix.
func (t *Topology) HasRelayPrefix(content string) bool {
	for _, p := range t.Prefixes {
		if strings.HasPrefix(content, p) {
			return true
		}
	}
	return false
}

func resolveEndpoint(raw config.EndpointConfig) (Endpoint, error) {
	platform := Platform(strings.ToLower(strings.TrimSpace(raw.Platform)))
	tr, ok := TraitsOf(platform)
	if !ok {
		return Endpoint{}, fmt.Errorf("unknown platform %q", raw.Platform)
	}
	channelID := strings.TrimSpace(raw.ChannelID.String())
	if channelID == "" {
		return Endpoint{}, fmt.Errorf("missing channel_id")
	}
	if (raw.WebhookID == "") != (raw.WebhookToken == "") {
		return Endpoint{}, fmt.Errorf("webhook_id and webhook_token must be set together")
	}

	ep := Endpoint{
		Platform:     platform,
		ChannelID:    channelID,
		BotID:        strings.TrimSpace(raw.BotID.String()),
		MentionOnly:  false,
		UsePrefix:    tr.DefaultUsePrefix,
		MsgPrefix:    tr.DefaultPrefix,
		GuildID:      raw.GuildID,
		WebhookID:    raw.WebhookID,
		WebhookToken: raw.WebhookToken,
	}
	if raw.MentionOnly != nil {
		ep.MentionOnly = *raw.MentionOnly
	}
	if raw.UsePrefix != nil {
		ep.UsePrefix = *raw.UsePrefix
	}
	// An empty prefix falls back to the default: loop suppression needs
	// every relayed header to start with a known prefix.
	if raw.MsgPrefix != nil && strings.TrimSpace(*raw.MsgPrefix) != "" {
		ep.MsgPrefix = *raw.MsgPrefix
	}
	return ep, nil
}

func containsEndpoint(eps []Endpoint, key ChannelKey) bool {
	for _, ep := range eps {
		if ep.Key() == key {
			return true
		}
	}
	return false
}

func appendUnique(items []string, v string) []string {
	for _, item := range items {
		if item == v {
			return items
		}
	}
	return append(items, v)
}
