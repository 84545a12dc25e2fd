package relay

import (
	"context"
	"time"

	"github.com/sipeed/partyline/pkg/link"
)

// PrincipalKind tells humans apart from automated accounts. Anything the
// adapter cannot classify is PrincipalUnknown and is treated as non-human.
type PrincipalKind int

const (
	PrincipalUnknown PrincipalKind = iota
	PrincipalHuman
	PrincipalBot
)

func (k PrincipalKind) String() string {
	switch k {
	case PrincipalHuman:
		return "human"
	case PrincipalBot:
		return "bot"
	default:
		return "unknown"
	}
}

type Author struct {
	UserID        string
	Username      string
	Nickname      string
	Discriminator string
	AvatarURL     string
	Kind          PrincipalKind
}

// MessageEvent is a new or self-sent message on a subscribed channel.
// Content is in canonical markup (see pkg/message).
type MessageEvent struct {
	Kind      link.EventKinds
	Platform  link.Platform
	BotID     string
	ChannelID string
	MessageID string
	Content   string
	Author    Author
	Timestamp time.Time
}

func (e MessageEvent) Channel() link.ChannelKey {
	return link.ChannelKey{Platform: e.Platform, ChannelID: e.ChannelID}
}

type DeleteEvent struct {
	Platform  link.Platform
	BotID     string
	ChannelID string
	MessageID string
}

func (e DeleteEvent) Channel() link.ChannelKey {
	return link.ChannelKey{Platform: e.Platform, ChannelID: e.ChannelID}
}

// EventSink receives the events an adapter was subscribed for.
type EventSink interface {
	HandleMessage(ctx context.Context, evt MessageEvent)
	HandleDeleted(ctx context.Context, evt DeleteEvent)
}

// Adapter is one platform connection. Implementations own authentication,
// reconnects and rate limits; the engine only sends, deletes and listens.
type Adapter interface {
	Platform() link.Platform
	BotID() string
	Subscribe(channelID string, kinds link.EventKinds, sink EventSink)
	SendMessage(ctx context.Context, channelID, content string) (string, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// IdentityMessage is a post made under a per-message sender identity.
type IdentityMessage struct {
	WebhookID    string
	WebhookToken string
	Content      string
	DisplayName  string
	AvatarURL    string
	// ReplyURL links the message being replied to, if any.
	ReplyURL string
}

// IdentitySender is implemented by adapters that can post as someone other
// than the bot account (Discord webhooks).
type IdentitySender interface {
	SendAsIdentity(ctx context.Context, channelID string, msg IdentityMessage) (string, error)
}

type FetchedMessage struct {
	Author    Author
	Content   string
	Timestamp time.Time
}

// MessageFetcher is implemented by adapters that can look a message up by id.
type MessageFetcher interface {
	FetchMessage(ctx context.Context, channelID, messageID string) (*FetchedMessage, error)
}

// Registry selects the adapter serving a (platform, bot id) pair.
type Registry interface {
	Adapter(platform link.Platform, botID string) (Adapter, bool)
}
