package channels

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sipeed/partyline/pkg/link"
	"github.com/sipeed/partyline/pkg/relay"
)

// Channel is one platform connection managed by the Manager.
type Channel interface {
	relay.Adapter
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

type subscription struct {
	kinds link.EventKinds
	sink  relay.EventSink
}

// BaseChannel holds what every adapter shares: identity, the running flag
// and the per-channel event subscriptions.
type BaseChannel struct {
	name     string
	platform link.Platform
	running  atomic.Bool

	mu    sync.RWMutex
	botID string
	subs  map[string]subscription
}

func NewBaseChannel(name string, platform link.Platform, botID string) *BaseChannel {
	return &BaseChannel{
		name:     name,
		platform: platform,
		botID:    botID,
		subs:     make(map[string]subscription),
	}
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) Platform() link.Platform { return c.platform }

func (c *BaseChannel) BotID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botID
}

// setBotID records the account id once the platform tells us who we are.
func (c *BaseChannel) setBotID(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.botID = id
	c.mu.Unlock()
}

func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) setRunning(running bool) { c.running.Store(running) }

func (c *BaseChannel) Subscribe(channelID string, kinds link.EventKinds, sink relay.EventSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[channelID] = subscription{kinds: kinds, sink: sink}
}

func (c *BaseChannel) subscriptionFor(channelID string, kind link.EventKinds) (relay.EventSink, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sub, ok := c.subs[channelID]
	if !ok || !sub.kinds.Has(kind) {
		return nil, false
	}
	return sub.sink, true
}

// emitMessage hands evt to the sink subscribed for its channel, if any.
func (c *BaseChannel) emitMessage(ctx context.Context, evt relay.MessageEvent) bool {
	sink, ok := c.subscriptionFor(evt.ChannelID, evt.Kind)
	if !ok {
		return false
	}
	evt.Platform = c.platform
	evt.BotID = c.BotID()
	sink.HandleMessage(ctx, evt)
	return true
}

func (c *BaseChannel) emitDeleted(ctx context.Context, evt relay.DeleteEvent) bool {
	sink, ok := c.subscriptionFor(evt.ChannelID, link.EventDeleted)
	if !ok {
		return false
	}
	evt.Platform = c.platform
	evt.BotID = c.BotID()
	sink.HandleDeleted(ctx, evt)
	return true
}
