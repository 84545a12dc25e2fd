package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipeed/partyline/pkg/link"
	"github.com/sipeed/partyline/pkg/message"
)

type sentMessage struct {
	ChannelID string
	Content   string
}

// Text renders the sent markup the way a user would read it.
func (m sentMessage) Text() string {
	return message.PlainText(message.Parse(m.Content))
}

func (m sentMessage) Segments() []message.Segment {
	return message.Parse(m.Content)
}

type fakeAdapter struct {
	platform link.Platform
	botID    string

	mu          sync.Mutex
	nextID      int
	sent        []sentMessage
	deleted     []string
	subs        map[string]link.EventKinds
	sendErr     error
	deleteErr   error
	noIDs       bool
	panicOnSend bool
}

func newFakeAdapter(p link.Platform, botID string) *fakeAdapter {
	return &fakeAdapter{platform: p, botID: botID, nextID: 100, subs: make(map[string]link.EventKinds)}
}

func (f *fakeAdapter) Platform() link.Platform { return f.platform }
func (f *fakeAdapter) BotID() string           { return f.botID }

func (f *fakeAdapter) Subscribe(channelID string, kinds link.EventKinds, _ EventSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[channelID] = kinds
}

func (f *fakeAdapter) SendMessage(_ context.Context, channelID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnSend {
		panic("adapter exploded")
	}
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{ChannelID: channelID, Content: content})
	if f.noIDs {
		return "", nil
	}
	f.nextID++
	return fmt.Sprintf("%d", f.nextID), nil
}

func (f *fakeAdapter) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, channelID+"/"+messageID)
	return nil
}

func (f *fakeAdapter) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeAdapter) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// fakeWebhookAdapter adds identity sends and message fetches.
type fakeWebhookAdapter struct {
	*fakeAdapter
	identity []IdentityMessage
	messages map[string]*FetchedMessage
}

func newFakeWebhookAdapter(p link.Platform, botID string) *fakeWebhookAdapter {
	return &fakeWebhookAdapter{fakeAdapter: newFakeAdapter(p, botID), messages: make(map[string]*FetchedMessage)}
}

func (f *fakeWebhookAdapter) SendAsIdentity(_ context.Context, channelID string, msg IdentityMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.identity = append(f.identity, msg)
	f.nextID++
	return fmt.Sprintf("w%d", f.nextID), nil
}

func (f *fakeWebhookAdapter) FetchMessage(_ context.Context, channelID, messageID string) (*FetchedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[channelID+"/"+messageID]
	if !ok {
		return nil, fmt.Errorf("message %s not found", messageID)
	}
	return msg, nil
}

func (f *fakeWebhookAdapter) Identity() []IdentityMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]IdentityMessage(nil), f.identity...)
}

type fakeRegistry map[string]Adapter

func newFakeRegistry(adapters ...Adapter) fakeRegistry {
	r := make(fakeRegistry)
	for _, a := range adapters {
		r[string(a.Platform())+"/"+a.BotID()] = a
	}
	return r
}

func (r fakeRegistry) Adapter(p link.Platform, botID string) (Adapter, bool) {
	a, ok := r[string(p)+"/"+botID]
	return a, ok
}
