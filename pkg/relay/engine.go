// Partyline - chat relay linking QQ, Discord and Telegram
// License: MIT
//
// Copyright (c) 2026 Partyline contributors

package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/uuid"

	"github.com/sipeed/partyline/pkg/link"
	"github.com/sipeed/partyline/pkg/logger"
	"github.com/sipeed/partyline/pkg/message"
	"github.com/sipeed/partyline/pkg/utils"
)

type Options struct {
	// DedupRedelivery skips events whose origin message is already in the
	// store. Off by default: a redelivered event is relayed again and takes
	// another recency slot.
	DedupRedelivery bool
}

// Engine reacts to adapter events: it filters, transforms and fans a message
// out to every destination of its source channel, commits what succeeded to
// the store and propagates deletions. It owns no goroutine of its own.
type Engine struct {
	topology *link.Topology
	store    *Store
	adapters Registry
	opts     Options

	disabled map[string]*regexp.Regexp
}

func NewEngine(topology *link.Topology, store *Store, adapters Registry, opts Options) *Engine {
	e := &Engine{
		topology: topology,
		store:    store,
		adapters: adapters,
		opts:     opts,
		disabled: make(map[string]*regexp.Regexp),
	}
	for _, sub := range topology.Subscriptions {
		for _, dst := range sub.Destinations {
			alias := dst.Platform.Traits().Alias
			if _, ok := e.disabled[alias]; !ok {
				e.disabled[alias] = disabledPattern(alias)
			}
		}
	}
	return e
}

func (e *Engine) Store() *Store { return e.store }

// Start subscribes every source channel on its adapter. Sources without an
// adapter are skipped; the number of them is returned as an error.
func (e *Engine) Start() error {
	missing := 0
	for _, sub := range e.topology.Subscriptions {
		adapter, ok := e.adapters.Adapter(sub.Source.Platform, sub.Source.BotID)
		if !ok {
			missing++
			logger.WarnCF("relay", "No adapter for source channel, not listening", map[string]interface{}{
				"channel": sub.Source.Key().String(),
				"bot_id":  sub.Source.BotID,
			})
			continue
		}
		adapter.Subscribe(sub.Source.ChannelID, sub.Events, e)
		logger.DebugCF("relay", "Subscribed", map[string]interface{}{
			"channel":      sub.Source.Key().String(),
			"destinations": len(sub.Destinations),
		})
	}
	if missing > 0 {
		return fmt.Errorf("%d source channel(s) have no adapter: %w", missing, ErrNoAdapter)
	}
	return nil
}

// HandleMessage relays one new or self-sent message. It returns once every
// destination has either succeeded or failed.
func (e *Engine) HandleMessage(ctx context.Context, evt MessageEvent) {
	sub, ok := e.topology.Subscription(evt.Channel())
	if !ok {
		return
	}
	fields := map[string]interface{}{
		"relay_id":   uuid.NewString(),
		"source":     evt.Channel().String(),
		"message_id": evt.MessageID,
		"author":     evt.Author.UserID,
	}

	segs := message.Parse(evt.Content)
	plain := message.PlainText(segs)
	origin := MessageKey{Channel: evt.Channel(), MessageID: evt.MessageID}

	switch {
	case e.topology.IsSelf(evt.Author.UserID):
		logger.DebugCF("relay", "Ignoring own echo", fields)
		return
	case evt.Author.Kind != PrincipalHuman && e.topology.HasRelayPrefix(plain):
		logger.DebugCF("relay", "Ignoring relayed text from non-human author", fields)
		return
	case sub.Source.MentionOnly && !message.Mentioned(segs, sub.Source.BotID):
		logger.DebugCF("relay", "Ignoring message without bot mention", fields)
		return
	case e.opts.DedupRedelivery && evt.MessageID != "" && e.store.Contains(origin):
		logger.DebugCF("relay", "Ignoring redelivered message", fields)
		return
	}

	logger.InfoCF("relay", "Relaying message", withField(fields, "preview", utils.Truncate(utils.OneLine(plain), 60)))

	results := make([]*RelayRecord, len(sub.Destinations))
	var wg sync.WaitGroup
	for i, dst := range sub.Destinations {
		if e.optedOut(plain, dst) {
			logger.DebugCF("relay", "Message opted out of destination", withField(fields, "dest", dst.Key().String()))
			continue
		}
		wg.Add(1)
		go func(i int, dst link.Endpoint) {
			defer wg.Done()
			dstFields := withField(fields, "dest", dst.Key().String())
			rec, err := e.relayTo(ctx, evt, segs, sub.Source, dst, dstFields)
			if err != nil {
				if errors.Is(err, ErrNothingToSend) {
					logger.DebugCF("relay", "Nothing to send", dstFields)
					return
				}
				logger.WarnCF("relay", "Relay failed", withField(dstFields, "error", err.Error()))
				return
			}
			results[i] = rec
		}(i, dst)
	}
	wg.Wait()

	records := make([]RelayRecord, 0, len(results))
	for _, r := range results {
		if r != nil {
			records = append(records, *r)
		}
	}

	if evt.MessageID == "" {
		logger.DebugCF("relay", "Source message has no id, not recorded", fields)
		return
	}
	e.store.Push(origin, records)
	logger.DebugCF("relay", "Relay committed", withField(fields, "copies", len(records)))
}

func (e *Engine) optedOut(plain string, dst link.Endpoint) bool {
	re, ok := e.disabled[dst.Platform.Traits().Alias]
	if !ok {
		re = disabledPattern(dst.Platform.Traits().Alias)
	}
	return re.MatchString(plain)
}

func (e *Engine) relayTo(ctx context.Context, evt MessageEvent, segs []message.Segment, src, dst link.Endpoint, fields map[string]interface{}) (rec *RelayRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SendError{Destination: dst.Key(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	adapter, ok := e.adapters.Adapter(dst.Platform, dst.BotID)
	if !ok {
		return nil, &SendError{Destination: dst.Key(), Err: ErrNoAdapter}
	}

	out, err := e.transform(evt, segs, src, dst, fields)
	if err != nil {
		return nil, err
	}

	var id string
	if dst.HasIdentity() {
		id, err = e.sendAsIdentity(ctx, adapter, src, dst, out)
	} else {
		id, err = adapter.SendMessage(ctx, dst.ChannelID, out.Content)
	}
	if err != nil {
		return nil, &SendError{Destination: dst.Key(), Err: err}
	}
	if id == "" {
		logger.WarnCF("relay", "Destination returned no message id, copy cannot be referenced", fields)
		return nil, nil
	}
	return &RelayRecord{Channel: dst.Key(), BotID: dst.BotID, MessageID: id}, nil
}

func (e *Engine) sendAsIdentity(ctx context.Context, adapter Adapter, src, dst link.Endpoint, out *outbound) (string, error) {
	sender, ok := adapter.(IdentitySender)
	if !ok {
		return "", ErrIdentityUnsupported
	}

	content := out.Body
	if out.SourceQuoteID != "" {
		content = message.Escape(e.quotePreview(ctx, src, out.SourceQuoteID)) + content
	}
	return sender.SendAsIdentity(ctx, dst.ChannelID, IdentityMessage{
		WebhookID:    dst.WebhookID,
		WebhookToken: dst.WebhookToken,
		Content:      content,
		DisplayName:  out.DisplayName,
		AvatarURL:    out.AvatarURL,
		ReplyURL:     jumpURL(dst, out.QuoteID),
	})
}

// HandleDeleted deletes every known copy of a deleted message. Failures are
// logged and not retried; the store entry stays for quote resolution.
func (e *Engine) HandleDeleted(ctx context.Context, evt DeleteEvent) {
	if _, ok := e.topology.Subscription(evt.Channel()); !ok {
		return
	}
	origin := MessageKey{Channel: evt.Channel(), MessageID: evt.MessageID}
	fields := map[string]interface{}{
		"relay_id":   uuid.NewString(),
		"source":     origin.Channel.String(),
		"message_id": evt.MessageID,
	}

	records, ok := e.store.Get(origin)
	if !ok {
		logger.DebugCF("relay", "Deleted message has no known copies", fields)
		return
	}

	for _, r := range records {
		if err := e.deleteCopy(ctx, r); err != nil {
			logger.WarnCF("relay", "Delete propagation failed", withField(fields, "error", err.Error()))
			continue
		}
		logger.InfoCF("relay", "Deleted relayed copy", withField(fields, "dest", r.Channel.String()))
	}
}

func (e *Engine) deleteCopy(ctx context.Context, r RelayRecord) error {
	adapter, ok := e.adapters.Adapter(r.Channel.Platform, r.BotID)
	if !ok {
		return &DeleteError{Destination: r.Channel, MessageID: r.MessageID, Err: ErrNoAdapter}
	}
	if err := adapter.DeleteMessage(ctx, r.Channel.ChannelID, r.MessageID); err != nil {
		return &DeleteError{Destination: r.Channel, MessageID: r.MessageID, Err: err}
	}
	return nil
}
