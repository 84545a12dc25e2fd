package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/dto"
	"github.com/tencent-connect/botgo/event"
	"github.com/tencent-connect/botgo/openapi"
	"github.com/tencent-connect/botgo/token"
	"golang.org/x/oauth2"

	"github.com/sipeed/partyline/pkg/config"
	"github.com/sipeed/partyline/pkg/link"
	"github.com/sipeed/partyline/pkg/logger"
	"github.com/sipeed/partyline/pkg/message"
	"github.com/sipeed/partyline/pkg/relay"
)

// ErrQQBotRecall is returned by DeleteMessage: the official bot API cannot
// recall group messages.
var ErrQQBotRecall = errors.New("qqbot: message recall not supported")

// QQBotChannel speaks the official QQ bot API. Group bots may only reply
// passively, so every send answers the last message seen in that group.
type QQBotChannel struct {
	*BaseChannel
	config      config.QQBotConfig
	api         openapi.OpenAPI
	tokenSource oauth2.TokenSource
	ctx         context.Context
	cancel      context.CancelFunc

	replyMu sync.Mutex
	replyTo map[string]*passiveReply
}

type passiveReply struct {
	msgID string
	seq   uint32
}

func NewQQBotChannel(cfg config.QQBotConfig) (*QQBotChannel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("qqbot app_id and app_secret are required")
	}
	return &QQBotChannel{
		BaseChannel: NewBaseChannel("qqbot", link.PlatformQQBot, cfg.AppID),
		config:      cfg,
		replyTo:     make(map[string]*passiveReply),
	}, nil
}

func (c *QQBotChannel) Start(ctx context.Context) error {
	logger.InfoC("qqbot", "Starting QQ bot channel")

	c.tokenSource = token.NewQQBotTokenSource(&token.QQBotCredentials{
		AppID:     c.config.AppID,
		AppSecret: c.config.AppSecret,
	})
	c.ctx, c.cancel = context.WithCancel(ctx)
	if err := token.StartRefreshAccessToken(c.ctx, c.tokenSource); err != nil {
		return fmt.Errorf("failed to start token refresh: %w", err)
	}

	c.api = botgo.NewOpenAPI(c.config.AppID, c.tokenSource).WithTimeout(5 * time.Second)
	intent := event.RegisterHandlers(c.groupATMessageHandler())

	wsInfo, err := c.api.WS(c.ctx, nil, "")
	if err != nil {
		return fmt.Errorf("failed to get websocket info: %w", err)
	}

	go func() {
		if err := botgo.NewSessionManager().Start(wsInfo, c.tokenSource, &intent); err != nil {
			logger.ErrorCF("qqbot", "Session manager stopped", map[string]interface{}{
				"error": err.Error(),
			})
			c.setRunning(false)
		}
	}()

	c.setRunning(true)
	logger.InfoC("qqbot", "QQ bot channel started")
	return nil
}

func (c *QQBotChannel) Stop(ctx context.Context) error {
	logger.InfoC("qqbot", "Stopping QQ bot channel")
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *QQBotChannel) groupATMessageHandler() event.GroupATMessageEventHandler {
	return func(payload *dto.WSPayload, data *dto.WSGroupATMessageData) error {
		c.handleGroupMessage(c.ctx, data)
		return nil
	}
}

func (c *QQBotChannel) handleGroupMessage(ctx context.Context, data *dto.WSGroupATMessageData) {
	if data == nil || data.GroupID == "" {
		return
	}

	c.replyMu.Lock()
	c.replyTo[data.GroupID] = &passiveReply{msgID: data.ID}
	c.replyMu.Unlock()

	var author relay.Author
	if data.Author != nil {
		author = relay.Author{
			UserID:   data.Author.ID,
			Username: data.Author.Username,
			Kind:     relay.PrincipalUnknown,
		}
	}

	ts, err := time.Parse(time.RFC3339, string(data.Timestamp))
	if err != nil {
		ts = time.Now()
	}

	segs := []message.Segment{}
	if text := strings.TrimSpace(data.Content); text != "" {
		segs = append(segs, message.Text(text))
	}
	for _, a := range data.Attachments {
		if a != nil && a.URL != "" {
			segs = append(segs, message.Image(qqbotAttachmentURL(a.URL)))
		}
	}

	c.emitMessage(ctx, relay.MessageEvent{
		Kind:      link.EventMessage,
		ChannelID: data.GroupID,
		MessageID: data.ID,
		Content:   message.Join(segs),
		Author:    author,
		Timestamp: ts,
	})
}

func qqbotAttachmentURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return "https://" + u
}

// toQQBotContent flattens segments to plain text. Images go out as links
// since the group API needs a separate media upload for them.
func toQQBotContent(segs []message.Segment) string {
	var sb strings.Builder
	for _, seg := range segs {
		switch seg.Type {
		case message.SegmentText:
			sb.WriteString(seg.Text)
		case message.SegmentImage:
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(seg.URL)
		case message.SegmentMention:
			sb.WriteString("@" + message.MentionLabel(seg))
		case message.SegmentOther:
			sb.WriteString(message.PlainText([]message.Segment{seg}))
		}
	}
	return sb.String()
}

// nextReply returns the message to answer in groupID and bumps its
// sequence number.
func (c *QQBotChannel) nextReply(groupID string) (string, uint32, bool) {
	c.replyMu.Lock()
	defer c.replyMu.Unlock()
	r, ok := c.replyTo[groupID]
	if !ok {
		return "", 0, false
	}
	r.seq++
	return r.msgID, r.seq, true
}

func (c *QQBotChannel) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	if c.api == nil {
		return "", fmt.Errorf("qqbot not started")
	}
	msgID, seq, ok := c.nextReply(channelID)
	if !ok {
		return "", fmt.Errorf("qqbot: no message to reply to in group %s", channelID)
	}

	sent, err := c.api.PostGroupMessage(ctx, channelID, &dto.MessageToCreate{
		Content: toQQBotContent(message.Parse(content)),
		MsgID:   msgID,
		MsgSeq:  seq,
	})
	if err != nil {
		return "", fmt.Errorf("qqbot send: %w", err)
	}
	if sent == nil {
		return "", nil
	}
	return sent.ID, nil
}

func (c *QQBotChannel) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return ErrQQBotRecall
}
