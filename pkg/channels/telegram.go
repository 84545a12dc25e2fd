package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/sipeed/partyline/pkg/config"
	"github.com/sipeed/partyline/pkg/link"
	"github.com/sipeed/partyline/pkg/logger"
	"github.com/sipeed/partyline/pkg/message"
	"github.com/sipeed/partyline/pkg/relay"
)

const telegramCaptionLimit = 1024

type TelegramChannel struct {
	*BaseChannel
	config      config.TelegramConfig
	apiEndpoint string
	bot         *tgbotapi.BotAPI
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewTelegramChannel(cfg config.TelegramConfig) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token not configured")
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", link.PlatformTelegram, ""),
		config:      cfg,
		apiEndpoint: tgbotapi.APIEndpoint,
	}, nil
}

func (c *TelegramChannel) newBot() (*tgbotapi.BotAPI, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	if c.config.Proxy != "" {
		proxyURL, err := url.Parse(c.config.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram proxy %q: %w", c.config.Proxy, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(c.config.Token, c.apiEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	c.bot = bot
	c.setBotID(strconv.FormatInt(bot.Self.ID, 10))
	return bot, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram channel")

	bot, err := c.newBot()
	if err != nil {
		return err
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				c.handleUpdate(c.ctx, update)
			}
		}
	}()

	c.setRunning(true)
	logger.InfoCF("telegram", "Telegram bot connected", map[string]interface{}{
		"username": bot.Self.UserName,
	})
	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram channel")
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	return nil
}

func (c *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	m := update.Message
	if m == nil {
		m = update.ChannelPost
	}
	if m == nil || m.Chat == nil {
		return
	}

	evt := relay.MessageEvent{
		Kind:      link.EventMessage,
		ChannelID: strconv.FormatInt(m.Chat.ID, 10),
		MessageID: strconv.Itoa(m.MessageID),
		Content:   message.Join(fromTelegramMessage(m)),
		Author:    telegramAuthor(m.From),
		Timestamp: time.Unix(int64(m.Date), 0),
	}
	if !c.emitMessage(ctx, evt) {
		logger.DebugCF("telegram", "Message on unlinked chat", map[string]interface{}{
			"chat_id": evt.ChannelID,
		})
	}
}

func telegramAuthor(u *tgbotapi.User) relay.Author {
	if u == nil {
		return relay.Author{}
	}
	kind := relay.PrincipalHuman
	if u.IsBot {
		kind = relay.PrincipalBot
	}
	nickname := strings.TrimSpace(u.FirstName + " " + u.LastName)
	return relay.Author{
		UserID:   strconv.FormatInt(u.ID, 10),
		Username: u.UserName,
		Nickname: nickname,
		Kind:     kind,
	}
}

func fromTelegramMessage(m *tgbotapi.Message) []message.Segment {
	segs := make([]message.Segment, 0, 4)
	if m.ReplyToMessage != nil {
		segs = append(segs, message.Quote(strconv.Itoa(m.ReplyToMessage.MessageID)))
	}

	text, entities := m.Text, m.Entities
	if text == "" {
		text, entities = m.Caption, m.CaptionEntities
	}
	segs = append(segs, telegramTextSegments(text, entities)...)

	// Bot API file URLs embed the bot token, so photos travel as a
	// placeholder instead of a link.
	if len(m.Photo) > 0 {
		segs = append(segs, message.Text(message.ImagePlaceholder))
	}
	return segs
}

// telegramTextSegments splits text at text_mention entities. Entity offsets
// count UTF-16 code units.
func telegramTextSegments(text string, entities []tgbotapi.MessageEntity) []message.Segment {
	if text == "" {
		return nil
	}
	units := utf16.Encode([]rune(text))
	segs := make([]message.Segment, 0, 1+2*len(entities))
	cursor := 0

	for _, e := range entities {
		if e.Type != "text_mention" || e.User == nil {
			continue
		}
		start, end := e.Offset, e.Offset+e.Length
		if start < cursor || end > len(units) {
			continue
		}
		if start > cursor {
			segs = append(segs, message.Text(string(utf16.Decode(units[cursor:start]))))
		}
		name := string(utf16.Decode(units[start:end]))
		segs = append(segs, message.Mention(strconv.FormatInt(e.User.ID, 10), name))
		cursor = end
	}
	if cursor < len(units) {
		segs = append(segs, message.Text(string(utf16.Decode(units[cursor:]))))
	}
	return segs
}

type telegramOutbound struct {
	Text    string
	Images  []string
	ReplyTo int
}

func toTelegramOutbound(segs []message.Segment) telegramOutbound {
	var out telegramOutbound
	var sb strings.Builder
	for _, seg := range segs {
		switch seg.Type {
		case message.SegmentText:
			sb.WriteString(seg.Text)
		case message.SegmentImage:
			out.Images = append(out.Images, seg.URL)
		case message.SegmentMention:
			sb.WriteString("@" + message.MentionLabel(seg))
		case message.SegmentQuote:
			if out.ReplyTo == 0 {
				out.ReplyTo, _ = strconv.Atoi(seg.QuoteID)
			}
		case message.SegmentOther:
			sb.WriteString(message.PlainText([]message.Segment{seg}))
		}
	}
	out.Text = sb.String()
	return out
}

// SendMessage sends text, or a photo captioned with the text when the
// message carries images. The returned id is that of the first message.
func (c *TelegramChannel) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	if c.bot == nil {
		return "", fmt.Errorf("telegram bot not started")
	}
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q", channelID)
	}

	out := toTelegramOutbound(message.Parse(content))

	var first tgbotapi.Message
	if len(out.Images) > 0 && len([]rune(out.Text)) <= telegramCaptionLimit {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(out.Images[0]))
		photo.Caption = out.Text
		photo.ReplyToMessageID = out.ReplyTo
		first, err = c.bot.Send(photo)
		out.Images = out.Images[1:]
	} else {
		msg := tgbotapi.NewMessage(chatID, out.Text)
		msg.ReplyToMessageID = out.ReplyTo
		first, err = c.bot.Send(msg)
	}
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}

	for _, img := range out.Images {
		if _, err := c.bot.Send(tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(img))); err != nil {
			logger.WarnCF("telegram", "Failed to send extra photo", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return strconv.Itoa(first.MessageID), nil
}

func (c *TelegramChannel) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if c.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q", channelID)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q", messageID)
	}
	_, err = c.bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID))
	return err
}
