package channels

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/partyline/pkg/config"
	"github.com/sipeed/partyline/pkg/link"
	"github.com/sipeed/partyline/pkg/logger"
	"github.com/sipeed/partyline/pkg/message"
	"github.com/sipeed/partyline/pkg/relay"
)

type DiscordChannel struct {
	*BaseChannel
	config  config.DiscordConfig
	session *discordgo.Session
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", link.PlatformDiscord, ""),
		config:      cfg,
		session:     session,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord channel")
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.session.AddHandler(c.handleMessageCreate)
	c.session.AddHandler(c.handleMessageDelete)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.setBotID(c.session.State.User.ID)
		logger.InfoCF("discord", "Discord bot connected", map[string]interface{}{
			"username": c.session.State.User.Username,
			"user_id":  c.session.State.User.ID,
		})
	}

	c.setRunning(true)
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord channel")
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return c.session.Close()
}

func (c *DiscordChannel) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	kind := link.EventMessage
	if m.Author.ID == c.BotID() {
		kind = link.EventSelfMessage
	}
	evt := c.messageEvent(m.Message, kind)
	if !c.emitMessage(c.ctx, evt) {
		logger.DebugCF("discord", "Message on unlinked channel", map[string]interface{}{
			"channel_id": m.ChannelID,
		})
	}
}

func (c *DiscordChannel) handleMessageDelete(s *discordgo.Session, m *discordgo.MessageDelete) {
	if m == nil || m.Message == nil {
		return
	}
	c.emitDeleted(c.ctx, relay.DeleteEvent{ChannelID: m.ChannelID, MessageID: m.ID})
}

func (c *DiscordChannel) messageEvent(m *discordgo.Message, kind link.EventKinds) relay.MessageEvent {
	return relay.MessageEvent{
		Kind:      kind,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Content:   message.Join(fromDiscordMessage(m, c.roleNames(m))),
		Author:    discordAuthor(m),
		Timestamp: m.Timestamp,
	}
}

func discordAuthor(m *discordgo.Message) relay.Author {
	u := m.Author
	if u == nil {
		return relay.Author{}
	}
	kind := relay.PrincipalHuman
	if u.Bot || m.WebhookID != "" {
		kind = relay.PrincipalBot
	}
	nickname := u.GlobalName
	if m.Member != nil && m.Member.Nick != "" {
		nickname = m.Member.Nick
	}
	return relay.Author{
		UserID:        u.ID,
		Username:      u.Username,
		Nickname:      nickname,
		Discriminator: u.Discriminator,
		AvatarURL:     u.AvatarURL("128"),
		Kind:          kind,
	}
}

var discordMentionPattern = regexp.MustCompile(`<(@!?|@&|#)(\d+)>`)

// roleNames resolves role ids of m's guild from the session state cache.
// Messages fetched over REST carry no guild id, so the channel supplies it.
func (c *DiscordChannel) roleNames(m *discordgo.Message) func(roleID string) string {
	return func(roleID string) string {
		state := c.session.State
		if state == nil {
			return ""
		}
		guildID := m.GuildID
		if guildID == "" {
			if ch, err := state.Channel(m.ChannelID); err == nil {
				guildID = ch.GuildID
			}
		}
		if guildID == "" {
			return ""
		}
		role, err := state.Role(guildID, roleID)
		if err != nil {
			return ""
		}
		return role.Name
	}
}

// fromDiscordMessage converts a Discord message to canonical segments:
// the reply reference first, then text with user and role mentions, then
// attachments as images. roleName may be nil.
func fromDiscordMessage(m *discordgo.Message, roleName func(roleID string) string) []message.Segment {
	segs := make([]message.Segment, 0, 4)
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		segs = append(segs, message.Quote(ref.MessageID))
	}

	names := make(map[string]string, len(m.Mentions))
	for _, u := range m.Mentions {
		if u == nil {
			continue
		}
		name := u.GlobalName
		if name == "" {
			name = u.Username
		}
		names[u.ID] = name
	}

	content := m.Content
	cursor := 0
	for _, loc := range discordMentionPattern.FindAllStringSubmatchIndex(content, -1) {
		if loc[0] > cursor {
			segs = append(segs, message.Text(content[cursor:loc[0]]))
		}
		sigil := content[loc[2]:loc[3]]
		id := content[loc[4]:loc[5]]
		switch sigil {
		case "@", "@!":
			segs = append(segs, message.Mention(id, names[id]))
		case "@&":
			seg := message.Segment{Type: message.SegmentMention, Role: id}
			if roleName != nil {
				seg.Name = roleName(id)
			}
			segs = append(segs, seg)
		default:
			segs = append(segs, message.Text(content[loc[0]:loc[1]]))
		}
		cursor = loc[1]
	}
	if cursor < len(content) {
		segs = append(segs, message.Text(content[cursor:]))
	}

	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		if strings.HasPrefix(a.ContentType, "image/") {
			segs = append(segs, message.Image(a.URL))
		} else {
			segs = append(segs, message.Text("\n"+a.URL))
		}
	}
	return segs
}

// toDiscordContent renders canonical segments as Discord markdown and
// returns the quoted message id separately.
func toDiscordContent(segs []message.Segment) (content string, replyTo string) {
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
			sb.WriteByte('\n')
		case message.SegmentMention:
			switch {
			case seg.Role != "":
				sb.WriteString("<@&" + seg.Role + ">")
			case seg.TargetID != "":
				sb.WriteString("<@" + seg.TargetID + ">")
			default:
				sb.WriteString("@" + message.MentionLabel(seg))
			}
		case message.SegmentQuote:
			if replyTo == "" {
				replyTo = seg.QuoteID
			}
		case message.SegmentOther:
			sb.WriteString(message.PlainText([]message.Segment{seg}))
		}
	}
	return strings.TrimRight(sb.String(), "\n"), replyTo
}

func (c *DiscordChannel) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	text, replyTo := toDiscordContent(message.Parse(content))
	send := &discordgo.MessageSend{
		Content: text,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		},
	}
	if replyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
	}

	msg, err := c.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord send: %w", err)
	}
	return msg.ID, nil
}

func (c *DiscordChannel) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
}

// SendAsIdentity executes the endpoint's webhook so the relayed message
// shows the original sender's name and avatar.
func (c *DiscordChannel) SendAsIdentity(ctx context.Context, channelID string, msg relay.IdentityMessage) (string, error) {
	text, _ := toDiscordContent(message.Parse(msg.Content))
	params := &discordgo.WebhookParams{
		Content:   text,
		Username:  msg.DisplayName,
		AvatarURL: msg.AvatarURL,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		},
	}
	if msg.ReplyURL != "" {
		params.Embeds = []*discordgo.MessageEmbed{{
			Description: "[被回复的消息](" + msg.ReplyURL + ")",
		}}
	}

	sent, err := c.session.WebhookExecute(msg.WebhookID, msg.WebhookToken, true, params, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord webhook execute: %w", err)
	}
	if sent == nil {
		return "", nil
	}
	return sent.ID, nil
}

func (c *DiscordChannel) FetchMessage(ctx context.Context, channelID, messageID string) (*relay.FetchedMessage, error) {
	m, err := c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return &relay.FetchedMessage{
		Author:    discordAuthor(m),
		Content:   message.Join(fromDiscordMessage(m, c.roleNames(m))),
		Timestamp: m.Timestamp,
	}, nil
}
