package relay

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sipeed/partyline/pkg/link"
	"github.com/sipeed/partyline/pkg/logger"
	"github.com/sipeed/partyline/pkg/message"
	"github.com/sipeed/partyline/pkg/utils"
)

const (
	headerSeparator = "："
	qqAvatarURL     = "http://q1.qlogo.cn/g?b=qq&nk=%s&s=640"
	discordJumpURL  = "https://discord.com/channels/%s/%s/%s"
	previewMaxRunes = 120
)

// outbound is one destination's rendering of a source message.
type outbound struct {
	// Content is the plain send: header plus body, in canonical markup.
	Content string
	// Body without header and without quotes, used for identity sends.
	Body        string
	DisplayName string
	AvatarURL   string
	// QuoteID is the destination-local id of the quoted message, if resolved.
	QuoteID string
	// SourceQuoteID is the quoted id as seen in the source channel.
	SourceQuoteID string
}

func disabledPattern(alias string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(%disabled%|__no` + regexp.QuoteMeta(alias) + `__)`)
}

// transform rewrites segs for dst. It returns ErrNothingToSend when nothing
// is left to say after mentions and quotes have been handled.
func (e *Engine) transform(evt MessageEvent, segs []message.Segment, src, dst link.Endpoint, fields map[string]interface{}) (*outbound, error) {
	srcTraits := src.Platform.Traits()
	dstTraits := dst.Platform.Traits()

	out := &outbound{}
	body := make([]message.Segment, 0, len(segs))
	prevQuote := false

	for _, seg := range segs {
		switch seg.Type {
		case message.SegmentQuote:
			id, err := e.resolveQuote(src.Key(), dst.Key(), seg.QuoteID)
			if err != nil {
				logger.WarnCF("relay", "Dropping quote", withField(fields, "error", err.Error()))
				break
			}
			if out.QuoteID == "" {
				out.QuoteID = id
				out.SourceQuoteID = seg.QuoteID
			}
			body = append(body, message.Quote(id))

		case message.SegmentMention:
			switch {
			case seg.TargetID != "" && seg.TargetID == src.BotID:
			case srcTraits.QuoteCarriesMention && prevQuote:
			case src.Platform != dst.Platform || seg.Role != "" || seg.MentionType != "":
				body = append(body, message.Text("@"+message.MentionLabel(seg)))
			default:
				body = append(body, seg)
			}

		default:
			body = append(body, seg)
		}
		prevQuote = seg.Type == message.SegmentQuote
	}

	if len(dstTraits.BroadcastTokens) > 0 {
		for i := range body {
			if body[i].Type == message.SegmentText {
				body[i].Text = escapeBroadcast(body[i].Text, dstTraits.BroadcastTokens)
			}
		}
	}

	if !hasContent(body) {
		return nil, ErrNothingToSend
	}

	sender := escapeBroadcast(SenderName(evt.Author), dstTraits.BroadcastTokens)

	header := message.Text(src.MsgPrefix + sender + headerSeparator + "\n")
	out.Content = message.Join(append([]message.Segment{header}, body...))

	out.Body = message.Join(withoutQuotes(body))
	out.DisplayName = sender
	if dst.UsePrefix {
		out.DisplayName = src.MsgPrefix + sender
	}
	out.AvatarURL = AvatarURL(src.Platform, evt.Author)
	return out, nil
}

// resolveQuote maps a message id quoted in src to the id of its copy in dst.
// Only committed store state is consulted.
func (e *Engine) resolveQuote(src, dst link.ChannelKey, quoteID string) (string, error) {
	unresolved := func(reason string) error {
		return &ResolutionError{Source: src, Destination: dst, QuoteID: quoteID, Reason: reason}
	}
	if quoteID == "" {
		return "", unresolved("empty id")
	}

	quoted := MessageKey{Channel: src, MessageID: quoteID}
	if records, ok := e.store.Get(quoted); ok {
		if id, ok := copyIn(records, dst); ok {
			return id, nil
		}
		return "", unresolved("origin has no copy in destination")
	}

	origin, ok := e.store.GetOrigin(quoted)
	if !ok {
		return "", unresolved("unknown message")
	}
	if origin.Channel == dst {
		return origin.MessageID, nil
	}
	records, ok := e.store.Get(origin)
	if !ok {
		return "", unresolved("origin " + origin.String() + " evicted")
	}
	if id, ok := copyIn(records, dst); ok {
		return id, nil
	}
	return "", unresolved("origin " + origin.String() + " has no copy in destination")
}

func copyIn(records []RelayRecord, dst link.ChannelKey) (string, bool) {
	for _, r := range records {
		if r.Channel == dst {
			return r.MessageID, true
		}
	}
	return "", false
}

// quotePreview renders the quoted message as a block quote for destinations
// that cannot show native replies. Any failure just yields no preview.
func (e *Engine) quotePreview(ctx context.Context, src link.Endpoint, quoteID string) string {
	adapter, ok := e.adapters.Adapter(src.Platform, src.BotID)
	if !ok {
		return ""
	}
	fetcher, ok := adapter.(MessageFetcher)
	if !ok {
		return ""
	}
	msg, err := fetcher.FetchMessage(ctx, src.ChannelID, quoteID)
	if err != nil || msg == nil {
		logger.DebugCF("relay", "Quote preview unavailable", map[string]interface{}{
			"channel": src.Key().String(),
			"quote":   quoteID,
			"error":   fmt.Sprint(err),
		})
		return ""
	}

	name := msg.Author.Nickname
	if name == "" {
		name = msg.Author.Username
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "> **__回复 %s 在 %s 的消息__**\n", name, msg.Timestamp.Local().Format("15:04"))
	text := utils.Truncate(message.PlainText(message.Parse(msg.Content)), previewMaxRunes)
	for _, line := range strings.Split(text, "\n") {
		sb.WriteString("> ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func jumpURL(dst link.Endpoint, messageID string) string {
	if dst.GuildID == "" || messageID == "" {
		return ""
	}
	return fmt.Sprintf(discordJumpURL, dst.GuildID, dst.ChannelID, messageID)
}

// SenderName renders an author as nickname (or username) followed by the
// discriminator when there is a real one, else by the user id.
func SenderName(a Author) string {
	name := a.Nickname
	if name == "" {
		name = a.Username
	}
	if d := a.Discriminator; d != "" && d != "0" && d != "0000" {
		return name + "#" + d
	}
	return name + " (" + a.UserID + ")"
}

// AvatarURL is the avatar shown on identity sends.
func AvatarURL(p link.Platform, a Author) string {
	if (p == link.PlatformOneBot || p == link.PlatformQQBot) && a.UserID != "" {
		return fmt.Sprintf(qqAvatarURL, a.UserID)
	}
	return a.AvatarURL
}

// escapeBroadcast prefixes every unescaped token with a backslash.
func escapeBroadcast(s string, tokens []string) string {
	for _, tok := range tokens {
		if !strings.Contains(s, tok) {
			continue
		}
		var sb strings.Builder
		start := 0
		for {
			i := strings.Index(s[start:], tok)
			if i < 0 {
				break
			}
			i += start
			sb.WriteString(s[start:i])
			if i == 0 || s[i-1] != '\\' {
				sb.WriteByte('\\')
			}
			sb.WriteString(tok)
			start = i + len(tok)
		}
		sb.WriteString(s[start:])
		s = sb.String()
	}
	return s
}

func hasContent(segs []message.Segment) bool {
	for _, seg := range segs {
		switch seg.Type {
		case message.SegmentQuote:
		case message.SegmentText:
			if strings.TrimSpace(seg.Text) != "" {
				return true
			}
		default:
			return true
		}
	}
	return false
}

func withoutQuotes(segs []message.Segment) []message.Segment {
	out := make([]message.Segment, 0, len(segs))
	for _, seg := range segs {
		if seg.Type != message.SegmentQuote {
			out = append(out, seg)
		}
	}
	return out
}

func withField(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
