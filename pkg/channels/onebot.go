package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/partyline/pkg/config"
	"github.com/sipeed/partyline/pkg/link"
	"github.com/sipeed/partyline/pkg/logger"
	"github.com/sipeed/partyline/pkg/message"
	"github.com/sipeed/partyline/pkg/relay"
	"github.com/sipeed/partyline/pkg/utils"
)

// OneBotChannel speaks OneBot v11 over a forward websocket (NapCat,
// go-cqhttp, Lagrange). Only group chats take part in links.
type OneBotChannel struct {
	*BaseChannel
	config      config.OneBotConfig
	conn        *websocket.Conn
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.Mutex
	writeMu     sync.Mutex
	apiWaitMu   sync.Mutex
	echoCounter int64
	apiWaiters  map[string]chan oneBotAPIResponse
}

type oneBotRawEvent struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	NoticeType    string          `json:"notice_type"`
	SubType       string          `json:"sub_type"`
	MessageID     json.RawMessage `json:"message_id"`
	UserID        json.RawMessage `json:"user_id"`
	GroupID       json.RawMessage `json:"group_id"`
	OperatorID    json.RawMessage `json:"operator_id"`
	RawMessage    string          `json:"raw_message"`
	Message       json.RawMessage `json:"message"`
	Sender        json.RawMessage `json:"sender"`
	SelfID        json.RawMessage `json:"self_id"`
	Time          json.RawMessage `json:"time"`
	MetaEventType string          `json:"meta_event_type"`
	Echo          string          `json:"echo"`
	RetCode       json.RawMessage `json:"retcode"`
	Status        BotStatus       `json:"status"`
}

// BotStatus is "status" in both API responses (a string) and heartbeat
// meta events (an object).
type BotStatus struct {
	Online bool `json:"online"`
	Good   bool `json:"good"`
	Text   string
}

func (s *BotStatus) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*s = BotStatus{}
		return nil
	}

	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = BotStatus{Text: strings.TrimSpace(text)}
		return nil
	}

	var obj struct {
		Online bool `json:"online"`
		Good   bool `json:"good"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*s = BotStatus{
		Online: obj.Online,
		Good:   obj.Good,
	}
	return nil
}

type oneBotSender struct {
	UserID   json.RawMessage `json:"user_id"`
	Nickname string          `json:"nickname"`
	Card     string          `json:"card"`
	Role     string          `json:"role"`
}

type oneBotAPIRequest struct {
	Action string      `json:"action"`
	Params interface{} `json:"params"`
	Echo   string      `json:"echo,omitempty"`
}

type oneBotSendGroupMsgParams struct {
	GroupID int64                  `json:"group_id"`
	Message []oneBotMessageSegment `json:"message"`
}

// oneBotMessageSegment is the array form of a OneBot message segment.
type oneBotMessageSegment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

type oneBotAPIResponse struct {
	Status  string          `json:"status"`
	RetCode json.RawMessage `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
	Echo    string          `json:"echo"`
}

func NewOneBotChannel(cfg config.OneBotConfig) (*OneBotChannel, error) {
	return &OneBotChannel{
		BaseChannel: NewBaseChannel("onebot", link.PlatformOneBot, cfg.SelfID),
		config:      cfg,
		apiWaiters:  make(map[string]chan oneBotAPIResponse),
	}, nil
}

func (c *OneBotChannel) Start(ctx context.Context) error {
	if c.config.WSUrl == "" {
		return fmt.Errorf("OneBot ws_url not configured")
	}

	logger.InfoCF("onebot", "Starting OneBot channel", map[string]interface{}{
		"ws_url": c.config.WSUrl,
	})

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		logger.WarnCF("onebot", "Initial connection failed, will retry in background", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		go c.listen()
	}

	if c.config.ReconnectInterval > 0 {
		go c.reconnectLoop()
	} else {
		// If reconnect is disabled but initial connection failed, we cannot recover
		if c.currentConn() == nil {
			return fmt.Errorf("failed to connect to OneBot and reconnect is disabled")
		}
	}

	c.setRunning(true)
	logger.InfoC("onebot", "OneBot channel started successfully")

	return nil
}

func (c *OneBotChannel) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	header := make(map[string][]string)
	if c.config.AccessToken != "" {
		header["Authorization"] = []string{"Bearer " + c.config.AccessToken}
	}

	conn, _, err := dialer.Dial(c.config.WSUrl, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	logger.InfoC("onebot", "WebSocket connected")
	return nil
}

func (c *OneBotChannel) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *OneBotChannel) reconnectLoop() {
	interval := time.Duration(c.config.ReconnectInterval) * time.Second
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(interval):
			if c.currentConn() == nil {
				logger.InfoC("onebot", "Attempting to reconnect...")
				if err := c.connect(); err != nil {
					logger.ErrorCF("onebot", "Reconnect failed", map[string]interface{}{
						"error": err.Error(),
					})
				} else {
					go c.listen()
				}
			}
		}
	}
}

func (c *OneBotChannel) Stop(ctx context.Context) error {
	logger.InfoC("onebot", "Stopping OneBot channel")
	c.setRunning(false)

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	return nil
}

// SendMessage posts content to a group and returns the new message id.
func (c *OneBotChannel) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	groupID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid OneBot group id %q", channelID)
	}

	resp, err := c.callOneBotAPI(ctx, "send_group_msg", oneBotSendGroupMsgParams{
		GroupID: groupID,
		Message: toOneBotSegments(message.Parse(content)),
	})
	if err != nil {
		return "", err
	}
	if err := resp.err("send_group_msg"); err != nil {
		return "", err
	}

	var data struct {
		MessageID json.RawMessage `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("parse send_group_msg response: %w", err)
	}
	return parseJSONString(data.MessageID), nil
}

func (c *OneBotChannel) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	resp, err := c.callOneBotAPI(ctx, "delete_msg", map[string]interface{}{
		"message_id": oneBotMessageIDParam(messageID),
	})
	if err != nil {
		return err
	}
	return resp.err("delete_msg")
}

// FetchMessage looks a message up with get_msg.
func (c *OneBotChannel) FetchMessage(ctx context.Context, channelID, messageID string) (*relay.FetchedMessage, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, fmt.Errorf("empty message id")
	}

	resp, err := c.callOneBotAPI(ctx, "get_msg", map[string]interface{}{
		"message_id": oneBotMessageIDParam(messageID),
	})
	if err != nil {
		return nil, err
	}
	if err := resp.err("get_msg"); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("get_msg returned empty data")
	}

	var raw struct {
		UserID     json.RawMessage `json:"user_id"`
		Time       json.RawMessage `json:"time"`
		RawMessage string          `json:"raw_message"`
		Message    json.RawMessage `json:"message"`
		Sender     json.RawMessage `json:"sender"`
	}
	if err := json.Unmarshal(resp.Data, &raw); err != nil {
		return nil, fmt.Errorf("parse get_msg payload failed: %w", err)
	}

	var sender oneBotSender
	if len(raw.Sender) > 0 {
		_ = json.Unmarshal(raw.Sender, &sender)
	}
	userID := parseJSONString(raw.UserID)
	if userID == "" {
		userID = parseJSONString(sender.UserID)
	}
	ts, _ := parseJSONInt64(raw.Time)

	segs := parseMessageContent(raw.Message, raw.RawMessage)
	return &relay.FetchedMessage{
		Author:    oneBotAuthor(userID, sender, ""),
		Content:   message.Join(segs),
		Timestamp: time.Unix(ts, 0),
	}, nil
}

func (c *OneBotChannel) nextEcho(prefix string) string {
	c.writeMu.Lock()
	c.echoCounter++
	echo := fmt.Sprintf("%s_%d", prefix, c.echoCounter)
	c.writeMu.Unlock()
	return echo
}

func (c *OneBotChannel) callOneBotAPI(ctx context.Context, action string, params interface{}) (*oneBotAPIResponse, error) {
	conn := c.currentConn()
	if conn == nil {
		return nil, fmt.Errorf("OneBot WebSocket not connected")
	}

	timeout := time.Duration(c.config.APITimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	echo := c.nextEcho("api")
	waiter := make(chan oneBotAPIResponse, 1)

	c.apiWaitMu.Lock()
	c.apiWaiters[echo] = waiter
	c.apiWaitMu.Unlock()

	defer func() {
		c.apiWaitMu.Lock()
		delete(c.apiWaiters, echo)
		c.apiWaitMu.Unlock()
	}()

	req := oneBotAPIRequest{
		Action: action,
		Params: params,
		Echo:   echo,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal OneBot API request: %w", err)
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to write OneBot API request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var done <-chan struct{}
	if c.ctx != nil {
		done = c.ctx.Done()
	}

	select {
	case resp := <-waiter:
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("OneBot API request timeout: action=%s", action)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, fmt.Errorf("OneBot channel stopped")
	}
}

func (r *oneBotAPIResponse) err(action string) error {
	status := strings.ToLower(strings.TrimSpace(r.Status))
	if status == "" || status == "ok" || status == "async" {
		return nil
	}
	reason := r.Wording
	if reason == "" {
		reason = r.Message
	}
	return fmt.Errorf("OneBot %s failed: status=%s retcode=%s %s", action, status, string(r.RetCode), reason)
}

func (c *OneBotChannel) listen() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			conn := c.currentConn()
			if conn == nil {
				logger.WarnC("onebot", "WebSocket connection is nil, listener exiting")
				return
			}

			_, payload, err := conn.ReadMessage()
			if err != nil {
				logger.ErrorCF("onebot", "WebSocket read error", map[string]interface{}{
					"error": err.Error(),
				})
				c.mu.Lock()
				if c.conn != nil {
					c.conn.Close()
					c.conn = nil
				}
				c.mu.Unlock()
				return
			}

			logger.DebugCF("onebot", "Raw WebSocket message received", map[string]interface{}{
				"length":  len(payload),
				"payload": utils.Truncate(string(payload), 500),
			})

			var raw oneBotRawEvent
			if err := json.Unmarshal(payload, &raw); err != nil {
				logger.WarnCF("onebot", "Failed to unmarshal raw event", map[string]interface{}{
					"error":   err.Error(),
					"payload": utils.Truncate(string(payload), 500),
				})
				continue
			}

			if raw.Echo != "" {
				c.dispatchAPIResponse(raw, payload)
				continue
			}

			rawCopy := raw
			go c.handleRawEvent(c.ctx, &rawCopy)
		}
	}
}

func (c *OneBotChannel) dispatchAPIResponse(raw oneBotRawEvent, payload []byte) {
	var resp oneBotAPIResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		resp = oneBotAPIResponse{
			Echo: raw.Echo,
		}
	}

	if resp.Echo == "" {
		resp.Echo = raw.Echo
	}
	if resp.Status == "" {
		resp.Status = raw.Status.Text
	}

	c.apiWaitMu.Lock()
	waiter := c.apiWaiters[resp.Echo]
	c.apiWaitMu.Unlock()
	if waiter == nil {
		return
	}

	select {
	case waiter <- resp:
	default:
	}
}

func (c *OneBotChannel) handleRawEvent(ctx context.Context, raw *oneBotRawEvent) {
	if selfID := parseJSONString(raw.SelfID); selfID != "" && c.BotID() == "" {
		c.setBotID(selfID)
	}

	switch raw.PostType {
	case "message", "message_sent":
		evt, ok := c.normalizeMessageEvent(raw)
		if !ok {
			return
		}
		if !c.emitMessage(ctx, evt) {
			logger.DebugCF("onebot", "Message on unlinked group", map[string]interface{}{
				"group_id": evt.ChannelID,
			})
		}
	case "notice":
		c.handleNotice(ctx, raw)
	case "meta_event":
		c.handleMetaEvent(raw)
	case "request":
		logger.DebugCF("onebot", "Request event received", map[string]interface{}{
			"sub_type": raw.SubType,
		})
	default:
		logger.DebugCF("onebot", "Unknown post_type", map[string]interface{}{
			"post_type": raw.PostType,
		})
	}
}

// normalizeMessageEvent turns a group message (or a message the account sent
// itself) into a relay event. Private messages are not relayed.
func (c *OneBotChannel) normalizeMessageEvent(raw *oneBotRawEvent) (relay.MessageEvent, bool) {
	if raw.MessageType != "group" {
		return relay.MessageEvent{}, false
	}
	groupID := parseJSONString(raw.GroupID)
	if groupID == "" {
		return relay.MessageEvent{}, false
	}

	var sender oneBotSender
	if len(raw.Sender) > 0 {
		if err := json.Unmarshal(raw.Sender, &sender); err != nil {
			logger.WarnCF("onebot", "Failed to parse sender", map[string]interface{}{
				"error":  err.Error(),
				"sender": string(raw.Sender),
			})
		}
	}

	kind := link.EventMessage
	if raw.PostType == "message_sent" {
		kind = link.EventSelfMessage
	}

	ts, _ := parseJSONInt64(raw.Time)
	userID := parseJSONString(raw.UserID)
	segs := parseMessageContent(raw.Message, raw.RawMessage)

	return relay.MessageEvent{
		Kind:      kind,
		ChannelID: groupID,
		MessageID: parseJSONString(raw.MessageID),
		Content:   message.Join(segs),
		Author:    oneBotAuthor(userID, sender, parseJSONString(raw.SelfID)),
		Timestamp: time.Unix(ts, 0),
	}, true
}

// oneBotAuthor builds the relay author. QQ does not flag bot accounts, so
// everyone but ourselves is of unknown kind.
func oneBotAuthor(userID string, sender oneBotSender, selfID string) relay.Author {
	kind := relay.PrincipalUnknown
	if selfID != "" && userID == selfID {
		kind = relay.PrincipalBot
	}
	nickname := sender.Card
	if nickname == "" {
		nickname = sender.Nickname
	}
	return relay.Author{
		UserID:   userID,
		Username: sender.Nickname,
		Nickname: nickname,
		Kind:     kind,
	}
}

func (c *OneBotChannel) handleNotice(ctx context.Context, raw *oneBotRawEvent) {
	switch raw.NoticeType {
	case "group_recall":
		evt := relay.DeleteEvent{
			ChannelID: parseJSONString(raw.GroupID),
			MessageID: parseJSONString(raw.MessageID),
		}
		if evt.ChannelID == "" || evt.MessageID == "" {
			return
		}
		c.emitDeleted(ctx, evt)
	default:
		logger.DebugCF("onebot", "Notice event received", map[string]interface{}{
			"notice_type": raw.NoticeType,
			"sub_type":    raw.SubType,
		})
	}
}

func (c *OneBotChannel) handleMetaEvent(raw *oneBotRawEvent) {
	switch raw.MetaEventType {
	case "lifecycle":
		logger.InfoCF("onebot", "Lifecycle event", map[string]interface{}{
			"sub_type": raw.SubType,
		})
	case "heartbeat":
		if !raw.Status.Online {
			logger.WarnC("onebot", "Heartbeat reports the account offline")
		}
	default:
		logger.DebugCF("onebot", "Unknown meta_event_type", map[string]interface{}{
			"meta_event_type": raw.MetaEventType,
		})
	}
}

func parseJSONInt64(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(s, 10, 64)
	}
	return 0, fmt.Errorf("cannot parse as int64: %s", string(raw))
}

func parseJSONString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	return string(raw)
}

func oneBotMessageIDParam(id string) interface{} {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

var oneBotCQPattern = regexp.MustCompile(`\[CQ:([a-zA-Z0-9_]+)(?:,([^\]]*))?\]`)

// parseMessageContent reads the "message" field in either array or CQ string
// form into canonical segments. raw_message is the fallback.
func parseMessageContent(raw json.RawMessage, rawMessage string) []message.Segment {
	if len(raw) > 0 {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return fromOneBotSegments(parseOneBotCQMessage(s))
		}

		var segments []struct {
			Type string                 `json:"type"`
			Data map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal(raw, &segments); err == nil {
			parsed := make([]oneBotMessageSegment, 0, len(segments))
			for _, seg := range segments {
				data := make(map[string]string, len(seg.Data))
				for k, v := range seg.Data {
					data[k] = oneBotDataString(v)
				}
				parsed = append(parsed, oneBotMessageSegment{Type: seg.Type, Data: data})
			}
			return fromOneBotSegments(parsed)
		}
	}

	return fromOneBotSegments(parseOneBotCQMessage(rawMessage))
}

func oneBotDataString(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// parseOneBotCQMessage splits a CQ-coded string into array-form segments.
func parseOneBotCQMessage(content string) []oneBotMessageSegment {
	matches := oneBotCQPattern.FindAllStringSubmatchIndex(content, -1)
	segments := make([]oneBotMessageSegment, 0, len(matches)+1)
	cursor := 0

	for _, m := range matches {
		if m[0] > cursor {
			segments = append(segments, oneBotText(message.Unescape(content[cursor:m[0]])))
		}

		paramsRaw := ""
		if m[4] >= 0 && m[5] >= 0 {
			paramsRaw = content[m[4]:m[5]]
		}
		segments = append(segments, oneBotMessageSegment{
			Type: content[m[2]:m[3]],
			Data: parseOneBotCQParams(paramsRaw),
		})
		cursor = m[1]
	}

	if cursor < len(content) {
		segments = append(segments, oneBotText(message.Unescape(content[cursor:])))
	}
	return segments
}

func parseOneBotCQParams(params string) map[string]string {
	result := make(map[string]string)
	if params == "" {
		return result
	}

	items := strings.Split(params, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		result[key] = message.UnescapeParam(strings.TrimSpace(parts[1]))
	}
	return result
}

func oneBotText(s string) oneBotMessageSegment {
	return oneBotMessageSegment{Type: "text", Data: map[string]string{"text": s}}
}

// fromOneBotSegments maps OneBot segments onto canonical ones. Anything
// without a canonical form is carried as an opaque code.
func fromOneBotSegments(segs []oneBotMessageSegment) []message.Segment {
	out := make([]message.Segment, 0, len(segs))
	for _, seg := range segs {
		switch seg.Type {
		case "text":
			if t := seg.Data["text"]; t != "" {
				out = append(out, message.Text(t))
			}
		case "at":
			qq := strings.TrimSpace(seg.Data["qq"])
			if qq == "all" {
				out = append(out, message.Segment{Type: message.SegmentMention, MentionType: "all"})
				continue
			}
			out = append(out, message.Mention(qq, seg.Data["name"]))
		case "image":
			url := seg.Data["url"]
			if url == "" {
				url = seg.Data["file"]
			}
			out = append(out, message.Image(url))
		case "reply":
			out = append(out, message.Quote(strings.TrimSpace(seg.Data["id"])))
		default:
			out = append(out, message.Other(seg.Type, seg.Data))
		}
	}
	return out
}

// toOneBotSegments renders canonical segments for send_group_msg. QQ wants
// the reply segment first.
func toOneBotSegments(segs []message.Segment) []oneBotMessageSegment {
	out := make([]oneBotMessageSegment, 0, len(segs))
	var reply *oneBotMessageSegment

	for _, seg := range segs {
		switch seg.Type {
		case message.SegmentText:
			out = append(out, oneBotText(seg.Text))
		case message.SegmentImage:
			out = append(out, oneBotMessageSegment{Type: "image", Data: map[string]string{"file": seg.URL}})
		case message.SegmentMention:
			if seg.MentionType == "all" {
				out = append(out, oneBotMessageSegment{Type: "at", Data: map[string]string{"qq": "all"}})
				continue
			}
			out = append(out, oneBotMessageSegment{Type: "at", Data: map[string]string{"qq": seg.TargetID}})
		case message.SegmentQuote:
			if reply == nil {
				reply = &oneBotMessageSegment{Type: "reply", Data: map[string]string{"id": seg.QuoteID}}
			}
		case message.SegmentOther:
			codeType, params := seg.Code()
			if codeType == "" {
				out = append(out, oneBotText(seg.Raw))
				continue
			}
			out = append(out, oneBotMessageSegment{Type: codeType, Data: params})
		}
	}

	if reply != nil {
		out = append([]oneBotMessageSegment{*reply}, out...)
	}
	return out
}
