package channels

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/sipeed/partyline/pkg/config"
	"github.com/sipeed/partyline/pkg/link"
	"github.com/sipeed/partyline/pkg/logger"
	"github.com/sipeed/partyline/pkg/message"
	"github.com/sipeed/partyline/pkg/relay"
)

const consoleHelp = `Type a message to relay it.
  /reply <id> <text>   quote message <id>
  /del <id>            delete message <id> and its copies
  /help                show this help`

// ConsoleChannel is a terminal endpoint. Lines typed at the prompt are
// messages from the configured user, and relayed messages are printed with
// their ids so they can be quoted or deleted.
type ConsoleChannel struct {
	*BaseChannel
	config ConsoleOptions
	nextID atomic.Int64

	outMu sync.Mutex
	out   io.Writer
	rl    *readline.Instance

	cancel context.CancelFunc
	done   chan struct{}
}

type ConsoleOptions struct {
	ChannelID string
	UserName  string
	// Out receives rendered messages. Nil means the readline terminal.
	Out io.Writer
}

func NewConsoleChannel(cfg config.ConsoleConfig) *ConsoleChannel {
	return NewConsoleChannelWithOptions(ConsoleOptions{
		ChannelID: cfg.ChannelID,
		UserName:  cfg.UserName,
	})
}

func NewConsoleChannelWithOptions(opts ConsoleOptions) *ConsoleChannel {
	if opts.ChannelID == "" {
		opts.ChannelID = "console"
	}
	if opts.UserName == "" {
		opts.UserName = "console"
	}
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", link.PlatformConsole, "console"),
		config:      opts,
		out:         opts.Out,
	}
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.config.UserName + "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".partyline_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}

	c.outMu.Lock()
	c.rl = rl
	if c.out == nil {
		c.out = rl.Stdout()
	}
	c.outMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.setRunning(true)

	go func() {
		defer close(c.done)
		defer c.setRunning(false)
		c.printf("%s\n", consoleHelp)
		for {
			line, err := rl.Readline()
			if err != nil {
				if err == readline.ErrInterrupt || err == io.EOF {
					logger.InfoC("console", "Console input closed")
					return
				}
				logger.WarnCF("console", "Error reading input", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			if runCtx.Err() != nil {
				return
			}
			c.HandleLine(runCtx, line)
		}
	}()
	return nil
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.rl != nil {
		_ = c.rl.Close()
	}
	c.setRunning(false)
	return nil
}

// Done is closed when the console input ends.
func (c *ConsoleChannel) Done() <-chan struct{} {
	return c.done
}

// HandleLine interprets one line of console input.
func (c *ConsoleChannel) HandleLine(ctx context.Context, line string) {
	input := strings.TrimSpace(line)
	if input == "" {
		return
	}

	switch {
	case input == "/help":
		c.printf("%s\n", consoleHelp)
	case strings.HasPrefix(input, "/del "):
		id := strings.TrimSpace(strings.TrimPrefix(input, "/del "))
		if !c.emitDeleted(ctx, relay.DeleteEvent{ChannelID: c.config.ChannelID, MessageID: id}) {
			c.printf("console is not linked\n")
		}
	case strings.HasPrefix(input, "/reply "):
		rest := strings.TrimSpace(strings.TrimPrefix(input, "/reply "))
		quoteID, text, _ := strings.Cut(rest, " ")
		c.emitTyped(ctx, []message.Segment{message.Quote(quoteID), message.Text(text)})
	default:
		c.emitTyped(ctx, []message.Segment{message.Text(input)})
	}
}

func (c *ConsoleChannel) emitTyped(ctx context.Context, segs []message.Segment) {
	id := c.newID()
	c.printf("(#%s)\n", id)
	evt := relay.MessageEvent{
		Kind:      link.EventMessage,
		ChannelID: c.config.ChannelID,
		MessageID: id,
		Content:   message.Join(segs),
		Author: relay.Author{
			UserID:   c.config.UserName,
			Username: c.config.UserName,
			Kind:     relay.PrincipalHuman,
		},
		Timestamp: time.Now(),
	}
	if !c.emitMessage(ctx, evt) {
		c.printf("console is not linked\n")
	}
}

func (c *ConsoleChannel) newID() string {
	return strconv.FormatInt(c.nextID.Add(1), 10)
}

func (c *ConsoleChannel) printf(format string, args ...interface{}) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.out == nil {
		return
	}
	fmt.Fprintf(c.out, format, args...)
	if c.rl != nil {
		c.rl.Refresh()
	}
}

// renderConsole shows quotes and images inline since a terminal has neither.
func renderConsole(segs []message.Segment) string {
	var sb strings.Builder
	for _, seg := range segs {
		switch seg.Type {
		case message.SegmentQuote:
			sb.WriteString("[reply #" + seg.QuoteID + "] ")
		case message.SegmentImage:
			sb.WriteString("[image " + seg.URL + "]")
		default:
			sb.WriteString(message.PlainText([]message.Segment{seg}))
		}
	}
	return sb.String()
}

func (c *ConsoleChannel) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	if channelID != c.config.ChannelID {
		return "", fmt.Errorf("console: unknown channel %q", channelID)
	}
	id := c.newID()
	c.printf("#%s %s\n", id, renderConsole(message.Parse(content)))
	return id, nil
}

func (c *ConsoleChannel) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if channelID != c.config.ChannelID {
		return fmt.Errorf("console: unknown channel %q", channelID)
	}
	c.printf("#%s deleted\n", messageID)
	return nil
}
