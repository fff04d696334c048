package channels

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
)

const (
	CLIChatID   = "local"
	cliSenderID = "cli-user"
)

// CLIChannel is a private chat on the local terminal. The caller feeds
// lines with Submit and reads replies from Replies.
type CLIChannel struct {
	*BaseChannel
	out     io.Writer
	author  string
	replies chan string
	outMu   sync.Mutex
}

func NewCLIChannel(messageBus *bus.MessageBus, out io.Writer) *CLIChannel {
	if out == nil {
		out = os.Stdout
	}
	author := strings.TrimSpace(os.Getenv("USER"))
	if author == "" {
		author = "you"
	}
	c := &CLIChannel{
		BaseChannel: NewBaseChannel("cli", messageBus, nil),
		out:         out,
		author:      author,
		replies:     make(chan string, 16),
	}
	c.setIdentity(Identity{Username: "chatrelay"})
	return c
}

func (c *CLIChannel) Start(ctx context.Context) error {
	c.setRunning(true)
	return nil
}

func (c *CLIChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return nil
}

// Submit publishes one line typed by the local user.
func (c *CLIChannel) Submit(text string) bool {
	return c.HandleMessage(bus.InboundMessage{
		SenderID:  cliSenderID,
		ChatID:    CLIChatID,
		Content:   text,
		IsPrivate: true,
		Timestamp: time.Now(),
		Author:    c.author,
	})
}

// Replies yields every text message the relay sends to the terminal.
func (c *CLIChannel) Replies() <-chan string {
	return c.replies
}

func (c *CLIChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.outMu.Lock()
	_, err := fmt.Fprintf(c.out, "\n%s\n\n", msg.Content)
	c.outMu.Unlock()

	select {
	case c.replies <- msg.Content:
	default:
	}
	return err
}

func (c *CLIChannel) SendTyping(ctx context.Context, chatID string) error {
	return nil
}

func (c *CLIChannel) SendMedia(ctx context.Context, chatID string, urls []string) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	for _, url := range urls {
		if _, err := fmt.Fprintf(c.out, "[image] %s\n", url); err != nil {
			return err
		}
	}
	select {
	case c.replies <- strings.Join(urls, "\n"):
	default:
	}
	return nil
}
