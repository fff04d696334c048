package channels

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/state"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	SendTyping(ctx context.Context, chatID string) error
	SendMedia(ctx context.Context, chatID string, urls []string) error
	Identity() Identity
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// Identity is how the bot appears on a platform. Mentions are the
// literal strings that address the bot when they prefix a message. ID
// is the platform user id, empty where the platform has none.
type Identity struct {
	ID       string
	Username string
	Mentions []string
}

type BaseChannel struct {
	bus       *bus.MessageBus
	name      string
	allowList []string

	mu       sync.RWMutex
	running  bool
	identity Identity
}

func NewBaseChannel(name string, bus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       bus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *BaseChannel) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id := c.identity
	id.Mentions = append([]string(nil), c.identity.Mentions...)
	return id
}

func (c *BaseChannel) setIdentity(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
}

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}

	return false
}

// HandleMessage stamps channel-level fields on msg and publishes it.
// Messages from senders outside the allow list are dropped.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) bool {
	if !c.IsAllowed(msg.SenderID) {
		return false
	}

	msg.Channel = c.name
	msg.SessionKey = state.Key(c.name, msg.ChatID)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	id := c.Identity()
	if len(msg.BotMentions) == 0 {
		msg.BotMentions = id.Mentions
	}
	if msg.BotUsername == "" {
		msg.BotUsername = id.Username
	}

	return c.bus.PublishInbound(msg)
}

func (c *BaseChannel) setRunning(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = running
}
