package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/dotsetgreg/chatrelay/pkg/logger"
	"github.com/dotsetgreg/chatrelay/pkg/utils"
)

const (
	sendTimeout = 10 * time.Second
	// Discord allows 2000 characters; the rest is slack for code blocks.
	discordChunkLimit = 1500
	// Discord renders at most ten embeds per message.
	maxEmbedsPerMessage = 10
)

// discordAPI is the REST surface the channel sends through.
type discordAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	api     discordAPI
	config  config.DiscordConfig
}

func NewDiscordChannel(cfg config.DiscordConfig, bus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", bus, cfg.AllowFrom),
		session:     session,
		api:         session,
		config:      cfg,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		c.onReady(r)
	})
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.onMessage(m)
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	botUser, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	c.setIdentity(discordIdentity(botUser))
	c.setRunning(true)

	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	return nil
}

// onReady runs on the gateway goroutine, on connect and on every resumed
// session, so the identity always tracks the logged-in user.
func (c *DiscordChannel) onReady(r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	c.setIdentity(discordIdentity(r.User))
}

func discordIdentity(u *discordgo.User) Identity {
	return Identity{
		ID:       u.ID,
		Username: u.Username,
		Mentions: []string{"<@" + u.ID + ">", "<@!" + u.ID + ">"},
	}
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}

	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}

	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("channel ID is empty")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	for i, chunk := range splitMessage(msg.Content, discordChunkLimit) {
		data := &discordgo.MessageSend{Content: chunk}
		// Only the first chunk threads onto the triggering message.
		if i == 0 && msg.ReplyTo != "" {
			data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: channelID}
		}
		if err := c.send(ctx, channelID, data); err != nil {
			return err
		}
	}

	return nil
}

func (c *DiscordChannel) SendTyping(ctx context.Context, chatID string) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	return c.withTimeout(ctx, func() error {
		if err := c.api.ChannelTyping(chatID); err != nil {
			return fmt.Errorf("failed to send typing indicator: %w", err)
		}
		return nil
	})
}

// SendMedia posts each URL as an image embed, ten per message.
func (c *DiscordChannel) SendMedia(ctx context.Context, chatID string, urls []string) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}

	var embeds []*discordgo.MessageEmbed
	for _, url := range urls {
		if strings.TrimSpace(url) == "" {
			continue
		}
		embeds = append(embeds, &discordgo.MessageEmbed{
			URL:   url,
			Image: &discordgo.MessageEmbedImage{URL: url},
		})
	}

	for len(embeds) > 0 {
		n := min(len(embeds), maxEmbedsPerMessage)
		if err := c.send(ctx, chatID, &discordgo.MessageSend{Embeds: embeds[:n]}); err != nil {
			return err
		}
		embeds = embeds[n:]
	}
	return nil
}

func (c *DiscordChannel) send(ctx context.Context, channelID string, data *discordgo.MessageSend) error {
	return c.withTimeout(ctx, func() error {
		if _, err := c.api.ChannelMessageSendComplex(channelID, data); err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	})
}

// withTimeout bounds a blocking REST call by sendTimeout and ctx.
func (c *DiscordChannel) withTimeout(ctx context.Context, call func() error) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- call()
	}()

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return fmt.Errorf("discord request timeout: %w", sendCtx.Err())
	}
}

// appendContent safely appends suffix text to existing content.
func appendContent(content, suffix string) string {
	if content == "" {
		return suffix
	}
	return content + "\n" + suffix
}

func (c *DiscordChannel) onMessage(m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.Bot || m.Author.ID == c.Identity().ID {
		return
	}

	// Check allowlist before building the message.
	if !c.IsAllowed(m.Author.ID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]any{
			"user_id": m.Author.ID,
		})
		return
	}

	senderName := m.Author.Username
	if m.Author.Discriminator != "" && m.Author.Discriminator != "0" {
		senderName += "#" + m.Author.Discriminator
	}

	content := m.Content
	media := make([]string, 0, len(m.Attachments))
	for _, attachment := range m.Attachments {
		media = append(media, attachment.URL)
		content = appendContent(content, fmt.Sprintf("[attachment: %s]", attachment.URL))
	}
	if content == "" {
		return
	}

	isPrivate := m.GuildID == ""
	logger.DebugCF("discord", "Received message", map[string]any{
		"sender_name": senderName,
		"sender_id":   m.Author.ID,
		"private":     isPrivate,
		"preview":     utils.Truncate(content, 50),
	})

	c.HandleMessage(bus.InboundMessage{
		SenderID:  m.Author.ID,
		ChatID:    m.ChannelID,
		Content:   content,
		Media:     media,
		IsPrivate: isPrivate,
		Timestamp: m.Timestamp,
		Author:    senderName,
		MessageID: m.ID,
		Metadata: map[string]string{
			"message_id": m.ID,
			"user_id":    m.Author.ID,
			"username":   m.Author.Username,
			"guild_id":   m.GuildID,
			"channel_id": m.ChannelID,
		},
	})
}
