package bus

import "time"

// InboundMessage is one platform message addressed to (or overheard by)
// the relay.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// IsPrivate is true for one-to-one chats. Everything else is a group.
	IsPrivate bool      `json:"is_private"`
	Timestamp time.Time `json:"timestamp"`
	// Author is the display name used in group observations.
	Author    string `json:"author,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	// BotMentions lists the strings that address the bot on this platform
	// when they prefix a message, e.g. "<@123>".
	BotMentions []string `json:"bot_mentions,omitempty"`
	// BotUsername lets "/cmd@name" be told apart from commands aimed at
	// other bots.
	BotUsername string `json:"bot_username,omitempty"`
}

type OutboundKind string

const (
	OutboundText   OutboundKind = "text"
	OutboundTyping OutboundKind = "typing"
	OutboundMedia  OutboundKind = "media"
)

type OutboundMessage struct {
	Channel string       `json:"channel"`
	ChatID  string       `json:"chat_id"`
	Kind    OutboundKind `json:"kind,omitempty"`
	Content string       `json:"content,omitempty"`
	Media   []string     `json:"media,omitempty"`
	ReplyTo string       `json:"reply_to,omitempty"`
}

// EffectiveKind treats an unset kind as text.
func (m OutboundMessage) EffectiveKind() OutboundKind {
	if m.Kind == "" {
		return OutboundText
	}
	return m.Kind
}
