// Package state holds per-chat conversation state and the stores that
// persist it.
package state

import (
	"slices"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn sent to or received from the completion service.
type ChatMessage struct {
	Role    Role   `json:"role" cbor:"role"`
	Content string `json:"content" cbor:"content"`
	Name    string `json:"name,omitempty" cbor:"name,omitempty"`
}

// History is the chronological bot dialogue. The system preamble is added
// at request time and never stored here.
type History []ChatMessage

// Observation is one raw group message kept for digests.
type Observation struct {
	Author string `json:"author" cbor:"author"`
	Text   string `json:"text" cbor:"text"`
	AtMS   int64  `json:"at_ms" cbor:"at_ms"`
}

// ObservationLog is the rolling window of group messages, oldest first.
type ObservationLog []Observation

// Observe appends entry, drops entries older than retention and keeps at
// most max of the newest. Zero retention or max disables that bound. The
// receiver is not modified.
func (l ObservationLog) Observe(entry Observation, now time.Time, retention time.Duration, max int) ObservationLog {
	out := make(ObservationLog, 0, len(l)+1)
	out = append(out, l...)
	out = append(out, entry)
	out = out.Prune(now, retention)
	if max > 0 && len(out) > max {
		out = slices.Clone(out[len(out)-max:])
	}
	return out
}

// Prune returns the entries observed within retention of now.
func (l ObservationLog) Prune(now time.Time, retention time.Duration) ObservationLog {
	if retention <= 0 {
		return slices.Clone(l)
	}
	cutoff := now.Add(-retention).UnixMilli()
	var out ObservationLog
	for _, o := range l {
		if o.AtMS >= cutoff {
			out = append(out, o)
		}
	}
	return out
}

type Mode string

const (
	ModeActive    Mode = "active"
	ModeSuspended Mode = "suspended"
)

// ConversationState is either Suspended or Active. The set of
// implementations is closed; switch on the concrete type.
type ConversationState interface {
	Mode() Mode
	isConversationState()
}

// Suspended chats keep no history and ignore everything but /listen and
// /reset.
type Suspended struct{}

func (Suspended) Mode() Mode            { return ModeSuspended }
func (Suspended) isConversationState() {}

// Active chats carry the bot dialogue and the group observation log.
type Active struct {
	History History
	Log     ObservationLog
}

func (Active) Mode() Mode            { return ModeActive }
func (Active) isConversationState() {}

// Default is the state of a chat never seen before.
func Default() ConversationState {
	return Active{}
}

// Clone deep-copies s so the caller can mutate the result freely.
func Clone(s ConversationState) ConversationState {
	switch v := s.(type) {
	case Active:
		return Active{History: slices.Clone(v.History), Log: slices.Clone(v.Log)}
	case Suspended:
		return Suspended{}
	default:
		return Default()
	}
}

// Key is the dialogue key for a chat on a channel, e.g. "discord:1234".
func Key(channel, chatID string) string {
	return strings.TrimSpace(channel) + ":" + strings.TrimSpace(chatID)
}
