package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/logger"
	"github.com/dotsetgreg/chatrelay/pkg/state"
	"github.com/dotsetgreg/chatrelay/pkg/tokens"
	"github.com/dotsetgreg/chatrelay/pkg/utils"
)

const (
	resetReplyText   = "Bot chat history has been erased ✅"
	muteReplyText    = "Bot muted. Use /listen to bring it back."
	listenReplyText  = "Bot is listening again."
	emptyReplyText   = "The model returned an empty reply."
	noImagesText     = "Image generation is not configured."
	askUsageText     = "Usage: /ask <question>"
	chatUsageText    = "Usage: /chat <message>"
	imagineUsageText = "Usage: /imagine <prompt>"
)

// ImageGenerator turns a prompt into image URLs.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]string, error)
}

type MachineOptions struct {
	Retention       time.Duration
	MaxObservations int
	ShowUsage       bool
	Thresholds      tokens.Thresholds
	// ImageTimeout bounds /imagine; zero means no deadline.
	ImageTimeout time.Duration
}

// Machine applies one inbound event to a chat's ConversationState. It
// does no locking of its own: callers must not run two Handle calls for
// the same dialogue key concurrently.
type Machine struct {
	store    state.Store
	turns    *TurnExecutor
	digester *Digester
	images   ImageGenerator
	bus      *bus.MessageBus
	opts     MachineOptions
	now      func() time.Time
}

func NewMachine(store state.Store, turns *TurnExecutor, digester *Digester, images ImageGenerator, msgBus *bus.MessageBus, opts MachineOptions) *Machine {
	return &Machine{
		store:    store,
		turns:    turns,
		digester: digester,
		images:   images,
		bus:      msgBus,
		opts:     opts,
		now:      time.Now,
	}
}

// Handle runs the transition for msg. The returned error has already
// been reported to the chat when it is a *TurnError.
func (m *Machine) Handle(ctx context.Context, msg bus.InboundMessage) error {
	key := msg.SessionKey
	if key == "" {
		key = state.Key(msg.Channel, msg.ChatID)
	}

	text := msg.Content
	mentioned := false
	if !msg.IsPrivate {
		text, mentioned = stripMention(text, msg.BotMentions)
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	current, err := m.store.GetOrDefault(ctx, key)
	if err != nil {
		return m.fail(msg, newTurnError(KindStore, err, map[string]any{"chat": key}))
	}

	if cmd, ok := parseCommand(text, msg.BotUsername); ok {
		logger.DebugCF("agent", "Command received", map[string]any{
			"chat":    key,
			"command": string(cmd.Name),
			"mode":    string(current.Mode()),
		})
		return m.handleCommand(ctx, msg, key, current, cmd)
	}

	switch s := current.(type) {
	case state.Suspended:
		return nil
	case state.Active:
		if !msg.IsPrivate && !mentioned {
			return m.observe(ctx, msg, key, s)
		}
		return m.chat(ctx, msg, key, s, text)
	default:
		return fmt.Errorf("unexpected conversation state %T", current)
	}
}

func (m *Machine) handleCommand(ctx context.Context, msg bus.InboundMessage, key string, current state.ConversationState, cmd command) error {
	if !cmd.known() {
		if err := m.store.Reset(ctx, key); err != nil {
			return m.fail(msg, newTurnError(KindStore, err, map[string]any{"chat": key}))
		}
		return m.fail(msg, newTurnError(KindCommand, fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Name), map[string]any{"chat": key}))
	}

	switch cmd.Name {
	case cmdReset:
		m.typing(msg)
		next := state.Active{}
		if s, ok := current.(state.Active); ok {
			next.Log = s.Log
		}
		return m.commit(ctx, msg, key, next, resetReplyText)
	case cmdListen:
		if _, ok := current.(state.Suspended); ok {
			return m.commit(ctx, msg, key, state.Active{}, listenReplyText)
		}
		m.reply(msg, listenReplyText)
		return nil
	}

	s, ok := current.(state.Active)
	if !ok {
		return nil
	}

	switch cmd.Name {
	case cmdMute:
		return m.commit(ctx, msg, key, state.Suspended{}, muteReplyText)
	case cmdSummarize:
		return m.digest(ctx, msg, key, s, "")
	case cmdAsk:
		if cmd.Arg == "" {
			m.reply(msg, askUsageText)
			return nil
		}
		return m.digest(ctx, msg, key, s, cmd.Arg)
	case cmdChat:
		if cmd.Arg == "" {
			m.reply(msg, chatUsageText)
			return nil
		}
		return m.chat(ctx, msg, key, s, cmd.Arg)
	case cmdImagine:
		return m.imagine(ctx, msg, key, cmd.Arg)
	case cmdHelp:
		m.reply(msg, helpText())
	}
	return nil
}

func (m *Machine) observe(ctx context.Context, msg bus.InboundMessage, key string, s state.Active) error {
	at := msg.Timestamp
	if at.IsZero() {
		at = m.now()
	}
	author := msg.Author
	if author == "" {
		author = msg.SenderID
	}
	s.Log = s.Log.Observe(state.Observation{Author: author, Text: msg.Content, AtMS: at.UnixMilli()}, m.now(), m.opts.Retention, m.opts.MaxObservations)
	if err := m.store.Update(ctx, key, s); err != nil {
		// Overheard messages get no reply, so the failure is only logged.
		logger.ErrorCF("agent", "Failed to record group message", map[string]any{
			"chat":  key,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

func (m *Machine) chat(ctx context.Context, msg bus.InboundMessage, key string, s state.Active, text string) error {
	m.typing(msg)
	result, err := m.turns.RunTurn(ctx, TurnRequest{
		ChatKey: key,
		History: s.History,
		Text:    text,
		Author:  msg.Author,
		Typing:  func() { m.typing(msg) },
	})
	if err != nil {
		return m.fail(msg, asTurnError(KindCompletion, err, map[string]any{"chat": key}))
	}

	if err := m.store.Update(ctx, key, state.Active{History: result.History, Log: s.Log}); err != nil {
		return m.fail(msg, newTurnError(KindStore, err, map[string]any{"chat": key}))
	}

	out := result.Text
	if strings.TrimSpace(out) == "" {
		out = emptyReplyText
	}
	if m.opts.ShowUsage {
		if footer := UsageFooter(result.Usage, result.Model, m.opts.Thresholds); footer != "" {
			out += "\n\n" + footer
		}
	}
	logger.InfoCF("agent", "Turn completed", map[string]any{
		"chat":    key,
		"history": len(result.History),
		"preview": utils.Truncate(result.Text, 80),
	})
	m.reply(msg, out)
	return nil
}

func (m *Machine) digest(ctx context.Context, msg bus.InboundMessage, key string, s state.Active, question string) error {
	m.typing(msg)
	log := s.Log.Prune(m.now(), m.opts.Retention)
	var (
		out string
		err error
	)
	if question == "" {
		out, err = m.digester.Digest(ctx, log)
	} else {
		out, err = m.digester.Answer(ctx, log, question)
	}
	if err != nil {
		return m.fail(msg, asTurnError(KindCompletion, err, map[string]any{"chat": key}))
	}
	m.reply(msg, out)
	return nil
}

// PostDigest publishes an unsolicited digest to the chat behind key.
// Suspended chats and chats with nothing to summarize are skipped.
func (m *Machine) PostDigest(ctx context.Context, key string) error {
	channel, chatID, ok := splitKey(key)
	if !ok {
		return fmt.Errorf("invalid dialogue key %q", key)
	}
	current, err := m.store.GetOrDefault(ctx, key)
	if err != nil {
		return &TurnError{Kind: KindStore, CorrelationID: newCorrelationID(), Err: err}
	}
	s, ok := current.(state.Active)
	if !ok {
		return nil
	}
	log := s.Log.Prune(m.now(), m.opts.Retention)
	if digestTranscript(log) == "" {
		return nil
	}
	out, err := m.digester.Digest(ctx, log)
	if err != nil {
		return err
	}
	m.bus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: out})
	return nil
}

func (m *Machine) imagine(ctx context.Context, msg bus.InboundMessage, key, prompt string) error {
	if prompt == "" {
		m.reply(msg, imagineUsageText)
		return nil
	}
	if m.images == nil {
		m.reply(msg, noImagesText)
		return nil
	}
	m.typing(msg)
	if m.opts.ImageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ImageTimeout)
		defer cancel()
	}
	urls, err := m.images.Generate(ctx, prompt)
	if err != nil {
		return m.fail(msg, newTurnError(KindImage, err, map[string]any{"chat": key}))
	}
	m.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Kind:    bus.OutboundMedia,
		Media:   urls,
	})
	return nil
}

// commit writes next and confirms with text. Nothing is sent when the
// write fails except the error reply.
func (m *Machine) commit(ctx context.Context, msg bus.InboundMessage, key string, next state.ConversationState, text string) error {
	if err := m.store.Update(ctx, key, next); err != nil {
		return m.fail(msg, newTurnError(KindStore, err, map[string]any{"chat": key}))
	}
	m.reply(msg, text)
	return nil
}

func (m *Machine) fail(msg bus.InboundMessage, te *TurnError) error {
	m.reply(msg, te.UserMessage())
	return te
}

func (m *Machine) reply(msg bus.InboundMessage, text string) {
	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: text,
	}
	if !msg.IsPrivate {
		out.ReplyTo = msg.MessageID
	}
	m.bus.PublishOutbound(out)
}

func (m *Machine) typing(msg bus.InboundMessage) {
	m.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Kind:    bus.OutboundTyping,
	})
}
