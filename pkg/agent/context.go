package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/dotsetgreg/chatrelay/pkg/providers"
	"github.com/dotsetgreg/chatrelay/pkg/state"
	"github.com/dotsetgreg/chatrelay/pkg/tokens"
)

// ContextBuilder assembles the message list for one completion request:
// the system preamble followed by as much recent history as the model's
// window allows.
type ContextBuilder struct {
	systemPrompt string
	budgeter     *tokens.Budgeter
	reserved     int
}

func NewContextBuilder(systemPrompt string, budgeter *tokens.Budgeter, reserved int) *ContextBuilder {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = config.DefaultSystemPrompt
	}
	return &ContextBuilder{systemPrompt: systemPrompt, budgeter: budgeter, reserved: reserved}
}

func (cb *ContextBuilder) SystemMessage() providers.Message {
	return providers.Message{Role: string(state.RoleSystem), Content: cb.systemPrompt}
}

// ErrPromptTooLarge means the newest message cannot be sent within the
// model's context window.
var ErrPromptTooLarge = errors.New("message does not fit the context window")

// Build returns the bounded request for history, oldest first. The newest
// message must always be part of the request: when it does not fit, or
// cannot be estimated, Build fails instead of sending older context.
func (cb *ContextBuilder) Build(history state.History, model string) ([]providers.Message, error) {
	msgs := toProviderMessages(history)
	system := cb.SystemMessage()
	if cb.budgeter == nil {
		return append([]providers.Message{system}, msgs...), nil
	}
	out := cb.budgeter.Select(system, msgs, model, cb.reserved)
	if len(msgs) > 0 && len(out) == 1 {
		newest := []providers.Message{system, msgs[len(msgs)-1]}
		if _, err := cb.budgeter.Fits(newest, model, cb.reserved); err != nil {
			return nil, fmt.Errorf("build context: %w", err)
		}
		return nil, fmt.Errorf("build context for %s: %w", model, ErrPromptTooLarge)
	}
	return out, nil
}

func toProviderMessages(history state.History) []providers.Message {
	out := make([]providers.Message, 0, len(history))
	for _, m := range history {
		out = append(out, providers.Message{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    sanitizeName(m.Name),
		})
	}
	return out
}

// sanitizeName maps a display name onto the characters the chat
// completions "name" field accepts: [A-Za-z0-9_-], at most 64.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		if b.Len() >= 64 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
