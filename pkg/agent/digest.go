package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/providers"
	"github.com/dotsetgreg/chatrelay/pkg/state"
)

const (
	emptyDigestText = "Nothing to summarize yet."

	digestInstruction = "You summarize group chat conversations. The user message contains " +
		"the recent messages, one per line as `author [time]: text`. Write a short summary " +
		"of the topics discussed and who said what. Do not invent messages."
	answerInstruction = "You answer questions about a group chat conversation. The user message " +
		"contains the recent messages, one per line as `author [time]: text`, followed by a " +
		"question. Answer using only those messages; say so if they do not contain the answer."
)

// Digester summarizes or queries the group observation log. It is
// read-only: neither the log nor the bot's own history is changed.
type Digester struct {
	provider  providers.CompletionProvider
	model     string
	maxTokens int
	timeout   time.Duration
}

func NewDigester(provider providers.CompletionProvider, opts TurnOptions) *Digester {
	return &Digester{
		provider:  provider,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		timeout:   opts.Timeout,
	}
}

func (d *Digester) Digest(ctx context.Context, log state.ObservationLog) (string, error) {
	transcript := digestTranscript(log)
	if transcript == "" {
		return emptyDigestText, nil
	}
	return d.ask(ctx, digestInstruction, transcript)
}

func (d *Digester) Answer(ctx context.Context, log state.ObservationLog, question string) (string, error) {
	transcript := digestTranscript(log)
	if transcript == "" {
		return emptyDigestText, nil
	}
	return d.ask(ctx, answerInstruction, transcript+"\n\nQuestion: "+strings.TrimSpace(question))
}

func (d *Digester) ask(ctx context.Context, instruction, user string) (string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	messages := []providers.Message{
		{Role: string(state.RoleSystem), Content: instruction},
		{Role: string(state.RoleUser), Content: user},
	}
	resp, err := d.provider.Complete(ctx, messages, d.model, map[string]interface{}{"max_tokens": d.maxTokens})
	if err != nil {
		return "", newTurnError(KindCompletion, fmt.Errorf("digest completion: %w", err), map[string]any{"model": d.model})
	}
	return resp.Content, nil
}

// digestTranscript renders entries that have both an author and text.
// Anything else is skipped.
func digestTranscript(log state.ObservationLog) string {
	var lines []string
	for _, o := range log {
		author := strings.TrimSpace(o.Author)
		text := strings.TrimSpace(o.Text)
		if author == "" || text == "" {
			continue
		}
		at := time.UnixMilli(o.AtMS).UTC().Format(time.RFC3339)
		lines = append(lines, fmt.Sprintf("%s [%s]: %s", author, at, text))
	}
	return strings.Join(lines, "\n")
}
