package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/logger"
	"github.com/dotsetgreg/chatrelay/pkg/providers"
	"github.com/dotsetgreg/chatrelay/pkg/state"
	"github.com/dotsetgreg/chatrelay/pkg/tokens"
	"github.com/dotsetgreg/chatrelay/pkg/utils"
)

// Clock is the time source for typing throttling. time.Now carries a
// monotonic reading, so intervals are immune to wall clock jumps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type TurnOptions struct {
	Model          string
	BotName        string
	// MaxTokens is the completion cap the context builder reserved room
	// for. Sampling temperature is a provider default.
	MaxTokens      int
	Timeout        time.Duration
	Streaming      bool
	TypingInterval time.Duration
}

// TurnExecutor runs one request/response cycle against the completion
// service. It never touches the store.
type TurnExecutor struct {
	provider providers.CompletionProvider
	builder  *ContextBuilder
	opts     TurnOptions
	clock    Clock
}

func NewTurnExecutor(provider providers.CompletionProvider, builder *ContextBuilder, opts TurnOptions) *TurnExecutor {
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = time.Second
	}
	return &TurnExecutor{provider: provider, builder: builder, opts: opts, clock: systemClock{}}
}

// SetClock replaces the time source; tests use it to drive typing.
func (t *TurnExecutor) SetClock(c Clock) {
	t.clock = c
}

type TurnRequest struct {
	ChatKey string
	History state.History
	Text    string
	Author  string
	// Typing is called when a typing indicator is due. Optional.
	Typing func()
}

type TurnResult struct {
	History state.History
	Text    string
	Usage   *providers.UsageInfo
	Model   string
}

// RunTurn appends the user message, consults the model and appends its
// reply. On any failure the returned error is a *TurnError and the
// caller's history is left as it was.
func (t *TurnExecutor) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	history := slices.Clone(req.History)
	history = append(history, state.ChatMessage{Role: state.RoleUser, Content: req.Text, Name: req.Author})

	messages, err := t.builder.Build(history, t.opts.Model)
	if err != nil {
		return TurnResult{}, newTurnError(KindCompletion, err, map[string]any{
			"chat":  req.ChatKey,
			"model": t.opts.Model,
		})
	}
	options := map[string]interface{}{"max_tokens": t.opts.MaxTokens}

	callCtx := ctx
	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	logger.DebugCF("agent", "Submitting completion", map[string]any{
		"chat":      req.ChatKey,
		"model":     t.opts.Model,
		"messages":  len(messages),
		"history":   len(history),
		"streaming": t.opts.Streaming,
		"preview":   utils.Truncate(req.Text, 80),
	})

	var (
		text  string
		usage *providers.UsageInfo
		model string
	)
	if t.opts.Streaming {
		text, usage, model, err = t.consumeStream(callCtx, messages, options, req.Typing)
	} else {
		var resp *providers.LLMResponse
		resp, err = t.provider.Complete(callCtx, messages, t.opts.Model, options)
		if err == nil {
			text, usage, model = resp.Content, resp.Usage, resp.Model
		}
	}
	if err != nil {
		return TurnResult{}, newTurnError(KindCompletion, err, map[string]any{
			"chat":  req.ChatKey,
			"model": t.opts.Model,
		})
	}

	history = append(history, state.ChatMessage{Role: state.RoleAssistant, Content: text, Name: t.opts.BotName})
	if model == "" {
		model = t.opts.Model
	}
	return TurnResult{History: history, Text: text, Usage: usage, Model: model}, nil
}

// consumeStream accumulates deltas per choice and pings typing at most
// once per TypingInterval. Deltas without text neither count toward the
// reply nor move the typing timer.
func (t *TurnExecutor) consumeStream(ctx context.Context, messages []providers.Message, options map[string]interface{}, typing func()) (string, *providers.UsageInfo, string, error) {
	stream, err := t.provider.Stream(ctx, messages, t.opts.Model, options)
	if err != nil {
		return "", nil, "", err
	}
	defer stream.Close()

	choices := map[int]*strings.Builder{}
	lastTyping := t.clock.Now()
	for {
		delta, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, "", fmt.Errorf("read completion stream: %w", err)
		}
		if delta.Text == "" {
			continue
		}
		b, ok := choices[delta.ChoiceIndex]
		if !ok {
			b = &strings.Builder{}
			choices[delta.ChoiceIndex] = b
		}
		b.WriteString(delta.Text)

		if now := t.clock.Now(); typing != nil && now.Sub(lastTyping) >= t.opts.TypingInterval {
			typing()
			lastTyping = now
		}
	}
	// A cancelled context can surface as a clean EOF from some transports.
	if err := ctx.Err(); err != nil {
		return "", nil, "", err
	}

	indexes := make([]int, 0, len(choices))
	for idx := range choices {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	var out strings.Builder
	for _, idx := range indexes {
		out.WriteString(choices[idx].String())
	}
	return out.String(), stream.Usage(), stream.Model(), nil
}

// UsageFooter renders token accounting for delivery. The warning appears
// once total usage passes the model's high-water mark.
func UsageFooter(usage *providers.UsageInfo, model string, thresholds tokens.Thresholds) string {
	if usage == nil {
		return ""
	}
	footer := fmt.Sprintf("Tokens used: %d (prompt %d, completion %d)", usage.TotalTokens, usage.PromptTokens, usage.CompletionTokens)
	if limit := thresholds.For(model); limit > 0 && usage.TotalTokens > limit {
		footer += fmt.Sprintf("\nThis conversation is past %d tokens; consider /reset to start fresh.", limit)
	}
	return footer
}
