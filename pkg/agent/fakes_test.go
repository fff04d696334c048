package agent

import (
	"context"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/providers"
	"github.com/dotsetgreg/chatrelay/pkg/state"
	"github.com/dotsetgreg/chatrelay/pkg/tokens"
)

// scriptedReply is what the fake completion service does for one call.
type scriptedReply struct {
	deltas   []providers.Delta
	failWith error // returned by the stream after deltas
	startErr error
	response *providers.LLMResponse
	usage    *providers.UsageInfo
}

type scriptedProvider struct {
	mu          sync.Mutex
	replies     []scriptedReply
	calls       [][]providers.Message
	beforeDelta func()
}

func (p *scriptedProvider) next(messages []providers.Message) scriptedReply {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, slices.Clone(messages))
	if len(p.replies) == 0 {
		return scriptedReply{}
	}
	r := p.replies[0]
	p.replies = p.replies[1:]
	return r
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptedProvider) call(i int) []providers.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

func (p *scriptedProvider) Complete(_ context.Context, messages []providers.Message, model string, _ map[string]interface{}) (*providers.LLMResponse, error) {
	r := p.next(messages)
	if r.startErr != nil {
		return nil, r.startErr
	}
	if r.response != nil {
		return r.response, nil
	}
	var b strings.Builder
	for _, d := range r.deltas {
		b.WriteString(d.Text)
	}
	return &providers.LLMResponse{Content: b.String(), Model: model, Usage: r.usage}, nil
}

func (p *scriptedProvider) Stream(_ context.Context, messages []providers.Message, _ string, _ map[string]interface{}) (*providers.DeltaStream, error) {
	r := p.next(messages)
	if r.startErr != nil {
		return nil, r.startErr
	}
	i := 0
	stream := providers.NewDeltaStream(func() (providers.Delta, error) {
		if i < len(r.deltas) {
			if p.beforeDelta != nil {
				p.beforeDelta()
			}
			d := r.deltas[i]
			i++
			return d, nil
		}
		if r.failWith != nil {
			return providers.Delta{}, r.failWith
		}
		return providers.Delta{}, io.EOF
	}, nil)
	if r.usage != nil {
		stream.SetUsage(*r.usage)
	}
	return stream, nil
}

func (p *scriptedProvider) GetDefaultModel() string {
	return "test-model"
}

func textDeltas(parts ...string) []providers.Delta {
	out := make([]providers.Delta, 0, len(parts))
	for _, p := range parts {
		out = append(out, providers.Delta{Text: p})
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingStore struct {
	*state.MemoryStore
	err error
}

func (f failingStore) Update(_ context.Context, key string, _ state.ConversationState) error {
	return &state.StoreError{Op: "update", Key: key, Err: f.err}
}

type fakeImages struct {
	urls []string
	err  error
}

func (f fakeImages) Generate(context.Context, string) ([]string, error) {
	return f.urls, f.err
}

// stuckImages never finishes until its context ends.
type stuckImages struct{}

func (stuckImages) Generate(ctx context.Context, _ string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type harness struct {
	machine  *Machine
	turns    *TurnExecutor
	store    *state.MemoryStore
	bus      *bus.MessageBus
	provider *scriptedProvider
	clock    *fakeClock
}

func testTurnOptions() TurnOptions {
	return TurnOptions{
		Model:          "test-model",
		BotName:        "relay",
		MaxTokens:      1000,
		Streaming:      true,
		TypingInterval: time.Second,
	}
}

func newHarness(t *testing.T, p *scriptedProvider, configure func(*TurnOptions, *MachineOptions)) *harness {
	t.Helper()
	opts := testTurnOptions()
	mopts := MachineOptions{Retention: 24 * time.Hour, MaxObservations: 500}
	if configure != nil {
		configure(&opts, &mopts)
	}

	budgeter := tokens.NewBudgeter(tokens.NewCharEstimator(), tokens.NewWindows(nil, 128000))
	builder := NewContextBuilder("", budgeter, opts.MaxTokens)
	clock := newFakeClock()
	turns := NewTurnExecutor(p, builder, opts)
	turns.SetClock(clock)

	store := state.NewMemoryStore()
	mb := bus.NewMessageBus()
	m := NewMachine(store, turns, NewDigester(p, opts), nil, mb, mopts)
	m.now = clock.Now
	return &harness{machine: m, turns: turns, store: store, bus: mb, provider: p, clock: clock}
}

// drain collects everything published so far.
func drain(mb *bus.MessageBus) []bus.OutboundMessage {
	var out []bus.OutboundMessage
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		msg, ok := mb.SubscribeOutbound(ctx)
		cancel()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func texts(msgs []bus.OutboundMessage) []string {
	var out []string
	for _, m := range msgs {
		if m.EffectiveKind() == bus.OutboundText {
			out = append(out, m.Content)
		}
	}
	return out
}

func privateMsg(text string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:    "discord",
		ChatID:     "dm1",
		SenderID:   "u1",
		SessionKey: "discord:dm1",
		Content:    text,
		IsPrivate:  true,
	}
}

func groupMsg(author, text string, at time.Time) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:     "discord",
		ChatID:      "g1",
		SenderID:    author + "-id",
		SessionKey:  "discord:g1",
		Content:     text,
		Author:      author,
		Timestamp:   at,
		MessageID:   "m-" + author,
		BotMentions: []string{"@bot"},
		BotUsername: "bot",
	}
}
