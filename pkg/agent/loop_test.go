package agent

import (
	"context"
	"testing"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/dotsetgreg/chatrelay/pkg/state"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Agent.Model = "test-model"
	cfg.State.Backend = "memory"
	return cfg
}

func mustNewAgentLoop(tb testing.TB, cfg *config.Config, msgBus *bus.MessageBus, provider *scriptedProvider, store state.Store) *AgentLoop {
	tb.Helper()
	al, err := NewAgentLoop(cfg, msgBus, provider, store, nil)
	if err != nil {
		tb.Fatalf("NewAgentLoop failed: %v", err)
	}
	return al
}

func nextText(t *testing.T, mb *bus.MessageBus) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		msg, ok := mb.SubscribeOutbound(ctx)
		if !ok {
			t.Fatal("timed out waiting for a reply")
		}
		if msg.EffectiveKind() == bus.OutboundText {
			return msg
		}
	}
}

func TestAgentLoop_RunHandlesInbound(t *testing.T) {
	p := &scriptedProvider{replies: []scriptedReply{
		{deltas: textDeltas("Hi", " there")},
		{deltas: textDeltas("again")},
	}}
	store := state.NewMemoryStore()
	mb := bus.NewMessageBus()
	al := mustNewAgentLoop(t, testConfig(), mb, p, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- al.Run(ctx) }()

	mb.PublishInbound(bus.InboundMessage{Channel: "cli", ChatID: "local", Content: "hello", IsPrivate: true})
	if got := nextText(t, mb); got.Content != "Hi there" || got.ChatID != "local" {
		t.Fatalf("unexpected reply: %+v", got)
	}
	mb.PublishInbound(bus.InboundMessage{Channel: "cli", ChatID: "local", Content: "more", IsPrivate: true})
	if got := nextText(t, mb); got.Content != "again" {
		t.Fatalf("unexpected reply: %+v", got)
	}

	st, err := store.GetOrDefault(context.Background(), "cli:local")
	if err != nil {
		t.Fatalf("GetOrDefault: %v", err)
	}
	if active, ok := st.(state.Active); !ok || len(active.History) != 4 {
		t.Fatalf("expected 4 history entries, got %+v", st)
	}
	// The second request carries the first exchange.
	if n := len(p.call(1)); n != 4 {
		t.Fatalf("second request had %d messages, want 4", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewAgentLoop_RejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Digest.Schedule = "every tuesday"
	if _, err := NewAgentLoop(cfg, bus.NewMessageBus(), &scriptedProvider{}, state.NewMemoryStore(), nil); err == nil {
		t.Fatal("expected error for invalid digest schedule")
	}
	if _, err := NewAgentLoop(testConfig(), bus.NewMessageBus(), &scriptedProvider{}, nil, nil); err == nil {
		t.Fatal("expected error without a store")
	}
}

func TestAgentLoop_GetStartupInfo(t *testing.T) {
	cfg := testConfig()
	cfg.Digest.Schedule = "0 9 * * *"
	cfg.Digest.Chats = []string{"discord:1"}
	al := mustNewAgentLoop(t, cfg, bus.NewMessageBus(), &scriptedProvider{}, state.NewMemoryStore())

	info := al.GetStartupInfo()
	if info["model"] != "test-model" {
		t.Errorf("model = %v", info["model"])
	}
	if info["backend"] != "memory" {
		t.Errorf("backend = %v", info["backend"])
	}
	if info["digest"] != true || info["digest_chats"] != 1 {
		t.Errorf("digest info = %v / %v", info["digest"], info["digest_chats"])
	}
}

func TestAgentLoop_Stop(t *testing.T) {
	mb := bus.NewMessageBus()
	al := mustNewAgentLoop(t, testConfig(), mb, &scriptedProvider{}, state.NewMemoryStore())

	done := make(chan struct{})
	go func() {
		_ = al.Run(context.Background())
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	al.Stop()
	mb.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestImageTimeoutFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Images.Replicate.TimeoutSeconds = 45
	if got := imageTimeout(cfg); got != 45*time.Second {
		t.Fatalf("imageTimeout = %v, want 45s", got)
	}
	cfg.Images.Replicate.TimeoutSeconds = 0
	cfg.Agent.CompletionTimeoutSeconds = 90
	if got := imageTimeout(cfg); got != 90*time.Second {
		t.Fatalf("imageTimeout fallback = %v, want 90s", got)
	}
}
