package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		if !mb.PublishInbound(InboundMessage{Channel: "test", SenderID: "u", ChatID: "c", Content: "msg"}) {
			t.Fatalf("expected publish %d to be accepted", i)
		}
	}

	if mb.PublishInbound(InboundMessage{Channel: "test", SenderID: "u", ChatID: "c", Content: "overflow"}) {
		t.Fatalf("expected overflow publish to be rejected")
	}
	if mb.DroppedInbound() != 1 {
		t.Fatalf("expected dropped inbound count 1, got %d", mb.DroppedInbound())
	}
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBusWithBuffer(2)
	defer mb.Close()

	mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "one"})
	mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Kind: OutboundTyping})
	mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "overflow"})

	stats := mb.Stats()
	if stats.Outbound != 2 || stats.DroppedOutbound != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMessageBus_ConsumeRespectsContext(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatalf("expected consume on empty bus to give up when the context ends")
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
	if mb.PublishInbound(InboundMessage{Content: "late"}) {
		t.Fatalf("expected publish after close to be rejected")
	}
}

func TestOutboundMessage_EffectiveKind(t *testing.T) {
	if got := (OutboundMessage{}).EffectiveKind(); got != OutboundText {
		t.Fatalf("expected unset kind to be text, got %q", got)
	}
	if got := (OutboundMessage{Kind: OutboundMedia}).EffectiveKind(); got != OutboundMedia {
		t.Fatalf("expected media kind, got %q", got)
	}
}
