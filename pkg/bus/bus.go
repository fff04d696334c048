package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferSize = 100
	publishTimeout    = 100 * time.Millisecond
)

// MessageBus decouples platform channels from the relay loop. Inbound
// messages flow from channels to the agent, outbound messages (text,
// typing indicators, media) flow back to the channel manager.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	closed   bool
	stats    counters
	mu       sync.RWMutex
}

type counters struct {
	inbound         atomic.Uint64
	outbound        atomic.Uint64
	droppedInbound  atomic.Uint64
	droppedOutbound atomic.Uint64
}

// Stats is a point-in-time snapshot of bus traffic.
type Stats struct {
	Inbound         uint64 `json:"inbound"`
	Outbound        uint64 `json:"outbound"`
	DroppedInbound  uint64 `json:"dropped_inbound"`
	DroppedOutbound uint64 `json:"dropped_outbound"`
}

func NewMessageBus() *MessageBus {
	return NewMessageBusWithBuffer(defaultBufferSize)
}

func NewMessageBusWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
	}
}

// PublishInbound enqueues msg, waiting briefly when the buffer is full.
// It reports whether the message was accepted.
func (mb *MessageBus) PublishInbound(msg InboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	if publish(mb.inbound, msg) {
		mb.stats.inbound.Add(1)
		return true
	}
	mb.stats.droppedInbound.Add(1)
	return false
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		if !ok {
			return InboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	if publish(mb.outbound, msg) {
		mb.stats.outbound.Add(1)
		return true
	}
	mb.stats.droppedOutbound.Add(1)
	return false
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		if !ok {
			return OutboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func publish[T any](ch chan T, msg T) bool {
	select {
	case ch <- msg:
		return true
	default:
	}
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case ch <- msg:
		return true
	case <-timer.C:
		return false
	}
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}

func (mb *MessageBus) DroppedInbound() uint64 {
	return mb.stats.droppedInbound.Load()
}

func (mb *MessageBus) DroppedOutbound() uint64 {
	return mb.stats.droppedOutbound.Load()
}

func (mb *MessageBus) Stats() Stats {
	return Stats{
		Inbound:         mb.stats.inbound.Load(),
		Outbound:        mb.stats.outbound.Load(),
		DroppedInbound:  mb.stats.droppedInbound.Load(),
		DroppedOutbound: mb.stats.droppedOutbound.Load(),
	}
}
