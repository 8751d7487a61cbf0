package bus

import (
	"context"
	"log"
	"sync"
)

// MessageBus connects utterance channels to the gateway. Inbound is consumed
// by the gateway's process loop; outbound utterances are dispatched to the
// subscriber registered for their channel name.
type MessageBus struct {
	Inbound  chan InboundUtterance
	Outbound chan OutboundUtterance

	mu          sync.RWMutex
	subscribers map[string]func(OutboundUtterance)
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:     make(chan InboundUtterance, bufSize),
		Outbound:    make(chan OutboundUtterance, bufSize),
		subscribers: make(map[string]func(OutboundUtterance)),
	}
}

// SubscribeOutbound registers the delivery function for a channel name.
// Registering again replaces the previous subscriber.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundUtterance)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = fn
}

// DispatchOutbound drains the Outbound channel until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn, ok := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if !ok {
				log.Printf("[bus] no subscriber for channel %s, dropping utterance for call %s", msg.Channel, msg.CallID)
				continue
			}
			fn(msg)
		case <-ctx.Done():
			return
		}
	}
}
