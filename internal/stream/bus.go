package stream

import (
	"github.com/google/uuid"

	"github.com/tokenlease/tokend/pkg/model"
)

// Bus is the token event bus: one global topic carrying every token
// state-change, with per-token views expressed as filtered subscriptions.
type Bus struct {
	tokens *Publisher[model.TokenEvent]
}

// NewBus creates the event bus.
func NewBus() *Bus {
	return &Bus{tokens: NewPublisher[model.TokenEvent]()}
}

// Publish broadcasts events on the global topic.
func (b *Bus) Publish(events ...model.TokenEvent) {
	b.tokens.Broadcast(events...)
}

// SubscribeAll subscribes to every token state-change.
func (b *Bus) SubscribeAll() *Subscription[model.TokenEvent] {
	return b.tokens.Subscribe(0, nil)
}

// SubscribeToken subscribes to state-changes of a single token.
func (b *Bus) SubscribeToken(tokenID uuid.UUID) *Subscription[model.TokenEvent] {
	return b.tokens.Subscribe(0, func(ev model.TokenEvent) bool {
		return ev.TokenID == tokenID
	})
}

// Close shuts the bus down, closing all subscriptions.
func (b *Bus) Close() {
	b.tokens.Close()
}
