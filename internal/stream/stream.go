// Package stream is the process-local pub/sub machinery decoupling state
// writers from readers. Delivery is best-effort and at-most-once: a
// subscriber that falls behind loses events rather than blocking the
// publisher, so consumers must treat events as hints and re-check
// authoritative state before acting.
package stream

import (
	"sync"
)

const defaultBuffer = 64

// Subscription receives broadcast messages of type T on C until closed.
type Subscription[T any] struct {
	// C delivers matching events. It is closed by Close and by the
	// publisher's shutdown.
	C <-chan T

	publisher *Publisher[T]
	ch        chan T
	filter    func(T) bool
	closeOnce sync.Once
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription[T]) Close() {
	s.publisher.unregister(s)
}

// Publisher broadcasts messages of type T to all registered subscriptions.
type Publisher[T any] struct {
	lock          sync.Mutex
	subscriptions map[*Subscription[T]]struct{}
	closed        bool
	dropped       int64
}

// NewPublisher creates a new Publisher for message type T.
func NewPublisher[T any]() *Publisher[T] {
	return &Publisher[T]{
		subscriptions: map[*Subscription[T]]struct{}{},
	}
}

// Subscribe registers a new subscription. A nil filter receives everything.
// buffer <= 0 picks a sane default.
func (p *Publisher[T]) Subscribe(buffer int, filter func(T) bool) *Subscription[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan T, buffer)
	sub := &Subscription[T]{
		C:         ch,
		ch:        ch,
		publisher: p,
		filter:    filter,
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		close(ch)
		return sub
	}
	p.subscriptions[sub] = struct{}{}
	return sub
}

func (p *Publisher[T]) unregister(sub *Subscription[T]) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.subscriptions[sub]; !ok {
		return
	}
	delete(p.subscriptions, sub)
	sub.closeOnce.Do(func() { close(sub.ch) })
}

// Broadcast delivers events to every matching subscription without ever
// blocking: sends to a full channel are dropped.
func (p *Publisher[T]) Broadcast(events ...T) {
	if len(events) == 0 {
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	for sub := range p.subscriptions {
		for _, ev := range events {
			if sub.filter != nil && !sub.filter(ev) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				p.dropped++
			}
		}
	}
}

// Dropped returns how many events were discarded on full subscriber buffers.
func (p *Publisher[T]) Dropped() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.dropped
}

// Close closes all subscriptions; further Broadcasts are no-ops and further
// Subscribes return already-closed subscriptions.
func (p *Publisher[T]) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for sub := range p.subscriptions {
		sub.closeOnce.Do(func() { close(sub.ch) })
		delete(p.subscriptions, sub)
	}
}
