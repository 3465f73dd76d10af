// Package bus routes typed events from publishers to subscribers in-process.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"hftsim-go/internal/signal"
)

// ErrClosed is returned when subscribing to a bus that has been shut down.
var ErrClosed = errors.New("event bus closed")

const defaultQueueSize = 4096

// Handler receives one event. Handlers run on the topic's dispatcher
// goroutine and must not block for long.
type Handler func(signal.Payload)

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus delivers each published payload to every handler subscribed to its
// topic. Dispatch is asynchronous; ordering is preserved within a topic.
type Bus struct {
	log       zerolog.Logger
	queueSize int

	mu       sync.RWMutex
	subs     map[signal.Topic][]subscriber
	queues   map[signal.Topic]chan signal.Payload
	closed   bool
	nextID   atomic.Uint64
	dropped  atomic.Uint64
	halt     chan struct{}
	haltOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize bounds the number of undelivered events per topic.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New builds a bus and starts one dispatcher per topic.
func New(log zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		log:       log.With().Str("component", "bus").Logger(),
		queueSize: defaultQueueSize,
		subs:      make(map[signal.Topic][]subscriber),
		queues:    make(map[signal.Topic]chan signal.Payload),
		halt:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, topic := range signal.Topics() {
		q := make(chan signal.Payload, b.queueSize)
		b.queues[topic] = q
		b.wg.Add(1)
		go b.dispatch(topic, q)
	}
	return b
}

// Publish enqueues p for its topic's subscribers without waiting for them.
// It reports false when the event was dropped (bus closed or queue full).
func (b *Bus) Publish(p signal.Payload) bool {
	if p == nil {
		return false
	}
	topic := p.Topic()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	q, ok := b.queues[topic]
	if !ok {
		return false
	}
	select {
	case q <- p:
		return true
	default:
		b.dropped.Add(1)
		b.log.Warn().Str("topic", string(topic)).Msg("event queue full, dropping event")
		return false
	}
}

// Subscribe registers handler for topic. Subscribing the same handler twice
// yields two independent subscriptions.
func (b *Bus) Subscribe(topic signal.Topic, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", topic)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.queues[topic]; !ok {
		return nil, fmt.Errorf("subscribe: unknown topic %q", topic)
	}
	id := b.nextID.Add(1)
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, handler: handler})
	return &Subscription{bus: b, topic: topic, id: id}, nil
}

// On subscribes a handler typed to a single payload kind.
func On[T signal.Payload](b *Bus, fn func(T)) (*Subscription, error) {
	var zero T
	return b.Subscribe(zero.Topic(), func(p signal.Payload) {
		if v, ok := p.(T); ok {
			fn(v)
		}
	})
}

// Dropped reports how many events were discarded because a queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Shutdown stops accepting subscriptions and publishes, then drains queued
// events until ctx expires. Anything still queued afterwards is discarded.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, q := range b.queues {
			close(q)
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.haltOnce.Do(func() { close(b.halt) })
		<-done
		return ctx.Err()
	}
}

func (b *Bus) unsubscribe(topic signal.Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			next := make([]subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.subs[topic] = next
			return
		}
	}
}

func (b *Bus) handlers(topic signal.Topic) []subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subs[topic]
}

func (b *Bus) dispatch(topic signal.Topic, q <-chan signal.Payload) {
	defer b.wg.Done()
	for {
		select {
		case <-b.halt:
			return
		case p, ok := <-q:
			if !ok {
				return
			}
			for _, s := range b.handlers(topic) {
				b.deliver(topic, s, p)
			}
		}
	}
}

func (b *Bus) deliver(topic signal.Topic, s subscriber, p signal.Payload) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("topic", string(topic)).
				Uint64("subscriber", s.id).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	s.handler(p)
}

// Subscription is the deregistration token returned by Subscribe.
type Subscription struct {
	bus   *Bus
	topic signal.Topic
	id    uint64
	once  sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() signal.Topic { return s.topic }

// Unsubscribe removes the handler. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.bus.unsubscribe(s.topic, s.id) })
}
