// Package bus provides the in-process pub/sub spine that connects KissBot's
// components: transports publish inbound chat, the command router and the
// announcer publish outbound chat, and the stream monitors publish system
// events.
//
// Delivery is fire-and-forget. Publish never blocks on subscribers and never
// reports delivery errors back to the publisher; every delivery runs in its
// own supervised goroutine, so a slow, failing, or panicking handler cannot
// affect the publisher or any other subscriber. Each message is delivered at
// most once per subscriber, with no ordering guarantee across subscribers.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	otelpkg "github.com/ElSerda/KissBot-sub000/internal/otel"
)

// Handler consumes one published payload. A returned error is logged with the
// topic and handler name; it is never propagated to the publisher.
type Handler func(ctx context.Context, payload any) error

// Subscription represents an active handler registration on a single topic.
type Subscription struct {
	id    int
	topic string
	name  string
	fn    Handler
}

// Topic returns the topic this subscription is registered on.
func (s *Subscription) Topic() string { return s.topic }

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	Topics      int            // topics with at least one subscriber
	Subscribers map[string]int // topic -> handler count
	Published   uint64         // Publish calls
	Delivered   uint64         // handler invocations completed
	Errors      uint64         // handler invocations that returned an error
	Panics      uint64         // handler invocations that panicked
	InFlight    int64          // deliveries currently running
}

// Bus is an in-process topic bus. Use New; the zero value is not usable.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	nextID int
	closed bool

	logger  *slog.Logger
	wg      sync.WaitGroup
	metrics atomic.Pointer[otelpkg.Metrics]

	published atomic.Uint64
	delivered atomic.Uint64
	errors    atomic.Uint64
	panics    atomic.Uint64
	inFlight  atomic.Int64
}

// New creates a new Bus. Handler failures are logged on logger.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]*Subscription),
		logger: logger,
	}
}

// SetMetrics attaches telemetry counters to the bus. Telemetry is wired once
// during startup, before any traffic flows.
func (b *Bus) SetMetrics(m *otelpkg.Metrics) {
	b.metrics.Store(m)
}

// Subscribe registers fn for every payload published on topic. The name
// identifies the handler in delivery logs. The subscription stays active
// until Unsubscribe or Close.
func (b *Bus) Subscribe(topic, name string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:    b.nextID,
		topic: topic,
		name:  name,
		fn:    fn,
	}
	if !b.closed {
		b.subs[topic] = append(b.subs[topic], sub)
	}
	return sub
}

// Unsubscribe removes a subscription. Safe to call twice or with nil.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}

// Publish delivers payload to every current subscriber of topic, each on its
// own goroutine, and returns immediately. Publishing to a topic with no
// subscribers is a no-op. The context is passed through to handlers so that
// process shutdown can cancel long-running work.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) {
	b.published.Add(1)
	if m := b.metrics.Load(); m != nil {
		m.BusPublished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("topic", topic),
		))
	}

	b.mu.RLock()
	if b.closed || len(b.subs[topic]) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, len(b.subs[topic]))
	copy(targets, b.subs[topic])
	b.mu.RUnlock()

	for _, sub := range targets {
		b.wg.Add(1)
		b.inFlight.Add(1)
		go b.deliver(ctx, sub, payload)
	}
}

func (b *Bus) deliver(ctx context.Context, sub *Subscription, payload any) {
	defer b.wg.Done()
	defer b.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.countHandlerError(ctx, sub)
			b.logger.Error("bus handler panicked",
				"topic", sub.topic, "handler", sub.name, "panic", r)
		}
	}()

	err := sub.fn(ctx, payload)
	b.delivered.Add(1)
	if err != nil {
		b.errors.Add(1)
		b.countHandlerError(ctx, sub)
		b.logger.Warn("bus handler failed",
			"topic", sub.topic, "handler", sub.name, "error", err)
	}
}

func (b *Bus) countHandlerError(ctx context.Context, sub *Subscription) {
	if m := b.metrics.Load(); m != nil {
		m.BusHandlerErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("topic", sub.topic),
			attribute.String("handler", sub.name),
		))
	}
}

// WaitAll blocks until every in-flight delivery has returned.
func (b *Bus) WaitAll() {
	b.wg.Wait()
}

// Drain waits up to timeout for in-flight deliveries to finish.
// Returns false if the timeout elapsed first.
func (b *Bus) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close removes all subscriptions and waits for in-flight deliveries.
// Publish and Subscribe calls after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()
	b.wg.Wait()
}

// StatsSnapshot returns current bus counters and subscriber counts.
func (b *Bus) StatsSnapshot() Stats {
	b.mu.RLock()
	subs := make(map[string]int, len(b.subs))
	for topic, list := range b.subs {
		subs[topic] = len(list)
	}
	b.mu.RUnlock()

	return Stats{
		Topics:      len(subs),
		Subscribers: subs,
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Errors:      b.errors.Load(),
		Panics:      b.panics.Load(),
		InFlight:    b.inFlight.Load(),
	}
}
