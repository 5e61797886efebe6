// Package chat is the seam between the bus and a chat transport. The
// transport itself (IRC, console) is pluggable; the Writer consumes
// outbound messages and forwards them with per-channel rate limiting.
package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
	otelpkg "github.com/ElSerda/KissBot-sub000/internal/otel"
)

// Transport delivers chat messages to a platform.
type Transport interface {
	// Name identifies the transport in logs and status output.
	Name() string
	// Send posts text to one channel.
	Send(ctx context.Context, channel, text string) error
	// Broadcast posts text to every joined channel except exclude.
	Broadcast(ctx context.Context, text, source string, exclude string) error
	// Channels lists the joined channels.
	Channels() []string
}

const (
	defaultInterval    = 1500 * time.Millisecond
	defaultBurst       = 2
	defaultSendTimeout = 5 * time.Second
)

// WriterConfig wires a Writer. Interval, Burst, and SendTimeout fall back to
// the chat-safe defaults when zero.
type WriterConfig struct {
	Transport   Transport
	Bus         *bus.Bus
	Logger      *slog.Logger
	Metrics     *otelpkg.Metrics
	Interval    time.Duration
	Burst       int
	SendTimeout time.Duration
}

// Writer subscribes to the outbound topic and forwards messages to the
// transport. Each channel gets its own rate limiter so a chatty channel
// cannot starve the others. Failed sends are logged and dropped; outbound
// chat is disposable and never retried.
type Writer struct {
	transport   Transport
	bus         *bus.Bus
	logger      *slog.Logger
	metrics     *otelpkg.Metrics
	interval    time.Duration
	burst       int
	sendTimeout time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	sub      *bus.Subscription
}

// NewWriter builds a Writer around transport.
func NewWriter(cfg WriterConfig) *Writer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Writer{
		transport:   cfg.Transport,
		bus:         cfg.Bus,
		logger:      logger.With("component", "chat", "transport", cfg.Transport.Name()),
		metrics:     cfg.Metrics,
		interval:    interval,
		burst:       burst,
		sendTimeout: sendTimeout,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Attach subscribes the writer to the outbound chat topic.
func (w *Writer) Attach() {
	w.sub = w.bus.Subscribe(bus.TopicChatOutbound, "chat-writer", w.handle)
}

// Detach removes the bus subscription.
func (w *Writer) Detach() {
	if w.sub != nil {
		w.bus.Unsubscribe(w.sub)
		w.sub = nil
	}
}

func (w *Writer) handle(ctx context.Context, payload any) error {
	msg, ok := payload.(bus.OutboundMessage)
	if !ok || msg.Channel == "" || msg.Text == "" {
		return nil
	}

	if err := w.limiter(msg.Channel).Wait(ctx); err != nil {
		// Shutdown while queued; the message dies with the process.
		w.observe(ctx, msg, "dropped")
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()
	if err := w.transport.Send(sendCtx, msg.Channel, msg.Text); err != nil {
		w.logger.Warn("chat send failed",
			"channel", msg.Channel, "source", msg.Source, "error", err)
		w.observe(ctx, msg, "error")
		return nil
	}
	w.observe(ctx, msg, "sent")
	return nil
}

func (w *Writer) limiter(channel string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	lim, ok := w.limiters[channel]
	if !ok {
		lim = rate.NewLimiter(rate.Every(w.interval), w.burst)
		w.limiters[channel] = lim
	}
	return lim
}

func (w *Writer) observe(ctx context.Context, msg bus.OutboundMessage, outcome string) {
	if w.metrics == nil {
		return
	}
	w.metrics.OutboundMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", msg.Channel),
		attribute.String("source", msg.Source),
		attribute.String("outcome", outcome),
	))
}
