package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
	"github.com/ElSerda/KissBot-sub000/internal/helix"
	otelpkg "github.com/ElSerda/KissBot-sub000/internal/otel"
)

// Config wires a Monitor.
type Config struct {
	Helix    helix.API
	Bus      *bus.Bus
	Table    *StateTable
	Channels []string
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *otelpkg.Metrics
}

// Monitor polls Helix for stream liveness. One GetStream call per channel
// per tick, sequential; the first tick runs immediately on Start.
type Monitor struct {
	helix    helix.API
	bus      *bus.Bus
	table    *StateTable
	channels []string
	interval time.Duration
	logger   *slog.Logger
	metrics  *otelpkg.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Monitor. The table may be shared with a push client.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	table := cfg.Table
	if table == nil {
		table = NewStateTable(cfg.Channels)
	}
	return &Monitor{
		helix:    cfg.Helix,
		bus:      cfg.Bus,
		table:    table,
		channels: cfg.Channels,
		interval: interval,
		logger:   logger.With("component", "monitor"),
		metrics:  cfg.Metrics,
	}
}

// Table returns the state table the monitor records into.
func (m *Monitor) Table() *StateTable { return m.table }

// Start launches the polling loop. Safe to call once.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.logger.Info("stream poller starting",
		"channels", len(m.channels), "interval", m.interval)

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for the in-flight tick.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) {
	for _, channel := range m.channels {
		if ctx.Err() != nil {
			return
		}
		m.checkChannel(ctx, channel)
	}
}

func (m *Monitor) checkChannel(ctx context.Context, channel string) {
	stream, err := m.helix.GetStream(ctx, channel)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if m.table.ObserveError(channel) {
			m.logger.Warn("channel state reset after repeated helix failures",
				"channel", channel, "error", err)
		} else {
			m.logger.Warn("stream poll failed", "channel", channel, "error", err)
		}
		return
	}

	online := stream != nil
	if online {
		m.table.RememberID(channel, stream.UserID)
	}
	switch m.table.Observe(channel, online) {
	case TransitionWentOnline:
		PublishTransition(ctx, m.bus, m.metrics, bus.KindStreamOnline, channel, "poll",
			map[string]any{
				"channel_id":   stream.UserID,
				"title":        stream.Title,
				"game_name":    stream.GameName,
				"viewer_count": stream.ViewerCount,
				"started_at":   stream.StartedAt.Format(time.RFC3339),
			})
		m.logger.Info("stream went online", "channel", channel, "source", "poll",
			"game", stream.GameName, "viewers", stream.ViewerCount)
	case TransitionWentOffline:
		PublishTransition(ctx, m.bus, m.metrics, bus.KindStreamOffline, channel, "poll",
			map[string]any{"channel_id": m.table.BroadcasterID(channel)})
		m.logger.Info("stream went offline", "channel", channel, "source", "poll")
	}
}

// PublishTransition publishes a stream transition SystemEvent and counts it.
// Both observation paths funnel through here so payload shape and metrics
// labels stay uniform.
func PublishTransition(ctx context.Context, b *bus.Bus, metrics *otelpkg.Metrics,
	kind, channel, source string, fields map[string]any) {

	transition := "online->offline"
	if kind == bus.KindStreamOnline {
		transition = "offline->online"
	}
	payload := map[string]any{
		"channel":    channel,
		"source":     source,
		"transition": transition,
	}
	for k, v := range fields {
		payload[k] = v
	}
	b.Publish(ctx, bus.TopicSystemEvent, bus.SystemEvent{
		Kind:    kind,
		Channel: channel,
		Payload: payload,
		At:      time.Now(),
	})

	if metrics != nil {
		metrics.MonitorTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("transition", kind),
			attribute.String("source", source),
		))
	}
}
