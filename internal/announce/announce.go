// Package announce turns stream transitions into chat messages. The
// announcer subscribes to system events and, for stream.online and
// stream.offline, renders the configured template and publishes the result
// on the outbound chat topic.
package announce

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
	"github.com/ElSerda/KissBot-sub000/internal/config"
	"github.com/ElSerda/KissBot-sub000/internal/shared"
)

const (
	maxAnnouncementLen = 500

	// Fallbacks when the configured template does not render.
	fallbackOnline  = "@{channel} is now live!"
	fallbackOffline = "{channel} has gone offline. Thanks for watching!"
)

// Announcer renders stream.online / stream.offline announcements.
type Announcer struct {
	bus    *bus.Bus
	logger *slog.Logger
	sub    *bus.Subscription

	mu      sync.Mutex
	online  config.AnnouncementConfig
	offline config.AnnouncementConfig
}

// New builds an Announcer from the announcements config block.
func New(cfg config.AnnouncementsConfig, b *bus.Bus, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		bus:     b,
		online:  cfg.StreamOnline,
		offline: cfg.StreamOffline,
		logger:  logger.With("component", "announcer"),
	}
}

// Attach subscribes the announcer to the system event topic.
func (a *Announcer) Attach() {
	a.sub = a.bus.Subscribe(bus.TopicSystemEvent, "announcer", a.handle)
}

// Detach removes the bus subscription.
func (a *Announcer) Detach() {
	if a.sub != nil {
		a.bus.Unsubscribe(a.sub)
		a.sub = nil
	}
}

// SetConfig replaces the announcement templates on config reload.
func (a *Announcer) SetConfig(cfg config.AnnouncementsConfig) {
	a.mu.Lock()
	a.online = cfg.StreamOnline
	a.offline = cfg.StreamOffline
	a.mu.Unlock()
}

func (a *Announcer) handle(ctx context.Context, payload any) error {
	ev, ok := payload.(bus.SystemEvent)
	if !ok {
		return nil
	}

	a.mu.Lock()
	online, offline := a.online, a.offline
	a.mu.Unlock()

	var cfg config.AnnouncementConfig
	var fallback string
	switch ev.Kind {
	case bus.KindStreamOnline:
		cfg, fallback = online, fallbackOnline
	case bus.KindStreamOffline:
		cfg, fallback = offline, fallbackOffline
	default:
		return nil
	}
	if !cfg.Enabled {
		return nil
	}

	channel, _ := ev.Payload["channel"].(string)
	channelID, _ := ev.Payload["channel_id"].(string)
	if channel == "" || channelID == "" {
		a.logger.Warn("announcement skipped, transition payload incomplete",
			"kind", ev.Kind, "channel", ev.Channel)
		return nil
	}

	text := a.render(cfg.Message, fallback, channel, ev.Payload)
	a.logger.Info("announcing stream transition", "kind", ev.Kind, "channel", channel)
	a.bus.Publish(ctx, bus.TopicChatOutbound, bus.OutboundMessage{
		Channel: channel,
		Text:    shared.Truncate(text, maxAnnouncementLen),
		Source:  "announcer",
	})
	return nil
}

// render expands the template against the transition payload. A malformed
// template is reported once and replaced by the fallback for that kind.
func (a *Announcer) render(template, fallback, channel string, payload map[string]any) string {
	values := map[string]string{
		"channel":      channel,
		"title":        stringField(payload, "title", "Untitled"),
		"game_name":    stringField(payload, "game_name", "Unknown category"),
		"viewer_count": viewerCount(payload),
	}
	text, err := expand(template, values)
	if err != nil {
		a.logger.Warn("announcement template malformed", "template", template, "error", err)
		text, _ = expand(fallback, values)
	}
	return text
}

// expand substitutes {name} placeholders from values. Unbalanced braces and
// unknown placeholder names are errors.
func expand(template string, values map[string]string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(template); {
		switch template[i] {
		case '{':
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("unbalanced '{' at offset %d", i)
			}
			name := template[i+1 : i+end]
			val, ok := values[name]
			if !ok {
				return "", fmt.Errorf("unknown placeholder %q", name)
			}
			b.WriteString(val)
			i += end + 1
		case '}':
			return "", fmt.Errorf("unbalanced '}' at offset %d", i)
		default:
			b.WriteByte(template[i])
			i++
		}
	}
	return b.String(), nil
}

func stringField(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func viewerCount(payload map[string]any) string {
	switch v := payload["viewer_count"].(type) {
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return "0"
	}
}
