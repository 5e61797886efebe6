package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
)

// Console is a loopback transport for local development: outbound messages
// go to the logger, and Feed injects scripted inbound lines as if a viewer
// had typed them. The console user carries broadcaster rights so privileged
// commands can be exercised without a real channel.
type Console struct {
	bus      *bus.Bus
	logger   *slog.Logger
	channels []string
}

// NewConsole builds a console transport joined to channels.
func NewConsole(channels []string, b *bus.Bus, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		bus:      b,
		logger:   logger.With("component", "console"),
		channels: channels,
	}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(ctx context.Context, channel, text string) error {
	c.logger.Info("chat message", "channel", channel, "text", text)
	return nil
}

func (c *Console) Broadcast(ctx context.Context, text, source string, exclude string) error {
	for _, channel := range c.channels {
		if channel == exclude {
			continue
		}
		if err := c.Send(ctx, channel, text); err != nil {
			return err
		}
	}
	return nil
}

func (c *Console) Channels() []string {
	out := make([]string, len(c.channels))
	copy(out, c.channels)
	return out
}

// Feed publishes one inbound line on the bus.
func (c *Console) Feed(ctx context.Context, channel, user, text string) {
	c.bus.Publish(ctx, bus.TopicChatInbound, bus.ChatMessage{
		ID:            uuid.NewString(),
		Channel:       strings.ToLower(channel),
		UserID:        "console:" + strings.ToLower(user),
		UserName:      user,
		Text:          text,
		IsMod:         true,
		IsBroadcaster: true,
		ReceivedAt:    time.Now(),
	})
}
