package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ElSerda/KissBot-sub000/internal/chat"
	"github.com/ElSerda/KissBot-sub000/internal/helix"
	"github.com/ElSerda/KissBot-sub000/internal/neural"
	otelpkg "github.com/ElSerda/KissBot-sub000/internal/otel"
)

// jokePrompt is the base prompt behind !joke; the response cache varies it.
const jokePrompt = "Tell me a short, stream-safe joke"

// BuiltinsConfig wires the stock command set. Nil collaborators disable the
// commands that need them.
type BuiltinsConfig struct {
	BotName      string
	Prefix       string
	Helix        helix.API
	Dispatcher   Dispatcher
	Cache        *neural.ResponseCache
	Transport    chat.Transport
	AskCooldown  time.Duration
	JokeCooldown time.Duration
	Logger       *slog.Logger
	Metrics      *otelpkg.Metrics
}

// Builtins carries the stock handlers and their shared collaborators.
type Builtins struct {
	botName    string
	prefix     string
	helix      helix.API
	dispatcher Dispatcher
	cache      *neural.ResponseCache
	transport  chat.Transport
	logger     *slog.Logger
	metrics    *otelpkg.Metrics

	ask  *Cooldown
	joke *Cooldown
}

// NewBuiltins builds the stock command set from cfg.
func NewBuiltins(cfg BuiltinsConfig) *Builtins {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	cache := cfg.Cache
	if cache == nil {
		cache = neural.NewResponseCache(neural.CacheConfig{})
	}
	return &Builtins{
		botName:    cfg.BotName,
		prefix:     prefix,
		helix:      cfg.Helix,
		dispatcher: cfg.Dispatcher,
		cache:      cache,
		transport:  cfg.Transport,
		logger:     logger.With("component", "commands"),
		metrics:    cfg.Metrics,
		ask:        NewCooldown(cfg.AskCooldown),
		joke:       NewCooldown(cfg.JokeCooldown),
	}
}

// SetCooldowns replaces the ask and joke gate intervals on config reload,
// keeping per-user history.
func (b *Builtins) SetCooldowns(ask, joke time.Duration) {
	b.ask.SetInterval(ask)
	b.joke.SetInterval(joke)
}

// RegisterAll wires every available built-in into r. Commands whose
// collaborator is missing are left out rather than registered broken.
func (b *Builtins) RegisterAll(r *Router) {
	r.Register("ping", b.Ping)
	r.Register("commands", func(ctx context.Context, inv Invocation) (string, error) {
		return b.listCommands(r), nil
	})
	if b.helix != nil {
		r.Register("game", b.Game)
		r.Register("stream", b.Stream)
		r.Register("whois", b.Whois)
	}
	if b.transport != nil {
		r.Register("announce", b.Announce)
	}
	if b.dispatcher != nil {
		r.Register("ask", b.Ask)
		r.Register("joke", b.Joke)
	}
}

// Ping answers without touching any backend, as a chat-visible liveness probe.
func (b *Builtins) Ping(ctx context.Context, inv Invocation) (string, error) {
	return "Pong! 🏓", nil
}

// Ask forwards a free-form question to the dispatcher.
func (b *Builtins) Ask(ctx context.Context, inv Invocation) (string, error) {
	if inv.ArgText == "" {
		return "Usage: " + b.prefix + "ask <question>", nil
	}
	if !b.ask.Allow(inv.Msg.UserID) {
		return "", ErrCooldown
	}
	return b.dispatcher.Process(ctx, inv.ArgText, inv.Msg.UserID, inv.Msg.Channel, "ask")
}

// Joke serves a joke through the response cache: repeats within the variant
// window come from the cache, everything else costs one dispatch.
func (b *Builtins) Joke(ctx context.Context, inv Invocation) (string, error) {
	if !b.joke.Allow(inv.Msg.UserID) {
		return "", ErrCooldown
	}

	key := b.cache.NextVariant(inv.Msg.UserID, jokePrompt)
	if text, ok := b.cache.Get(key); ok {
		if b.metrics != nil {
			b.metrics.CacheHits.Add(ctx, 1, metric.WithAttributes(
				otelpkg.AttrChannel.String(inv.Msg.Channel)))
		}
		return text, nil
	}

	reply, err := b.dispatcher.Process(ctx, b.cache.Styled(jokePrompt),
		inv.Msg.UserID, inv.Msg.Channel, "joke")
	if err != nil {
		return "", err
	}
	b.cache.Put(key, reply)
	return reply, nil
}

// Game looks up a Twitch category by name.
func (b *Builtins) Game(ctx context.Context, inv Invocation) (string, error) {
	if inv.ArgText == "" {
		return "Usage: " + b.prefix + "game <name>", nil
	}
	game, err := b.helix.GetGame(ctx, inv.ArgText)
	if errors.Is(err, helix.ErrNotFound) {
		return fmt.Sprintf("No Twitch category matches %q.", inv.ArgText), nil
	}
	if err != nil {
		return "", fmt.Errorf("game lookup: %w", err)
	}
	return fmt.Sprintf("%s — Twitch category %s", game.Name, game.ID), nil
}

// Stream reports the live status of a channel, the origin channel by default.
func (b *Builtins) Stream(ctx context.Context, inv Invocation) (string, error) {
	channel := inv.Msg.Channel
	if len(inv.Args) > 0 {
		channel = strings.ToLower(strings.TrimPrefix(inv.Args[0], "@"))
	}
	stream, err := b.helix.GetStream(ctx, channel)
	if err != nil {
		return "", fmt.Errorf("stream lookup: %w", err)
	}
	if stream == nil {
		return channel + " is offline.", nil
	}

	title := stream.Title
	if title == "" {
		title = "Untitled"
	}
	game := stream.GameName
	if game == "" {
		game = "Unknown category"
	}
	return fmt.Sprintf("%s — %s | %s | %d viewers | live for %s",
		channel, title, game, stream.ViewerCount, humanDuration(time.Since(stream.StartedAt))), nil
}

// Whois looks up a user by login.
func (b *Builtins) Whois(ctx context.Context, inv Invocation) (string, error) {
	if len(inv.Args) == 0 {
		return "Usage: " + b.prefix + "whois <login>", nil
	}
	login := strings.ToLower(strings.TrimPrefix(inv.Args[0], "@"))
	user, err := b.helix.GetUser(ctx, login)
	if errors.Is(err, helix.ErrNotFound) {
		return fmt.Sprintf("No user named %q.", login), nil
	}
	if err != nil {
		return "", fmt.Errorf("user lookup: %w", err)
	}
	return fmt.Sprintf("%s (id %s)", user.DisplayName, user.ID), nil
}

// Announce broadcasts text to every joined channel except the origin.
// Restricted to moderators and the broadcaster; anyone else gets silence.
func (b *Builtins) Announce(ctx context.Context, inv Invocation) (string, error) {
	if !inv.Msg.IsMod && !inv.Msg.IsBroadcaster {
		return "", nil
	}
	if inv.ArgText == "" {
		return "Usage: " + b.prefix + "announce <text>", nil
	}
	if err := b.transport.Broadcast(ctx, inv.ArgText, "commands", inv.Msg.Channel); err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	return "", nil
}

func (b *Builtins) listCommands(r *Router) string {
	names := r.Names()
	for i, name := range names {
		names[i] = b.prefix + name
	}
	return "Commands: " + strings.Join(names, " ")
}

// humanDuration renders an uptime as "2h05m", "42m", or "under a minute".
func humanDuration(d time.Duration) string {
	if d < time.Minute {
		return "under a minute"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", h, m)
}
