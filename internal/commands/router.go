// Package commands routes inbound chat to command handlers. The router
// deduplicates traffic, answers mentions through the neural dispatcher, and
// dispatches prefix commands to a registry of handlers.
package commands

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
	"github.com/ElSerda/KissBot-sub000/internal/shared"
)

// ErrCooldown tells the router that a per-user cooldown suppressed the
// reply. It is logged at most at debug level and never reaches chat.
var ErrCooldown = errors.New("cooldown active")

const (
	replyLimit  = 500
	dedupWindow = 100

	defaultPrefix          = "!"
	defaultMentionCooldown = 15 * time.Second
)

// Invocation is one parsed command call.
type Invocation struct {
	Msg     bus.ChatMessage
	Args    []string // whitespace-split arguments after the command word
	ArgText string   // raw argument text, trimmed
}

// Handler implements one chat command. A non-empty reply is published on the
// outbound topic; ErrCooldown keeps the bot silent.
type Handler func(ctx context.Context, inv Invocation) (string, error)

// Dispatcher is the slice of the neural dispatcher the router needs.
type Dispatcher interface {
	Process(ctx context.Context, text, userID, channel, callCtx string) (string, error)
}

// RouterConfig wires a Router.
type RouterConfig struct {
	Bus     *bus.Bus
	BotName string
	// Prefix marks command messages; default "!".
	Prefix string
	// Dispatcher answers mentions; nil keeps the bot silent on mentions.
	Dispatcher      Dispatcher
	MentionCooldown time.Duration
	Logger          *slog.Logger
}

// Router subscribes to inbound chat and turns messages into replies.
type Router struct {
	bus        *bus.Bus
	botName    string
	prefix     string
	dispatcher Dispatcher
	logger     *slog.Logger

	mentions *Cooldown
	dedup    *dedupSet

	mu       sync.Mutex
	handlers map[string]Handler
	sub      *bus.Subscription
}

// NewRouter builds a Router with an empty handler registry.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	mentionCooldown := cfg.MentionCooldown
	if mentionCooldown <= 0 {
		mentionCooldown = defaultMentionCooldown
	}
	return &Router{
		bus:        cfg.Bus,
		botName:    cfg.BotName,
		prefix:     prefix,
		dispatcher: cfg.Dispatcher,
		logger:     logger.With("component", "commands"),
		mentions:   NewCooldown(mentionCooldown),
		dedup:      newDedupSet(dedupWindow),
		handlers:   make(map[string]Handler),
	}
}

// Register adds a handler under name (lowercase, without the prefix).
// Re-registering a name replaces the previous handler.
func (r *Router) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(name)] = h
}

// Names returns the registered command names, sorted.
func (r *Router) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Prefix returns the configured command prefix.
func (r *Router) Prefix() string { return r.prefix }

// SetMentionCooldown replaces the mention gate interval on config reload.
func (r *Router) SetMentionCooldown(interval time.Duration) {
	r.mentions.SetInterval(interval)
}

// Attach subscribes the router to the inbound chat topic.
func (r *Router) Attach() {
	r.sub = r.bus.Subscribe(bus.TopicChatInbound, "commands", r.handle)
}

// Detach removes the bus subscription.
func (r *Router) Detach() {
	if r.sub != nil {
		r.bus.Unsubscribe(r.sub)
		r.sub = nil
	}
}

func (r *Router) handle(ctx context.Context, payload any) error {
	msg, ok := payload.(bus.ChatMessage)
	if !ok || msg.Text == "" {
		return nil
	}

	if r.dedup.observe(msg.UserID + "\x00" + msg.Text) {
		return nil
	}
	if strings.EqualFold(msg.UserName, r.botName) {
		// Never react to our own messages.
		return nil
	}

	if residual, mentioned := r.mentionResidual(msg.Text); mentioned {
		r.handleMention(ctx, msg, residual)
		return nil
	}

	if strings.HasPrefix(msg.Text, r.prefix) {
		r.dispatchCommand(ctx, msg)
	}
	return nil
}

// mentionResidual reports whether text mentions the bot, by name with or
// without a leading @, and returns the text with the mention tokens removed.
func (r *Router) mentionResidual(text string) (string, bool) {
	if r.botName == "" {
		return "", false
	}
	fields := strings.Fields(text)
	kept := make([]string, 0, len(fields))
	mentioned := false
	for _, field := range fields {
		if isMentionToken(field, r.botName) {
			mentioned = true
			continue
		}
		kept = append(kept, field)
	}
	if !mentioned {
		return "", false
	}
	return strings.Join(kept, " "), true
}

func isMentionToken(token, botName string) bool {
	token = strings.Trim(token, "@,.!?:;()\"'")
	return strings.EqualFold(token, botName)
}

func (r *Router) handleMention(ctx context.Context, msg bus.ChatMessage, residual string) {
	if r.dispatcher == nil {
		return
	}
	// The cooldown is charged before dispatch so a slow backend cannot be
	// hammered by one user.
	if !r.mentions.Allow(msg.UserID) {
		return
	}
	reply, err := r.dispatcher.Process(ctx, residual, msg.UserID, msg.Channel, "mention")
	if err != nil {
		r.logger.Warn("mention dispatch failed",
			"channel", msg.Channel, "user", msg.UserName, "error", err)
		return
	}
	r.reply(ctx, msg, reply)
}

func (r *Router) dispatchCommand(ctx context.Context, msg bus.ChatMessage) {
	rest := strings.TrimSpace(strings.TrimPrefix(msg.Text, r.prefix))
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])

	r.mu.Lock()
	handler := r.handlers[name]
	r.mu.Unlock()
	if handler == nil {
		return
	}

	inv := Invocation{
		Msg:     msg,
		Args:    fields[1:],
		ArgText: strings.TrimSpace(strings.TrimPrefix(rest, fields[0])),
	}
	reply, err := handler(ctx, inv)
	if err != nil {
		if errors.Is(err, ErrCooldown) {
			return
		}
		r.logger.Warn("command failed",
			"command", name, "channel", msg.Channel, "error", err)
	}
	r.reply(ctx, msg, reply)
}

// reply publishes text addressed to the message author.
func (r *Router) reply(ctx context.Context, msg bus.ChatMessage, text string) {
	if text == "" {
		return
	}
	if at := authorHandle(msg); at != "" {
		text = "@" + at + " " + text
	}
	r.bus.Publish(ctx, bus.TopicChatOutbound, bus.OutboundMessage{
		Channel: msg.Channel,
		Text:    shared.Truncate(text, replyLimit),
		Source:  "commands",
		ReplyTo: msg.ID,
	})
}

// authorHandle is the chat-addressable name of the message author.
func authorHandle(msg bus.ChatMessage) string {
	if msg.UserName != "" {
		return msg.UserName
	}
	return msg.UserID
}

// Cooldown is a per-key minimum-interval gate.
type Cooldown struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldown builds a gate; a non-positive interval disables it.
func NewCooldown(interval time.Duration) *Cooldown {
	return &Cooldown{
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Allow reports whether key may act now and, if so, starts its cooldown.
func (c *Cooldown) Allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interval <= 0 {
		return true
	}
	now := c.now()
	if last, ok := c.last[key]; ok && now.Sub(last) < c.interval {
		return false
	}
	c.last[key] = now
	return true
}

// SetInterval replaces the gate interval, keeping per-key history. Used by
// config hot-reload.
func (c *Cooldown) SetInterval(interval time.Duration) {
	c.mu.Lock()
	c.interval = interval
	c.mu.Unlock()
}

// dedupSet is a bounded FIFO membership set; once full, every insert evicts
// the oldest entry.
type dedupSet struct {
	limit int

	mu   sync.Mutex
	keys []string
	next int
	seen map[string]struct{}
}

func newDedupSet(limit int) *dedupSet {
	return &dedupSet{
		limit: limit,
		keys:  make([]string, 0, limit),
		seen:  make(map[string]struct{}, limit),
	}
}

// observe reports whether key was already present, inserting it otherwise.
func (s *dedupSet) observe(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[key]; dup {
		return true
	}
	if len(s.keys) < s.limit {
		s.keys = append(s.keys, key)
	} else {
		delete(s.seen, s.keys[s.next])
		s.keys[s.next] = key
		s.next = (s.next + 1) % s.limit
	}
	s.seen[key] = struct{}{}
	return false
}
