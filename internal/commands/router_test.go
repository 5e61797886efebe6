package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type dispatchCall struct {
	text, userID, channel, callCtx string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	reply string
	err   error
}

func (f *fakeDispatcher) Process(ctx context.Context, text, userID, channel, callCtx string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{text, userID, channel, callCtx})
	return f.reply, f.err
}

func (f *fakeDispatcher) callLog() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatchCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type outboundRecorder struct {
	mu   sync.Mutex
	msgs []bus.OutboundMessage
}

func (r *outboundRecorder) handle(ctx context.Context, payload any) error {
	if msg, ok := payload.(bus.OutboundMessage); ok {
		r.mu.Lock()
		r.msgs = append(r.msgs, msg)
		r.mu.Unlock()
	}
	return nil
}

func (r *outboundRecorder) snapshot() []bus.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.OutboundMessage, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func newRouterFixture(t *testing.T, cfg RouterConfig) (*Router, *bus.Bus, *outboundRecorder) {
	t.Helper()
	b := bus.New(discardLogger())
	t.Cleanup(b.Close)

	cfg.Bus = b
	cfg.Logger = discardLogger()
	if cfg.BotName == "" {
		cfg.BotName = "KissBot"
	}
	r := NewRouter(cfg)
	r.Attach()
	t.Cleanup(r.Detach)

	rec := &outboundRecorder{}
	b.Subscribe(bus.TopicChatOutbound, "recorder", rec.handle)
	return r, b, rec
}

func inbound(b *bus.Bus, user, text string) {
	b.Publish(context.Background(), bus.TopicChatInbound, bus.ChatMessage{
		ID:         "msg-" + user,
		Channel:    "serda",
		UserID:     user,
		UserName:   user,
		Text:       text,
		ReceivedAt: time.Now(),
	})
	b.WaitAll()
}

func TestRouterDispatchesPrefixCommand(t *testing.T) {
	r, b, rec := newRouterFixture(t, RouterConfig{})
	r.Register("echo", func(ctx context.Context, inv Invocation) (string, error) {
		return inv.ArgText, nil
	})

	inbound(b, "viewer", "!echo hello world")

	msgs := rec.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(msgs))
	}
	if msgs[0].Text != "@viewer hello world" || msgs[0].Channel != "serda" || msgs[0].Source != "commands" {
		t.Errorf("unexpected reply: %+v", msgs[0])
	}
	if msgs[0].ReplyTo != "msg-viewer" {
		t.Errorf("reply should reference the inbound id, got %q", msgs[0].ReplyTo)
	}
}

func TestRouterCommandNameIsCaseInsensitive(t *testing.T) {
	r, b, rec := newRouterFixture(t, RouterConfig{})
	r.Register("Echo", func(ctx context.Context, inv Invocation) (string, error) {
		return "ok", nil
	})

	inbound(b, "viewer", "!ECHO")

	if msgs := rec.snapshot(); len(msgs) != 1 {
		t.Errorf("expected case-insensitive match, got %d replies", len(msgs))
	}
}

func TestRouterUnknownCommandIsSilent(t *testing.T) {
	_, b, rec := newRouterFixture(t, RouterConfig{})

	inbound(b, "viewer", "!doesnotexist")

	if msgs := rec.snapshot(); len(msgs) != 0 {
		t.Errorf("unknown command produced a reply: %+v", msgs)
	}
}

func TestRouterParsesInvocation(t *testing.T) {
	r, b, _ := newRouterFixture(t, RouterConfig{})
	var got Invocation
	r.Register("game", func(ctx context.Context, inv Invocation) (string, error) {
		got = inv
		return "", nil
	})

	inbound(b, "viewer", "!game  Hades II ")

	if len(got.Args) != 2 || got.Args[0] != "Hades" || got.Args[1] != "II" {
		t.Errorf("unexpected args: %v", got.Args)
	}
	if got.ArgText != "Hades II" {
		t.Errorf("ArgText = %q, want %q", got.ArgText, "Hades II")
	}
}

func TestRouterDeduplicatesUserText(t *testing.T) {
	r, b, rec := newRouterFixture(t, RouterConfig{})
	var calls int
	var mu sync.Mutex
	r.Register("ping", func(ctx context.Context, inv Invocation) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "pong", nil
	})

	inbound(b, "viewer", "!ping")
	inbound(b, "viewer", "!ping")
	inbound(b, "other", "!ping") // different user, not a duplicate

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("expected 2 handled commands, got %d", calls)
	}
	if msgs := rec.snapshot(); len(msgs) != 2 {
		t.Errorf("expected 2 replies, got %d", len(msgs))
	}
}

func TestRouterDedupWindowEvicts(t *testing.T) {
	r, _, _ := newRouterFixture(t, RouterConfig{})
	var calls int
	r.Register("ping", func(ctx context.Context, inv Invocation) (string, error) {
		calls++
		return "", nil
	})

	msg := func(text string) bus.ChatMessage {
		return bus.ChatMessage{ID: "x", Channel: "serda", UserID: "viewer", UserName: "viewer", Text: text}
	}

	// Drive handle directly so ordering is deterministic.
	ctx := context.Background()
	r.handle(ctx, msg("!ping"))
	for i := 0; i < dedupWindow; i++ {
		r.handle(ctx, msg(fmt.Sprintf("!ping %d", i)))
	}
	// The first entry has been evicted, so the repeat is processed again.
	r.handle(ctx, msg("!ping"))

	if calls != dedupWindow+2 {
		t.Errorf("expected %d handled commands, got %d", dedupWindow+2, calls)
	}
}

func TestRouterIgnoresOwnMessages(t *testing.T) {
	r, b, rec := newRouterFixture(t, RouterConfig{BotName: "KissBot"})
	r.Register("ping", func(ctx context.Context, inv Invocation) (string, error) {
		return "pong", nil
	})

	inbound(b, "kissbot", "!ping")

	if msgs := rec.snapshot(); len(msgs) != 0 {
		t.Errorf("bot answered itself: %+v", msgs)
	}
}

func TestRouterMentionDispatches(t *testing.T) {
	d := &fakeDispatcher{reply: "hello there"}
	_, b, rec := newRouterFixture(t, RouterConfig{Dispatcher: d})

	inbound(b, "viewer", "hey @KissBot how are you")

	calls := d.callLog()
	if len(calls) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(calls))
	}
	if calls[0].text != "hey how are you" {
		t.Errorf("residual = %q, want %q", calls[0].text, "hey how are you")
	}
	if calls[0].callCtx != "mention" || calls[0].channel != "serda" {
		t.Errorf("unexpected dispatch call: %+v", calls[0])
	}
	msgs := rec.snapshot()
	if len(msgs) != 1 || msgs[0].Text != "@viewer hello there" {
		t.Errorf("expected the dispatcher reply addressed to the author, got %+v", msgs)
	}
}

func TestRouterMentionForms(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		residual string
		mention  bool
	}{
		{"with at", "@kissbot hi", "hi", true},
		{"bare name", "kissbot hi", "hi", true},
		{"uppercase with comma", "KISSBOT, tell me a joke", "tell me a joke", true},
		{"trailing", "are you alive kissbot?", "are you alive", true},
		{"mid sentence", "I think @KissBot knows", "I think knows", true},
		{"name only", "@kissbot", "", true},
		{"substring is not a mention", "kissbotty hi", "", false},
		{"no mention", "good morning chat", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{reply: "ack"}
			_, b, _ := newRouterFixture(t, RouterConfig{Dispatcher: d})

			inbound(b, "viewer", tt.text)

			calls := d.callLog()
			if tt.mention {
				if len(calls) != 1 {
					t.Fatalf("expected a dispatch for %q, got %d", tt.text, len(calls))
				}
				if calls[0].text != tt.residual {
					t.Errorf("residual = %q, want %q", calls[0].text, tt.residual)
				}
			} else if len(calls) != 0 {
				t.Errorf("unexpected dispatch for %q: %+v", tt.text, calls)
			}
		})
	}
}

func TestRouterMentionCooldown(t *testing.T) {
	d := &fakeDispatcher{reply: "ack"}
	_, b, _ := newRouterFixture(t, RouterConfig{
		Dispatcher:      d,
		MentionCooldown: time.Hour,
	})

	inbound(b, "viewer", "@kissbot one")
	inbound(b, "viewer", "@kissbot two")
	inbound(b, "other", "@kissbot three") // separate user, separate cooldown

	calls := d.callLog()
	if len(calls) != 2 {
		t.Fatalf("expected 2 dispatches, got %d: %+v", len(calls), calls)
	}
	for _, c := range calls {
		if c.text == "two" {
			t.Error("second mention within the cooldown was dispatched")
		}
	}
}

func TestRouterMentionWithoutDispatcherIsSilent(t *testing.T) {
	_, b, rec := newRouterFixture(t, RouterConfig{})

	inbound(b, "viewer", "@kissbot are you there")

	if msgs := rec.snapshot(); len(msgs) != 0 {
		t.Errorf("mention answered without a dispatcher: %+v", msgs)
	}
}

func TestRouterCooldownErrorIsSilent(t *testing.T) {
	r, b, rec := newRouterFixture(t, RouterConfig{})
	r.Register("ask", func(ctx context.Context, inv Invocation) (string, error) {
		return "", ErrCooldown
	})

	inbound(b, "viewer", "!ask something")

	if msgs := rec.snapshot(); len(msgs) != 0 {
		t.Errorf("cooldown produced a reply: %+v", msgs)
	}
}

func TestRouterHandlerErrorWithFallbackReply(t *testing.T) {
	r, b, rec := newRouterFixture(t, RouterConfig{})
	r.Register("flaky", func(ctx context.Context, inv Invocation) (string, error) {
		return "try again later", errors.New("upstream exploded")
	})
	r.Register("broken", func(ctx context.Context, inv Invocation) (string, error) {
		return "", errors.New("upstream exploded")
	})

	inbound(b, "viewer", "!flaky")
	inbound(b, "viewer", "!broken")

	msgs := rec.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected only the handler-provided fallback, got %+v", msgs)
	}
	if msgs[0].Text != "@viewer try again later" {
		t.Errorf("unexpected fallback: %q", msgs[0].Text)
	}
}

func TestRouterClampsReplies(t *testing.T) {
	r, b, rec := newRouterFixture(t, RouterConfig{})
	r.Register("wall", func(ctx context.Context, inv Invocation) (string, error) {
		return strings.Repeat("a", 700), nil
	})

	inbound(b, "viewer", "!wall")

	msgs := rec.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(msgs))
	}
	runes := []rune(msgs[0].Text)
	if len(runes) != 500 || runes[len(runes)-1] != '…' {
		t.Errorf("reply not clamped: %d runes, tail %q", len(runes), string(runes[len(runes)-1]))
	}
}

func TestRouterCustomPrefix(t *testing.T) {
	r, b, rec := newRouterFixture(t, RouterConfig{Prefix: "?"})
	r.Register("ping", func(ctx context.Context, inv Invocation) (string, error) {
		return "pong", nil
	})

	inbound(b, "viewer", "?ping")
	inbound(b, "other", "!ping") // default prefix no longer applies

	msgs := rec.snapshot()
	if len(msgs) != 1 || msgs[0].Text != "@viewer pong" {
		t.Errorf("expected a single reply to the custom prefix, got %+v", msgs)
	}
}

func TestCooldownAllow(t *testing.T) {
	gate := NewCooldown(time.Minute)
	current := time.Unix(1000, 0)
	gate.now = func() time.Time { return current }

	if !gate.Allow("u1") {
		t.Fatal("first call should pass")
	}
	if gate.Allow("u1") {
		t.Fatal("second call inside the window should be blocked")
	}
	if !gate.Allow("u2") {
		t.Fatal("other keys are independent")
	}

	current = current.Add(61 * time.Second)
	if !gate.Allow("u1") {
		t.Fatal("call after the window should pass")
	}
}

func TestCooldownDisabled(t *testing.T) {
	gate := NewCooldown(0)
	for i := 0; i < 5; i++ {
		if !gate.Allow("u1") {
			t.Fatal("zero-interval gate must always allow")
		}
	}
}

func TestCooldownSetIntervalKeepsHistory(t *testing.T) {
	gate := NewCooldown(time.Minute)
	current := time.Unix(1000, 0)
	gate.now = func() time.Time { return current }

	if !gate.Allow("u1") {
		t.Fatal("first call should pass")
	}

	gate.SetInterval(30 * time.Second)
	current = current.Add(10 * time.Second)
	if gate.Allow("u1") {
		t.Fatal("call inside the shrunk window should still be blocked")
	}
	current = current.Add(21 * time.Second)
	if !gate.Allow("u1") {
		t.Fatal("call after the shrunk window should pass")
	}

	gate.SetInterval(0)
	if !gate.Allow("u1") {
		t.Fatal("zero-interval gate must always allow")
	}
}

func TestRouterSetMentionCooldown(t *testing.T) {
	d := &fakeDispatcher{reply: "ack"}
	r, b, _ := newRouterFixture(t, RouterConfig{Dispatcher: d, MentionCooldown: time.Hour})

	inbound(b, "viewer", "@kissbot one")
	inbound(b, "viewer", "@kissbot two") // blocked by the hour-long cooldown

	r.SetMentionCooldown(0)
	inbound(b, "viewer", "@kissbot three")

	calls := d.callLog()
	if len(calls) != 2 {
		t.Fatalf("expected the reloaded cooldown to apply, got %d dispatches: %+v", len(calls), calls)
	}
	if calls[1].text != "three" {
		t.Errorf("expected the post-reload mention to dispatch, got %q", calls[1].text)
	}
}

func TestDedupSet(t *testing.T) {
	s := newDedupSet(3)
	for _, key := range []string{"a", "b", "c"} {
		if s.observe(key) {
			t.Fatalf("fresh key %q reported as duplicate", key)
		}
	}
	if !s.observe("a") {
		t.Fatal("repeat inside the window should be a duplicate")
	}
	// Inserting d evicts a, the oldest entry.
	if s.observe("d") {
		t.Fatal("fresh key after a duplicate should insert")
	}
	if s.observe("a") {
		t.Fatal("evicted key should be accepted again")
	}
}
