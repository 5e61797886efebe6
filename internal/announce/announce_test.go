package announce

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
	"github.com/ElSerda/KissBot-sub000/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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

func newFixture(t *testing.T, cfg config.AnnouncementsConfig) (*bus.Bus, *outboundRecorder) {
	t.Helper()
	b := bus.New(discardLogger())
	t.Cleanup(b.Close)
	rec := &outboundRecorder{}
	b.Subscribe(bus.TopicChatOutbound, "recorder", rec.handle)

	a := New(cfg, b, discardLogger())
	a.Attach()
	t.Cleanup(a.Detach)
	return b, rec
}

func publishTransition(b *bus.Bus, kind string, payload map[string]any) {
	channel, _ := payload["channel"].(string)
	b.Publish(context.Background(), bus.TopicSystemEvent, bus.SystemEvent{
		Kind:    kind,
		Channel: channel,
		Payload: payload,
		At:      time.Now(),
	})
	b.WaitAll()
}

func onlineConfig(message string) config.AnnouncementsConfig {
	return config.AnnouncementsConfig{
		StreamOnline: config.AnnouncementConfig{Enabled: true, Message: message},
	}
}

func TestExpand(t *testing.T) {
	values := map[string]string{"channel": "serda", "title": "Speedrun"}
	tests := []struct {
		name     string
		template string
		want     string
		wantErr  bool
	}{
		{"plain text", "hello chat", "hello chat", false},
		{"single placeholder", "{channel} is live", "serda is live", false},
		{"repeated placeholder", "{channel} {channel}", "serda serda", false},
		{"two placeholders", "{channel}: {title}", "serda: Speedrun", false},
		{"unknown placeholder", "{nope}", "", true},
		{"unbalanced open", "live {channel", "", true},
		{"unbalanced close", "channel} live", "", true},
		{"empty template", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expand(tt.template, values)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expand(%q) error = %v, wantErr %v", tt.template, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("expand(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestAnnouncerOnline(t *testing.T) {
	b, rec := newFixture(t, onlineConfig("{channel} is live: {title} [{game_name}] ({viewer_count} viewers)"))

	publishTransition(b, bus.KindStreamOnline, map[string]any{
		"channel":      "serda",
		"channel_id":   "42",
		"title":        "Hades any%",
		"game_name":    "Hades",
		"viewer_count": 12,
	})

	msgs := rec.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Channel != "serda" || msg.Source != "announcer" {
		t.Errorf("unexpected envelope: %+v", msg)
	}
	want := "serda is live: Hades any% [Hades] (12 viewers)"
	if msg.Text != want {
		t.Errorf("text = %q, want %q", msg.Text, want)
	}
}

func TestAnnouncerFillsDefaults(t *testing.T) {
	b, rec := newFixture(t, onlineConfig("{title} | {game_name} | {viewer_count}"))

	publishTransition(b, bus.KindStreamOnline, map[string]any{
		"channel":    "serda",
		"channel_id": "42",
	})

	msgs := rec.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", len(msgs))
	}
	if want := "Untitled | Unknown category | 0"; msgs[0].Text != want {
		t.Errorf("text = %q, want %q", msgs[0].Text, want)
	}
}

func TestAnnouncerMalformedTemplateFallsBack(t *testing.T) {
	tests := []struct {
		name     string
		template string
	}{
		{"unknown placeholder", "now playing {game}"},
		{"unbalanced", "live: {title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, rec := newFixture(t, onlineConfig(tt.template))
			publishTransition(b, bus.KindStreamOnline, map[string]any{
				"channel": "serda", "channel_id": "42",
			})

			msgs := rec.snapshot()
			if len(msgs) != 1 {
				t.Fatalf("expected 1 outbound message, got %d", len(msgs))
			}
			if want := "@serda is now live!"; msgs[0].Text != want {
				t.Errorf("text = %q, want %q", msgs[0].Text, want)
			}
		})
	}
}

func TestAnnouncerOfflineDisabledByDefault(t *testing.T) {
	cfg := onlineConfig("live!")
	cfg.StreamOffline = config.AnnouncementConfig{
		Enabled: false,
		Message: "{channel} has gone offline. Thanks for watching!",
	}
	b, rec := newFixture(t, cfg)

	publishTransition(b, bus.KindStreamOffline, map[string]any{
		"channel": "serda", "channel_id": "42",
	})

	if msgs := rec.snapshot(); len(msgs) != 0 {
		t.Errorf("disabled offline announcement still published: %+v", msgs)
	}
}

func TestAnnouncerOfflineEnabled(t *testing.T) {
	cfg := config.AnnouncementsConfig{
		StreamOffline: config.AnnouncementConfig{
			Enabled: true,
			Message: "{channel} has gone offline. Thanks for watching!",
		},
	}
	b, rec := newFixture(t, cfg)

	publishTransition(b, bus.KindStreamOffline, map[string]any{
		"channel": "serda", "channel_id": "42",
	})

	msgs := rec.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", len(msgs))
	}
	if want := "serda has gone offline. Thanks for watching!"; msgs[0].Text != want {
		t.Errorf("text = %q, want %q", msgs[0].Text, want)
	}
}

func TestAnnouncerSkipsIncompletePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"missing channel", map[string]any{"channel_id": "42"}},
		{"missing channel id", map[string]any{"channel": "serda"}},
		{"empty payload", map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, rec := newFixture(t, onlineConfig("live!"))
			publishTransition(b, bus.KindStreamOnline, tt.payload)
			if msgs := rec.snapshot(); len(msgs) != 0 {
				t.Errorf("incomplete payload still announced: %+v", msgs)
			}
		})
	}
}

func TestAnnouncerClampsLongMessages(t *testing.T) {
	b, rec := newFixture(t, onlineConfig("{title}"))

	publishTransition(b, bus.KindStreamOnline, map[string]any{
		"channel":    "serda",
		"channel_id": "42",
		"title":      strings.Repeat("x", 900),
	})

	msgs := rec.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", len(msgs))
	}
	text := []rune(msgs[0].Text)
	if len(text) != 500 {
		t.Errorf("expected clamp to 500 runes, got %d", len(text))
	}
	if text[len(text)-1] != '…' {
		t.Errorf("expected ellipsis terminator, got %q", string(text[len(text)-1]))
	}
}

func TestAnnouncerSetConfigSwapsTemplates(t *testing.T) {
	b := bus.New(discardLogger())
	t.Cleanup(b.Close)
	rec := &outboundRecorder{}
	b.Subscribe(bus.TopicChatOutbound, "recorder", rec.handle)

	a := New(onlineConfig("before: {title}"), b, discardLogger())
	a.Attach()
	t.Cleanup(a.Detach)

	payload := map[string]any{"channel": "serda", "channel_id": "42", "title": "Hades"}
	publishTransition(b, bus.KindStreamOnline, payload)

	next := onlineConfig("after: {title}")
	next.StreamOffline = config.AnnouncementConfig{Enabled: true, Message: "{channel} signed off"}
	a.SetConfig(next)

	publishTransition(b, bus.KindStreamOnline, payload)
	publishTransition(b, bus.KindStreamOffline, payload)

	msgs := rec.snapshot()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 outbound messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Text != "before: Hades" {
		t.Errorf("pre-reload text = %q", msgs[0].Text)
	}
	if msgs[1].Text != "after: Hades" {
		t.Errorf("post-reload text = %q", msgs[1].Text)
	}
	if msgs[2].Text != "serda signed off" {
		t.Errorf("offline text = %q", msgs[2].Text)
	}
}

func TestAnnouncerIgnoresOtherKinds(t *testing.T) {
	b, rec := newFixture(t, onlineConfig("live!"))

	publishTransition(b, bus.KindStreamInfo, map[string]any{
		"channel": "serda", "channel_id": "42",
	})

	if msgs := rec.snapshot(); len(msgs) != 0 {
		t.Errorf("non-transition kind was announced: %+v", msgs)
	}
}
