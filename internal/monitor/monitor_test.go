package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
	"github.com/ElSerda/KissBot-sub000/internal/helix"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHelix implements helix.API with a pluggable GetStream.
type fakeHelix struct {
	getStream func(ctx context.Context, login string) (*helix.Stream, error)
}

func (f *fakeHelix) GetStream(ctx context.Context, login string) (*helix.Stream, error) {
	return f.getStream(ctx, login)
}
func (f *fakeHelix) GetUser(ctx context.Context, login string) (*helix.User, error) {
	return nil, helix.ErrNotFound
}
func (f *fakeHelix) GetUserByID(ctx context.Context, id string) (*helix.User, error) {
	return nil, helix.ErrNotFound
}
func (f *fakeHelix) GetGame(ctx context.Context, name string) (*helix.Game, error) {
	return nil, helix.ErrNotFound
}
func (f *fakeHelix) CreateEventSubSubscription(ctx context.Context, kind, broadcasterID, sessionID string) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeHelix) DeleteEventSubSubscription(ctx context.Context, id string) error {
	return nil
}

// eventRecorder captures system events off the bus.
type eventRecorder struct {
	mu     sync.Mutex
	events []bus.SystemEvent
}

func (r *eventRecorder) handle(ctx context.Context, payload any) error {
	ev, ok := payload.(bus.SystemEvent)
	if !ok {
		return nil
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) snapshot() []bus.SystemEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.SystemEvent, len(r.events))
	copy(out, r.events)
	return out
}

func newTestMonitor(t *testing.T, api helix.API) (*Monitor, *bus.Bus, *eventRecorder) {
	t.Helper()
	b := bus.New(discardLogger())
	t.Cleanup(b.Close)

	rec := &eventRecorder{}
	b.Subscribe(bus.TopicSystemEvent, "recorder", rec.handle)

	m := New(Config{
		Helix:    api,
		Bus:      b,
		Channels: []string{"serda"},
		Interval: time.Hour, // ticks driven manually via pollOnce
		Logger:   discardLogger(),
	})
	return m, b, rec
}

func TestMonitorAnnouncesOfflineToOnline(t *testing.T) {
	live := false
	api := &fakeHelix{getStream: func(ctx context.Context, login string) (*helix.Stream, error) {
		if !live {
			return nil, nil
		}
		return &helix.Stream{
			UserID:      "42",
			UserLogin:   login,
			Title:       "speedrun",
			GameName:    "Hades",
			ViewerCount: 7,
			StartedAt:   time.Now(),
		}, nil
	}}
	m, b, rec := newTestMonitor(t, api)

	ctx := context.Background()
	m.pollOnce(ctx) // records offline silently
	live = true
	m.pollOnce(ctx)
	b.WaitAll()

	events := rec.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != bus.KindStreamOnline || ev.Channel != "serda" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Payload["source"] != "poll" {
		t.Errorf("expected source poll, got %v", ev.Payload["source"])
	}
	if ev.Payload["game_name"] != "Hades" || ev.Payload["viewer_count"] != 7 {
		t.Errorf("payload missing stream fields: %v", ev.Payload)
	}
}

func TestMonitorStartupOnlineIsSilent(t *testing.T) {
	api := &fakeHelix{getStream: func(ctx context.Context, login string) (*helix.Stream, error) {
		return &helix.Stream{UserID: "42", UserLogin: login, Title: "t"}, nil
	}}
	m, b, rec := newTestMonitor(t, api)

	m.pollOnce(context.Background())
	m.pollOnce(context.Background())
	b.WaitAll()

	if events := rec.snapshot(); len(events) != 0 {
		t.Fatalf("startup online must not announce, got %d events", len(events))
	}
}

func TestMonitorAnnouncesOnlineToOffline(t *testing.T) {
	live := true
	api := &fakeHelix{getStream: func(ctx context.Context, login string) (*helix.Stream, error) {
		if !live {
			return nil, nil
		}
		return &helix.Stream{UserID: "42", UserLogin: login}, nil
	}}
	m, b, rec := newTestMonitor(t, api)

	ctx := context.Background()
	m.pollOnce(ctx) // silent online
	live = false
	m.pollOnce(ctx)
	b.WaitAll()

	events := rec.snapshot()
	if len(events) != 1 || events[0].Kind != bus.KindStreamOffline {
		t.Fatalf("expected one stream.offline, got %+v", events)
	}
	if events[0].Payload["source"] != "poll" {
		t.Errorf("expected source poll, got %v", events[0].Payload["source"])
	}
}

func TestMonitorKeepsStateOnHelixError(t *testing.T) {
	fail := false
	api := &fakeHelix{getStream: func(ctx context.Context, login string) (*helix.Stream, error) {
		if fail {
			return nil, errors.New("helix down")
		}
		return &helix.Stream{UserID: "42", UserLogin: login}, nil
	}}
	m, b, rec := newTestMonitor(t, api)

	ctx := context.Background()
	m.pollOnce(ctx) // silent online
	fail = true
	for i := 0; i < errorResetLimit-1; i++ {
		m.pollOnce(ctx)
	}
	b.WaitAll()

	if m.Table().Status("serda") != StatusOnline {
		t.Fatalf("state should survive transient errors, got %s", m.Table().Status("serda"))
	}

	// One more failure resets to unknown; the following online poll stays
	// silent instead of announcing a spurious recovery.
	m.pollOnce(ctx)
	if m.Table().Status("serda") != StatusUnknown {
		t.Fatalf("expected unknown after %d errors, got %s", errorResetLimit, m.Table().Status("serda"))
	}
	fail = false
	m.pollOnce(ctx)
	b.WaitAll()

	if events := rec.snapshot(); len(events) != 0 {
		t.Fatalf("recovery after error reset must not announce, got %+v", events)
	}
}

func TestMonitorStartStop(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	api := &fakeHelix{getStream: func(ctx context.Context, login string) (*helix.Stream, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, nil
	}}

	b := bus.New(discardLogger())
	defer b.Close()
	m := New(Config{
		Helix:    api,
		Bus:      b,
		Channels: []string{"serda"},
		Interval: 20 * time.Millisecond,
		Logger:   discardLogger(),
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 polls, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	m.Stop()

	mu.Lock()
	after := calls
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	final := calls
	mu.Unlock()
	if final != after {
		t.Fatalf("poll loop kept running after Stop: %d -> %d", after, final)
	}
}
