package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(testLogger())
	got := make(chan any, 1)
	sub := b.Subscribe(TopicChatInbound, "test", func(ctx context.Context, payload any) error {
		got <- payload
		return nil
	})
	defer b.Unsubscribe(sub)

	b.Publish(context.Background(), TopicChatInbound, ChatMessage{Channel: "mychan", Text: "hello"})

	select {
	case payload := <-got:
		msg, ok := payload.(ChatMessage)
		if !ok {
			t.Fatalf("payload type = %T, want ChatMessage", payload)
		}
		if msg.Text != "hello" {
			t.Fatalf("text = %q, want %q", msg.Text, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func TestBus_NoSubscribersIsNoOp(t *testing.T) {
	b := New(testLogger())
	// Must not panic or block.
	b.Publish(context.Background(), TopicSystemEvent, SystemEvent{Kind: KindStreamOnline})
	b.WaitAll()

	if got := b.StatsSnapshot().Published; got != 1 {
		t.Fatalf("published = %d, want 1", got)
	}
}

func TestBus_PanicIsolation(t *testing.T) {
	b := New(testLogger())
	got := make(chan string, 1)

	b.Subscribe(TopicChatInbound, "boom", func(ctx context.Context, payload any) error {
		panic("handler exploded")
	})
	b.Subscribe(TopicChatInbound, "ok", func(ctx context.Context, payload any) error {
		got <- payload.(string)
		return nil
	})

	b.Publish(context.Background(), TopicChatInbound, "still delivered")

	select {
	case text := <-got:
		if text != "still delivered" {
			t.Fatalf("text = %q, want %q", text, "still delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber never received the payload")
	}

	b.WaitAll()
	stats := b.StatsSnapshot()
	if stats.Panics != 1 {
		t.Fatalf("panics = %d, want 1", stats.Panics)
	}
}

func TestBus_HandlerErrorDoesNotPropagate(t *testing.T) {
	b := New(testLogger())
	b.Subscribe(TopicChatOutbound, "failing", func(ctx context.Context, payload any) error {
		return errors.New("send failed")
	})

	b.Publish(context.Background(), TopicChatOutbound, OutboundMessage{Text: "x"})
	b.WaitAll()

	stats := b.StatsSnapshot()
	if stats.Errors != 1 {
		t.Fatalf("errors = %d, want 1", stats.Errors)
	}
	if stats.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1", stats.Delivered)
	}
}

func TestBus_PublishDoesNotBlockOnSlowHandler(t *testing.T) {
	b := New(testLogger())
	release := make(chan struct{})
	b.Subscribe(TopicSystemEvent, "slow", func(ctx context.Context, payload any) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish(context.Background(), TopicSystemEvent, i)
		}
		close(done)
	}()

	select {
	case <-done:
		// Publisher returned while deliveries are still parked.
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	close(release)
	b.WaitAll()
}

func TestBus_EachSubscriberGetsOwnDelivery(t *testing.T) {
	b := New(testLogger())
	var count atomic.Int32
	for i := 0; i < 3; i++ {
		b.Subscribe(TopicChatInbound, "counter", func(ctx context.Context, payload any) error {
			count.Add(1)
			return nil
		})
	}

	b.Publish(context.Background(), TopicChatInbound, "once")
	b.WaitAll()

	if got := count.Load(); got != 3 {
		t.Fatalf("deliveries = %d, want 3", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(testLogger())
	var count atomic.Int32
	sub := b.Subscribe(TopicChatInbound, "once", func(ctx context.Context, payload any) error {
		count.Add(1)
		return nil
	})

	b.Publish(context.Background(), TopicChatInbound, "first")
	b.WaitAll()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call is a no-op
	b.Publish(context.Background(), TopicChatInbound, "second")
	b.WaitAll()

	if got := count.Load(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
}

func TestBus_Drain(t *testing.T) {
	b := New(testLogger())
	release := make(chan struct{})
	b.Subscribe(TopicChatInbound, "parked", func(ctx context.Context, payload any) error {
		<-release
		return nil
	})
	b.Publish(context.Background(), TopicChatInbound, "x")

	if b.Drain(20 * time.Millisecond) {
		t.Fatal("Drain returned true while a delivery was parked")
	}
	close(release)
	if !b.Drain(time.Second) {
		t.Fatal("Drain timed out after handlers finished")
	}
}

func TestBus_Close(t *testing.T) {
	b := New(testLogger())
	var count atomic.Int32
	b.Subscribe(TopicChatInbound, "counted", func(ctx context.Context, payload any) error {
		count.Add(1)
		return nil
	})

	b.Close()
	b.Publish(context.Background(), TopicChatInbound, "after close")
	b.WaitAll()

	if got := count.Load(); got != 0 {
		t.Fatalf("deliveries after Close = %d, want 0", got)
	}

	// Subscribe after Close is inert.
	b.Subscribe(TopicChatInbound, "late", func(ctx context.Context, payload any) error {
		count.Add(1)
		return nil
	})
	b.Publish(context.Background(), TopicChatInbound, "still closed")
	b.WaitAll()
	if got := count.Load(); got != 0 {
		t.Fatalf("deliveries after late subscribe = %d, want 0", got)
	}
}

func TestBus_StatsSnapshot(t *testing.T) {
	b := New(testLogger())
	b.Subscribe(TopicChatInbound, "a", func(ctx context.Context, payload any) error { return nil })
	b.Subscribe(TopicChatInbound, "b", func(ctx context.Context, payload any) error { return nil })
	b.Subscribe(TopicSystemEvent, "c", func(ctx context.Context, payload any) error { return nil })

	b.Publish(context.Background(), TopicChatInbound, "x")
	b.WaitAll()

	stats := b.StatsSnapshot()
	if stats.Topics != 2 {
		t.Fatalf("topics = %d, want 2", stats.Topics)
	}
	if stats.Subscribers[TopicChatInbound] != 2 {
		t.Fatalf("chat.inbound subscribers = %d, want 2", stats.Subscribers[TopicChatInbound])
	}
	if stats.Delivered != 2 {
		t.Fatalf("delivered = %d, want 2", stats.Delivered)
	}
	if stats.InFlight != 0 {
		t.Fatalf("in-flight = %d, want 0", stats.InFlight)
	}
}
