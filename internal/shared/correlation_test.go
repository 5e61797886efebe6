package shared

import (
	"context"
	"testing"
)

func TestNewCorrelationID_Shape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := NewCorrelationID()
		if len(id) != 8 {
			t.Fatalf("len(id) = %d, want 8", len(id))
		}
		for _, r := range id {
			if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
				t.Fatalf("id %q contains non-hex rune %q", id, r)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = true
	}
}

func TestCorrelationID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := CorrelationID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithCorrelationID(ctx, "abcd1234")
	if got := CorrelationID(ctx); got != "abcd1234" {
		t.Fatalf("expected abcd1234, got %q", got)
	}
}

func TestChannel_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := Channel(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithChannel(ctx, "mychannel")
	if got := Channel(ctx); got != "mychannel" {
		t.Fatalf("expected mychannel, got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is far too long", 10, "this is f…"},
		{"héllo wörld", 6, "héllo…"},
		{"xy", 1, "…"},
	}
	for _, tc := range cases {
		if got := Truncate(tc.in, tc.max); got != tc.want {
			t.Fatalf("Truncate(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}
