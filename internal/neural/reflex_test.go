package neural

import (
	"context"
	"strings"
	"testing"
)

func poolContains(pool []string, text string) bool {
	for _, entry := range pool {
		if entry == text {
			return true
		}
	}
	return false
}

func TestReflex_PingPool(t *testing.T) {
	r := NewReflex()
	resp, err := r.Invoke(context.Background(), Request{Text: "ping", Class: ClassPing})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !poolContains(reflexPools["ping"], resp.Text) {
		t.Fatalf("expected a ping pool reply, got: %q", resp.Text)
	}
	if resp.Backend != BackendReflex {
		t.Fatalf("expected backend %q, got: %q", BackendReflex, resp.Backend)
	}
	if resp.Reward != 0.5 {
		t.Fatalf("expected the constant reflex reward, got: %g", resp.Reward)
	}
}

func TestReflex_LookupPoolForCommandResidue(t *testing.T) {
	r := NewReflex()
	tests := []string{
		"!game Hades",
		"what game is this?",
		"quel jeu ?",
	}
	for _, text := range tests {
		resp, err := r.Invoke(context.Background(), Request{Text: text, Class: ClassGenShort})
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if !poolContains(reflexPools["lookup"], resp.Text) {
			t.Fatalf("expected a lookup reply for %q, got: %q", text, resp.Text)
		}
	}
}

func TestReflex_AvoidsRecentReplies(t *testing.T) {
	r := NewReflex()
	req := Request{Text: "hello", Class: ClassPing}

	seen := make(map[string]bool)
	for i := 0; i < reflexWindow; i++ {
		resp, err := r.Invoke(context.Background(), req)
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if seen[resp.Text] {
			t.Fatalf("reply %q repeated inside the avoidance window", resp.Text)
		}
		seen[resp.Text] = true
	}
}

func TestReflex_WindowResetWhenPoolExhausted(t *testing.T) {
	r := NewReflex()
	req := Request{Text: "hmm", Class: ClassGenShort} // gen_short pool has 5 entries

	// Burn through the whole pool, then one more: the reset must still
	// produce a reply rather than failing on an empty candidate set.
	for i := 0; i < len(reflexPools["gen_short"])+1; i++ {
		resp, err := r.Invoke(context.Background(), req)
		if err != nil {
			t.Fatalf("expected no error on call %d, got: %v", i, err)
		}
		if resp.Text == "" {
			t.Fatalf("expected a reply on call %d", i)
		}
	}
}

func TestReflex_LongInputPicksSubstantialReply(t *testing.T) {
	r := NewReflex()
	longText := strings.Repeat("tell me about the history of speedrunning ", 3)
	resp, err := r.Invoke(context.Background(), Request{Text: longText, Class: ClassGenLong})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	longest := ""
	for _, entry := range reflexPools["gen_long"] {
		if len(entry) > len(longest) {
			longest = entry
		}
	}
	if resp.Text != longest {
		t.Fatalf("expected the most substantial gen_long reply, got: %q", resp.Text)
	}
}

func TestReflex_AlwaysExecutable(t *testing.T) {
	r := NewReflex()
	if !r.CanExecute(context.Background()) {
		t.Fatal("expected reflex to always be executable")
	}

	for i := 0; i < 4; i++ {
		if _, err := r.Invoke(context.Background(), Request{Text: "yo", Class: ClassPing}); err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
	}
	s := r.Stats()
	if s.Trials != 4 || s.Successes != 4 {
		t.Fatalf("expected 4 simulated successes, got: %+v", s)
	}
	if s.AvgReward != 0.5 {
		t.Fatalf("expected average reward 0.5, got: %g", s.AvgReward)
	}
	if s.BreakerState != BreakerClosed {
		t.Fatalf("expected a permanently closed breaker, got: %s", s.BreakerState)
	}
}
