package neural

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// reflexWindow is how many recent replies are excluded from re-selection.
const reflexWindow = 5

// Pattern pools for the reflex backend. One pool per reply situation; the
// error pool backs any request the other pools do not cover.
var reflexPools = map[string][]string{
	"ping": {
		"🤖 I'm here!",
		"Pong! 👋",
		"Hey hey! 🙂",
		"Salut ! Ça roule ?",
		"Present and accounted for 🤖",
		"Yo! What's up?",
	},
	"lookup": {
		"Let me squint at that... no luck right now 🔍",
		"Hmm, nothing in my notes for that one.",
		"I couldn't dig that up, sorry!",
		"That one's not in my crystal ball today 🔮",
	},
	"gen_short": {
		"Good question — short answer: probably! 🙂",
		"I'd say yes, but don't quote me 😉",
		"Tough one! My circuits vote maybe.",
		"Ha! If only I knew. 🤖",
		"That's a solid thought, chat approves 👍",
	},
	"gen_long": {
		"That deserves a proper answer and my big brain is napping — ask me again in a bit! 🤖",
		"Long story short: it depends, and the long story is longer than a chat message allows 😅",
		"I have opinions on that but the margin of this chat is too narrow to contain them!",
		"Great topic! The honest answer needs more room than one message — poke me again later.",
	},
	"error": {
		"Oops, small hiccup on my side 😅",
		"My wires got crossed — try that again?",
		"Err, that one escaped me. One more time?",
	},
}

// lookupKeywords flag lookup-style questions for the lookup pool.
var lookupKeywords = []string{"game", "stream", "jeu", "live", "title", "titre"}

// ReflexBackend produces canned templated replies. It is always available,
// never fails, and never suspends; the dispatcher uses it as the terminal
// fallback and as the fast path for ping-class prompts.
//
// Repeat avoidance: the last five replies (across all pools) are excluded
// from selection; when every candidate in a pool is recent, the window is
// reset for that pick.
type ReflexBackend struct {
	tracker *tracker

	mu     sync.Mutex
	recent []string // FIFO, newest last
}

// NewReflex creates the reflex backend.
func NewReflex() *ReflexBackend {
	return &ReflexBackend{tracker: newTracker(0.1)}
}

// Name implements Backend.
func (r *ReflexBackend) Name() string { return BackendReflex }

// CanExecute implements Backend. Reflex is always available.
func (r *ReflexBackend) CanExecute(ctx context.Context) bool { return true }

// Invoke implements Backend. The bandit stats are simulated: every call
// counts as a success with a constant reward of 0.5 so the dispatcher can
// rank reflex consistently against the generative backends.
func (r *ReflexBackend) Invoke(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	text := r.pick(req)
	latency := time.Since(start)

	const reward = 0.5
	r.tracker.recordSuccess(latency, reward)

	return Response{
		Text:         text,
		Backend:      BackendReflex,
		Latency:      latency,
		FinishReason: "stop",
		Reward:       reward,
	}, nil
}

func (r *ReflexBackend) pick(req Request) string {
	pool := reflexPools[poolFor(req)]

	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]string, 0, len(pool))
	for _, entry := range pool {
		if !r.isRecent(entry) {
			candidates = append(candidates, entry)
		}
	}
	// Every entry was used recently: reset the window for this pool pick.
	if len(candidates) == 0 {
		candidates = pool
	}

	var choice string
	if req.Class == ClassGenLong && len([]rune(req.Text)) > 80 {
		// Long inputs deserve the most substantial canned reply available.
		for _, c := range candidates {
			if len(c) > len(choice) {
				choice = c
			}
		}
	} else {
		choice = candidates[rand.Intn(len(candidates))]
	}

	r.recent = append(r.recent, choice)
	if len(r.recent) > reflexWindow {
		r.recent = r.recent[len(r.recent)-reflexWindow:]
	}
	return choice
}

func poolFor(req Request) string {
	switch {
	case req.Class == ClassPing:
		return "ping"
	case looksLikeLookup(req.Text):
		return "lookup"
	case req.Class == ClassGenLong:
		return "gen_long"
	case req.Class == ClassGenShort:
		return "gen_short"
	default:
		return "error"
	}
}

// looksLikeLookup detects residual command text or metadata questions.
func looksLikeLookup(text string) bool {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "!") {
		return true
	}
	if !strings.Contains(trimmed, "?") {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, kw := range lookupKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (r *ReflexBackend) isRecent(entry string) bool {
	for _, used := range r.recent {
		if used == entry {
			return true
		}
	}
	return false
}

// Stats implements Backend.
func (r *ReflexBackend) Stats() BackendStats {
	var s BackendStats
	r.tracker.fill(&s)
	s.BreakerState = BreakerClosed
	return s
}

// Metrics implements Backend.
func (r *ReflexBackend) Metrics() map[string]any {
	s := r.Stats()
	r.mu.Lock()
	recent := len(r.recent)
	r.mu.Unlock()
	return map[string]any{
		"trials":        s.Trials,
		"avg_reward":    s.AvgReward,
		"recent_window": recent,
	}
}
