// Package neural routes chat prompts across three response backends: a fast
// local generator, a slower high-quality cloud generator, and an
// always-available templated reflex. A UCB-1 bandit picks among them using
// per-backend reward statistics; per-backend circuit breakers stop traffic to
// a failing endpoint until it recovers.
package neural

import (
	"context"
	"time"
)

// Class is the intent label the classifier assigns to a prompt.
type Class string

const (
	// ClassPing covers greetings, acknowledgments, and presence tests.
	ClassPing Class = "ping"
	// ClassGenShort covers ordinary short-form generation.
	ClassGenShort Class = "gen_short"
	// ClassGenLong covers explicit long-form requests (!ask, explain, ...).
	ClassGenLong Class = "gen_long"
)

// Call contexts. The context names the chat surface a prompt arrived through
// and selects the prompt wrapper and inference parameters.
const (
	ContextAsk     = "ask"
	ContextMention = "mention"
	ContextJoke    = "joke"
	// ContextDirect sends the prompt verbatim, with no wrapping and no
	// system message. Reserved for internal callers.
	ContextDirect = "direct"
)

// Request is one prompt handed to a backend.
type Request struct {
	Text          string
	Class         Class
	Context       string
	UserID        string
	Channel       string
	CorrelationID string
}

// Response is a completed backend invocation.
type Response struct {
	Text         string
	Backend      string
	Latency      time.Duration
	FinishReason string
	// Reward is the shaped bandit reward the backend credited itself for
	// this response.
	Reward float64
}

// BackendStats is a point-in-time snapshot of one backend's bandit and
// breaker state. Fields that do not apply to a backend hold zero values
// (reflex has no breaker, local has no rate-limit deadline).
type BackendStats struct {
	Trials              int
	TotalReward         float64
	AvgReward           float64
	Successes           int
	EMASuccessRate      float64
	EMALatency          float64 // seconds
	ConsecutiveFailures int
	LastFailure         time.Time
	LastError           string

	BreakerState     BreakerState
	BackoffSeconds   float64
	RateLimitedUntil time.Time
	QuotaExhausted   bool
}

// Backend is one response producer the dispatcher can route to.
//
// CanExecute must be cheap and side-effect free: the dispatcher calls it
// while scoring. Invoke owns its own timeout budget; the dispatcher never
// wraps it in an outer deadline. Each backend records its own reward and
// breaker outcomes inside Invoke, so Stats is read-only for callers.
type Backend interface {
	Name() string
	CanExecute(ctx context.Context) bool
	Invoke(ctx context.Context, req Request) (Response, error)
	Stats() BackendStats
	Metrics() map[string]any
}

// Backend names, in dispatcher insertion order.
const (
	BackendLocal  = "local"
	BackendCloud  = "cloud"
	BackendReflex = "reflex"
)
