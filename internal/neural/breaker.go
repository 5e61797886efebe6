package neural

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	// BreakerClosed lets every call through.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects calls until the recovery window elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets one probe through; its outcome decides the
	// next state.
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker is a three-state circuit breaker. It opens after a configured
// number of consecutive failures, stays open for the recovery window, then
// half-opens to admit a single probe: a successful probe closes the breaker,
// a failed one re-opens it and restarts the window.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time

	threshold int
	recovery  time.Duration
	now       func() time.Time
}

// NewBreaker creates a closed breaker. threshold <= 0 defaults to 3 and
// recovery <= 0 to one minute.
func NewBreaker(threshold int, recovery time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if recovery <= 0 {
		recovery = time.Minute
	}
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. An open breaker whose recovery
// window has elapsed transitions to half-open and admits the caller as the
// probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) >= b.recovery {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default: // closed or half-open
		return true
	}
}

// RecordSuccess resets the consecutive failure count and closes a half-open
// breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
	}
}

// RecordFailure counts a failure. A half-open breaker re-opens immediately;
// a closed one opens once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
	}
}

// State returns the current position without the half-open transition that
// Allow performs.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastFailure returns the time of the most recent recorded failure.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}
