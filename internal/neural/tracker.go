package neural

import (
	"sync"
	"time"
)

// tracker accumulates one backend's bandit statistics. The owning backend is
// the sole writer; the dispatcher reads snapshots for scoring. A stale read
// costs at most one suboptimal routing decision.
type tracker struct {
	mu sync.Mutex

	alpha       float64 // EMA smoothing factor
	trials      int
	totalReward float64
	successes   int
	emaLatency  float64 // seconds
	emaSuccess  float64
	seeded      bool
	lastError   string
}

func newTracker(alpha float64) *tracker {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &tracker{alpha: alpha}
}

// recordSuccess counts a successful trial with its shaped reward and latency.
// The first sample seeds both EMAs.
func (t *tracker) recordSuccess(latency time.Duration, reward float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.trials++
	t.successes++
	t.totalReward += reward
	t.lastError = ""

	sample := latency.Seconds()
	if !t.seeded {
		t.emaLatency = sample
		t.emaSuccess = 1.0
		t.seeded = true
		return
	}
	t.emaLatency = t.alpha*sample + (1-t.alpha)*t.emaLatency
	t.emaSuccess = t.alpha*1.0 + (1-t.alpha)*t.emaSuccess
}

// recordFailure counts a failed trial (reward 0).
func (t *tracker) recordFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.trials++
	if err != nil {
		t.lastError = err.Error()
	}
	if !t.seeded {
		t.emaSuccess = 0.0
		t.seeded = true
		return
	}
	t.emaSuccess = (1 - t.alpha) * t.emaSuccess
}

// fill copies the tracker's counters into a stats snapshot.
func (t *tracker) fill(s *BackendStats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s.Trials = t.trials
	s.TotalReward = t.totalReward
	s.Successes = t.successes
	if t.trials > 0 {
		s.AvgReward = t.totalReward / float64(t.trials)
	}
	s.EMASuccessRate = t.emaSuccess
	s.EMALatency = t.emaLatency
	s.LastError = t.lastError
}
