// Package monitor observes stream liveness for the configured channels and
// publishes stream.online / stream.offline transitions on the bus. Two
// observation paths exist, a Helix poller and an EventSub push client; both
// record into one shared StateTable so a transition seen by push and then by
// poll is announced exactly once.
package monitor

import (
	"sync"
	"time"
)

// Status is the observed liveness of one channel.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Transition is the outcome of recording one observation.
type Transition int

const (
	// TransitionNone: no announcement. Covers repeats and the silent
	// unknown -> online/offline startup recordings.
	TransitionNone Transition = iota
	TransitionWentOnline
	TransitionWentOffline
)

// consecutive helix failures before a channel's state resets to unknown, so
// that recovery after an outage does not fire a spurious online event.
const errorResetLimit = 5

// ChannelState is a point-in-time view of one channel, for /statusz.
type ChannelState struct {
	Status     Status    `json:"status"`
	LastChange time.Time `json:"last_change,omitzero"`
	LastCheck  time.Time `json:"last_check,omitzero"`
	Errors     int       `json:"consecutive_errors,omitempty"`
}

type channelState struct {
	status        Status
	broadcasterID string
	lastChange    time.Time
	lastCheck     time.Time
	errors        int
}

// StateTable tracks per-channel stream status. It is owned by the
// MonitorSupervisor and shared by every observation path.
type StateTable struct {
	mu       sync.Mutex
	channels map[string]*channelState
}

// NewStateTable seeds the table with the given channels in StatusUnknown.
func NewStateTable(channels []string) *StateTable {
	t := &StateTable{channels: make(map[string]*channelState, len(channels))}
	for _, ch := range channels {
		t.channels[ch] = &channelState{status: StatusUnknown}
	}
	return t
}

func (t *StateTable) state(channel string) *channelState {
	st, ok := t.channels[channel]
	if !ok {
		st = &channelState{status: StatusUnknown}
		t.channels[channel] = st
	}
	return st
}

// Observe records a liveness observation and reports whether it crossed an
// announceable boundary. Online is only announced from offline: the first
// observation after startup (or after an error reset) records silently.
func (t *StateTable) Observe(channel string, online bool) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(channel)
	st.errors = 0
	st.lastCheck = time.Now()

	next := StatusOffline
	if online {
		next = StatusOnline
	}
	prev := st.status
	if prev == next {
		return TransitionNone
	}
	st.status = next
	st.lastChange = st.lastCheck

	switch {
	case prev == StatusOffline && next == StatusOnline:
		return TransitionWentOnline
	case prev == StatusOnline && next == StatusOffline:
		return TransitionWentOffline
	default:
		return TransitionNone
	}
}

// ObserveError counts a failed liveness check. After errorResetLimit
// consecutive failures the channel resets to StatusUnknown and true is
// returned so the caller can log the reset.
func (t *StateTable) ObserveError(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(channel)
	st.lastCheck = time.Now()
	st.errors++
	if st.errors < errorResetLimit {
		return false
	}
	st.errors = 0
	st.status = StatusUnknown
	return true
}

// RememberID stores the broadcaster id observed for channel, so offline
// events can still reference it after the stream snapshot is gone.
func (t *StateTable) RememberID(channel, id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	t.state(channel).broadcasterID = id
	t.mu.Unlock()
}

// BroadcasterID returns the last broadcaster id seen for channel, if any.
func (t *StateTable) BroadcasterID(channel string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.channels[channel]; ok {
		return st.broadcasterID
	}
	return ""
}

// Status returns the current status of one channel.
func (t *StateTable) Status(channel string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.channels[channel]; ok {
		return st.status
	}
	return StatusUnknown
}

// Snapshot copies the table for the status server.
func (t *StateTable) Snapshot() map[string]ChannelState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]ChannelState, len(t.channels))
	for ch, st := range t.channels {
		out[ch] = ChannelState{
			Status:     st.status,
			LastChange: st.lastChange,
			LastCheck:  st.lastCheck,
			Errors:     st.errors,
		}
	}
	return out
}
