// Package timers fires scheduled chat messages. Each timer is a 5-field
// cron expression; a coarse ticker wakes the scheduler, which publishes the
// message of every due timer on the outbound chat topic. Timers are not
// coupled to stream state: a timer keeps firing while its channel is offline.
package timers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
	"github.com/ElSerda/KissBot-sub000/internal/config"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const defaultTick = 30 * time.Second

// entry is one validated timer. lastFire advances to the tick time on every
// fire, so a slot missed while the process slept is collapsed into a single
// catch-up fire instead of a burst.
type entry struct {
	name     string
	schedule cronlib.Schedule
	channel  string
	message  string
	lastFire time.Time
}

// Config holds the dependencies for the timer scheduler.
type Config struct {
	Timers   []config.TimerConfig
	Bus      *bus.Bus
	Logger   *slog.Logger
	Interval time.Duration    // tick interval; defaults to 30 seconds if zero
	Now      func() time.Time // test hook
}

// Scheduler owns the timer entries and the tick loop.
type Scheduler struct {
	entries  []*entry
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates every timer and builds the scheduler. An unparseable
// schedule is a configuration error naming the timer.
func New(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultTick
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	entries := make([]*entry, 0, len(cfg.Timers))
	for _, t := range cfg.Timers {
		sched, err := cronParser.Parse(t.Schedule)
		if err != nil {
			return nil, fmt.Errorf("timer %q: invalid schedule %q: %w", t.Name, t.Schedule, err)
		}
		entries = append(entries, &entry{
			name:     t.Name,
			schedule: sched,
			channel:  strings.ToLower(strings.TrimPrefix(t.Channel, "#")),
			message:  t.Message,
		})
	}

	return &Scheduler{
		entries:  entries,
		bus:      cfg.Bus,
		logger:   logger.With("component", "timers"),
		interval: interval,
		now:      now,
	}, nil
}

// Start begins the tick loop. Timers only fire for slots after Start.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.entries) == 0 {
		return
	}
	start := s.now()
	for _, e := range s.entries {
		e.lastFire = start
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("timer scheduler started", "timers", len(s.entries), "interval", s.interval)
}

// Stop cancels the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("timer scheduler stopped")
}

// Entries returns the timer names, for the status surface.
func (s *Scheduler) Entries() []string {
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.name
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every entry whose next slot after its last fire has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, e := range s.entries {
		due := e.schedule.Next(e.lastFire)
		if due.After(now) {
			continue
		}
		e.lastFire = now
		s.fire(ctx, e)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	s.bus.Publish(ctx, bus.TopicChatOutbound, bus.OutboundMessage{
		Channel: e.channel,
		Text:    e.message,
		Source:  "timers",
	})
	s.logger.Info("timer fired", "timer", e.name, "channel", e.channel)
}
