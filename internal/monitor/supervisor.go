package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// PushSource is the push-based observation path (EventSub). Start returns an
// error when the initial connection cannot be established. After a
// successful Start, Done is closed once the source has stopped for good and
// Err reports why; Err is nil after a clean Stop.
type PushSource interface {
	Start(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
	Err() error
}

// SupervisorConfig wires a Supervisor. Poller is required; Push may be nil
// when the method is "poll".
type SupervisorConfig struct {
	Method string // "auto", "push", or "poll"
	Poller *Monitor
	Push   PushSource
	Table  *StateTable
	Logger *slog.Logger
}

// Supervisor runs the configured observation path. In "auto" it prefers push
// and downgrades to the poller when push cannot start or permanently fails.
// Both paths share one StateTable, so the downgrade never re-announces a
// transition the push path already published.
type Supervisor struct {
	method string
	poller *Monitor
	push   PushSource
	table  *StateTable
	logger *slog.Logger

	mu       sync.Mutex
	pollerOn bool
	pushOn   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSupervisor builds a Supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	method := cfg.Method
	if method == "" {
		method = "auto"
	}
	return &Supervisor{
		method: method,
		poller: cfg.Poller,
		push:   cfg.Push,
		table:  cfg.Table,
		logger: logger.With("component", "monitor"),
	}
}

// Start launches the observation path for the configured method.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	switch s.method {
	case "poll":
		return s.startPoller(ctx)

	case "push":
		if s.push == nil {
			return fmt.Errorf("monitoring method is push but no push source is configured")
		}
		if err := s.push.Start(ctx); err != nil {
			return fmt.Errorf("start push monitoring: %w", err)
		}
		s.setPushOn(true)
		s.watchPush(ctx, false)
		return nil

	default: // auto
		if s.push != nil {
			err := s.push.Start(ctx)
			if err == nil {
				s.setPushOn(true)
				s.watchPush(ctx, true)
				return nil
			}
			s.logger.Warn("push monitoring unavailable, falling back to polling", "error", err)
		}
		return s.startPoller(ctx)
	}
}

// watchPush waits for the push source to die. With fallback the poller takes
// over; without it monitoring ends with an error log.
func (s *Supervisor) watchPush(ctx context.Context, fallback bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-s.push.Done():
		}

		s.setPushOn(false)
		err := s.push.Err()
		if err == nil || ctx.Err() != nil {
			return
		}
		if !fallback {
			s.logger.Error("push monitoring failed permanently, monitoring stopped", "error", err)
			return
		}
		s.logger.Warn("push monitoring failed permanently, downgrading to polling", "error", err)
		if startErr := s.startPoller(ctx); startErr != nil {
			s.logger.Error("polling fallback failed to start", "error", startErr)
		}
	}()
}

func (s *Supervisor) startPoller(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollerOn {
		return nil
	}
	if err := s.poller.Start(ctx); err != nil {
		return err
	}
	s.pollerOn = true
	return nil
}

func (s *Supervisor) setPushOn(on bool) {
	s.mu.Lock()
	s.pushOn = on
	s.mu.Unlock()
}

// Stop stops whichever children run and waits for them.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.push != nil {
		s.push.Stop()
	}
	// The watcher goroutine can start the poller during a fallback, so wait
	// for it before reading pollerOn.
	s.wg.Wait()

	s.mu.Lock()
	pollerOn := s.pollerOn
	s.mu.Unlock()
	if pollerOn {
		s.poller.Stop()
	}
}

// Method reports the configured observation method.
func (s *Supervisor) Method() string { return s.method }

// Active reports which paths currently run, for the status server.
func (s *Supervisor) Active() (push, poll bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushOn, s.pollerOn
}

// States snapshots per-channel stream status.
func (s *Supervisor) States() map[string]ChannelState {
	return s.table.Snapshot()
}
